package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/ppiankov/foodmap/internal/model"
)

// Cache stores fetched pages and geocoder responses between runs
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration) error
	Delete(key string) error
	Clear() error
}

// Key builds a cache key for a namespaced lookup (e.g. "page", url)
func Key(namespace, lookup string) string {
	hash := sha256.Sum256([]byte(lookup))
	return "foodmap-v1-" + namespace + "-" + hex.EncodeToString(hash[:])
}

// New builds the cache described by cfg. A disabled cache stores nothing.
func New(cfg model.CacheConfig) Cache {
	if !cfg.Enabled {
		return Nop{}
	}
	if cfg.Dir == "" {
		return NewMemoryCache(cfg.MemoryTTL, 10*time.Minute)
	}
	return NewLayeredCache(cfg.MemoryTTL, cfg.Dir, cfg.DiskTTL)
}

// Nop is a cache that never hits
type Nop struct{}

func (Nop) Get(string) ([]byte, bool)                { return nil, false }
func (Nop) Set(string, []byte, time.Duration) error { return nil }
func (Nop) Delete(string) error                      { return nil }
func (Nop) Clear() error                             { return nil }
