package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ppiankov/foodmap/internal/cache"
	"github.com/ppiankov/foodmap/internal/model"
	"github.com/ppiankov/foodmap/internal/worker"
)

const (
	maxResponseBytes     = 1 << 20
	retryInitialBackoff  = time.Second
	nominatimCacheSchema = "nominatim"
)

// retrySleep waits out a backoff; tests replace it
var retrySleep = func(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// StatusError is a non-2xx geocoder response
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status: %s", e.Status)
}

// isTransient reports whether a geocoder error is worth retrying
func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code == http.StatusTooManyRequests || statusErr.Code >= 500
	}

	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// nominatimPlace is one candidate of a /search jsonv2 response
type nominatimPlace struct {
	Lat         string   `json:"lat"`
	Lon         string   `json:"lon"`
	Importance  *float64 `json:"importance"`
	DisplayName string   `json:"display_name"`
}

// NominatimResolver queries an OSM Nominatim /search endpoint, one request
// per address, spaced by the configured minimum interval
type NominatimResolver struct {
	client       *http.Client
	baseURL      string
	userAgent    string
	email        string
	countryCodes string
	maxAttempts  int
	limiter      *worker.Limiter
	cache        cache.Cache
}

// NewNominatimResolver creates a Nominatim resolver. responses may be nil.
func NewNominatimResolver(client *http.Client, cfg model.NominatimConfig, userAgent string, responses cache.Cache) *NominatimResolver {
	if responses == nil {
		responses = cache.Nop{}
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	return &NominatimResolver{
		client:       client,
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		userAgent:    userAgent,
		email:        cfg.Email,
		countryCodes: cfg.CountryCodes,
		maxAttempts:  maxAttempts,
		limiter:      worker.NewIntervalLimiter(cfg.MinInterval),
		cache:        responses,
	}
}

func (n *NominatimResolver) Name() string { return "nominatim" }

// Resolve searches for the original address and returns the top candidate.
// Only responses that parse are cached.
func (n *NominatimResolver) Resolve(ctx context.Context, q Query) (*Result, error) {
	if strings.TrimSpace(q.Address) == "" {
		return nil, nil
	}

	reqURL := n.searchURL(q.Address)
	key := cache.Key(nominatimCacheSchema, reqURL)

	if body, cached := n.cache.Get(key); cached {
		result, err := parseNominatim(body)
		if err == nil {
			return result, nil
		}
		zap.L().Debug("discarding unreadable cached nominatim response", zap.String("address", q.Address), zap.Error(err))
		_ = n.cache.Delete(key)
	}

	body, err := n.searchWithRetry(ctx, reqURL)
	if err != nil {
		return nil, err
	}

	result, err := parseNominatim(body)
	if err != nil {
		return nil, err
	}
	if err := n.cache.Set(key, body, 0); err != nil {
		zap.L().Debug("nominatim cache write failed", zap.Error(err))
	}
	return result, nil
}

func (n *NominatimResolver) searchURL(address string) string {
	params := url.Values{}
	params.Set("q", address)
	params.Set("format", "jsonv2")
	if n.countryCodes != "" {
		params.Set("countrycodes", n.countryCodes)
	}
	params.Set("layer", "address")
	params.Set("limit", "1")
	if n.email != "" {
		params.Set("email", n.email)
	}
	return n.baseURL + "/search?" + params.Encode()
}

func (n *NominatimResolver) searchWithRetry(ctx context.Context, reqURL string) ([]byte, error) {
	backoff := retryInitialBackoff

	var lastErr error
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		if err := n.limiter.Wait(ctx, reqURL); err != nil {
			return nil, err
		}

		body, err := n.search(ctx, reqURL)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if attempt == n.maxAttempts || !isTransient(err) || ctx.Err() != nil {
			break
		}

		zap.L().Debug("retrying nominatim search",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		if err := retrySleep(ctx, backoff); err != nil {
			return nil, err
		}
		backoff *= 2
	}

	return nil, lastErr
}

func (n *NominatimResolver) search(ctx context.Context, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "create request")
	}
	req.Header.Set("User-Agent", n.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, eris.Wrap(err, "read response")
	}
	return body, nil
}

func parseNominatim(body []byte) (*Result, error) {
	var places []nominatimPlace
	if err := json.Unmarshal(body, &places); err != nil {
		return nil, eris.Wrap(err, "decode nominatim response")
	}
	if len(places) == 0 {
		return nil, nil
	}

	top := places[0]
	lat, err := strconv.ParseFloat(top.Lat, 64)
	if err != nil {
		return nil, eris.Wrapf(err, "parse lat %q", top.Lat)
	}
	lon, err := strconv.ParseFloat(top.Lon, 64)
	if err != nil {
		return nil, eris.Wrapf(err, "parse lon %q", top.Lon)
	}

	return &Result{
		Coordinates: model.Coordinates{Lat: lat, Lon: lon},
		Source:      model.SourceNominatim,
		MatchedName: top.DisplayName,
		Score:       top.Importance,
	}, nil
}
