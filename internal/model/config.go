package model

import (
	"os"
	"path/filepath"
	"time"
)

// Config holds the complete foodmap configuration
type Config struct {
	HTTP    HTTPConfig    `yaml:"http" mapstructure:"http"`
	Cache   CacheConfig   `yaml:"cache" mapstructure:"cache"`
	Crawl   CrawlConfig   `yaml:"crawl" mapstructure:"crawl"`
	Geocode GeocodeConfig `yaml:"geocode" mapstructure:"geocode"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

// HTTPConfig configures every outbound HTTP client
type HTTPConfig struct {
	Timeout      time.Duration `yaml:"timeout" mapstructure:"timeout"`               // Per-request timeout
	UserAgent    string        `yaml:"user_agent" mapstructure:"user_agent"`         // Sent on every request
	MaxBodyBytes int64         `yaml:"max_body_bytes" mapstructure:"max_body_bytes"` // Response size cap
	InsecureTLS  bool          `yaml:"insecure_tls" mapstructure:"insecure_tls"`     // Skip certificate verification
	HTTPProxy    string        `yaml:"http_proxy" mapstructure:"http_proxy"`
	HTTPSProxy   string        `yaml:"https_proxy" mapstructure:"https_proxy"`
	NoProxy      string        `yaml:"no_proxy" mapstructure:"no_proxy"`
}

// CacheConfig configures the layered response cache
type CacheConfig struct {
	Enabled   bool          `yaml:"enabled" mapstructure:"enabled"`
	Dir       string        `yaml:"dir" mapstructure:"dir"`
	MemoryTTL time.Duration `yaml:"memory_ttl" mapstructure:"memory_ttl"`
	DiskTTL   time.Duration `yaml:"disk_ttl" mapstructure:"disk_ttl"`
}

// CrawlConfig configures the inspection portal crawler
type CrawlConfig struct {
	StartURL          string        `yaml:"start_url" mapstructure:"start_url"`
	RequestsPerSecond float64       `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	MaxRetries        int           `yaml:"max_retries" mapstructure:"max_retries"` // Re-fetches of a facility page missing its name
	RetryDelay        time.Duration `yaml:"retry_delay" mapstructure:"retry_delay"`
	RespectRobots     bool          `yaml:"respect_robots" mapstructure:"respect_robots"`
}

// GeocodeConfig configures the geocoding stage
type GeocodeConfig struct {
	AddressField   string          `yaml:"address_field" mapstructure:"address_field"`     // Record field holding the street address
	IncludeDetails bool            `yaml:"include_details" mapstructure:"include_details"` // Emit result_name and geocode_score
	Reference      ReferenceConfig `yaml:"reference" mapstructure:"reference"`
	ESRI           ESRIConfig      `yaml:"esri" mapstructure:"esri"`
	Nominatim      NominatimConfig `yaml:"nominatim" mapstructure:"nominatim"`
}

// ReferenceConfig describes the municipal address-to-coordinate dataset
type ReferenceConfig struct {
	Path          string `yaml:"path" mapstructure:"path"`
	AddressColumn string `yaml:"address_column" mapstructure:"address_column"`
	LatColumn     string `yaml:"lat_column" mapstructure:"lat_column"`
	LonColumn     string `yaml:"lon_column" mapstructure:"lon_column"`
}

// ESRIConfig configures the city's ArcGIS batch geocoder
type ESRIConfig struct {
	Enabled     bool     `yaml:"enabled" mapstructure:"enabled"`
	URL         string   `yaml:"url" mapstructure:"url"`
	BatchSize   int      `yaml:"batch_size" mapstructure:"batch_size"`
	StripCities []string `yaml:"strip_cities" mapstructure:"strip_cities"` // City suffixes the service assumes and rejects
}

// NominatimConfig configures the OSM Nominatim fallback
type NominatimConfig struct {
	Enabled      bool          `yaml:"enabled" mapstructure:"enabled"`
	BaseURL      string        `yaml:"base_url" mapstructure:"base_url"`
	Email        string        `yaml:"email" mapstructure:"email"`
	CountryCodes string        `yaml:"country_codes" mapstructure:"country_codes"`
	MinInterval  time.Duration `yaml:"min_interval" mapstructure:"min_interval"` // Courtesy delay between requests
	MaxAttempts  int           `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// LogConfig configures the zap logger
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // console or json
}

// DefaultStartURL is the St. Louis HealthSpace food facility ward list
const DefaultStartURL = "https://www.healthspace.com/Clients/Missouri/StLouis/St_Louis_Web_Live.nsf/Food-WardList?OpenView&Count=999&"

// DefaultESRIURL is the City of St. Louis composite batch geocoder
const DefaultESRIURL = "https://maps6.stlouis-mo.gov/arcgis/rest/services/GEOCODERS/COMPOSITE_GEOCODE/GeocodeServer/geocodeAddresses"

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Timeout:      30 * time.Second,
			UserAgent:    "foodmap/0.1 (+https://github.com/ppiankov/foodmap)",
			MaxBodyBytes: 5_000_000,
		},
		Cache: CacheConfig{
			Enabled:   true,
			Dir:       defaultCacheDir(),
			MemoryTTL: time.Hour,
			DiskTTL:   7 * 24 * time.Hour,
		},
		Crawl: CrawlConfig{
			StartURL:          DefaultStartURL,
			RequestsPerSecond: 10,
			MaxRetries:        5,
			RetryDelay:        time.Second,
			RespectRobots:     true,
		},
		Geocode: GeocodeConfig{
			AddressField: "address",
			Reference: ReferenceConfig{
				AddressColumn: "address",
				LatColumn:     "lat",
				LonColumn:     "lon",
			},
			ESRI: ESRIConfig{
				URL:         DefaultESRIURL,
				BatchSize:   100,
				StripCities: []string{"st. louis", "st louis", "saint louis"},
			},
			Nominatim: NominatimConfig{
				Enabled:      true,
				BaseURL:      "https://nominatim.openstreetmap.org",
				CountryCodes: "us",
				MinInterval:  time.Second,
				MaxAttempts:  1,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "foodmap")
	}
	return filepath.Join(dir, "foodmap")
}
