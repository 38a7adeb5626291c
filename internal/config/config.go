// Package config provides YAML configuration parsing for shelfwatch.
//
// Example configuration:
//
//	product:
//	  tcin: "87576259"
//	  store_id: "3241"
//	  zip: "27599"
//	  state: NC
//	  latitude: "35.930"
//	  longitude: "-79.040"
//
//	api:
//	  key: ${SHELFWATCH_API_KEY}
//	  stock_url: https://redsky.target.com/redsky_aggregations/v1/web/product_fulfillment_and_variation_hierarchy_v1
//	  price_url: https://redsky.target.com/redsky_aggregations/v1/web/product_summary_basics_v1
//	  timeout: 30s
//
//	monitor:
//	  interval: 90s
//	  track_price: true
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Default Redsky aggregation endpoints.
const (
	DefaultStockURL = "https://redsky.target.com/redsky_aggregations/v1/web/product_fulfillment_and_variation_hierarchy_v1"
	DefaultPriceURL = "https://redsky.target.com/redsky_aggregations/v1/web/product_summary_basics_v1"
)

// Config is the root configuration structure for shelfwatch.
//
// It maps directly to the YAML configuration file structure.
// Use [Load] or [Parse] to create a Config from YAML.
type Config struct {
	Product  ProductConfig  `yaml:"product"`
	API      APIConfig      `yaml:"api"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Identity IdentityConfig `yaml:"identity"`
	Probe    ProbeConfig    `yaml:"probe"`
	Log      LogConfig      `yaml:"log"`
}

// ProductConfig identifies the product and store being watched.
type ProductConfig struct {
	// TCIN is the retailer's product identifier.
	TCIN string `yaml:"tcin"`

	// StoreID scopes availability to one store location.
	StoreID string `yaml:"store_id"`

	Zip       string `yaml:"zip"`
	State     string `yaml:"state"`
	Latitude  string `yaml:"latitude"`
	Longitude string `yaml:"longitude"`
}

// APIConfig holds remote endpoint parameters.
type APIConfig struct {
	// Key is the public API key sent with every request.
	// Supports environment variable substitution: ${VAR} or ${VAR:-default}
	Key string `yaml:"key"`

	// StockURL overrides the fulfillment endpoint.
	StockURL string `yaml:"stock_url"`

	// PriceURL overrides the product summary endpoint.
	PriceURL string `yaml:"price_url"`

	// Timeout is the per-request timeout. Defaults to 30s.
	Timeout Duration `yaml:"timeout"`

	// Fingerprint enables the browser-fingerprint transport. Defaults to
	// true; disable it only against test servers.
	Fingerprint *bool `yaml:"fingerprint"`
}

// MonitorConfig tunes the polling loop.
type MonitorConfig struct {
	// Interval is the wait between checks. The loop enforces its own
	// safety floor on top of this value.
	Interval Duration `yaml:"interval"`

	// MaxAttempts is the consecutive-failure budget.
	MaxAttempts int `yaml:"max_attempts"`

	// TrackPrice also fetches pricing when the product is found.
	TrackPrice bool `yaml:"track_price"`
}

// IdentityConfig tunes identity rotation.
type IdentityConfig struct {
	// RotateEvery is the number of requests served by one identity before
	// a scheduled rotation. Defaults to 25.
	RotateEvery int `yaml:"rotate_every"`
}

// ProbeConfig tunes the throughput controller.
type ProbeConfig struct {
	// TotalRequests is the probe request budget. Defaults to 50.
	TotalRequests int `yaml:"total_requests"`

	// BatchSize is the number of requests per batch. Defaults to 5.
	BatchSize int `yaml:"batch_size"`

	// MaxConcurrency caps the probed concurrency level. Defaults to 16.
	MaxConcurrency int `yaml:"max_concurrency"`

	// InitialPacing is the starting inter-request delay. Defaults to 100ms.
	InitialPacing Duration `yaml:"initial_pacing"`
}

// LogConfig tunes logging output.
type LogConfig struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string `yaml:"level"`

	// Pretty enables human-readable console output.
	Pretty bool `yaml:"pretty"`

	// File, when set, additionally writes JSON logs to a rotating file.
	File string `yaml:"file"`
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with
// environment values.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}

		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		hasDefault := len(submatches) > 2 && submatches[2] != ""
		defaultVal := ""
		if hasDefault && len(submatches) > 3 {
			defaultVal = submatches[3]
		}

		value, exists := os.LookupEnv(varName)
		if !exists {
			if hasDefault {
				return defaultVal
			}
			firstErr = fmt.Errorf("environment variable %q is not set", varName)
			return match
		}
		return value
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data, applies defaults, expands
// environment variables in the API key, and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg.applyDefaults()

	key, err := expandEnvVars(cfg.API.Key)
	if err != nil {
		return nil, fmt.Errorf("api.key: %w", err)
	}
	cfg.API.Key = key

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// UseFingerprint reports whether the fingerprint transport is enabled.
func (c *Config) UseFingerprint() bool {
	if c.API.Fingerprint == nil {
		return true
	}
	return *c.API.Fingerprint
}

func (c *Config) applyDefaults() {
	if c.API.StockURL == "" {
		c.API.StockURL = DefaultStockURL
	}
	if c.API.PriceURL == "" {
		c.API.PriceURL = DefaultPriceURL
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = Duration(30 * time.Second)
	}
	if c.Monitor.Interval == 0 {
		c.Monitor.Interval = Duration(90 * time.Second)
	}
	if c.Identity.RotateEvery == 0 {
		c.Identity.RotateEvery = 25
	}
	if c.Probe.TotalRequests == 0 {
		c.Probe.TotalRequests = 50
	}
	if c.Probe.BatchSize == 0 {
		c.Probe.BatchSize = 5
	}
	if c.Probe.MaxConcurrency == 0 {
		c.Probe.MaxConcurrency = 16
	}
	if c.Probe.InitialPacing == 0 {
		c.Probe.InitialPacing = Duration(100 * time.Millisecond)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) validate() error {
	if c.Product.TCIN == "" {
		return fmt.Errorf("product.tcin is required")
	}
	if c.Product.StoreID == "" {
		return fmt.Errorf("product.store_id is required")
	}
	if c.API.Key == "" {
		return fmt.Errorf("api.key is required")
	}
	if c.API.Timeout.Duration() < 0 {
		return fmt.Errorf("api.timeout cannot be negative, got %s", c.API.Timeout.Duration())
	}
	if c.Monitor.Interval.Duration() < 0 {
		return fmt.Errorf("monitor.interval cannot be negative, got %s", c.Monitor.Interval.Duration())
	}
	if c.Monitor.MaxAttempts < 0 {
		return fmt.Errorf("monitor.max_attempts cannot be negative, got %d", c.Monitor.MaxAttempts)
	}
	if c.Identity.RotateEvery < 1 {
		return fmt.Errorf("identity.rotate_every must be at least 1, got %d", c.Identity.RotateEvery)
	}
	if c.Probe.BatchSize < 1 {
		return fmt.Errorf("probe.batch_size must be at least 1, got %d", c.Probe.BatchSize)
	}
	if c.Probe.MaxConcurrency < 1 {
		return fmt.Errorf("probe.max_concurrency must be at least 1, got %d", c.Probe.MaxConcurrency)
	}
	return nil
}
