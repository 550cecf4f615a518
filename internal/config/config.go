// Package config loads service configuration from an optional YAML file with
// environment-variable overrides. Validation failures come back as
// Config-class errors that the CLI maps to exit code 2.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrConfig marks misconfiguration. main exits 2 when errors.Is matches.
var ErrConfig = errors.New("configuration error")

// BusBackend selects the bus transport.
type BusBackend string

const (
	BusMemory BusBackend = "memory"
	BusRedis  BusBackend = "redis"
)

// Config is the full service configuration. YAML keys and env names map
// one-to-one; env wins when both are set.
type Config struct {
	DatabaseURL string     `yaml:"database_url"`
	RedisURL    string     `yaml:"redis_url"`
	Bus         BusBackend `yaml:"bus"`

	MetricsAddr string `yaml:"metrics_addr"`
	APIAddr     string `yaml:"api_addr"`

	DBMaxOpenConns int `yaml:"db_max_open_conns"`
	LaunchWorkers  int `yaml:"launch_workers"`

	// RetryForever is tri-state: nil means "command default" (false for
	// ad-hoc runs, true for the main service).
	RetryForever *bool `yaml:"retry_forever"`

	// OrderBookDepth maps exchange name to the book depth requested from its
	// spread feed. Only the top level is consumed downstream.
	OrderBookDepth map[string]int `yaml:"order_book_depth"`
}

// Default returns the configuration used when neither file nor environment
// says otherwise.
func Default() Config {
	return Config{
		Bus:            BusMemory,
		MetricsAddr:    ":2112",
		APIAddr:        "127.0.0.1:8080",
		DBMaxOpenConns: 10,
		LaunchWorkers:  5,
		OrderBookDepth: map[string]int{},
	}
}

// Load reads path (skipped when empty or missing), overlays the environment
// and validates. The returned error wraps ErrConfig for anything an operator
// must fix before the process can start.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("%w: parse %s: %v", ErrConfig, path, err)
			}
		}
	}

	if err := cfg.overlayEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) overlayEnv() error {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("BUS_BACKEND"); v != "" {
		c.Bus = BusBackend(strings.ToLower(v))
	}
	if v, ok := os.LookupEnv("METRICS_ADDR"); ok {
		c.MetricsAddr = v
	}
	if v := os.Getenv("API_ADDR"); v != "" {
		c.APIAddr = v
	}
	if v := os.Getenv("DB_MAX_OPEN_CONNS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: DB_MAX_OPEN_CONNS %q is not an integer", ErrConfig, v)
		}
		c.DBMaxOpenConns = n
	}
	if v := os.Getenv("LAUNCH_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: LAUNCH_WORKERS %q is not an integer", ErrConfig, v)
		}
		c.LaunchWorkers = n
	}
	if v := os.Getenv("RETRY_FOREVER"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: RETRY_FOREVER %q is not a boolean", ErrConfig, v)
		}
		c.RetryForever = &b
	}
	if v := os.Getenv("ORDER_BOOK_DEPTH"); v != "" {
		if err := c.overlayDepths(v); err != nil {
			return err
		}
	}
	return nil
}

// overlayDepths merges "venue=depth,venue=depth" pairs over the file values.
func (c *Config) overlayDepths(spec string) error {
	if c.OrderBookDepth == nil {
		c.OrderBookDepth = map[string]int{}
	}
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		venue, depth, ok := strings.Cut(pair, "=")
		venue = strings.TrimSpace(venue)
		if !ok || venue == "" {
			return fmt.Errorf("%w: ORDER_BOOK_DEPTH entry %q is not venue=depth", ErrConfig, pair)
		}
		n, err := strconv.Atoi(strings.TrimSpace(depth))
		if err != nil {
			return fmt.Errorf("%w: ORDER_BOOK_DEPTH for %s: %q is not an integer", ErrConfig, venue, depth)
		}
		c.OrderBookDepth[venue] = n
	}
	return nil
}

func (c *Config) validate() error {
	switch c.Bus {
	case BusMemory, BusRedis:
	default:
		return fmt.Errorf("%w: unknown bus backend %q (memory or redis)", ErrConfig, c.Bus)
	}
	if c.Bus == BusRedis && c.RedisURL == "" {
		return fmt.Errorf("%w: REDIS_URL is required when bus is redis", ErrConfig)
	}
	if c.DBMaxOpenConns <= 0 {
		return fmt.Errorf("%w: db_max_open_conns must be positive", ErrConfig)
	}
	if c.LaunchWorkers <= 0 {
		return fmt.Errorf("%w: launch_workers must be positive", ErrConfig)
	}
	for venue, depth := range c.OrderBookDepth {
		if depth <= 0 {
			return fmt.Errorf("%w: order_book_depth for %s must be positive", ErrConfig, venue)
		}
	}
	return nil
}

// RequireDatabase enforces the DSN for commands that touch PostgreSQL.
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%w: DATABASE_URL is required", ErrConfig)
	}
	return nil
}

// Depth returns the configured order-book depth for venue, zero when unset so
// the producer default applies.
func (c *Config) Depth(venue string) int {
	return c.OrderBookDepth[venue]
}

// RetryForeverOr resolves the tri-state retry policy against the invoking
// command's default.
func (c *Config) RetryForeverOr(def bool) bool {
	if c.RetryForever == nil {
		return def
	}
	return *c.RetryForever
}
