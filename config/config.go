// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/artpar/geometer/domain/cost"
	"github.com/artpar/geometer/domain/tier"
)

// Config is the root configuration structure.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Pricing     PricingConfig     `yaml:"pricing"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DatabaseConfig configures the event log storage.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "memory"
	DSN    string `yaml:"dsn"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // Enable /metrics endpoint
	Path    string `yaml:"path"`    // Custom path (default: /metrics)
}

// AggregationConfig configures the read-side projections.
type AggregationConfig struct {
	CacheStaleness time.Duration `yaml:"cache_staleness"` // metrics snapshot max age
	RetentionHours int           `yaml:"retention_hours"` // events older than this are purged
	MaxEvents      int64         `yaml:"max_events"`      // soft cap; exceeding it logs a warning
}

// PricingConfig configures rates and subscription tiers.
type PricingConfig struct {
	ProcessingRatePerKm2 float64            `yaml:"processing_rate_per_km2"`
	StorageRatePerMb     float64            `yaml:"storage_rate_per_mb"`
	DensityFactors       map[string]float64 `yaml:"density_factors"` // data type -> MB per km²
	Tiers                []TierConfig       `yaml:"tiers"`
}

// TierConfig configures one subscription tier.
type TierConfig struct {
	Name                string  `yaml:"name"`
	BaseCostPerRequest  float64 `yaml:"base_cost_per_request"`
	PerMbCost           float64 `yaml:"per_mb_cost"`
	VolumeDiscount      float64 `yaml:"volume_discount"`
	MonthlyRequestLimit int64   `yaml:"monthly_request_limit"` // 0 = unlimited
	MonthlyDataLimitMb  float64 `yaml:"monthly_data_limit_mb"` // 0 = unlimited
	AllowsRequests      bool    `yaml:"allows_requests"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(&cfg)

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Default returns the built-in configuration, no file needed.
func Default() *Config {
	var cfg Config
	applyEnvOverrides(&cfg)
	setDefaults(&cfg)
	return &cfg
}

// applyEnvOverrides applies GEOMETER_* environment variables to the config.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GEOMETER_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("GEOMETER_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("GEOMETER_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("GEOMETER_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("GEOMETER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("GEOMETER_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("GEOMETER_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "geometer.db"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Aggregation.CacheStaleness == 0 {
		cfg.Aggregation.CacheStaleness = 10 * time.Second
	}
	if cfg.Aggregation.RetentionHours == 0 {
		cfg.Aggregation.RetentionHours = 24 * 30
	}
	if cfg.Aggregation.MaxEvents == 0 {
		cfg.Aggregation.MaxEvents = 1_000_000
	}

	if cfg.Pricing.ProcessingRatePerKm2 == 0 {
		cfg.Pricing.ProcessingRatePerKm2 = 0.002
	}
	if cfg.Pricing.StorageRatePerMb == 0 {
		cfg.Pricing.StorageRatePerMb = 0.001
	}
	if len(cfg.Pricing.DensityFactors) == 0 {
		cfg.Pricing.DensityFactors = map[string]float64{
			"potholes": 0.5,
			"uhi":      2.0,
			"combined": 3.0,
		}
	}
	if len(cfg.Pricing.Tiers) == 0 {
		cfg.Pricing.Tiers = DefaultTiers()
	}
}

// DefaultTiers returns the built-in tier table.
func DefaultTiers() []TierConfig {
	return []TierConfig{
		{Name: "free"},
		{Name: "basic", BaseCostPerRequest: 0.05, PerMbCost: 0.01,
			MonthlyRequestLimit: 1000, MonthlyDataLimitMb: 1000, AllowsRequests: true},
		{Name: "premium", BaseCostPerRequest: 0.03, PerMbCost: 0.01, VolumeDiscount: 0.20,
			MonthlyRequestLimit: 10000, MonthlyDataLimitMb: 10000, AllowsRequests: true},
		{Name: "enterprise", BaseCostPerRequest: 0.02, PerMbCost: 0.01, VolumeDiscount: 0.50,
			AllowsRequests: true},
	}
}

// Validate checks the whole configuration. Pricing is validated by actually
// building the policy and rates, so a config that loads always converts.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}

	validDrivers := map[string]bool{"sqlite": true, "memory": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be 'sqlite' or 'memory', got %q", c.Database.Driver)
	}
	if c.Database.Driver == "sqlite" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for the sqlite driver")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format)
	}

	if c.Aggregation.CacheStaleness < 0 {
		return fmt.Errorf("aggregation.cache_staleness must be non-negative")
	}
	if c.Aggregation.RetentionHours < 1 {
		return fmt.Errorf("aggregation.retention_hours must be at least 1")
	}

	if _, err := c.ToPolicy(); err != nil {
		return fmt.Errorf("pricing.tiers: %w", err)
	}
	if err := c.ToRates().Validate(); err != nil {
		return fmt.Errorf("pricing: %w", err)
	}
	return nil
}

// ToPolicy builds the tier policy from the pricing section.
func (c *Config) ToPolicy() (*tier.Policy, error) {
	configs := make([]tier.Config, 0, len(c.Pricing.Tiers))
	for _, t := range c.Pricing.Tiers {
		configs = append(configs, tier.Config{
			Tier:                tier.Tier(t.Name),
			BaseCostPerRequest:  t.BaseCostPerRequest,
			PerMbCost:           t.PerMbCost,
			VolumeDiscount:      t.VolumeDiscount,
			MonthlyRequestLimit: t.MonthlyRequestLimit,
			MonthlyDataLimitMb:  t.MonthlyDataLimitMb,
			AllowsRequests:      t.AllowsRequests,
		})
	}
	return tier.NewPolicy(configs)
}

// ToRates builds the pricing rates from the pricing section.
func (c *Config) ToRates() cost.Rates {
	densities := make(map[cost.DataType]float64, len(c.Pricing.DensityFactors))
	for dt, d := range c.Pricing.DensityFactors {
		densities[cost.DataType(dt)] = d
	}
	return cost.Rates{
		ProcessingRatePerKm2: c.Pricing.ProcessingRatePerKm2,
		StorageRatePerMb:     c.Pricing.StorageRatePerMb,
		Densities:            densities,
	}
}

// Retention returns the event retention window as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Aggregation.RetentionHours) * time.Hour
}
