// Package config loads process configuration from environment variables with
// an optional YAML overlay for rate limits, costs, allocation defaults and
// monitor tuning.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/tierflow/pkg/ratelimit"
	"github.com/Mindburn-Labs/tierflow/pkg/resources"
)

// Config holds process configuration.
type Config struct {
	LogLevel  string
	LogFormat string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	DatabaseURL string
	DataDir     string
	RoutinesDir string

	OTLPEndpoint     string
	TelemetryEnabled bool

	RunTimeout time.Duration
	ConfigFile string

	Tuning Tuning
}

// Tuning is the part of the configuration that may come from a YAML file.
type Tuning struct {
	RateLimits        ratelimit.Limits     `yaml:"rate_limits"`
	Costs             ratelimit.Costs      `yaml:"costs"`
	DefaultAllocation resources.Allocation `yaml:"default_allocation"`
	MaxConcurrentRuns int                  `yaml:"max_concurrent_runs"`
	Monitor           Monitor              `yaml:"monitor"`
}

// Monitor tunes the resource monitor.
type Monitor struct {
	Window              time.Duration `yaml:"window"`
	BucketSize          time.Duration `yaml:"bucket_size"`
	RecentEvents        int           `yaml:"recent_events"`
	AnalysisTTL         time.Duration `yaml:"analysis_ttl"`
	BottleneckThreshold float64       `yaml:"bottleneck_threshold"`
}

// DefaultTuning returns the built-in tuning.
func DefaultTuning() Tuning {
	return Tuning{
		RateLimits: ratelimit.DefaultLimits(),
		Costs:      ratelimit.DefaultCosts(),
		DefaultAllocation: resources.Allocation{
			MaxCredits:         resources.NewCredits(10000),
			MaxDurationMs:      300000,
			MaxMemoryMB:        512,
			MaxConcurrentSteps: 4,
			Strategy:           resources.StrategyProportional,
		},
		MaxConcurrentRuns: 4,
		Monitor: Monitor{
			Window:              time.Hour,
			BucketSize:          5 * time.Minute,
			RecentEvents:        10000,
			AnalysisTTL:         5 * time.Minute,
			BottleneckThreshold: 0.7,
		},
	}
}

// Load reads configuration from environment variables. When TIERFLOW_CONFIG
// names a file, its tuning overlays the defaults.
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:         getenv("LOG_LEVEL", "INFO"),
		LogFormat:        getenv("LOG_FORMAT", "text"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		DataDir:          getenv("TIERFLOW_DATA_DIR", "data"),
		RoutinesDir:      getenv("TIERFLOW_ROUTINES_DIR", "routines"),
		OTLPEndpoint:     getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		TelemetryEnabled: os.Getenv("TELEMETRY_ENABLED") == "true",
		RunTimeout:       5 * time.Minute,
		ConfigFile:       os.Getenv("TIERFLOW_CONFIG"),
		Tuning:           DefaultTuning(),
	}

	if v := os.Getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: REDIS_DB: %w", err)
		}
		cfg.RedisDB = db
	}

	if v := os.Getenv("RUN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("config: RUN_TIMEOUT: %w", err)
		}
		cfg.RunTimeout = d
	}

	if cfg.ConfigFile != "" {
		tuning, err := LoadTuning(cfg.ConfigFile)
		if err != nil {
			return nil, err
		}
		cfg.Tuning = tuning
	}

	return cfg, nil
}

// LoadTuning reads a YAML tuning file over the defaults. Keys absent from
// the file keep their default values; cost maps are merged.
func LoadTuning(path string) (Tuning, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Tuning{}, fmt.Errorf("load tuning %q: %w", path, err)
	}

	tuning := DefaultTuning()
	if err := yaml.Unmarshal(data, &tuning); err != nil {
		return Tuning{}, fmt.Errorf("parse tuning %q: %w", path, err)
	}
	if err := tuning.DefaultAllocation.Validate(); err != nil {
		return Tuning{}, fmt.Errorf("tuning %q: default_allocation: %w", path, err)
	}
	if tuning.MaxConcurrentRuns < 1 {
		tuning.MaxConcurrentRuns = 1
	}
	return tuning, nil
}

// DatabaseDriver picks the SQL driver for DatabaseURL.
func (c *Config) DatabaseDriver() string {
	switch {
	case c.DatabaseURL == "":
		return ""
	case strings.HasPrefix(c.DatabaseURL, "postgres://"), strings.HasPrefix(c.DatabaseURL, "postgresql://"):
		return "postgres"
	default:
		return "sqlite"
	}
}

// SQLiteDSN strips the sqlite:// scheme if present.
func (c *Config) SQLiteDSN() string {
	return strings.TrimPrefix(c.DatabaseURL, "sqlite://")
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
