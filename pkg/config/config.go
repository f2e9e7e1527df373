package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the service. Values come from, in order
// of precedence: environment variables (a .env file is loaded into the
// environment first), an optional config.yaml, then the defaults below.
type Config struct {
	Port     string `mapstructure:"PORT"`
	AppEnv   string `mapstructure:"APP_ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	CacheURL    string `mapstructure:"CACHE_URL"`

	PopularTopN int           `mapstructure:"POPULAR_TOP_N"`
	PopularTTL  time.Duration `mapstructure:"POPULAR_TTL"`
	StatsTTL    time.Duration `mapstructure:"STATS_TTL"`

	ReconcileAt       string        `mapstructure:"RECONCILE_AT"`
	ReconcileInterval time.Duration `mapstructure:"RECONCILE_INTERVAL"`
	ReconcileTimeout  time.Duration `mapstructure:"RECONCILE_TIMEOUT"`

	StoreRetryMaxElapsed time.Duration `mapstructure:"STORE_RETRY_MAX_ELAPSED"`
	ShutdownTimeout      time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
}

var defaults = map[string]any{
	"PORT":                    "8080",
	"APP_ENV":                 "local",
	"LOG_LEVEL":               "info",
	"DATABASE_URL":            "file:db.sqlite",
	"CACHE_URL":               "memory",
	"POPULAR_TOP_N":           100,
	"POPULAR_TTL":             "24h",
	"STATS_TTL":               "5m",
	"RECONCILE_AT":            "03:00",
	"RECONCILE_INTERVAL":      "0s",
	"RECONCILE_TIMEOUT":       "10m",
	"STORE_RETRY_MAX_ELAPSED": "2s",
	"SHUTDOWN_TIMEOUT":        "10s",
}

// Load reads configuration, looking for config.yaml in each of paths.
func Load(paths ...string) (*Config, error) {
	_ = godotenv.Load() // Ignore error if .env not found (e.g. prod)

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if len(paths) > 0 {
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.DatabaseURL == "":
		return errors.New("DATABASE_URL is not set")
	case c.PopularTopN <= 0:
		return fmt.Errorf("POPULAR_TOP_N must be positive, got %d", c.PopularTopN)
	case c.PopularTTL <= 0:
		return fmt.Errorf("POPULAR_TTL must be positive, got %s", c.PopularTTL)
	case c.StatsTTL <= 0:
		return fmt.Errorf("STATS_TTL must be positive, got %s", c.StatsTTL)
	case c.ReconcileInterval < 0:
		return fmt.Errorf("RECONCILE_INTERVAL must not be negative, got %s", c.ReconcileInterval)
	}
	if _, err := time.Parse("15:04", c.ReconcileAt); err != nil {
		return fmt.Errorf("RECONCILE_AT must be HH:MM, got %q", c.ReconcileAt)
	}
	return nil
}

// IsProduction reports whether the service runs with production defaults
// (JSON logs).
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}
