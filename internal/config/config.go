// Package config loads gateway/rotation/maintainer/store settings from
// a JSON file with environment-variable overrides, following the
// viper conventions used elsewhere in the proxy tooling this project
// grew out of.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"rotaproxy/internal/pooltypes"
)

type Config struct {
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Rotation   RotationConfig   `mapstructure:"rotation"`
	Maintainer MaintainerConfig `mapstructure:"maintainer"`
	Store      StoreConfig      `mapstructure:"store"`
	API        APIConfig        `mapstructure:"api"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type GatewayConfig struct {
	Addr                      string `mapstructure:"addr"`
	MaxConcurrentConnections  int    `mapstructure:"max_concurrent_connections"`
	DrainSeconds              int    `mapstructure:"drain_seconds"`
	DialTimeoutSeconds        int    `mapstructure:"dial_timeout_seconds"`
}

type RotationConfig struct {
	Strategy                string `mapstructure:"strategy"`
	SessionTTLSeconds       int    `mapstructure:"session_ttl_seconds"`
	RotationIntervalSeconds int    `mapstructure:"rotation_interval_seconds"`
}

type Source struct {
	URL      string `mapstructure:"url"`
	Type     string `mapstructure:"type"` // "lines" (default) or "html"
	Selector string `mapstructure:"selector"`
	Enabled  bool   `mapstructure:"enabled"`
}

type WebshareConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	APIKeyEnv string `mapstructure:"api_key_env"`
}

type MaintainerConfig struct {
	Sources                    []Source       `mapstructure:"sources"`
	RefreshIntervalSeconds     int            `mapstructure:"refresh_interval_seconds"`
	HealthCheckIntervalSeconds int            `mapstructure:"health_check_interval_seconds"`
	HealthCheckTimeoutSeconds  int            `mapstructure:"health_check_timeout_seconds"`
	MaxConcurrentChecks        int            `mapstructure:"max_concurrent_checks"`
	MinPoolSize                int            `mapstructure:"min_pool_size"`
	UserAgent                  string         `mapstructure:"user_agent"`
	Webshare                   WebshareConfig `mapstructure:"webshare"`
}

type StoreConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type APIConfig struct {
	Addr               string `mapstructure:"addr"`
	SecretEnv          string `mapstructure:"secret_env"`
	RateLimitPerMinute int    `mapstructure:"rate_limit_per_minute"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	Namespace string `mapstructure:"namespace"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from path (if it exists) and layers
// environment variables on top, e.g. ROTAPROXY_GATEWAY_ADDR overrides
// gateway.addr.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("rotaproxy")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.addr", ":6969")
	v.SetDefault("gateway.max_concurrent_connections", 200)
	v.SetDefault("gateway.drain_seconds", 30)
	v.SetDefault("gateway.dial_timeout_seconds", 10)

	v.SetDefault("rotation.strategy", string(pooltypes.StrategyPerRequest))
	v.SetDefault("rotation.session_ttl_seconds", 300)
	v.SetDefault("rotation.rotation_interval_seconds", 30)

	v.SetDefault("maintainer.refresh_interval_seconds", 1800)
	v.SetDefault("maintainer.health_check_interval_seconds", 600)
	v.SetDefault("maintainer.health_check_timeout_seconds", 8)
	v.SetDefault("maintainer.max_concurrent_checks", 200)
	v.SetDefault("maintainer.min_pool_size", 20)
	v.SetDefault("maintainer.user_agent", "rotaproxy-maintainer/1.0")
	v.SetDefault("maintainer.webshare.api_key_env", "WEBSHARE_API_KEY")

	v.SetDefault("store.addr", "localhost:6379")
	v.SetDefault("store.db", 0)

	v.SetDefault("api.addr", ":8090")
	v.SetDefault("api.secret_env", "API_SECRET")
	v.SetDefault("api.rate_limit_per_minute", 1200)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.endpoint", "/metrics")
	v.SetDefault("metrics.namespace", "rotaproxy")

	v.SetDefault("logging.level", "info")
}

func validStrategy(s string) bool {
	switch pooltypes.Strategy(s) {
	case pooltypes.StrategyPerRequest, pooltypes.StrategyPerSession,
		pooltypes.StrategyTimeBased, pooltypes.StrategyOnBlock, pooltypes.StrategyRoundRobin:
		return true
	}
	return false
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if !validStrategy(c.Rotation.Strategy) {
		return fmt.Errorf("rotation.strategy must be one of per-request, per-session, time-based, on-block, round-robin")
	}
	if c.Gateway.MaxConcurrentConnections < 1 {
		return fmt.Errorf("gateway.max_concurrent_connections must be >= 1")
	}
	if c.Maintainer.MaxConcurrentChecks < 1 {
		return fmt.Errorf("maintainer.max_concurrent_checks must be >= 1")
	}
	return nil
}
