// Package config loads the settings of App Check binaries from a YAML or
// JSON file and APPCHECK_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Provider types understood by Load.
const (
	ProviderDebug      = "debug"
	ProviderCustomHTTP = "custom-http"
)

// Config represents the complete configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Provider ProviderConfig `mapstructure:"provider"`
	Refresh  RefreshConfig  `mapstructure:"refresh"`
	Redis    RedisConfig    `mapstructure:"redis"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LogConfig      `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// AppConfig identifies the application.
type AppConfig struct {
	Name          string `mapstructure:"name"`
	ProjectNumber string `mapstructure:"projectNumber"`
	AppID         string `mapstructure:"appId"`
	APIKey        string `mapstructure:"apiKey"`
}

// ProviderConfig selects and configures the provider factory.
type ProviderConfig struct {
	Type       string           `mapstructure:"type"` // "debug" or "custom-http"
	DebugToken string           `mapstructure:"debugToken"`
	Endpoint   string           `mapstructure:"endpoint"`
	CustomHTTP CustomHTTPConfig `mapstructure:"customHttp"`
}

// CustomHTTPConfig configures the self-hosted backend provider.
type CustomHTTPConfig struct {
	URL        string            `mapstructure:"url"`
	Method     string            `mapstructure:"method"`
	Headers    map[string]string `mapstructure:"headers"`
	Body       string            `mapstructure:"body"`
	TokenPath  string            `mapstructure:"tokenPath"`
	ExpiryPath string            `mapstructure:"expiryPath"`
	Timeout    time.Duration     `mapstructure:"timeout"`
}

// RefreshConfig controls background refresh and notification delivery.
type RefreshConfig struct {
	AutoRefresh bool          `mapstructure:"autoRefresh"`
	Lead        time.Duration `mapstructure:"lead"`
	AsyncNotify bool          `mapstructure:"asyncNotify"`
}

// RedisConfig enables token persistence in Redis.
type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"keyPrefix"`
}

// NATSConfig enables publishing tokens to a JetStream KV bucket.
type NATSConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	URLs      []string `mapstructure:"urls"`
	Bucket    string   `mapstructure:"bucket"`
	KeyPrefix string   `mapstructure:"keyPrefix"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	Token     string   `mapstructure:"token"`
	NKey      string   `mapstructure:"nkey"` // seed file path
	CredsFile string   `mapstructure:"credsFile"`

	TLS struct {
		Enable   bool   `mapstructure:"enable"`
		CertFile string `mapstructure:"certFile"`
		KeyFile  string `mapstructure:"keyFile"`
		CAFile   string `mapstructure:"caFile"`
		Insecure bool   `mapstructure:"insecure"`
	} `mapstructure:"tls"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Encoding   string `mapstructure:"encoding"`
	OutputPath string `mapstructure:"outputPath"`
}

// MetricsConfig for optional Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	Path    string `mapstructure:"path"`
}

// Load reads configuration from configPath and the environment. An empty
// path reads the environment and defaults only.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("APPCHECK")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers every key so environment variables can override
// keys absent from the file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "")
	v.SetDefault("app.projectNumber", "")
	v.SetDefault("app.appId", "")
	v.SetDefault("app.apiKey", "")

	v.SetDefault("provider.type", ProviderDebug)
	v.SetDefault("provider.debugToken", "")
	v.SetDefault("provider.endpoint", "")
	v.SetDefault("provider.customHttp.url", "")
	v.SetDefault("provider.customHttp.method", "POST")
	v.SetDefault("provider.customHttp.body", "")
	v.SetDefault("provider.customHttp.tokenPath", "token")
	v.SetDefault("provider.customHttp.expiryPath", "expireTimeMillis")
	v.SetDefault("provider.customHttp.timeout", 30*time.Second)

	v.SetDefault("refresh.autoRefresh", false)
	v.SetDefault("refresh.lead", time.Minute)
	v.SetDefault("refresh.asyncNotify", false)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.keyPrefix", "appcheck:token:")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.urls", []string{"nats://localhost:4222"})
	v.SetDefault("nats.bucket", "appcheck")
	v.SetDefault("nats.keyPrefix", "")
	v.SetDefault("nats.username", "")
	v.SetDefault("nats.password", "")
	v.SetDefault("nats.token", "")
	v.SetDefault("nats.nkey", "")
	v.SetDefault("nats.credsFile", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "json")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", ":2112")
	v.SetDefault("metrics.path", "/metrics")
}

// validate ensures configuration is valid.
func validate(cfg *Config) error {
	switch cfg.Provider.Type {
	case ProviderDebug:
		if cfg.App.ProjectNumber == "" {
			return fmt.Errorf("app.projectNumber required for %s provider", ProviderDebug)
		}
		if cfg.App.AppID == "" {
			return fmt.Errorf("app.appId required for %s provider", ProviderDebug)
		}
	case ProviderCustomHTTP:
		if cfg.Provider.CustomHTTP.URL == "" {
			return fmt.Errorf("provider.customHttp.url required for %s provider", ProviderCustomHTTP)
		}
	default:
		return fmt.Errorf("invalid provider type '%s' (must be '%s' or '%s')",
			cfg.Provider.Type, ProviderDebug, ProviderCustomHTTP)
	}

	if cfg.Refresh.Lead < 0 {
		return fmt.Errorf("refresh.lead must not be negative")
	}

	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr required when redis is enabled")
	}

	if cfg.NATS.Enabled {
		if len(cfg.NATS.URLs) == 0 {
			return fmt.Errorf("at least one NATS URL required")
		}
		if cfg.NATS.Bucket == "" {
			return fmt.Errorf("nats.bucket required when nats is enabled")
		}

		authCount := 0
		for _, set := range []bool{
			cfg.NATS.Username != "",
			cfg.NATS.Token != "",
			cfg.NATS.NKey != "",
			cfg.NATS.CredsFile != "",
		} {
			if set {
				authCount++
			}
		}
		if authCount > 1 {
			return fmt.Errorf("only one NATS auth method allowed")
		}
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level '%s'", cfg.Logging.Level)
	}

	return nil
}
