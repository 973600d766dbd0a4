package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "appcheck.yaml", `
app:
  name: primary
  projectNumber: "123"
  appId: "1:123:web:abc"
  apiKey: key
provider:
  type: debug
  debugToken: secret
refresh:
  autoRefresh: true
  lead: 2m
redis:
  enabled: true
  addr: redis:6379
logging:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "primary", cfg.App.Name)
	assert.Equal(t, "123", cfg.App.ProjectNumber)
	assert.Equal(t, "1:123:web:abc", cfg.App.AppID)
	assert.Equal(t, "secret", cfg.Provider.DebugToken)
	assert.True(t, cfg.Refresh.AutoRefresh)
	assert.Equal(t, 2*time.Minute, cfg.Refresh.Lead)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Defaults
	assert.Equal(t, "json", cfg.Logging.Encoding)
	assert.Equal(t, "appcheck:token:", cfg.Redis.KeyPrefix)
	assert.Equal(t, ":2112", cfg.Metrics.Address)
	assert.Equal(t, "token", cfg.Provider.CustomHTTP.TokenPath)
}

func TestLoad_JSONCustomHTTP(t *testing.T) {
	path := writeConfig(t, "appcheck.json", `{
  "provider": {
    "type": "custom-http",
    "customHttp": {
      "url": "https://tokens.example.com/exchange",
      "headers": {"X-Api-Key": "k"},
      "tokenPath": "data.token",
      "timeout": "5s"
    }
  }
}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ProviderCustomHTTP, cfg.Provider.Type)
	assert.Equal(t, "https://tokens.example.com/exchange", cfg.Provider.CustomHTTP.URL)
	assert.Equal(t, "POST", cfg.Provider.CustomHTTP.Method)
	assert.Equal(t, "data.token", cfg.Provider.CustomHTTP.TokenPath)
	assert.Equal(t, 5*time.Second, cfg.Provider.CustomHTTP.Timeout)
	assert.Equal(t, "k", cfg.Provider.CustomHTTP.Headers["x-api-key"])
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("APPCHECK_APP_PROJECTNUMBER", "456")
	t.Setenv("APPCHECK_APP_APPID", "1:456:android:def")
	t.Setenv("APPCHECK_PROVIDER_DEBUGTOKEN", "from-env")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "456", cfg.App.ProjectNumber)
	assert.Equal(t, "1:456:android:def", cfg.App.AppID)
	assert.Equal(t, "from-env", cfg.Provider.DebugToken)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			App:      AppConfig{ProjectNumber: "123", AppID: "1:123:web:abc"},
			Provider: ProviderConfig{Type: ProviderDebug},
			NATS:     NATSConfig{URLs: []string{"nats://localhost:4222"}, Bucket: "appcheck"},
			Logging:  LogConfig{Level: "info"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "unknown provider", mutate: func(c *Config) { c.Provider.Type = "safetynet" }, wantErr: "invalid provider type"},
		{name: "debug without project", mutate: func(c *Config) { c.App.ProjectNumber = "" }, wantErr: "app.projectNumber"},
		{name: "debug without app id", mutate: func(c *Config) { c.App.AppID = "" }, wantErr: "app.appId"},
		{name: "custom-http without url", mutate: func(c *Config) { c.Provider.Type = ProviderCustomHTTP }, wantErr: "customHttp.url"},
		{name: "negative lead", mutate: func(c *Config) { c.Refresh.Lead = -time.Second }, wantErr: "refresh.lead"},
		{name: "redis without addr", mutate: func(c *Config) { c.Redis.Enabled = true }, wantErr: "redis.addr"},
		{name: "nats without bucket", mutate: func(c *Config) { c.NATS.Enabled = true; c.NATS.Bucket = "" }, wantErr: "nats.bucket"},
		{name: "nats two auth methods", mutate: func(c *Config) {
			c.NATS.Enabled = true
			c.NATS.Token = "t"
			c.NATS.Username = "u"
		}, wantErr: "only one NATS auth method"},
		{name: "bad log level", mutate: func(c *Config) { c.Logging.Level = "trace" }, wantErr: "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := validate(&cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
