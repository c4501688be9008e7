package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points the config dir at a temp dir and clears every variable the loader reads.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("FTM_CONFIG_DIR", dir)
	for _, k := range []string{
		"FATHOM_API_KEY", "FATHOM_BASE_URL", "DATABASE_URL", "DB_HOST", "DB_PORT", "DB_NAME",
		"DB_USER", "DB_PASSWORD", "DB_SSLMODE", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
		"PORT", "FTM_LISTEN_ADDRESS", "FTM_ALLOWED_DOMAINS", "FTM_PASSWORD_HASH", "FTM_PASSWORD",
		"FTM_CORS_ORIGINS", "FTM_RATE_LIMIT", "FTM_AUTO_SYNC", "FTM_SYNC_INTERVAL",
		"FTM_SYNC_CONCURRENCY", "FTM_LOG_LEVEL", "FTM_LOG_JSON", "FTM_OUTPUT_FORMAT", "FTM_DB_CONNECT_ATTEMPTS",
	} {
		t.Setenv(k, "")
	}
	// LoadConfig reads .env from the working directory.
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, DefaultListenAddress, cfg.Server.ListenAddress)
	assert.Equal(t, DefaultOutputFormat, cfg.OutputFormat)
	assert.Equal(t, 60, cfg.Fathom.RequestsPerMinute)
	assert.Equal(t, 2*time.Hour, cfg.Server.SyncInterval)
	assert.Equal(t, 100, cfg.Server.RateLimit)
	assert.Equal(t, 15*time.Minute, cfg.Server.RateWindow)
	assert.True(t, cfg.Server.AutoSync)
	assert.False(t, cfg.Redis.Enabled())
	assert.NoError(t, cfg.Validate())
}

func TestOutputFormat_IsValid(t *testing.T) {
	tests := []struct {
		format OutputFormat
		want   bool
	}{
		{OutputFormatText, true},
		{OutputFormatJSON, true},
		{OutputFormatYAML, true},
		{"xml", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.format.IsValid())
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"zero requests per minute", func(c *Config) { c.Fathom.RequestsPerMinute = 0 }, "requests_per_minute"},
		{"negative page delay", func(c *Config) { c.Fathom.PageDelay = -time.Second }, "page_delay"},
		{"empty listen address", func(c *Config) { c.Server.ListenAddress = "" }, "listen_address"},
		{"short sync interval", func(c *Config) { c.Server.SyncInterval = time.Second }, "sync_interval"},
		{"short interval ignored without auto sync", func(c *Config) {
			c.Server.AutoSync = false
			c.Server.SyncInterval = time.Second
		}, ""},
		{"zero concurrency", func(c *Config) { c.Sync.Concurrency = 0 }, "concurrency"},
		{"bad output format", func(c *Config) { c.OutputFormat = "xml" }, "output_format"},
		{"bad database port", func(c *Config) { c.Database.Port = 70000 }, "database"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestServerConfig_ValidateAuth(t *testing.T) {
	s := ServerConfig{}
	assert.ErrorContains(t, s.ValidateAuth(), "allowed_domains")

	s.AllowedDomains = []string{"acme.com"}
	assert.ErrorContains(t, s.ValidateAuth(), "password")

	s.PasswordHash = "$2a$10$abc"
	assert.NoError(t, s.ValidateAuth())
}

func TestConfigDir(t *testing.T) {
	t.Setenv("FTM_CONFIG_DIR", "/tmp/ftm-test")
	dir, err := ConfigDir()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/ftm-test", dir)

	path, err := ConfigPath()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/ftm-test/config.yaml", path)
}

func TestLoadConfig_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server, cfg.Server)
	assert.Empty(t, cfg.Fathom.APIKey)
}

func TestLoadConfig_FromFile(t *testing.T) {
	dir := isolate(t)

	content := `
fathom:
  requests_per_minute: 30
  page_delay: 2s
database:
  url: postgres://ftm:secret@db:5432/ftm
redis:
  url: redis://cache:6379/0
server:
  listen_address: ":8080"
  allowed_domains: ["@Acme.com", " example.org "]
  password_hash: "$2a$10$hash"
  sync_interval: 30m
  sync_on_start: false
sync:
  concurrency: 8
log:
  level: debug
  json: true
output_format: json
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte(content), 0600))

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.Fathom.RequestsPerMinute)
	assert.Equal(t, 2*time.Second, cfg.Fathom.PageDelay)
	assert.Equal(t, "postgres://ftm:secret@db:5432/ftm", cfg.Database.URL)
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, ":8080", cfg.Server.ListenAddress)
	assert.Equal(t, []string{"acme.com", "example.org"}, cfg.Server.AllowedDomains)
	assert.Equal(t, 30*time.Minute, cfg.Server.SyncInterval)
	assert.False(t, cfg.Server.SyncOnStart)
	assert.True(t, cfg.Server.AutoSync, "unset booleans keep their defaults")
	assert.Equal(t, 8, cfg.Sync.Concurrency)
	assert.Equal(t, OutputFormatJSON, cfg.OutputFormat)

	lc := cfg.Log.Logging()
	assert.True(t, lc.JSONFormat)
	assert.Equal(t, "debug", string(lc.Level))
}

func TestLoadConfig_InvalidDuration(t *testing.T) {
	dir := isolate(t)
	content := "server:\n  sync_interval: soon\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte(content), 0600))

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.sync_interval")
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	dir := isolate(t)
	content := "server:\n  listen_address: \":8080\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte(content), 0600))

	t.Setenv("FATHOM_API_KEY", "key-123")
	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("PORT", "4000")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("FTM_ALLOWED_DOMAINS", "acme.com, Example.org")
	t.Setenv("FTM_SYNC_CONCURRENCY", "2")
	t.Setenv("FTM_AUTO_SYNC", "false")
	t.Setenv("FTM_OUTPUT_FORMAT", "yaml")
	t.Setenv("FTM_DB_CONNECT_ATTEMPTS", "5")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Database.ConnectAttempts)

	assert.Equal(t, "key-123", cfg.Fathom.APIKey)
	assert.Equal(t, "postgres://env/db", cfg.Database.DB().ConnectionString())
	assert.Equal(t, ":4000", cfg.Server.ListenAddress)
	assert.Equal(t, "redis://localhost:6379", cfg.Redis.URL)
	assert.Equal(t, []string{"acme.com", "example.org"}, cfg.Server.AllowedDomains)
	assert.Equal(t, 2, cfg.Sync.Concurrency)
	assert.False(t, cfg.Server.AutoSync)
	assert.Equal(t, OutputFormatYAML, cfg.OutputFormat)
}

func TestLoadConfig_PortIgnoredWhenNotNumeric(t *testing.T) {
	isolate(t)
	t.Setenv("PORT", "http")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, DefaultListenAddress, cfg.Server.ListenAddress)
}

func TestLoadConfig_DotEnv(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultEnvFile), []byte("FATHOM_API_KEY=from-dotenv\n"), 0600))
	t.Cleanup(func() { os.Unsetenv("FATHOM_API_KEY") })
	require.NoError(t, os.Unsetenv("FATHOM_API_KEY"))

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Fathom.APIKey)
}

func TestFathomConfig_Client(t *testing.T) {
	fc := FathomConfig{APIKey: "k", RequestsPerMinute: 10, PageDelay: 0, Timeout: 5 * time.Second}.Client()

	assert.Equal(t, "k", fc.APIKey)
	assert.Equal(t, 10, fc.RequestsPerWindow)
	assert.Equal(t, time.Minute, fc.Window)
	assert.Zero(t, fc.PageDelay)
	assert.Equal(t, 5*time.Second, fc.Timeout)
	assert.NotEmpty(t, fc.BaseURL)
}

func TestDatabaseConfig_DB(t *testing.T) {
	dc := DatabaseConfig{Host: "db", Name: "ftm", User: "u", MaxConns: 1}.DB()

	assert.Equal(t, "db", dc.Host)
	assert.Equal(t, 5432, dc.Port)
	assert.Equal(t, int32(1), dc.MaxConns)
	assert.Equal(t, int32(1), dc.MinConns)
	assert.NoError(t, dc.Validate())
}

func TestSaveConfig(t *testing.T) {
	dir := filepath.Join(isolate(t), "nested")
	t.Setenv("FTM_CONFIG_DIR", dir)

	cfg := DefaultConfig()
	cfg.Server.AllowedDomains = []string{"acme.com"}
	cfg.Server.SyncInterval = 45 * time.Minute
	cfg.Server.SyncOnStart = false
	cfg.OutputFormat = OutputFormatJSON
	require.NoError(t, SaveConfig(cfg))

	info, err := os.Stat(filepath.Join(dir, DefaultConfigFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	data, err := os.ReadFile(filepath.Join(dir, DefaultConfigFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), "sync_interval: 45m0s")

	loaded, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"acme.com"}, loaded.Server.AllowedDomains)
	assert.Equal(t, 45*time.Minute, loaded.Server.SyncInterval)
	assert.False(t, loaded.Server.SyncOnStart)
	assert.Equal(t, OutputFormatJSON, loaded.OutputFormat)
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := ExpandPath("~/exports")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "exports"), got)

	got, err = ExpandPath("/abs")
	require.NoError(t, err)
	assert.Equal(t, "/abs", got)
}
