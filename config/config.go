// Package config provides configuration management for the ftm command-line tool and server.
// It supports loading configuration from a .env file, a YAML file, environment variables and
// command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/fathom-transcripts/pkg/db"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/fathom"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/logging"
)

// OutputFormat defines the supported output formats for CLI results.
type OutputFormat string

const (
	// OutputFormatText is human-readable plain text output.
	OutputFormatText OutputFormat = "text"
	// OutputFormatJSON is JSON-formatted output for machine processing.
	OutputFormatJSON OutputFormat = "json"
	// OutputFormatYAML is YAML-formatted output for machine processing.
	OutputFormatYAML OutputFormat = "yaml"
)

// Default configuration values.
const (
	DefaultListenAddress     = ":3000"
	DefaultOutputFormat      = OutputFormatText
	DefaultConfigDir         = ".ftm"
	DefaultConfigFile        = "config.yaml"
	DefaultEnvFile           = ".env"
	DefaultRequestsPerMinute = 60
	DefaultPageDelay         = time.Second
	DefaultFathomTimeout     = 30 * time.Second
	DefaultRateLimit         = 100
	DefaultRateWindow        = 15 * time.Minute
	DefaultSyncInterval      = 2 * time.Hour
	DefaultSyncConcurrency   = 4
)

// FathomConfig holds Fathom API settings.
type FathomConfig struct {
	BaseURL string `yaml:"base_url"`

	// APIKey is normally kept in the credentials store; FATHOM_API_KEY and this field
	// take precedence when set.
	APIKey string `yaml:"api_key,omitempty"`

	RequestsPerMinute int           `yaml:"requests_per_minute"`
	PageDelay         time.Duration `yaml:"page_delay"`
	Timeout           time.Duration `yaml:"timeout"`
}

// Client returns the fathom client configuration.
func (c FathomConfig) Client() fathom.Config {
	fc := fathom.DefaultConfig()
	if c.BaseURL != "" {
		fc.BaseURL = c.BaseURL
	}
	fc.APIKey = c.APIKey
	if c.RequestsPerMinute > 0 {
		fc.RequestsPerWindow = c.RequestsPerMinute
		fc.Window = time.Minute
	}
	if c.PageDelay >= 0 {
		fc.PageDelay = c.PageDelay
	}
	if c.Timeout > 0 {
		fc.Timeout = c.Timeout
	}
	return fc
}

// DatabaseConfig holds PostgreSQL settings. URL takes precedence over the discrete fields.
type DatabaseConfig struct {
	URL      string `yaml:"url,omitempty"`
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	Name     string `yaml:"name,omitempty"`
	User     string `yaml:"user,omitempty"`
	Password string `yaml:"password,omitempty"`
	SSLMode  string `yaml:"sslmode,omitempty"`
	MaxConns int32  `yaml:"max_conns,omitempty"`

	// ConnectAttempts is how many times to try connecting before giving up. Zero means once.
	ConnectAttempts int `yaml:"connect_attempts,omitempty"`
}

// DB converts the section into a db.Config, filling unset fields from db.DefaultConfig.
func (c DatabaseConfig) DB() *db.Config {
	cfg := db.DefaultConfig()
	cfg.URL = c.URL
	if c.Host != "" {
		cfg.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Port = c.Port
	}
	if c.Name != "" {
		cfg.Database = c.Name
	}
	if c.User != "" {
		cfg.User = c.User
	}
	if c.Password != "" {
		cfg.Password = c.Password
	}
	if c.SSLMode != "" {
		cfg.SSLMode = c.SSLMode
	}
	if c.MaxConns > 0 {
		cfg.MaxConns = c.MaxConns
		if cfg.MinConns > c.MaxConns {
			cfg.MinConns = c.MaxConns
		}
	}
	return cfg
}

// RedisConfig holds the optional Redis connection used for events and the sync lock.
type RedisConfig struct {
	URL string `yaml:"url,omitempty"`
}

// Enabled reports whether Redis is configured.
func (c RedisConfig) Enabled() bool {
	return c.URL != ""
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	ListenAddress string `yaml:"listen_address"`

	// AllowedDomains restricts basic-auth usernames to emails in these domains.
	AllowedDomains []string `yaml:"allowed_domains"`

	// PasswordHash is a bcrypt hash of the shared password. Password is a plain
	// alternative for development.
	PasswordHash string `yaml:"password_hash,omitempty"`
	Password     string `yaml:"password,omitempty"`

	RateLimit   int           `yaml:"rate_limit"`
	RateWindow  time.Duration `yaml:"rate_window"`
	CORSOrigins []string      `yaml:"cors_origins,omitempty"`

	AutoSync     bool          `yaml:"auto_sync"`
	SyncInterval time.Duration `yaml:"sync_interval"`
	SyncOnStart  bool          `yaml:"sync_on_start"`
}

// ValidateAuth checks the settings the server needs before it can authenticate anyone.
func (c ServerConfig) ValidateAuth() error {
	if len(c.AllowedDomains) == 0 {
		return errors.New("server.allowed_domains must list at least one domain")
	}
	if c.PasswordHash == "" && c.Password == "" {
		return errors.New("server.password_hash or server.password is required")
	}
	return nil
}

// SyncConfig holds sync processor settings.
type SyncConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Logging converts the section into a logging.Config.
func (c LogConfig) Logging() *logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.ParseLevel(c.Level)
	cfg.JSONFormat = c.JSON
	if cfg.JSONFormat {
		cfg.Environment = "production"
	}
	return cfg
}

// Config holds the ftm configuration settings.
type Config struct {
	Fathom   FathomConfig   `yaml:"fathom"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Server   ServerConfig   `yaml:"server"`
	Sync     SyncConfig     `yaml:"sync"`
	Log      LogConfig      `yaml:"log"`

	// OutputFormat specifies the default output format for commands.
	OutputFormat OutputFormat `yaml:"output_format"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Fathom: FathomConfig{
			BaseURL:           fathom.DefaultBaseURL,
			RequestsPerMinute: DefaultRequestsPerMinute,
			PageDelay:         DefaultPageDelay,
			Timeout:           DefaultFathomTimeout,
		},
		Server: ServerConfig{
			ListenAddress: DefaultListenAddress,
			RateLimit:     DefaultRateLimit,
			RateWindow:    DefaultRateWindow,
			AutoSync:      true,
			SyncInterval:  DefaultSyncInterval,
			SyncOnStart:   true,
		},
		Sync:         SyncConfig{Concurrency: DefaultSyncConcurrency},
		Log:          LogConfig{Level: string(logging.LevelInfo)},
		OutputFormat: DefaultOutputFormat,
	}
}

// ConfigDir returns the configuration directory path.
// Uses $FTM_CONFIG_DIR if set, otherwise ~/.ftm
func ConfigDir() (string, error) {
	if dir := os.Getenv("FTM_CONFIG_DIR"); dir != "" {
		return dir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}

	return filepath.Join(home, DefaultConfigDir), nil
}

// ConfigPath returns the full path to the configuration file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFile), nil
}

// LoadConfig loads the configuration. Later sources override earlier ones:
// 1. Default values
// 2. .env in the working directory (missing file is ignored)
// 3. Config file (~/.ftm/config.yaml or $FTM_CONFIG_DIR/config.yaml)
// 4. Environment variables (FATHOM_API_KEY, DATABASE_URL, PORT, REDIS_URL, FTM_*)
func LoadConfig() (*Config, error) {
	if err := loadDotEnv(DefaultEnvFile); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()

	configPath, err := ConfigPath()
	if err != nil {
		return nil, fmt.Errorf("getting config path: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// loadDotEnv populates unset environment variables from path. Variables already in the
// environment win.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// configFile mirrors Config with durations as strings.
type configFile struct {
	Fathom struct {
		BaseURL           string `yaml:"base_url,omitempty"`
		APIKey            string `yaml:"api_key,omitempty"`
		RequestsPerMinute int    `yaml:"requests_per_minute,omitempty"`
		PageDelay         string `yaml:"page_delay,omitempty"`
		Timeout           string `yaml:"timeout,omitempty"`
	} `yaml:"fathom"`
	Database DatabaseConfig `yaml:"database,omitempty"`
	Redis    RedisConfig    `yaml:"redis,omitempty"`
	Server   struct {
		ListenAddress  string   `yaml:"listen_address,omitempty"`
		AllowedDomains []string `yaml:"allowed_domains,omitempty"`
		PasswordHash   string   `yaml:"password_hash,omitempty"`
		Password       string   `yaml:"password,omitempty"`
		RateLimit      int      `yaml:"rate_limit,omitempty"`
		RateWindow     string   `yaml:"rate_window,omitempty"`
		CORSOrigins    []string `yaml:"cors_origins,omitempty"`
		AutoSync       *bool    `yaml:"auto_sync,omitempty"`
		SyncInterval   string   `yaml:"sync_interval,omitempty"`
		SyncOnStart    *bool    `yaml:"sync_on_start,omitempty"`
	} `yaml:"server"`
	Sync         SyncConfig   `yaml:"sync,omitempty"`
	Log          LogConfig    `yaml:"log,omitempty"`
	OutputFormat OutputFormat `yaml:"output_format,omitempty"`
}

// loadFromFile loads configuration from a YAML file.
func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	var fileCfg configFile
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	f := fileCfg.Fathom
	if f.BaseURL != "" {
		cfg.Fathom.BaseURL = f.BaseURL
	}
	if f.APIKey != "" {
		cfg.Fathom.APIKey = f.APIKey
	}
	if f.RequestsPerMinute != 0 {
		cfg.Fathom.RequestsPerMinute = f.RequestsPerMinute
	}
	if err := parseDuration("fathom.page_delay", f.PageDelay, &cfg.Fathom.PageDelay); err != nil {
		return err
	}
	if err := parseDuration("fathom.timeout", f.Timeout, &cfg.Fathom.Timeout); err != nil {
		return err
	}

	cfg.Database = fileCfg.Database
	cfg.Redis = fileCfg.Redis

	s := fileCfg.Server
	if s.ListenAddress != "" {
		cfg.Server.ListenAddress = s.ListenAddress
	}
	if s.AllowedDomains != nil {
		cfg.Server.AllowedDomains = normalizeDomains(s.AllowedDomains)
	}
	cfg.Server.PasswordHash = s.PasswordHash
	cfg.Server.Password = s.Password
	if s.RateLimit != 0 {
		cfg.Server.RateLimit = s.RateLimit
	}
	if err := parseDuration("server.rate_window", s.RateWindow, &cfg.Server.RateWindow); err != nil {
		return err
	}
	if s.CORSOrigins != nil {
		cfg.Server.CORSOrigins = s.CORSOrigins
	}
	if s.AutoSync != nil {
		cfg.Server.AutoSync = *s.AutoSync
	}
	if err := parseDuration("server.sync_interval", s.SyncInterval, &cfg.Server.SyncInterval); err != nil {
		return err
	}
	if s.SyncOnStart != nil {
		cfg.Server.SyncOnStart = *s.SyncOnStart
	}

	if fileCfg.Sync.Concurrency != 0 {
		cfg.Sync.Concurrency = fileCfg.Sync.Concurrency
	}
	if fileCfg.Log.Level != "" {
		cfg.Log.Level = fileCfg.Log.Level
	}
	cfg.Log.JSON = fileCfg.Log.JSON
	if fileCfg.OutputFormat != "" {
		cfg.OutputFormat = fileCfg.OutputFormat
	}

	return nil
}

func parseDuration(field, value string, dst *time.Duration) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", field, err)
	}
	*dst = d
	return nil
}

// loadFromEnv overlays environment variables onto the configuration.
func loadFromEnv(cfg *Config) {
	if v := os.Getenv("FATHOM_API_KEY"); v != "" {
		cfg.Fathom.APIKey = v
	}
	if v := os.Getenv("FATHOM_BASE_URL"); v != "" {
		cfg.Fathom.BaseURL = v
	}

	dbCfg := cfg.Database.DB()
	db.ApplyEnv(dbCfg)
	cfg.Database = DatabaseConfig{
		URL:      dbCfg.URL,
		Host:     dbCfg.Host,
		Port:     dbCfg.Port,
		Name:     dbCfg.Database,
		User:     dbCfg.User,
		Password: dbCfg.Password,
		SSLMode:  dbCfg.SSLMode,
		MaxConns: dbCfg.MaxConns,

		ConnectAttempts: cfg.Database.ConnectAttempts,
	}
	if v := os.Getenv("FTM_DB_CONNECT_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Database.ConnectAttempts = n
		}
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}

	if v := os.Getenv("PORT"); v != "" {
		if _, err := strconv.Atoi(v); err == nil {
			cfg.Server.ListenAddress = ":" + v
		}
	}
	if v := os.Getenv("FTM_LISTEN_ADDRESS"); v != "" {
		cfg.Server.ListenAddress = v
	}
	if v := os.Getenv("FTM_ALLOWED_DOMAINS"); v != "" {
		cfg.Server.AllowedDomains = normalizeDomains(strings.Split(v, ","))
	}
	if v := os.Getenv("FTM_PASSWORD_HASH"); v != "" {
		cfg.Server.PasswordHash = v
	}
	if v := os.Getenv("FTM_PASSWORD"); v != "" {
		cfg.Server.Password = v
	}
	if v := os.Getenv("FTM_CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = splitList(v)
	}
	if v := os.Getenv("FTM_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.RateLimit = n
		}
	}
	if v := os.Getenv("FTM_AUTO_SYNC"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Server.AutoSync = b
		}
	}
	if v := os.Getenv("FTM_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.SyncInterval = d
		}
	}
	if v := os.Getenv("FTM_SYNC_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.Concurrency = n
		}
	}

	if v := os.Getenv("FTM_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("FTM_LOG_JSON"); v == "true" || v == "1" {
		cfg.Log.JSON = true
	}
	if v := os.Getenv("FTM_OUTPUT_FORMAT"); v != "" {
		cfg.OutputFormat = OutputFormat(v)
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// normalizeDomains lowercases domains and strips a leading "@".
func normalizeDomains(domains []string) []string {
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(d)), "@")
		if d != "" {
			out = append(out, d)
		}
	}
	return out
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Fathom.RequestsPerMinute <= 0 {
		return fmt.Errorf("fathom.requests_per_minute must be positive")
	}
	if c.Fathom.Timeout <= 0 {
		return fmt.Errorf("fathom.timeout must be positive")
	}
	if c.Fathom.PageDelay < 0 {
		return fmt.Errorf("fathom.page_delay must not be negative")
	}
	if err := c.Database.DB().Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address is required")
	}
	if c.Server.RateLimit <= 0 || c.Server.RateWindow <= 0 {
		return fmt.Errorf("server rate limit and window must be positive")
	}
	if c.Server.AutoSync && c.Server.SyncInterval < time.Minute {
		return fmt.Errorf("server.sync_interval must be at least 1m, got %s", c.Server.SyncInterval)
	}
	if c.Sync.Concurrency <= 0 {
		return fmt.Errorf("sync.concurrency must be positive")
	}
	if !c.OutputFormat.IsValid() {
		return fmt.Errorf("invalid output_format: %q (must be text, json, or yaml)", c.OutputFormat)
	}
	return nil
}

// IsValid checks if the output format is valid.
func (f OutputFormat) IsValid() bool {
	switch f {
	case OutputFormatText, OutputFormatJSON, OutputFormatYAML:
		return true
	default:
		return false
	}
}

// String returns the string representation of the output format.
func (f OutputFormat) String() string {
	return string(f)
}

// SaveConfig saves the configuration to the config file.
func SaveConfig(cfg *Config) error {
	configDir, err := ConfigDir()
	if err != nil {
		return fmt.Errorf("getting config directory: %w", err)
	}

	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	var fileCfg configFile
	fileCfg.Fathom.BaseURL = cfg.Fathom.BaseURL
	fileCfg.Fathom.APIKey = cfg.Fathom.APIKey
	fileCfg.Fathom.RequestsPerMinute = cfg.Fathom.RequestsPerMinute
	fileCfg.Fathom.PageDelay = cfg.Fathom.PageDelay.String()
	fileCfg.Fathom.Timeout = cfg.Fathom.Timeout.String()
	fileCfg.Database = cfg.Database
	fileCfg.Redis = cfg.Redis
	fileCfg.Server.ListenAddress = cfg.Server.ListenAddress
	fileCfg.Server.AllowedDomains = cfg.Server.AllowedDomains
	fileCfg.Server.PasswordHash = cfg.Server.PasswordHash
	fileCfg.Server.Password = cfg.Server.Password
	fileCfg.Server.RateLimit = cfg.Server.RateLimit
	fileCfg.Server.RateWindow = cfg.Server.RateWindow.String()
	fileCfg.Server.CORSOrigins = cfg.Server.CORSOrigins
	fileCfg.Server.AutoSync = &cfg.Server.AutoSync
	fileCfg.Server.SyncInterval = cfg.Server.SyncInterval.String()
	fileCfg.Server.SyncOnStart = &cfg.Server.SyncOnStart
	fileCfg.Sync = cfg.Sync
	fileCfg.Log = cfg.Log
	fileCfg.OutputFormat = cfg.OutputFormat

	data, err := yaml.Marshal(&fileCfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	configPath := filepath.Join(configDir, DefaultConfigFile)
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// EnsureConfigDir creates the configuration directory if it doesn't exist.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0700)
}

// ExpandPath expands ~ to the user's home directory.
func ExpandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting home directory: %w", err)
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}
