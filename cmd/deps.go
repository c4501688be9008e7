// Package cmd provides CLI commands for the ftm tool.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/fathom-transcripts/config"
	"github.com/otherjamesbrown/fathom-transcripts/credentials"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/buildinfo"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/db"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/fathom"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/logging"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/observability"
)

// Deps holds the dependencies shared by ftm commands. Tests swap individual functions.
type Deps struct {
	LoadConfig      func() (*config.Config, error)
	ConnectToDB     func(context.Context, *config.Config) (*pgxpool.Pool, error)
	NewLogger       func(*config.Config) logging.Logger
	NewFathomClient func(*config.Config, *observability.Metrics, logging.Logger) (*fathom.Client, error)
	OpenCredentials func() (CredentialStore, error)
	VerifyAPIKey    func(context.Context, *config.Config, string) (*fathom.PingResult, error)

	// Registerer receives the process metrics. Nil uses the prometheus default.
	Registerer prometheus.Registerer
}

// CredentialStore is the part of *credentials.Store the commands use.
type CredentialStore interface {
	Save(*credentials.Credentials) error
	Load() (*credentials.Credentials, error)
	Delete() error
	Exists() bool
	Path() string
	KeyDescription() string
}

// DefaultDeps returns the default dependencies for production use.
func DefaultDeps() *Deps {
	return &Deps{
		LoadConfig:      config.LoadConfig,
		ConnectToDB:     connectToDatabase,
		NewLogger:       newLogger,
		NewFathomClient: newFathomClient,
		OpenCredentials: openCredentials,
		VerifyAPIKey:    verifyAPIKey,
	}
}

func (d *Deps) registerer() prometheus.Registerer {
	if d.Registerer != nil {
		return d.Registerer
	}
	return prometheus.DefaultRegisterer
}

const connectRetryDelay = 2 * time.Second

func connectToDatabase(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	dbc := cfg.Database.DB()
	pool, err := db.ConnectWithRetry(ctx, dbc, cfg.Database.ConnectAttempts, connectRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dbc.Redacted(), err)
	}
	return pool, nil
}

func newLogger(cfg *config.Config) logging.Logger {
	lc := cfg.Log.Logging()
	lc.ServiceName = buildinfo.ServiceName
	return logging.NewLogger(lc)
}

func openCredentials() (CredentialStore, error) {
	return credentials.NewStore()
}

// newFathomClient resolves the API key (env, config, then the credentials store) and
// builds a client. metrics may be nil.
func newFathomClient(cfg *config.Config, metrics *observability.Metrics, logger logging.Logger) (*fathom.Client, error) {
	var loader credentials.KeyLoader
	if store, err := credentials.NewStore(); err == nil {
		loader = store
	} else {
		logger.Debug("Credentials store unavailable", logging.Err(err))
	}

	key, source, err := credentials.ResolveAPIKey(cfg, loader)
	if err != nil {
		return nil, fmt.Errorf("no Fathom API key (set FATHOM_API_KEY or run 'ftm auth login'): %w", err)
	}
	logger.Debug("Resolved Fathom API key", logging.F("source", source))

	fc := cfg.Fathom.Client()
	fc.APIKey = key
	opts := []fathom.Option{fathom.WithLogger(logger)}
	if metrics != nil {
		opts = append(opts, fathom.WithObserver(metrics))
	}
	return fathom.NewClient(fc, opts...)
}

func verifyAPIKey(ctx context.Context, cfg *config.Config, key string) (*fathom.PingResult, error) {
	fc := cfg.Fathom.Client()
	fc.APIKey = key
	client, err := fathom.NewClient(fc)
	if err != nil {
		return nil, err
	}
	return client.Ping(ctx)
}

// outputFormat returns the flag value when set, otherwise the configured format.
func outputFormat(cfg *config.Config, flag string) config.OutputFormat {
	if flag != "" {
		return config.OutputFormat(flag)
	}
	return cfg.OutputFormat
}

func validFormat(f config.OutputFormat) error {
	if !f.IsValid() {
		return fmt.Errorf("invalid output format %q (want text, json or yaml)", f)
	}
	return nil
}

// writeStructured encodes v as JSON or YAML. It reports false for text output.
func writeStructured(w io.Writer, format config.OutputFormat, v interface{}) (bool, error) {
	switch format {
	case config.OutputFormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case config.OutputFormatYAML:
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return true, enc.Encode(v)
	}
	return false, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
