package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/fathom-transcripts/pkg/api"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/buildinfo"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/db"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/ingest/batch"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/logging"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/observability"
)

const (
	shutdownTimeout = 15 * time.Second
	staleRunAge     = 6 * time.Hour
)

type serveOptions struct {
	listen string
	noSync bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(deps *Deps) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and scheduled syncs",
		Long: `Run the transcript HTTP API.

serve applies pending migrations, starts the periodic incremental sync (every
server.sync_interval, default 2h) and listens on server.listen_address.

Every route except /health requires basic auth: the username must be an email
at one of server.allowed_domains and the password must match server.password
or the bcrypt hash in server.password_hash.

SIGINT and SIGTERM stop accepting requests, wait for in-flight requests and
let a running sync finish cancelling before exit.`,
		Example: `  ftm serve
  ftm serve --listen :8080 --no-sync`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, deps, opts)
		},
	}

	cmd.Flags().StringVar(&opts.listen, "listen", "", "Listen address (overrides server.listen_address)")
	cmd.Flags().BoolVar(&opts.noSync, "no-sync", false, "Disable scheduled syncs")

	return cmd
}

func runServe(ctx context.Context, deps *Deps, opts *serveOptions) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	rt, err := deps.open(ctx, openOptions{migrate: true, redis: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	cfg, logger := rt.cfg, rt.logger
	if err := cfg.Server.ValidateAuth(); err != nil {
		return err
	}

	if n, err := rt.repo.AbandonStaleRuns(ctx, staleRunAge); err != nil {
		logger.Warn("Failed to abandon stale sync runs", logging.Err(err))
	} else if n > 0 {
		logger.Info("Abandoned stale sync runs", logging.F("count", n))
	}

	reg := deps.registerer()
	if _, err := db.RegisterPoolStatsCollector(reg, rt.pool, observability.Namespace, buildinfo.ServiceName); err != nil {
		logger.Warn("Failed to register pool metrics", logging.Err(err))
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	client, err := deps.NewFathomClient(cfg, rt.metrics, logger)
	if err != nil {
		return err
	}

	hub := api.NewHub(logger)
	proc := rt.processor(client, 0, batch.WithProgressListener(hub.Broadcast))
	sched := batch.NewScheduler(proc, rt.locker(), logger, batch.SchedulerConfig{
		Interval:   cfg.Server.SyncInterval,
		RunOnStart: cfg.Server.SyncOnStart,
	})

	server, err := api.New(ctx, api.Config{
		AllowedDomains: cfg.Server.AllowedDomains,
		PasswordHash:   cfg.Server.PasswordHash,
		Password:       cfg.Server.Password,
		RateLimit:      cfg.Server.RateLimit,
		RateWindow:     cfg.Server.RateWindow,
		CORSOrigins:    cfg.Server.CORSOrigins,
	}, api.Deps{
		Store:    rt.repo,
		Sync:     sched,
		Progress: proc,
		Fathom:   client,
		Repair:   rt.repairer(),
		Exporter: rt.exporter(),
		Hub:      hub,
		Gatherer: gatherer,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating HTTP server: %w", err)
	}

	var wg sync.WaitGroup
	if cfg.Server.AutoSync && !opts.noSync {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.Start(ctx)
		}()
	} else {
		logger.Info("Scheduled sync disabled")
	}

	addr := cfg.Server.ListenAddress
	if opts.listen != "" {
		addr = opts.listen
	}
	listenErr := make(chan error, 1)
	go func() {
		listenErr <- server.Listen(addr)
	}()

	select {
	case err = <-listenErr:
	case <-ctx.Done():
		logger.Info("Shutting down")
	}

	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		logger.Error("HTTP shutdown failed", logging.Err(serr))
	}
	wg.Wait()
	sched.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
