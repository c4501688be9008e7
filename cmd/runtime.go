package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/otherjamesbrown/fathom-transcripts/config"
	"github.com/otherjamesbrown/fathom-transcripts/migrations"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/db"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/export"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/fathom"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/ingest/batch"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/ingest/events"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/ingest/repair"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/ingest/storage"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/logging"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/observability"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/transcript"
)

// runtime is the wiring shared by commands that touch the transcript store.
type runtime struct {
	cfg       *config.Config
	logger    logging.Logger
	pool      *pgxpool.Pool
	repo      *storage.Repository
	metrics   *observability.Metrics
	redis     *redis.Client
	publisher *events.Publisher
}

type openOptions struct {
	// migrate applies the embedded migrations after connecting.
	migrate bool
	// redis connects to Redis when one is configured.
	redis bool
}

func (d *Deps) open(ctx context.Context, opts openOptions) (*runtime, error) {
	cfg, err := d.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	rt := &runtime{cfg: cfg, logger: d.NewLogger(cfg)}

	rt.pool, err = d.ConnectToDB(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if opts.migrate {
		res, err := db.NewMigrator(rt.pool, migrations.FS).Up(ctx)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("applying migrations: %w", err)
		}
		if len(res.Applied) > 0 {
			rt.logger.Info("Applied migrations", logging.F("versions", res.Applied))
		}
	}

	rt.repo = storage.NewRepository(rt.pool, rt.logger)
	rt.metrics = observability.NewMetrics(d.registerer())

	if opts.redis && cfg.Redis.Enabled() {
		rt.redis, err = events.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.publisher = events.NewPublisher(rt.redis, rt.logger)
		rt.logger.Info("Publishing sync events to Redis")
	}
	return rt, nil
}

// Close releases the database pool and Redis connection.
func (r *runtime) Close() {
	if r.publisher != nil {
		if err := r.publisher.Close(); err != nil {
			r.logger.Warn("Failed to close Redis connection", logging.Err(err))
		}
	}
	if r.pool != nil {
		db.Close(r.pool)
	}
}

func (r *runtime) processor(client *fathom.Client, concurrency int, extra ...batch.Option) *batch.Processor {
	if concurrency <= 0 {
		concurrency = r.cfg.Sync.Concurrency
	}
	opts := []batch.Option{batch.WithMetrics(r.metrics)}
	if r.publisher != nil {
		opts = append(opts, batch.WithPublisher(r.publisher))
	}
	opts = append(opts, extra...)
	return batch.NewProcessor(client, r.repo, r.logger, batch.ProcessorConfig{Concurrency: concurrency}, opts...)
}

// locker guards syncs across instances when Redis is configured. Nil otherwise.
func (r *runtime) locker() batch.Locker {
	if r.redis == nil {
		return nil
	}
	return batch.RedisLocker(events.NewSyncLock(r.redis, events.DefaultSyncLockKey, 0))
}

func (r *runtime) repairer() *repair.Repairer {
	opts := []repair.Option{repair.WithMetrics(r.metrics)}
	if r.publisher != nil {
		opts = append(opts, repair.WithPublisher(r.publisher))
	}
	return repair.New(r.repo, r.logger, opts...)
}

func (r *runtime) exporter() *export.Exporter {
	return export.New(export.WithTranscriptOptions(transcript.WithObserver(r.metrics.TranscriptObserver())))
}
