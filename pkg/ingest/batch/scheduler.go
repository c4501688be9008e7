package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pferrors "github.com/otherjamesbrown/fathom-transcripts/pkg/errors"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/ingest/events"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/logging"
)

// DefaultInterval is the time between scheduled incremental syncs.
const DefaultInterval = 2 * time.Hour

// ErrSyncInProgress is returned when a sync is requested while another is running.
var ErrSyncInProgress = fmt.Errorf("sync already in progress: %w", pferrors.ErrConflict)

// Lease is a held cross-instance lock.
type Lease interface {
	Extend(ctx context.Context) error
	Release(ctx context.Context) error
}

// Locker hands out leases. Acquire returns ErrSyncInProgress when the lock is taken.
type Locker interface {
	Acquire(ctx context.Context) (Lease, error)
}

type redisLocker struct {
	lock *events.SyncLock
}

// RedisLocker adapts an events.SyncLock to Locker.
func RedisLocker(lock *events.SyncLock) Locker {
	return redisLocker{lock: lock}
}

func (l redisLocker) Acquire(ctx context.Context) (Lease, error) {
	lease, err := l.lock.Acquire(ctx)
	if errors.Is(err, events.ErrLockHeld) {
		return nil, ErrSyncInProgress
	}
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// Runner runs one sync. *Processor implements it.
type Runner interface {
	Process(ctx context.Context, opts RunOptions) (*SyncResult, error)
}

// SchedulerConfig configures periodic syncs.
type SchedulerConfig struct {
	// Interval between scheduled runs. Zero uses DefaultInterval.
	Interval time.Duration

	// RunOnStart triggers an incremental sync as soon as Start is called.
	RunOnStart bool

	// LockRefresh is how often a held lease is extended. Zero uses 5 minutes.
	LockRefresh time.Duration
}

// Scheduler runs incremental syncs on an interval and serializes manual triggers.
type Scheduler struct {
	runner Runner
	locker Locker
	cfg    SchedulerConfig
	logger logging.Logger

	running atomic.Bool

	mu         sync.RWMutex
	lastResult *SyncResult
	lastErr    error
	wg         sync.WaitGroup
}

// NewScheduler creates a scheduler. locker may be nil for a single instance.
func NewScheduler(runner Runner, locker Locker, logger logging.Logger, cfg SchedulerConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.LockRefresh <= 0 {
		cfg.LockRefresh = 5 * time.Minute
	}
	return &Scheduler{
		runner: runner,
		locker: locker,
		cfg:    cfg,
		logger: logger.With(logging.F("component", "sync_scheduler")),
	}
}

// Running reports whether this instance is running a sync.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// LastResult returns the outcome of the most recent completed run, if any.
func (s *Scheduler) LastResult() (*SyncResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastResult, s.lastErr
}

// Start runs scheduled syncs until ctx is cancelled, then waits for triggered runs.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("Sync scheduler started", logging.F("interval", s.cfg.Interval.String()))

	if s.cfg.RunOnStart {
		s.cycle(ctx)
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info("Sync scheduler stopped")
			return
		case <-ticker.C:
			s.cycle(ctx)
		}
	}
}

// Wait blocks until background runs started by Trigger have finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) cycle(ctx context.Context) {
	_, err := s.TryRun(ctx, RunOptions{Mode: ModeIncremental})
	switch {
	case errors.Is(err, ErrSyncInProgress):
		s.logger.Info("Scheduled sync skipped, another sync is running")
	case err != nil:
		s.logger.Error("Scheduled sync failed", logging.Err(err))
	}
}

// TryRun runs a sync now and waits for it, or returns ErrSyncInProgress.
func (s *Scheduler) TryRun(ctx context.Context, opts RunOptions) (*SyncResult, error) {
	release, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.run(ctx, opts)
}

// Trigger starts a sync in the background and returns once it holds the guard.
func (s *Scheduler) Trigger(ctx context.Context, opts RunOptions) error {
	release, err := s.begin(ctx)
	if err != nil {
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer release()
		_, _ = s.run(ctx, opts)
	}()
	return nil
}

func (s *Scheduler) run(ctx context.Context, opts RunOptions) (*SyncResult, error) {
	result, err := s.runner.Process(ctx, opts)
	s.mu.Lock()
	s.lastResult, s.lastErr = result, err
	s.mu.Unlock()
	return result, err
}

// begin takes the in-process guard and, when configured, the shared lock. The returned
// func releases both.
func (s *Scheduler) begin(ctx context.Context) (func(), error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	if s.locker == nil {
		return func() { s.running.Store(false) }, nil
	}

	lease, err := s.locker.Acquire(ctx)
	if err != nil {
		s.running.Store(false)
		return nil, err
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.cfg.LockRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := lease.Extend(context.WithoutCancel(ctx)); err != nil {
					s.logger.Warn("Failed to extend sync lock", logging.Err(err))
				}
			}
		}
	}()

	return func() {
		close(stop)
		<-done
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("Failed to release sync lock", logging.Err(err))
		}
		s.running.Store(false)
	}, nil
}
