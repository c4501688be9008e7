package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	pferrors "github.com/otherjamesbrown/fathom-transcripts/pkg/errors"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/fathom"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/ingest/events"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/ingest/meeting"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/ingest/storage"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/logging"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/observability"
)

// DefaultConcurrency is the default number of concurrent workers.
const DefaultConcurrency = 4

// Mode selects which meetings a sync requests.
type Mode string

const (
	// ModeIncremental requests meetings created since the last successful run.
	ModeIncremental Mode = "incremental"
	// ModeFull requests every meeting.
	ModeFull Mode = "full"
)

// ParseMode validates a mode name. An empty name is incremental.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeIncremental:
		return ModeIncremental, nil
	case ModeFull:
		return ModeFull, nil
	}
	return "", fmt.Errorf("unknown sync mode %q: %w", s, pferrors.ErrValidation)
}

// MeetingSource pages through Fathom meetings. *fathom.Client implements it.
type MeetingSource interface {
	ForEachPage(ctx context.Context, opts fathom.ListOptions, fn fathom.PageFunc) (int, error)
}

// Store persists meetings and sync runs. *storage.Repository implements it.
type Store interface {
	UpsertMeeting(ctx context.Context, rec *meeting.Record) (*storage.UpsertResult, error)
	CreateSyncRun(ctx context.Context, run *storage.SyncRun) error
	CompleteSyncRun(ctx context.Context, run *storage.SyncRun) error
	RecordSyncError(ctx context.Context, runID uuid.UUID, fathomID string, se *pferrors.SyncError) error
	LastSuccessfulSync(ctx context.Context) (*time.Time, error)
}

// EventPublisher publishes sync events. *events.Publisher implements it.
type EventPublisher interface {
	PublishMeetingSynced(ctx context.Context, event events.MeetingSyncedEvent) error
	PublishSyncProgress(ctx context.Context, event events.SyncProgressEvent) error
	PublishSyncCompleted(ctx context.Context, event events.SyncCompletedEvent) error
}

// ProcessorConfig configures the sync processor.
type ProcessorConfig struct {
	// Concurrency is the number of worker goroutines per page.
	Concurrency int

	// PageSize is passed to the API as the page limit. Zero uses the API default.
	PageSize int
}

// RunOptions configures one sync run.
type RunOptions struct {
	Mode Mode

	// DryRun fetches and maps meetings without writing anything.
	DryRun bool
}

// SyncResult contains the result of a sync run.
type SyncResult struct {
	RunID        uuid.UUID             `json:"run_id"`
	Mode         Mode                  `json:"mode"`
	DryRun       bool                  `json:"dry_run"`
	CreatedAfter *time.Time            `json:"created_after,omitempty"`
	Status       storage.SyncRunStatus `json:"status"`
	PagesFetched int                   `json:"pages_fetched"`
	MeetingsSeen int                   `json:"meetings_seen"`
	Created      int                   `json:"created"`
	Updated      int                   `json:"updated"`
	Skipped      int                   `json:"skipped"`
	Failed       int                   `json:"failed"`
	StartedAt    time.Time             `json:"started_at"`
	CompletedAt  time.Time             `json:"completed_at"`
	Error        string                `json:"error,omitempty"`
	Errors       []MeetingError        `json:"errors,omitempty"`
}

// Duration returns the wall time of the run.
func (r *SyncResult) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// MeetingError records the classified failure of one meeting.
type MeetingError struct {
	FathomID string             `json:"fathom_id"`
	Code     pferrors.ErrorCode `json:"code"`
	Stage    string             `json:"stage"`
	Message  string             `json:"message"`
}

// Processor syncs meetings from a MeetingSource into a Store.
type Processor struct {
	cfg       ProcessorConfig
	source    MeetingSource
	store     Store
	publisher EventPublisher
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	logger    logging.Logger

	mu       sync.Mutex
	progress *Progress
	onUpdate func(ProgressSnapshot)
}

// Option configures a Processor.
type Option func(*Processor)

// WithPublisher publishes sync events through pub.
func WithPublisher(pub EventPublisher) Option {
	return func(p *Processor) { p.publisher = pub }
}

// WithMetrics records sync metrics on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithProgressListener receives a snapshot after every progress update of every run.
func WithProgressListener(fn func(ProgressSnapshot)) Option {
	return func(p *Processor) { p.onUpdate = fn }
}

// NewProcessor creates a new sync processor.
func NewProcessor(source MeetingSource, store Store, logger logging.Logger, cfg ProcessorConfig, opts ...Option) *Processor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	p := &Processor{
		cfg:    cfg,
		source: source,
		store:  store,
		tracer: observability.NewTracer(),
		logger: logger.With(logging.F("component", "sync_processor")),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Progress returns the progress tracker of the current or most recent run, or nil.
func (p *Processor) Progress() *Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.progress
}

// Process runs one sync. The returned error is non-nil when the run could not start,
// or when it ended failed or cancelled; result is set in the latter case.
func (p *Processor) Process(ctx context.Context, opts RunOptions) (*SyncResult, error) {
	mode, err := ParseMode(string(opts.Mode))
	if err != nil {
		return nil, err
	}

	var createdAfter *time.Time
	if mode == ModeIncremental {
		createdAfter, err = p.store.LastSuccessfulSync(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to find last successful sync: %w", err)
		}
	}

	run := &storage.SyncRun{
		Mode:         string(mode),
		Status:       storage.SyncRunStatusInProgress,
		CreatedAfter: createdAfter,
		StartedAt:    time.Now().UTC(),
	}
	if opts.DryRun {
		run.ID = uuid.New()
	} else if err := p.store.CreateSyncRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create sync run: %w", err)
	}

	result := &SyncResult{
		RunID:        run.ID,
		Mode:         mode,
		DryRun:       opts.DryRun,
		CreatedAfter: createdAfter,
		StartedAt:    run.StartedAt,
	}

	progress := NewProgress(run.ID.String(), mode, opts.DryRun)
	if p.onUpdate != nil {
		progress.SetOnUpdate(p.onUpdate)
	}
	p.mu.Lock()
	p.progress = progress
	p.mu.Unlock()
	progress.Start()

	if p.metrics != nil {
		p.metrics.SetSyncInProgress(true)
		defer p.metrics.SetSyncInProgress(false)
	}

	ctx, span := p.tracer.StartSyncSpan(ctx, run.ID.String(), string(mode), opts.DryRun)
	defer span.End()
	spanHelper := observability.NewSpanHelper(span)

	logger := p.logger.With(
		logging.F("sync_run_id", run.ID.String()),
		logging.F("mode", string(mode)),
		logging.F("dry_run", opts.DryRun))
	logger.Info("Sync started", logging.F("created_after", createdAfter))

	listOpts := fathom.ListOptions{CreatedAfter: createdAfter, Limit: p.cfg.PageSize}
	_, fetchErr := p.source.ForEachPage(ctx, listOpts, func(ctx context.Context, page *fathom.MeetingPage) error {
		progress.RecordPage(len(page.Items))
		pageCtx, pageSpan := p.tracer.StartPageSpan(ctx, progress.Snapshot().PagesFetched, len(page.Items))
		p.processPage(pageCtx, run.ID, opts.DryRun, page.Items, result, progress)
		pageSpan.End()
		p.publishProgress(ctx, progress.Snapshot())
		return ctx.Err()
	})

	snap := progress.Snapshot()
	result.PagesFetched = snap.PagesFetched
	result.MeetingsSeen = snap.TotalMeetings
	result.CompletedAt = time.Now().UTC()

	var runErr error
	switch {
	case fetchErr != nil && ctx.Err() != nil:
		result.Status = storage.SyncRunStatusCancelled
		runErr = fmt.Errorf("sync cancelled: %w", ctx.Err())
		progress.Cancel()
	case fetchErr != nil:
		se := pferrors.ClassifyError(fetchErr, pferrors.StageFetch)
		result.Status = storage.SyncRunStatusFailed
		runErr = fmt.Errorf("sync failed: %w", se)
		p.recordRunError(ctx, run.ID, opts.DryRun, "", se)
		spanHelper.SetError(fetchErr, string(se.Code), pferrors.IsRetryable(se.Code))
		progress.Complete(false)
	case result.Failed > 0:
		result.Status = storage.SyncRunStatusCompletedErrors
		progress.Complete(true)
	default:
		result.Status = storage.SyncRunStatusCompleted
		spanHelper.SetSuccess()
		progress.Complete(true)
	}
	if runErr != nil {
		result.Error = runErr.Error()
	}

	// Finalization must survive cancellation of the run.
	finalCtx := context.WithoutCancel(ctx)

	if !opts.DryRun {
		run.Status = result.Status
		run.PagesFetched = result.PagesFetched
		run.MeetingsSeen = result.MeetingsSeen
		run.MeetingsCreated = result.Created
		run.MeetingsUpdated = result.Updated
		run.MeetingsFailed = result.Failed
		run.ErrorMessage = result.Error
		if err := p.store.CompleteSyncRun(finalCtx, run); err != nil {
			logger.Warn("Failed to complete sync run", logging.Err(err))
		}
	}

	if p.metrics != nil {
		p.metrics.RecordSyncRun(string(mode), string(result.Status), result.Duration())
	}

	if p.publisher != nil {
		if err := p.publisher.PublishSyncCompleted(finalCtx, events.SyncCompletedEvent{
			SyncRunID:    run.ID.String(),
			Mode:         string(mode),
			DryRun:       opts.DryRun,
			PagesFetched: result.PagesFetched,
			MeetingsSeen: result.MeetingsSeen,
			Created:      result.Created,
			Updated:      result.Updated,
			Failed:       result.Failed,
			StartedAt:    result.StartedAt,
			CompletedAt:  result.CompletedAt,
			Success:      runErr == nil,
			FinalStatus:  string(result.Status),
		}); err != nil {
			logger.Warn("Failed to publish completion event", logging.Err(err))
		}
	}

	logger.Info("Sync finished",
		logging.F("status", string(result.Status)),
		logging.F("pages", result.PagesFetched),
		logging.F("seen", result.MeetingsSeen),
		logging.F("created", result.Created),
		logging.F("updated", result.Updated),
		logging.F("failed", result.Failed),
		logging.F("elapsed", result.Duration().String()))

	return result, runErr
}

// processPage processes one page of meetings using a worker pool.
func (p *Processor) processPage(ctx context.Context, runID uuid.UUID, dryRun bool, items []fathom.Meeting, result *SyncResult, progress *Progress) {
	itemsCh := make(chan fathom.Meeting, len(items))
	resultsCh := make(chan meetingOutcome, len(items))

	workers := p.cfg.Concurrency
	if workers > len(items) {
		workers = len(items)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range itemsCh {
				fathomID := meetingKey(m)
				if ctx.Err() != nil {
					resultsCh <- meetingOutcome{fathomID: fathomID, status: outcomeFailed,
						err: pferrors.ClassifyError(ctx.Err(), pferrors.StageStore)}
					continue
				}
				progress.SetCurrentMeeting(fathomID)
				resultsCh <- p.processMeeting(ctx, runID, dryRun, m)
			}
		}()
	}

	for _, m := range items {
		itemsCh <- m
	}
	close(itemsCh)

	go func() {
		wg.Wait()
		close(resultsCh)
	}()

	for o := range resultsCh {
		p.recordOutcome(ctx, runID, dryRun, o, result, progress)
	}
}

type outcomeStatus string

const (
	outcomeCreated outcomeStatus = "created"
	outcomeUpdated outcomeStatus = "updated"
	outcomeSkipped outcomeStatus = "skipped"
	outcomeFailed  outcomeStatus = "failed"
)

type meetingOutcome struct {
	fathomID string
	status   outcomeStatus
	err      *pferrors.SyncError
}

// processMeeting maps, resolves and stores a single meeting.
func (p *Processor) processMeeting(ctx context.Context, runID uuid.UUID, dryRun bool, m fathom.Meeting) meetingOutcome {
	fathomID := meetingKey(m)
	ctx, span := p.tracer.StartMeetingSpan(ctx, fathomID)
	defer span.End()
	spanHelper := observability.NewSpanHelper(span)

	fail := func(err error, stage string) meetingOutcome {
		se := pferrors.ClassifyError(err, stage)
		spanHelper.SetError(err, string(se.Code), pferrors.IsRetryable(se.Code))
		p.logger.Error("Failed to sync meeting",
			logging.Err(err),
			logging.F("fathom_id", fathomID),
			logging.F("stage", stage),
			logging.F("code", string(se.Code)))
		return meetingOutcome{fathomID: fathomID, status: outcomeFailed, err: se}
	}

	rec, err := meeting.FromAPI(m)
	if err != nil {
		return fail(err, pferrors.StageMap)
	}
	fathomID = rec.FathomID
	spanHelper.SetDuration(rec.Duration.Seconds, string(rec.Duration.Method))
	if p.metrics != nil {
		p.metrics.RecordDurationResolved(string(rec.Duration.Method))
	}

	if dryRun {
		p.logger.Debug("Dry run: would sync",
			logging.F("fathom_id", fathomID),
			logging.F("title", rec.Title),
			logging.F("duration_method", string(rec.Duration.Method)))
		return meetingOutcome{fathomID: fathomID, status: outcomeSkipped}
	}

	res, err := p.store.UpsertMeeting(ctx, &rec)
	if err != nil {
		return fail(err, pferrors.StageStore)
	}

	status := outcomeUpdated
	if res.Created {
		status = outcomeCreated
	}
	spanHelper.SetMeeting(res.ID, string(status))
	spanHelper.SetSuccess()

	if p.publisher != nil {
		event := events.MeetingSyncedEvent{
			SyncRunID:      runID.String(),
			MeetingID:      res.ID,
			FathomID:       fathomID,
			Title:          rec.Title,
			Created:        res.Created,
			StartTime:      rec.StartTime,
			DurationMethod: string(rec.Duration.Method),
			Domains:        rec.Domains,
		}
		if rec.Duration.Known() {
			secs := rec.Duration.Seconds
			event.DurationSeconds = &secs
		}
		if err := p.publisher.PublishMeetingSynced(ctx, event); err != nil {
			p.logger.Warn("Failed to publish meeting event", logging.Err(err), logging.F("fathom_id", fathomID))
		}
	}

	p.logger.Debug("Meeting synced",
		logging.F("fathom_id", fathomID),
		logging.F("meeting_id", res.ID),
		logging.F("outcome", string(status)))

	return meetingOutcome{fathomID: fathomID, status: status}
}

// recordOutcome updates progress and result based on the processing outcome.
// Called only from the collecting goroutine.
func (p *Processor) recordOutcome(ctx context.Context, runID uuid.UUID, dryRun bool, o meetingOutcome, result *SyncResult, progress *Progress) {
	switch o.status {
	case outcomeCreated:
		result.Created++
		progress.RecordCreated()
	case outcomeUpdated:
		result.Updated++
		progress.RecordUpdated()
	case outcomeSkipped:
		result.Skipped++
		progress.RecordSkipped()
	case outcomeFailed:
		result.Failed++
		result.Errors = append(result.Errors, MeetingError{
			FathomID: o.fathomID,
			Code:     o.err.Code,
			Stage:    o.err.Stage,
			Message:  o.err.Message,
		})
		progress.RecordFailed()
		p.recordRunError(ctx, runID, dryRun, o.fathomID, o.err)
	}

	if p.metrics != nil {
		p.metrics.RecordMeeting(string(result.Mode), string(o.status))
	}
}

// recordRunError stores a classified failure. fathomID is empty for run-level failures.
func (p *Processor) recordRunError(ctx context.Context, runID uuid.UUID, dryRun bool, fathomID string, se *pferrors.SyncError) {
	if p.metrics != nil {
		p.metrics.RecordSyncError(string(se.Code), se.Stage)
	}
	if dryRun {
		return
	}
	if err := p.store.RecordSyncError(context.WithoutCancel(ctx), runID, fathomID, se); err != nil {
		p.logger.Warn("Failed to record sync error", logging.Err(err))
	}
}

func (p *Processor) publishProgress(ctx context.Context, snap ProgressSnapshot) {
	if p.publisher == nil {
		return
	}
	err := p.publisher.PublishSyncProgress(ctx, events.SyncProgressEvent{
		SyncRunID:      snap.RunID,
		Mode:           string(snap.Mode),
		PagesFetched:   snap.PagesFetched,
		MeetingsSeen:   snap.TotalMeetings,
		Created:        snap.CreatedCount,
		Updated:        snap.UpdatedCount,
		Failed:         snap.FailedCount,
		ElapsedSeconds: snap.ElapsedSeconds,
		Status:         snap.Status,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Warn("Failed to publish progress event", logging.Err(err))
	}
}

// meetingKey identifies a raw meeting in logs before it has been mapped.
func meetingKey(m fathom.Meeting) string {
	switch {
	case m.ID != "":
		return m.ID.String()
	case m.RecordingID != "":
		return m.RecordingID.String()
	}
	return m.URL
}
