// Package repair recomputes stored meeting durations that are missing or look like a
// calendar slot rather than a measured length.
package repair

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/otherjamesbrown/fathom-transcripts/pkg/duration"
	pferrors "github.com/otherjamesbrown/fathom-transcripts/pkg/errors"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/ingest/events"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/ingest/storage"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/logging"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/observability"
)

// DefaultConcurrency is the default number of concurrent workers.
const DefaultConcurrency = 4

// Store reads candidates and writes repaired durations. *storage.Repository implements it.
type Store interface {
	ListDurationCandidates(ctx context.Context, includeSuspicious bool, limit int) ([]storage.DurationCandidate, error)
	UpdateDuration(ctx context.Context, id int64, res duration.Result) error
}

// Publisher announces a finished repair. *events.Publisher implements it.
type Publisher interface {
	PublishDurationsRepaired(ctx context.Context, event events.DurationsRepairedEvent) error
}

// Config configures one repair pass.
type Config struct {
	// IncludeSuspicious also re-evaluates durations in duration.SuspiciousValues.
	IncludeSuspicious bool

	// Limit caps the number of candidates. Zero means no limit.
	Limit int

	Concurrency int

	// DryRun computes changes without writing them.
	DryRun bool
}

// Outcome of repairing one meeting.
type Outcome string

const (
	OutcomeUpdated    Outcome = "updated"
	OutcomeUnchanged  Outcome = "unchanged"
	OutcomeUnresolved Outcome = "unresolved"
	OutcomeFailed     Outcome = "failed"
)

// Change describes a meeting whose duration was, or in a dry run would be, rewritten.
type Change struct {
	MeetingID  int64           `json:"meeting_id"`
	FathomID   string          `json:"fathom_id"`
	Title      string          `json:"title"`
	OldSeconds *int            `json:"old_seconds"`
	OldMethod  string          `json:"old_method,omitempty"`
	New        duration.Result `json:"new"`
	Applied    bool            `json:"applied"`
}

// Result summarizes a repair pass.
type Result struct {
	Examined    int           `json:"examined"`
	Updated     int           `json:"updated"`
	Unchanged   int           `json:"unchanged"`
	Unresolved  int           `json:"unresolved"`
	Failed      int           `json:"failed"`
	DryRun      bool          `json:"dry_run"`
	Changes     []Change      `json:"changes"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Elapsed     time.Duration `json:"-"`
}

// Repairer runs duration repair passes.
type Repairer struct {
	store     Store
	publisher Publisher
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	logger    logging.Logger
}

// Option configures a Repairer.
type Option func(*Repairer)

// WithPublisher publishes a DurationsRepairedEvent after each non-dry pass.
func WithPublisher(pub Publisher) Option {
	return func(r *Repairer) { r.publisher = pub }
}

// WithMetrics records repair outcomes on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Repairer) { r.metrics = m }
}

// New creates a Repairer.
func New(store Store, logger logging.Logger, opts ...Option) *Repairer {
	r := &Repairer{
		store:  store,
		tracer: observability.NewTracer(),
		logger: logger.With(logging.F("component", "duration_repair")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Plan decides the new duration for one candidate. Missing durations use every source;
// stored suspicious values are only replaced by a measured duration.
func Plan(c *storage.DurationCandidate) (duration.Result, Outcome) {
	var res duration.Result
	if c.Duration == nil {
		res = duration.Resolve(c.Sources())
	} else {
		res = duration.ResolveMeasured(c.Sources())
	}

	switch {
	case !res.Known():
		return res, OutcomeUnresolved
	case c.Duration != nil && *c.Duration == res.Seconds:
		return res, OutcomeUnchanged
	}
	return res, OutcomeUpdated
}

// Run repairs every candidate selected by cfg.
func (r *Repairer) Run(ctx context.Context, cfg Config) (*Result, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	result := &Result{DryRun: cfg.DryRun, Changes: []Change{}, StartedAt: time.Now().UTC()}

	candidates, err := r.store.ListDurationCandidates(ctx, cfg.IncludeSuspicious, cfg.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load duration candidates: %w", err)
	}

	ctx, span := r.tracer.StartRepairSpan(ctx, len(candidates), cfg.DryRun)
	defer span.End()
	spanHelper := observability.NewSpanHelper(span)

	r.logger.Info("Duration repair started",
		logging.F("candidates", len(candidates)),
		logging.F("include_suspicious", cfg.IncludeSuspicious),
		logging.F("dry_run", cfg.DryRun))

	work := make(chan *storage.DurationCandidate)
	outcomes := make(chan repairOutcome, len(candidates))

	var wg sync.WaitGroup
	for i := 0; i < cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range work {
				outcomes <- r.repairOne(ctx, c, cfg.DryRun)
			}
		}()
	}

	go func() {
		defer close(work)
		for i := range candidates {
			select {
			case work <- &candidates[i]:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	for o := range outcomes {
		result.Examined++
		switch o.outcome {
		case OutcomeUpdated:
			result.Updated++
			result.Changes = append(result.Changes, o.change)
		case OutcomeUnchanged:
			result.Unchanged++
		case OutcomeUnresolved:
			result.Unresolved++
		case OutcomeFailed:
			result.Failed++
		}
		if r.metrics != nil {
			r.metrics.RecordRepair(string(o.outcome))
		}
	}

	sort.Slice(result.Changes, func(i, j int) bool {
		return result.Changes[i].MeetingID < result.Changes[j].MeetingID
	})
	result.CompletedAt = time.Now().UTC()
	result.Elapsed = result.CompletedAt.Sub(result.StartedAt)

	if err := ctx.Err(); err != nil {
		spanHelper.SetError(err, string(pferrors.ErrContextCancelled), false)
		return result, fmt.Errorf("duration repair interrupted: %w", err)
	}
	spanHelper.AddEvent("repair.completed",
		attribute.Int("updated", result.Updated),
		attribute.Int("unresolved", result.Unresolved))
	spanHelper.SetSuccess()

	if r.publisher != nil && !cfg.DryRun {
		if err := r.publisher.PublishDurationsRepaired(ctx, events.DurationsRepairedEvent{
			Examined:          result.Examined,
			Updated:           result.Updated,
			Unchanged:         result.Unchanged,
			Unresolved:        result.Unresolved,
			IncludeSuspicious: cfg.IncludeSuspicious,
		}); err != nil {
			r.logger.Warn("Failed to publish repair event", logging.Err(err))
		}
	}

	r.logger.Info("Duration repair finished",
		logging.F("examined", result.Examined),
		logging.F("updated", result.Updated),
		logging.F("unchanged", result.Unchanged),
		logging.F("unresolved", result.Unresolved),
		logging.F("failed", result.Failed))

	return result, nil
}

type repairOutcome struct {
	outcome Outcome
	change  Change
}

func (r *Repairer) repairOne(ctx context.Context, c *storage.DurationCandidate, dryRun bool) repairOutcome {
	res, outcome := Plan(c)
	if outcome != OutcomeUpdated {
		return repairOutcome{outcome: outcome}
	}

	change := Change{
		MeetingID:  c.ID,
		FathomID:   c.FathomID,
		Title:      c.Title,
		OldSeconds: c.Duration,
		OldMethod:  c.DurationMethod,
		New:        res,
	}
	if dryRun {
		return repairOutcome{outcome: OutcomeUpdated, change: change}
	}

	if err := r.store.UpdateDuration(ctx, c.ID, res); err != nil {
		se := pferrors.ClassifyError(err, pferrors.StageRepair)
		r.logger.Error("Failed to update duration",
			logging.Err(err),
			logging.F("meeting_id", c.ID),
			logging.F("code", string(se.Code)))
		return repairOutcome{outcome: OutcomeFailed}
	}
	change.Applied = true
	return repairOutcome{outcome: OutcomeUpdated, change: change}
}
