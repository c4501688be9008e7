package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TracerName is the name of the tracer for sync operations.
	TracerName = "fathom-transcripts"
)

// Span attribute keys
const (
	AttrSyncRunID      = "sync_run_id"
	AttrMode           = "mode"
	AttrDryRun         = "dry_run"
	AttrPage           = "page"
	AttrItems          = "items"
	AttrFathomID       = "fathom_id"
	AttrMeetingID      = "meeting_id"
	AttrOutcome        = "outcome"
	AttrDurationSecs   = "duration_seconds"
	AttrDurationMethod = "duration_method"
	AttrCandidates     = "candidates"
	AttrErrorCode      = "error_code"
	AttrRetryable      = "retryable"
)

// Span names
const (
	SpanSyncRun     = "sync.run"
	SpanSyncPage    = "sync.page"
	SpanSyncMeeting = "sync.meeting"
	SpanRepairRun   = "repair.run"
)

// Tracer provides distributed tracing for sync operations.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a tracer from the global provider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(TracerName),
	}
}

// StartSyncSpan starts a root span for a sync run.
func (t *Tracer) StartSyncSpan(ctx context.Context, runID, mode string, dryRun bool) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanSyncRun,
		trace.WithAttributes(
			attribute.String(AttrSyncRunID, runID),
			attribute.String(AttrMode, mode),
			attribute.Bool(AttrDryRun, dryRun),
		),
	)
}

// StartPageSpan starts a span for one fetched page.
func (t *Tracer) StartPageSpan(ctx context.Context, page, items int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanSyncPage,
		trace.WithAttributes(
			attribute.Int(AttrPage, page),
			attribute.Int(AttrItems, items),
		),
	)
}

// StartMeetingSpan starts a span for mapping and storing one meeting.
func (t *Tracer) StartMeetingSpan(ctx context.Context, fathomID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanSyncMeeting,
		trace.WithAttributes(attribute.String(AttrFathomID, fathomID)),
	)
}

// StartRepairSpan starts a root span for a duration repair pass.
func (t *Tracer) StartRepairSpan(ctx context.Context, candidates int, dryRun bool) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanRepairRun,
		trace.WithAttributes(
			attribute.Int(AttrCandidates, candidates),
			attribute.Bool(AttrDryRun, dryRun),
		),
	)
}

// SpanHelper provides convenient methods for working with the current span.
type SpanHelper struct {
	span trace.Span
}

// NewSpanHelper creates a new span helper for the given span.
func NewSpanHelper(span trace.Span) *SpanHelper {
	return &SpanHelper{span: span}
}

// SetMeeting sets the stored meeting and its outcome.
func (h *SpanHelper) SetMeeting(meetingID int64, outcome string) {
	h.span.SetAttributes(
		attribute.Int64(AttrMeetingID, meetingID),
		attribute.String(AttrOutcome, outcome),
	)
}

// SetDuration sets the resolved duration attributes.
func (h *SpanHelper) SetDuration(seconds int, method string) {
	h.span.SetAttributes(
		attribute.Int(AttrDurationSecs, seconds),
		attribute.String(AttrDurationMethod, method),
	)
}

// SetError records an error on the span.
func (h *SpanHelper) SetError(err error, code string, retryable bool) {
	h.span.SetStatus(codes.Error, err.Error())
	h.span.SetAttributes(
		attribute.String(AttrErrorCode, code),
		attribute.Bool(AttrRetryable, retryable),
	)
	h.span.RecordError(err)
}

// SetSuccess marks the span as successful.
func (h *SpanHelper) SetSuccess() {
	h.span.SetStatus(codes.Ok, "")
}

// AddEvent adds an event to the span.
func (h *SpanHelper) AddEvent(name string, attrs ...attribute.KeyValue) {
	h.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// GetTraceID returns the trace ID from the context.
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().HasTraceID() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}
