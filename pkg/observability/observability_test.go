package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/otherjamesbrown/fathom-transcripts/pkg/transcript"
)

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordMeeting("full", "created")
	m.RecordMeeting("full", "created")
	m.RecordMeeting("full", "failed")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MeetingsSyncedTotal.WithLabelValues("full", "created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MeetingsSyncedTotal.WithLabelValues("full", "failed")))

	m.RecordSyncRun("incremental", "completed", 3*time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncRunsTotal.WithLabelValues("incremental", "completed")))

	m.SetSyncInProgress(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncInProgress))
	m.SetSyncInProgress(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SyncInProgress))

	m.ObserveFathomRequest("/meetings", 429, time.Second)
	m.ObserveFathomRequest("/meetings", 0, time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FathomRequestsTotal.WithLabelValues("/meetings", "429")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FathomRequestsTotal.WithLabelValues("/meetings", "error")))

	m.RecordDurationResolved("recording_times")
	m.RecordRepair("updated")
	m.RecordSyncError("timeout", "fetch")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DurationsResolvedTotal.WithLabelValues("recording_times")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DurationRepairsTotal.WithLabelValues("updated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncErrorsTotal.WithLabelValues("timeout", "fetch")))
}

func TestMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	assert.Panics(t, func() { NewMetrics(reg) })
}

func TestTranscriptObserver(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	obs := m.TranscriptObserver()

	utterances := transcript.Normalize(`[{"speaker":"A","text":"hi"}, 42]`, transcript.WithObserver(obs))
	assert.Len(t, utterances, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NormalizeStrategyTotal.WithLabelValues(transcript.StrategyArray, "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NormalizeSkippedTotal.WithLabelValues(transcript.StrategyArray, "unsupported entry type")))

	transcript.Normalize(nil, transcript.WithObserver(obs))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NormalizeFailedTotal))
}

func TestTracer_NoopProvider(t *testing.T) {
	tr := NewTracer()
	ctx, span := tr.StartSyncSpan(context.Background(), "run-1", "full", false)
	defer span.End()

	h := NewSpanHelper(span)
	h.SetDuration(1935, "recording_times")
	h.SetMeeting(7, "created")
	h.SetError(errors.New("boom"), "timeout", true)
	h.SetSuccess()

	_, child := tr.StartMeetingSpan(ctx, "f-1")
	child.End()

	// The default global provider is a no-op, so there is no trace ID.
	assert.Equal(t, "", GetTraceID(ctx))
}
