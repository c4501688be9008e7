package observability

import "github.com/otherjamesbrown/fathom-transcripts/pkg/transcript"

// TranscriptObserver counts extraction strategy results. It is safe for concurrent use.
type TranscriptObserver struct {
	metrics *Metrics
}

var _ transcript.Observer = (*TranscriptObserver)(nil)

// TranscriptObserver returns a transcript.Observer backed by m.
func (m *Metrics) TranscriptObserver() *TranscriptObserver {
	return &TranscriptObserver{metrics: m}
}

func (o *TranscriptObserver) StrategySucceeded(strategy string, _ int) {
	o.metrics.NormalizeStrategyTotal.WithLabelValues(strategy, "succeeded").Inc()
}

func (o *TranscriptObserver) StrategyFailed(strategy string) {
	o.metrics.NormalizeStrategyTotal.WithLabelValues(strategy, "failed").Inc()
}

func (o *TranscriptObserver) EntrySkipped(strategy, _, reason string) {
	o.metrics.NormalizeSkippedTotal.WithLabelValues(strategy, reason).Inc()
}

func (o *TranscriptObserver) ExtractionFailed() {
	o.metrics.NormalizeFailedTotal.Inc()
}
