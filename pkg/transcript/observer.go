package transcript

// Observer receives diagnostics from the extraction strategies. Implementations must be
// safe for concurrent use when Normalize is called from several goroutines.
type Observer interface {
	// StrategySucceeded is called once, for the strategy whose result is returned.
	StrategySucceeded(strategy string, utterances int)
	// StrategyFailed is called for each strategy that produced nothing.
	StrategyFailed(strategy string)
	// EntrySkipped is called for an individual entry or fragment that could not be recovered.
	EntrySkipped(strategy, key, reason string)
	// ExtractionFailed is called when every strategy failed.
	ExtractionFailed()
}

// Option configures a Normalize or Extract call.
type Option func(*options)

type options struct {
	observer Observer
}

// WithObserver routes extraction diagnostics to obs.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}

func newOptions(opts []Option) options {
	o := options{observer: nopObserver{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type nopObserver struct{}

func (nopObserver) StrategySucceeded(string, int)       {}
func (nopObserver) StrategyFailed(string)               {}
func (nopObserver) EntrySkipped(string, string, string) {}
func (nopObserver) ExtractionFailed()                   {}
