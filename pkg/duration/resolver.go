// Package duration picks the best available meeting duration from the candidate sources a
// Fathom meeting record carries.
package duration

import (
	"time"

	"github.com/otherjamesbrown/fathom-transcripts/pkg/transcript"
)

// Method identifies which source produced a resolved duration.
type Method string

const (
	MethodRecording  Method = "recording_times"
	MethodScheduled  Method = "scheduled_times"
	MethodTranscript Method = "transcript_timestamp"
	MethodExplicit   Method = "explicit"
	MethodUnknown    Method = "unknown"
)

// IsMeasured reports whether the method derives from observed timing rather than the
// explicit duration field.
func (m Method) IsMeasured() bool {
	switch m {
	case MethodRecording, MethodScheduled, MethodTranscript:
		return true
	}
	return false
}

// SuspiciousValues are durations that usually reflect a calendar slot rather than the
// meeting's actual length.
var SuspiciousValues = []int{900, 1800, 2700, 3600}

// IsSuspicious reports whether seconds is one of SuspiciousValues.
func IsSuspicious(seconds int) bool {
	for _, v := range SuspiciousValues {
		if seconds == v {
			return true
		}
	}
	return false
}

// Sources holds every candidate duration signal for one meeting. Nil fields are absent.
type Sources struct {
	ExplicitSeconds *int
	ScheduledStart  *time.Time
	ScheduledEnd    *time.Time
	RecordingStart  *time.Time
	RecordingEnd    *time.Time
	Transcript      any // raw transcript payload, as accepted by transcript.Normalize
}

// Result is a resolved duration. Seconds is always positive when Known is true.
type Result struct {
	Seconds int    `json:"seconds"`
	Method  Method `json:"method"`
}

// Known reports whether any source yielded a duration.
func (r Result) Known() bool {
	return r.Method != MethodUnknown && r.Seconds > 0
}

// Unknown is the result when no source yields a duration.
var Unknown = Result{Method: MethodUnknown}

// Resolve returns the first strictly positive duration in priority order: recording
// times, scheduled times, latest transcript timestamp, then the explicit field.
func Resolve(src Sources) Result {
	if r, ok := measured(src); ok {
		return r
	}
	if src.ExplicitSeconds != nil && *src.ExplicitSeconds > 0 {
		return Result{Seconds: *src.ExplicitSeconds, Method: MethodExplicit}
	}
	return Unknown
}

// ResolveMeasured is Resolve without the explicit field. It is used to re-evaluate stored
// durations that match SuspiciousValues.
func ResolveMeasured(src Sources) Result {
	if r, ok := measured(src); ok {
		return r
	}
	return Unknown
}

func measured(src Sources) (Result, bool) {
	if s, ok := delta(src.RecordingStart, src.RecordingEnd); ok {
		return Result{Seconds: s, Method: MethodRecording}, true
	}
	if s, ok := delta(src.ScheduledStart, src.ScheduledEnd); ok {
		return Result{Seconds: s, Method: MethodScheduled}, true
	}
	if s := LatestTranscriptSecond(src.Transcript); s > 0 {
		return Result{Seconds: s, Method: MethodTranscript}, true
	}
	return Result{}, false
}

// delta returns whole seconds between start and end. Zero or negative deltas do not count.
func delta(start, end *time.Time) (int, bool) {
	if start == nil || end == nil || start.IsZero() || end.IsZero() {
		return 0, false
	}
	d := end.Sub(*start)
	if d < time.Second {
		return 0, false
	}
	return int(d / time.Second), true
}

// LatestTranscriptSecond returns the largest timestamp, in seconds, found in a raw
// transcript payload, or 0 when there is none.
func LatestTranscriptSecond(raw any) int {
	if raw == nil {
		return 0
	}
	if s, ok := raw.(string); ok && s == "" {
		return 0
	}
	utterances, ok := transcript.Extract(raw)
	if !ok {
		return 0
	}
	return transcript.MaxSeconds(utterances)
}
