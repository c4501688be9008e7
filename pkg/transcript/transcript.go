// Package transcript normalizes Fathom transcript payloads into ordered speaker utterances.
//
// The Fathom API has delivered the same logical transcript as a JSON array, an object of
// index-keyed entries, an object whose values are themselves JSON strings, and truncated
// text that no longer parses. Normalize accepts all of them and never fails.
package transcript

import "encoding/json"

const (
	// UnknownSpeaker is used when an entry carries no speaker information.
	UnknownSpeaker = "Unknown Speaker"

	// ExtractionFailedText is the text of the sentinel utterance returned when
	// no entries could be recovered.
	ExtractionFailedText = "Error: Unable to extract transcript entries from corrupted data."
)

// Utterance is one speaker turn.
type Utterance struct {
	Speaker   string `json:"speaker"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"` // opaque; see ParseTimestamp
}

// Seconds returns the utterance offset in seconds, or 0 if the timestamp is not recognized.
func (u Utterance) Seconds() int {
	return ParseTimestamp(u.Timestamp)
}

// Sentinel returns the placeholder utterance used when nothing was extracted.
func Sentinel() Utterance {
	return Utterance{Text: ExtractionFailedText}
}

// IsSentinel reports whether utterances is exactly the no-data placeholder.
func IsSentinel(utterances []Utterance) bool {
	return len(utterances) == 1 && utterances[0] == Sentinel()
}

// Normalize converts a raw transcript payload into utterances. Accepted payloads are
// nil, string, []byte, json.RawMessage, map[string]any and []any. The result is never
// empty: when nothing can be recovered a single Sentinel utterance is returned.
func Normalize(raw any, opts ...Option) []Utterance {
	utterances, ok := Extract(raw, opts...)
	if !ok {
		return []Utterance{Sentinel()}
	}
	return utterances
}

// Extract runs the extraction strategies in order and returns the first non-empty
// result. ok is false when every strategy came up empty.
func Extract(raw any, opts ...Option) ([]Utterance, bool) {
	o := newOptions(opts)
	p := decode(raw)

	for _, s := range strategies {
		res := s.extract(p, o.observer)
		if res.Outcome == Extracted && len(res.Utterances) > 0 {
			o.observer.StrategySucceeded(s.name, len(res.Utterances))
			return res.Utterances, true
		}
		o.observer.StrategyFailed(s.name)
	}
	o.observer.ExtractionFailed()
	return nil, false
}

// MaxSeconds returns the largest parsed timestamp across utterances.
func MaxSeconds(utterances []Utterance) int {
	max := 0
	for _, u := range utterances {
		if s := u.Seconds(); s > max {
			max = s
		}
	}
	return max
}

// payload is a raw transcript after the strict decoding step.
type payload struct {
	value  any    // decoded value when parsed is true
	text   string // original string when the payload arrived as text
	parsed bool
}

const maxDecodeDepth = 4

func decode(raw any) payload {
	switch v := raw.(type) {
	case nil:
		return payload{parsed: true}
	case string:
		return decodeString(v)
	case []byte:
		return decodeString(string(v))
	case json.RawMessage:
		return decodeString(string(v))
	default:
		return payload{value: v, parsed: true}
	}
}

// decodeString strictly parses s. A string that decodes to another string is
// decoded again so double-encoded payloads resolve to their structured form.
func decodeString(s string) payload {
	current := s
	for depth := 0; depth < maxDecodeDepth; depth++ {
		v, err := strictParse(current)
		if err != nil {
			if depth == 0 {
				return payload{text: s}
			}
			// The outer layer was valid JSON holding text that is not.
			return payload{text: current}
		}
		inner, isString := v.(string)
		if !isString {
			return payload{value: v, text: s, parsed: true}
		}
		current = inner
	}
	return payload{text: current}
}

func strictParse(s string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}
