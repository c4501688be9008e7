package transcript

import (
	"regexp"
	"strconv"
	"strings"
)

const (
	// bareSecondsLimit is the bound below which a bare number is read as seconds (8h).
	bareSecondsLimit = 28800
	// bareMillisFloor is the bound above which a bare number may be read as milliseconds.
	bareMillisFloor = 1000
	// maxTimestampSeconds caps any parsed value at one week.
	maxTimestampSeconds = 7 * 24 * 3600
)

var (
	hmsPattern  = regexp.MustCompile(`^\[?\s*(\d+):(\d{1,2}):(\d{1,2})\s*\]?$`)
	msPattern   = regexp.MustCompile(`^\[?\s*(\d+):(\d{1,2})\s*\]?$`)
	barePattern = regexp.MustCompile(`^\d+(\.\d+)?$`)
)

// ParseTimestamp converts an utterance timestamp to whole seconds. It recognizes
// HH:MM:SS and MM:SS with optional enclosing brackets, and bare decimal numbers: values
// below eight hours are seconds, larger values are milliseconds. Anything else, and any
// result above one week, yields 0.
func ParseTimestamp(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}

	if m := hmsPattern.FindStringSubmatch(s); m != nil {
		return clockSeconds(m[1], m[2], m[3])
	}
	if m := msPattern.FindStringSubmatch(s); m != nil {
		return clockSeconds("0", m[1], m[2])
	}
	if !barePattern.MatchString(s) {
		return 0
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	switch {
	case v < bareSecondsLimit:
		return int(v)
	case v > bareMillisFloor && v/1000 <= maxTimestampSeconds:
		return int(v / 1000)
	default:
		return 0
	}
}

// clockSeconds sums hour, minute and second fields, returning 0 when the total is out of range.
func clockSeconds(h, m, s string) int {
	total := 0
	for _, f := range []struct {
		digits string
		scale  int
	}{{h, 3600}, {m, 60}, {s, 1}} {
		// Any field longer than this already exceeds the cap.
		if len(strings.TrimLeft(f.digits, "0")) > 7 {
			return 0
		}
		n, err := strconv.Atoi(f.digits)
		if err != nil {
			return 0
		}
		total += n * f.scale
		if total > maxTimestampSeconds {
			return 0
		}
	}
	return total
}
