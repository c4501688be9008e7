package transcript

import (
	"fmt"
	"regexp"
	"strings"
)

// EntrySeparator separates rendered utterances.
const EntrySeparator = "\n\n"

var blankLines = regexp.MustCompile(`\n{2,}`)

// Render formats utterances as "<speaker> [<timestamp>]: <text>" joined by a blank line.
// Blank-line runs inside a field are collapsed to a single newline so the separator
// stays unambiguous.
func Render(utterances []Utterance) string {
	lines := make([]string, 0, len(utterances))
	for _, u := range utterances {
		lines = append(lines, FormatUtterance(u))
	}
	return strings.Join(lines, EntrySeparator)
}

// FormatUtterance formats a single utterance line.
func FormatUtterance(u Utterance) string {
	return fmt.Sprintf("%s [%s]: %s", flatten(u.Speaker), flatten(u.Timestamp), flatten(u.Text))
}

// Format normalizes raw and renders the result.
func Format(raw any, opts ...Option) string {
	return Render(Normalize(raw, opts...))
}

func flatten(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = blankLines.ReplaceAllString(s, "\n")
	return strings.Trim(s, "\n")
}
