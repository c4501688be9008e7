// Package export renders stored meetings as downloadable text documents.
package export

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	pferrors "github.com/otherjamesbrown/fathom-transcripts/pkg/errors"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/ingest/storage"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/transcript"
)

const (
	dateTimeLayout = "1/2/2006, 3:04:05 PM"
	dateLayout     = "1/2/2006"
	timeLayout     = "3:04:05 PM"
	fileDateLayout = "2006-01-02"

	// ContentType is the media type of every exported document.
	ContentType = "text/plain; charset=utf-8"
)

// ErrNoTranscripts is returned when a multi-meeting export has nothing to include.
var ErrNoTranscripts = fmt.Errorf("no valid transcripts found: %w", pferrors.ErrNotFound)

// Document is a rendered export.
type Document struct {
	Filename string
	Content  string
}

// Exporter renders meetings. The zero value is not usable; call New.
type Exporter struct {
	loc   *time.Location
	topts []transcript.Option
	now   func() time.Time
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithLocation renders dates in loc instead of UTC.
func WithLocation(loc *time.Location) Option {
	return func(e *Exporter) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// WithTranscriptOptions passes opts to transcript normalization.
func WithTranscriptOptions(opts ...transcript.Option) Option {
	return func(e *Exporter) { e.topts = append(e.topts, opts...) }
}

// New creates an Exporter.
func New(opts ...Option) *Exporter {
	e := &Exporter{loc: time.UTC, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Utterances normalizes a meeting's stored transcript.
func (e *Exporter) Utterances(d *storage.MeetingDetail) []transcript.Utterance {
	return transcript.Normalize(d.Transcript, e.topts...)
}

// RenderTranscript returns the meeting's transcript as text, or "" when none is stored.
func (e *Exporter) RenderTranscript(d *storage.MeetingDetail) string {
	if strings.TrimSpace(d.Transcript) == "" {
		return ""
	}
	return transcript.Render(e.Utterances(d))
}

// Single renders one meeting as a standalone document.
func (e *Exporter) Single(d *storage.MeetingDetail) Document {
	var b strings.Builder
	b.WriteString("FATHOM TRANSCRIPT\n================\n\n")
	fmt.Fprintf(&b, "Title: %s\n", titleOf(d))
	fmt.Fprintf(&b, "Date: %s\n", e.formatTime(d.StartTime, dateTimeLayout))
	fmt.Fprintf(&b, "Duration: %s\n", minutes(d.Duration))
	participants := "None"
	if len(d.Participants) > 0 {
		participants = strings.Join(d.Participants, ", ")
	}
	fmt.Fprintf(&b, "Participants: %s\n\n", participants)
	if d.RecordingURL != "" {
		fmt.Fprintf(&b, "Recording URL: %s\n", d.RecordingURL)
	}
	b.WriteString("\nSUMMARY\n-------\n")
	if d.Summary != "" {
		b.WriteString(d.Summary)
	} else {
		b.WriteString("No summary available")
	}
	b.WriteString("\n\nTRANSCRIPT\n----------\n")
	b.WriteString(orDefault(e.RenderTranscript(d), "No transcript available"))

	return Document{
		Filename: SingleFilename(d, e.now()),
		Content:  strings.TrimSpace(b.String()),
	}
}

// Concatenate joins meetings oldest first, each under a title, date and domain header.
func (e *Exporter) Concatenate(details []*storage.MeetingDetail) (Document, error) {
	sorted, err := chronological(details)
	if err != nil {
		return Document{}, err
	}

	var b strings.Builder
	for _, d := range sorted {
		fmt.Fprintf(&b, "--- %s ---\n", d.Title)
		fmt.Fprintf(&b, "Date: %s\n", e.formatTime(d.StartTime, dateLayout))
		fmt.Fprintf(&b, "Domain: %s\n\n", orDefault(d.PrimaryDomain(), "Unknown Domain"))
		b.WriteString(orDefault(e.RenderTranscript(d), "[No transcript available]"))
		b.WriteString("\n\n")
	}

	return Document{
		Filename: fmt.Sprintf("concatenated-transcripts-%s.txt", e.now().In(e.loc).Format(fileDateLayout)),
		Content:  b.String(),
	}, nil
}

// Journey renders meetings as one chronological document named after the date range.
func (e *Exporter) Journey(details []*storage.MeetingDetail) (Document, error) {
	sorted, err := chronological(details)
	if err != nil {
		return Document{}, err
	}

	oldest := fileDate(sorted[0].StartTime)
	newest := fileDate(sorted[len(sorted)-1].StartTime)

	var b strings.Builder
	b.WriteString("=== CHRONOLOGICAL TRANSCRIPT JOURNEY ===\n")
	fmt.Fprintf(&b, "Start: %s | End: %s | Total: %d transcripts\n\n", oldest, newest, len(sorted))

	for i, d := range sorted {
		when := "Unknown date"
		if d.StartTime != nil {
			t := d.StartTime.In(e.loc)
			when = t.Format(dateLayout) + " " + t.Format(timeLayout)
		}
		fmt.Fprintf(&b, "=== TRANSCRIPT %d: %s (%s) ===\n", i+1, titleOf(d), when)
		b.WriteString(orDefault(e.RenderTranscript(d), "No transcript available"))
		b.WriteString("\n\n")
	}

	return Document{
		Filename: fmt.Sprintf("transcript-journey-%s-to-%s.txt", oldest, newest),
		Content:  b.String(),
	}, nil
}

// FormatDuration renders seconds as "Xh Ym" or "Ym". Non-positive values are "Unknown".
func FormatDuration(seconds int) string {
	if seconds <= 0 {
		return "Unknown"
	}
	total := seconds / 60
	if h := total / 60; h > 0 {
		return fmt.Sprintf("%dh %dm", h, total%60)
	}
	return fmt.Sprintf("%dm", total)
}

// FormatDurationPtr is FormatDuration for an optional stored duration.
func FormatDurationPtr(seconds *int) string {
	if seconds == nil {
		return "Unknown"
	}
	return FormatDuration(*seconds)
}

var unsafeFilename = regexp.MustCompile(`(?i)[^a-z0-9]`)

// SingleFilename names a single-meeting download: transcript-<title>-<date>.txt.
func SingleFilename(d *storage.MeetingDetail, now time.Time) string {
	name := unsafeFilename.ReplaceAllString(d.Title, "_")
	if name == "" {
		name = fmt.Sprintf("%d", d.ID)
	}
	return fmt.Sprintf("transcript-%s-%s.txt", name, now.UTC().Format(fileDateLayout))
}

// chronological drops nil entries and sorts the rest oldest first. Meetings without a
// start time go last.
func chronological(details []*storage.MeetingDetail) ([]*storage.MeetingDetail, error) {
	out := make([]*storage.MeetingDetail, 0, len(details))
	for _, d := range details {
		if d != nil {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoTranscripts
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].StartTime, out[j].StartTime
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.Before(*b)
	})
	return out, nil
}

// IsEmpty reports whether err means there was nothing to export.
func IsEmpty(err error) bool {
	return errors.Is(err, ErrNoTranscripts)
}

func (e *Exporter) formatTime(t *time.Time, layout string) string {
	if t == nil {
		return "Unknown"
	}
	return t.In(e.loc).Format(layout)
}

func fileDate(t *time.Time) string {
	if t == nil {
		return "unknown"
	}
	return t.UTC().Format(fileDateLayout)
}

func minutes(seconds *int) string {
	if seconds == nil || *seconds <= 0 {
		return "Unknown"
	}
	return fmt.Sprintf("%d minutes", (*seconds+30)/60)
}

func titleOf(d *storage.MeetingDetail) string {
	return orDefault(d.Title, "Untitled Meeting")
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
