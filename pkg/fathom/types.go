// Package fathom is a client for the Fathom external meetings API.
package fathom

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Meeting is one item from GET /meetings. Only the fields the sync uses are decoded.
type Meeting struct {
	ID                 FlexibleID      `json:"id"`
	RecordingID        FlexibleID      `json:"recording_id"`
	URL                string          `json:"url"`
	ShareURL           string          `json:"share_url"`
	Title              string          `json:"title"`
	MeetingTitle       string          `json:"meeting_title"`
	CreatedAt          Time            `json:"created_at"`
	ScheduledStartTime Time            `json:"scheduled_start_time"`
	ScheduledEndTime   Time            `json:"scheduled_end_time"`
	RecordingStartTime Time            `json:"recording_start_time"`
	RecordingEndTime   Time            `json:"recording_end_time"`
	Duration           *float64        `json:"duration"`
	Transcript         json.RawMessage `json:"transcript"`
	DefaultSummary     *Summary        `json:"default_summary"`
	CalendarInvitees   []Invitee       `json:"calendar_invitees"`
}

// Summary is the AI summary attached to a meeting.
type Summary struct {
	TemplateName      string `json:"template_name"`
	MarkdownFormatted string `json:"markdown_formatted"`
}

// Invitee is a calendar invitee of a meeting.
type Invitee struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	EmailDomain string `json:"email_domain"`
	IsExternal  *bool  `json:"is_external"`
}

// MeetingPage is one page of GET /meetings.
type MeetingPage struct {
	Items      []Meeting `json:"items"`
	NextCursor string    `json:"next_cursor"`
	Limit      int       `json:"limit"`
}

// HasMore reports whether another page should be requested.
func (p *MeetingPage) HasMore() bool {
	return p != nil && p.NextCursor != "" && len(p.Items) > 0
}

// FlexibleID accepts identifiers encoded as JSON strings or numbers.
type FlexibleID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *FlexibleID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = FlexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = FlexibleID(n.String())
	return nil
}

// String returns the identifier text.
func (id FlexibleID) String() string { return string(id) }

// Time is a timestamp that decodes leniently: unparseable or empty values become the
// zero time instead of failing the whole page.
type Time struct {
	time.Time
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Time) UnmarshalJSON(b []byte) error {
	t.Time = time.Time{}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// Epoch seconds or milliseconds.
		if n, nerr := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64); nerr == nil && n > 0 {
			if n > 1e12 {
				t.Time = time.UnixMilli(n).UTC()
			} else {
				t.Time = time.Unix(n, 0).UTC()
			}
		}
		return nil
	}
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return nil
}

// Ptr returns nil for the zero time and a pointer to the value otherwise.
func (t Time) Ptr() *time.Time {
	if t.IsZero() {
		return nil
	}
	v := t.Time
	return &v
}
