// Package meeting maps Fathom API meetings to the records stored and searched locally.
package meeting

import (
	"time"

	"github.com/otherjamesbrown/fathom-transcripts/pkg/duration"
)

// Participant is a calendar invitee of a meeting.
type Participant struct {
	Name   string `json:"name"`
	Email  string `json:"email"`
	Domain string `json:"domain"`
	IsHost bool   `json:"is_host"`
}

// Label renders the participant the way search results list them: "name (email)".
func (p Participant) Label() string {
	switch {
	case p.Name == "":
		return p.Email
	case p.Email == "":
		return p.Name
	}
	return p.Name + " (" + p.Email + ")"
}

// Record is a meeting ready to be upserted.
type Record struct {
	FathomID string `json:"fathom_id"`
	Title    string `json:"title"`

	// StartTime and EndTime are the display times: scheduled when present, else recorded.
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	ScheduledStart *time.Time `json:"scheduled_start,omitempty"`
	ScheduledEnd   *time.Time `json:"scheduled_end,omitempty"`
	RecordingStart *time.Time `json:"recording_start,omitempty"`
	RecordingEnd   *time.Time `json:"recording_end,omitempty"`

	ExplicitDuration *int            `json:"explicit_duration,omitempty"`
	Duration         duration.Result `json:"duration"`

	RecordingURL string        `json:"recording_url"`
	Transcript   string        `json:"-"`
	Summary      string        `json:"summary"`
	Participants []Participant `json:"participants"`
	Domains      []string      `json:"domains"`
}

// Sources returns the duration signals carried by the record.
func (r *Record) Sources() duration.Sources {
	src := duration.Sources{
		ExplicitSeconds: r.ExplicitDuration,
		ScheduledStart:  r.ScheduledStart,
		ScheduledEnd:    r.ScheduledEnd,
		RecordingStart:  r.RecordingStart,
		RecordingEnd:    r.RecordingEnd,
	}
	if r.Transcript != "" {
		src.Transcript = r.Transcript
	}
	return src
}
