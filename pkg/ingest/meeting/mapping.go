package meeting

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/otherjamesbrown/fathom-transcripts/pkg/duration"
	pferrors "github.com/otherjamesbrown/fathom-transcripts/pkg/errors"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/fathom"
)

// maxExplicitSeconds bounds the upstream duration field to one week.
const maxExplicitSeconds = 7 * 24 * 3600

// FromAPI maps a Fathom meeting to a Record and resolves its duration. It fails only when
// the meeting carries no usable identifier.
func FromAPI(m fathom.Meeting) (Record, error) {
	rec := Record{
		FathomID:       firstNonEmpty(m.ID.String(), m.RecordingID.String(), m.URL),
		Title:          firstNonEmpty(m.Title, m.MeetingTitle),
		ScheduledStart: m.ScheduledStartTime.Ptr(),
		ScheduledEnd:   m.ScheduledEndTime.Ptr(),
		RecordingStart: m.RecordingStartTime.Ptr(),
		RecordingEnd:   m.RecordingEndTime.Ptr(),
		RecordingURL:   m.URL,
		Transcript:     TranscriptText(m.Transcript),
		Participants:   []Participant{},
		Domains:        []string{},
	}
	if rec.FathomID == "" {
		return Record{}, fmt.Errorf("meeting has no id, recording_id or url: %w", pferrors.ErrValidation)
	}

	rec.StartTime = rec.ScheduledStart
	if rec.StartTime == nil {
		rec.StartTime = rec.RecordingStart
	}
	rec.EndTime = rec.ScheduledEnd
	if rec.EndTime == nil {
		rec.EndTime = rec.RecordingEnd
	}

	// Out-of-range values, NaN included, are dropped rather than stored.
	if m.Duration != nil && *m.Duration >= 0 && *m.Duration <= maxExplicitSeconds {
		secs := int(math.Round(*m.Duration))
		rec.ExplicitDuration = &secs
	}
	if m.DefaultSummary != nil {
		rec.Summary = m.DefaultSummary.MarkdownFormatted
	}

	rec.Participants, rec.Domains = participants(m.CalendarInvitees)
	rec.Duration = duration.Resolve(rec.Sources())
	return rec, nil
}

func participants(invitees []fathom.Invitee) ([]Participant, []string) {
	out := make([]Participant, 0, len(invitees))
	seen := make(map[string]int, len(invitees))
	domainSet := make(map[string]struct{})

	for _, inv := range invitees {
		p := Participant{
			Name:   NormalizeName(inv.Name),
			Email:  FoldEmail(inv.Email),
			IsHost: inv.IsExternal != nil && !*inv.IsExternal,
		}
		if p.Name == "" && p.Email == "" {
			continue
		}
		p.Domain = DomainOf(p.Email)
		if p.Domain == "" && inv.EmailDomain != "" {
			p.Domain = FoldDomain(inv.EmailDomain)
		}
		if p.Domain != "" {
			domainSet[p.Domain] = struct{}{}
		}

		if p.Email != "" {
			if i, ok := seen[p.Email]; ok {
				// Keep the most informative entry for a repeated address.
				if out[i].Name == "" {
					out[i].Name = p.Name
				}
				out[i].IsHost = out[i].IsHost || p.IsHost
				continue
			}
			seen[p.Email] = len(out)
		}
		out = append(out, p)
	}

	domains := make([]string, 0, len(domainSet))
	for d := range domainSet {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	return out, domains
}

// TranscriptText converts the raw transcript field to the stored text. A JSON string is
// unwrapped; any other JSON value is kept verbatim; null and absent become "".
func TranscriptText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
