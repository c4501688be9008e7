package meeting

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/fathom-transcripts/pkg/duration"
	pferrors "github.com/otherjamesbrown/fathom-transcripts/pkg/errors"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/fathom"
)

func decodeMeeting(t *testing.T, raw string) fathom.Meeting {
	t.Helper()
	var m fathom.Meeting
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	return m
}

func TestFromAPI_FullMeeting(t *testing.T) {
	m := decodeMeeting(t, `{
		"id": 987,
		"title": "Acme quarterly review",
		"url": "https://fathom.video/calls/987",
		"scheduled_start_time": "2024-05-01T10:00:00Z",
		"scheduled_end_time": "2024-05-01T10:30:00Z",
		"recording_start_time": "2024-05-01T10:02:00Z",
		"recording_end_time": "2024-05-01T10:34:15Z",
		"duration": 1800,
		"transcript": [{"speaker":{"display_name":"Ann"},"text":"Hello","timestamp":"00:00:05"}],
		"default_summary": {"markdown_formatted": "## Summary"},
		"calendar_invitees": [
			{"name": "Ann Lee (she/her)", "email": "Ann@Acme.com", "is_external": false},
			{"name": "Bob", "email": "bob@client.io", "is_external": true},
			{"name": "Bob Smith", "email": "BOB@client.io"}
		]
	}`)

	rec, err := FromAPI(m)
	require.NoError(t, err)

	assert.Equal(t, "987", rec.FathomID)
	assert.Equal(t, "Acme quarterly review", rec.Title)
	require.NotNil(t, rec.StartTime)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), rec.StartTime.UTC())
	assert.Equal(t, time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC), rec.EndTime.UTC())
	require.NotNil(t, rec.ExplicitDuration)
	assert.Equal(t, 1800, *rec.ExplicitDuration)
	assert.Equal(t, duration.Result{Seconds: 1935, Method: duration.MethodRecording}, rec.Duration)
	assert.Equal(t, "## Summary", rec.Summary)
	assert.Contains(t, rec.Transcript, `"display_name":"Ann"`)

	require.Len(t, rec.Participants, 2)
	assert.Equal(t, Participant{Name: "Ann Lee", Email: "ann@acme.com", Domain: "acme.com", IsHost: true}, rec.Participants[0])
	assert.Equal(t, "bob@client.io", rec.Participants[1].Email)
	assert.False(t, rec.Participants[1].IsHost)
	assert.Equal(t, []string{"acme.com", "client.io"}, rec.Domains)
}

func TestFromAPI_Fallbacks(t *testing.T) {
	m := decodeMeeting(t, `{
		"recording_id": "rec-1",
		"meeting_title": "Fallback title",
		"recording_start_time": "2024-05-01T10:00:00Z",
		"recording_end_time": "2024-05-01T10:17:05Z",
		"transcript": "Ann: hi"
	}`)

	rec, err := FromAPI(m)
	require.NoError(t, err)
	assert.Equal(t, "rec-1", rec.FathomID)
	assert.Equal(t, "Fallback title", rec.Title)
	assert.Equal(t, rec.RecordingStart, rec.StartTime)
	assert.Equal(t, rec.RecordingEnd, rec.EndTime)
	assert.Nil(t, rec.ExplicitDuration)
	assert.Equal(t, 1025, rec.Duration.Seconds)
	assert.Equal(t, "Ann: hi", rec.Transcript)
	assert.Empty(t, rec.Participants)
	assert.Empty(t, rec.Domains)
}

func TestFromAPI_URLAsIdentifier(t *testing.T) {
	rec, err := FromAPI(fathom.Meeting{URL: "https://fathom.video/calls/x"})
	require.NoError(t, err)
	assert.Equal(t, "https://fathom.video/calls/x", rec.FathomID)
	assert.Equal(t, duration.Unknown, rec.Duration)
}

func TestFromAPI_ExplicitDurationOutOfRange(t *testing.T) {
	for _, d := range []float64{-30, 1e30, math.Inf(1), math.NaN()} {
		v := d
		rec, err := FromAPI(fathom.Meeting{URL: "https://fathom.video/calls/y", Duration: &v})
		require.NoError(t, err)
		assert.Nil(t, rec.ExplicitDuration, "%v", d)
		assert.Equal(t, duration.Unknown, rec.Duration, "%v", d)
	}

	v := 1799.6
	rec, err := FromAPI(fathom.Meeting{URL: "https://fathom.video/calls/y", Duration: &v})
	require.NoError(t, err)
	require.NotNil(t, rec.ExplicitDuration)
	assert.Equal(t, 1800, *rec.ExplicitDuration)
}

func TestFromAPI_NoIdentifier(t *testing.T) {
	_, err := FromAPI(fathom.Meeting{Title: "orphan"})
	assert.ErrorIs(t, err, pferrors.ErrValidation)
}

func TestTranscriptText(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"absent", ``, ""},
		{"null", `null`, ""},
		{"string", `"Ann: hi"`, "Ann: hi"},
		{"array", `[{"text":"hi"}]`, `[{"text":"hi"}]`},
		{"object", ` {"0":{"text":"hi"}} `, `{"0":{"text":"hi"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TranscriptText(json.RawMessage(tt.raw)))
		})
	}
}
