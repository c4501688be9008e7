package fathom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pferrors "github.com/otherjamesbrown/fathom-transcripts/pkg/errors"
)

type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestClient(t *testing.T, url string, cfg Config) (*Client, *sleepRecorder) {
	t.Helper()
	cfg.BaseURL = url
	if cfg.APIKey == "" {
		cfg.APIKey = "test-key"
	}
	c, err := NewClient(cfg)
	require.NoError(t, err)
	rec := &sleepRecorder{}
	c.sleep = rec.sleep
	return c, rec
}

func TestNewClient_RequiresAPIKey(t *testing.T) {
	_, err := NewClient(Config{APIKey: "  "})
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestNewClient_Defaults(t *testing.T) {
	c, err := NewClient(Config{APIKey: "k", BaseURL: "http://example.test/v1/"})
	require.NoError(t, err)
	assert.Equal(t, "http://example.test/v1", c.cfg.BaseURL)
	assert.Equal(t, 60, c.cfg.RequestsPerWindow)
	assert.Equal(t, time.Minute, c.cfg.Window)
	assert.Equal(t, 30*time.Second, c.cfg.Timeout)
}

func TestListMeetings_SendsKeyAndQuery(t *testing.T) {
	var gotKey, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		gotQuery = r.URL.RawQuery
		assert.Equal(t, "/meetings", r.URL.Path)
		fmt.Fprint(w, `{"items":[{"id":123,"title":"Weekly","calendar_invitees":[{"email":"a@acme.com"}]}],"next_cursor":""}`)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, Config{APIKey: "secret"})
	after := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	page, err := c.ListMeetings(context.Background(), ListOptions{Cursor: "abc", CreatedAfter: &after, InviteeEmail: "a@acme.com"})
	require.NoError(t, err)

	assert.Equal(t, "secret", gotKey)
	assert.Contains(t, gotQuery, "include_transcript=true")
	assert.Contains(t, gotQuery, "cursor=abc")
	assert.Contains(t, gotQuery, "created_after=2024-03-01T00%3A00%3A00Z")
	assert.Contains(t, gotQuery, "calendar_invitees=a%40acme.com")
	require.Len(t, page.Items, 1)
	assert.Equal(t, "123", page.Items[0].ID.String())
	assert.False(t, page.HasMore())
}

func TestListMeetings_DomainFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items":[
			{"id":"1","calendar_invitees":[{"email":"x@Acme.com"}]},
			{"id":"2","calendar_invitees":[{"email":"y@other.io"}]}
		]}`)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, Config{})
	page, err := c.ListMeetings(context.Background(), ListOptions{InviteeDomain: "@acme.com"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, FlexibleID("1"), page.Items[0].ID)
}

func TestForEachPage_FollowsCursor(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		switch r.URL.Query().Get("cursor") {
		case "":
			fmt.Fprint(w, `{"items":[{"id":"1"},{"id":"2"}],"next_cursor":"p2"}`)
		case "p2":
			fmt.Fprint(w, `{"items":[{"id":"3"}],"next_cursor":"p3"}`)
		default:
			assert.Equal(t, int32(3), n)
			fmt.Fprint(w, `{"items":[],"next_cursor":"p4"}`)
		}
	}))
	defer srv.Close()

	c, rec := newTestClient(t, srv.URL, Config{PageDelay: time.Second})
	var ids []string
	pages, err := c.ForEachPage(context.Background(), ListOptions{}, func(_ context.Context, p *MeetingPage) error {
		for _, m := range p.Items {
			ids = append(ids, m.ID.String())
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, pages)
	assert.Equal(t, []string{"1", "2", "3"}, ids)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, rec.sleeps)
}

func TestForEachPage_StopsOnCallbackError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items":[{"id":"1"}],"next_cursor":"more"}`)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, Config{})
	stop := errors.New("stop")
	pages, err := c.ForEachPage(context.Background(), ListOptions{}, func(context.Context, *MeetingPage) error { return stop })
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, pages)
}

func TestRateLimitRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"items":[]}`)
	}))
	defer srv.Close()

	c, rec := newTestClient(t, srv.URL, Config{})
	_, err := c.ListMeetings(context.Background(), ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, []time.Duration{7 * time.Second, 7 * time.Second}, rec.sleeps)
}

func TestRateLimitRetry_GivesUp(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, rec := newTestClient(t, srv.URL, Config{MaxRetries: 3})
	_, err := c.ListMeetings(context.Background(), ListOptions{})
	require.Error(t, err)
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
	// No Retry-After header: wait a full window.
	assert.Equal(t, []time.Duration{time.Minute, time.Minute, time.Minute}, rec.sleeps)
	assert.Equal(t, pferrors.ErrRateLimit, pferrors.ClassifyError(err, pferrors.StageFetch).Code)
}

func TestAPIErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		want   pferrors.ErrorCode
	}{
		{http.StatusUnauthorized, pferrors.ErrUpstreamAuth},
		{http.StatusForbidden, pferrors.ErrUpstreamAuth},
		{http.StatusBadGateway, pferrors.ErrUpstreamUnavailable},
		{http.StatusGatewayTimeout, pferrors.ErrTimeout},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"error":"nope"}`)
			}))
			defer srv.Close()

			c, _ := newTestClient(t, srv.URL, Config{})
			_, err := c.ListMeetings(context.Background(), ListOptions{})
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode())
			assert.Contains(t, apiErr.Body, "nope")
			assert.Equal(t, tt.want, pferrors.ClassifyError(err, pferrors.StageFetch).Code)
		})
	}
}

func TestRequestBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items":[]}`)
	}))
	defer srv.Close()

	c, rec := newTestClient(t, srv.URL, Config{RequestsPerWindow: 2, Window: time.Minute})
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	c.sleep = func(ctx context.Context, d time.Duration) error {
		rec.sleeps = append(rec.sleeps, d)
		now = now.Add(d)
		return nil
	}

	for i := 0; i < 3; i++ {
		_, err := c.ListMeetings(context.Background(), ListOptions{})
		require.NoError(t, err)
	}
	assert.Equal(t, []time.Duration{time.Minute}, rec.sleeps)
}

func TestAcquire_ContextCancelled(t *testing.T) {
	c, err := NewClient(Config{APIKey: "k", RequestsPerWindow: 1})
	require.NoError(t, err)
	require.NoError(t, c.acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = c.acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

type recordingObserver struct {
	mu       sync.Mutex
	statuses []int
}

func (r *recordingObserver) ObserveFathomRequest(_ string, status int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "false", r.URL.Query().Get("include_transcript"))
		assert.Equal(t, "1", r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"items":       []map[string]string{{"id": "9"}},
			"next_cursor": "c",
		})
	}))
	defer srv.Close()

	obs := &recordingObserver{}
	c, err := NewClient(Config{APIKey: "k", BaseURL: srv.URL}, WithObserver(obs))
	require.NoError(t, err)

	res, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.SampleMeetings)
	assert.True(t, res.HasMore)
	assert.Equal(t, []int{http.StatusOK}, obs.statuses)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, 30*time.Second, parseRetryAfter("30", now))
	assert.Equal(t, 10*time.Second, parseRetryAfter(now.Add(10*time.Second).Format(http.TimeFormat), now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("garbage", now))
}

func TestMeetingDecoding(t *testing.T) {
	raw := `{
		"id": 42,
		"recording_id": "rec-7",
		"title": "",
		"meeting_title": "Kickoff",
		"created_at": "2024-05-01T10:00:00Z",
		"scheduled_start_time": "2024-05-01T10:00:00Z",
		"scheduled_end_time": "not a time",
		"recording_start_time": 1714557600,
		"duration": 1935.4,
		"transcript": [{"speaker":"A","text":"hi"}],
		"default_summary": {"markdown_formatted": "## Notes"},
		"calendar_invitees": [{"name":"Ann","email":"ann@acme.com","is_external":false}]
	}`
	var m Meeting
	require.NoError(t, json.Unmarshal([]byte(raw), &m))

	assert.Equal(t, FlexibleID("42"), m.ID)
	assert.Equal(t, "rec-7", m.RecordingID.String())
	assert.False(t, m.ScheduledStartTime.IsZero())
	assert.True(t, m.ScheduledEndTime.IsZero())
	assert.Nil(t, m.ScheduledEndTime.Ptr())
	assert.Equal(t, int64(1714557600), m.RecordingStartTime.Unix())
	require.NotNil(t, m.Duration)
	assert.InDelta(t, 1935.4, *m.Duration, 0.001)
	assert.JSONEq(t, `[{"speaker":"A","text":"hi"}]`, string(m.Transcript))
	require.NotNil(t, m.DefaultSummary)
	require.Len(t, m.CalendarInvitees, 1)
	require.NotNil(t, m.CalendarInvitees[0].IsExternal)
	assert.False(t, *m.CalendarInvitees[0].IsExternal)
}
