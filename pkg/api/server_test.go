package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	pferrors "github.com/otherjamesbrown/fathom-transcripts/pkg/errors"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/fathom"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/ingest/batch"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/ingest/meeting"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/ingest/repair"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/ingest/storage"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/logging"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/observability"
)

const (
	testUser     = "ann@acme.com"
	testPassword = "s3cret"
)

type fakeStore struct {
	mu        sync.Mutex
	meetings  map[int64]*storage.MeetingDetail
	domains   []storage.DomainCount
	lastQuery string
	lastLimit int
	latest    *storage.SyncRun
	searchErr error
}

func newFakeStore() *fakeStore {
	start := time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC)
	later := start.Add(48 * time.Hour)
	secs := 1935
	return &fakeStore{
		meetings: map[int64]*storage.MeetingDetail{
			1: {
				MeetingSummary: storage.MeetingSummary{
					ID: 1, FathomID: "f-1", Title: "Acme intro", StartTime: &start, Duration: &secs,
					Transcript:   `[{"speaker":"Ann","text":"hello","timestamp":"00:00:05"}]`,
					Participants: []string{"Ann (ann@acme.com)"},
				},
				Attendees: []meeting.Participant{{Name: "Ann", Email: "ann@acme.com", Domain: "acme.com"}},
				Domains:   []string{"acme.com"},
			},
			2: {
				MeetingSummary: storage.MeetingSummary{
					ID: 2, FathomID: "f-2", Title: "Acme follow-up", StartTime: &later,
					Participants: []string{},
				},
				Domains: []string{},
			},
		},
		domains: []storage.DomainCount{{Domain: "acme.com", MeetingCount: 2}},
	}
}

func (f *fakeStore) search(q string, opts storage.SearchOptions) ([]storage.MeetingSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQuery, f.lastLimit = q, opts.Limit
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return []storage.MeetingSummary{f.meetings[1].MeetingSummary}, nil
}

func (f *fakeStore) SearchByEmail(_ context.Context, q string, opts storage.SearchOptions) ([]storage.MeetingSummary, error) {
	return f.search(q, opts)
}

func (f *fakeStore) SearchByDomain(_ context.Context, q string, opts storage.SearchOptions) ([]storage.MeetingSummary, error) {
	return f.search(q, opts)
}

func (f *fakeStore) SearchByCompany(_ context.Context, q string, opts storage.SearchOptions) ([]storage.MeetingSummary, error) {
	return f.search(q, opts)
}

func (f *fakeStore) ListDomains(context.Context) ([]storage.DomainCount, error) {
	return f.domains, nil
}

func (f *fakeStore) GetMeeting(_ context.Context, id int64) (*storage.MeetingDetail, error) {
	d, ok := f.meetings[id]
	if !ok {
		return nil, fmt.Errorf("meeting %d: %w", id, pferrors.ErrNotFound)
	}
	return d, nil
}

func (f *fakeStore) GetMeetings(_ context.Context, ids []int64) ([]*storage.MeetingDetail, error) {
	var out []*storage.MeetingDetail
	for _, id := range ids {
		if d, ok := f.meetings[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeStore) DashboardMetrics(context.Context) (*storage.DashboardMetrics, error) {
	return &storage.DashboardMetrics{TotalTranscripts: 2, TotalCompanies: 1, SyncStatus: storage.SyncStatusNeverSynced}, nil
}

func (f *fakeStore) Stats(context.Context) (*storage.Stats, error) {
	return &storage.Stats{Meetings: 2, Participants: 1, UniqueDomains: 1}, nil
}

func (f *fakeStore) LatestSyncRun(context.Context) (*storage.SyncRun, error) {
	if f.latest == nil {
		return nil, pferrors.ErrNotFound
	}
	return f.latest, nil
}

type fakeSync struct {
	running   bool
	err       error
	triggered []batch.RunOptions
	ran       []batch.RunOptions
}

func (f *fakeSync) TryRun(_ context.Context, opts batch.RunOptions) (*batch.SyncResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.ran = append(f.ran, opts)
	return &batch.SyncResult{Mode: opts.Mode, DryRun: opts.DryRun, Created: 3, Status: storage.SyncRunStatusCompleted}, nil
}

func (f *fakeSync) Trigger(_ context.Context, opts batch.RunOptions) error {
	if f.err != nil {
		return f.err
	}
	f.triggered = append(f.triggered, opts)
	return nil
}

func (f *fakeSync) Running() bool { return f.running }

type fakePinger struct {
	err error
}

func (f fakePinger) Ping(context.Context) (*fathom.PingResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &fathom.PingResult{SampleMeetings: 1, Latency: 120 * time.Millisecond}, nil
}

type fakeRepairer struct {
	got repair.Config
}

func (f *fakeRepairer) Run(_ context.Context, cfg repair.Config) (*repair.Result, error) {
	f.got = cfg
	return &repair.Result{Examined: 4, Updated: 3, Unresolved: 1, DryRun: cfg.DryRun, Changes: []repair.Change{}}, nil
}

type fixture struct {
	server *Server
	store  *fakeStore
	sync   *fakeSync
	repair *fakeRepairer
	reg    *prometheus.Registry
}

func newFixture(t *testing.T, mutate ...func(*Config, *Deps)) *fixture {
	t.Helper()
	f := &fixture{
		store:  newFakeStore(),
		sync:   &fakeSync{},
		repair: &fakeRepairer{},
		reg:    prometheus.NewRegistry(),
	}
	observability.NewMetrics(f.reg).RecordSyncRun("incremental", "completed", time.Second)

	cfg := Config{AllowedDomains: []string{"acme.com"}, Password: testPassword}
	deps := Deps{
		Store:    f.store,
		Sync:     f.sync,
		Fathom:   fakePinger{},
		Repair:   f.repair,
		Gatherer: f.reg,
	}
	for _, m := range mutate {
		m(&cfg, &deps)
	}

	s, err := New(context.Background(), cfg, deps, logging.NewNopLogger())
	require.NoError(t, err)
	f.server = s
	return f
}

func basicAuth(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", basicAuth(testUser, testPassword))
	return f.send(t, req)
}

func (f *fixture) send(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := f.server.App().Test(req, -1)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, data
}

func decode(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

func TestNew_RequiresAuthSettings(t *testing.T) {
	_, err := New(context.Background(), Config{Password: "x"}, Deps{Store: newFakeStore()}, logging.NewNopLogger())
	assert.ErrorContains(t, err, "domain")

	_, err = New(context.Background(), Config{AllowedDomains: []string{"acme.com"}}, Deps{Store: newFakeStore()}, logging.NewNopLogger())
	assert.ErrorContains(t, err, "password")

	_, err = New(context.Background(), Config{AllowedDomains: []string{"acme.com"}, PasswordHash: "plain"}, Deps{Store: newFakeStore()}, logging.NewNopLogger())
	assert.ErrorContains(t, err, "hash")

	_, err = New(context.Background(), Config{AllowedDomains: []string{"acme.com"}, Password: "x"}, Deps{}, logging.NewNopLogger())
	assert.Error(t, err)
}

func TestHealth_NoAuth(t *testing.T) {
	f := newFixture(t)
	resp, data := f.send(t, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, data)
	assert.Equal(t, "healthy", body["status"])
	assert.Contains(t, body, "uptime")
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestBasicAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-pass"), bcrypt.MinCost)
	require.NoError(t, err)
	f := newFixture(t, func(c *Config, _ *Deps) {
		c.AllowedDomains = []string{"@Acme.com"}
		c.Password = ""
		c.PasswordHash = string(hash)
	})

	tests := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{"missing header", "", http.StatusUnauthorized, "Authentication required"},
		{"wrong domain", basicAuth("bob@other.com", "hashed-pass"), http.StatusUnauthorized, "Invalid credentials"},
		{"not an email", basicAuth("acme.com", "hashed-pass"), http.StatusUnauthorized, "Invalid credentials"},
		{"wrong password", basicAuth("bob@acme.com", "nope"), http.StatusUnauthorized, "Invalid credentials"},
		{"domain is case-insensitive", basicAuth("Bob@ACME.com", "hashed-pass"), http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/dashboard", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, data := f.send(t, req)
			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.status == http.StatusUnauthorized {
				assert.Equal(t, tt.body, string(data))
				assert.Equal(t, `Basic realm="Fathom Transcript Manager"`, resp.Header.Get("WWW-Authenticate"))
			}
		})
	}
}

func TestPreflightSkipsAuth(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *Deps) { c.CORSOrigins = []string{"https://app.example"} })

	req := httptest.NewRequest(http.MethodOptions, "/api/dashboard", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", "GET")
	resp, _ := f.send(t, req)

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://app.example", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *Deps) { c.RateLimit = 2 })

	for i := 0; i < 2; i++ {
		resp, _ := f.send(t, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, data := f.send(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, false, decode(t, data)["success"])
}

func TestSearch(t *testing.T) {
	f := newFixture(t)

	resp, data := f.do(t, http.MethodGet, "/api/transcripts/search/email?q=ann@acme.com&limit=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, data)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(1), body["count"])
	assert.Equal(t, "ann@acme.com", f.store.lastQuery)
	assert.Equal(t, 5, f.store.lastLimit)

	resp, data = f.do(t, http.MethodGet, "/api/transcripts/search/company", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Failed to search by company", decode(t, data)["error"])

	resp, _ = f.do(t, http.MethodGet, "/api/transcripts/search/domain?q=acme.com&limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	f.store.searchErr = errors.New("connection reset")
	resp, data = f.do(t, http.MethodGet, "/api/transcripts/search/domain?q=acme.com", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	body = decode(t, data)
	assert.Equal(t, "Failed to search by domain", body["error"])
	assert.Equal(t, "connection reset", body["message"])
}

func TestDomains(t *testing.T) {
	f := newFixture(t)
	resp, data := f.do(t, http.MethodGet, "/api/transcripts/domains", nil)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	items := decode(t, data)["data"].([]interface{})
	require.Len(t, items, 1)
	assert.Equal(t, "acme.com", items[0].(map[string]interface{})["domain"])
}

func TestTranscript(t *testing.T) {
	f := newFixture(t)

	resp, data := f.do(t, http.MethodGet, "/api/transcripts/1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	d := decode(t, data)["data"].(map[string]interface{})
	assert.Equal(t, "Acme intro", d["title"])
	assert.Equal(t, "32m", d["formatted_duration"])
	assert.Equal(t, "acme.com", d["primary_domain"])
	utts := d["utterances"].([]interface{})
	require.Len(t, utts, 1)
	assert.Equal(t, "Ann", utts[0].(map[string]interface{})["speaker"])

	resp, data = f.do(t, http.MethodGet, "/api/transcripts/99", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Transcript not found", decode(t, data)["error"])

	resp, _ = f.do(t, http.MethodGet, "/api/transcripts/abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDownload(t *testing.T) {
	f := newFixture(t)
	resp, data := f.do(t, http.MethodGet, "/api/transcripts/1/download", nil)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "attachment; filename=")
	assert.Contains(t, string(data), "FATHOM TRANSCRIPT")
	assert.Contains(t, string(data), "Ann [00:00:05]: hello")
}

func TestConcatenate(t *testing.T) {
	f := newFixture(t)

	resp, data := f.do(t, http.MethodPost, "/api/transcripts/concatenate", map[string]interface{}{"transcriptIds": []int64{2, 1}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	d := decode(t, data)["data"].(map[string]interface{})
	assert.Equal(t, float64(2), d["count"])
	text := d["text"].(string)
	assert.Less(t, strings.Index(text, "--- Acme intro ---"), strings.Index(text, "--- Acme follow-up ---"))
	assert.Contains(t, text, "[No transcript available]")

	resp, data = f.do(t, http.MethodPost, "/api/transcripts/concatenate", map[string]interface{}{"transcriptIds": []int64{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "transcriptIds array is required", decode(t, data)["error"])

	resp, _ = f.do(t, http.MethodPost, "/api/transcripts/concatenate", map[string]interface{}{"transcriptIds": []int64{404}})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJourney(t *testing.T) {
	f := newFixture(t)
	resp, data := f.do(t, http.MethodPost, "/api/transcripts/journey", map[string]interface{}{"transcriptIds": []int64{1, 2}})

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "transcript-journey-2024-03-05-to-2024-03-07.txt")
	assert.True(t, strings.HasPrefix(string(data), "=== CHRONOLOGICAL TRANSCRIPT JOURNEY ==="))
}

func TestDashboard(t *testing.T) {
	f := newFixture(t)
	resp, data := f.do(t, http.MethodGet, "/api/dashboard", nil)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	d := decode(t, data)["data"].(map[string]interface{})
	assert.Equal(t, float64(2), d["total_transcripts"])
	assert.Equal(t, "never_synced", d["sync_status"])
}

func TestSync(t *testing.T) {
	f := newFixture(t)

	resp, data := f.do(t, http.MethodPost, "/api/sync/meetings", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, data)
	assert.Equal(t, "Meetings synced successfully", body["message"])
	assert.Equal(t, batch.ModeIncremental, f.sync.ran[0].Mode)

	resp, data = f.do(t, http.MethodPost, "/api/sync/meetings/full", map[string]bool{"dryRun": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Full sync completed successfully", decode(t, data)["message"])
	assert.Equal(t, batch.RunOptions{Mode: batch.ModeFull, DryRun: true}, f.sync.ran[1])

	resp, _ = f.do(t, http.MethodPost, "/api/sync/meetings?async=true", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, f.sync.triggered, 1)

	f.sync.err = batch.ErrSyncInProgress
	resp, data = f.do(t, http.MethodPost, "/api/sync/meetings", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "Sync already in progress", decode(t, data)["error"])
}

func TestSync_Unavailable(t *testing.T) {
	f := newFixture(t, func(_ *Config, d *Deps) { d.Sync = nil; d.Repair = nil })

	resp, _ := f.do(t, http.MethodPost, "/api/sync/meetings", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/api/sync/fix-durations", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSyncStatus(t *testing.T) {
	f := newFixture(t)
	f.sync.running = true
	f.store.latest = &storage.SyncRun{Mode: "incremental", Status: storage.SyncRunStatusCompleted}

	resp, data := f.do(t, http.MethodGet, "/api/sync/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	d := decode(t, data)["data"].(map[string]interface{})
	assert.Equal(t, float64(2), d["meetings"])
	assert.Equal(t, true, d["running"])
	assert.Equal(t, "completed", d["lastSync"].(map[string]interface{})["status"])
	assert.NotContains(t, d, "progress")
}

func TestTestFathom(t *testing.T) {
	f := newFixture(t)
	resp, data := f.do(t, http.MethodGet, "/api/sync/test-fathom", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	d := decode(t, data)["data"].(map[string]interface{})
	assert.Equal(t, true, d["apiWorking"])
	assert.Equal(t, float64(1), d["meetingsFound"])

	f = newFixture(t, func(_ *Config, d *Deps) {
		d.Fathom = fakePinger{err: &fathom.APIError{Status: http.StatusUnauthorized, Body: "bad key"}}
	})
	resp, data = f.do(t, http.MethodGet, "/api/sync/test-fathom", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	body := decode(t, data)
	assert.Equal(t, false, body["data"].(map[string]interface{})["apiWorking"])
}

func TestFixDurations(t *testing.T) {
	f := newFixture(t)
	resp, data := f.do(t, http.MethodPost, "/api/sync/fix-durations", map[string]bool{"includeSuspicious": true})

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, data)
	assert.Equal(t, "Successfully updated 3 meetings with calculated durations", body["message"])
	assert.Equal(t, float64(3), body["data"].(map[string]interface{})["updated"])
	assert.True(t, f.repair.got.IncludeSuspicious)
	assert.False(t, f.repair.got.DryRun)
}

func TestNotFound(t *testing.T) {
	f := newFixture(t)
	resp, data := f.do(t, http.MethodGet, "/api/nothing", nil)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decode(t, data)
	assert.Equal(t, "Not Found", body["error"])
	assert.Equal(t, "Route GET /api/nothing not found", body["message"])
}

func TestMetricsAndVersion(t *testing.T) {
	f := newFixture(t)

	resp, data := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "ftm_sync_runs_total")

	resp, data = f.do(t, http.MethodGet, "/version", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ftm", decode(t, data)["service_name"])
}

func TestWebsocketRequiresUpgrade(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/ws/sync", nil)
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}

func TestHub(t *testing.T) {
	h := NewHub(logging.NewNopLogger())
	id, ch, ok := h.subscribe()
	require.True(t, ok)
	assert.Equal(t, 1, h.Clients())

	for i := 0; i < clientBuffer+5; i++ {
		h.Broadcast(batch.ProgressSnapshot{ProcessedCount: i})
	}
	assert.Len(t, ch, clientBuffer, "excess snapshots are dropped")
	assert.Equal(t, 0, (<-ch).ProcessedCount)

	h.unsubscribe(id)
	assert.Equal(t, 0, h.Clients())

	_, ch2, ok := h.subscribe()
	require.True(t, ok)
	h.Close()
	_, open := <-ch2
	assert.False(t, open)

	_, _, ok = h.subscribe()
	assert.False(t, ok)
}
