package fathom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/otherjamesbrown/fathom-transcripts/pkg/buildinfo"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/logging"
)

// DefaultBaseURL is the Fathom external API root.
const DefaultBaseURL = "https://api.fathom.ai/external/v1"

// ErrMissingAPIKey is returned by NewClient when no key is configured.
var ErrMissingAPIKey = errors.New("fathom api key is not configured")

// Config controls the client's endpoint, credentials and pacing.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration

	// RequestsPerWindow requests are allowed per Window; further requests wait for the
	// window to reset.
	RequestsPerWindow int
	Window            time.Duration

	// PageDelay is the pause between consecutive pages in ForEachPage.
	PageDelay time.Duration

	// MaxRetries bounds retries of a single request after HTTP 429.
	MaxRetries int
}

// DefaultConfig returns the pacing the Fathom API tolerates: 60 requests a minute and a
// one second pause between pages.
func DefaultConfig() Config {
	return Config{
		BaseURL:           DefaultBaseURL,
		Timeout:           30 * time.Second,
		RequestsPerWindow: 60,
		Window:            time.Minute,
		PageDelay:         time.Second,
		MaxRetries:        3,
	}
}

// RequestObserver is notified after every HTTP round trip. status is 0 when the request
// failed before a response arrived.
type RequestObserver interface {
	ObserveFathomRequest(endpoint string, status int, elapsed time.Duration)
}

// APIError is a non-2xx response from the API.
type APIError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("fathom api returned status %d: %s", e.Status, body)
}

// StatusCode returns the HTTP status of the response.
func (e *APIError) StatusCode() int { return e.Status }

// ListOptions filters GET /meetings.
type ListOptions struct {
	Cursor       string
	CreatedAfter *time.Time
	// InviteeEmail restricts results to meetings with this calendar invitee.
	InviteeEmail string
	// InviteeDomain keeps only meetings with an invitee at this domain. The API has no
	// domain filter, so it is applied to each page after it is fetched.
	InviteeDomain     string
	ExcludeTranscript bool
	Limit             int
}

func (o ListOptions) query() url.Values {
	q := url.Values{}
	q.Set("include_transcript", strconv.FormatBool(!o.ExcludeTranscript))
	if o.Cursor != "" {
		q.Set("cursor", o.Cursor)
	}
	if o.CreatedAfter != nil && !o.CreatedAfter.IsZero() {
		q.Set("created_after", o.CreatedAfter.UTC().Format(time.RFC3339))
	}
	if o.InviteeEmail != "" {
		q.Set("calendar_invitees", o.InviteeEmail)
	}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	return q
}

// Client calls the Fathom API. It is safe for concurrent use; all callers share one
// request budget.
type Client struct {
	cfg      Config
	http     *http.Client
	logger   logging.Logger
	observer RequestObserver

	mu          sync.Mutex
	windowStart time.Time
	requests    int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithObserver registers a RequestObserver.
func WithObserver(obs RequestObserver) Option {
	return func(c *Client) { c.observer = obs }
}

// WithLogger sets the client logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Client) { c.logger = l.With(logging.F("component", "fathom_client")) }
}

// NewClient creates a Client. Zero-valued pacing fields take DefaultConfig values.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RequestsPerWindow <= 0 {
		cfg.RequestsPerWindow = def.RequestsPerWindow
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	// Negative values disable page delay and retries.
	switch {
	case cfg.PageDelay == 0:
		cfg.PageDelay = def.PageDelay
	case cfg.PageDelay < 0:
		cfg.PageDelay = 0
	}
	switch {
	case cfg.MaxRetries == 0:
		cfg.MaxRetries = def.MaxRetries
	case cfg.MaxRetries < 0:
		cfg.MaxRetries = 0
	}

	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logging.NewNopLogger(),
		now:    time.Now,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ListMeetings fetches a single page of meetings.
func (c *Client) ListMeetings(ctx context.Context, opts ListOptions) (*MeetingPage, error) {
	var page MeetingPage
	if err := c.get(ctx, "/meetings", opts.query(), &page); err != nil {
		return nil, err
	}
	if opts.InviteeDomain != "" {
		page.Items = filterByDomain(page.Items, opts.InviteeDomain)
	}
	return &page, nil
}

// PageFunc handles one page. Returning an error stops pagination.
type PageFunc func(ctx context.Context, page *MeetingPage) error

// ForEachPage walks every page starting at opts.Cursor, pausing PageDelay between pages.
// It returns the number of pages handed to fn.
func (c *Client) ForEachPage(ctx context.Context, opts ListOptions, fn PageFunc) (int, error) {
	pages := 0
	for {
		page, err := c.ListMeetings(ctx, opts)
		if err != nil {
			return pages, fmt.Errorf("page %d: %w", pages+1, err)
		}
		pages++
		c.logger.Debug("Fetched meetings page",
			logging.F("page", pages),
			logging.F("items", len(page.Items)),
			logging.F("has_more", page.HasMore()),
		)
		if err := fn(ctx, page); err != nil {
			return pages, err
		}
		if !page.HasMore() {
			return pages, nil
		}
		opts.Cursor = page.NextCursor
		if err := c.sleep(ctx, c.cfg.PageDelay); err != nil {
			return pages, err
		}
	}
}

// PingResult describes a successful connectivity check.
type PingResult struct {
	Latency        time.Duration `json:"latency"`
	SampleMeetings int           `json:"sample_meetings"`
	HasMore        bool          `json:"has_more"`
}

// Ping requests a single meeting without transcripts to verify the key and endpoint.
func (c *Client) Ping(ctx context.Context) (*PingResult, error) {
	start := c.now()
	page, err := c.ListMeetings(ctx, ListOptions{Limit: 1, ExcludeTranscript: true})
	if err != nil {
		return nil, err
	}
	return &PingResult{
		Latency:        c.now().Sub(start),
		SampleMeetings: len(page.Items),
		HasMore:        page.NextCursor != "",
	}, nil
}

func (c *Client) get(ctx context.Context, endpoint string, q url.Values, out interface{}) error {
	target := c.cfg.BaseURL + endpoint
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	for attempt := 0; ; attempt++ {
		if err := c.acquire(ctx); err != nil {
			return err
		}

		err := c.do(ctx, endpoint, target, out)
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Status != http.StatusTooManyRequests || attempt >= c.cfg.MaxRetries {
			return err
		}

		wait := apiErr.RetryAfter
		if wait <= 0 {
			wait = c.cfg.Window
		}
		c.logger.Warn("Fathom rate limit hit, backing off",
			logging.F("attempt", attempt+1),
			logging.F("wait", wait),
		)
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (c *Client) do(ctx context.Context, endpoint, target string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", buildinfo.UserAgent())

	start := c.now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.observe(endpoint, 0, start)
		return fmt.Errorf("request %s failed: %w", endpoint, err)
	}
	defer resp.Body.Close()
	c.observe(endpoint, resp.StatusCode, start)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{
			Status:     resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	return nil
}

func (c *Client) observe(endpoint string, status int, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveFathomRequest(endpoint, status, c.now().Sub(start))
	}
}

// acquire reserves one request from the window budget, waiting for the next window
// when the budget is spent.
func (c *Client) acquire(ctx context.Context) error {
	for {
		c.mu.Lock()
		now := c.now()
		if c.windowStart.IsZero() || now.Sub(c.windowStart) >= c.cfg.Window {
			c.windowStart = now
			c.requests = 0
		}
		if c.requests < c.cfg.RequestsPerWindow {
			c.requests++
			c.mu.Unlock()
			return nil
		}
		wait := c.cfg.Window - now.Sub(c.windowStart)
		c.mu.Unlock()

		c.logger.Info("Fathom request budget spent, waiting for next window",
			logging.F("wait", wait),
			logging.F("budget", c.cfg.RequestsPerWindow),
		)
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func filterByDomain(items []Meeting, domain string) []Meeting {
	domain = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(domain), "@"))
	out := items[:0]
	for _, m := range items {
		for _, inv := range m.CalendarInvitees {
			if strings.HasSuffix(strings.ToLower(inv.Email), "@"+domain) {
				out = append(out, m)
				break
			}
		}
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
