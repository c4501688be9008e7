// Package api serves the transcript manager's HTTP API with fiber.
package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/otherjamesbrown/fathom-transcripts/pkg/buildinfo"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/export"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/fathom"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/ingest/batch"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/ingest/repair"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/ingest/storage"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/logging"
)

// Realm is sent in WWW-Authenticate challenges.
const Realm = "Fathom Transcript Manager"

// Defaults applied by New when Config leaves them zero.
const (
	DefaultRateLimit  = 100
	DefaultRateWindow = 15 * time.Minute
	DefaultBodyLimit  = 10 * 1024 * 1024
)

// TranscriptStore reads stored meetings. *storage.Repository implements it.
type TranscriptStore interface {
	SearchByEmail(ctx context.Context, email string, opts storage.SearchOptions) ([]storage.MeetingSummary, error)
	SearchByDomain(ctx context.Context, domain string, opts storage.SearchOptions) ([]storage.MeetingSummary, error)
	SearchByCompany(ctx context.Context, term string, opts storage.SearchOptions) ([]storage.MeetingSummary, error)
	ListDomains(ctx context.Context) ([]storage.DomainCount, error)
	GetMeeting(ctx context.Context, id int64) (*storage.MeetingDetail, error)
	GetMeetings(ctx context.Context, ids []int64) ([]*storage.MeetingDetail, error)
	DashboardMetrics(ctx context.Context) (*storage.DashboardMetrics, error)
	Stats(ctx context.Context) (*storage.Stats, error)
	LatestSyncRun(ctx context.Context) (*storage.SyncRun, error)
}

// SyncController starts syncs. *batch.Scheduler implements it.
type SyncController interface {
	TryRun(ctx context.Context, opts batch.RunOptions) (*batch.SyncResult, error)
	Trigger(ctx context.Context, opts batch.RunOptions) error
	Running() bool
}

// ProgressSource exposes the live progress of the current run. *batch.Processor
// implements it.
type ProgressSource interface {
	Progress() *batch.Progress
}

// FathomPinger checks API connectivity. *fathom.Client implements it.
type FathomPinger interface {
	Ping(ctx context.Context) (*fathom.PingResult, error)
}

// DurationRepairer runs a duration repair pass. *repair.Repairer implements it.
type DurationRepairer interface {
	Run(ctx context.Context, cfg repair.Config) (*repair.Result, error)
}

// Config configures the server.
type Config struct {
	// AllowedDomains are the email domains accepted as basic-auth usernames.
	AllowedDomains []string
	// PasswordHash is a bcrypt hash; Password is compared in constant time when no hash
	// is set.
	PasswordHash string
	Password     string

	RateLimit   int
	RateWindow  time.Duration
	CORSOrigins []string
}

// Deps are the services behind the routes. Sync, Progress, Fathom and Repair may be nil;
// their routes then answer 503.
type Deps struct {
	Store    TranscriptStore
	Sync     SyncController
	Progress ProgressSource
	Fathom   FathomPinger
	Repair   DurationRepairer
	Exporter *export.Exporter
	Hub      *Hub
	Gatherer prometheus.Gatherer
}

// Server is the HTTP API.
type Server struct {
	app     *fiber.App
	cfg     Config
	deps    Deps
	auth    *authenticator
	logger  logging.Logger
	started time.Time
	// baseCtx outlives requests; background syncs run under it.
	baseCtx context.Context
	now     func() time.Time
}

// New builds the fiber app and registers every route. baseCtx bounds background syncs
// started through the API.
func New(baseCtx context.Context, cfg Config, deps Deps, logger logging.Logger) (*Server, error) {
	if deps.Store == nil {
		return nil, errors.New("api: transcript store is required")
	}
	auth, err := newAuthenticator(cfg.AllowedDomains, cfg.PasswordHash, cfg.Password)
	if err != nil {
		return nil, err
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = DefaultRateWindow
	}
	if deps.Exporter == nil {
		deps.Exporter = export.New()
	}
	if deps.Hub == nil {
		deps.Hub = NewHub(logger)
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		auth:    auth,
		logger:  logger.With(logging.F("component", "http_api")),
		started: time.Now(),
		baseCtx: baseCtx,
		now:     time.Now,
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "ftm " + buildinfo.Get().Version,
		BodyLimit:             DefaultBodyLimit,
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	s.middleware()
	s.routes()
	return s, nil
}

// App exposes the fiber app, mainly for app.Test.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	s.logger.Info("HTTP server listening", logging.F("address", addr), logging.F("build", buildinfo.Get().String()))
	if err := s.app.Listen(addr); err != nil {
		return fmt.Errorf("failed to serve http: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.deps.Hub.Close()
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) middleware() {
	s.app.Use(recover.New())
	s.app.Use(requestid.New())
	s.app.Use(s.requestLogger())
	s.app.Use(helmet.New())

	corsCfg := cors.Config{AllowOrigins: "*"}
	if len(s.cfg.CORSOrigins) > 0 {
		corsCfg.AllowOrigins = strings.Join(s.cfg.CORSOrigins, ",")
		corsCfg.AllowCredentials = true
	}
	s.app.Use(cors.New(corsCfg))

	s.app.Use(limiter.New(limiter.Config{
		Max:        s.cfg.RateLimit,
		Expiration: s.cfg.RateWindow,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return fail(c, fiber.StatusTooManyRequests, "Too Many Requests",
				"Too many requests from this IP, please try again later.")
		},
	}))

	s.app.Use(s.auth.middleware())
}

func (s *Server) routes() {
	s.app.Get("/health", s.handleHealth)
	s.app.Get("/version", adaptor.HTTPHandlerFunc(buildinfo.Handler()))
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))

	api := s.app.Group("/api")

	tr := api.Group("/transcripts")
	tr.Get("/search/email", s.handleSearch("email"))
	tr.Get("/search/domain", s.handleSearch("domain"))
	tr.Get("/search/company", s.handleSearch("company"))
	tr.Get("/domains", s.handleDomains)
	tr.Post("/concatenate", s.handleConcatenate)
	tr.Post("/journey", s.handleJourney)
	tr.Get("/:id/download", s.handleDownload)
	tr.Get("/:id", s.handleTranscript)

	api.Get("/dashboard", s.handleDashboard)

	sy := api.Group("/sync")
	sy.Post("/meetings", s.handleSync(batch.ModeIncremental))
	sy.Post("/meetings/full", s.handleSync(batch.ModeFull))
	sy.Get("/status", s.handleSyncStatus)
	sy.Get("/test-fathom", s.handleTestFathom)
	sy.Post("/fix-durations", s.handleFixDurations)

	s.app.Use("/ws", requireUpgrade)
	s.app.Get("/ws/sync", s.deps.Hub.Handler(s.deps.Progress))

	s.app.Use(func(c *fiber.Ctx) error {
		return fail(c, fiber.StatusNotFound, "Not Found",
			fmt.Sprintf("Route %s %s not found", c.Method(), c.Path()))
	})
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"timestamp": s.now().UTC().Format(time.RFC3339Nano),
		"uptime":    time.Since(s.started).Seconds(),
	})
}
