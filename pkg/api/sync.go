package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	pferrors "github.com/otherjamesbrown/fathom-transcripts/pkg/errors"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/ingest/batch"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/ingest/repair"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/ingest/storage"
)

var errUnavailable = fiber.NewError(fiber.StatusServiceUnavailable, "Service Unavailable")

type syncRequest struct {
	DryRun bool `json:"dryRun"`
	Async  bool `json:"async"`
}

func (s *Server) handleSync(mode batch.Mode) fiber.Handler {
	message := "Meetings synced successfully"
	if mode == batch.ModeFull {
		message = "Full sync completed successfully"
	}
	return func(c *fiber.Ctx) error {
		if s.deps.Sync == nil {
			return failed("Failed to sync meetings", errUnavailable)
		}
		var req syncRequest
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return failed("Failed to sync meetings", fmt.Errorf("invalid JSON body: %w", pferrors.ErrValidation))
			}
		}
		req.Async = req.Async || c.QueryBool("async")
		opts := batch.RunOptions{Mode: mode, DryRun: req.DryRun}

		if req.Async {
			if err := s.deps.Sync.Trigger(s.baseCtx, opts); err != nil {
				return syncFailure(err)
			}
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
				"success": true,
				"message": "Sync started",
				"data":    fiber.Map{"mode": mode, "dryRun": req.DryRun},
			})
		}

		result, err := s.deps.Sync.TryRun(c.UserContext(), opts)
		if err != nil {
			return syncFailure(err)
		}
		return c.JSON(fiber.Map{"success": true, "message": message, "data": result})
	}
}

func syncFailure(err error) error {
	if errors.Is(err, batch.ErrSyncInProgress) {
		return failed("Sync already in progress", err)
	}
	return failed("Failed to sync meetings", err)
}

// SyncStatus is the body of GET /api/sync/status.
type SyncStatus struct {
	Meetings      int64                   `json:"meetings"`
	Participants  int64                   `json:"participants"`
	UniqueDomains int64                   `json:"uniqueDomains"`
	Running       bool                    `json:"running"`
	LastSync      *storage.SyncRun        `json:"lastSync,omitempty"`
	Progress      *batch.ProgressSnapshot `json:"progress,omitempty"`
}

func (s *Server) handleSyncStatus(c *fiber.Ctx) error {
	const label = "Failed to get sync status"
	ctx := c.UserContext()

	stats, err := s.deps.Store.Stats(ctx)
	if err != nil {
		return failed(label, err)
	}
	status := SyncStatus{
		Meetings:      stats.Meetings,
		Participants:  stats.Participants,
		UniqueDomains: stats.UniqueDomains,
	}

	run, err := s.deps.Store.LatestSyncRun(ctx)
	switch {
	case err == nil:
		status.LastSync = run
	case !pferrors.IsNotFound(err):
		return failed(label, err)
	}

	if s.deps.Sync != nil {
		status.Running = s.deps.Sync.Running()
	}
	if s.deps.Progress != nil {
		if p := s.deps.Progress.Progress(); p != nil {
			snap := p.Snapshot()
			status.Progress = &snap
		}
	}
	return c.JSON(fiber.Map{"success": true, "data": status})
}

func (s *Server) handleTestFathom(c *fiber.Ctx) error {
	if s.deps.Fathom == nil {
		return failed("Fathom API connectivity test failed", errUnavailable)
	}
	res, err := s.deps.Fathom.Ping(c.UserContext())
	ts := s.now().UTC().Format(time.RFC3339Nano)
	if err != nil {
		return c.Status(statusForUpstream(err)).JSON(fiber.Map{
			"success": false,
			"error":   "Fathom API connectivity test failed",
			"message": err.Error(),
			"data":    fiber.Map{"apiWorking": false, "timestamp": ts},
		})
	}
	return c.JSON(fiber.Map{
		"success": true,
		"message": "Fathom API connectivity test successful",
		"data": fiber.Map{
			"meetingsFound": res.SampleMeetings,
			"apiWorking":    true,
			"latencyMs":     res.Latency.Milliseconds(),
			"timestamp":     ts,
		},
	})
}

// statusForUpstream maps a failed Fathom call onto a gateway status.
func statusForUpstream(err error) int {
	switch pferrors.ClassifyError(err, pferrors.StageFetch).Code {
	case pferrors.ErrUpstreamAuth, pferrors.ErrRateLimit, pferrors.ErrUpstreamUnavailable:
		return fiber.StatusBadGateway
	case pferrors.ErrTimeout:
		return fiber.StatusGatewayTimeout
	}
	return fiber.StatusInternalServerError
}

type fixDurationsRequest struct {
	IncludeSuspicious bool `json:"includeSuspicious"`
	DryRun            bool `json:"dryRun"`
	Limit             int  `json:"limit"`
}

func (s *Server) handleFixDurations(c *fiber.Ctx) error {
	const label = "Failed to fix durations"
	if s.deps.Repair == nil {
		return failed(label, errUnavailable)
	}
	var req fixDurationsRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return failed(label, fmt.Errorf("invalid JSON body: %w", pferrors.ErrValidation))
		}
	}
	if req.Limit < 0 {
		return failed(label, fmt.Errorf("limit must not be negative: %w", pferrors.ErrValidation))
	}

	res, err := s.deps.Repair.Run(c.UserContext(), repair.Config{
		IncludeSuspicious: req.IncludeSuspicious,
		DryRun:            req.DryRun,
		Limit:             req.Limit,
	})
	if err != nil {
		return failed(label, err)
	}

	message := fmt.Sprintf("Successfully updated %d meetings with calculated durations", res.Updated)
	switch {
	case res.Examined == 0:
		message = "No meetings need duration fixes"
	case res.DryRun:
		message = fmt.Sprintf("Dry run: %d meetings would be updated", res.Updated)
	}
	return c.JSON(fiber.Map{
		"success": true,
		"message": message,
		"data": fiber.Map{
			"updated":    res.Updated,
			"examined":   res.Examined,
			"unchanged":  res.Unchanged,
			"unresolved": res.Unresolved,
			"failed":     res.Failed,
			"dryRun":     res.DryRun,
			"changes":    res.Changes,
		},
	})
}
