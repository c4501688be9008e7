package api

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/otherjamesbrown/fathom-transcripts/pkg/export"
	pferrors "github.com/otherjamesbrown/fathom-transcripts/pkg/errors"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/ingest/storage"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/transcript"
)

// maxExportIDs bounds concatenate and journey requests.
const maxExportIDs = 500

type searchFunc func(ctx context.Context, q string, opts storage.SearchOptions) ([]storage.MeetingSummary, error)

func (s *Server) searcher(kind string) searchFunc {
	switch kind {
	case "email":
		return s.deps.Store.SearchByEmail
	case "domain":
		return s.deps.Store.SearchByDomain
	default:
		return s.deps.Store.SearchByCompany
	}
}

func (s *Server) handleSearch(kind string) fiber.Handler {
	search := s.searcher(kind)
	label := "Failed to search by " + kind
	return func(c *fiber.Ctx) error {
		q := strings.TrimSpace(c.Query("q"))
		if q == "" {
			return fail(c, fiber.StatusBadRequest, label, "query parameter q is required")
		}
		limit, err := parseLimit(c.Query("limit"))
		if err != nil {
			return fail(c, fiber.StatusBadRequest, label, err.Error())
		}

		results, err := search(c.UserContext(), q, storage.SearchOptions{Limit: limit})
		if err != nil {
			return failed(label, err)
		}
		if results == nil {
			results = []storage.MeetingSummary{}
		}
		return c.JSON(fiber.Map{"success": true, "data": results, "count": len(results)})
	}
}

func parseLimit(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("limit must be a non-negative integer")
	}
	return n, nil
}

func (s *Server) handleDomains(c *fiber.Ctx) error {
	domains, err := s.deps.Store.ListDomains(c.UserContext())
	if err != nil {
		return failed("Failed to fetch domains", err)
	}
	if domains == nil {
		domains = []storage.DomainCount{}
	}
	return c.JSON(fiber.Map{"success": true, "data": domains, "count": len(domains)})
}

// TranscriptView is the body of GET /api/transcripts/:id.
type TranscriptView struct {
	*storage.MeetingDetail
	Utterances        []transcript.Utterance `json:"utterances"`
	FormattedDuration string                 `json:"formatted_duration"`
	PrimaryDomain     string                 `json:"primary_domain,omitempty"`
}

func (s *Server) meetingParam(c *fiber.Ctx) (*storage.MeetingDetail, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return nil, fmt.Errorf("invalid transcript id %q: %w", c.Params("id"), pferrors.ErrValidation)
	}
	return s.deps.Store.GetMeeting(c.UserContext(), id)
}

func (s *Server) handleTranscript(c *fiber.Ctx) error {
	d, err := s.meetingParam(c)
	if pferrors.IsNotFound(err) {
		return fail(c, fiber.StatusNotFound, "Transcript not found", "")
	}
	if err != nil {
		return failed("Failed to fetch transcript", err)
	}
	return c.JSON(fiber.Map{"success": true, "data": TranscriptView{
		MeetingDetail:     d,
		Utterances:        s.deps.Exporter.Utterances(d),
		FormattedDuration: export.FormatDurationPtr(d.Duration),
		PrimaryDomain:     d.PrimaryDomain(),
	}})
}

func (s *Server) handleDownload(c *fiber.Ctx) error {
	d, err := s.meetingParam(c)
	if pferrors.IsNotFound(err) {
		return fail(c, fiber.StatusNotFound, "Transcript not found", "")
	}
	if err != nil {
		return failed("Failed to download transcript", err)
	}
	return sendDocument(c, s.deps.Exporter.Single(d))
}

type idsRequest struct {
	TranscriptIDs []int64 `json:"transcriptIds"`
}

func (s *Server) loadSelection(c *fiber.Ctx, label string) ([]*storage.MeetingDetail, error) {
	var req idsRequest
	if err := c.BodyParser(&req); err != nil {
		return nil, failed(label, fmt.Errorf("invalid JSON body: %w", pferrors.ErrValidation))
	}
	if len(req.TranscriptIDs) == 0 {
		return nil, failed("transcriptIds array is required", pferrors.ErrValidation)
	}
	if len(req.TranscriptIDs) > maxExportIDs {
		return nil, failed(label, fmt.Errorf("at most %d transcripts can be exported at once: %w",
			maxExportIDs, pferrors.ErrValidation))
	}
	details, err := s.deps.Store.GetMeetings(c.UserContext(), req.TranscriptIDs)
	if err != nil {
		return nil, failed(label, err)
	}
	return details, nil
}

func (s *Server) handleConcatenate(c *fiber.Ctx) error {
	const label = "Failed to concatenate transcripts"
	details, err := s.loadSelection(c, label)
	if err != nil {
		return err
	}
	doc, err := s.deps.Exporter.Concatenate(details)
	if err != nil {
		return failed(label, err)
	}
	return c.JSON(fiber.Map{"success": true, "data": fiber.Map{
		"text":     doc.Content,
		"count":    len(details),
		"filename": doc.Filename,
	}})
}

func (s *Server) handleJourney(c *fiber.Ctx) error {
	const label = "Failed to build transcript journey"
	details, err := s.loadSelection(c, label)
	if err != nil {
		return err
	}
	doc, err := s.deps.Exporter.Journey(details)
	if err != nil {
		return failed(label, err)
	}
	return sendDocument(c, doc)
}

func sendDocument(c *fiber.Ctx, doc export.Document) error {
	c.Set(fiber.HeaderContentType, export.ContentType)
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="%s"`, doc.Filename))
	return c.SendString(doc.Content)
}

func (s *Server) handleDashboard(c *fiber.Ctx) error {
	m, err := s.deps.Store.DashboardMetrics(c.UserContext())
	if err != nil {
		return failed("Failed to load dashboard", err)
	}
	return c.JSON(fiber.Map{"success": true, "data": m})
}
