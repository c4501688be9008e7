// Package storage provides database operations for synced meetings, sync runs and
// duration repair.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	pferrors "github.com/otherjamesbrown/fathom-transcripts/pkg/errors"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/ingest/meeting"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/logging"
)

// MeetingSummary is a meeting as listed in search results.
type MeetingSummary struct {
	ID             int64      `json:"id" yaml:"id"`
	FathomID       string     `json:"fathom_id" yaml:"fathom_id"`
	Title          string     `json:"title" yaml:"title"`
	StartTime      *time.Time `json:"start_time,omitempty" yaml:"start_time,omitempty"`
	Duration       *int       `json:"duration,omitempty" yaml:"duration,omitempty"`
	DurationMethod string     `json:"duration_method,omitempty" yaml:"duration_method,omitempty"`
	Transcript     string     `json:"transcript,omitempty" yaml:"-"`
	Summary        string     `json:"summary,omitempty" yaml:"summary,omitempty"`
	// Participants are rendered as "name (email)".
	Participants []string `json:"participants" yaml:"participants"`
}

// MeetingDetail is a single stored meeting with its participants.
type MeetingDetail struct {
	MeetingSummary `yaml:",inline"`

	EndTime          *time.Time            `json:"end_time,omitempty" yaml:"end_time,omitempty"`
	ScheduledStart   *time.Time            `json:"scheduled_start,omitempty" yaml:"scheduled_start,omitempty"`
	ScheduledEnd     *time.Time            `json:"scheduled_end,omitempty" yaml:"scheduled_end,omitempty"`
	RecordingStart   *time.Time            `json:"recording_start,omitempty" yaml:"recording_start,omitempty"`
	RecordingEnd     *time.Time            `json:"recording_end,omitempty" yaml:"recording_end,omitempty"`
	ExplicitDuration *int                  `json:"explicit_duration,omitempty" yaml:"explicit_duration,omitempty"`
	RecordingURL     string                `json:"recording_url,omitempty" yaml:"recording_url,omitempty"`
	Attendees        []meeting.Participant `json:"attendees" yaml:"attendees"`
	Domains          []string              `json:"domains" yaml:"domains"`
	CreatedAt        time.Time             `json:"created_at" yaml:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at" yaml:"updated_at"`
}

// DomainCount is a participant domain and the number of meetings it appears in.
type DomainCount struct {
	Domain       string `json:"domain" yaml:"domain"`
	MeetingCount int64  `json:"meeting_count" yaml:"meeting_count"`
}

// UpsertResult reports the stored row for an upserted meeting.
type UpsertResult struct {
	ID      int64
	Created bool
}

// SearchOptions limits search results. A non-positive Limit returns every match.
type SearchOptions struct {
	Limit int
}

// Repository provides database operations for meetings.
type Repository struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewRepository creates a new meeting repository.
func NewRepository(pool *pgxpool.Pool, logger logging.Logger) *Repository {
	return &Repository{
		pool:   pool,
		logger: logger.With(logging.F("component", "meeting_repository")),
	}
}

// UpsertMeeting inserts or updates a meeting by Fathom ID and replaces its participants,
// all in one transaction.
func (r *Repository) UpsertMeeting(ctx context.Context, rec *meeting.Record) (*UpsertResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) // nolint: errcheck

	var durationSecs *int
	var method *string
	if rec.Duration.Known() {
		secs := rec.Duration.Seconds
		m := string(rec.Duration.Method)
		durationSecs, method = &secs, &m
	}

	query := `
		INSERT INTO meetings (
			fathom_meeting_id, title, start_time, end_time,
			scheduled_start, scheduled_end, recording_start, recording_end,
			explicit_duration, duration, duration_method,
			recording_url, transcript, summary, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11,
			$12, $13, $14, NOW(), NOW()
		)
		ON CONFLICT (fathom_meeting_id) DO UPDATE SET
			title = EXCLUDED.title,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			scheduled_start = EXCLUDED.scheduled_start,
			scheduled_end = EXCLUDED.scheduled_end,
			recording_start = EXCLUDED.recording_start,
			recording_end = EXCLUDED.recording_end,
			explicit_duration = EXCLUDED.explicit_duration,
			duration = EXCLUDED.duration,
			duration_method = EXCLUDED.duration_method,
			recording_url = EXCLUDED.recording_url,
			transcript = EXCLUDED.transcript,
			summary = EXCLUDED.summary,
			updated_at = NOW()
		RETURNING id, (xmax = 0) AS inserted
	`

	var result UpsertResult
	err = tx.QueryRow(ctx, query,
		rec.FathomID,
		nullString(rec.Title),
		rec.StartTime,
		rec.EndTime,
		rec.ScheduledStart,
		rec.ScheduledEnd,
		rec.RecordingStart,
		rec.RecordingEnd,
		rec.ExplicitDuration,
		durationSecs,
		method,
		nullString(rec.RecordingURL),
		nullString(rec.Transcript),
		nullString(rec.Summary),
	).Scan(&result.ID, &result.Created)
	if err != nil {
		r.logger.Error("Failed to upsert meeting",
			logging.Err(err),
			logging.F("fathom_id", rec.FathomID))
		return nil, fmt.Errorf("failed to upsert meeting %s: %w", rec.FathomID, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM meeting_participants WHERE meeting_id = $1`, result.ID); err != nil {
		return nil, fmt.Errorf("failed to clear participants for meeting %d: %w", result.ID, err)
	}

	if len(rec.Participants) > 0 {
		batch := &pgx.Batch{}
		for _, p := range rec.Participants {
			batch.Queue(`
				INSERT INTO meeting_participants (meeting_id, name, email, domain, is_host)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (meeting_id, email) DO UPDATE SET
					name = EXCLUDED.name,
					domain = EXCLUDED.domain,
					is_host = EXCLUDED.is_host
			`, result.ID, nullString(p.Name), nullString(p.Email), nullString(p.Domain), p.IsHost)
		}
		br := tx.SendBatch(ctx, batch)
		for range rec.Participants {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return nil, fmt.Errorf("failed to insert participants for meeting %d: %w", result.ID, err)
			}
		}
		if err := br.Close(); err != nil {
			return nil, fmt.Errorf("failed to insert participants for meeting %d: %w", result.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit meeting %s: %w", rec.FathomID, err)
	}

	r.logger.Debug("Meeting upserted",
		logging.F("id", result.ID),
		logging.F("fathom_id", rec.FathomID),
		logging.F("created", result.Created),
		logging.F("participants", len(rec.Participants)))

	return &result, nil
}

// participantLabel renders "name (email)", or whichever half is present.
const participantLabel = `
	CASE
		WHEN COALESCE(mp.name, '') = '' THEN mp.email
		WHEN COALESCE(mp.email, '') = '' THEN mp.name
		ELSE mp.name || ' (' || mp.email || ')'
	END`

const summarySelect = `
	SELECT
		m.id, m.fathom_meeting_id, COALESCE(m.title, ''), m.start_time,
		m.duration, COALESCE(m.duration_method, ''),
		COALESCE(m.transcript, ''), COALESCE(m.summary, ''),
		COALESCE(ARRAY_AGG(DISTINCT ` + participantLabel + `) FILTER (WHERE mp.id IS NOT NULL), ARRAY[]::text[])
	FROM meetings m
	LEFT JOIN meeting_participants mp ON mp.meeting_id = m.id
`

// SearchByEmail returns meetings with a participant at exactly this address.
func (r *Repository) SearchByEmail(ctx context.Context, email string, opts SearchOptions) ([]MeetingSummary, error) {
	email = meeting.FoldEmail(email)
	if email == "" {
		return nil, fmt.Errorf("email is required: %w", pferrors.ErrValidation)
	}
	return r.search(ctx, "by email",
		`m.id IN (SELECT meeting_id FROM meeting_participants WHERE email = $1)`,
		[]interface{}{email}, opts)
}

// SearchByDomain returns meetings with a participant at this email domain.
func (r *Repository) SearchByDomain(ctx context.Context, domain string, opts SearchOptions) ([]MeetingSummary, error) {
	domain = meeting.FoldDomain(domain)
	if domain == "" {
		return nil, fmt.Errorf("domain is required: %w", pferrors.ErrValidation)
	}
	return r.search(ctx, "by domain",
		`m.id IN (SELECT meeting_id FROM meeting_participants WHERE domain = $1)`,
		[]interface{}{domain}, opts)
}

// SearchByCompany matches term case-insensitively against the meeting title and the
// participants' names, emails and domains.
func (r *Repository) SearchByCompany(ctx context.Context, term string, opts SearchOptions) ([]MeetingSummary, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, fmt.Errorf("company is required: %w", pferrors.ErrValidation)
	}
	return r.search(ctx, "by company", `
		m.title ILIKE $1 OR m.id IN (
			SELECT meeting_id FROM meeting_participants
			WHERE name ILIKE $1 OR email ILIKE $1 OR domain ILIKE $1
		)`,
		[]interface{}{likePattern(term)}, opts)
}

func (r *Repository) search(ctx context.Context, kind, where string, args []interface{}, opts SearchOptions) ([]MeetingSummary, error) {
	query := summarySelect + " WHERE " + where + `
		GROUP BY m.id
		ORDER BY m.start_time DESC NULLS LAST, m.id DESC`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search meetings %s: %w", kind, err)
	}
	defer rows.Close()

	results := []MeetingSummary{}
	for rows.Next() {
		var s MeetingSummary
		if err := scanSummary(rows, &s); err != nil {
			return nil, fmt.Errorf("failed to scan meeting: %w", err)
		}
		results = append(results, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating meetings: %w", err)
	}
	return results, nil
}

func scanSummary(row pgx.Row, s *MeetingSummary) error {
	return row.Scan(
		&s.ID,
		&s.FathomID,
		&s.Title,
		&s.StartTime,
		&s.Duration,
		&s.DurationMethod,
		&s.Transcript,
		&s.Summary,
		&s.Participants,
	)
}

// ListDomains returns every participant domain with the number of meetings it appears
// in, most frequent first.
func (r *Repository) ListDomains(ctx context.Context) ([]DomainCount, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT domain, COUNT(DISTINCT meeting_id) AS meeting_count
		FROM meeting_participants
		WHERE domain IS NOT NULL AND domain <> ''
		GROUP BY domain
		ORDER BY meeting_count DESC, domain
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}
	defer rows.Close()

	domains := []DomainCount{}
	for rows.Next() {
		var d DomainCount
		if err := rows.Scan(&d.Domain, &d.MeetingCount); err != nil {
			return nil, fmt.Errorf("failed to scan domain: %w", err)
		}
		domains = append(domains, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating domains: %w", err)
	}
	return domains, nil
}

const detailSelect = `
	SELECT
		m.id, m.fathom_meeting_id, COALESCE(m.title, ''), m.start_time,
		m.duration, COALESCE(m.duration_method, ''),
		COALESCE(m.transcript, ''), COALESCE(m.summary, ''),
		m.end_time, m.scheduled_start, m.scheduled_end, m.recording_start, m.recording_end,
		m.explicit_duration, COALESCE(m.recording_url, ''), m.created_at, m.updated_at
	FROM meetings m
`

func scanDetail(row pgx.Row, d *MeetingDetail) error {
	return row.Scan(
		&d.ID,
		&d.FathomID,
		&d.Title,
		&d.StartTime,
		&d.Duration,
		&d.DurationMethod,
		&d.Transcript,
		&d.Summary,
		&d.EndTime,
		&d.ScheduledStart,
		&d.ScheduledEnd,
		&d.RecordingStart,
		&d.RecordingEnd,
		&d.ExplicitDuration,
		&d.RecordingURL,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
}

// GetMeeting returns one meeting by local ID. It wraps pferrors.ErrNotFound when the
// meeting does not exist.
func (r *Repository) GetMeeting(ctx context.Context, id int64) (*MeetingDetail, error) {
	d := &MeetingDetail{}
	err := scanDetail(r.pool.QueryRow(ctx, detailSelect+" WHERE m.id = $1", id), d)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("meeting %d: %w", id, pferrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get meeting %d: %w", id, err)
	}

	participants, err := r.loadParticipants(ctx, []int64{id})
	if err != nil {
		return nil, err
	}
	d.setAttendees(participants[id])
	return d, nil
}

// GetMeetings returns the meetings with the given IDs, oldest first. Unknown IDs are
// ignored.
func (r *Repository) GetMeetings(ctx context.Context, ids []int64) ([]*MeetingDetail, error) {
	if len(ids) == 0 {
		return []*MeetingDetail{}, nil
	}

	rows, err := r.pool.Query(ctx, detailSelect+`
		WHERE m.id = ANY($1)
		ORDER BY m.start_time ASC NULLS LAST, m.id ASC`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get meetings: %w", err)
	}
	defer rows.Close()

	details := []*MeetingDetail{}
	for rows.Next() {
		d := &MeetingDetail{}
		if err := scanDetail(rows, d); err != nil {
			return nil, fmt.Errorf("failed to scan meeting: %w", err)
		}
		details = append(details, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating meetings: %w", err)
	}

	participants, err := r.loadParticipants(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, d := range details {
		d.setAttendees(participants[d.ID])
	}
	return details, nil
}

func (r *Repository) loadParticipants(ctx context.Context, ids []int64) (map[int64][]meeting.Participant, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT meeting_id, COALESCE(name, ''), COALESCE(email, ''), COALESCE(domain, ''), is_host
		FROM meeting_participants
		WHERE meeting_id = ANY($1)
		ORDER BY meeting_id, is_host DESC, id
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load participants: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]meeting.Participant, len(ids))
	for rows.Next() {
		var id int64
		var p meeting.Participant
		if err := rows.Scan(&id, &p.Name, &p.Email, &p.Domain, &p.IsHost); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		out[id] = append(out[id], p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating participants: %w", err)
	}
	return out, nil
}

func (d *MeetingDetail) setAttendees(ps []meeting.Participant) {
	d.Attendees = []meeting.Participant{}
	d.Participants = []string{}
	d.Domains = []string{}
	seen := map[string]bool{}
	for _, p := range ps {
		d.Attendees = append(d.Attendees, p)
		d.Participants = append(d.Participants, p.Label())
		if p.Domain != "" && !seen[p.Domain] {
			seen[p.Domain] = true
			d.Domains = append(d.Domains, p.Domain)
		}
	}
}

// PrimaryDomain returns the first domain among the meeting's external participants,
// falling back to any participant domain, or "".
func (d *MeetingDetail) PrimaryDomain() string {
	for _, p := range d.Attendees {
		if !p.IsHost && p.Domain != "" {
			return p.Domain
		}
	}
	if len(d.Domains) > 0 {
		return d.Domains[0]
	}
	return ""
}

// likePattern wraps term for ILIKE, escaping the pattern metacharacters.
func likePattern(term string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(term) + "%"
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
