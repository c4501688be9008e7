package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/otherjamesbrown/fathom-transcripts/pkg/duration"
	pferrors "github.com/otherjamesbrown/fathom-transcripts/pkg/errors"
)

// DurationCandidate is a stored meeting whose duration may need repair.
type DurationCandidate struct {
	ID               int64
	FathomID         string
	Title            string
	Duration         *int
	DurationMethod   string
	ExplicitDuration *int
	ScheduledStart   *time.Time
	ScheduledEnd     *time.Time
	RecordingStart   *time.Time
	RecordingEnd     *time.Time
	Transcript       string
}

// Sources returns the stored duration signals.
func (c *DurationCandidate) Sources() duration.Sources {
	src := duration.Sources{
		ExplicitSeconds: c.ExplicitDuration,
		ScheduledStart:  c.ScheduledStart,
		ScheduledEnd:    c.ScheduledEnd,
		RecordingStart:  c.RecordingStart,
		RecordingEnd:    c.RecordingEnd,
	}
	if c.Transcript != "" {
		src.Transcript = c.Transcript
	}
	return src
}

// Suspicious reports whether the stored duration is one of duration.SuspiciousValues.
func (c *DurationCandidate) Suspicious() bool {
	return c.Duration != nil && duration.IsSuspicious(*c.Duration)
}

// ListDurationCandidates returns meetings with no stored duration and, when
// includeSuspicious is set, meetings whose duration is a round calendar-slot value.
func (r *Repository) ListDurationCandidates(ctx context.Context, includeSuspicious bool, limit int) ([]DurationCandidate, error) {
	args := []interface{}{includeSuspicious, duration.SuspiciousValues}
	query := `
		SELECT id, fathom_meeting_id, COALESCE(title, ''), duration, COALESCE(duration_method, ''),
		       explicit_duration, scheduled_start, scheduled_end, recording_start, recording_end,
		       COALESCE(transcript, '')
		FROM meetings
		WHERE duration IS NULL OR ($1 AND duration = ANY($2))
		ORDER BY start_time DESC NULLS LAST, id DESC`
	if limit > 0 {
		args = append(args, limit)
		query += " LIMIT $3"
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list duration candidates: %w", err)
	}
	defer rows.Close()

	candidates := []DurationCandidate{}
	for rows.Next() {
		var c DurationCandidate
		if err := rows.Scan(
			&c.ID,
			&c.FathomID,
			&c.Title,
			&c.Duration,
			&c.DurationMethod,
			&c.ExplicitDuration,
			&c.ScheduledStart,
			&c.ScheduledEnd,
			&c.RecordingStart,
			&c.RecordingEnd,
			&c.Transcript,
		); err != nil {
			return nil, fmt.Errorf("failed to scan duration candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating duration candidates: %w", err)
	}
	return candidates, nil
}

// UpdateDuration stores a resolved duration and its method.
func (r *Repository) UpdateDuration(ctx context.Context, id int64, res duration.Result) error {
	if !res.Known() {
		return fmt.Errorf("refusing to store unknown duration for meeting %d: %w", id, pferrors.ErrValidation)
	}
	result, err := r.pool.Exec(ctx, `
		UPDATE meetings
		SET duration = $2, duration_method = $3, updated_at = NOW()
		WHERE id = $1
	`, id, res.Seconds, string(res.Method))
	if err != nil {
		return fmt.Errorf("failed to update duration for meeting %d: %w", id, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("meeting %d: %w", id, pferrors.ErrNotFound)
	}
	return nil
}
