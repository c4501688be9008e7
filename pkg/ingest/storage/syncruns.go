package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	pferrors "github.com/otherjamesbrown/fathom-transcripts/pkg/errors"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/logging"
)

// SyncRunStatus represents the state of a sync run.
type SyncRunStatus string

const (
	SyncRunStatusInProgress      SyncRunStatus = "in_progress"
	SyncRunStatusCompleted       SyncRunStatus = "completed"
	SyncRunStatusCompletedErrors SyncRunStatus = "completed_with_errors"
	SyncRunStatusFailed          SyncRunStatus = "failed"
	SyncRunStatusCancelled       SyncRunStatus = "cancelled"
)

// IsTerminal reports whether the run has finished.
func (s SyncRunStatus) IsTerminal() bool {
	return s != SyncRunStatusInProgress && s != ""
}

// SyncRun tracks one sync from Fathom.
// Matches the database schema: sync_runs table
type SyncRun struct {
	ID              uuid.UUID     `json:"id" yaml:"id"`
	Mode            string        `json:"mode" yaml:"mode"`
	Status          SyncRunStatus `json:"status" yaml:"status"`
	CreatedAfter    *time.Time    `json:"created_after,omitempty" yaml:"created_after,omitempty"`
	PagesFetched    int           `json:"pages_fetched" yaml:"pages_fetched"`
	MeetingsSeen    int           `json:"meetings_seen" yaml:"meetings_seen"`
	MeetingsCreated int           `json:"meetings_created" yaml:"meetings_created"`
	MeetingsUpdated int           `json:"meetings_updated" yaml:"meetings_updated"`
	MeetingsFailed  int           `json:"meetings_failed" yaml:"meetings_failed"`
	ErrorMessage    string        `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	StartedAt       time.Time     `json:"started_at" yaml:"started_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
}

// SyncErrorRecord is a classified failure for one meeting within a run.
// Matches the database schema: sync_errors table
type SyncErrorRecord struct {
	ID        int64              `json:"id" yaml:"id"`
	SyncRunID uuid.UUID          `json:"sync_run_id" yaml:"sync_run_id"`
	FathomID  string             `json:"fathom_id,omitempty" yaml:"fathom_id,omitempty"`
	Code      pferrors.ErrorCode `json:"error_code" yaml:"error_code"`
	Stage     string             `json:"stage,omitempty" yaml:"stage,omitempty"`
	Message   string             `json:"error_message" yaml:"error_message"`
	CreatedAt time.Time          `json:"created_at" yaml:"created_at"`
}

// CreateSyncRun inserts a new run. A zero ID or StartedAt is filled in.
func (r *Repository) CreateSyncRun(ctx context.Context, run *SyncRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = SyncRunStatusInProgress
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO sync_runs (id, mode, status, created_after, started_at)
		VALUES ($1, $2, $3, $4, $5)
	`, run.ID, run.Mode, run.Status, run.CreatedAfter, run.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create sync run: %w", err)
	}

	r.logger.Debug("Sync run created",
		logging.F("sync_run_id", run.ID.String()),
		logging.F("mode", run.Mode))
	return nil
}

// CompleteSyncRun stores the run's final status and counters.
func (r *Repository) CompleteSyncRun(ctx context.Context, run *SyncRun) error {
	now := time.Now().UTC()
	result, err := r.pool.Exec(ctx, `
		UPDATE sync_runs
		SET status = $2, pages_fetched = $3, meetings_seen = $4, meetings_created = $5,
		    meetings_updated = $6, meetings_failed = $7, error_message = $8, completed_at = $9
		WHERE id = $1
	`, run.ID, run.Status, run.PagesFetched, run.MeetingsSeen, run.MeetingsCreated,
		run.MeetingsUpdated, run.MeetingsFailed, nullString(run.ErrorMessage), now)
	if err != nil {
		return fmt.Errorf("failed to complete sync run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("sync run %s: %w", run.ID, pferrors.ErrNotFound)
	}
	run.CompletedAt = &now

	r.logger.Debug("Sync run completed",
		logging.F("sync_run_id", run.ID.String()),
		logging.F("status", string(run.Status)))
	return nil
}

// RecordSyncError stores a classified failure for one meeting.
func (r *Repository) RecordSyncError(ctx context.Context, runID uuid.UUID, fathomID string, se *pferrors.SyncError) error {
	if se == nil {
		return nil
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sync_errors (sync_run_id, fathom_meeting_id, error_code, stage, error_message)
		VALUES ($1, $2, $3, $4, $5)
	`, runID, nullString(fathomID), string(se.Code), nullString(se.Stage), se.Message)
	if err != nil {
		return fmt.Errorf("failed to record sync error: %w", err)
	}
	return nil
}

// GetSyncErrors returns the errors recorded for a run, oldest first.
func (r *Repository) GetSyncErrors(ctx context.Context, runID uuid.UUID, limit int) ([]SyncErrorRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, sync_run_id, COALESCE(fathom_meeting_id, ''), error_code, COALESCE(stage, ''),
		       error_message, created_at
		FROM sync_errors
		WHERE sync_run_id = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get sync errors: %w", err)
	}
	defer rows.Close()

	records := []SyncErrorRecord{}
	for rows.Next() {
		var e SyncErrorRecord
		if err := rows.Scan(&e.ID, &e.SyncRunID, &e.FathomID, &e.Code, &e.Stage, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync error: %w", err)
		}
		records = append(records, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync errors: %w", err)
	}
	return records, nil
}

const syncRunSelect = `
	SELECT id, mode, status, created_after, pages_fetched, meetings_seen, meetings_created,
	       meetings_updated, meetings_failed, COALESCE(error_message, ''), started_at, completed_at
	FROM sync_runs
`

func scanSyncRun(row pgx.Row) (*SyncRun, error) {
	run := &SyncRun{}
	err := row.Scan(
		&run.ID,
		&run.Mode,
		&run.Status,
		&run.CreatedAfter,
		&run.PagesFetched,
		&run.MeetingsSeen,
		&run.MeetingsCreated,
		&run.MeetingsUpdated,
		&run.MeetingsFailed,
		&run.ErrorMessage,
		&run.StartedAt,
		&run.CompletedAt,
	)
	return run, err
}

// LatestSyncRun returns the most recently started run, wrapping pferrors.ErrNotFound when
// there has never been one.
func (r *Repository) LatestSyncRun(ctx context.Context) (*SyncRun, error) {
	run, err := scanSyncRun(r.pool.QueryRow(ctx, syncRunSelect+" ORDER BY started_at DESC LIMIT 1"))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("no sync runs: %w", pferrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest sync run: %w", err)
	}
	return run, nil
}

// LastSuccessfulSync returns the start time of the latest run that completed without
// errors, or nil when there is none.
func (r *Repository) LastSuccessfulSync(ctx context.Context) (*time.Time, error) {
	var startedAt time.Time
	err := r.pool.QueryRow(ctx, `
		SELECT started_at FROM sync_runs
		WHERE status = $1
		ORDER BY started_at DESC
		LIMIT 1
	`, SyncRunStatusCompleted).Scan(&startedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last successful sync: %w", err)
	}
	return &startedAt, nil
}

// AbandonStaleRuns marks in-progress runs older than maxAge as failed. Runs left behind
// by a crashed process would otherwise stay in_progress forever.
func (r *Repository) AbandonStaleRuns(ctx context.Context, maxAge time.Duration) (int64, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE sync_runs
		SET status = $1, error_message = 'abandoned', completed_at = NOW()
		WHERE status = $2 AND started_at < $3
	`, SyncRunStatusFailed, SyncRunStatusInProgress, time.Now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("failed to abandon stale sync runs: %w", err)
	}
	return result.RowsAffected(), nil
}
