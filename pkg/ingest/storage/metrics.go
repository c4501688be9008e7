package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	pferrors "github.com/otherjamesbrown/fathom-transcripts/pkg/errors"
)

// SyncStatusNeverSynced is reported when no sync run exists.
const SyncStatusNeverSynced = "never_synced"

// DashboardMetrics summarizes the store for the dashboard.
type DashboardMetrics struct {
	TotalTranscripts int64      `json:"total_transcripts" yaml:"total_transcripts"`
	TotalCompanies   int64      `json:"total_companies" yaml:"total_companies"`
	LastSyncTime     *time.Time `json:"last_sync_time" yaml:"last_sync_time"`
	SyncStatus       string     `json:"sync_status" yaml:"sync_status"`
}

// Stats are row counts across the store.
type Stats struct {
	Meetings          int64            `json:"meetings" yaml:"meetings"`
	Participants      int64            `json:"participants" yaml:"participants"`
	UniqueDomains     int64            `json:"unique_domains" yaml:"unique_domains"`
	MissingDurations  int64            `json:"missing_durations" yaml:"missing_durations"`
	DurationsByMethod map[string]int64 `json:"durations_by_method" yaml:"durations_by_method"`
}

// DashboardMetrics returns meeting and company totals and the latest sync state.
func (r *Repository) DashboardMetrics(ctx context.Context) (*DashboardMetrics, error) {
	m := &DashboardMetrics{SyncStatus: SyncStatusNeverSynced}
	err := r.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM meetings),
			(SELECT COUNT(DISTINCT domain) FROM meeting_participants WHERE domain IS NOT NULL AND domain <> '')
	`).Scan(&m.TotalTranscripts, &m.TotalCompanies)
	if err != nil {
		return nil, fmt.Errorf("failed to get dashboard metrics: %w", err)
	}

	run, err := r.LatestSyncRun(ctx)
	switch {
	case errors.Is(err, pferrors.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		m.SyncStatus = string(run.Status)
		m.LastSyncTime = run.CompletedAt
		if m.LastSyncTime == nil {
			m.LastSyncTime = &run.StartedAt
		}
	}
	return m, nil
}

// Stats returns row counts and the distribution of duration methods.
func (r *Repository) Stats(ctx context.Context) (*Stats, error) {
	s := &Stats{DurationsByMethod: map[string]int64{}}
	err := r.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM meetings),
			(SELECT COUNT(*) FROM meeting_participants),
			(SELECT COUNT(DISTINCT domain) FROM meeting_participants WHERE domain IS NOT NULL AND domain <> ''),
			(SELECT COUNT(*) FROM meetings WHERE duration IS NULL)
	`).Scan(&s.Meetings, &s.Participants, &s.UniqueDomains, &s.MissingDurations)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT COALESCE(duration_method, 'unknown'), COUNT(*)
		FROM meetings
		GROUP BY 1
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count duration methods: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var method string
		var n int64
		if err := rows.Scan(&method, &n); err != nil {
			return nil, fmt.Errorf("failed to scan duration method: %w", err)
		}
		s.DurationsByMethod[method] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating duration methods: %w", err)
	}
	return s, nil
}
