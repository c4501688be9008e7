// Package batch syncs meetings from Fathom into the local store.
package batch

import (
	"sync"
	"time"
)

// Progress status values.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Progress tracks the progress of one sync run. Totals grow page by page since the
// Fathom API does not report a meeting count up front.
type Progress struct {
	mu sync.RWMutex

	RunID  string
	Mode   Mode
	DryRun bool

	// Counts
	PagesFetched   int
	TotalMeetings  int
	ProcessedCount int
	CreatedCount   int
	UpdatedCount   int
	SkippedCount   int
	FailedCount    int

	// Current state
	CurrentMeeting string
	Status         string

	// Timing
	StartedAt time.Time
	UpdatedAt time.Time

	// Callbacks
	onUpdate func(ProgressSnapshot)
}

// NewProgress creates a new progress tracker.
func NewProgress(runID string, mode Mode, dryRun bool) *Progress {
	now := time.Now()
	return &Progress{
		RunID:     runID,
		Mode:      mode,
		DryRun:    dryRun,
		Status:    StatusPending,
		StartedAt: now,
		UpdatedAt: now,
	}
}

// SetOnUpdate sets a callback invoked asynchronously with a snapshot after each update.
func (p *Progress) SetOnUpdate(fn func(ProgressSnapshot)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onUpdate = fn
}

// Start marks the progress as started.
func (p *Progress) Start() {
	p.update(func() {
		p.Status = StatusRunning
		p.StartedAt = time.Now()
	})
}

// RecordPage adds a fetched page of n meetings to the totals.
func (p *Progress) RecordPage(n int) {
	p.update(func() {
		p.PagesFetched++
		p.TotalMeetings += n
	})
}

// SetCurrentMeeting updates the meeting being processed.
func (p *Progress) SetCurrentMeeting(fathomID string) {
	p.update(func() {
		p.CurrentMeeting = fathomID
	})
}

// RecordCreated increments the created and processed counts.
func (p *Progress) RecordCreated() {
	p.update(func() {
		p.CreatedCount++
		p.ProcessedCount++
	})
}

// RecordUpdated increments the updated and processed counts.
func (p *Progress) RecordUpdated() {
	p.update(func() {
		p.UpdatedCount++
		p.ProcessedCount++
	})
}

// RecordSkipped increments the skipped and processed counts. Dry runs skip every meeting.
func (p *Progress) RecordSkipped() {
	p.update(func() {
		p.SkippedCount++
		p.ProcessedCount++
	})
}

// RecordFailed increments the failed and processed counts.
func (p *Progress) RecordFailed() {
	p.update(func() {
		p.FailedCount++
		p.ProcessedCount++
	})
}

// Complete marks the progress as completed.
func (p *Progress) Complete(success bool) {
	p.update(func() {
		if success {
			p.Status = StatusCompleted
		} else {
			p.Status = StatusFailed
		}
		p.CurrentMeeting = ""
	})
}

// Cancel marks the progress as cancelled.
func (p *Progress) Cancel() {
	p.update(func() {
		p.Status = StatusCancelled
		p.CurrentMeeting = ""
	})
}

func (p *Progress) update(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn()
	p.UpdatedAt = time.Now()
	p.notifyUpdate()
}

// Snapshot returns a read-only copy of the current progress.
func (p *Progress) Snapshot() ProgressSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot()
}

// snapshot must be called with the lock held.
func (p *Progress) snapshot() ProgressSnapshot {
	end := time.Now()
	if p.Status != StatusRunning && p.Status != StatusPending {
		end = p.UpdatedAt
	}
	return ProgressSnapshot{
		RunID:          p.RunID,
		Mode:           p.Mode,
		DryRun:         p.DryRun,
		PagesFetched:   p.PagesFetched,
		TotalMeetings:  p.TotalMeetings,
		ProcessedCount: p.ProcessedCount,
		CreatedCount:   p.CreatedCount,
		UpdatedCount:   p.UpdatedCount,
		SkippedCount:   p.SkippedCount,
		FailedCount:    p.FailedCount,
		CurrentMeeting: p.CurrentMeeting,
		Status:         p.Status,
		StartedAt:      p.StartedAt,
		UpdatedAt:      p.UpdatedAt,
		ElapsedSeconds: end.Sub(p.StartedAt).Seconds(),
	}
}

// notifyUpdate calls the update callback if set.
// Must be called with lock held.
func (p *Progress) notifyUpdate() {
	if p.onUpdate != nil {
		go p.onUpdate(p.snapshot())
	}
}

// ProgressSnapshot is an immutable snapshot of progress state.
type ProgressSnapshot struct {
	RunID          string    `json:"run_id"`
	Mode           Mode      `json:"mode"`
	DryRun         bool      `json:"dry_run"`
	PagesFetched   int       `json:"pages_fetched"`
	TotalMeetings  int       `json:"total_meetings"`
	ProcessedCount int       `json:"processed"`
	CreatedCount   int       `json:"created"`
	UpdatedCount   int       `json:"updated"`
	SkippedCount   int       `json:"skipped"`
	FailedCount    int       `json:"failed"`
	CurrentMeeting string    `json:"current_meeting,omitempty"`
	Status         string    `json:"status"`
	StartedAt      time.Time `json:"started_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
}

// PercentComplete returns the share of fetched meetings processed so far.
func (s ProgressSnapshot) PercentComplete() float64 {
	if s.TotalMeetings == 0 {
		return 0
	}
	return float64(s.ProcessedCount) / float64(s.TotalMeetings) * 100
}

// IsDone reports whether the run has reached a final status.
func (s ProgressSnapshot) IsDone() bool {
	switch s.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsSuccess returns true if the run completed without failures.
func (s ProgressSnapshot) IsSuccess() bool {
	return s.Status == StatusCompleted && s.FailedCount == 0
}
