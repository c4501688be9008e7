package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProgress(t *testing.T) {
	p := NewProgress("run-1", ModeFull, false)
	assert.Equal(t, StatusPending, p.Status)

	p.Start()
	assert.Equal(t, StatusRunning, p.Status)

	p.RecordPage(4)
	p.SetCurrentMeeting("f-1")
	p.RecordCreated()
	p.RecordUpdated()
	p.RecordSkipped()
	p.RecordFailed()

	snap := p.Snapshot()
	assert.Equal(t, 1, snap.PagesFetched)
	assert.Equal(t, 4, snap.TotalMeetings)
	assert.Equal(t, 4, snap.ProcessedCount)
	assert.Equal(t, "f-1", snap.CurrentMeeting)
	assert.Equal(t, 100.0, snap.PercentComplete())
	assert.False(t, snap.IsDone())

	p.Complete(true)
	snap = p.Snapshot()
	assert.True(t, snap.IsDone())
	assert.False(t, snap.IsSuccess(), "one meeting failed")
	assert.Empty(t, snap.CurrentMeeting)
}

func TestProgressSnapshot_Empty(t *testing.T) {
	snap := NewProgress("run-2", ModeIncremental, true).Snapshot()
	assert.Equal(t, 0.0, snap.PercentComplete())
	assert.True(t, snap.DryRun)
	assert.False(t, snap.IsDone())
}

func TestProgress_CancelIsFinal(t *testing.T) {
	p := NewProgress("run-3", ModeFull, false)
	p.Start()
	p.RecordPage(10)
	p.RecordCreated()
	p.Cancel()

	snap := p.Snapshot()
	assert.Equal(t, StatusCancelled, snap.Status)
	assert.True(t, snap.IsDone())
	assert.Equal(t, 10.0, snap.PercentComplete())
}
