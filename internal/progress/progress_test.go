package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTracker_Snapshot(t *testing.T) {
	tr := NewTracker(1000)

	tr.Add(250)

	snap := tr.Snapshot()
	assert.Equal(t, int64(1000), snap.TotalSize)
	assert.Equal(t, int64(250), snap.Done)
	assert.InDelta(t, 25.0, snap.Percentage, 0.01)
}

func TestTracker_CapsAtHundredPercent(t *testing.T) {
	tr := NewTracker(100)

	tr.Add(150)

	snap := tr.Snapshot()
	assert.Equal(t, 100.0, snap.Percentage)
}

func TestTracker_SetDoneResumes(t *testing.T) {
	tr := NewTracker(0)

	tr.SetTotal(500)
	tr.SetDone(200)
	tr.Add(100)

	snap := tr.Snapshot()
	assert.Equal(t, int64(300), snap.Done)
	assert.InDelta(t, 60.0, snap.Percentage, 0.01)
}

func TestTracker_UnknownTotal(t *testing.T) {
	tr := NewTracker(0)

	tr.Add(42)

	snap := tr.Snapshot()
	assert.Equal(t, int64(42), snap.Done)
	assert.Equal(t, 0.0, snap.Percentage)
	assert.NotEmpty(t, snap.String())
}

func TestProgress_String(t *testing.T) {
	p := Progress{TotalSize: 2048, Done: 1024, Percentage: 50, SpeedBPS: 512}

	s := p.String()
	assert.Contains(t, s, "50.0%")
	assert.Contains(t, s, "1.0 KiB")
}
