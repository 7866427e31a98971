package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Progress is a point-in-time snapshot of a transfer or extraction.
type Progress struct {
	TotalSize  int64         `json:"totalSize"`
	Done       int64         `json:"done"`
	Percentage float64       `json:"percentage"`
	SpeedBPS   int64         `json:"speedBPS"`
	ETA        time.Duration `json:"eta"`
}

func (p Progress) String() string {
	if p.TotalSize <= 0 {
		return fmt.Sprintf("%s done, %s/s", humanize.IBytes(uint64(p.Done)), humanize.IBytes(uint64(p.SpeedBPS)))
	}

	return fmt.Sprintf("%.1f%% (%s / %s), %s/s, ETA %s",
		p.Percentage,
		humanize.IBytes(uint64(p.Done)),
		humanize.IBytes(uint64(p.TotalSize)),
		humanize.IBytes(uint64(p.SpeedBPS)),
		p.ETA.Round(time.Second))
}

// Tracker accumulates completed bytes and computes a smoothed speed over a
// sliding window. Safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	totalSize int64
	done      int64
	history   []sample
}

type sample struct {
	t     time.Time
	bytes int64
}

const smoothingWindow = 5 * time.Second

func NewTracker(totalSize int64) *Tracker {
	return &Tracker{totalSize: totalSize}
}

// Add records n more completed bytes.
func (t *Tracker) Add(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.done += n

	now := time.Now()
	t.history = append(t.history, sample{t: now, bytes: t.done})

	cutoff := now.Add(-smoothingWindow)
	for len(t.history) > 0 && t.history[0].t.Before(cutoff) {
		t.history = t.history[1:]
	}
}

// SetDone overwrites the completed byte count, for resumed transfers.
func (t *Tracker) SetDone(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.done = n
	t.history = nil
}

// SetTotal updates the expected total once it becomes known.
func (t *Tracker) SetTotal(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.totalSize = n
}

// Snapshot returns the current progress with smoothed speed and ETA.
func (t *Tracker) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	var speedBPS int64

	if len(t.history) >= 2 {
		oldest := t.history[0]
		newest := t.history[len(t.history)-1]

		elapsed := newest.t.Sub(oldest.t).Seconds()
		if elapsed > 0 {
			speedBPS = int64(float64(newest.bytes-oldest.bytes) / elapsed)
		}
	}

	var eta time.Duration

	if speedBPS > 0 && t.totalSize > 0 {
		remaining := t.totalSize - t.done
		if remaining > 0 {
			eta = time.Duration(float64(remaining)/float64(speedBPS)) * time.Second
		}
	}

	percentage := 0.0
	if t.totalSize > 0 {
		percentage = float64(t.done) / float64(t.totalSize) * 100
		if t.done >= t.totalSize {
			percentage = 100
		}
	}

	return Progress{
		TotalSize:  t.totalSize,
		Done:       t.done,
		Percentage: percentage,
		SpeedBPS:   speedBPS,
		ETA:        eta,
	}
}
