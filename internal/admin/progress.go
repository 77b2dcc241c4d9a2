// Package admin implements the operational facade: online backups with
// verification and retention, restore with a safety copy, portable exports,
// and imports with conflict policies.
package admin

import "time"

// Progress reports how far a long-running admin operation has come. Total is
// zero when the operation cannot know its extent up front.
type Progress struct {
	Completed      int64
	Total          int64
	Percent        float64
	Elapsed        time.Duration
	EstimatedTotal time.Duration
}

// ProgressFunc receives progress updates. Callbacks run on the operation's
// goroutine and must return quickly.
type ProgressFunc func(Progress)

type tracker struct {
	start     time.Time
	total     int64
	completed int64
	fn        ProgressFunc
}

func newTracker(total int64, fn ProgressFunc) *tracker {
	return &tracker{start: time.Now(), total: total, fn: fn}
}

func (t *tracker) step(n int64) {
	t.completed += n
	if t.fn == nil {
		return
	}

	p := Progress{
		Completed: t.completed,
		Total:     t.total,
		Elapsed:   time.Since(t.start),
	}
	if t.total > 0 && t.completed > 0 {
		p.Percent = float64(t.completed) / float64(t.total) * 100
		p.EstimatedTotal = time.Duration(float64(p.Elapsed) * float64(t.total) / float64(t.completed))
	}
	t.fn(p)
}
