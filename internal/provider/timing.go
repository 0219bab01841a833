package provider

import (
	"time"

	"genesis/internal/models"
)

// Timer measures request latency and time to first token for one vendor call.
type Timer struct {
	start time.Time
	first time.Duration
	seen  bool
}

// StartTimer starts measuring from now.
func StartTimer() *Timer {
	return &Timer{start: time.Now()}
}

// MarkFirst records the arrival of the first content token. Later calls are ignored.
func (t *Timer) MarkFirst() {
	if t.seen {
		return
	}
	t.seen = true
	t.first = time.Since(t.start)
}

// Stamp fills the latency fields of stats.
func (t *Timer) Stamp(stats *models.UsageStats) {
	stats.LatencySeconds = time.Since(t.start).Seconds()
	if t.seen {
		ttft := t.first.Seconds()
		stats.TimeToFirstTokenSeconds = &ttft
	}
}
