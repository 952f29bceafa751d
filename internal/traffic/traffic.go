// Package traffic keeps a sliding window of weather request outcomes. The health
// check reads it to report an error-rate breach as degraded.
package traffic

import (
	"sync"
	"time"
)

// Outcome classifies one /weather request.
type Outcome int

const (
	Success Outcome = iota
	Failure
	Rejected // rate limited or refused while a fetch was in flight
)

// Counts are the outcomes inside the window.
type Counts struct {
	Success  int `json:"success"`
	Failure  int `json:"failure"`
	Rejected int `json:"rejected"`
}

// ErrorPct is failures as a percentage of completed fetches. Rejections are excluded.
func (c Counts) ErrorPct() float64 {
	total := c.Success + c.Failure
	if total == 0 {
		return 0
	}
	return float64(c.Failure) * 100 / float64(total)
}

type event struct {
	at      time.Time
	outcome Outcome
}

// Window holds outcomes no older than its span. Safe for concurrent use.
type Window struct {
	span time.Duration
	now  func() time.Time

	mu     sync.Mutex
	events []event
}

// NewWindow creates a window covering span (1 minute when span <= 0).
func NewWindow(span time.Duration) *Window {
	if span <= 0 {
		span = time.Minute
	}
	return &Window{span: span, now: time.Now}
}

// Span returns the window length.
func (w *Window) Span() time.Duration {
	return w.span
}

// Record adds an outcome at the current time.
func (w *Window) Record(o Outcome) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.events = append(w.events, event{at: now, outcome: o})
	w.pruneLocked(now)
}

// Counts returns the outcomes recorded within the span ending now.
func (w *Window) Counts() Counts {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(w.now())
	var c Counts
	for _, e := range w.events {
		switch e.outcome {
		case Success:
			c.Success++
		case Failure:
			c.Failure++
		case Rejected:
			c.Rejected++
		}
	}
	return c
}

// Reset drops every recorded outcome.
func (w *Window) Reset() {
	w.mu.Lock()
	w.events = nil
	w.mu.Unlock()
}

// pruneLocked drops events older than the span. Events are appended in time order.
func (w *Window) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for ; i < len(w.events) && w.events[i].at.Before(cutoff); i++ {
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
}
