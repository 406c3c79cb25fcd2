package traffic

import (
	"sync"
	"time"
)

// Outcome classifies a served board operation.
type Outcome int

const (
	Success Outcome = iota // provider reached and data returned (or board fresh)
	Failure                // provider errors only; validation and unknown cities are not failures
	Denied                 // rejected by the rate limiter
)

const retention = 5 * time.Minute

var defaultTracker = NewTracker()

// Record records an outcome on the process-wide tracker.
func Record(o Outcome) {
	defaultTracker.Record(o)
}

// Snapshot returns outcome counts within window from the process-wide tracker.
func Snapshot(window time.Duration) Counts {
	return defaultTracker.Snapshot(window)
}

// Reset clears the process-wide tracker. For tests only.
func Reset() {
	defaultTracker.Reset()
}

// Counts are outcome totals within a window.
type Counts struct {
	Successes int
	Failures  int
	Denied    int
}

// ErrorPct returns failures as a percentage of successes+failures; denials are
// excluded. ok is false when nothing was served.
func (c Counts) ErrorPct() (pct float64, ok bool) {
	total := c.Successes + c.Failures
	if total == 0 {
		return 0, false
	}
	return float64(c.Failures) * 100 / float64(total), true
}

type event struct {
	at      time.Time
	outcome Outcome
}

// Tracker keeps a time-ordered log of outcomes for the last five minutes.
type Tracker struct {
	mu     sync.Mutex
	now    func() time.Time
	events []event
}

func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

func (t *Tracker) Record(o Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.events = append(t.events, event{at: now, outcome: o})
	t.pruneLocked(now)
}

// Snapshot counts outcomes not older than window.
func (t *Tracker) Snapshot(window time.Duration) Counts {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)

	var c Counts
	for i := len(t.events) - 1; i >= 0; i-- {
		e := t.events[i]
		if e.at.Before(cutoff) {
			break
		}
		switch e.outcome {
		case Success:
			c.Successes++
		case Failure:
			c.Failures++
		case Denied:
			c.Denied++
		}
	}
	return c
}

func (t *Tracker) Reset() {
	t.mu.Lock()
	t.events = nil
	t.mu.Unlock()
}

// pruneLocked drops events past retention. Caller holds t.mu.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-retention)
	i := 0
	for ; i < len(t.events) && t.events[i].at.Before(cutoff); i++ {
	}
	if i > 0 {
		t.events = append(t.events[:0], t.events[i:]...)
	}
}
