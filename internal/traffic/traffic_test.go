package traffic

import (
	"testing"
	"time"
)

func newTestTracker() (*Tracker, *time.Time) {
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	tr := NewTracker()
	tr.now = func() time.Time { return now }
	return tr, &now
}

func TestSnapshot_Empty(t *testing.T) {
	tr, _ := newTestTracker()
	c := tr.Snapshot(time.Minute)
	if c != (Counts{}) {
		t.Errorf("Snapshot() = %+v, want zero", c)
	}
	if _, ok := c.ErrorPct(); ok {
		t.Error("ErrorPct() ok = true with no outcomes")
	}
}

func TestSnapshot_CountsByOutcome(t *testing.T) {
	tr, _ := newTestTracker()
	tr.Record(Success)
	tr.Record(Success)
	tr.Record(Failure)
	tr.Record(Denied)

	c := tr.Snapshot(time.Minute)
	want := Counts{Successes: 2, Failures: 1, Denied: 1}
	if c != want {
		t.Errorf("Snapshot() = %+v, want %+v", c, want)
	}
}

func TestErrorPct_DeniedExcluded(t *testing.T) {
	c := Counts{Successes: 1, Failures: 1, Denied: 10}
	pct, ok := c.ErrorPct()
	if !ok || pct != 50 {
		t.Errorf("ErrorPct() = %v, %v, want 50, true", pct, ok)
	}
}

func TestSnapshot_Window(t *testing.T) {
	tr, now := newTestTracker()
	tr.Record(Failure)
	*now = now.Add(90 * time.Second)
	tr.Record(Success)

	if c := tr.Snapshot(time.Minute); c.Failures != 0 || c.Successes != 1 {
		t.Errorf("Snapshot(1m) = %+v, want only the recent success", c)
	}
	if c := tr.Snapshot(2 * time.Minute); c.Failures != 1 || c.Successes != 1 {
		t.Errorf("Snapshot(2m) = %+v, want both outcomes", c)
	}
}

func TestRecord_PrunesPastRetention(t *testing.T) {
	tr, now := newTestTracker()
	tr.Record(Failure)
	*now = now.Add(retention + time.Second)
	tr.Record(Success)

	if n := len(tr.events); n != 1 {
		t.Errorf("len(events) = %d, want 1 after prune", n)
	}
}

func TestDefaultTracker(t *testing.T) {
	Reset()
	defer Reset()
	Record(Success)
	Record(Failure)
	if c := Snapshot(time.Minute); c.Successes != 1 || c.Failures != 1 {
		t.Errorf("Snapshot() = %+v", c)
	}
	Reset()
	if c := Snapshot(time.Minute); c != (Counts{}) {
		t.Errorf("Snapshot() after Reset = %+v", c)
	}
}
