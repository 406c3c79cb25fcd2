package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type countingRefresher struct {
	calls  atomic.Int32
	forced atomic.Int32
	err    error
}

func (r *countingRefresher) RefreshAll(ctx context.Context, force bool) error {
	r.calls.Add(1)
	if force {
		r.forced.Add(1)
	}
	return r.err
}

func waitForCalls(r *countingRefresher, n int32, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r.calls.Load() >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func TestScheduler_RunsNonForcedRefresh(t *testing.T) {
	r := &countingRefresher{}
	s := New(r, 20*time.Millisecond, time.Second, nil)

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	if !waitForCalls(r, 2, 2*time.Second) {
		t.Fatalf("refresh calls = %d, want >= 2", r.calls.Load())
	}
	if r.forced.Load() != 0 {
		t.Errorf("forced refreshes = %d, want 0", r.forced.Load())
	}
}

func TestScheduler_ErrorsDoNotStopJob(t *testing.T) {
	r := &countingRefresher{err: errors.New("no weather data available")}
	s := New(r, 20*time.Millisecond, 0, nil)

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	if !waitForCalls(r, 2, 2*time.Second) {
		t.Fatalf("refresh calls = %d, want >= 2 despite errors", r.calls.Load())
	}
}

func TestScheduler_ZeroIntervalDisabled(t *testing.T) {
	r := &countingRefresher{}
	s := New(r, 0, time.Second, nil)

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	time.Sleep(50 * time.Millisecond)
	if n := r.calls.Load(); n != 0 {
		t.Errorf("refresh calls = %d, want 0", n)
	}
}

func TestScheduler_StopHaltsRuns(t *testing.T) {
	r := &countingRefresher{}
	s := New(r, 20*time.Millisecond, 0, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitForCalls(r, 1, 2*time.Second)
	s.Stop()

	time.Sleep(30 * time.Millisecond)
	after := r.calls.Load()
	time.Sleep(100 * time.Millisecond)
	if r.calls.Load() != after {
		t.Errorf("refresh ran after Stop: %d -> %d", after, r.calls.Load())
	}
}
