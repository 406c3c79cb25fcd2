package http

import (
	"context"
	"sync"
)

// InFlightTracker counts requests still being served so shutdown can drain them.
type InFlightTracker struct {
	mu    sync.Mutex
	count int64
	idle  chan struct{} // closed while count is zero
}

// Begin registers one request. The returned func ends it; extra calls are no-ops.
func (t *InFlightTracker) Begin() (done func()) {
	t.mu.Lock()
	if t.count == 0 {
		t.idle = make(chan struct{})
	}
	t.count++
	t.mu.Unlock()

	var once sync.Once
	return func() { once.Do(t.end) }
}

func (t *InFlightTracker) end() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count--
	if t.count == 0 {
		close(t.idle)
	}
}

func (t *InFlightTracker) Count() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Wait blocks until no request is in flight or ctx is done.
func (t *InFlightTracker) Wait(ctx context.Context) error {
	t.mu.Lock()
	if t.count == 0 {
		t.mu.Unlock()
		return nil
	}
	idle := t.idle
	t.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// requestsInFlight is maintained by MetricsMiddleware.
var requestsInFlight = &InFlightTracker{}

func InFlightCount() int64 { return requestsInFlight.Count() }

// WaitForInFlight blocks until requests served through MetricsMiddleware drain.
func WaitForInFlight(ctx context.Context) error { return requestsInFlight.Wait(ctx) }
