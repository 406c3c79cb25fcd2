package service

import (
	"context"
	"sync"
	"time"
)

// call is one upstream operation that several callers may wait for.
type call[T any] struct {
	done   chan struct{}
	result T
	err    error
}

// requestCoalescer runs at most one fn per key at a time; concurrent callers
// for the same key wait for and share its result.
type requestCoalescer[T any] struct {
	mu       sync.Mutex
	inFlight map[string]*call[T]
	timeout  time.Duration
}

// newRequestCoalescer creates a coalescer. timeout bounds how long a caller
// waits for a result (0 = bounded only by the caller's context).
func newRequestCoalescer[T any](timeout time.Duration) *requestCoalescer[T] {
	return &requestCoalescer[T]{
		inFlight: make(map[string]*call[T]),
		timeout:  timeout,
	}
}

// GetOrDo waits for the in-flight call for key, or starts fn if there is none.
// shared reports whether the caller joined a call started by someone else.
// fn keeps running if the caller stops waiting, so it must not use the
// caller's context.
func (rc *requestCoalescer[T]) GetOrDo(ctx context.Context, key string, fn func() (T, error)) (result T, shared bool, err error) {
	rc.mu.Lock()
	c, shared := rc.inFlight[key]
	if !shared {
		c = &call[T]{done: make(chan struct{})}
		rc.inFlight[key] = c
		go rc.run(key, c, fn)
	}
	rc.mu.Unlock()

	waitCtx := ctx
	if rc.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, rc.timeout)
		defer cancel()
	}

	select {
	case <-c.done:
		return c.result, shared, c.err
	case <-waitCtx.Done():
		var zero T
		return zero, shared, waitCtx.Err()
	}
}

func (rc *requestCoalescer[T]) run(key string, c *call[T], fn func() (T, error)) {
	c.result, c.err = fn()

	rc.mu.Lock()
	delete(rc.inFlight, key)
	rc.mu.Unlock()

	close(c.done)
}
