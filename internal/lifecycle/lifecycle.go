package lifecycle

import "sync/atomic"

var (
	ready        atomic.Bool
	shuttingDown atomic.Bool
)

// MarkReady records that startup finished (snapshot restored, first refresh attempted).
// Health reports "starting" until then.
func MarkReady() {
	ready.Store(true)
}

// IsReady returns true once MarkReady has been called.
func IsReady() bool {
	return ready.Load()
}

// SetShuttingDown sets the shutdown flag. Call when SIGTERM/SIGINT received.
// Health handler returns 503 with status shutting-down while true.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

// IsShuttingDown returns true if the process is draining and should not receive new traffic.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}

// Reset clears both flags. For tests.
func Reset() {
	ready.Store(false)
	shuttingDown.Store(false)
}
