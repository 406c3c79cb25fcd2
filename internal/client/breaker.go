package client

import (
	"time"

	"github.com/sony/gobreaker"

	"github.com/kjstillabower/city-weather-board/internal/observability"
)

// BreakerConfig holds circuit breaker parameters for provider calls.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failed attempts before opening
	Timeout          time.Duration // open duration before a half-open probe
	OnStateChange    func(from, to gobreaker.State)
}

// NewCircuitBreaker builds a breaker that opens after FailureThreshold consecutive
// failed attempts and reports state transitions to metrics.
func NewCircuitBreaker(cfg BreakerConfig) *gobreaker.CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	threshold := uint32(cfg.FailureThreshold)
	observability.CircuitBreakerState.Set(0)

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "weatherapi",
		MaxRequests: 1,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			observability.CircuitBreakerTransitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
			observability.CircuitBreakerState.Set(breakerStateValue(to))
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(from, to)
			}
		},
	})
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}
