package util

import (
	"time"

	"hastypaste/metrics"

	"github.com/sony/gobreaker"
)

type BreakerOpts struct {
	Name        string
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	// consecutive failures before the breaker opens
	Threshold uint32
}

func DefaultBreakerOpts(name string) BreakerOpts {
	return BreakerOpts{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		Threshold:   5,
	}
}

// NewBreaker builds a breaker that opens after Threshold consecutive
// failures and reports its state on the circuit_state gauge.
func NewBreaker(o BreakerOpts) *gobreaker.CircuitBreaker {
	metrics.CircuitState.WithLabelValues(o.Name).Set(float64(gobreaker.StateClosed))
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        o.Name,
		MaxRequests: o.MaxRequests,
		Interval:    o.Interval,
		Timeout:     o.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= o.Threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			metrics.CircuitState.WithLabelValues(name).Set(float64(to))
			Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
}
