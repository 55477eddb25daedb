package agent

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter throttles completion calls. *rate.Limiter satisfies it.
type Limiter interface {
	Wait(ctx context.Context) error
}

// NewRateLimiter returns a token bucket refilled at ratePerMinute with room
// for maxBurst immediate calls. Non-positive values use 30/min and 10.
func NewRateLimiter(maxBurst int, ratePerMinute float64) *rate.Limiter {
	if maxBurst <= 0 {
		maxBurst = 10
	}
	if ratePerMinute <= 0 {
		ratePerMinute = 30
	}
	return rate.NewLimiter(rate.Limit(ratePerMinute/60.0), maxBurst)
}
