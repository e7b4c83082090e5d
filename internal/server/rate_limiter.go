// Package server implements per-connection throttling of inbound events that
// protects the relay from flooding clients.
package server

import (
	"time"

	"golang.org/x/time/rate"
)

// newRateLimiter returns a token bucket that holds capacity events and refills
// completely every interval.
func newRateLimiter(capacity int, interval time.Duration) *rate.Limiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	every := interval / time.Duration(capacity)
	if every <= 0 {
		return rate.NewLimiter(rate.Inf, capacity)
	}
	return rate.NewLimiter(rate.Every(every), capacity)
}
