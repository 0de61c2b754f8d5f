package services

import (
	"math"
	"time"
)

// RetryPolicy bounds how failed sends are rescheduled
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultRetryPolicy returns the production defaults
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       5,
		InitialBackoff:    5 * time.Minute,
		MaxBackoff:        4 * time.Hour,
		BackoffMultiplier: 2.0,
	}
}

// Backoff returns the delay before retry number attempt (1-based), capped at MaxBackoff
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 2.0
	}
	backoff := time.Duration(float64(p.InitialBackoff) * math.Pow(mult, float64(attempt-1)))
	if backoff > p.MaxBackoff || backoff <= 0 {
		backoff = p.MaxBackoff
	}
	return backoff
}

// Exhausted reports whether attempts has reached the ceiling
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
