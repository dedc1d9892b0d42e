// Package backoff provides delay strategies for retry.
package backoff

import (
	"math"
	"time"
)

// Strategy is a function that provides the amount of time to wait before trying
// again. Note: attempts starts at 1
type Strategy func(attempts uint) time.Duration

// Constant returns a strategy that always returns the provided duration.
func Constant(interval time.Duration) Strategy {
	return func(uint) time.Duration {
		return interval
	}
}

// Linear returns a strategy that grows by baseDelay on every attempt.
//
// Ex. Linear(2*time.Second) = 2s, 4s, 6s, 8s, ...
func Linear(baseDelay time.Duration) Strategy {
	return func(attempts uint) time.Duration {
		return saturate(float64(baseDelay) * float64(attempts))
	}
}

// Exponential returns a strategy that multiplies the delay by base on every
// attempt.
//
// Ex. Exponential(2*time.Second, 3) = 2s, 6s, 18s, 54s, ...
func Exponential(baseDelay time.Duration, base float64) Strategy {
	return func(attempts uint) time.Duration {
		return saturate(float64(baseDelay) * math.Pow(base, float64(attempts-1)))
	}
}

// BinaryExponential returns an Exponential strategy with a base of 2.
//
// Ex. BinaryExponential(2*time.Second) = 2s, 4s, 8s, 16s, ...
func BinaryExponential(baseDelay time.Duration) Strategy {
	return Exponential(baseDelay, 2)
}

func saturate(delay float64) time.Duration {
	if delay >= math.MaxInt64 || math.IsNaN(delay) {
		return math.MaxInt64
	}
	return time.Duration(delay)
}
