package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/code-payments/code-transfer/pkg/retry/backoff"
)

// Strategy is a function that determines whether or not an action should be
// retried. Strategies are allowed to delay or cause other side effects.
type Strategy func(attempts uint, err error) bool

// Limit returns a strategy that limits the total number of attempts.
// maxAttempts should be >= 1, since the action is evaluated first.
func Limit(maxAttempts uint) Strategy {
	return func(attempts uint, _ error) bool {
		return attempts < maxAttempts
	}
}

// RetriableErrors returns a strategy that only retries the provided errors,
// including wrapped variants.
func RetriableErrors(retriableErrors ...error) Strategy {
	return func(_ uint, err error) bool {
		for _, e := range retriableErrors {
			if errors.Is(err, e) {
				return true
			}
		}
		return false
	}
}

// NonRetriableErrors returns a strategy that never retries the provided
// errors, including wrapped variants.
func NonRetriableErrors(nonRetriableErrors ...error) Strategy {
	return func(_ uint, err error) bool {
		for _, e := range nonRetriableErrors {
			if errors.Is(err, e) {
				return false
			}
		}
		return true
	}
}

// Context returns a strategy that stops retrying once ctx is done.
func Context(ctx context.Context) Strategy {
	return func(_ uint, _ error) bool {
		return ctx.Err() == nil
	}
}

// Backoff returns a strategy that sleeps before the next attempt. The delay
// is capped at maxBackoff.
func Backoff(strategy backoff.Strategy, maxBackoff time.Duration) Strategy {
	return BackoffWithJitter(strategy, maxBackoff, 0)
}

// BackoffWithJitter returns a strategy similar to Backoff, but induces a jitter
// on the total delay. The maxBackoff is calculated before the jitter.
//
// The jitter parameter is a fraction of the capped delay that the timing can
// be off by. For example, a capped delay of 100ms with a jitter of 0.1 will
// result in a delay of 100ms +/- 10ms.
func BackoffWithJitter(strategy backoff.Strategy, maxBackoff time.Duration, jitter float64) Strategy {
	return func(attempts uint, _ error) bool {
		delay := time.Duration(math.Min(float64(maxBackoff), float64(strategy(attempts))))
		if jitter > 0 {
			delay = time.Duration(float64(delay) * (1 + (rand.Float64()*jitter*2 - jitter)))
		}

		sleeperImpl.Sleep(delay)
		return true
	}
}

type sleeper interface {
	Sleep(time.Duration)
}

type realSleeper struct{}

func (r *realSleeper) Sleep(d time.Duration) { time.Sleep(d) }

var sleeperImpl sleeper = &realSleeper{}
