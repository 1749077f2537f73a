package scheduler

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds the retry of transient failures. The n-th consecutive
// failure waits BaseDelay * 2^(n-1), capped at MaxDelay. A spamcheck fails
// once MaxConsecutiveFailures is reached.
type RetryPolicy struct {
	MaxConsecutiveFailures int
	BaseDelay              time.Duration
	MaxDelay               time.Duration
}

// DefaultRetryPolicy matches the configuration defaults.
var DefaultRetryPolicy = RetryPolicy{
	MaxConsecutiveFailures: 5,
	BaseDelay:              time.Minute,
	MaxDelay:               30 * time.Minute,
}

// Exhausted reports whether the failures-th consecutive failure is final.
// The bound is inclusive: with MaxConsecutiveFailures 3 the third failure is.
func (p RetryPolicy) Exhausted(failures int) bool {
	return failures >= p.MaxConsecutiveFailures
}

// Delay returns the wait after the failures-th consecutive failure.
func (p RetryPolicy) Delay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         p.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	var d time.Duration
	for i := 0; i < failures; i++ {
		d = b.NextBackOff()
	}
	return d
}
