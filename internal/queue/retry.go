package queue

import "time"

const maxBackoff = 24 * time.Hour

// RetryPolicy schedules queue attempts: the n-th failure waits
// InitialDelay * BackoffFactor^(n-1), optionally capped by MaxDelay.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// NextDelay returns the wait after the given number of failed attempts.
func (r RetryPolicy) NextDelay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	delay := r.InitialDelay
	if delay <= 0 {
		delay = time.Second
	}
	factor := r.BackoffFactor
	if factor <= 1 {
		factor = 2
	}

	limit := r.MaxDelay
	if limit <= 0 {
		limit = maxBackoff
	}

	for i := 1; i < failures && delay < limit; i++ {
		delay = time.Duration(float64(delay) * factor)
	}
	if delay > limit {
		delay = limit
	}
	return delay
}

// Exhausted reports whether an item with this many failures must be evicted.
func (r RetryPolicy) Exhausted(failures int) bool {
	return r.MaxRetries > 0 && failures >= r.MaxRetries
}
