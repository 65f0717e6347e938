package delivery

import (
	"context"
	"time"
)

// Defaults for the shared retry policy.
const (
	DefaultChunkSize   = 100
	DefaultMaxAttempts = 3
	DefaultBaseBackoff = time.Second
)

// SleepFunc waits between attempts. Tests substitute a recorder.
type SleepFunc func(d time.Duration)

// RetryPolicy bounds attempts per request. Backoff before attempt n+1 is
// BaseBackoff * 2^(n-1); there is no wait after the last attempt.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	Sleep       SleepFunc
}

// DefaultRetryPolicy returns 3 attempts with 1s, 2s backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseBackoff: DefaultBaseBackoff,
		Sleep:       time.Sleep,
	}
}

// Backoff returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.BaseBackoff * time.Duration(1<<uint(attempt-1))
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseBackoff < 0 {
		p.BaseBackoff = 0
	}
	if p.Sleep == nil {
		p.Sleep = time.Sleep
	}
	return p
}

// Do runs fn until it succeeds, fails with a non-transient error, or the attempts run
// out. It returns the number of attempts made and the last error. The context is passed
// through to fn and is not used to cut backoff short.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	p = p.normalized()

	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = fn(ctx, attempt)
		if err == nil || !IsTransient(err) {
			return attempt, err
		}
		if attempt < p.MaxAttempts {
			p.Sleep(p.Backoff(attempt))
		}
	}
	return p.MaxAttempts, err
}
