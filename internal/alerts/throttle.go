package alerts

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// DefaultRatePerMinute caps outgoing notifications when nothing is configured.
const DefaultRatePerMinute = 30

// Throttler limits outgoing notifications with a token bucket.
type Throttler struct {
	limiter *rate.Limiter
}

// NewThrottler creates a throttler allowing ratePerMinute sends with the given burst.
func NewThrottler(ratePerMinute int, burst int) *Throttler {
	if ratePerMinute <= 0 {
		ratePerMinute = DefaultRatePerMinute
	}
	if burst <= 0 {
		burst = ratePerMinute
	}
	return &Throttler{limiter: rate.NewLimiter(perMinute(ratePerMinute), burst)}
}

func perMinute(n int) rate.Limit {
	return rate.Every(time.Minute / time.Duration(n))
}

// Wait blocks until a token is available or ctx is done.
func (t *Throttler) Wait(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}

// SetRate changes the rate and burst in place.
func (t *Throttler) SetRate(ratePerMinute int, burst int) {
	if ratePerMinute <= 0 {
		ratePerMinute = DefaultRatePerMinute
	}
	if burst <= 0 {
		burst = ratePerMinute
	}
	t.limiter.SetLimit(perMinute(ratePerMinute))
	t.limiter.SetBurst(burst)
}

// Burst returns the current bucket size.
func (t *Throttler) Burst() int {
	return t.limiter.Burst()
}
