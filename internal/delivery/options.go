package delivery

import (
	"time"

	"github.com/csvgate/csvgate/internal/logging"
	"github.com/csvgate/csvgate/internal/metrics"
)

// DefaultRequestTimeout bounds each outbound HTTP call.
const DefaultRequestTimeout = 30 * time.Second

// DefaultUserAgent is sent on every delivery request.
const DefaultUserAgent = "csvgate-delivery/1.0"

type options struct {
	chunkSize    int
	retry        RetryPolicy
	userAgent    string
	webhookEvent string
	metrics      *metrics.Metrics
	logger       *logging.Logger
	now          func() time.Time
}

func defaultOptions() options {
	return options{
		chunkSize: DefaultChunkSize,
		retry:     DefaultRetryPolicy(),
		userAgent: DefaultUserAgent,
		logger:    logging.NewLogger(),
		now:       time.Now,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	o.retry = o.retry.normalized()
	return o
}

// Option configures senders and the dispatcher.
type Option func(*options)

// WithChunkSize sets the number of rows per bulk request.
func WithChunkSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}

// WithRetryPolicy sets attempts, backoff and the sleep function.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *options) {
		o.retry = p
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(o *options) {
		if ua != "" {
			o.userAgent = ua
		}
	}
}

// WithWebhookEvent sets the envelope event used when a destination names none.
func WithWebhookEvent(event string) Option {
	return func(o *options) {
		o.webhookEvent = event
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock sets the time source for webhook timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
