// Package delivery pushes processed import rows to external destinations: a row-store
// API in retried chunks, or a webhook as one signed envelope.
package delivery

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/csvgate/csvgate/internal/logging"
	"github.com/csvgate/csvgate/internal/metrics"
	"github.com/csvgate/csvgate/internal/models"
)

// Sender delivers rows to one kind of destination. Send never panics on destination
// failures; every outcome is reported in the result.
type Sender interface {
	Send(ctx context.Context, dest models.DestinationConfig, rows []models.Row, rowContext map[string]interface{}) models.DeliveryResult
}

// NewHTTPClient returns the client shared by all senders.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &http.Client{Timeout: timeout}
}

// Dispatcher routes a delivery to the sender for the destination type.
type Dispatcher struct {
	senders map[models.DestinationType]Sender
	metrics *metrics.Metrics
	logger  *logging.Logger
}

// NewDispatcher wires the row-store and webhook senders around client.
func NewDispatcher(client *http.Client, opts ...Option) *Dispatcher {
	o := buildOptions(opts)
	return &Dispatcher{
		senders: map[models.DestinationType]Sender{
			models.DestinationRowStore: NewChunkedBulkSender(client, opts...),
			models.DestinationWebhook:  NewWebhookSender(client, opts...),
		},
		metrics: o.metrics,
		logger:  o.logger,
	}
}

// Register replaces the sender for a destination type.
func (d *Dispatcher) Register(t models.DestinationType, s Sender) {
	d.senders[t] = s
}

// Deliver sends rows to dest and returns the outcome. Once started a delivery runs to
// completion: cancellation of ctx is not propagated to the senders.
func (d *Dispatcher) Deliver(ctx context.Context, dest models.DestinationConfig, rows []models.Row, rowContext map[string]interface{}) models.DeliveryResult {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()

	var res models.DeliveryResult
	if err := dest.Validate(); err != nil {
		res = invalidResult(err)
	} else if sender, ok := d.senders[dest.Type]; !ok {
		res = invalidResult(fmt.Errorf("no sender for destination type %q", dest.Type))
	} else {
		res = sender.Send(ctx, dest, rows, rowContext)
	}

	d.metrics.RecordDeliveryResult(destinationLabel(dest.Type), resultLabel(res), res.RowsDelivered, time.Since(start).Seconds())

	fields := []interface{}{
		"destination", string(dest.Type),
		"rows_submitted", len(rows),
		"rows_delivered", res.RowsDelivered,
		"attempts", res.Attempts,
		"duration_ms", time.Since(start).Milliseconds(),
	}
	if res.Success {
		d.logger.InfoWithContext(ctx, "delivery completed", fields...)
	} else {
		fields = append(fields, "error_code", string(res.ErrorCode), "error", res.ErrorMessage,
			"destination_config", dest.Redacted())
		d.logger.WarnWithContext(ctx, "delivery failed", fields...)
	}
	return res
}

func resultLabel(res models.DeliveryResult) string {
	if res.Success {
		return "success"
	}
	return string(res.ErrorCode)
}

func destinationLabel(t models.DestinationType) string {
	switch t {
	case models.DestinationRowStore, models.DestinationWebhook:
		return string(t)
	default:
		return "unknown"
	}
}
