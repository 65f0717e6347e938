package delivery

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/csvgate/csvgate/internal/logging"
	"github.com/csvgate/csvgate/internal/models"
)

// Webhook request headers.
const (
	HeaderSignature     = "X-Signature"
	HeaderTimestamp     = "X-Timestamp"
	HeaderCorrelationID = "X-Correlation-ID"
)

// WebhookSender posts all rows as one signed envelope.
type WebhookSender struct {
	poster
	opts options
}

// NewWebhookSender creates a webhook sender using client for every request.
func NewWebhookSender(client *http.Client, opts ...Option) *WebhookSender {
	o := buildOptions(opts)
	return &WebhookSender{
		poster: poster{client: client, metrics: o.metrics, logger: o.logger},
		opts:   o,
	}
}

// Envelope builds the webhook payload for rows.
func (s *WebhookSender) Envelope(dest models.DestinationConfig, rows []models.Row, unixTime int64, correlationID string) map[string]interface{} {
	event := dest.Event
	if event == "" {
		event = s.opts.webhookEvent
	}
	if event == "" {
		event = models.DefaultWebhookEvent
	}
	if rows == nil {
		rows = []models.Row{}
	}
	return map[string]interface{}{
		"event":          event,
		"timestamp":      unixTime,
		"correlation_id": correlationID,
		"data": map[string]interface{}{
			"rows":      rows,
			"row_count": len(rows),
		},
	}
}

// Send delivers rows to dest in a single signed POST. An empty row set is still sent.
func (s *WebhookSender) Send(ctx context.Context, dest models.DestinationConfig, rows []models.Row, rowContext map[string]interface{}) models.DeliveryResult {
	if dest.Type != models.DestinationWebhook {
		return invalidResult(fmt.Errorf("webhook sender cannot deliver to %q destinations", dest.Type))
	}
	if err := dest.Validate(); err != nil {
		return invalidResult(err)
	}

	mapped := MapRows(rows, dest.ColumnMapping, dest.ContextMapping, rowContext)

	correlationID := correlationIDFrom(ctx)
	if correlationID == "" {
		correlationID = logging.GenerateCorrelationID()
	}
	ts := s.opts.now().Unix()

	body, signature, err := NewSigner(dest.Secret).SignPayload(s.Envelope(dest, mapped, ts, correlationID))
	if err != nil {
		return models.DeliveryResult{
			Success:      false,
			ErrorCode:    models.ErrorCodeDeliveryFailed,
			ErrorMessage: fmt.Sprintf("webhook payload could not be encoded: %v", err),
		}
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("User-Agent", s.opts.userAgent)
	headers.Set(HeaderSignature, SignaturePrefix+signature)
	headers.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	headers.Set(HeaderCorrelationID, correlationID)

	attempts, err := s.opts.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		return s.post(ctx, models.DestinationWebhook, dest.URL, body, dest.Headers, headers)
	})
	if err != nil {
		code := errorCode(err)
		msg := fmt.Sprintf("webhook failed after %d attempts: %v", attempts, err)
		if code != models.ErrorCodeDeliveryFailed {
			msg = fmt.Sprintf("webhook %v", err)
		}
		s.logger.ErrorWithContext(ctx, "webhook delivery failed",
			"correlation_id", correlationID, "rows", len(mapped), "error_code", string(code))
		return models.DeliveryResult{
			Success:      false,
			ErrorCode:    code,
			ErrorMessage: msg,
			Attempts:     attempts,
		}
	}

	return models.DeliveryResult{Success: true, RowsDelivered: len(mapped), Attempts: attempts}
}

func correlationIDFrom(ctx context.Context) string {
	return logging.GetCorrelationID(ctx)
}
