package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/csvgate/csvgate/internal/models"
)

// ChunkedBulkSender inserts rows into a PostgREST-compatible row store in fixed-size
// chunks, sequentially, retrying each chunk on transient failures.
type ChunkedBulkSender struct {
	poster
	opts options
}

// NewChunkedBulkSender creates a bulk sender using client for every request.
func NewChunkedBulkSender(client *http.Client, opts ...Option) *ChunkedBulkSender {
	o := buildOptions(opts)
	return &ChunkedBulkSender{
		poster: poster{client: client, metrics: o.metrics, logger: o.logger},
		opts:   o,
	}
}

// Endpoint returns the insert URL for dest.
func (s *ChunkedBulkSender) Endpoint(dest models.DestinationConfig) string {
	return strings.TrimRight(dest.URL, "/") + "/rest/v1/" + url.PathEscape(dest.Table)
}

// Send delivers rows to dest. Chunks after a failed chunk are not attempted, and
// RowsDelivered counts only the chunks that were accepted.
func (s *ChunkedBulkSender) Send(ctx context.Context, dest models.DestinationConfig, rows []models.Row, rowContext map[string]interface{}) models.DeliveryResult {
	if dest.Type != models.DestinationRowStore {
		return invalidResult(fmt.Errorf("bulk sender cannot deliver to %q destinations", dest.Type))
	}
	if err := dest.Validate(); err != nil {
		return invalidResult(err)
	}

	mapped := MapRows(rows, dest.ColumnMapping, dest.ContextMapping, rowContext)
	chunks := chunkRows(mapped, s.opts.chunkSize)
	endpoint := s.Endpoint(dest)

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("User-Agent", s.opts.userAgent)
	headers.Set("apikey", dest.APIKey)
	headers.Set("Authorization", "Bearer "+dest.APIKey)
	headers.Set("Prefer", "return=minimal")
	if cid := correlationIDFrom(ctx); cid != "" {
		headers.Set("X-Correlation-ID", cid)
	}

	delivered, attempts := 0, 0
	for i, chunk := range chunks {
		body, err := json.Marshal(chunk)
		if err != nil {
			return models.DeliveryResult{
				Success:       false,
				RowsDelivered: delivered,
				ErrorCode:     models.ErrorCodeDeliveryFailed,
				ErrorMessage:  fmt.Sprintf("chunk %d/%d could not be encoded: %v", i+1, len(chunks), err),
				Attempts:      attempts,
			}
		}

		n, err := s.opts.retry.Do(ctx, func(ctx context.Context, attempt int) error {
			return s.post(ctx, models.DestinationRowStore, endpoint, body, dest.Headers, headers)
		})
		attempts += n
		if err != nil {
			code := errorCode(err)
			msg := fmt.Sprintf("chunk %d/%d failed after %d attempts: %v", i+1, len(chunks), n, err)
			if code != models.ErrorCodeDeliveryFailed {
				msg = fmt.Sprintf("chunk %d/%d %v", i+1, len(chunks), err)
			}
			s.logger.ErrorWithContext(ctx, "bulk delivery failed",
				"table", dest.Table, "chunk", i+1, "chunks", len(chunks), "rows_delivered", delivered, "error_code", string(code))
			return models.DeliveryResult{
				Success:       false,
				RowsDelivered: delivered,
				ErrorCode:     code,
				ErrorMessage:  msg,
				Attempts:      attempts,
			}
		}

		delivered += len(chunk)
		s.logger.DebugWithContext(ctx, "chunk delivered",
			"table", dest.Table, "chunk", i+1, "chunks", len(chunks), "rows", len(chunk), "attempts", n)
	}

	return models.DeliveryResult{Success: true, RowsDelivered: delivered, Attempts: attempts}
}
