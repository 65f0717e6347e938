package delivery

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/csvgate/csvgate/internal/logging"
	"github.com/csvgate/csvgate/internal/metrics"
	"github.com/csvgate/csvgate/internal/models"
)

const maxResponseRead = 4096

// poster performs one classified POST.
type poster struct {
	client  *http.Client
	metrics *metrics.Metrics
	logger  *logging.Logger
}

// post sends body to url and classifies the outcome. Static headers go on first so the
// caller's protocol headers win.
func (p *poster) post(ctx context.Context, destType models.DestinationType, url string, body []byte, static map[string]string, headers http.Header) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &ValidationError{Err: err}
	}
	for k, v := range static {
		req.Header.Set(k, v)
	}
	for k, vs := range headers {
		req.Header.Del(k)
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		terr := &TransientError{Err: err}
		p.metrics.RecordDeliveryAttempt(string(destType), attemptOutcome(terr))
		p.logger.WarnWithContext(ctx, "delivery request failed", "destination", string(destType), "error", err.Error())
		return terr
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseRead))
	_, _ = io.Copy(io.Discard, resp.Body)

	err = classifyStatus(resp.StatusCode, respBody)
	p.metrics.RecordDeliveryAttempt(string(destType), attemptOutcome(err))
	if err != nil {
		p.logger.WarnWithContext(ctx, "delivery request rejected",
			"destination", string(destType), "status", resp.StatusCode, "error", err.Error())
	}
	return err
}
