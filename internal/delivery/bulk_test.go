package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csvgate/csvgate/internal/logging"
	"github.com/csvgate/csvgate/internal/models"
)

type capturedRequest struct {
	Path    string
	Header  http.Header
	Rows    []map[string]interface{}
	RawBody []byte
}

// rowStoreServer answers each request with the status returned by respond(n) where n is
// the 1-based request number.
type rowStoreServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []capturedRequest
}

func newRowStoreServer(t *testing.T, respond func(n int) int) *rowStoreServer {
	t.Helper()
	s := &rowStoreServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var rows []map[string]interface{}
		_ = json.Unmarshal(body, &rows)

		s.mu.Lock()
		s.requests = append(s.requests, capturedRequest{Path: r.URL.Path, Header: r.Header.Clone(), Rows: rows, RawBody: body})
		n := len(s.requests)
		s.mu.Unlock()

		status := respond(n)
		w.WriteHeader(status)
		if status >= 400 {
			fmt.Fprintf(w, `{"message":"status %d"}`, status)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *rowStoreServer) captured() []capturedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]capturedRequest(nil), s.requests...)
}

func makeRows(n int) []models.Row {
	rows := make([]models.Row, n)
	for i := range rows {
		rows[i] = models.Row{"id": i, "email": fmt.Sprintf("user%d@example.com", i)}
	}
	return rows
}

func rowStoreDest(url string) models.DestinationConfig {
	return models.DestinationConfig{
		Type:    models.DestinationRowStore,
		URL:     url,
		APIKey:  "service-key",
		Table:   "contacts",
		Headers: map[string]string{"X-Tenant": "acme", "Authorization": "Basic nope"},
	}
}

func newTestBulkSender(rec *sleepRecorder) *ChunkedBulkSender {
	return NewChunkedBulkSender(http.DefaultClient, WithRetryPolicy(testPolicy(rec)), WithLogger(logging.Nop()))
}

func TestChunkedBulkSender_AllChunksSucceed(t *testing.T) {
	srv := newRowStoreServer(t, func(int) int { return http.StatusCreated })
	rec := &sleepRecorder{}

	res := newTestBulkSender(rec).Send(context.Background(), rowStoreDest(srv.URL+"/"), makeRows(250), nil)

	assert.Equal(t, models.DeliveryResult{Success: true, RowsDelivered: 250, Attempts: 3}, res)
	reqs := srv.captured()
	require.Len(t, reqs, 3)
	assert.Len(t, reqs[0].Rows, 100)
	assert.Len(t, reqs[1].Rows, 100)
	assert.Len(t, reqs[2].Rows, 50)
	assert.Equal(t, float64(0), reqs[0].Rows[0]["id"])
	assert.Equal(t, float64(249), reqs[2].Rows[49]["id"])
	assert.Empty(t, rec.waits)

	for _, r := range reqs {
		assert.Equal(t, "/rest/v1/contacts", r.Path)
		assert.Equal(t, "service-key", r.Header.Get("apikey"))
		assert.Equal(t, "Bearer service-key", r.Header.Get("Authorization"))
		assert.Equal(t, "return=minimal", r.Header.Get("Prefer"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "acme", r.Header.Get("X-Tenant"))
	}
}

func TestChunkedBulkSender_SecondChunkExhaustsRetries(t *testing.T) {
	// request 1 is chunk 1; requests 2..4 are the three attempts at chunk 2
	srv := newRowStoreServer(t, func(n int) int {
		if n == 1 {
			return http.StatusCreated
		}
		return http.StatusServiceUnavailable
	})
	rec := &sleepRecorder{}

	res := newTestBulkSender(rec).Send(context.Background(), rowStoreDest(srv.URL), makeRows(250), nil)

	assert.False(t, res.Success)
	assert.Equal(t, 100, res.RowsDelivered)
	assert.Equal(t, models.ErrorCodeDeliveryFailed, res.ErrorCode)
	assert.Contains(t, res.ErrorMessage, "chunk 2/3 failed after 3 attempts")
	assert.Contains(t, res.ErrorMessage, "HTTP 503")
	assert.Equal(t, 4, res.Attempts)
	assert.Len(t, srv.captured(), 4)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.waits)
}

func TestChunkedBulkSender_RetryThenSucceed(t *testing.T) {
	srv := newRowStoreServer(t, func(n int) int {
		if n == 1 {
			return http.StatusInternalServerError
		}
		return http.StatusOK
	})
	rec := &sleepRecorder{}

	res := newTestBulkSender(rec).Send(context.Background(), rowStoreDest(srv.URL), makeRows(10), nil)

	assert.True(t, res.Success)
	assert.Equal(t, 10, res.RowsDelivered)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, []time.Duration{time.Second}, rec.waits)
}

func TestChunkedBulkSender_FailFast(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantCode models.ErrorCode
	}{
		{"unauthorized", http.StatusUnauthorized, models.ErrorCodeAuthFailed},
		{"forbidden", http.StatusForbidden, models.ErrorCodeAuthFailed},
		{"bad request", http.StatusBadRequest, models.ErrorCodeDestinationRejected},
		{"conflict", http.StatusConflict, models.ErrorCodeDestinationRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newRowStoreServer(t, func(int) int { return tt.status })
			rec := &sleepRecorder{}

			res := newTestBulkSender(rec).Send(context.Background(), rowStoreDest(srv.URL), makeRows(150), nil)

			assert.False(t, res.Success)
			assert.Equal(t, 0, res.RowsDelivered)
			assert.Equal(t, tt.wantCode, res.ErrorCode)
			assert.Contains(t, res.ErrorMessage, "chunk 1/2")
			assert.Equal(t, 1, res.Attempts)
			assert.Len(t, srv.captured(), 1)
			assert.Empty(t, rec.waits)
		})
	}
}

func TestChunkedBulkSender_RateLimitedIsRetried(t *testing.T) {
	srv := newRowStoreServer(t, func(n int) int {
		if n < 3 {
			return http.StatusTooManyRequests
		}
		return http.StatusCreated
	})
	rec := &sleepRecorder{}

	res := newTestBulkSender(rec).Send(context.Background(), rowStoreDest(srv.URL), makeRows(1), nil)
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
}

func TestChunkedBulkSender_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()
	rec := &sleepRecorder{}

	res := newTestBulkSender(rec).Send(context.Background(), rowStoreDest(url), makeRows(5), nil)

	assert.False(t, res.Success)
	assert.Equal(t, models.ErrorCodeDeliveryFailed, res.ErrorCode)
	assert.Contains(t, res.ErrorMessage, "chunk 1/1 failed after 3 attempts")
	assert.Equal(t, 3, res.Attempts)
}

func TestChunkedBulkSender_InvalidDestination(t *testing.T) {
	srv := newRowStoreServer(t, func(int) int { return http.StatusCreated })
	dest := rowStoreDest(srv.URL)
	dest.Table = ""

	res := newTestBulkSender(&sleepRecorder{}).Send(context.Background(), dest, makeRows(5), nil)

	assert.False(t, res.Success)
	assert.Equal(t, models.ErrorCodeInvalidDestination, res.ErrorCode)
	assert.Empty(t, srv.captured())

	dest = rowStoreDest(srv.URL)
	dest.Type = models.DestinationWebhook
	dest.Secret = "s"
	res = newTestBulkSender(&sleepRecorder{}).Send(context.Background(), dest, makeRows(5), nil)
	assert.Equal(t, models.ErrorCodeInvalidDestination, res.ErrorCode)
	assert.Empty(t, srv.captured())
}

func TestChunkedBulkSender_ZeroRows(t *testing.T) {
	srv := newRowStoreServer(t, func(int) int { return http.StatusCreated })

	res := newTestBulkSender(&sleepRecorder{}).Send(context.Background(), rowStoreDest(srv.URL), nil, nil)

	assert.Equal(t, models.DeliveryResult{Success: true}, res)
	assert.Empty(t, srv.captured())
}

func TestChunkedBulkSender_AppliesMappings(t *testing.T) {
	srv := newRowStoreServer(t, func(int) int { return http.StatusCreated })
	dest := rowStoreDest(srv.URL)
	dest.ColumnMapping = map[string]string{"email": "contact_email"}
	dest.ContextMapping = map[string]string{"source_job": "job_id"}

	res := newTestBulkSender(&sleepRecorder{}).Send(context.Background(), dest, makeRows(2), map[string]interface{}{"job_id": "job-9"})
	require.True(t, res.Success)

	reqs := srv.captured()
	require.Len(t, reqs, 1)
	assert.Equal(t, []map[string]interface{}{
		{"contact_email": "user0@example.com", "source_job": "job-9"},
		{"contact_email": "user1@example.com", "source_job": "job-9"},
	}, reqs[0].Rows)
}

func TestChunkedBulkSender_CustomChunkSize(t *testing.T) {
	srv := newRowStoreServer(t, func(int) int { return http.StatusCreated })
	s := NewChunkedBulkSender(http.DefaultClient, WithChunkSize(7), WithRetryPolicy(testPolicy(&sleepRecorder{})), WithLogger(logging.Nop()))

	res := s.Send(context.Background(), rowStoreDest(srv.URL), makeRows(20), nil)
	assert.True(t, res.Success)
	assert.Len(t, srv.captured(), 3)
}
