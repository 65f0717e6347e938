package delivery

import (
	"context"
	"encoding/json"
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

type webhookReceiver struct {
	*httptest.Server
	mu      sync.Mutex
	bodies  [][]byte
	headers []http.Header
}

func newWebhookReceiver(t *testing.T, respond func(n int) int) *webhookReceiver {
	t.Helper()
	r := &webhookReceiver{}
	r.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.bodies = append(r.bodies, body)
		r.headers = append(r.headers, req.Header.Clone())
		n := len(r.bodies)
		r.mu.Unlock()
		w.WriteHeader(respond(n))
	}))
	t.Cleanup(r.Close)
	return r
}

// failFirst answers the first n requests with status and later ones with 200.
func failFirst(n, status int) func(int) int {
	return func(i int) int {
		if i <= n {
			return status
		}
		return http.StatusOK
	}
}

var fixedNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func newTestWebhookSender(rec *sleepRecorder) *WebhookSender {
	return NewWebhookSender(http.DefaultClient,
		WithRetryPolicy(testPolicy(rec)),
		WithLogger(logging.Nop()),
		WithClock(func() time.Time { return fixedNow }),
	)
}

func webhookDest(url string) models.DestinationConfig {
	return models.DestinationConfig{
		Type:    models.DestinationWebhook,
		URL:     url,
		Secret:  "whsec_123",
		Headers: map[string]string{"X-Signature": "forged", "X-Api-Version": "2"},
	}
}

func TestWebhookSender_SignedEnvelope(t *testing.T) {
	recv := newWebhookReceiver(t, func(int) int { return http.StatusAccepted })
	ctx := logging.WithCorrelationID(context.Background(), "corr-42")

	res := newTestWebhookSender(&sleepRecorder{}).Send(ctx, webhookDest(recv.URL), makeRows(3), nil)

	assert.Equal(t, models.DeliveryResult{Success: true, RowsDelivered: 3, Attempts: 1}, res)
	require.Len(t, recv.bodies, 1)

	body, h := recv.bodies[0], recv.headers[0]
	assert.Equal(t, "application/json", h.Get("Content-Type"))
	assert.Equal(t, "1792324800", h.Get(HeaderTimestamp))
	assert.Equal(t, "corr-42", h.Get(HeaderCorrelationID))
	assert.Equal(t, "2", h.Get("X-Api-Version"))
	assert.NotEqual(t, "forged", h.Get(HeaderSignature))
	assert.NoError(t, NewSigner("whsec_123").Verify(body, h.Get(HeaderSignature)))

	var envelope struct {
		Event         string `json:"event"`
		Timestamp     int64  `json:"timestamp"`
		CorrelationID string `json:"correlation_id"`
		Data          struct {
			Rows     []map[string]interface{} `json:"rows"`
			RowCount int                      `json:"row_count"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &envelope))
	assert.Equal(t, models.DefaultWebhookEvent, envelope.Event)
	assert.Equal(t, fixedNow.Unix(), envelope.Timestamp)
	assert.Equal(t, "corr-42", envelope.CorrelationID)
	assert.Equal(t, 3, envelope.Data.RowCount)
	assert.Len(t, envelope.Data.Rows, 3)

	canonical, err := Canonicalize(json.RawMessage(body))
	require.NoError(t, err)
	assert.Equal(t, string(canonical), string(body))
}

func TestWebhookSender_SignatureIsDeterministic(t *testing.T) {
	recv := newWebhookReceiver(t, func(int) int { return http.StatusOK })
	ctx := logging.WithCorrelationID(context.Background(), "corr-1")
	s := newTestWebhookSender(&sleepRecorder{})

	rowsA := []models.Row{{"a": 1, "b": "x", "c": true}}
	rowsB := []models.Row{{"c": true, "b": "x", "a": 1}}
	require.True(t, s.Send(ctx, webhookDest(recv.URL), rowsA, nil).Success)
	require.True(t, s.Send(ctx, webhookDest(recv.URL), rowsB, nil).Success)

	require.Len(t, recv.bodies, 2)
	assert.Equal(t, recv.bodies[0], recv.bodies[1])
	assert.Equal(t, recv.headers[0].Get(HeaderSignature), recv.headers[1].Get(HeaderSignature))
}

func TestWebhookSender_CustomEventAndEmptyRows(t *testing.T) {
	recv := newWebhookReceiver(t, func(int) int { return http.StatusOK })
	dest := webhookDest(recv.URL)
	dest.Event = "contacts.imported"

	res := newTestWebhookSender(&sleepRecorder{}).Send(context.Background(), dest, nil, nil)

	assert.True(t, res.Success)
	assert.Equal(t, 0, res.RowsDelivered)
	require.Len(t, recv.bodies, 1)
	assert.Contains(t, string(recv.bodies[0]), `"event":"contacts.imported"`)
	assert.Contains(t, string(recv.bodies[0]), `"data":{"row_count":0,"rows":[]}`)
	assert.NotEmpty(t, recv.headers[0].Get(HeaderCorrelationID))
}

func TestWebhookSender_Failures(t *testing.T) {
	tests := []struct {
		name         string
		respond      func(n int) int
		wantSuccess  bool
		wantCode     models.ErrorCode
		wantAttempts int
		wantRows     int
	}{
		{
			name:         "retry then succeed",
			respond:      failFirst(2, http.StatusBadGateway),
			wantSuccess:  true,
			wantAttempts: 3,
			wantRows:     4,
		},
		{
			name:         "exhausted",
			respond:      func(int) int { return http.StatusBadGateway },
			wantCode:     models.ErrorCodeDeliveryFailed,
			wantAttempts: 3,
		},
		{
			name:         "auth",
			respond:      func(int) int { return http.StatusUnauthorized },
			wantCode:     models.ErrorCodeAuthFailed,
			wantAttempts: 1,
		},
		{
			name:         "permanent",
			respond:      func(int) int { return http.StatusUnprocessableEntity },
			wantCode:     models.ErrorCodeDestinationRejected,
			wantAttempts: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recv := newWebhookReceiver(t, tt.respond)
			res := newTestWebhookSender(&sleepRecorder{}).Send(context.Background(), webhookDest(recv.URL), makeRows(4), nil)

			assert.Equal(t, tt.wantSuccess, res.Success)
			assert.Equal(t, tt.wantCode, res.ErrorCode)
			assert.Equal(t, tt.wantAttempts, res.Attempts)
			assert.Equal(t, tt.wantRows, res.RowsDelivered)
			assert.Len(t, recv.bodies, tt.wantAttempts)
			if !tt.wantSuccess {
				assert.NotEmpty(t, res.ErrorMessage)
			}
		})
	}
}

func TestWebhookSender_RequiresSecret(t *testing.T) {
	recv := newWebhookReceiver(t, func(int) int { return http.StatusOK })
	dest := webhookDest(recv.URL)
	dest.Secret = ""

	res := newTestWebhookSender(&sleepRecorder{}).Send(context.Background(), dest, makeRows(1), nil)
	assert.Equal(t, models.ErrorCodeInvalidDestination, res.ErrorCode)
	assert.Empty(t, recv.bodies)
}
