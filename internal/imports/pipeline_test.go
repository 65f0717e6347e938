package imports

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csvgate/csvgate/internal/delivery"
	apperrors "github.com/csvgate/csvgate/internal/errors"
	"github.com/csvgate/csvgate/internal/ledger"
	"github.com/csvgate/csvgate/internal/logging"
	"github.com/csvgate/csvgate/internal/models"
	"github.com/csvgate/csvgate/internal/quota"
	"github.com/csvgate/csvgate/internal/store"
)

type stubDeliverer struct {
	mu     sync.Mutex
	calls  int
	result models.DeliveryResult
}

func (s *stubDeliverer) Deliver(ctx context.Context, dest models.DestinationConfig, rows []models.Row, rowContext map[string]interface{}) models.DeliveryResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.result
}

func (s *stubDeliverer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type failureRecorder struct {
	mu      sync.Mutex
	jobs    []string
	details []string
}

func (f *failureRecorder) NotifyDeliveryFailure(ctx context.Context, jobID, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, jobID)
	f.details = append(f.details, detail)
}

type brokenLogs struct{}

func (brokenLogs) SaveDeliveryLog(ctx context.Context, log *models.DeliveryLog) error {
	return errors.New("disk full")
}

type brokenTiers struct{}

func (brokenTiers) GetTier(ctx context.Context, accountID string) (models.Tier, error) {
	return "", errors.New("accounts offline")
}

func webhookDest(url string) models.DestinationConfig {
	return models.DestinationConfig{Type: models.DestinationWebhook, URL: url, Secret: "s3cret"}
}

func rows(n int) []models.Row {
	out := make([]models.Row, n)
	for i := range out {
		out[i] = models.Row{"n": i}
	}
	return out
}

func fixedClock() ledger.Clock {
	return ledger.ClockFunc(func() time.Time { return time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC) })
}

type fixture struct {
	store    *store.MemoryStore
	ledger   *ledger.Ledger
	deliver  *stubDeliverer
	notifier *failureRecorder
	svc      *Service
}

func newFixture(t *testing.T, result models.DeliveryResult) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	l := ledger.New(s, quota.NewPolicy(nil), ledger.AccountTiers{Accounts: s},
		ledger.WithClock(fixedClock()), ledger.WithLogger(logging.Nop()))
	d := &stubDeliverer{result: result}
	n := &failureRecorder{}
	return &fixture{
		store:    s,
		ledger:   l,
		deliver:  d,
		notifier: n,
		svc:      NewService(l, d, s, WithNotifier(n), WithLogger(logging.Nop())),
	}
}

func TestRunDelivered(t *testing.T) {
	f := newFixture(t, models.DeliveryResult{Success: true, RowsDelivered: 3, Attempts: 1})
	ctx := logging.WithCorrelationID(context.Background(), "cid-1")

	out, err := f.svc.Run(ctx, Request{JobID: "job-1", AccountID: "acct", Destination: webhookDest("https://example.com/hook"), Rows: rows(3)})
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, out.Status)
	require.NotNil(t, out.Admission)
	assert.Equal(t, 1, out.Admission.NewCount)
	require.NotNil(t, out.Result)
	assert.Equal(t, 3, out.Result.RowsDelivered)
	assert.NotEmpty(t, out.LogID)

	logs, err := f.store.ListDeliveryLogs(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "acct", logs[0].AccountID)
	assert.Equal(t, "cid-1", logs[0].CorrelationID)
	assert.Equal(t, 3, logs[0].RowsSubmitted)
	assert.True(t, logs[0].Success)
	assert.Empty(t, f.notifier.jobs)

	rec, err := f.ledger.GetOrCreate(ctx, "acct", "2026-10")
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.RowCount)
}

func TestRunRowCap(t *testing.T) {
	f := newFixture(t, models.DeliveryResult{Success: true})

	_, err := f.svc.Run(context.Background(), Request{AccountID: "acct", Destination: webhookDest("https://example.com/hook"), Rows: rows(1001)})
	var capErr *apperrors.ErrRowLimitExceeded
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, 1000, capErr.Max)
	assert.Equal(t, 0, f.deliver.Calls())

	rec, err := f.ledger.GetOrCreate(context.Background(), "acct", "2026-10")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.ImportCount, "row cap rejection consumes no quota")
}

func TestRunRowCapFollowsTier(t *testing.T) {
	f := newFixture(t, models.DeliveryResult{Success: true, RowsDelivered: 1001})
	require.NoError(t, f.store.SetAccount(context.Background(), &models.Account{ID: "acct", Tier: models.TierPro}))

	out, err := f.svc.Run(context.Background(), Request{AccountID: "acct", Destination: webhookDest("https://example.com/hook"), Rows: rows(1001)})
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, out.Status)
	assert.Equal(t, models.TierPro, out.Admission.Tier)
}

func TestRunQuotaExceeded(t *testing.T) {
	f := newFixture(t, models.DeliveryResult{Success: true})
	req := Request{AccountID: "acct", Destination: webhookDest("https://example.com/hook"), Rows: rows(1)}

	for i := 0; i < 10; i++ {
		out, err := f.svc.Run(context.Background(), req)
		require.NoError(t, err)
		require.Equal(t, StatusDelivered, out.Status)
	}

	out, err := f.svc.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusQuotaExceeded, out.Status)
	assert.True(t, out.Admission.Exceeded)
	assert.Nil(t, out.Result)
	assert.NotEmpty(t, out.JobID)
	assert.Equal(t, 10, f.deliver.Calls())
}

func TestRunDeliveryFailure(t *testing.T) {
	f := newFixture(t, models.DeliveryResult{
		Success:       false,
		RowsDelivered: 100,
		ErrorCode:     models.ErrorCodeDeliveryFailed,
		ErrorMessage:  "chunk 2/3 failed after 3 attempts",
		Attempts:      4,
	})

	out, err := f.svc.Run(context.Background(), Request{JobID: "job-9", AccountID: "acct", Destination: webhookDest("https://example.com/hook"), Rows: rows(250)})
	require.NoError(t, err)
	assert.Equal(t, StatusDeliveryFailed, out.Status)
	assert.Equal(t, 100, out.Result.RowsDelivered)

	require.Equal(t, []string{"job-9"}, f.notifier.jobs)
	assert.Contains(t, f.notifier.details[0], "100 of 250 rows delivered")
	assert.Contains(t, f.notifier.details[0], "DELIVERY_FAILED")

	logs, err := f.store.ListDeliveryLogs(context.Background(), "job-9")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, out.Result.ErrorCode, logs[0].ErrorCode)
	assert.Equal(t, 4, logs[0].Attempts)
}

func TestRunLedgerUnavailable(t *testing.T) {
	s := store.NewMemoryStore()
	l := ledger.New(s, quota.NewPolicy(nil), brokenTiers{}, ledger.WithLogger(logging.Nop()))
	d := &stubDeliverer{}
	svc := NewService(l, d, s)

	_, err := svc.Run(context.Background(), Request{AccountID: "acct", Destination: webhookDest("https://example.com/hook"), Rows: rows(1)})
	var unavailable *apperrors.ErrLedgerUnavailable
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, 0, d.Calls())
}

func TestRunValidation(t *testing.T) {
	f := newFixture(t, models.DeliveryResult{Success: true})

	_, err := f.svc.Run(context.Background(), Request{Destination: webhookDest("https://example.com/hook")})
	var invalid *apperrors.ErrRequestValidation
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "account_id", invalid.Field)

	_, err = f.svc.Run(context.Background(), Request{AccountID: "acct", Destination: models.DestinationConfig{Type: models.DestinationWebhook, URL: "https://example.com"}})
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "destination", invalid.Field)
	assert.Equal(t, 0, f.deliver.Calls())
}

func TestDeliverSkipsQuota(t *testing.T) {
	f := newFixture(t, models.DeliveryResult{Success: true, RowsDelivered: 2, Attempts: 1})

	out, err := f.svc.Deliver(context.Background(), Request{JobID: "job-2", Destination: webhookDest("https://example.com/hook"), Rows: rows(2)})
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, out.Status)
	assert.Nil(t, out.Admission)

	stats := f.store.Stats()
	assert.Equal(t, 0, stats.UsageRecordCount)
	assert.Equal(t, 1, stats.DeliveryLogCount)
}

func TestLogFailureKeepsOutcome(t *testing.T) {
	s := store.NewMemoryStore()
	l := ledger.New(s, quota.NewPolicy(nil), ledger.AccountTiers{Accounts: s}, ledger.WithLogger(logging.Nop()))
	svc := NewService(l, &stubDeliverer{result: models.DeliveryResult{Success: true, RowsDelivered: 1}}, brokenLogs{})

	out, err := svc.Run(context.Background(), Request{AccountID: "acct", Destination: webhookDest("https://example.com/hook"), Rows: rows(1)})
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, out.Status)
	assert.Empty(t, out.LogID)
}

func TestRunEndToEndWebhook(t *testing.T) {
	var (
		mu        sync.Mutex
		bodies    [][]byte
		signature string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, body)
		signature = r.Header.Get(delivery.HeaderSignature)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := store.NewMemoryStore()
	l := ledger.New(s, quota.NewPolicy(nil), ledger.AccountTiers{Accounts: s},
		ledger.WithClock(fixedClock()), ledger.WithLogger(logging.Nop()))
	d := delivery.NewDispatcher(srv.Client(), delivery.WithLogger(logging.Nop()))
	svc := NewService(l, d, s)

	out, err := svc.Run(context.Background(), Request{
		JobID:       "job-e2e",
		AccountID:   "acct",
		Destination: webhookDest(srv.URL),
		Rows:        rows(5),
		Context:     map[string]interface{}{"source": "upload.csv"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, out.Status)
	assert.Equal(t, 5, out.Result.RowsDelivered)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 1)
	assert.NoError(t, delivery.NewSigner("s3cret").Verify(bodies[0], signature))
}
