package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/csvgate/csvgate/internal/errors"
	"github.com/csvgate/csvgate/internal/logging"
	"github.com/csvgate/csvgate/internal/metrics"
	"github.com/csvgate/csvgate/internal/models"
	"github.com/csvgate/csvgate/internal/quota"
	"github.com/csvgate/csvgate/internal/store"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.ThresholdEvent
}

func (n *recordingNotifier) NotifyUsageThreshold(ctx context.Context, event models.ThresholdEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) kinds() []models.ThresholdKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	kinds := make([]models.ThresholdKind, 0, len(n.events))
	for _, e := range n.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

type failingStore struct {
	store.UsageStore
	err error
}

func (f failingStore) IncrementUsage(ctx context.Context, accountID, period string, limit models.ImportLimit, rows int) (*models.UsageRecord, models.IncrementOutcome, error) {
	return nil, models.IncrementOutcome{}, f.err
}

func (f failingStore) GetOrCreateUsage(ctx context.Context, accountID, period string) (*models.UsageRecord, error) {
	return nil, f.err
}

type staticTiers map[string]models.Tier

func (s staticTiers) GetTier(ctx context.Context, accountID string) (models.Tier, error) {
	if t, ok := s[accountID]; ok {
		return t, nil
	}
	return models.TierFree, nil
}

type errTiers struct{ err error }

func (e errTiers) GetTier(ctx context.Context, accountID string) (models.Tier, error) {
	return "", e.err
}

func fixedClock() Clock {
	return ClockFunc(func() time.Time { return time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC) })
}

func newTestLedger(t *testing.T, s store.UsageStore, policy *quota.Policy, opts ...Option) (*Ledger, *recordingNotifier) {
	t.Helper()
	n := &recordingNotifier{}
	opts = append([]Option{
		WithNotifier(n),
		WithClock(fixedClock()),
		WithLogger(logging.Nop()),
	}, opts...)
	return New(s, policy, staticTiers{"pro-acct": models.TierPro, "biz-acct": models.TierBusiness}, opts...), n
}

func TestLedger_LimitAtNinetyNine(t *testing.T) {
	l, n := newTestLedger(t, store.NewMemoryStore(), quota.NewPolicy(nil))
	ctx := context.Background()

	for i := 0; i < 99; i++ {
		adm, err := l.CheckAndIncrement(ctx, "pro-acct", "2026-10", models.TierPro, 1)
		require.NoError(t, err)
		require.False(t, adm.Exceeded)
	}
	assert.Equal(t, []models.ThresholdKind{models.ThresholdWarning}, n.kinds())

	adm, err := l.CheckAndIncrement(ctx, "pro-acct", "2026-10", models.TierPro, 5)
	require.NoError(t, err)
	assert.False(t, adm.Exceeded)
	assert.Equal(t, 100, adm.NewCount)
	assert.Equal(t, models.LimitOf(100), adm.Limit)
	assert.Equal(t, []models.ThresholdKind{models.ThresholdWarning, models.ThresholdLimit}, n.kinds())

	adm, err = l.CheckAndIncrement(ctx, "pro-acct", "2026-10", models.TierPro, 5)
	require.NoError(t, err)
	assert.True(t, adm.Exceeded)
	assert.Equal(t, 100, adm.NewCount)
	assert.Len(t, n.kinds(), 2)

	rec, err := l.GetOrCreate(ctx, "pro-acct", "2026-10")
	require.NoError(t, err)
	assert.Equal(t, 100, rec.ImportCount)
	assert.Equal(t, int64(104), rec.RowCount)
}

func TestLedger_ThresholdEventFields(t *testing.T) {
	l, n := newTestLedger(t, store.NewMemoryStore(), quota.NewPolicy(nil))

	for i := 0; i < 8; i++ {
		_, err := l.Admit(context.Background(), "free-acct", 1)
		require.NoError(t, err)
	}

	require.Len(t, n.events, 1)
	e := n.events[0]
	assert.Equal(t, "free-acct", e.AccountID)
	assert.Equal(t, "2026-10", e.Period)
	assert.Equal(t, models.ThresholdWarning, e.Kind)
	assert.Equal(t, 8, e.NewCount)
	assert.Equal(t, 10, e.Limit)
}

func TestLedger_ConcurrentAdmissions(t *testing.T) {
	m := metrics.NewMetrics("ledgertest")
	l, n := newTestLedger(t, store.NewMemoryStore(), quota.NewPolicy(nil), WithMetrics(m))

	const callers = 50
	results := make(chan Admission, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			adm, err := l.Admit(context.Background(), "free-acct", 10)
			assert.NoError(t, err)
			results <- adm
		}()
	}
	wg.Wait()
	close(results)

	admitted := 0
	for adm := range results {
		if !adm.Exceeded {
			admitted++
		}
	}
	assert.Equal(t, 10, admitted)
	assert.ElementsMatch(t, []models.ThresholdKind{models.ThresholdWarning, models.ThresholdLimit}, n.kinds())
}

func TestLedger_UnlimitedTier(t *testing.T) {
	l, n := newTestLedger(t, store.NewMemoryStore(), quota.NewPolicy(nil))

	for i := 0; i < 250; i++ {
		adm, err := l.Admit(context.Background(), "biz-acct", 1)
		require.NoError(t, err)
		require.False(t, adm.Exceeded)
		require.True(t, adm.Limit.IsUnlimited())
	}
	assert.Empty(t, n.kinds())
}

func TestLedger_FailsClosed(t *testing.T) {
	boom := errors.New("disk on fire")
	l, n := newTestLedger(t, failingStore{err: boom}, quota.NewPolicy(nil), WithBackendName("sqlite"))

	adm, err := l.Admit(context.Background(), "free-acct", 1)
	require.Error(t, err)
	assert.Equal(t, Admission{}, adm)
	assert.True(t, apperrors.IsRetryable(err))
	assert.ErrorIs(t, err, boom)

	var unavailable *apperrors.ErrLedgerUnavailable
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "sqlite", unavailable.Backend)
	assert.Equal(t, "2026-10", unavailable.Period)
	assert.Empty(t, n.kinds())

	_, err = l.GetOrCreate(context.Background(), "free-acct", "2026-10")
	assert.ErrorAs(t, err, &unavailable)
}

func TestLedger_LockTimeoutIsUnavailable(t *testing.T) {
	l, _ := newTestLedger(t, failingStore{err: store.ErrLockTimeout}, quota.NewPolicy(nil))

	_, err := l.Admit(context.Background(), "free-acct", 1)
	assert.ErrorIs(t, err, store.ErrLockTimeout)
	assert.True(t, apperrors.IsRetryable(err))
}

func TestLedger_AdmitEnforcesRowCap(t *testing.T) {
	s := store.NewMemoryStore()
	l, _ := newTestLedger(t, s, quota.NewPolicy(nil))
	ctx := context.Background()

	adm, err := l.Admit(ctx, "free-acct", 1001)
	var rowLimit *apperrors.ErrRowLimitExceeded
	require.ErrorAs(t, err, &rowLimit)
	assert.Equal(t, 1000, rowLimit.Max)
	assert.Equal(t, Admission{}, adm)
	assert.Equal(t, 0, s.Stats().UsageRecordCount)

	adm, err = l.Admit(ctx, "free-acct", 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, adm.NewCount)

	_, err = l.Admit(ctx, "pro-acct", 1001)
	assert.NoError(t, err)
}

func TestLedger_TierLookupFailure(t *testing.T) {
	n := &recordingNotifier{}
	l := New(store.NewMemoryStore(), quota.NewPolicy(nil), errTiers{err: errors.New("accounts offline")},
		WithNotifier(n), WithLogger(logging.Nop()))

	_, err := l.Admit(context.Background(), "acct", 1)
	var unavailable *apperrors.ErrLedgerUnavailable
	assert.ErrorAs(t, err, &unavailable)

	_, err = l.Tier(context.Background(), "acct")
	assert.ErrorAs(t, err, &unavailable)
}

func TestLedger_Tier(t *testing.T) {
	l, _ := newTestLedger(t, store.NewMemoryStore(), quota.NewPolicy(nil))

	tier, err := l.Tier(context.Background(), "pro-acct")
	require.NoError(t, err)
	assert.Equal(t, models.TierPro, tier)

	tier, err = l.Tier(context.Background(), "someone-else")
	require.NoError(t, err)
	assert.Equal(t, models.TierFree, tier)
}

func TestAccountTiers(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.SetAccount(ctx, &models.Account{ID: "acct", Tier: models.TierPro}))

	tiers := AccountTiers{Accounts: s}
	tier, err := tiers.GetTier(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, models.TierPro, tier)

	tier, err = tiers.GetTier(ctx, "unknown")
	require.NoError(t, err)
	assert.Equal(t, models.TierFree, tier)
}

func TestClockFunc(t *testing.T) {
	assert.Equal(t, "2026-10", fixedClock().CurrentPeriod())
	assert.Regexp(t, `^\d{4}-\d{2}$`, SystemClock{}.CurrentPeriod())
}
