package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csvgate/csvgate/internal/models"
)

func TestMemoryStore_UsageContract(t *testing.T) {
	runUsageStoreContract(t, func(t *testing.T) UsageStore {
		return NewMemoryStore()
	})
}

func TestMemoryStore_LockTimeout(t *testing.T) {
	s := NewMemoryStore(WithLockTimeout(20 * time.Millisecond))

	unlock, err := s.locks.acquire(context.Background(), usageKey("acct", "2026-10"), time.Second)
	require.NoError(t, err)

	_, _, err = s.IncrementUsage(context.Background(), "acct", "2026-10", models.LimitOf(5), 1)
	assert.ErrorIs(t, err, ErrLockTimeout)

	unlock()
	_, out, err := s.IncrementUsage(context.Background(), "acct", "2026-10", models.LimitOf(5), 1)
	require.NoError(t, err)
	assert.False(t, out.Exceeded)
	assert.Equal(t, 0, s.locks.size())
}

func TestMemoryStore_LockRespectsContext(t *testing.T) {
	s := NewMemoryStore()

	unlock, err := s.locks.acquire(context.Background(), usageKey("acct", "2026-10"), time.Second)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err = s.IncrementUsage(ctx, "acct", "2026-10", models.LimitOf(5), 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryStore_ListUsage(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, _, err := s.IncrementUsage(ctx, "b", "2026-10", models.LimitOf(10), 5)
	require.NoError(t, err)
	_, _, err = s.IncrementUsage(ctx, "a", "2026-10", models.LimitOf(10), 2)
	require.NoError(t, err)
	_, err = s.GetOrCreateUsage(ctx, "a", "2026-09")
	require.NoError(t, err)

	recs, err := s.ListUsage(ctx, "2026-10")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].AccountID)
	assert.Equal(t, int64(5), recs[1].RowCount)

	recs[0].ImportCount = 99
	again, err := s.ListUsage(ctx, "2026-10")
	require.NoError(t, err)
	assert.Equal(t, 1, again[0].ImportCount)
}

func TestMemoryStore_Accounts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.GetAccount(ctx, "missing")
	assert.ErrorIs(t, err, ErrAccountNotFound)

	require.NoError(t, s.SetAccount(ctx, &models.Account{ID: "b", Tier: models.TierPro}))
	require.NoError(t, s.SetAccount(ctx, &models.Account{ID: "a", Tier: models.TierFree}))
	assert.Error(t, s.SetAccount(ctx, &models.Account{ID: "c", Tier: "gold"}))

	acc, err := s.GetAccount(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, models.TierPro, acc.Tier)
	created := acc.CreatedAt

	require.NoError(t, s.SetAccount(ctx, &models.Account{ID: "b", Tier: models.TierBusiness}))
	acc, err = s.GetAccount(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, models.TierBusiness, acc.Tier)
	assert.Equal(t, created, acc.CreatedAt)

	list, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
}

func TestMemoryStore_DeliveryLogs(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	res := models.DeliveryResult{Success: true, RowsDelivered: 3, Attempts: 1}
	require.NoError(t, s.SaveDeliveryLog(ctx, models.NewDeliveryLog("job-1", "acct", "", models.DestinationWebhook, 3, res, now, now)))
	require.NoError(t, s.SaveDeliveryLog(ctx, models.NewDeliveryLog("job-2", "acct", "", models.DestinationRowStore, 1, res, now, now)))

	logs, err := s.ListDeliveryLogs(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.DestinationWebhook, logs[0].DestinationType)

	all, err := s.ListDeliveryLogs(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	stats := s.Stats()
	assert.Equal(t, 2, stats.DeliveryLogCount)
}
