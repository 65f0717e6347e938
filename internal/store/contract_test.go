package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csvgate/csvgate/internal/models"
)

// runUsageStoreContract exercises the behaviour every UsageStore must share.
func runUsageStoreContract(t *testing.T, newStore func(t *testing.T) UsageStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("get or create is idempotent", func(t *testing.T) {
		s := newStore(t)

		var wg sync.WaitGroup
		records := make([]*models.UsageRecord, 10)
		for i := range records {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				rec, err := s.GetOrCreateUsage(ctx, "acct-idem", "2026-10")
				assert.NoError(t, err)
				records[i] = rec
			}(i)
		}
		wg.Wait()

		for _, rec := range records {
			require.NotNil(t, rec)
			assert.Equal(t, "acct-idem", rec.AccountID)
			assert.Equal(t, "2026-10", rec.Period)
			assert.Equal(t, 0, rec.ImportCount)
		}
	})

	t.Run("increment admits until the limit", func(t *testing.T) {
		s := newStore(t)

		for i := 1; i <= 3; i++ {
			rec, out, err := s.IncrementUsage(ctx, "acct-inc", "2026-10", models.LimitOf(3), 10)
			require.NoError(t, err)
			assert.False(t, out.Exceeded)
			assert.Equal(t, i, rec.ImportCount)
			assert.Equal(t, int64(10*i), rec.RowCount)
		}

		rec, out, err := s.IncrementUsage(ctx, "acct-inc", "2026-10", models.LimitOf(3), 10)
		require.NoError(t, err)
		assert.True(t, out.Exceeded)
		assert.Equal(t, 3, rec.ImportCount)

		got, err := s.GetOrCreateUsage(ctx, "acct-inc", "2026-10")
		require.NoError(t, err)
		assert.Equal(t, 3, got.ImportCount)
		assert.Equal(t, int64(30), got.RowCount)
		assert.True(t, got.WarningSent)
		assert.True(t, got.LimitSent)
	})

	t.Run("periods are independent", func(t *testing.T) {
		s := newStore(t)

		_, out, err := s.IncrementUsage(ctx, "acct-per", "2026-09", models.LimitOf(1), 1)
		require.NoError(t, err)
		assert.False(t, out.Exceeded)

		_, out, err = s.IncrementUsage(ctx, "acct-per", "2026-10", models.LimitOf(1), 1)
		require.NoError(t, err)
		assert.False(t, out.Exceeded)
	})

	t.Run("no over-admission under concurrency", func(t *testing.T) {
		s := newStore(t)
		const limit = 10
		const callers = 40

		var admitted, warnings, limits int32
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, out, err := s.IncrementUsage(ctx, "acct-race", "2026-10", models.LimitOf(limit), 1)
				if !assert.NoError(t, err) {
					return
				}
				if !out.Exceeded {
					atomic.AddInt32(&admitted, 1)
				}
				if out.WarningCrossed {
					atomic.AddInt32(&warnings, 1)
				}
				if out.LimitCrossed {
					atomic.AddInt32(&limits, 1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(limit), admitted)
		assert.Equal(t, int32(1), warnings)
		assert.Equal(t, int32(1), limits)

		rec, err := s.GetOrCreateUsage(ctx, "acct-race", "2026-10")
		require.NoError(t, err)
		assert.Equal(t, limit, rec.ImportCount)
	})

	t.Run("unlimited never flips flags", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 5; i++ {
			_, out, err := s.IncrementUsage(ctx, fmt.Sprintf("acct-unl-%d", i%2), "2026-10", models.Unlimited(), 1)
			require.NoError(t, err)
			assert.Equal(t, models.IncrementOutcome{}, out)
		}
		rec, err := s.GetOrCreateUsage(ctx, "acct-unl-0", "2026-10")
		require.NoError(t, err)
		assert.Equal(t, 3, rec.ImportCount)
		assert.False(t, rec.WarningSent)
	})
}
