package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/csvgate/csvgate/internal/models"
	"github.com/csvgate/csvgate/internal/store"
)

// SystemClock derives the period from the wall clock in UTC.
type SystemClock struct{}

// CurrentPeriod implements Clock.
func (SystemClock) CurrentPeriod() string {
	return models.PeriodFor(time.Now())
}

// ClockFunc adapts a time source to Clock.
type ClockFunc func() time.Time

// CurrentPeriod implements Clock.
func (f ClockFunc) CurrentPeriod() string {
	return models.PeriodFor(f())
}

// AccountTiers reads tiers from an account store. Unknown accounts are on the free tier.
type AccountTiers struct {
	Accounts store.AccountStore
}

// GetTier implements TierProvider.
func (a AccountTiers) GetTier(ctx context.Context, accountID string) (models.Tier, error) {
	acc, err := a.Accounts.GetAccount(ctx, accountID)
	if errors.Is(err, store.ErrAccountNotFound) {
		return models.TierFree, nil
	}
	if err != nil {
		return "", err
	}
	return acc.Tier, nil
}
