// Package store persists accounts, usage records and delivery logs.
package store

import (
	"context"
	"errors"

	"github.com/csvgate/csvgate/internal/models"
)

// ErrLockTimeout is returned when the exclusive section for a usage record could not be
// entered before the lock timeout.
var ErrLockTimeout = errors.New("timed out waiting for usage record lock")

// ErrAccountNotFound is returned by account lookups for unknown ids.
var ErrAccountNotFound = errors.New("account not found")

// UsageStore holds per-account, per-period usage counters.
//
// IncrementUsage is the atomic unit of the ledger: implementations must load the
// record, run UsageRecord.Apply and persist the result with no other writer to the same
// (account, period) in between. No network I/O may happen while that exclusion is held.
type UsageStore interface {
	GetOrCreateUsage(ctx context.Context, accountID, period string) (*models.UsageRecord, error)
	IncrementUsage(ctx context.Context, accountID, period string, limit models.ImportLimit, rows int) (*models.UsageRecord, models.IncrementOutcome, error)
	Close() error
}

// UsageLister is implemented by usage stores that can enumerate a period.
type UsageLister interface {
	ListUsage(ctx context.Context, period string) ([]*models.UsageRecord, error)
}

// AccountStore provides account tiers.
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	SetAccount(ctx context.Context, acc *models.Account) error
	ListAccounts(ctx context.Context) ([]*models.Account, error)
}

// DeliveryLogStore records delivery outcomes.
type DeliveryLogStore interface {
	SaveDeliveryLog(ctx context.Context, log *models.DeliveryLog) error
	ListDeliveryLogs(ctx context.Context, jobID string) ([]*models.DeliveryLog, error)
}

// Store is a full backend: usage, accounts and delivery logs.
type Store interface {
	UsageStore
	AccountStore
	DeliveryLogStore
}

// StoreStats summarizes store contents.
type StoreStats struct {
	AccountCount     int `json:"account_count"`
	UsageRecordCount int `json:"usage_record_count"`
	DeliveryLogCount int `json:"delivery_log_count"`
}

func usageKey(accountID, period string) string {
	return accountID + "|" + period
}
