package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/csvgate/csvgate/internal/models"
)

// DefaultLockTimeout bounds how long IncrementUsage waits for a busy record.
const DefaultLockTimeout = 5 * time.Second

// MemoryStore provides an in-memory storage for usage, accounts and delivery logs.
// It is thread-safe and supports concurrent access.
type MemoryStore struct {
	mu       sync.RWMutex
	usage    map[string]*models.UsageRecord // key: accountID|period
	accounts map[string]*models.Account
	logs     []*models.DeliveryLog

	locks       *keyedLocks
	lockTimeout time.Duration
	now         func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithLockTimeout sets how long IncrementUsage waits for the record lock.
func WithLockTimeout(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		usage:       make(map[string]*models.UsageRecord),
		accounts:    make(map[string]*models.Account),
		locks:       newKeyedLocks(),
		lockTimeout: DefaultLockTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Usage operations

// GetOrCreateUsage returns the record for (accountID, period), creating it if absent.
func (s *MemoryStore) GetOrCreateUsage(ctx context.Context, accountID, period string) (*models.UsageRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := usageKey(accountID, period)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.usage[key]
	if !ok {
		rec = models.NewUsageRecord(accountID, period, s.now().UTC())
		s.usage[key] = rec
	}
	cp := *rec
	return &cp, nil
}

// IncrementUsage runs the check-and-increment under the record's lock.
func (s *MemoryStore) IncrementUsage(ctx context.Context, accountID, period string, limit models.ImportLimit, rows int) (*models.UsageRecord, models.IncrementOutcome, error) {
	key := usageKey(accountID, period)

	unlock, err := s.locks.acquire(ctx, key, s.lockTimeout)
	if err != nil {
		return nil, models.IncrementOutcome{}, err
	}
	defer unlock()

	s.mu.Lock()
	rec, ok := s.usage[key]
	if !ok {
		rec = models.NewUsageRecord(accountID, period, s.now().UTC())
		s.usage[key] = rec
	}
	// Work on a copy and swap it in so readers never see a half-applied record.
	next := *rec
	s.mu.Unlock()

	out := next.Apply(limit, rows, s.now().UTC())
	if !out.Exceeded {
		s.mu.Lock()
		s.usage[key] = &next
		s.mu.Unlock()
	}

	cp := next
	return &cp, out, nil
}

// ListUsage returns the records of a period ordered by account id.
func (s *MemoryStore) ListUsage(ctx context.Context, period string) ([]*models.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.UsageRecord, 0)
	for _, rec := range s.usage {
		if rec.Period != period {
			continue
		}
		cp := *rec
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AccountID < result[j].AccountID })
	return result, nil
}

// Account operations

// GetAccount retrieves an account by ID
func (s *MemoryStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acc
	return &cp, nil
}

// SetAccount stores or updates an account
func (s *MemoryStore) SetAccount(ctx context.Context, acc *models.Account) error {
	if err := acc.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	cp := *acc
	if existing, ok := s.accounts[acc.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.accounts[acc.ID] = &cp
	return nil
}

// ListAccounts returns all accounts ordered by id
func (s *MemoryStore) ListAccounts(ctx context.Context) ([]*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		cp := *acc
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// Delivery log operations

// SaveDeliveryLog appends a delivery log.
func (s *MemoryStore) SaveDeliveryLog(ctx context.Context, log *models.DeliveryLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *log
	s.logs = append(s.logs, &cp)
	return nil
}

// ListDeliveryLogs returns the logs of a job in insertion order. An empty jobID lists all.
func (s *MemoryStore) ListDeliveryLogs(ctx context.Context, jobID string) ([]*models.DeliveryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.DeliveryLog, 0)
	for _, l := range s.logs {
		if jobID != "" && l.JobID != jobID {
			continue
		}
		cp := *l
		result = append(result, &cp)
	}
	return result, nil
}

// Stats returns store statistics
func (s *MemoryStore) Stats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return StoreStats{
		AccountCount:     len(s.accounts),
		UsageRecordCount: len(s.usage),
		DeliveryLogCount: len(s.logs),
	}
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// Ensure MemoryStore implements the Store interface
var _ Store = (*MemoryStore)(nil)
