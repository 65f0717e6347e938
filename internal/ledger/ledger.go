// Package ledger is the quota gate: it admits or rejects imports against per-period
// usage counters and emits threshold notifications.
package ledger

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/csvgate/csvgate/internal/errors"
	"github.com/csvgate/csvgate/internal/logging"
	"github.com/csvgate/csvgate/internal/metrics"
	"github.com/csvgate/csvgate/internal/models"
	"github.com/csvgate/csvgate/internal/quota"
	"github.com/csvgate/csvgate/internal/store"
)

// TierProvider resolves the billing tier of an account.
type TierProvider interface {
	GetTier(ctx context.Context, accountID string) (models.Tier, error)
}

// Clock yields the current usage period.
type Clock interface {
	CurrentPeriod() string
}

// ThresholdNotifier receives usage threshold crossings. Implementations must not block.
type ThresholdNotifier interface {
	NotifyUsageThreshold(ctx context.Context, event models.ThresholdEvent)
}

// Admission is the answer to a quota check.
type Admission struct {
	AccountID string             `json:"account_id"`
	Period    string             `json:"period"`
	Tier      models.Tier        `json:"tier"`
	Exceeded  bool               `json:"exceeded"`
	NewCount  int                `json:"new_count"`
	Limit     models.ImportLimit `json:"limit"`
}

// Ledger owns usage records through a UsageStore.
type Ledger struct {
	store    store.UsageStore
	policy   *quota.Policy
	tiers    TierProvider
	clock    Clock
	notifier ThresholdNotifier
	metrics  *metrics.Metrics
	logger   *logging.Logger
	now      func() time.Time
	backend  string
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithNotifier sets the threshold notifier.
func WithNotifier(n ThresholdNotifier) Option {
	return func(l *Ledger) {
		l.notifier = n
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) {
		l.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock sets the period clock.
func WithClock(c Clock) Option {
	return func(l *Ledger) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithBackendName labels ledger errors with the storage backend in use.
func WithBackendName(name string) Option {
	return func(l *Ledger) {
		l.backend = name
	}
}

// New creates a ledger.
func New(s store.UsageStore, policy *quota.Policy, tiers TierProvider, opts ...Option) *Ledger {
	l := &Ledger{
		store:  s,
		policy: policy,
		tiers:  tiers,
		clock:  SystemClock{},
		logger: logging.NewLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Period returns the current usage period.
func (l *Ledger) Period() string {
	return l.clock.CurrentPeriod()
}

// Policy returns the quota policy in use.
func (l *Ledger) Policy() *quota.Policy {
	return l.policy
}

// GetOrCreate returns the usage record of (accountID, period), creating it if absent.
func (l *Ledger) GetOrCreate(ctx context.Context, accountID, period string) (*models.UsageRecord, error) {
	start := time.Now()
	rec, err := l.store.GetOrCreateUsage(ctx, accountID, period)
	l.metrics.RecordLedgerOperation("get_or_create", time.Since(start).Seconds())
	if err != nil {
		return nil, l.unavailable(accountID, period, err)
	}
	return rec, nil
}

// CheckAndIncrement admits one import for (accountID, period) if tier's limit allows it.
// Threshold notifications are sent after the store has committed the increment.
func (l *Ledger) CheckAndIncrement(ctx context.Context, accountID, period string, tier models.Tier, rows int) (Admission, error) {
	limits := l.policy.LimitsFor(tier)

	start := time.Now()
	rec, out, err := l.store.IncrementUsage(ctx, accountID, period, limits.ImportLimit, rows)
	l.metrics.RecordLedgerOperation("increment", time.Since(start).Seconds())
	if err != nil {
		l.metrics.RecordAdmission("error")
		l.logger.ErrorWithContext(ctx, "usage increment failed",
			"account_id", accountID, "period", period, "error", err.Error())
		return Admission{}, l.unavailable(accountID, period, err)
	}

	adm := Admission{
		AccountID: accountID,
		Period:    period,
		Tier:      tier,
		Exceeded:  out.Exceeded,
		NewCount:  rec.ImportCount,
		Limit:     limits.ImportLimit,
	}

	if out.Exceeded {
		l.metrics.RecordAdmission("exceeded")
		l.logger.InfoWithContext(ctx, "import quota exceeded",
			"account_id", accountID, "period", period, "count", rec.ImportCount, "limit", limits.ImportLimit.String())
		return adm, nil
	}
	l.metrics.RecordAdmission("admitted")

	for _, kind := range out.Crossed() {
		l.metrics.RecordThresholdCrossing(string(kind))
		l.notify(ctx, accountID, period, kind, rec.ImportCount, limits.ImportLimit)
	}
	return adm, nil
}

// Admit is the quota gate for callers: it resolves the tier and the current period and
// then runs CheckAndIncrement. Imports above the tier's row cap fail with
// ErrRowLimitExceeded and leave the counter untouched. It never admits on error.
func (l *Ledger) Admit(ctx context.Context, accountID string, rows int) (Admission, error) {
	period := l.clock.CurrentPeriod()

	tier, err := l.tiers.GetTier(ctx, accountID)
	if err != nil {
		l.metrics.RecordAdmission("error")
		return Admission{}, l.unavailable(accountID, period, err)
	}
	if maxRows := l.policy.LimitsFor(tier).MaxRowsPerImport; rows > maxRows {
		l.metrics.RecordAdmission("row_cap")
		return Admission{}, &apperrors.ErrRowLimitExceeded{AccountID: accountID, Rows: rows, Max: maxRows}
	}
	return l.CheckAndIncrement(ctx, accountID, period, tier, rows)
}

// Tier resolves the tier of accountID. Failures are reported as ledger unavailability.
func (l *Ledger) Tier(ctx context.Context, accountID string) (models.Tier, error) {
	tier, err := l.tiers.GetTier(ctx, accountID)
	if err != nil {
		return "", l.unavailable(accountID, l.clock.CurrentPeriod(), err)
	}
	return tier, nil
}

func (l *Ledger) notify(ctx context.Context, accountID, period string, kind models.ThresholdKind, count int, limit models.ImportLimit) {
	if l.notifier == nil {
		return
	}
	bound, _ := limit.Value()
	l.notifier.NotifyUsageThreshold(context.WithoutCancel(ctx), models.ThresholdEvent{
		AccountID: accountID,
		Period:    period,
		Kind:      kind,
		NewCount:  count,
		Limit:     bound,
		At:        l.now().UTC(),
	})
}

func (l *Ledger) unavailable(accountID, period string, err error) error {
	var already *apperrors.ErrLedgerUnavailable
	if errors.As(err, &already) {
		return err
	}
	return &apperrors.ErrLedgerUnavailable{
		AccountID: accountID,
		Period:    period,
		Backend:   l.backend,
		Err:       err,
	}
}
