package models

import (
	"fmt"
	"time"
)

// Usage thresholds, as a percentage of the period's import limit.
const (
	WarningThresholdPct = 80
	LimitThresholdPct   = 100
)

const periodLayout = "2006-01"

// PeriodFor returns the calendar-month usage period containing t, in UTC.
func PeriodFor(t time.Time) string {
	return t.UTC().Format(periodLayout)
}

// ValidatePeriod checks that p is a YYYY-MM period key.
func ValidatePeriod(p string) error {
	if _, err := time.Parse(periodLayout, p); err != nil {
		return fmt.Errorf("period %q must be formatted as YYYY-MM", p)
	}
	return nil
}

// ThresholdKind identifies which usage threshold was crossed.
type ThresholdKind string

const (
	ThresholdWarning ThresholdKind = "warning"
	ThresholdLimit   ThresholdKind = "limit"
)

// UsageRecord holds an account's counters for one period.
type UsageRecord struct {
	AccountID   string    `json:"account_id"`
	Period      string    `json:"period"`
	ImportCount int       `json:"import_count"`
	RowCount    int64     `json:"row_count"`
	WarningSent bool      `json:"warning_sent"`
	LimitSent   bool      `json:"limit_sent"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewUsageRecord returns an empty record for the account and period.
func NewUsageRecord(accountID, period string, now time.Time) *UsageRecord {
	return &UsageRecord{
		AccountID: accountID,
		Period:    period,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IncrementOutcome describes the effect of Apply on a record.
type IncrementOutcome struct {
	Exceeded       bool
	WarningCrossed bool
	LimitCrossed   bool
}

// Crossed lists the thresholds newly crossed by this increment.
func (o IncrementOutcome) Crossed() []ThresholdKind {
	var kinds []ThresholdKind
	if o.WarningCrossed {
		kinds = append(kinds, ThresholdWarning)
	}
	if o.LimitCrossed {
		kinds = append(kinds, ThresholdLimit)
	}
	return kinds
}

// Apply performs the check-and-increment transition in place. Callers must hold
// exclusive access to the record for the whole call and persist the result before
// releasing it; the threshold flags are only ever flipped here.
func (r *UsageRecord) Apply(limit ImportLimit, rows int, now time.Time) IncrementOutcome {
	if rows < 0 {
		rows = 0
	}

	bound, bounded := limit.Value()
	if bounded && r.ImportCount >= bound {
		return IncrementOutcome{Exceeded: true}
	}

	r.ImportCount++
	r.RowCount += int64(rows)
	r.UpdatedAt = now

	var out IncrementOutcome
	if !bounded {
		return out
	}

	pct := r.ImportCount * 100 / bound
	if pct >= WarningThresholdPct && !r.WarningSent {
		r.WarningSent = true
		out.WarningCrossed = true
	}
	if pct >= LimitThresholdPct && !r.LimitSent {
		r.LimitSent = true
		out.LimitCrossed = true
	}
	return out
}

// ThresholdEvent is emitted once per threshold per period.
type ThresholdEvent struct {
	AccountID string        `json:"account_id"`
	Period    string        `json:"period"`
	Kind      ThresholdKind `json:"kind"`
	NewCount  int           `json:"new_count"`
	Limit     int           `json:"limit"`
	At        time.Time     `json:"at"`
}
