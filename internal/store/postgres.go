package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	apperrors "github.com/csvgate/csvgate/internal/errors"
	"github.com/csvgate/csvgate/internal/models"
)

// pqLockNotAvailable is SQLSTATE lock_not_available, raised when lock_timeout fires.
const pqLockNotAvailable = "55P03"

// PostgresStore keeps usage records in PostgreSQL. Increments lock the record row with
// SELECT ... FOR UPDATE under a transaction-local lock_timeout.
type PostgresStore struct {
	db          *sql.DB
	lockTimeout time.Duration
}

// NewPostgresStore connects to dsn and creates the usage table if needed.
func NewPostgresStore(ctx context.Context, dsn string, lockTimeout time.Duration) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, &apperrors.ErrDatabaseOpen{Path: "postgres", Err: err}
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &apperrors.ErrDatabaseOpen{Path: "postgres", Err: err}
	}

	s := NewPostgresStoreFromDB(db, lockTimeout)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreFromDB wraps an existing handle. It does not run migrations.
func NewPostgresStoreFromDB(db *sql.DB, lockTimeout time.Duration) *PostgresStore {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &PostgresStore{db: db, lockTimeout: lockTimeout}
}

// Migrate creates the usage_records table.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS usage_records (
			account_id TEXT NOT NULL,
			period TEXT NOT NULL,
			import_count INTEGER NOT NULL DEFAULT 0,
			row_count BIGINT NOT NULL DEFAULT 0,
			warning_sent BOOLEAN NOT NULL DEFAULT FALSE,
			limit_sent BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (account_id, period)
		)
	`)
	if err != nil {
		return &apperrors.ErrDatabaseMigration{Version: 1, Err: err}
	}
	return nil
}

const pgInsertUsage = `INSERT INTO usage_records (account_id, period, created_at, updated_at) VALUES ($1, $2, $3, $3) ON CONFLICT (account_id, period) DO NOTHING`

const pgSelectUsage = `SELECT account_id, period, import_count, row_count, warning_sent, limit_sent, created_at, updated_at FROM usage_records WHERE account_id = $1 AND period = $2`

const pgUpdateUsage = `UPDATE usage_records SET import_count = $1, row_count = $2, warning_sent = $3, limit_sent = $4, updated_at = $5 WHERE account_id = $6 AND period = $7`

// GetOrCreateUsage returns the record for (accountID, period), creating it if absent.
func (s *PostgresStore) GetOrCreateUsage(ctx context.Context, accountID, period string) (*models.UsageRecord, error) {
	if _, err := s.db.ExecContext(ctx, pgInsertUsage, accountID, period, time.Now().UTC()); err != nil {
		return nil, s.wrap("create usage record", err)
	}
	rec, err := scanUsage(s.db.QueryRowContext(ctx, pgSelectUsage, accountID, period))
	if err != nil {
		return nil, s.wrap("get usage record", err)
	}
	return rec, nil
}

// IncrementUsage runs the check-and-increment with the record row locked.
func (s *PostgresStore) IncrementUsage(ctx context.Context, accountID, period string, limit models.ImportLimit, rows int) (*models.UsageRecord, models.IncrementOutcome, error) {
	var out models.IncrementOutcome

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, out, s.wrap("begin usage transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		return nil, out, s.wrap("set lock timeout", err)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, pgInsertUsage, accountID, period, now); err != nil {
		return nil, out, s.wrap("create usage record", err)
	}

	rec, err := scanUsage(tx.QueryRowContext(ctx, pgSelectUsage+" FOR UPDATE", accountID, period))
	if err != nil {
		return nil, out, s.wrap("lock usage record", err)
	}

	out = rec.Apply(limit, rows, now)
	if !out.Exceeded {
		if _, err := tx.ExecContext(ctx, pgUpdateUsage,
			rec.ImportCount, rec.RowCount, rec.WarningSent, rec.LimitSent, rec.UpdatedAt, accountID, period); err != nil {
			return nil, models.IncrementOutcome{}, s.wrap("update usage record", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, models.IncrementOutcome{}, s.wrap("commit usage record", err)
	}
	return rec, out, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) wrap(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqLockNotAvailable {
		return fmt.Errorf("%s: %w", op, ErrLockTimeout)
	}
	return &apperrors.ErrDatabaseQuery{Operation: op, Err: err}
}

var _ UsageStore = (*PostgresStore)(nil)
