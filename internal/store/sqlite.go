package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/csvgate/csvgate/internal/errors"
	"github.com/csvgate/csvgate/internal/logging"
	"github.com/csvgate/csvgate/internal/models"
	_ "modernc.org/sqlite"
)

// DefaultRetentionDays is how long delivery logs are kept by default.
const DefaultRetentionDays = 30

// SQLiteStore provides a SQLite-based storage with WAL mode. Usage increments run in
// BEGIN IMMEDIATE transactions, so the write lock is taken before the record is read.
// It is thread-safe and supports concurrent access.
//
// The usage path never takes mu. Increments on one record queue on a per-record lock
// bounded by ctx and the lock timeout.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	logger *logging.Logger

	locks       *keyedLocks
	lockTimeout time.Duration

	// Retention cleanup
	cleanupTicker *time.Ticker
	cleanupDone   chan struct{}
	retentionDays int
	closeOnce     sync.Once
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*sqliteOptions)

type sqliteOptions struct {
	retentionDays int
	lockTimeout   time.Duration
	logger        *logging.Logger
}

// WithRetentionDays sets delivery log retention. Zero or less disables cleanup.
func WithRetentionDays(days int) SQLiteOption {
	return func(o *sqliteOptions) {
		o.retentionDays = days
	}
}

// WithBusyTimeout sets how long a writer waits for the database lock.
func WithBusyTimeout(d time.Duration) SQLiteOption {
	return func(o *sqliteOptions) {
		if d > 0 {
			o.lockTimeout = d
		}
	}
}

// WithSQLiteLogger sets the store logger.
func WithSQLiteLogger(l *logging.Logger) SQLiteOption {
	return func(o *sqliteOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewSQLiteStore creates a new SQLite store with WAL mode enabled
func NewSQLiteStore(dbPath string, opts ...SQLiteOption) (*SQLiteStore, error) {
	o := sqliteOptions{
		retentionDays: DefaultRetentionDays,
		lockTimeout:   DefaultLockTimeout,
		logger:        logging.NewLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	// Create directory if it doesn't exist
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, &errors.ErrDirectoryCreate{Path: dir, Err: err}
		}
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(%d)&_txlock=immediate",
		dbPath, o.lockTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &errors.ErrDatabaseOpen{Path: dbPath, Err: err}
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &errors.ErrDatabaseOpen{Path: dbPath, Err: err}
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{
		db:            db,
		logger:        o.logger,
		locks:         newKeyedLocks(),
		lockTimeout:   o.lockTimeout,
		cleanupDone:   make(chan struct{}),
		retentionDays: o.retentionDays,
	}

	if o.retentionDays > 0 {
		store.startCleanup()
	}

	return store, nil
}

// runMigrations runs database migrations
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "create migrations table", Err: err}
	}

	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "get current migration version", Err: err}
	}

	migrations := []struct {
		version int
		up      string
	}{
		{
			version: 1,
			up: `
				CREATE TABLE IF NOT EXISTS accounts (
					id TEXT PRIMARY KEY,
					tier TEXT NOT NULL DEFAULT 'free',
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL
				);

				CREATE TABLE IF NOT EXISTS usage_records (
					account_id TEXT NOT NULL,
					period TEXT NOT NULL,
					import_count INTEGER NOT NULL DEFAULT 0,
					row_count INTEGER NOT NULL DEFAULT 0,
					warning_sent INTEGER NOT NULL DEFAULT 0,
					limit_sent INTEGER NOT NULL DEFAULT 0,
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL,
					PRIMARY KEY (account_id, period)
				);

				CREATE INDEX IF NOT EXISTS idx_usage_records_period ON usage_records(period);
			`,
		},
		{
			version: 2,
			up: `
				CREATE TABLE IF NOT EXISTS delivery_logs (
					id TEXT PRIMARY KEY,
					job_id TEXT NOT NULL,
					account_id TEXT NOT NULL DEFAULT '',
					correlation_id TEXT NOT NULL DEFAULT '',
					destination_type TEXT NOT NULL,
					rows_submitted INTEGER NOT NULL,
					success INTEGER NOT NULL,
					rows_delivered INTEGER NOT NULL,
					error_code TEXT NOT NULL DEFAULT '',
					error_message TEXT NOT NULL DEFAULT '',
					attempts INTEGER NOT NULL DEFAULT 0,
					started_at DATETIME NOT NULL,
					finished_at DATETIME NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_delivery_logs_job_id ON delivery_logs(job_id);
				CREATE INDEX IF NOT EXISTS idx_delivery_logs_finished_at ON delivery_logs(finished_at);
			`,
		},
	}

	tx, err := db.Begin()
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "begin transaction", Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, m := range migrations {
		if m.version > currentVersion {
			if _, err := tx.Exec(m.up); err != nil {
				return &errors.ErrDatabaseMigration{Version: m.version, Err: err}
			}
			if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
				return &errors.ErrDatabaseMigration{Version: m.version, Err: err}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return &errors.ErrDatabaseQuery{Operation: "commit migrations", Err: err}
	}

	return nil
}

// startCleanup starts the retention cleanup goroutine
func (s *SQLiteStore) startCleanup() {
	s.cleanupTicker = time.NewTicker(time.Hour)
	go func() {
		for {
			select {
			case <-s.cleanupTicker.C:
				s.cleanupOldData()
			case <-s.cleanupDone:
				return
			}
		}
	}()
}

// cleanupOldData removes delivery logs past retention. Usage records are kept forever.
func (s *SQLiteStore) cleanupOldData() {
	if s.retentionDays <= 0 {
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	n, err := s.PurgeDeliveryLogs(context.Background(), cutoff)
	if err != nil {
		s.logger.Error("cleanup failed", "table", "delivery_logs", "error", err.Error())
		return
	}
	if n > 0 {
		s.logger.Info("cleanup completed", "table", "delivery_logs", "deleted", n)
	}
}

// PurgeDeliveryLogs deletes delivery logs that finished before cutoff.
func (s *SQLiteStore) PurgeDeliveryLogs(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM delivery_logs WHERE finished_at < ?", cutoff.UTC())
	if err != nil {
		return 0, &errors.ErrDatabaseQuery{Operation: "purge delivery logs", Err: err}
	}
	return res.RowsAffected()
}

// Close gracefully shuts down the store
func (s *SQLiteStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.cleanupTicker != nil {
			s.cleanupTicker.Stop()
			close(s.cleanupDone)
		}
		if s.db != nil {
			err = s.db.Close()
		}
	})
	return err
}

// DB exposes the underlying handle for maintenance commands.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Usage operations

const selectUsage = `
	SELECT account_id, period, import_count, row_count, warning_sent, limit_sent, created_at, updated_at
	FROM usage_records WHERE account_id = ? AND period = ?
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUsage(row rowScanner) (*models.UsageRecord, error) {
	var rec models.UsageRecord
	err := row.Scan(&rec.AccountID, &rec.Period, &rec.ImportCount, &rec.RowCount,
		&rec.WarningSent, &rec.LimitSent, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetOrCreateUsage returns the record for (accountID, period), creating it if absent.
// Concurrent first calls converge on the same row.
func (s *SQLiteStore) GetOrCreateUsage(ctx context.Context, accountID, period string) (*models.UsageRecord, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records (account_id, period, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id, period) DO NOTHING
	`, accountID, period, now, now)
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "create usage record", Err: err}
	}

	rec, err := scanUsage(s.db.QueryRowContext(ctx, selectUsage, accountID, period))
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "get usage record", Err: err}
	}
	return rec, nil
}

// IncrementUsage runs the check-and-increment inside one immediate transaction.
func (s *SQLiteStore) IncrementUsage(ctx context.Context, accountID, period string, limit models.ImportLimit, rows int) (*models.UsageRecord, models.IncrementOutcome, error) {
	var out models.IncrementOutcome

	unlock, err := s.locks.acquire(ctx, usageKey(accountID, period), s.lockTimeout)
	if err != nil {
		return nil, out, err
	}
	defer unlock()

	// _txlock=immediate makes this BEGIN IMMEDIATE; busy_timeout bounds the wait.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, out, &errors.ErrDatabaseQuery{Operation: "begin usage transaction", Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO usage_records (account_id, period, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id, period) DO NOTHING
	`, accountID, period, now, now); err != nil {
		return nil, out, &errors.ErrDatabaseQuery{Operation: "create usage record", Err: err}
	}

	rec, err := scanUsage(tx.QueryRowContext(ctx, selectUsage, accountID, period))
	if err != nil {
		return nil, out, &errors.ErrDatabaseQuery{Operation: "get usage record", Err: err}
	}

	out = rec.Apply(limit, rows, now)
	if out.Exceeded {
		return rec, out, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE usage_records
		SET import_count = ?, row_count = ?, warning_sent = ?, limit_sent = ?, updated_at = ?
		WHERE account_id = ? AND period = ?
	`, rec.ImportCount, rec.RowCount, rec.WarningSent, rec.LimitSent, rec.UpdatedAt, accountID, period); err != nil {
		return nil, models.IncrementOutcome{}, &errors.ErrDatabaseQuery{Operation: "update usage record", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, models.IncrementOutcome{}, &errors.ErrDatabaseQuery{Operation: "commit usage record", Err: err}
	}
	return rec, out, nil
}

// ListUsage returns all usage records for a period.
func (s *SQLiteStore) ListUsage(ctx context.Context, period string) ([]*models.UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, period, import_count, row_count, warning_sent, limit_sent, created_at, updated_at
		FROM usage_records WHERE period = ? ORDER BY account_id
	`, period)
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "list usage records", Err: err}
	}
	defer rows.Close()

	result := make([]*models.UsageRecord, 0)
	for rows.Next() {
		rec, err := scanUsage(rows)
		if err != nil {
			return nil, &errors.ErrDatabaseQuery{Operation: "scan usage record", Err: err}
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// Account operations

// GetAccount retrieves an account by ID
func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var acc models.Account
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tier, created_at, updated_at FROM accounts WHERE id = ?
	`, id).Scan(&acc.ID, &acc.Tier, &acc.CreatedAt, &acc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "get account", Err: err}
	}
	return &acc, nil
}

// SetAccount stores or updates an account
func (s *SQLiteStore) SetAccount(ctx context.Context, acc *models.Account) error {
	if err := acc.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, tier, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tier = excluded.tier,
			updated_at = excluded.updated_at
	`, acc.ID, string(acc.Tier), now, now)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "set account", Err: err}
	}
	return nil
}

// ListAccounts returns all accounts ordered by id
func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, tier, created_at, updated_at FROM accounts ORDER BY id`)
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "list accounts", Err: err}
	}
	defer rows.Close()

	result := make([]*models.Account, 0)
	for rows.Next() {
		var acc models.Account
		if err := rows.Scan(&acc.ID, &acc.Tier, &acc.CreatedAt, &acc.UpdatedAt); err != nil {
			return nil, &errors.ErrDatabaseQuery{Operation: "scan account", Err: err}
		}
		result = append(result, &acc)
	}
	return result, rows.Err()
}

// Delivery log operations

// SaveDeliveryLog inserts a delivery log.
func (s *SQLiteStore) SaveDeliveryLog(ctx context.Context, log *models.DeliveryLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_logs (id, job_id, account_id, correlation_id, destination_type, rows_submitted,
			success, rows_delivered, error_code, error_message, attempts, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, log.ID, log.JobID, log.AccountID, log.CorrelationID, string(log.DestinationType), log.RowsSubmitted,
		log.Success, log.RowsDelivered, string(log.ErrorCode), log.ErrorMessage, log.Attempts,
		log.StartedAt.UTC(), log.FinishedAt.UTC())
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "save delivery log", Err: err}
	}
	return nil
}

// ListDeliveryLogs returns the logs of a job, oldest first. An empty jobID lists all.
func (s *SQLiteStore) ListDeliveryLogs(ctx context.Context, jobID string) ([]*models.DeliveryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, job_id, account_id, correlation_id, destination_type, rows_submitted,
			success, rows_delivered, error_code, error_message, attempts, started_at, finished_at
		FROM delivery_logs`
	args := []interface{}{}
	if jobID != "" {
		query += " WHERE job_id = ?"
		args = append(args, jobID)
	}
	query += " ORDER BY started_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "list delivery logs", Err: err}
	}
	defer rows.Close()

	result := make([]*models.DeliveryLog, 0)
	for rows.Next() {
		var l models.DeliveryLog
		if err := rows.Scan(&l.ID, &l.JobID, &l.AccountID, &l.CorrelationID, &l.DestinationType, &l.RowsSubmitted,
			&l.Success, &l.RowsDelivered, &l.ErrorCode, &l.ErrorMessage, &l.Attempts, &l.StartedAt, &l.FinishedAt); err != nil {
			return nil, &errors.ErrDatabaseQuery{Operation: "scan delivery log", Err: err}
		}
		result = append(result, &l)
	}
	return result, rows.Err()
}

// Stats returns store statistics
func (s *SQLiteStore) Stats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats StoreStats
	_ = s.db.QueryRow("SELECT COUNT(*) FROM accounts").Scan(&stats.AccountCount)
	_ = s.db.QueryRow("SELECT COUNT(*) FROM usage_records").Scan(&stats.UsageRecordCount)
	_ = s.db.QueryRow("SELECT COUNT(*) FROM delivery_logs").Scan(&stats.DeliveryLogCount)
	return stats
}

// Ensure SQLiteStore implements the Store interface
var _ Store = (*SQLiteStore)(nil)
