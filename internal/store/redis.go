package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/csvgate/csvgate/internal/models"
)

const (
	defaultRedisPrefix     = "csvgate:usage:"
	defaultRedisMaxRetries = 50
)

// RedisStore keeps usage records in Redis hashes. Increments use WATCH/MULTI/EXEC and
// retry on conflict until the lock timeout.
type RedisStore struct {
	client      *redis.Client
	keyPrefix   string
	lockTimeout time.Duration
	maxRetries  int
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	KeyPrefix   string
	LockTimeout time.Duration
}

// NewRedisStore creates a new Redis-backed usage store
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStoreWithClient(client, cfg.KeyPrefix, cfg.LockTimeout), nil
}

// NewRedisStoreWithClient creates a store with an existing Redis client. A prefix without
// a trailing ":" gets one.
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string, lockTimeout time.Duration) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = defaultRedisPrefix
	}
	if !strings.HasSuffix(keyPrefix, ":") {
		keyPrefix += ":"
	}
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &RedisStore{
		client:      client,
		keyPrefix:   keyPrefix,
		lockTimeout: lockTimeout,
		maxRetries:  defaultRedisMaxRetries,
	}
}

func (s *RedisStore) key(accountID, period string) string {
	return s.keyPrefix + accountID + ":" + period
}

// GetOrCreateUsage returns the record for (accountID, period), creating it if absent.
func (s *RedisStore) GetOrCreateUsage(ctx context.Context, accountID, period string) (*models.UsageRecord, error) {
	key := s.key(accountID, period)
	now := time.Now().UTC()

	var all *redis.MapStringStringCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for field, value := range encodeUsage(models.NewUsageRecord(accountID, period, now)) {
			pipe.HSetNX(ctx, key, field, value)
		}
		all = pipe.HGetAll(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create usage record: %w", err)
	}
	return decodeUsage(accountID, period, all.Val(), now)
}

// IncrementUsage runs the check-and-increment as an optimistic transaction.
func (s *RedisStore) IncrementUsage(ctx context.Context, accountID, period string, limit models.ImportLimit, rows int) (*models.UsageRecord, models.IncrementOutcome, error) {
	key := s.key(accountID, period)

	var (
		rec *models.UsageRecord
		out models.IncrementOutcome
	)
	txf := func(tx *redis.Tx) error {
		now := time.Now().UTC()
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		rec, err = decodeUsage(accountID, period, vals, now)
		if err != nil {
			return err
		}

		out = rec.Apply(limit, rows, now)
		if out.Exceeded && len(vals) > 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, encodeUsage(rec))
			return nil
		})
		return err
	}

	deadline := time.Now().Add(s.lockTimeout)
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return rec, out, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, models.IncrementOutcome{}, fmt.Errorf("increment usage record: %w", err)
		}
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, models.IncrementOutcome{}, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * time.Millisecond):
		}
	}
	return nil, models.IncrementOutcome{}, ErrLockTimeout
}

// Close closes the Redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func encodeUsage(rec *models.UsageRecord) map[string]interface{} {
	return map[string]interface{}{
		"import_count": strconv.Itoa(rec.ImportCount),
		"row_count":    strconv.FormatInt(rec.RowCount, 10),
		"warning_sent": strconv.FormatBool(rec.WarningSent),
		"limit_sent":   strconv.FormatBool(rec.LimitSent),
		"created_at":   rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":   rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// decodeUsage rebuilds a record from hash fields. An empty hash is a new record.
func decodeUsage(accountID, period string, vals map[string]string, now time.Time) (*models.UsageRecord, error) {
	rec := models.NewUsageRecord(accountID, period, now)
	if len(vals) == 0 {
		return rec, nil
	}

	var err error
	if v, ok := vals["import_count"]; ok {
		if rec.ImportCount, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("decode import_count: %w", err)
		}
	}
	if v, ok := vals["row_count"]; ok {
		if rec.RowCount, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("decode row_count: %w", err)
		}
	}
	if v, ok := vals["warning_sent"]; ok {
		if rec.WarningSent, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("decode warning_sent: %w", err)
		}
	}
	if v, ok := vals["limit_sent"]; ok {
		if rec.LimitSent, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("decode limit_sent: %w", err)
		}
	}
	if v, ok := vals["created_at"]; ok {
		if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return nil, fmt.Errorf("decode created_at: %w", err)
		}
	}
	if v, ok := vals["updated_at"]; ok {
		if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return nil, fmt.Errorf("decode updated_at: %w", err)
		}
	}
	return rec, nil
}

var _ UsageStore = (*RedisStore)(nil)
