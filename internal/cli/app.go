package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/csvgate/csvgate/internal/alerts"
	"github.com/csvgate/csvgate/internal/config"
	"github.com/csvgate/csvgate/internal/delivery"
	apperrors "github.com/csvgate/csvgate/internal/errors"
	"github.com/csvgate/csvgate/internal/imports"
	"github.com/csvgate/csvgate/internal/ledger"
	"github.com/csvgate/csvgate/internal/logging"
	"github.com/csvgate/csvgate/internal/metrics"
	"github.com/csvgate/csvgate/internal/quota"
	"github.com/csvgate/csvgate/internal/store"
	"github.com/csvgate/csvgate/internal/telegram"
)

// loadConfig reads the file named by --config. A missing file yields the built-in
// defaults and a nil loader, so one-off commands work without any setup.
func loadConfig() (*config.Config, *config.Loader, error) {
	loader := config.NewLoader(globalFlags.Config, nil)
	cfg, err := loader.Load()
	if err != nil {
		var notFound *apperrors.ErrConfigNotFound
		if !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = config.Default()
		loader = nil
	}
	applyGlobalOverrides(cfg)
	return cfg, loader, nil
}

func applyGlobalOverrides(cfg *config.Config) {
	if globalFlags.DBPath != "" {
		cfg.Ledger.DBPath = globalFlags.DBPath
	}
}

func newLogger(cfg *config.Config) *logging.Logger {
	level := logging.ParseLevel(cfg.Server.LogLevel)
	if globalFlags.Verbose {
		level = logging.LevelDebug
	}
	return logging.NewLogger(
		logging.WithLevel(level),
		logging.WithService("csvgate"),
		logging.WithOutput(os.Stderr),
	)
}

// backends groups the stores selected by the ledger configuration.
type backends struct {
	name     string
	usage    store.UsageStore
	accounts store.AccountStore
	logs     store.DeliveryLogStore
	closers  []func() error
}

func (b *backends) Close() error {
	var errList []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// openBackends opens the usage store for the configured backend. Accounts and delivery
// logs live in SQLite unless the whole ledger runs in memory.
func openBackends(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*backends, error) {
	lc := cfg.Ledger
	if lc.Backend == config.BackendMemory {
		ms := store.NewMemoryStore(store.WithLockTimeout(lc.LockTimeout))
		return &backends{name: lc.Backend, usage: ms, accounts: ms, logs: ms, closers: []func() error{ms.Close}}, nil
	}

	sqliteStore, err := store.NewSQLiteStore(lc.DBPath,
		store.WithRetentionDays(cfg.Retention.DeliveryLogDays),
		store.WithBusyTimeout(lc.LockTimeout),
		store.WithSQLiteLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite store: %w", err)
	}
	b := &backends{
		name:     lc.Backend,
		usage:    sqliteStore,
		accounts: sqliteStore,
		logs:     sqliteStore,
		closers:  []func() error{sqliteStore.Close},
	}

	switch lc.Backend {
	case config.BackendPostgres:
		pg, err := store.NewPostgresStore(ctx, lc.DSN, lc.LockTimeout)
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("failed to open Postgres usage store: %w", err)
		}
		b.usage = pg
		b.closers = append(b.closers, pg.Close)
	case config.BackendRedis:
		rs, err := store.NewRedisStore(ctx, store.RedisConfig{
			Addr:        lc.Redis.Addr,
			Password:    lc.Redis.Password,
			DB:          lc.Redis.DB,
			KeyPrefix:   lc.Redis.KeyPrefix,
			LockTimeout: lc.LockTimeout,
		})
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("failed to open Redis usage store: %w", err)
		}
		b.usage = rs
		b.closers = append(b.closers, rs.Close)
	}
	return b, nil
}

func seedAccountsFromConfig(ctx context.Context, s store.AccountStore, cfg *config.Config) error {
	if s == nil || cfg == nil {
		return nil
	}
	for _, acc := range cfg.Accounts {
		account := acc.Account()
		if err := account.Validate(); err != nil {
			return fmt.Errorf("invalid account %s: %w", acc.ID, err)
		}
		if err := s.SetAccount(ctx, account); err != nil {
			return fmt.Errorf("failed to seed account %s: %w", acc.ID, err)
		}
	}
	return nil
}

// app is the fully wired gate and delivery pipeline.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	metrics  *metrics.Metrics
	backends *backends
	policy   *quota.Policy
	alerts   *alerts.Service
	ledger   *ledger.Ledger
	imports  *imports.Service
}

func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*app, error) {
	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := seedAccountsFromConfig(ctx, b.accounts, cfg); err != nil {
		_ = b.Close()
		return nil, err
	}

	m := metrics.NewMetrics("csvgate")
	policy := quota.NewPolicy(cfg.Quota.Overrides())
	alertSvc := alerts.NewService(alertsConfig(cfg.Alerts), alertSenders(cfg, logger),
		alerts.WithMetrics(m),
		alerts.WithLogger(logger),
	)

	l := ledger.New(b.usage, policy, ledger.AccountTiers{Accounts: b.accounts},
		ledger.WithNotifier(alertSvc),
		ledger.WithMetrics(m),
		ledger.WithLogger(logger),
		ledger.WithBackendName(b.name),
	)

	dc := cfg.Delivery
	dispatcher := delivery.NewDispatcher(delivery.NewHTTPClient(dc.RequestTimeout),
		delivery.WithChunkSize(dc.ChunkSize),
		delivery.WithRetryPolicy(delivery.RetryPolicy{MaxAttempts: dc.MaxRetries, BaseBackoff: dc.BaseBackoff}),
		delivery.WithUserAgent(dc.UserAgent),
		delivery.WithWebhookEvent(dc.WebhookEvent),
		delivery.WithMetrics(m),
		delivery.WithLogger(logger),
	)

	svc := imports.NewService(l, dispatcher, b.logs,
		imports.WithNotifier(alertSvc),
		imports.WithLogger(logger),
	)

	return &app{
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		backends: b,
		policy:   policy,
		alerts:   alertSvc,
		ledger:   l,
		imports:  svc,
	}, nil
}

// applyConfig takes a reloaded configuration. Storage and listener settings need a
// restart; limits, alerting and seeded accounts apply immediately.
func (a *app) applyConfig(ctx context.Context, cfg *config.Config) {
	a.policy.Update(cfg.Quota.Overrides())
	a.alerts.UpdateRateLimit(cfg.Alerts.RateLimitPerMinute, cfg.Alerts.Burst)
	a.alerts.SetEnabled(cfg.Alerts.Enabled)
	if err := seedAccountsFromConfig(ctx, a.backends.accounts, cfg); err != nil {
		a.logger.Error("failed to apply accounts from reloaded config", "error", err.Error())
	}
	a.logger.Info("configuration reloaded", "tiers", len(cfg.Quota.Tiers), "accounts", len(cfg.Accounts))
}

func (a *app) Close() error {
	return a.backends.Close()
}

func alertsConfig(ac config.AlertsConfig) alerts.Config {
	return alerts.Config{
		Enabled:            ac.Enabled,
		RateLimitPerMinute: ac.RateLimitPerMinute,
		Burst:              ac.Burst,
		DedupWindow:        ac.DedupWindow,
		QueueSize:          ac.QueueSize,
		ShutdownTimeout:    ac.ShutdownTimeout,
	}
}

func alertSenders(cfg *config.Config, logger *logging.Logger) []alerts.Sender {
	senders := []alerts.Sender{alerts.NewLogSender(logger)}
	if !cfg.Telegram.Enabled {
		return senders
	}

	client, err := telegram.NewTGBotAPIClient(cfg.Telegram.BotToken)
	if err != nil {
		logger.Warn("telegram disabled", "error", err.Error())
		return senders
	}
	bot := telegram.NewBot(client, cfg.Telegram.ChatID, true)
	if !bot.IsEnabled() {
		logger.Warn("telegram disabled: chat_id is not set")
		return senders
	}
	return append(senders, alerts.NewTelegramSender(bot))
}
