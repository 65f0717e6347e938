package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/csvgate/csvgate/internal/api"
	"github.com/csvgate/csvgate/internal/config"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s", "server", "run"},
	Short:   "Start the csvgate server",
	Long: `Start the csvgate HTTP server.

The server exposes the quota gate and the delivery pipeline under /v1,
plus /health and /metrics. The configuration file is watched and quota
limits, alerting and seeded accounts are reloaded when it changes.

Example:
  csvgate serve --config config.yaml --db ./data/csvgate.db`,
	RunE: runServe,
}

var serveFlags struct {
	Host    string
	Port    int
	Timeout time.Duration
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.Host, "host", "", "Server host (overrides config)")
	serveCmd.Flags().IntVar(&serveFlags.Port, "port", 0, "Server port (overrides config)")
	serveCmd.Flags().DurationVar(&serveFlags.Timeout, "timeout", 0, "Shutdown timeout (overrides config)")

	RootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, loader, err := loadConfig()
	if err != nil {
		return err
	}
	if serveFlags.Host != "" {
		cfg.Server.Host = serveFlags.Host
	}
	if serveFlags.Port != 0 {
		cfg.Server.HTTPPort = serveFlags.Port
	}
	if serveFlags.Timeout > 0 {
		cfg.Server.ShutdownTimeout = serveFlags.Timeout
	}

	logger := newLogger(cfg)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("error closing stores", "error", err.Error())
		}
	}()

	a.alerts.Start()
	server := api.NewServer(cfg.Server, cfg.API, a.ledger, a.imports, a.backends.logs, a.metrics, logger)
	server.AddShutdownHook(api.ShutdownFunc(func(context.Context) error {
		return a.alerts.Stop()
	}))

	if loader != nil {
		loader.SetOnChange(func(next *config.Config) {
			applyGlobalOverrides(next)
			a.applyConfig(ctx, next)
		})
		go func() {
			if err := loader.Watch(ctx); err != nil {
				logger.Warn("config watch disabled", "path", loader.Path(), "error", err.Error())
			}
		}()
	} else {
		logger.Warn("config file not found, running with defaults", "path", globalFlags.Config)
	}

	logger.Info("csvgate starting",
		"addr", cfg.Server.Addr(),
		"ledger_backend", cfg.Ledger.Backend,
		"version", Version,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return <-errCh
}
