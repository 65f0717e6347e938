package alerts

import (
	"context"

	"github.com/csvgate/csvgate/internal/logging"
	"github.com/csvgate/csvgate/internal/telegram"
)

// Sender delivers a single alert to one channel.
type Sender interface {
	Name() string
	Send(ctx context.Context, alert Alert) error
}

// LogSender writes alerts to the structured log.
type LogSender struct {
	logger *logging.Logger
}

// NewLogSender returns a sender that logs every alert.
func NewLogSender(logger *logging.Logger) *LogSender {
	if logger == nil {
		logger = logging.Nop()
	}
	return &LogSender{logger: logger}
}

// Name implements Sender.
func (s *LogSender) Name() string { return "log" }

// Send implements Sender.
func (s *LogSender) Send(ctx context.Context, alert Alert) error {
	fields := []interface{}{
		"alert_id", alert.ID,
		"type", string(alert.Type),
		"severity", string(alert.Severity),
	}
	if alert.AccountID != "" {
		fields = append(fields, "account_id", alert.AccountID)
	}
	if alert.JobID != "" {
		fields = append(fields, "job_id", alert.JobID)
	}
	if alert.Period != "" {
		fields = append(fields, "period", alert.Period)
	}
	if alert.Severity == SeverityCritical {
		s.logger.ErrorWithContext(ctx, alert.Message, fields...)
	} else {
		s.logger.WarnWithContext(ctx, alert.Message, fields...)
	}
	return nil
}

// TelegramBot interface for Telegram bot operations
type TelegramBot interface {
	SendAlert(alert telegram.Alert) error
	IsEnabled() bool
}

// TelegramSender forwards alerts to a Telegram chat.
type TelegramSender struct {
	bot TelegramBot
}

// NewTelegramSender wraps a bot as a Sender.
func NewTelegramSender(bot TelegramBot) *TelegramSender {
	return &TelegramSender{bot: bot}
}

// Name implements Sender.
func (s *TelegramSender) Name() string { return "telegram" }

// Send implements Sender.
func (s *TelegramSender) Send(_ context.Context, alert Alert) error {
	if s.bot == nil || !s.bot.IsEnabled() {
		return nil
	}
	return s.bot.SendAlert(telegram.Alert{
		ID:        alert.ID,
		Kind:      string(alert.Type),
		Severity:  string(alert.Severity),
		Title:     alert.Title,
		Message:   alert.Message,
		AccountID: alert.AccountID,
		JobID:     alert.JobID,
		Timestamp: alert.Timestamp,
	})
}

var (
	_ Sender = (*LogSender)(nil)
	_ Sender = (*TelegramSender)(nil)
)
