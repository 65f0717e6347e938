// Package telegram delivers csvgate alerts to a Telegram chat.
package telegram

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNoChat is returned when the bot has no destination chat.
var ErrNoChat = errors.New("telegram chat id is not configured")

// BotAPI is the subset of the Telegram API the bot needs (allows mocking in tests).
type BotAPI interface {
	SendMessage(chatID int64, text string) error
}

// ParseModeSender allows sending messages with parse mode (HTML/MarkdownV2).
type ParseModeSender interface {
	SendMessageWithParseMode(chatID int64, text string, parseMode string) error
}

// Alert is a notification rendered into a Telegram message.
type Alert struct {
	ID        string
	Kind      string
	Severity  string
	Title     string
	Message   string
	AccountID string
	JobID     string
	Timestamp time.Time
}

// Bot sends formatted alerts to one chat.
type Bot struct {
	chatID  int64
	enabled bool
	api     BotAPI
}

// NewBot creates a bot bound to chatID. A nil api or zero chat disables it.
func NewBot(api BotAPI, chatID int64, enabled bool) *Bot {
	return &Bot{
		chatID:  chatID,
		enabled: enabled && api != nil && chatID != 0,
		api:     api,
	}
}

// IsEnabled reports whether the bot will send anything.
func (b *Bot) IsEnabled() bool {
	return b != nil && b.enabled
}

// ChatID returns the configured chat ID
func (b *Bot) ChatID() int64 {
	return b.chatID
}

// SendMessage sends raw HTML text to the chat.
func (b *Bot) SendMessage(text string) error {
	if !b.IsEnabled() {
		return nil
	}
	if b.chatID == 0 {
		return ErrNoChat
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if pm, ok := b.api.(ParseModeSender); ok {
		if err := pm.SendMessageWithParseMode(b.chatID, text, "HTML"); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
		return nil
	}
	if err := b.api.SendMessage(b.chatID, text); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// SendAlert formats and sends an alert.
func (b *Bot) SendAlert(alert Alert) error {
	if !b.IsEnabled() {
		return nil
	}
	return b.SendMessage(FormatAlert(alert))
}
