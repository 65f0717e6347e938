package telegram

import (
	"fmt"
	"html"
	"strings"
)

// FormatAlert renders an alert as a Telegram HTML message.
func FormatAlert(alert Alert) string {
	var sb strings.Builder

	title := alert.Title
	if title == "" {
		title = strings.ToUpper(alert.Severity) + " Alert"
	}
	sb.WriteString(fmt.Sprintf("%s <b>%s</b>\n\n", getSeverityEmoji(alert.Severity), html.EscapeString(title)))

	if alert.AccountID != "" {
		sb.WriteString(fmt.Sprintf("Account: <code>%s</code>\n", html.EscapeString(alert.AccountID)))
	}
	if alert.JobID != "" {
		sb.WriteString(fmt.Sprintf("Job: <code>%s</code>\n", html.EscapeString(alert.JobID)))
	}

	sb.WriteString(html.EscapeString(alert.Message))
	if !alert.Timestamp.IsZero() {
		sb.WriteString(fmt.Sprintf("\n\n<i>%s</i>", alert.Timestamp.UTC().Format("2006-01-02 15:04:05 UTC")))
	}

	return sb.String()
}

// getSeverityEmoji returns an emoji based on severity level
func getSeverityEmoji(severity string) string {
	switch strings.ToLower(severity) {
	case "critical", "error":
		return "🔴"
	case "warning", "warn":
		return "🟡"
	case "info", "information":
		return "🔵"
	default:
		return "⚪"
	}
}
