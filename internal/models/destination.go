package models

import (
	"fmt"
	"net/url"
	"strings"
)

// DestinationType selects the sender used for a delivery.
type DestinationType string

const (
	DestinationRowStore DestinationType = "row_store"
	DestinationWebhook  DestinationType = "webhook"
)

// DefaultWebhookEvent is the envelope event name when a destination sets none.
const DefaultWebhookEvent = "import.completed"

// Row is one processed import row, keyed by column name.
type Row map[string]interface{}

// DestinationConfig describes where and how rows are delivered. It is supplied per
// call and never mutated by the senders.
type DestinationConfig struct {
	Type    DestinationType   `json:"type" yaml:"type"`
	URL     string            `json:"url" yaml:"url"`
	APIKey  string            `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Secret  string            `json:"secret,omitempty" yaml:"secret,omitempty"`
	Table   string            `json:"table,omitempty" yaml:"table,omitempty"`
	Event   string            `json:"event,omitempty" yaml:"event,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// ColumnMapping maps source column -> destination column.
	ColumnMapping map[string]string `json:"column_mapping,omitempty" yaml:"column_mapping,omitempty"`
	// ContextMapping maps destination column -> context key.
	ContextMapping map[string]string `json:"context_mapping,omitempty" yaml:"context_mapping,omitempty"`
}

// Validate checks the fields required by the destination's type.
func (d DestinationConfig) Validate() error {
	switch d.Type {
	case DestinationRowStore:
		if err := validateURL(d.URL); err != nil {
			return err
		}
		if strings.TrimSpace(d.APIKey) == "" {
			return fmt.Errorf("row_store destination requires an api_key")
		}
		if strings.TrimSpace(d.Table) == "" {
			return fmt.Errorf("row_store destination requires a table")
		}
	case DestinationWebhook:
		if err := validateURL(d.URL); err != nil {
			return err
		}
		if strings.TrimSpace(d.Secret) == "" {
			return fmt.Errorf("webhook destination requires a signing secret")
		}
	case "":
		return fmt.Errorf("destination type is required")
	default:
		return fmt.Errorf("unknown destination type %q", d.Type)
	}
	return nil
}

// Redacted returns a copy safe to log: credentials and header values are masked.
func (d DestinationConfig) Redacted() DestinationConfig {
	out := d
	out.APIKey = mask(d.APIKey)
	out.Secret = mask(d.Secret)
	if len(d.Headers) > 0 {
		out.Headers = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			out.Headers[k] = mask(v)
		}
	}
	return out
}

func validateURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("destination url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("destination url is invalid: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("destination url must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("destination url has no host")
	}
	return nil
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + "****" + s[len(s)-2:]
}
