package alerts

import (
	"time"
)

// Severity represents alert severity level
type Severity string

const (
	// SeverityInfo is for informational alerts
	SeverityInfo Severity = "info"
	// SeverityWarning is for warning alerts
	SeverityWarning Severity = "warning"
	// SeverityCritical is for critical alerts
	SeverityCritical Severity = "critical"
)

// AlertType represents the type of alert
type AlertType string

const (
	// AlertTypeUsageWarning fires when an account crosses 80% of its monthly imports.
	AlertTypeUsageWarning AlertType = "usage_warning"
	// AlertTypeUsageLimit fires when an account reaches its monthly import limit.
	AlertTypeUsageLimit AlertType = "usage_limit"
	// AlertTypeDeliveryFailure fires when a delivery job fails.
	AlertTypeDeliveryFailure AlertType = "delivery_failure"
)

// Alert represents an alert to be sent
type Alert struct {
	ID        string
	Type      AlertType
	Severity  Severity
	AccountID string
	JobID     string
	Period    string
	Title     string
	Message   string
	Timestamp time.Time
	Metadata  map[string]interface{}
}

// AlertKey creates a unique key for deduplication
func (a *Alert) AlertKey() string {
	switch a.Type {
	case AlertTypeDeliveryFailure:
		return string(a.Type) + ":" + a.JobID
	default:
		return string(a.Type) + ":" + a.AccountID + ":" + a.Period
	}
}

// AlertRecord represents a sent alert record for deduplication
type AlertRecord struct {
	AlertKey string
	SentAt   time.Time
	Count    int
}
