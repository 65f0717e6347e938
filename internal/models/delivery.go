package models

import (
	"time"

	"github.com/google/uuid"
)

// ErrorCode classifies a failed delivery.
type ErrorCode string

const (
	// ErrorCodeDeliveryFailed means a transient failure outlasted the retry budget.
	ErrorCodeDeliveryFailed ErrorCode = "DELIVERY_FAILED"
	// ErrorCodeAuthFailed means the destination rejected our credentials.
	ErrorCodeAuthFailed ErrorCode = "AUTH_FAILED"
	// ErrorCodeDestinationRejected means a non-auth 4xx; the payload will not be accepted as is.
	ErrorCodeDestinationRejected ErrorCode = "DESTINATION_REJECTED"
	// ErrorCodeInvalidDestination means the destination config is unusable; nothing was sent.
	ErrorCodeInvalidDestination ErrorCode = "INVALID_DESTINATION"
)

// DeliveryResult is the uniform outcome of a delivery call.
type DeliveryResult struct {
	Success       bool      `json:"success"`
	RowsDelivered int       `json:"rows_delivered"`
	ErrorCode     ErrorCode `json:"error_code,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	Attempts      int       `json:"attempts"`
}

// DeliveryLog is the persisted record of one delivery call.
type DeliveryLog struct {
	ID              string          `json:"id"`
	JobID           string          `json:"job_id"`
	AccountID       string          `json:"account_id,omitempty"`
	CorrelationID   string          `json:"correlation_id,omitempty"`
	DestinationType DestinationType `json:"destination_type"`
	RowsSubmitted   int             `json:"rows_submitted"`
	Success         bool            `json:"success"`
	RowsDelivered   int             `json:"rows_delivered"`
	ErrorCode       ErrorCode       `json:"error_code,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	Attempts        int             `json:"attempts"`
	StartedAt       time.Time       `json:"started_at"`
	FinishedAt      time.Time       `json:"finished_at"`
}

// NewDeliveryLog copies a result verbatim into a new log entry.
func NewDeliveryLog(jobID, accountID, correlationID string, dest DestinationType, submitted int, res DeliveryResult, started, finished time.Time) *DeliveryLog {
	return &DeliveryLog{
		ID:              uuid.New().String(),
		JobID:           jobID,
		AccountID:       accountID,
		CorrelationID:   correlationID,
		DestinationType: dest,
		RowsSubmitted:   submitted,
		Success:         res.Success,
		RowsDelivered:   res.RowsDelivered,
		ErrorCode:       res.ErrorCode,
		ErrorMessage:    res.ErrorMessage,
		Attempts:        res.Attempts,
		StartedAt:       started,
		FinishedAt:      finished,
	}
}
