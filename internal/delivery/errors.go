package delivery

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/csvgate/csvgate/internal/models"
)

const maxErrorBody = 256

// ValidationError means the destination config cannot be used. Not retried.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid destination: %v", e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// AuthError means the destination rejected our credentials. Not retried.
type AuthError struct {
	StatusCode int
	Body       string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication rejected: HTTP %d%s", e.StatusCode, bodySuffix(e.Body))
}

// TransientError covers network failures, timeouts, 408, 429 and 5xx. Retried.
type TransientError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("HTTP %d%s", e.StatusCode, bodySuffix(e.Body))
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError is a non-auth 4xx. The payload will not be accepted as sent. Not retried.
type PermanentError struct {
	StatusCode int
	Body       string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("rejected: HTTP %d%s", e.StatusCode, bodySuffix(e.Body))
}

// IsTransient reports whether err should consume retry budget.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// classifyStatus maps a response status to the taxonomy. 2xx yields nil.
func classifyStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	snippet := truncate(strings.TrimSpace(string(body)), maxErrorBody)

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{StatusCode: status, Body: snippet}
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return &TransientError{StatusCode: status, Body: snippet}
	default:
		return &PermanentError{StatusCode: status, Body: snippet}
	}
}

// errorCode maps a terminal error to the result code.
func errorCode(err error) models.ErrorCode {
	var (
		v *ValidationError
		a *AuthError
		p *PermanentError
	)
	switch {
	case errors.As(err, &v):
		return models.ErrorCodeInvalidDestination
	case errors.As(err, &a):
		return models.ErrorCodeAuthFailed
	case errors.As(err, &p):
		return models.ErrorCodeDestinationRejected
	default:
		return models.ErrorCodeDeliveryFailed
	}
}

// attemptOutcome labels one attempt for metrics.
func attemptOutcome(err error) string {
	if err == nil {
		return "success"
	}
	switch errorCode(err) {
	case models.ErrorCodeAuthFailed:
		return "auth"
	case models.ErrorCodeDestinationRejected:
		return "permanent"
	case models.ErrorCodeInvalidDestination:
		return "invalid"
	default:
		return "transient"
	}
}

func invalidResult(err error) models.DeliveryResult {
	ve := &ValidationError{Err: err}
	return models.DeliveryResult{
		Success:      false,
		ErrorCode:    models.ErrorCodeInvalidDestination,
		ErrorMessage: ve.Error(),
	}
}

func bodySuffix(body string) string {
	if body == "" {
		return ""
	}
	return ": " + body
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
