// Package imports runs a finished CSV import through the quota gate and out to its
// destination, recording the outcome.
package imports

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/csvgate/csvgate/internal/errors"
	"github.com/csvgate/csvgate/internal/ledger"
	"github.com/csvgate/csvgate/internal/logging"
	"github.com/csvgate/csvgate/internal/models"
	"github.com/csvgate/csvgate/internal/quota"
)

// Gate is the quota side of the pipeline.
type Gate interface {
	Tier(ctx context.Context, accountID string) (models.Tier, error)
	Period() string
	Policy() *quota.Policy
	CheckAndIncrement(ctx context.Context, accountID, period string, tier models.Tier, rows int) (ledger.Admission, error)
}

// Deliverer pushes rows to a destination.
type Deliverer interface {
	Deliver(ctx context.Context, dest models.DestinationConfig, rows []models.Row, rowContext map[string]interface{}) models.DeliveryResult
}

// LogStore persists delivery logs.
type LogStore interface {
	SaveDeliveryLog(ctx context.Context, log *models.DeliveryLog) error
}

// FailureNotifier is told about failed deliveries. Implementations must not block.
type FailureNotifier interface {
	NotifyDeliveryFailure(ctx context.Context, jobID, detail string)
}

// Status summarises how an import ended.
type Status string

const (
	StatusDelivered      Status = "delivered"
	StatusQuotaExceeded  Status = "quota_exceeded"
	StatusDeliveryFailed Status = "delivery_failed"
)

// Request is one import ready for delivery.
type Request struct {
	JobID       string                   `json:"job_id"`
	AccountID   string                   `json:"account_id"`
	Destination models.DestinationConfig `json:"destination"`
	Rows        []models.Row             `json:"rows"`
	Context     map[string]interface{}   `json:"context,omitempty"`
}

// Outcome is the result of running a Request.
type Outcome struct {
	JobID     string                 `json:"job_id"`
	Status    Status                 `json:"status"`
	Admission *ledger.Admission      `json:"admission,omitempty"`
	Result    *models.DeliveryResult `json:"result,omitempty"`
	LogID     string                 `json:"log_id,omitempty"`
}

// Service wires the ledger, the dispatcher and the log store together.
type Service struct {
	gate     Gate
	delivery Deliverer
	logs     LogStore
	notifier FailureNotifier
	logger   *logging.Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier sets the delivery failure notifier.
func WithNotifier(n FailureNotifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source for log timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates an import pipeline.
func NewService(gate Gate, delivery Deliverer, logs LogStore, opts ...Option) *Service {
	s := &Service{
		gate:     gate,
		delivery: delivery,
		logs:     logs,
		logger:   logging.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run checks the row cap, asks the ledger for admission and, if admitted, delivers the
// rows. Row cap violations and ledger failures are returned as errors; quota rejection
// and delivery failure are reported in the Outcome.
func (s *Service) Run(ctx context.Context, req Request) (Outcome, error) {
	if err := validate(req, true); err != nil {
		return Outcome{}, err
	}
	req.JobID = jobID(req.JobID)
	ctx, _ = logging.EnsureCorrelationID(ctx)

	tier, err := s.gate.Tier(ctx, req.AccountID)
	if err != nil {
		return Outcome{JobID: req.JobID}, err
	}

	limits := s.gate.Policy().LimitsFor(tier)
	if len(req.Rows) > limits.MaxRowsPerImport {
		s.logger.InfoWithContext(ctx, "import rejected by row cap",
			"job_id", req.JobID, "account_id", req.AccountID, "rows", len(req.Rows), "max", limits.MaxRowsPerImport)
		return Outcome{JobID: req.JobID}, &apperrors.ErrRowLimitExceeded{
			AccountID: req.AccountID,
			Rows:      len(req.Rows),
			Max:       limits.MaxRowsPerImport,
		}
	}

	adm, err := s.gate.CheckAndIncrement(ctx, req.AccountID, s.gate.Period(), tier, len(req.Rows))
	if err != nil {
		return Outcome{JobID: req.JobID}, err
	}
	if adm.Exceeded {
		return Outcome{JobID: req.JobID, Status: StatusQuotaExceeded, Admission: &adm}, nil
	}

	out := s.deliver(ctx, req)
	out.Admission = &adm
	return out, nil
}

// Deliver sends rows without consulting the ledger and records the outcome.
func (s *Service) Deliver(ctx context.Context, req Request) (Outcome, error) {
	if err := validate(req, false); err != nil {
		return Outcome{}, err
	}
	req.JobID = jobID(req.JobID)
	ctx, _ = logging.EnsureCorrelationID(ctx)
	return s.deliver(ctx, req), nil
}

func (s *Service) deliver(ctx context.Context, req Request) Outcome {
	started := s.now().UTC()
	res := s.delivery.Deliver(ctx, req.Destination, req.Rows, req.Context)
	finished := s.now().UTC()

	out := Outcome{JobID: req.JobID, Status: StatusDelivered, Result: &res}
	if !res.Success {
		out.Status = StatusDeliveryFailed
	}

	entry := models.NewDeliveryLog(req.JobID, req.AccountID, logging.GetCorrelationID(ctx),
		req.Destination.Type, len(req.Rows), res, started, finished)
	// A failed log write does not change the outcome.
	if err := s.logs.SaveDeliveryLog(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.ErrorWithContext(ctx, "failed to save delivery log",
			"job_id", req.JobID, "error", err.Error())
	} else {
		out.LogID = entry.ID
	}

	if !res.Success {
		s.logger.WarnWithContext(ctx, "delivery failed",
			"job_id", req.JobID,
			"account_id", req.AccountID,
			"error_code", string(res.ErrorCode),
			"rows_delivered", res.RowsDelivered,
			"rows_submitted", len(req.Rows))
		if s.notifier != nil {
			s.notifier.NotifyDeliveryFailure(context.WithoutCancel(ctx), req.JobID, failureDetail(req, res))
		}
	}
	return out
}

func failureDetail(req Request, res models.DeliveryResult) string {
	detail := fmt.Sprintf("%s delivery %s: %d of %d rows delivered",
		req.Destination.Type, res.ErrorCode, res.RowsDelivered, len(req.Rows))
	if req.AccountID != "" {
		detail += " for account " + req.AccountID
	}
	if res.ErrorMessage != "" {
		detail += " (" + res.ErrorMessage + ")"
	}
	return detail
}

func validate(req Request, needAccount bool) error {
	if needAccount && req.AccountID == "" {
		return &apperrors.ErrRequestValidation{Field: "account_id", Err: errors.New("is required")}
	}
	if err := req.Destination.Validate(); err != nil {
		return &apperrors.ErrRequestValidation{Field: "destination", Err: err}
	}
	return nil
}

func jobID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}
