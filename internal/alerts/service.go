// Package alerts queues usage and delivery notifications and fans them out to senders.
package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/csvgate/csvgate/internal/logging"
	"github.com/csvgate/csvgate/internal/metrics"
	"github.com/csvgate/csvgate/internal/models"
)

// Notification outcomes recorded in metrics.
const (
	StatusSent         = "sent"
	StatusFailed       = "failed"
	StatusDeduplicated = "deduplicated"
	StatusDropped      = "dropped"
	StatusDisabled     = "disabled"
)

// Config represents alert service configuration
type Config struct {
	Enabled            bool
	RateLimitPerMinute int
	Burst              int
	DedupWindow        time.Duration
	QueueSize          int
	SendTimeout        time.Duration
	ShutdownTimeout    time.Duration
}

// Service manages alerts and notifications
type Service struct {
	config    Config
	senders   []Sender
	dedup     *DedupStore
	throttler *Throttler
	metrics   *metrics.Metrics
	logger    *logging.Logger
	now       func() time.Time

	alertChan chan Alert

	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// ServiceOption is a functional option for Service
type ServiceOption func(*Service)

// WithMetrics records notification outcomes.
func WithMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithLogger sets the service logger.
func WithLogger(l *logging.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source used for alert timestamps.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates a new alert service
func NewService(config Config, senders []Sender, opts ...ServiceOption) *Service {
	if config.QueueSize <= 0 {
		config.QueueSize = 100
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = 10 * time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 25 * time.Second
	}

	s := &Service{
		config:    config,
		senders:   senders,
		alertChan: make(chan Alert, config.QueueSize),
		logger:    logging.Nop(),
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.dedup = NewDedupStore(config.DedupWindow)
	s.throttler = NewThrottler(config.RateLimitPerMinute, config.Burst)

	return s
}

// Start starts the alert service
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(2)
	go s.processAlerts()
	go s.cleanupLoop()
}

// Stop gracefully stops the alert service, flushing queued alerts.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		return fmt.Errorf("timeout waiting for alert service to stop")
	}
}

// IsRunning returns whether the service is running
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// UpdateRateLimit applies a new send rate without restarting.
func (s *Service) UpdateRateLimit(ratePerMinute, burst int) {
	s.throttler.SetRate(ratePerMinute, burst)
}

// SetEnabled toggles alerting at runtime.
func (s *Service) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config.Enabled = enabled
}

func (s *Service) enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.Enabled
}

// NotifyUsageThreshold queues a usage threshold alert. It never blocks.
func (s *Service) NotifyUsageThreshold(ctx context.Context, event models.ThresholdEvent) {
	alert := Alert{
		AccountID: event.AccountID,
		Period:    event.Period,
		Timestamp: event.At,
		Metadata: map[string]interface{}{
			"new_count": event.NewCount,
			"limit":     event.Limit,
		},
	}
	switch event.Kind {
	case models.ThresholdLimit:
		alert.Type = AlertTypeUsageLimit
		alert.Severity = SeverityCritical
		alert.Title = "Import limit reached"
		alert.Message = fmt.Sprintf("Account has used %d of %d imports for %s. Further imports are rejected until next period.",
			event.NewCount, event.Limit, event.Period)
	default:
		alert.Type = AlertTypeUsageWarning
		alert.Severity = SeverityWarning
		alert.Title = "Import usage warning"
		alert.Message = fmt.Sprintf("Account has used %d of %d imports for %s.",
			event.NewCount, event.Limit, event.Period)
	}
	_ = s.ProcessAlert(ctx, alert)
}

// NotifyDeliveryFailure queues a delivery failure alert. It never blocks.
func (s *Service) NotifyDeliveryFailure(ctx context.Context, jobID, detail string) {
	_ = s.ProcessAlert(ctx, Alert{
		Type:     AlertTypeDeliveryFailure,
		Severity: SeverityCritical,
		JobID:    jobID,
		Title:    "Delivery failed",
		Message:  detail,
	})
}

// ProcessAlert deduplicates and enqueues an alert.
func (s *Service) ProcessAlert(ctx context.Context, alert Alert) error {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = s.now()
	}
	kind := string(alert.Type)

	if !s.enabled() {
		s.metrics.RecordNotification(kind, StatusDisabled)
		return nil
	}

	if s.dedup.CheckAndRecord(alert.AlertKey()) {
		s.metrics.RecordNotification(kind, StatusDeduplicated)
		return nil
	}

	select {
	case s.alertChan <- alert:
		return nil
	default:
		s.metrics.RecordNotification(kind, StatusDropped)
		s.logger.WarnWithContext(ctx, "alert queue is full, dropping alert",
			"type", kind, "account_id", alert.AccountID, "job_id", alert.JobID)
		return fmt.Errorf("alert queue is full")
	}
}

// QueueLength returns the number of alerts waiting to be sent.
func (s *Service) QueueLength() int {
	return len(s.alertChan)
}

// GetDedupSize returns the current dedup store size
func (s *Service) GetDedupSize() int {
	return s.dedup.Size()
}

// processAlerts sends queued alerts, throttled, until shutdown.
func (s *Service) processAlerts() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			s.flushPendingAlerts()
			return
		case alert := <-s.alertChan:
			if err := s.throttler.Wait(s.ctx); err != nil {
				s.sendAlert(alert)
				s.flushPendingAlerts()
				return
			}
			s.sendAlert(alert)
		}
	}
}

// cleanupLoop runs periodic cleanup tasks
func (s *Service) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.dedup.Cleanup()
		}
	}
}

// sendAlert fans an alert out to every sender.
func (s *Service) sendAlert(alert Alert) {
	kind := string(alert.Type)
	for _, sender := range s.senders {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.SendTimeout)
		err := sender.Send(ctx, alert)
		cancel()
		if err != nil {
			s.metrics.RecordNotification(kind, StatusFailed)
			s.logger.Error("failed to send alert",
				"sender", sender.Name(), "alert_id", alert.ID, "type", kind, "error", err.Error())
			continue
		}
		s.metrics.RecordNotification(kind, StatusSent)
	}
}

// flushPendingAlerts sends whatever is still queued, bypassing the throttle.
func (s *Service) flushPendingAlerts() {
	for {
		select {
		case alert := <-s.alertChan:
			s.sendAlert(alert)
		default:
			return
		}
	}
}
