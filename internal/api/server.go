// Package api exposes the quota gate and delivery pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"github.com/csvgate/csvgate/internal/config"
	apperrors "github.com/csvgate/csvgate/internal/errors"
	"github.com/csvgate/csvgate/internal/imports"
	"github.com/csvgate/csvgate/internal/ledger"
	"github.com/csvgate/csvgate/internal/logging"
	"github.com/csvgate/csvgate/internal/metrics"
	"github.com/csvgate/csvgate/internal/models"
	"github.com/csvgate/csvgate/internal/store"
)

// Shutdownable is stopped after the HTTP server during Shutdown.
type Shutdownable interface {
	Shutdown(ctx context.Context) error
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	config      config.ServerConfig
	apiConfig   config.APIConfig
	ledger      *ledger.Ledger
	imports     *imports.Service
	logs        store.DeliveryLogStore
	metrics     *metrics.Metrics
	logger      *logging.Logger
	rateLimiter *IPRateLimiter
	httpServer  *http.Server
	components  []Shutdownable
	startedAt   time.Time
}

// Router returns the gin router for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, apiCfg config.APIConfig, l *ledger.Ledger, svc *imports.Service, logs store.DeliveryLogStore, m *metrics.Metrics, logger *logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	if logger == nil {
		logger = logging.NewLogger()
	}
	if m == nil {
		m = metrics.NewMetrics("csvgate")
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 32 << 20
	}

	server := &Server{
		router:      gin.New(),
		config:      cfg,
		apiConfig:   apiCfg,
		ledger:      l,
		imports:     svc,
		logs:        logs,
		metrics:     m,
		logger:      logger,
		rateLimiter: newIPRateLimiter(apiCfg.RateLimit.RequestsPerMinute, apiCfg.RateLimit.Burst),
		startedAt:   time.Now(),
	}
	server.router.HandleMethodNotAllowed = true

	server.router.Use(gin.Recovery())
	server.router.Use(correlationMiddleware())
	server.router.Use(rateLimitMiddleware(server.rateLimiter))
	server.router.Use(bodyLimitMiddleware(maxBody))
	server.router.Use(metrics.Middleware(m, logger, "/metrics"))
	server.router.Use(loggingMiddleware(logger))

	server.setupRoutes()
	server.httpServer = NewHTTPServer(cfg.Addr(), server.router)
	return server
}

// AddShutdownHook registers a component to stop after the HTTP server.
func (s *Server) AddShutdownHook(c Shutdownable) {
	s.components = append(s.components, c)
}

// correlationMiddleware reads or assigns X-Correlation-ID and stores it in the request context.
func correlationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = logging.GenerateCorrelationID()
		}
		c.Request = c.Request.WithContext(logging.WithCorrelationID(c.Request.Context(), correlationID))
		c.Header("X-Correlation-ID", correlationID)
		c.Next()
	}
}

// loggingMiddleware provides structured logging for all requests
func loggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.InfoWithContext(c.Request.Context(), "request completed",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_seconds", time.Since(start).Seconds(),
		)
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	s.router.GET("/health", s.handleHealth)

	var keys []string
	if s.apiConfig.Auth.Enabled {
		keys = s.apiConfig.Auth.APIKeys
	}

	v1 := s.router.Group("/v1")
	v1.Use(APIKeyAuth(keys, s.apiConfig.Auth.HeaderName, s.logger))
	{
		v1.POST("/usage/check", s.handleUsageCheck)
		v1.GET("/usage/:account_id", s.handleGetUsage)
		v1.POST("/imports", s.handleImport)
		v1.POST("/deliveries", s.handleDeliver)
		v1.GET("/deliveries", s.handleListDeliveries)
	}
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	addr := s.httpServer.Addr
	s.logger.Info("starting HTTP server", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return &apperrors.ErrServerStart{Addr: addr, Err: err}
	}
	return nil
}

// Shutdown stops the HTTP server and then every registered component.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	var errList []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", "error", err.Error())
			errList = append(errList, &apperrors.ErrServerShutdown{Err: err})
		}
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, comp := range s.components {
		wg.Add(1)
		go func(comp Shutdownable) {
			defer wg.Done()
			if err := comp.Shutdown(ctx); err != nil {
				mu.Lock()
				errList = append(errList, err)
				mu.Unlock()
			}
		}(comp)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if len(errList) > 0 {
		return fmt.Errorf("shutdown errors: %v", errList)
	}
	s.logger.Info("graceful shutdown completed")
	return nil
}

// handleHealth returns health status
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"timestamp":      time.Now().UTC(),
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"period":         s.ledger.Period(),
	})
}

// UsageCheckRequest asks whether an account may run one more import.
type UsageCheckRequest struct {
	AccountID string `json:"account_id" binding:"required"`
	Rows      int    `json:"rows" binding:"min=0"`
}

// handleUsageCheck admits or rejects one import against the account's quota.
func (s *Server) handleUsageCheck(c *gin.Context) {
	var req UsageCheckRequest
	if !s.bindJSON(c, &req) {
		return
	}

	adm, err := s.ledger.Admit(c.Request.Context(), req.AccountID, req.Rows)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if adm.Exceeded {
		c.JSON(http.StatusTooManyRequests, adm)
		return
	}
	c.JSON(http.StatusOK, adm)
}

// UsageResponse is the usage of one account in one period.
type UsageResponse struct {
	Record           *models.UsageRecord `json:"usage"`
	Tier             models.Tier         `json:"tier"`
	Limit            models.ImportLimit  `json:"limit"`
	MaxRowsPerImport int                 `json:"max_rows_per_import"`
}

// handleGetUsage returns the usage record of an account, creating it if needed.
func (s *Server) handleGetUsage(c *gin.Context) {
	accountID := c.Param("account_id")
	period := c.DefaultQuery("period", s.ledger.Period())
	if err := models.ValidatePeriod(period); err != nil {
		s.respondError(c, &apperrors.ErrRequestValidation{Field: "period", Err: err})
		return
	}

	ctx := c.Request.Context()
	tier, err := s.ledger.Tier(ctx, accountID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	rec, err := s.ledger.GetOrCreate(ctx, accountID, period)
	if err != nil {
		s.respondError(c, err)
		return
	}

	limits := s.ledger.Policy().LimitsFor(tier)
	c.JSON(http.StatusOK, UsageResponse{
		Record:           rec,
		Tier:             tier,
		Limit:            limits.ImportLimit,
		MaxRowsPerImport: limits.MaxRowsPerImport,
	})
}

// handleImport runs the full pipeline: row cap, quota, delivery, log.
func (s *Server) handleImport(c *gin.Context) {
	var req imports.Request
	if !s.bindJSON(c, &req) {
		return
	}

	out, err := s.imports.Run(c.Request.Context(), req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(outcomeStatus(out), out)
}

// handleDeliver delivers rows without consulting the quota ledger.
func (s *Server) handleDeliver(c *gin.Context) {
	var req imports.Request
	if !s.bindJSON(c, &req) {
		return
	}

	out, err := s.imports.Deliver(c.Request.Context(), req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(outcomeStatus(out), out)
}

// handleListDeliveries lists delivery logs, optionally for one job.
func (s *Server) handleListDeliveries(c *gin.Context) {
	logs, err := s.logs.ListDeliveryLogs(c.Request.Context(), c.Query("job_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if logs == nil {
		logs = []*models.DeliveryLog{}
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": logs, "count": len(logs)})
}

func outcomeStatus(out imports.Outcome) int {
	switch out.Status {
	case imports.StatusQuotaExceeded:
		return http.StatusTooManyRequests
	case imports.StatusDeliveryFailed:
		return http.StatusBadGateway
	default:
		return http.StatusOK
	}
}

// bindJSON decodes numbers as json.Number so row values reach destinations with
// their original digits.
func (s *Server) bindJSON(c *gin.Context, v interface{}) bool {
	if err := decodeJSON(c.Request, v); err != nil {
		if isBodyTooLarge(err) {
			abortTooLarge(c, s.config.MaxBodyBytes)
			return false
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
			Code:    http.StatusBadRequest,
		})
		return false
	}
	return true
}

func decodeJSON(req *http.Request, v interface{}) error {
	if req.Body == nil {
		return errors.New("request body is empty")
	}
	dec := json.NewDecoder(req.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return err
	}
	return binding.Validator.ValidateStruct(v)
}

// respondError maps pipeline errors onto HTTP statuses.
func (s *Server) respondError(c *gin.Context, err error) {
	var (
		validation  *apperrors.ErrRequestValidation
		rowLimit    *apperrors.ErrRowLimitExceeded
		unavailable *apperrors.ErrLedgerUnavailable
	)

	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.As(err, &validation):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.As(err, &rowLimit):
		status, code = http.StatusRequestEntityTooLarge, "row_limit_exceeded"
	case errors.As(err, &unavailable):
		status, code = http.StatusServiceUnavailable, "ledger_unavailable"
		c.Header("Retry-After", "5")
	}

	if status >= http.StatusInternalServerError {
		s.logger.ErrorWithContext(c.Request.Context(), "request failed",
			"path", c.FullPath(), "status", status, "error", err.Error())
	}
	_ = c.Error(err)
	c.JSON(status, ErrorResponse{Error: code, Message: err.Error(), Code: status})
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(d.Seconds())
	if d > time.Duration(secs)*time.Second {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
