// Package http serves the signalfeedback API.
package http

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/signalfeedback/internal/intake"
	"github.com/fyrsmithlabs/signalfeedback/internal/logging"
	"github.com/fyrsmithlabs/signalfeedback/internal/telemetry"
	"github.com/fyrsmithlabs/signalfeedback/internal/training"
)

// Version is reported on /health; set at build time.
var Version = "dev"

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Healthy() bool
}

// Deps are the services behind the API. Intake and Training are required.
type Deps struct {
	Intake      *intake.Service
	Training    *training.Service
	Reprocessor *intake.Reprocessor
	Telemetry   *telemetry.Telemetry
	Sources     HealthChecker
}

// Server provides HTTP endpoints for signalfeedback.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	logger *logging.Logger
	config *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *logging.Logger, cfg *Config) (*Server, error) {
	if deps.Intake == nil {
		return nil, fmt.Errorf("intake service cannot be nil")
	}
	if deps.Training == nil {
		return nil, fmt.Errorf("training service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9191,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:   e,
		deps:   deps,
		logger: logger.Named("http"),
		config: cfg,
	}
	e.HTTPErrorHandler = s.errorHandler

	var reg prometheus.Registerer
	if r := deps.Telemetry.Registry(); r != nil {
		reg = r
	}
	metrics := NewHTTPMetrics(deps.Telemetry.Meter(httpInstrumentationName), reg, s.logger)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.correlate)
	e.Use(s.logRequests)
	e.Use(metrics.MetricsMiddleware())

	s.registerRoutes()
	return s, nil
}

// correlate puts the request id and a tracer span context on the request
// context so service logs carry them.
func (s *Server) correlate(next echo.HandlerFunc) echo.HandlerFunc {
	tracer := s.deps.Telemetry.Tracer(httpInstrumentationName)
	return func(c echo.Context) error {
		req := c.Request()
		ctx, span := tracer.Start(req.Context(), req.Method+" "+c.Path())
		defer span.End()

		ctx = logging.WithRequestID(ctx, c.Response().Header().Get(echo.HeaderXRequestID))
		c.SetRequest(req.WithContext(ctx))
		return next(c)
	}
}

func (s *Server) logRequests(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		s.logger.Info(c.Request().Context(), "http request",
			zap.String("method", c.Request().Method),
			zap.String("route", c.Path()),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)
		return err
	}
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(s.deps.Telemetry.MetricsHandler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/feedback", s.handleSubmit)
	v1.GET("/analytics", s.handleAnalytics)
	v1.POST("/reprocess", s.handleReprocess)

	td := v1.Group("/training")
	td.GET("", s.handleListTraining)
	td.GET("/:id", s.handleGetTraining)
	td.GET("/:id/history", s.handleHistory)
	td.POST("/:id/rollback", s.handleRollback)
	td.POST("/:id/activate", s.handleActivate)
	td.POST("/:id/deactivate", s.handleDeactivate)
	td.DELETE("/:id", s.handleDelete)
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{
		Status:   "ok",
		Version:  Version,
		Services: map[string]string{"store": "ok"},
	}
	if s.deps.Sources != nil {
		if s.deps.Sources.Healthy() {
			resp.Services["sources"] = "ok"
		} else {
			resp.Services["sources"] = "unavailable"
			resp.Status = "degraded"
		}
	}
	if s.deps.Telemetry != nil {
		h := s.deps.Telemetry.Health()
		resp.Telemetry = &h
		if h.Degraded {
			resp.Status = "degraded"
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSubmit(c echo.Context) error {
	var req intake.SubmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	fb, err := s.deps.Intake.Submit(c.Request().Context(), req)
	if err != nil {
		var limited *intake.RateLimitError
		if errors.As(err, &limited) {
			c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(limited.RetryAfter)))
		}
		return s.apiError(c, err)
	}

	remaining := s.deps.Intake.Budget(fb.Tenant)
	c.Response().Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	return c.JSON(http.StatusAccepted, FeedbackResponse{
		ID:          fb.ID,
		SubmittedAt: fb.SubmittedAt,
		Processed:   fb.Processed,
		Remaining:   remaining,
	})
}

// retryAfterSeconds rounds d up to whole seconds, never below one.
func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func (s *Server) handleAnalytics(c echo.Context) error {
	a, err := s.deps.Training.Analytics(c.Request().Context())
	if err != nil {
		return s.apiError(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

func (s *Server) handleReprocess(c echo.Context) error {
	if s.deps.Reprocessor == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "reprocessing is not configured")
	}
	res, err := s.deps.Reprocessor.RunOnce(c.Request().Context())
	if err != nil {
		return s.apiError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleListTraining(c echo.Context) error {
	filter := training.TrainingFilter{SignalID: c.QueryParam("signal_id")}
	if v := c.QueryParam("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "active must be true or false")
		}
		filter.Active = &active
	}
	if v := c.QueryParam("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		filter.Limit = limit
	}

	rows, err := s.deps.Training.List(c.Request().Context(), filter)
	if err != nil {
		return s.apiError(c, err)
	}
	if rows == nil {
		rows = []*training.TrainingData{}
	}
	return c.JSON(http.StatusOK, rows)
}

func (s *Server) handleGetTraining(c echo.Context) error {
	td, err := s.deps.Training.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.apiError(c, err)
	}
	return c.JSON(http.StatusOK, td)
}

func (s *Server) handleHistory(c echo.Context) error {
	history, err := s.deps.Training.History(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.apiError(c, err)
	}
	if history == nil {
		history = []*training.History{}
	}
	return c.JSON(http.StatusOK, history)
}

func (s *Server) handleRollback(c echo.Context) error {
	var req RollbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id is required")
	}
	if req.Version < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "version must be >= 1")
	}

	td, err := s.deps.Training.Rollback(c.Request().Context(), c.Param("id"), req.Version, req.UserID, req.Reason)
	if err != nil {
		return s.apiError(c, err)
	}
	return c.JSON(http.StatusOK, td)
}

type lifecycleFunc func(ctx context.Context, id, userID, reason string) (*training.TrainingData, error)

func (s *Server) lifecycle(c echo.Context, fn lifecycleFunc) error {
	var req ChangeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id is required")
	}

	td, err := fn(c.Request().Context(), c.Param("id"), req.UserID, req.Reason)
	if err != nil {
		return s.apiError(c, err)
	}
	return c.JSON(http.StatusOK, td)
}

func (s *Server) handleActivate(c echo.Context) error {
	return s.lifecycle(c, s.deps.Training.Activate)
}

func (s *Server) handleDeactivate(c echo.Context) error {
	return s.lifecycle(c, s.deps.Training.Deactivate)
}

func (s *Server) handleDelete(c echo.Context) error {
	return s.lifecycle(c, s.deps.Training.Delete)
}

// Handler returns the server's http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server. It returns nil after Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
