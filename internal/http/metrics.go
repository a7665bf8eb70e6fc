package http

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/signalfeedback/internal/logging"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/signalfeedback/internal/http"

// HTTPMetrics holds all HTTP-related metrics. OTEL instruments go through
// the meter provider; requestsByStatus is registered directly on the scrape
// registry so /metrics has request counts even with OTEL metrics off.
type HTTPMetrics struct {
	meter          metric.Meter
	logger         *logging.Logger
	requestDur     metric.Float64Histogram
	responseSize   metric.Int64Histogram
	activeRequests metric.Int64UpDownCounter

	requestsByStatus *prometheus.CounterVec
}

// NewHTTPMetrics creates the instruments. reg may be nil.
func NewHTTPMetrics(meter metric.Meter, reg prometheus.Registerer, logger *logging.Logger) *HTTPMetrics {
	if logger == nil {
		logger = logging.NewNop()
	}

	m := &HTTPMetrics{
		meter:  meter,
		logger: logger,
	}
	m.init(reg)
	return m
}

func (m *HTTPMetrics) init(reg prometheus.Registerer) {
	ctx := context.Background()
	var err error

	m.requestDur, err = m.meter.Float64Histogram(
		"signalfeedback.http.request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds, labeled by method, endpoint, and status"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		m.logger.Warn(ctx, "failed to create duration histogram", zap.Error(err))
	}

	m.responseSize, err = m.meter.Int64Histogram(
		"signalfeedback.http.response_size_bytes",
		metric.WithDescription("HTTP response body size in bytes"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(100, 500, 1000, 5000, 10000, 50000, 100000),
	)
	if err != nil {
		m.logger.Warn(ctx, "failed to create response size histogram", zap.Error(err))
	}

	m.activeRequests, err = m.meter.Int64UpDownCounter(
		"signalfeedback.http.active_requests",
		metric.WithDescription("Number of currently active HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.logger.Warn(ctx, "failed to create active requests gauge", zap.Error(err))
	}

	m.requestsByStatus = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signalfeedback",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method, endpoint and status code",
	}, []string{"method", "endpoint", "status"})
	if reg != nil {
		err := reg.Register(m.requestsByStatus)
		var are prometheus.AlreadyRegisteredError
		switch {
		case errors.As(err, &are):
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				m.requestsByStatus = existing
			}
		case err != nil:
			m.logger.Warn(ctx, "failed to register requests counter", zap.Error(err))
		}
	}
}

// MetricsMiddleware returns an Echo middleware that records HTTP metrics.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			ctx := req.Context()

			if m.activeRequests != nil {
				m.activeRequests.Add(ctx, 1)
				defer m.activeRequests.Add(ctx, -1)
			}

			err := next(c)
			if err != nil {
				// Let the error handler write the response so the status
				// below is the one the client sees.
				c.Error(err)
			}

			status := c.Response().Status
			endpoint := normalizePath(c.Path())
			attrs := metric.WithAttributes(
				attribute.String("method", req.Method),
				attribute.String("endpoint", endpoint),
				attribute.Int("status", status),
			)

			if m.requestDur != nil {
				m.requestDur.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if m.responseSize != nil {
				m.responseSize.Record(ctx, c.Response().Size, attrs)
			}
			m.requestsByStatus.WithLabelValues(req.Method, endpoint, strconv.Itoa(status)).Inc()

			return nil
		}
	}
}

// normalizePath returns the route pattern. Echo reports patterns such as
// /api/v1/training/:id, so ids never become label values.
func normalizePath(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}
