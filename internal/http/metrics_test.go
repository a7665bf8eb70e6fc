package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/fyrsmithlabs/signalfeedback/internal/logging"
)

func TestHTTPMetrics_MetricsMiddleware(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	reg := prometheus.NewRegistry()

	m := NewHTTPMetrics(mp.Meter(httpInstrumentationName), reg, logging.NewNop())

	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/api/v1/training/:id", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "training data not found")
	})
	e.POST("/api/v1/feedback", func(c echo.Context) error {
		return errors.New("boom")
	})

	for _, r := range []struct{ method, path string }{
		{http.MethodGet, "/health"},
		{http.MethodGet, "/api/v1/training/abc"},
		{http.MethodGet, "/api/v1/training/def"},
		{http.MethodPost, "/api/v1/feedback"},
	} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(r.method, r.path, nil))
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			found[md.Name] = true
			if md.Name == "signalfeedback.http.request_duration_seconds" {
				hist, ok := md.Data.(metricdata.Histogram[float64])
				require.True(t, ok)
				var count uint64
				for _, dp := range hist.DataPoints {
					count += dp.Count
				}
				assert.Equal(t, uint64(4), count)
			}
		}
	}
	assert.True(t, found["signalfeedback.http.request_duration_seconds"])
	assert.True(t, found["signalfeedback.http.response_size_bytes"])
	assert.True(t, found["signalfeedback.http.active_requests"])

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsByStatus.WithLabelValues("GET", "/health", "200")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.requestsByStatus.WithLabelValues("GET", "/api/v1/training/:id", "404")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsByStatus.WithLabelValues("POST", "/api/v1/feedback", "500")))
}

func TestHTTPMetrics_SharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	mp := metric.NewMeterProvider()

	first := NewHTTPMetrics(mp.Meter(httpInstrumentationName), reg, nil)
	logger := logging.NewTestLogger()
	second := NewHTTPMetrics(mp.Meter(httpInstrumentationName), reg, logger.Logger)

	assert.Same(t, first.requestsByStatus, second.requestsByStatus)
	assert.Empty(t, logger.All())

	second.requestsByStatus.WithLabelValues("GET", "/health", "200").Inc()
	expected := `
# HELP signalfeedback_http_requests_total HTTP requests by method, endpoint and status code
# TYPE signalfeedback_http_requests_total counter
signalfeedback_http_requests_total{endpoint="/health",method="GET",status="200"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "signalfeedback_http_requests_total"))
}

func TestHTTPMetrics_NilRegistry(t *testing.T) {
	m := NewHTTPMetrics(metric.NewMeterProvider().Meter(httpInstrumentationName), nil, nil)

	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/health", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsByStatus.WithLabelValues("GET", "/health", "200")))
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "/api/v1/training/:id", normalizePath("/api/v1/training/:id"))
	assert.Equal(t, "unmatched", normalizePath(""))
}
