package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/fyrsmithlabs/triaged/internal/logging"
)

func TestHTTPMetricsMiddleware(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m := &HTTPMetrics{
		meter:  mp.Meter(instrumentationName),
		logger: logging.NewTestLogger().Logger,
	}
	m.init()

	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.POST("/multiagent-rag", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
	}
	req := httptest.NewRequest(http.MethodPost, "/multiagent-rag", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var totalRequests int64
	var durationCount uint64
	foundSize := false

	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			switch md.Name {
			case "triaged.http.requests_total":
				if sum, ok := md.Data.(metricdata.Sum[int64]); ok {
					for _, dp := range sum.DataPoints {
						totalRequests += dp.Value
					}
				}
			case "triaged.http.request_duration_seconds":
				if hist, ok := md.Data.(metricdata.Histogram[float64]); ok {
					for _, dp := range hist.DataPoints {
						durationCount += dp.Count
					}
				}
			case "triaged.http.response_size_bytes":
				foundSize = true
			}
		}
	}

	assert.Equal(t, int64(3), totalRequests)
	assert.Equal(t, uint64(3), durationCount)
	assert.True(t, foundSize, "response size histogram not recorded")
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "/", normalizePath(""))
	assert.Equal(t, "/health", normalizePath("/health"))
	assert.Equal(t, "/multiagent-rag", normalizePath("/multiagent-rag"))
}
