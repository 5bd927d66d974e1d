package http

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsHandler returns an Echo handler exposing gatherer in the Prometheus
// text format. A nil gatherer serves the default registry.
func MetricsHandler(gatherer prometheus.Gatherer) echo.HandlerFunc {
	h := promhttp.Handler()
	if gatherer != nil {
		h = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}

	return func(c echo.Context) error {
		h.ServeHTTP(c.Response(), c.Request())
		return nil
	}
}

// RegisterMetricsEndpoint registers the metrics endpoint on an Echo server
func RegisterMetricsEndpoint(e *echo.Echo, path string, gatherer prometheus.Gatherer) {
	if path == "" {
		path = "/metrics"
	}

	e.GET(path, MetricsHandler(gatherer))
}
