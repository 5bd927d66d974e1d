package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthCheckHandler(t *testing.T) {
	e := NewEchoServer(DefaultServerConfig())
	e.GET("/health", HealthCheckHandler("feedback", "1.0.0", func() map[string]interface{} {
		return map[string]interface{}{"active_operations": 3}
	}))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "feedback", resp.Service)
	assert.Equal(t, 3.0, resp.Details["active_operations"])
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
}

func TestCustomHTTPErrorHandler(t *testing.T) {
	e := NewEchoServer(DefaultServerConfig())
	e.GET("/teapot", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusTeapot, "short and stout")
	})
	e.GET("/boom", func(c echo.Context) error {
		return errors.New("kaput")
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/teapot", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "short and stout", resp.Message)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "kaput", resp.Message)
}

func TestRateLimiter(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.RateLimit = 1
	e := NewEchoServer(cfg)
	e.GET("/ping", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })

	codes := make([]int, 0, 5)
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, http.StatusNoContent, codes[0])
	assert.Contains(t, codes, http.StatusTooManyRequests)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "feedback_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Add(2)

	e := NewEchoServer(DefaultServerConfig())
	RegisterMetricsEndpoint(e, "", reg)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "feedback_test_total 2")
}

func TestServe_StartsAndShutsDown(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	e := NewEchoServer(cfg)
	e.GET("/health", HealthCheckHandler("feedback", "dev", nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, e, cfg) }()

	require.Eventually(t, func() bool { return e.ListenerAddr() != nil }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get(fmt.Sprintf("http://%s/health", e.ListenerAddr()))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "healthy"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
