package statemanager

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEcho(m *Manager) *echo.Echo {
	e := echo.New()
	m.RegisterRoutes(e.Group("/api"))
	return e
}

func serve(e *echo.Echo, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandlers_GetAndList(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	e := newTestEcho(m)

	_, err := m.Start(StartOptions{ID: "parent", OperationType: "network"})
	require.NoError(t, err)
	child, err := m.Start(StartOptions{ID: "child", ParentID: "parent"})
	require.NoError(t, err)
	done, err := m.Start(StartOptions{ID: "done"})
	require.NoError(t, err)
	done.Complete(nil)

	rec := serve(e, http.MethodGet, "/api/operations/parent")
	require.Equal(t, http.StatusOK, rec.Code)
	var op OperationState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &op))
	assert.Equal(t, "network", op.OperationType)
	assert.Equal(t, StatusRunning, op.Status)

	rec = serve(e, http.MethodGet, "/api/operations/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(e, http.MethodGet, "/api/operations")
	var all []OperationState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Len(t, all, 3)

	rec = serve(e, http.MethodGet, "/api/operations?active=true")
	var active []OperationState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &active))
	assert.Len(t, active, 2)

	rec = serve(e, http.MethodGet, "/api/operations/parent/children")
	var children []OperationState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &children))
	require.Len(t, children, 1)
	assert.Equal(t, child.ID(), children[0].ID)

	rec = serve(e, http.MethodGet, "/api/operations/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats OperationStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 3, stats.TotalOperations)
	assert.Equal(t, 2, stats.ActiveOperations)
}

func TestHandlers_Cancel(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	e := newTestEcho(m)
	h, err := m.Start(StartOptions{ID: "op"})
	require.NoError(t, err)

	rec := serve(e, http.MethodPost, "/api/operations/op/cancel")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, StatusCancelled, h.State().Status)
	assert.True(t, h.Token().IsCancelled())

	rec = serve(e, http.MethodPost, "/api/operations/missing/cancel")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlers_StreamEvents(t *testing.T) {
	m, clock := newTestManager(t, Config{})
	e := newTestEcho(m)
	h, err := m.Start(StartOptions{ID: "op"})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	finished := make(chan struct{})
	subscribed := make(chan struct{})
	unsubscribe := m.Subscribe("op", func(Event) {})
	defer unsubscribe()

	go func() {
		defer close(finished)
		req := httptest.NewRequest(http.MethodGet, "/api/operations/op/events", nil)
		close(subscribed)
		e.ServeHTTP(rec, req)
	}()
	<-subscribed

	// Give the handler time to subscribe before producing events.
	require.Eventually(t, func() bool {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		return len(m.subs["op"]) == 2
	}, 2*time.Second, 5*time.Millisecond)

	clock.Advance(200 * time.Millisecond)
	h.UpdateProgress(Determinate(30, "copying"))
	h.Complete("ok")

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after terminal event")
	}

	body := rec.Body.String()
	assert.Equal(t, "text/event-stream", rec.Header().Get(echo.HeaderContentType))
	snapshotAt := strings.Index(body, "event: snapshot")
	levelAt := strings.Index(body, "event: level")
	progressAt := strings.Index(body, "event: progress")
	statusAt := strings.Index(body, "event: status")
	require.True(t, snapshotAt >= 0 && levelAt > snapshotAt && progressAt > levelAt && statusAt > progressAt, body)
	assert.Contains(t, body, `"status":"completed"`)
}

func TestHandlers_StreamEventsUnknown(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	rec := serve(newTestEcho(m), http.MethodGet, "/api/operations/missing/events")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlers_StreamEventsFinishedOperation(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	h, err := m.Start(StartOptions{ID: "op"})
	require.NoError(t, err)
	h.Fail(errors.New("nope"))

	rec := serve(newTestEcho(m), http.MethodGet, "/api/operations/op/events")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"failed"`)
}

func TestMiddleware_TracksRequests(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	e := echo.New()
	e.Use(m.Middleware("http-request"))

	var seen string
	e.GET("/ok", func(c echo.Context) error {
		seen = GetOperationID(c)
		select {
		case <-c.Request().Context().Done():
			return errors.New("context cancelled too early")
		default:
		}
		return c.String(http.StatusOK, "fine")
	})
	e.GET("/bad", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusTeapot, "short and stout")
	})

	rec := serve(e, http.MethodGet, "/ok")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, seen)
	op := m.GetOperation(seen)
	require.NotNil(t, op)
	assert.Equal(t, StatusCompleted, op.Status)
	assert.Equal(t, "http-request", op.OperationType)
	assert.Equal(t, "/ok", op.Metadata["path"])

	serve(e, http.MethodGet, "/bad")
	stats := m.GetStats()
	assert.Equal(t, 1, stats.ByStatus[StatusFailed])
}

func TestMetrics_FollowRegistryEvents(t *testing.T) {
	m, clock := newTestManager(t, Config{})
	reg := prometheus.NewRegistry()
	metrics := NewMetrics("test", reg)
	detach := metrics.Attach(m)
	defer detach()

	a, err := m.Start(StartOptions{OperationType: "network"})
	require.NoError(t, err)
	b, err := m.Start(StartOptions{OperationType: "network"})
	require.NoError(t, err)

	clock.Advance(600 * time.Millisecond)
	a.UpdateProgress(Indeterminate("busy"))
	clock.Advance(DefaultThrottleWindow)
	a.Complete(nil)
	b.Cancel()

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.OperationsStarted.WithLabelValues("network")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.OperationsActive.WithLabelValues("network")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Escalations.WithLabelValues("network", "overlay")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ProgressUpdates.WithLabelValues("network")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.OperationsFinished.WithLabelValues("network", "completed", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.OperationsFinished.WithLabelValues("network", "cancelled", "requested")))
	assert.Equal(t, 2, testutil.CollectAndCount(metrics.OperationDuration))
}
