package escalation

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(s *Store) *echo.Echo {
	e := echo.New()
	s.RegisterRoutes(e.Group("/api"))
	return e
}

func doRequest(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandlers_SetAndResolve(t *testing.T) {
	s := NewStore(StoreConfig{})
	e := newTestServer(s)

	rec := doRequest(e, http.MethodPut, "/api/config/global", `{"inline_threshold_ms":300}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(e, http.MethodPut, "/api/config/types/network", `{"overlay_threshold_ms":800}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(e, http.MethodPut, "/api/config/components/file-explorer", `{"overlay_threshold_ms":1000}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(e, http.MethodGet, "/api/config/resolve?operation_type=network&component_id=file-explorer", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ResolveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Valid)
	assert.Equal(t, 300*time.Millisecond, resp.Config.InlineThreshold)
	assert.Equal(t, 1000*time.Millisecond, resp.Config.OverlayThreshold)
}

func TestHandlers_RejectsInvalidOrdering(t *testing.T) {
	s := NewStore(StoreConfig{})
	e := newTestServer(s)

	rec := doRequest(e, http.MethodPut, "/api/config/components/tree",
		`{"inline_threshold_ms":900,"overlay_threshold_ms":100}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid escalation config")

	_, ok := s.ComponentConfig("tree")
	assert.False(t, ok)
}

func TestHandlers_RemoveAndNotFound(t *testing.T) {
	s := NewStore(StoreConfig{})
	require.NoError(t, s.SetOperationTypeConfig("search", Override{ModalEnabled: Bool(false)}))
	e := newTestServer(s)

	rec := doRequest(e, http.MethodGet, "/api/config/types/search", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"modal_enabled":false}`, rec.Body.String())

	rec = doRequest(e, http.MethodDelete, "/api/config/types/search", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(e, http.MethodDelete, "/api/config/types/search", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(e, http.MethodGet, "/api/config/components/none", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlers_ExportImport(t *testing.T) {
	s := NewStore(StoreConfig{})
	e := newTestServer(s)

	body := `{"global":{"timeout_ms":30000},"components":{"editor":{"inline_enabled":false}}}`
	rec := doRequest(e, http.MethodPut, "/api/config", body)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, 30*time.Second, s.GlobalConfig().Timeout)
	_, ok := s.ComponentConfig("editor")
	assert.True(t, ok)

	rec = doRequest(e, http.MethodGet, "/api/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, s.Export(), snap)

	rec = doRequest(e, http.MethodDelete, "/api/config/global", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, time.Duration(0), s.GlobalConfig().Timeout)
}
