package statemanager

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// RegisterRoutes adds operation endpoints to an Echo group
func (m *Manager) RegisterRoutes(g *echo.Group) {
	g.GET("/operations", m.handleListOperations)
	g.GET("/operations/stats", m.handleGetStats)
	g.GET("/operations/:id", m.handleGetOperation)
	g.GET("/operations/:id/children", m.handleGetChildren)
	g.GET("/operations/:id/events", m.handleStreamEvents)
	g.POST("/operations/:id/cancel", m.handleCancelOperation)
}

// handleListOperations returns tracked operations; ?active=true limits the
// list to pending and running ones
func (m *Manager) handleListOperations(c echo.Context) error {
	if c.QueryParam("active") == "true" {
		return c.JSON(http.StatusOK, m.GetActiveOperations())
	}
	return c.JSON(http.StatusOK, m.ListOperations())
}

// handleGetOperation returns a specific operation by ID
func (m *Manager) handleGetOperation(c echo.Context) error {
	op := m.GetOperation(c.Param("id"))
	if op == nil {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "operation not found",
		})
	}
	return c.JSON(http.StatusOK, op)
}

func (m *Manager) handleGetChildren(c echo.Context) error {
	return c.JSON(http.StatusOK, m.GetChildOperations(c.Param("id")))
}

// handleGetStats returns aggregated statistics
func (m *Manager) handleGetStats(c echo.Context) error {
	return c.JSON(http.StatusOK, m.GetStats())
}

func (m *Manager) handleCancelOperation(c echo.Context) error {
	id := c.Param("id")
	if err := m.CancelOperation(id); err != nil {
		if errors.Is(err, ErrOperationNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error": "operation not found",
			})
		}
		return err
	}
	return c.JSON(http.StatusOK, m.GetOperation(id))
}

// handleStreamEvents streams the operation's events as server-sent events
// until it reaches a terminal status or the client goes away.
func (m *Manager) handleStreamEvents(c echo.Context) error {
	id := c.Param("id")

	events := make(chan Event, 64)
	terminal := make(chan Event, 1)
	unsubscribe := m.Subscribe(id, func(ev Event) {
		if ev.Terminal() {
			select {
			case terminal <- ev:
			default:
			}
			return
		}
		select {
		case events <- ev:
		default:
			m.logger.WithField("operation_id", id).Warn("Event stream client too slow, dropping event")
		}
	})
	defer unsubscribe()

	current := m.GetOperation(id)
	if current == nil {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "operation not found",
		})
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, "snapshot", *current); err != nil {
		return nil
	}
	if current.Status.IsTerminal() {
		return nil
	}

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			if err := writeSSE(w, string(ev.Kind), ev.Operation); err != nil {
				return nil
			}
		case ev := <-terminal:
			for len(events) > 0 {
				pending := <-events
				if err := writeSSE(w, string(pending.Kind), pending.Operation); err != nil {
					return nil
				}
			}
			_ = writeSSE(w, string(ev.Kind), ev.Operation)
			return nil
		}
	}
}

func writeSSE(w *echo.Response, event string, op OperationState) error {
	data, err := json.Marshal(op)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	w.Flush()
	return nil
}
