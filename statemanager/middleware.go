package statemanager

import (
	"github.com/labstack/echo/v4"
)

// ContextKey for storing operation ID in echo context
const OperationIDKey = "operation_id"

// Middleware creates Echo middleware that tracks every request as an
// operation. The request context is cancelled when the operation is.
// Usage: e.Use(manager.Middleware("http-request"))
func (m *Manager) Middleware(operationType string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h, err := m.Start(StartOptions{
				OperationType: operationType,
				ComponentID:   c.Request().Header.Get("X-Component-ID"),
				Metadata: map[string]interface{}{
					"path":   c.Path(),
					"method": c.Request().Method,
				},
			})
			if err != nil {
				return next(c)
			}

			ctx, cancel := h.Context(c.Request().Context())
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set(OperationIDKey, h.ID())

			err = next(c)

			if err != nil {
				h.Fail(err)
			} else {
				h.Complete(c.Response().Status)
			}
			return err
		}
	}
}

// GetOperationID retrieves the operation ID from the echo context
// Returns empty string if not found
func GetOperationID(c echo.Context) string {
	if opID, ok := c.Get(OperationIDKey).(string); ok {
		return opID
	}
	return ""
}
