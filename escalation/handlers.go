package escalation

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

// RegisterRoutes adds configuration endpoints to an Echo group
func (s *Store) RegisterRoutes(g *echo.Group) {
	g.GET("/config", s.handleExport)
	g.PUT("/config", s.handleImport)
	g.GET("/config/resolve", s.handleResolve)

	g.PUT("/config/global", s.handleSetGlobal)
	g.DELETE("/config/global", s.handleResetGlobal)

	g.GET("/config/types/:type", s.handleGetOperationType)
	g.PUT("/config/types/:type", s.handleSetOperationType)
	g.DELETE("/config/types/:type", s.handleRemoveOperationType)

	g.GET("/config/components/:id", s.handleGetComponent)
	g.PUT("/config/components/:id", s.handleSetComponent)
	g.DELETE("/config/components/:id", s.handleRemoveComponent)
}

// ResolveResponse is returned by GET /config/resolve
type ResolveResponse struct {
	Scope  Scope  `json:"scope"`
	Config Config `json:"config"`
	Valid  bool   `json:"valid"`
	Error  string `json:"error,omitempty"`
}

func (s *Store) handleExport(c echo.Context) error {
	return c.JSON(http.StatusOK, s.Export())
}

func (s *Store) handleImport(c echo.Context) error {
	var snap Snapshot
	if err := c.Bind(&snap); err != nil {
		return err
	}
	if err := s.Import(snap); err != nil {
		return configError(c, err)
	}
	return c.JSON(http.StatusOK, s.Export())
}

func (s *Store) handleResolve(c echo.Context) error {
	scope := Scope{
		OperationType: c.QueryParam("operation_type"),
		ComponentID:   c.QueryParam("component_id"),
	}
	cfg, err := s.CheckResolved(scope)
	resp := ResolveResponse{Scope: scope, Config: cfg, Valid: err == nil}
	if err != nil {
		resp.Error = err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Store) handleSetGlobal(c echo.Context) error {
	var o Override
	if err := c.Bind(&o); err != nil {
		return err
	}
	if err := s.SetGlobalConfig(o); err != nil {
		return configError(c, err)
	}
	return c.JSON(http.StatusOK, s.GlobalConfig())
}

func (s *Store) handleResetGlobal(c echo.Context) error {
	s.ResetGlobalConfig()
	return c.NoContent(http.StatusNoContent)
}

func (s *Store) handleGetOperationType(c echo.Context) error {
	o, ok := s.OperationTypeConfig(c.Param("type"))
	if !ok {
		return notFound(c, "operation type override not found")
	}
	return c.JSON(http.StatusOK, o)
}

func (s *Store) handleSetOperationType(c echo.Context) error {
	name := c.Param("type")
	var o Override
	if err := c.Bind(&o); err != nil {
		return err
	}
	if err := s.SetOperationTypeConfig(name, o); err != nil {
		return configError(c, err)
	}
	merged, _ := s.OperationTypeConfig(name)
	return c.JSON(http.StatusOK, merged)
}

func (s *Store) handleRemoveOperationType(c echo.Context) error {
	if !s.RemoveOperationTypeConfig(c.Param("type")) {
		return notFound(c, "operation type override not found")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Store) handleGetComponent(c echo.Context) error {
	o, ok := s.ComponentConfig(c.Param("id"))
	if !ok {
		return notFound(c, "component override not found")
	}
	return c.JSON(http.StatusOK, o)
}

func (s *Store) handleSetComponent(c echo.Context) error {
	id := c.Param("id")
	var o Override
	if err := c.Bind(&o); err != nil {
		return err
	}
	if err := s.SetComponentConfig(id, o); err != nil {
		return configError(c, err)
	}
	merged, _ := s.ComponentConfig(id)
	return c.JSON(http.StatusOK, merged)
}

func (s *Store) handleRemoveComponent(c echo.Context) error {
	if !s.RemoveComponentConfig(c.Param("id")) {
		return notFound(c, "component override not found")
	}
	return c.NoContent(http.StatusNoContent)
}

func configError(c echo.Context, err error) error {
	if errors.Is(err, ErrInvalidConfig) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	return err
}

func notFound(c echo.Context, msg string) error {
	return c.JSON(http.StatusNotFound, map[string]string{"error": msg})
}
