package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

func (s *Server) handleAuthState(c echo.Context) error {
	return c.JSON(http.StatusOK, s.controller.State())
}

func (s *Server) handleRefresh(c echo.Context) error {
	state, err := s.controller.Refresh(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, state)
}

func (s *Server) handleRetry(c echo.Context) error {
	state, err := s.controller.Retry(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, state)
}

func (s *Server) handleContinue(c echo.Context) error {
	state := s.controller.ContinueAfterTimeout(c.Request().Context())
	return c.JSON(http.StatusOK, state)
}

func (s *Server) handleLogout(c echo.Context) error {
	s.controller.Logout(c.Request().Context())
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handlePermission(c echo.Context) error {
	permission := c.Param("permission")
	granted := s.controller.VerifyPermission(c.Request().Context(), permission)
	return c.JSON(http.StatusOK, map[string]any{
		"permission": permission,
		"granted":    granted,
	})
}

func (s *Server) handleNetworkState(c echo.Context) error {
	return c.JSON(http.StatusOK, s.monitor.State())
}

func (s *Server) handleNetworkProbe(c echo.Context) error {
	s.monitor.ProbeBackend(c.Request().Context())
	return c.JSON(http.StatusOK, s.monitor.State())
}

type linkRequest struct {
	Up bool `json:"up"`
}

// handleNetworkLink feeds the external transport-link signal (host network
// hooks or load balancer health) into the monitor.
func (s *Server) handleNetworkLink(c echo.Context) error {
	var req linkRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid link request")
	}
	s.monitor.SetLinkUp(c.Request().Context(), req.Up)
	return c.JSON(http.StatusOK, s.monitor.State())
}

func (s *Server) handleStorageDiagnostics(c echo.Context) error {
	return c.JSON(http.StatusOK, s.store.Diagnostics(c.Request().Context()))
}
