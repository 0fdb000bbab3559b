package server

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	// Observability endpoints
	s.echo.GET("/health/startup", s.handleStartup)
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.GET("/version", s.handleVersion)

	// Auth lifecycle
	s.echo.GET("/auth/state", s.handleAuthState)
	s.echo.POST("/auth/refresh", s.handleRefresh)
	s.echo.POST("/auth/retry", s.handleRetry)
	s.echo.POST("/auth/continue", s.handleContinue)
	s.echo.POST("/auth/logout", s.handleLogout)
	s.echo.GET("/auth/permissions/:permission", s.handlePermission)

	// Connectivity
	s.echo.GET("/network/state", s.handleNetworkState)
	s.echo.POST("/network/probe", s.handleNetworkProbe)
	s.echo.POST("/network/link", s.handleNetworkLink)

	// Storage diagnostics
	s.echo.GET("/storage/diagnostics", s.handleStorageDiagnostics)

	// Lifecycle event stream
	s.echo.GET("/ws/events", s.stream.Handle)
}
