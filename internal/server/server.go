// Package server exposes the engine over HTTP: auth lifecycle endpoints,
// connectivity state, health probes, metrics and the WebSocket event stream.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	goredis "github.com/redis/go-redis/v9"

	"github.com/openparish/parishd/internal/auth"
	"github.com/openparish/parishd/internal/config"
	"github.com/openparish/parishd/internal/domain"
	apperrors "github.com/openparish/parishd/internal/errors"
	"github.com/openparish/parishd/internal/storage"
)

// AuthController is the controller surface the handlers need.
type AuthController interface {
	State() domain.AuthState
	Refresh(ctx context.Context) (domain.AuthState, error)
	Retry(ctx context.Context) (domain.AuthState, error)
	ContinueAfterTimeout(ctx context.Context) domain.AuthState
	Logout(ctx context.Context)
	VerifyPermission(ctx context.Context, permission string) bool
}

// NetworkMonitor is the connectivity surface the handlers need.
type NetworkMonitor interface {
	State() domain.NetworkState
	ProbeBackend(ctx context.Context) bool
	SetLinkUp(ctx context.Context, up bool)
}

// redisHealthChecker is a minimal interface for Redis health checks.
type redisHealthChecker interface {
	Ping(ctx context.Context) *goredis.StatusCmd
}

// pinger covers the directory and the auth backend.
type pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	echo       *echo.Echo
	config     *config.Config
	controller AuthController
	monitor    NetworkMonitor
	store      *storage.Manager
	redis      redisHealthChecker
	directory  pinger
	backend    pinger
	stream     *EventStream
	startTime  time.Time
}

func NewServer(
	cfg *config.Config,
	controller AuthController,
	monitor NetworkMonitor,
	store *storage.Manager,
	redis redisHealthChecker,
	directory pinger,
	backend pinger,
	events *auth.Registry,
) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(apperrors.Middleware())

	srv := &Server{
		echo:       e,
		config:     cfg,
		controller: controller,
		monitor:    monitor,
		store:      store,
		redis:      redis,
		directory:  directory,
		backend:    backend,
		stream:     NewEventStream(events),
		startTime:  time.Now(),
	}

	srv.registerRoutes()
	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.stream.Stop()
	return s.echo.Shutdown(ctx)
}
