// Package api exposes the ops HTTP surface: request and inspect media items,
// nudge the pipeline, and watch state transitions over a websocket. It is an
// operator tool, not a user-facing application; a single static API key
// guards everything under /api/v1.
package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/rivenmedia/riven/internal/config"
	"github.com/rivenmedia/riven/internal/database"
	"github.com/rivenmedia/riven/internal/events"
	"github.com/rivenmedia/riven/internal/filesystem"
	"github.com/rivenmedia/riven/internal/logger"
	"github.com/rivenmedia/riven/internal/scheduler"
	"github.com/rivenmedia/riven/internal/websocket"
)

// LogsProvider supplies buffered log entries for the logs endpoint.
type LogsProvider interface {
	RecentLogs() []logger.LogEntry
}

// Server is the HTTP API server.
type Server struct {
	echo      *echo.Echo
	store     *database.Store
	manager   *events.Manager
	scheduler *scheduler.Scheduler
	hub       *websocket.Hub
	vfs       *filesystem.Service
	cfg       config.APIConfig
	logger    zerolog.Logger
	logs      LogsProvider
}

// NewServer creates the API server over the already-constructed pipeline
// pieces. It does not start listening; call Start.
func NewServer(
	store *database.Store,
	manager *events.Manager,
	sched *scheduler.Scheduler,
	hub *websocket.Hub,
	vfs *filesystem.Service,
	cfg config.APIConfig,
	logger zerolog.Logger,
) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:      e,
		store:     store,
		manager:   manager,
		scheduler: sched,
		hub:       hub,
		vfs:       vfs,
		cfg:       cfg,
		logger:    logger.With().Str("component", "api").Logger(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures Echo middleware.
func (s *Server) setupMiddleware() {
	// Recovery middleware
	s.echo.Use(middleware.Recover())

	// Request ID
	s.echo.Use(middleware.RequestID())

	// CORS
	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, headerAPIKey},
	}))

	// Request logging
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogMethod:   true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Error().
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Err(v.Error).
					Msg("request error")
			} else {
				s.logger.Info().
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Msg("request")
			}
			return nil
		},
	}))

	// API responses must never be cached or sniffed.
	s.echo.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			if strings.HasPrefix(c.Request().URL.Path, "/api") {
				h.Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
			}
			return next(c)
		}
	})

	// Gzip compression
	s.echo.Use(middleware.GzipWithConfig(middleware.GzipConfig{
		Level: 5,
		Skipper: func(c echo.Context) bool {
			// Skip compression for WebSocket
			return c.Request().Header.Get("Upgrade") == "websocket"
		},
	}))
}

// setupRoutes configures API routes.
func (s *Server) setupRoutes() {
	// Liveness probe, unauthenticated
	s.echo.GET("/health", s.healthCheck)

	api := s.echo.Group("/api/v1")
	api.GET("/health", s.healthCheck)

	protected := api.Group("", s.requireAPIKey)

	// Media items
	protected.GET("/items", s.listItems)
	protected.POST("/items", s.createItem)
	protected.GET("/items/:id", s.getItem)
	protected.DELETE("/items/:id", s.deleteItem)
	protected.POST("/items/:id/retry", s.retryItem)
	protected.POST("/items/:id/pause", s.pauseItem)
	protected.POST("/items/:id/unpause", s.unpauseItem)

	// Pipeline introspection
	protected.GET("/events/stats", s.eventStats)
	protected.GET("/scheduler/tasks", s.listTasks)
	protected.POST("/scheduler/tasks/:id/run", s.runTask)
	protected.GET("/logs", s.getLogs)

	// State transition push
	protected.GET("/ws", s.hub.HandleWebSocket)
}

// headerAPIKey carries the static ops API key.
const headerAPIKey = "X-API-Key"

// requireAPIKey rejects requests without the configured key. An empty
// configured key disables the check, which only makes sense on a loopback
// bind.
func (s *Server) requireAPIKey(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.cfg.APIKey == "" {
			return next(c)
		}
		if c.Request().Header.Get(headerAPIKey) != s.cfg.APIKey {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid or missing api key"})
		}
		return next(c)
	}
}

// Start begins listening for HTTP requests.
func (s *Server) Start(address string) error {
	s.logger.Info().Str("address", address).Msg("starting HTTP server")
	return s.echo.Start(address)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")
	return s.echo.Shutdown(ctx)
}

// Echo returns the underlying Echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// SetLogsProvider attaches the process logger's stream buffer to the logs
// endpoint. Optional; without it the endpoint serves an empty list.
func (s *Server) SetLogsProvider(p LogsProvider) {
	s.logs = p
}

func (s *Server) healthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getLogs(c echo.Context) error {
	entries := []logger.LogEntry{}
	if s.logs != nil {
		entries = append(entries, s.logs.RecentLogs()...)
	}
	return c.JSON(http.StatusOK, map[string]any{"logs": entries})
}
