// Package http exposes the autoboard daemon's HTTP API: board CRUD,
// execution control, the auto loop, and a server-sent event stream.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/halvardlabs/autoboard/internal/approval"
	"github.com/halvardlabs/autoboard/internal/events"
	"github.com/halvardlabs/autoboard/internal/feature"
	"github.com/halvardlabs/autoboard/internal/orchestrator"
)

// Orchestrator is the execution surface the API drives.
type Orchestrator interface {
	Execute(ctx context.Context, opts orchestrator.ExecuteOptions) error
	StopExecution(featureID string) bool
	ResolveApproval(projectPath, featureID string, d approval.Decision) error
	StartLoop(projectPath string, maxConcurrency int) error
	StopLoop() (int, error)
	LoopRunning() bool
	Running() []orchestrator.RunningExecution
	IsRunning(featureID string) bool
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// MaxConcurrency is the default loop concurrency when a start request
	// does not specify one.
	MaxConcurrency int
}

// Server provides the HTTP endpoints for autoboardd.
type Server struct {
	echo   *echo.Echo
	store  *feature.Store
	orch   Orchestrator
	bus    *events.Bus
	logger *zap.Logger
	config *Config
}

// NewServer creates the HTTP server.
func NewServer(store *feature.Store, orch Orchestrator, bus *events.Bus, logger *zap.Logger, cfg *Config) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if orch == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 9180}
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 3
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:   e,
		store:  store,
		orch:   orch,
		bus:    bus,
		logger: logger,
		config: cfg,
	}
	s.registerRoutes()

	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/features", s.handleListFeatures)
	v1.POST("/features", s.handleCreateFeature)
	v1.GET("/features/:id", s.handleGetFeature)
	v1.POST("/features/:id/approve", s.handleApprove)
	v1.POST("/features/:id/execute", s.handleExecute)
	v1.POST("/features/:id/stop", s.handleStop)
	v1.POST("/loop/start", s.handleLoopStart)
	v1.POST("/loop/stop", s.handleLoopStop)
	v1.GET("/events", s.handleEvents)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status       string `json:"status"`
	LoopRunning  bool   `json:"loop_running"`
	RunningCount int    `json:"running_count"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:       "ok",
		LoopRunning:  s.orch.LoopRunning(),
		RunningCount: len(s.orch.Running()),
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
