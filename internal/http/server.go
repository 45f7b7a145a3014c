// Package http exposes the multiagent RAG engine over REST.
//
// Endpoints: POST /multiagent-rag runs the full pipeline, POST /debug/routing
// returns only the supervisor decision, GET /health reports per-backend
// readiness and the reduced strategy set, GET /metrics serves the Prometheus
// exposition. External auth, quota and audit collaborators attach through the
// hooks chain; the engine itself never sees a user identity.
package http

import (
	"context"
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/triaged/internal/config"
	"github.com/fyrsmithlabs/triaged/internal/hooks"
	"github.com/fyrsmithlabs/triaged/internal/logging"
	"github.com/fyrsmithlabs/triaged/internal/orchestrator"
	"github.com/fyrsmithlabs/triaged/internal/rag"
)

// Engine is the request-processing surface the server fronts.
// *orchestrator.Workflow satisfies it.
type Engine interface {
	Process(ctx context.Context, req orchestrator.Request) (*orchestrator.Response, error)
	Route(ctx context.Context, req orchestrator.Request) (rag.QueryPlan, error)
}

// Probe reports one backend's readiness. Every backend client exposes a
// compatible Health method.
type Probe func(ctx context.Context) error

// Backends holds the readiness probes for the retrieval back-ends. A nil
// probe marks that backend as not configured.
type Backends struct {
	Embedder    Probe
	TicketStore Probe
	WebProvider Probe
	LogProvider Probe
}

// TicketCounter surfaces collection sizes in the health detail. Ticket
// stores satisfy it.
type TicketCounter interface {
	Count(ctx context.Context, collection rag.Collection) (uint64, error)
}

// Options wires the server's collaborators.
type Options struct {
	Engine   Engine
	Hooks    *hooks.Chain
	Backends Backends

	// Tickets is optional; when set, /health includes per-collection counts.
	Tickets TicketCounter

	// Strategies is the set the engine was wired with. An empty set turns
	// POST /multiagent-rag into 503.
	Strategies []rag.StrategyName
}

// Server provides the HTTP endpoints for the engine.
type Server struct {
	echo       *echo.Echo
	engine     Engine
	hooks      *hooks.Chain
	backends   Backends
	tickets    TicketCounter
	strategies []rag.StrategyName
	cfg        config.ServerConfig
	logger     *logging.Logger
}

// NewServer creates the HTTP server with middleware and routes registered.
func NewServer(opts Options, cfg config.ServerConfig, logger *logging.Logger) (*Server, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	chain := opts.Hooks
	if chain == nil {
		chain = hooks.NewChain(logger)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLogger(logger))
	e.Use(NewHTTPMetrics(logger).Middleware())

	s := &Server{
		echo:       e,
		engine:     opts.Engine,
		hooks:      chain,
		backends:   opts.Backends,
		tickets:    opts.Tickets,
		strategies: opts.Strategies,
		cfg:        cfg,
		logger:     logger,
	}
	s.registerRoutes()

	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.POST("/multiagent-rag", s.handleRAG)
	s.echo.POST("/debug/routing", s.handleRouting)
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

func requestLogger(logger *logging.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	}
}

// Start blocks serving HTTP until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
