package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/triaged/internal/hooks"
	"github.com/fyrsmithlabs/triaged/internal/orchestrator"
	"github.com/fyrsmithlabs/triaged/internal/rag"
)

// ragRequest is the body of POST /multiagent-rag and POST /debug/routing.
type ragRequest struct {
	Query              string `json:"query"`
	UserCanWait        bool   `json:"user_can_wait"`
	ProductionIncident bool   `json:"production_incident"`
}

// routingResponse is the body of POST /debug/routing.
type routingResponse struct {
	RoutingDecision  string `json:"routing_decision"`
	RoutingReasoning string `json:"routing_reasoning"`
}

// healthResponse is the body of GET /health. Strategies lists what the
// engine can currently serve given backend readiness.
type healthResponse struct {
	Status     string            `json:"status"`
	Backends   map[string]string `json:"backends"`
	Strategies []string          `json:"strategies"`
	Counts     map[string]int64  `json:"counts,omitempty"`
}

const (
	backendReady        = "ready"
	backendUnready      = "unready"
	backendUnconfigured = "unconfigured"
)

func (s *Server) handleRAG(c echo.Context) error {
	start := time.Now()

	var body ragRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx, err := s.hooks.Before(c.Request().Context(), hooks.Request{
		Query:              body.Query,
		UserCanWait:        body.UserCanWait,
		ProductionIncident: body.ProductionIncident,
		RemoteAddr:         c.RealIP(),
	})
	if err != nil {
		if rej, ok := hooks.AsRejection(err); ok {
			s.record(ctx, body, nil, rej.Status, start)
			return echo.NewHTTPError(rej.Status, rej.Reason)
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "request hooks failed")
	}

	if len(s.strategies) == 0 {
		s.record(ctx, body, nil, http.StatusServiceUnavailable, start)
		return echo.NewHTTPError(http.StatusServiceUnavailable, "no retrieval backend available")
	}

	resp, err := s.engine.Process(ctx, orchestrator.Request{
		Query:              body.Query,
		UserCanWait:        body.UserCanWait,
		ProductionIncident: body.ProductionIncident,
	})
	if err != nil {
		if rag.IsInvalidInput(err) {
			s.record(ctx, body, nil, http.StatusBadRequest, start)
			return echo.NewHTTPError(http.StatusBadRequest, "query field is required")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "request aborted")
	}

	s.record(ctx, body, resp, http.StatusOK, start)
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRouting(c echo.Context) error {
	var body ragRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx, err := s.hooks.Before(c.Request().Context(), hooks.Request{
		Query:              body.Query,
		UserCanWait:        body.UserCanWait,
		ProductionIncident: body.ProductionIncident,
		RemoteAddr:         c.RealIP(),
	})
	if err != nil {
		if rej, ok := hooks.AsRejection(err); ok {
			return echo.NewHTTPError(rej.Status, rej.Reason)
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "request hooks failed")
	}

	plan, err := s.engine.Route(ctx, orchestrator.Request{
		Query:              body.Query,
		UserCanWait:        body.UserCanWait,
		ProductionIncident: body.ProductionIncident,
	})
	if err != nil {
		if rag.IsInvalidInput(err) {
			return echo.NewHTTPError(http.StatusBadRequest, "query field is required")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "routing failed")
	}

	return c.JSON(http.StatusOK, routingResponse{
		RoutingDecision:  string(plan.Strategy),
		RoutingReasoning: plan.Rationale,
	})
}

func (s *Server) handleHealth(c echo.Context) error {
	ctx := c.Request().Context()

	statuses := s.probeBackends(ctx)
	strategies := availableStrategies(statuses)

	status := "ok"
	code := http.StatusOK
	for _, st := range statuses {
		if st != backendReady {
			status = "degraded"
		}
	}
	if len(strategies) == 0 {
		status = "unavailable"
		code = http.StatusServiceUnavailable
	}

	resp := healthResponse{
		Status:     status,
		Backends:   statuses,
		Strategies: strategies,
	}
	if s.tickets != nil {
		resp.Counts = ticketCounts(ctx, s.tickets)
	}

	return c.JSON(code, resp)
}

// record feeds the post-request hooks. Recording failures never affect the
// response.
func (s *Server) record(ctx context.Context, body ragRequest, resp *orchestrator.Response, status int, start time.Time) {
	rec := hooks.Record{
		Query:              body.Query,
		UserCanWait:        body.UserCanWait,
		ProductionIncident: body.ProductionIncident,
		Status:             status,
		DurationSeconds:    time.Since(start).Seconds(),
		Timestamp:          time.Now().UTC().Format(time.RFC3339),
	}
	if resp != nil {
		rec.RoutingDecision = resp.RoutingDecision
		rec.RetrievalMethod = resp.RetrievalMethod
		rec.NumContexts = len(resp.RetrievedContexts)
	}
	s.hooks.After(ctx, rec)
}

const healthProbeTimeout = 2 * time.Second

// probeBackends checks every configured backend concurrently, each under its
// own short timeout.
func (s *Server) probeBackends(ctx context.Context) map[string]string {
	probes := map[string]Probe{
		"embedder":     s.backends.Embedder,
		"ticket_store": s.backends.TicketStore,
		"web_provider": s.backends.WebProvider,
		"log_provider": s.backends.LogProvider,
	}

	var mu sync.Mutex
	statuses := make(map[string]string, len(probes))

	g, ctx := errgroup.WithContext(ctx)
	for name, probe := range probes {
		if probe == nil {
			mu.Lock()
			statuses[name] = backendUnconfigured
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
			defer cancel()

			st := backendReady
			if err := probe(probeCtx); err != nil {
				st = backendUnready
			}
			mu.Lock()
			statuses[name] = st
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return statuses
}

// availableStrategies reduces the engine to the strategies whose back-ends
// are ready. BM25 needs only the ticket store; Compression and Ensemble also
// need the embedder; web and log search need their providers.
func availableStrategies(statuses map[string]string) []string {
	ticket := statuses["ticket_store"] == backendReady
	embed := statuses["embedder"] == backendReady

	var out []string
	if ticket {
		out = append(out, string(rag.StrategyBM25))
	}
	if ticket && embed {
		out = append(out, string(rag.StrategyCompression), string(rag.StrategyEnsemble))
	}
	if statuses["web_provider"] == backendReady {
		out = append(out, string(rag.StrategyWebSearch))
	}
	if statuses["log_provider"] == backendReady {
		out = append(out, string(rag.StrategyLogSearch))
	}
	return out
}

// ticketCounts reports per-collection sizes, -1 when a count cannot be
// determined.
func ticketCounts(ctx context.Context, counter TicketCounter) map[string]int64 {
	counts := make(map[string]int64, len(rag.Collections()))
	for _, coll := range rag.Collections() {
		n, err := counter.Count(ctx, coll)
		if err != nil {
			counts[string(coll)] = -1
			continue
		}
		counts[string(coll)] = int64(n)
	}
	return counts
}
