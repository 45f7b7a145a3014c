package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/triaged/internal/config"
	"github.com/fyrsmithlabs/triaged/internal/hooks"
	"github.com/fyrsmithlabs/triaged/internal/logging"
	"github.com/fyrsmithlabs/triaged/internal/orchestrator"
	"github.com/fyrsmithlabs/triaged/internal/rag"
)

type fakeEngine struct {
	processed int
	processFn func(ctx context.Context, req orchestrator.Request) (*orchestrator.Response, error)
	routeFn   func(ctx context.Context, req orchestrator.Request) (rag.QueryPlan, error)
}

func (f *fakeEngine) Process(ctx context.Context, req orchestrator.Request) (*orchestrator.Response, error) {
	f.processed++
	return f.processFn(ctx, req)
}

func (f *fakeEngine) Route(ctx context.Context, req orchestrator.Request) (rag.QueryPlan, error) {
	return f.routeFn(ctx, req)
}

func happyEngine() *fakeEngine {
	return &fakeEngine{
		processFn: func(_ context.Context, req orchestrator.Request) (*orchestrator.Response, error) {
			if strings.TrimSpace(req.Query) == "" {
				return nil, fmt.Errorf("%w: query must not be empty", rag.ErrInvalidInput)
			}
			return &orchestrator.Response{
				Query:            req.Query,
				FinalAnswer:      "HBASE-12345 times out during compaction.",
				RelevantTickets:  []rag.TicketRef{{Key: "HBASE-12345", Title: "Region server timeout"}},
				RoutingDecision:  "BM25",
				RoutingReasoning: "identifier rule: query references HBASE-12345",
				RetrievalMethod:  "BM25",
				RetrievedContexts: []rag.Context{
					{Content: "Title: Region server timeout", Source: "bm25_bugs", Score: 0.9},
				},
				RetrievalMetadata:   map[string]interface{}{"agent": "BM25"},
				UserCanWait:         req.UserCanWait,
				ProductionIncident:  req.ProductionIncident,
				Messages:            []orchestrator.Message{{Content: req.Query, Type: "human"}},
				Timestamp:           time.Now().UTC().Format(time.RFC3339),
				TotalProcessingTime: 0.05,
			}, nil
		},
		routeFn: func(_ context.Context, req orchestrator.Request) (rag.QueryPlan, error) {
			if strings.TrimSpace(req.Query) == "" {
				return rag.QueryPlan{}, fmt.Errorf("%w: query must not be empty", rag.ErrInvalidInput)
			}
			return rag.QueryPlan{
				Strategy:  rag.StrategyBM25,
				Rationale: "identifier rule: query references HBASE-12345",
			}, nil
		},
	}
}

type fakeCounter struct {
	counts map[rag.Collection]uint64
	err    error
}

func (f *fakeCounter) Count(_ context.Context, coll rag.Collection) (uint64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.counts[coll], nil
}

func readyProbe(context.Context) error { return nil }
func downProbe(context.Context) error  { return errors.New("backend unreachable") }

func allStrategies() []rag.StrategyName {
	return []rag.StrategyName{
		rag.StrategyBM25,
		rag.StrategyCompression,
		rag.StrategyEnsemble,
		rag.StrategyWebSearch,
		rag.StrategyLogSearch,
	}
}

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	if opts.Strategies == nil {
		opts.Strategies = allStrategies()
	}
	s, err := NewServer(opts, config.ServerConfig{Port: 8000}, logging.NewTestLogger().Logger)
	require.NoError(t, err)
	return s
}

func postJSON(s *Server, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func get(s *Server, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestNewServerValidation(t *testing.T) {
	logger := logging.NewTestLogger().Logger

	_, err := NewServer(Options{}, config.ServerConfig{}, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine cannot be nil")

	_, err = NewServer(Options{Engine: happyEngine()}, config.ServerConfig{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logger is required")
}

func TestRAGEndpointSuccess(t *testing.T) {
	s := newTestServer(t, Options{Engine: happyEngine()})

	rec := postJSON(s, "/multiagent-rag", `{"query": "Why does HBASE-12345 time out?", "production_incident": true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	for _, key := range []string{
		"query", "final_answer", "relevant_tickets", "routing_decision",
		"routing_reasoning", "retrieval_method", "retrieved_contexts",
		"retrieval_metadata", "user_can_wait", "production_incident",
		"messages", "timestamp", "total_processing_time",
	} {
		assert.Contains(t, resp, key)
	}

	assert.Equal(t, "Why does HBASE-12345 time out?", resp["query"])
	assert.Equal(t, "BM25", resp["routing_decision"])
	assert.Equal(t, true, resp["production_incident"])
	assert.Equal(t, false, resp["user_can_wait"])
}

func TestRAGEndpointRejectsBadInput(t *testing.T) {
	s := newTestServer(t, Options{Engine: happyEngine()})

	rec := postJSON(s, "/multiagent-rag", `{"query": ""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "query field is required")

	rec = postJSON(s, "/multiagent-rag", `{"query": 42}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRAGEndpointHookRejections(t *testing.T) {
	tests := []struct {
		name   string
		reject *hooks.Rejection
		status int
	}{
		{"auth missing", hooks.Unauthorized("missing bearer token"), http.StatusUnauthorized},
		{"access denied", hooks.Forbidden("read-only principal"), http.StatusForbidden},
		{"quota spent", hooks.QuotaExceeded("daily request budget spent"), http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := hooks.NewChain(logging.NewTestLogger().Logger)
			chain.OnRequest(func(context.Context, hooks.Request) (context.Context, error) {
				return nil, tt.reject
			})

			var recorded []hooks.Record
			chain.OnResponse(func(_ context.Context, rec hooks.Record) error {
				recorded = append(recorded, rec)
				return nil
			})

			eng := happyEngine()
			s := newTestServer(t, Options{Engine: eng, Hooks: chain})

			rec := postJSON(s, "/multiagent-rag", `{"query": "anything"}`)
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.reject.Reason)
			assert.Zero(t, eng.processed, "rejected requests must not reach the engine")

			require.Len(t, recorded, 1, "rejections are still audited")
			assert.Equal(t, tt.status, recorded[0].Status)
		})
	}
}

func TestRAGEndpointAuditsSuccess(t *testing.T) {
	chain := hooks.NewChain(logging.NewTestLogger().Logger)
	var recorded []hooks.Record
	chain.OnResponse(func(_ context.Context, rec hooks.Record) error {
		recorded = append(recorded, rec)
		return nil
	})

	s := newTestServer(t, Options{Engine: happyEngine(), Hooks: chain})

	rec := postJSON(s, "/multiagent-rag", `{"query": "Why does HBASE-12345 time out?"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, recorded, 1)
	assert.Equal(t, "Why does HBASE-12345 time out?", recorded[0].Query)
	assert.Equal(t, http.StatusOK, recorded[0].Status)
	assert.Equal(t, "BM25", recorded[0].RoutingDecision)
	assert.Equal(t, "BM25", recorded[0].RetrievalMethod)
	assert.Equal(t, 1, recorded[0].NumContexts)
	assert.GreaterOrEqual(t, recorded[0].DurationSeconds, 0.0)
}

func TestRAGEndpointWithoutBackends(t *testing.T) {
	s := newTestServer(t, Options{Engine: happyEngine(), Strategies: []rag.StrategyName{}})

	rec := postJSON(s, "/multiagent-rag", `{"query": "anything"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "no retrieval backend available")
}

func TestRoutingEndpoint(t *testing.T) {
	s := newTestServer(t, Options{Engine: happyEngine()})

	rec := postJSON(s, "/debug/routing", `{"query": "Why does HBASE-12345 time out?"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp, 2, "debug surface exposes only the decision")
	assert.Equal(t, "BM25", resp["routing_decision"])
	assert.Contains(t, resp["routing_reasoning"], "identifier rule")

	rec = postJSON(s, "/debug/routing", `{"query": ""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	counter := &fakeCounter{counts: map[rag.Collection]uint64{
		rag.CollectionBugs:     120,
		rag.CollectionReleases: 40,
	}}

	t.Run("all backends ready", func(t *testing.T) {
		s := newTestServer(t, Options{
			Engine:  happyEngine(),
			Tickets: counter,
			Backends: Backends{
				Embedder:    readyProbe,
				TicketStore: readyProbe,
				WebProvider: readyProbe,
				LogProvider: readyProbe,
			},
		})

		rec := get(s, "/health")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp healthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "ok", resp.Status)
		assert.Equal(t, []string{"BM25", "Compression", "Ensemble", "WebSearch", "LogSearch"}, resp.Strategies)
		assert.Equal(t, map[string]int64{"bugs": 120, "releases": 40}, resp.Counts)
	})

	t.Run("embedder down reduces to keyword and external strategies", func(t *testing.T) {
		s := newTestServer(t, Options{
			Engine: happyEngine(),
			Backends: Backends{
				Embedder:    downProbe,
				TicketStore: readyProbe,
				WebProvider: readyProbe,
				LogProvider: readyProbe,
			},
		})

		rec := get(s, "/health")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp healthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "degraded", resp.Status)
		assert.Equal(t, backendUnready, resp.Backends["embedder"])
		assert.Equal(t, []string{"BM25", "WebSearch", "LogSearch"}, resp.Strategies)
	})

	t.Run("unconfigured provider is reported", func(t *testing.T) {
		s := newTestServer(t, Options{
			Engine: happyEngine(),
			Backends: Backends{
				Embedder:    readyProbe,
				TicketStore: readyProbe,
				LogProvider: readyProbe,
			},
		})

		rec := get(s, "/health")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp healthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "degraded", resp.Status)
		assert.Equal(t, backendUnconfigured, resp.Backends["web_provider"])
		assert.NotContains(t, resp.Strategies, "WebSearch")
	})

	t.Run("no backend ready means unavailable", func(t *testing.T) {
		s := newTestServer(t, Options{
			Engine: happyEngine(),
			Backends: Backends{
				Embedder:    downProbe,
				TicketStore: downProbe,
				WebProvider: downProbe,
				LogProvider: downProbe,
			},
		})

		rec := get(s, "/health")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var resp healthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "unavailable", resp.Status)
		assert.Empty(t, resp.Strategies)
	})

	t.Run("count failure reports sentinel", func(t *testing.T) {
		s := newTestServer(t, Options{
			Engine:  happyEngine(),
			Tickets: &fakeCounter{err: errors.New("store offline")},
			Backends: Backends{
				TicketStore: readyProbe,
			},
		})

		rec := get(s, "/health")

		var resp healthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, map[string]int64{"bugs": -1, "releases": -1}, resp.Counts)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, Options{Engine: happyEngine()})

	rec := get(s, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# HELP")
}
