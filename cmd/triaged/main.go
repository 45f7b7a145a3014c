// Triaged answers engineering questions over ticket history, live web
// results and production logs.
//
// The binary starts the multiagent retrieval service: supervisor routing,
// the five retrieval strategies, the response writer and the REST surface.
//
// Configuration is loaded from a YAML file plus TRIAGED_* environment
// overrides. See internal/config for details.
//
// Usage:
//
//	# Start with defaults
//	triaged
//
//	# Configure via file and environment
//	TRIAGED_SERVER_PORT=8000 triaged -config /etc/triaged/config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/triaged/internal/config"
	"github.com/fyrsmithlabs/triaged/internal/embeddings"
	"github.com/fyrsmithlabs/triaged/internal/hooks"
	httpserver "github.com/fyrsmithlabs/triaged/internal/http"
	"github.com/fyrsmithlabs/triaged/internal/llm"
	"github.com/fyrsmithlabs/triaged/internal/logging"
	"github.com/fyrsmithlabs/triaged/internal/logsearch"
	"github.com/fyrsmithlabs/triaged/internal/orchestrator"
	"github.com/fyrsmithlabs/triaged/internal/rag"
	"github.com/fyrsmithlabs/triaged/internal/reranker"
	"github.com/fyrsmithlabs/triaged/internal/responder"
	"github.com/fyrsmithlabs/triaged/internal/retrieval"
	"github.com/fyrsmithlabs/triaged/internal/supervisor"
	"github.com/fyrsmithlabs/triaged/internal/telemetry"
	"github.com/fyrsmithlabs/triaged/internal/ticketstore"
	"github.com/fyrsmithlabs/triaged/internal/websearch"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  triaged            Start the service\n")
			fmt.Fprintf(os.Stderr, "  triaged version    Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("triaged by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the service and blocks until ctx is cancelled or the listener
// fails.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	logger, err := logging.New(cfg.Logging, tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info(ctx, "starting triaged",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout))

	deps, err := initDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize dependencies: %w", err)
	}
	defer deps.Close()

	svcs := initServices(cfg, deps, logger)
	defer svcs.Close()

	logger.Info(ctx, "engine wired",
		zap.Int("strategies", len(svcs.strategyNames)),
		zap.Bool("web_search", deps.web != nil),
		zap.Bool("log_search", deps.logs != nil),
		zap.Bool("audit_recorder", deps.natsConn != nil))

	srv, err := httpserver.NewServer(httpserver.Options{
		Engine:     svcs.workflow,
		Hooks:      svcs.hooks,
		Backends:   deps.probes(),
		Tickets:    deps.store,
		Strategies: svcs.strategyNames,
	}, cfg.Server, logger)
	if err != nil {
		return fmt.Errorf("create http server: %w", err)
	}

	logger.Info(ctx, "server configured",
		zap.String("rag_endpoint", "/multiagent-rag"),
		zap.String("health_endpoint", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("metrics_endpoint", "/metrics"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// dependencies holds the infrastructure clients.
type dependencies struct {
	embedder *embeddings.Client
	store    ticketstore.Store
	llm      *llm.Client
	web      *websearch.TavilyClient
	logs     *logsearch.GCPClient
	natsConn *nats.Conn
}

// Close releases infrastructure resources in reverse wiring order.
func (d *dependencies) Close() {
	if d.natsConn != nil {
		d.natsConn.Close()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
}

// probes exposes the per-backend readiness checks. Providers left
// unconfigured report as such instead of unready.
func (d *dependencies) probes() httpserver.Backends {
	b := httpserver.Backends{
		Embedder:    d.embedder.Health,
		TicketStore: d.store.Health,
	}
	if d.web != nil {
		b.WebProvider = d.web.Health
	}
	if d.logs != nil {
		b.LogProvider = d.logs.Health
	}
	return b
}

// initDependencies wires the embedding client, the ticket store, the LLM
// tiers, the optional search providers and the optional audit transport.
func initDependencies(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*dependencies, error) {
	embedder, err := embeddings.New(cfg.Embedding, logger.Underlying())
	if err != nil {
		return nil, fmt.Errorf("create embedding client: %w", err)
	}

	store, backends, err := ticketstore.New(ctx, ticketstore.Options{
		Config:    cfg.TicketStore,
		Retrieval: cfg.Retrieval,
		Embedder:  embedder,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create ticket store: %w", err)
	}

	names := make([]string, len(backends))
	for i, b := range backends {
		names[i] = b.Name
	}
	logger.Info(ctx, "ticket store initialized",
		zap.String("backend", cfg.TicketStore.Backend),
		zap.Strings("stores", names))

	llmClient, err := llm.New(cfg.LLM, logger.Underlying())
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create llm client: %w", err)
	}

	var web *websearch.TavilyClient
	if cfg.Web.APIKey != "" {
		web = websearch.NewTavilyClient(cfg.Web, logger)
	}

	var logs *logsearch.GCPClient
	if cfg.Logs.BaseURL != "" {
		logs = logsearch.NewGCPClient(cfg.Logs, logger)
	}

	var nc *nats.Conn
	if cfg.Hooks.NATSEnabled {
		nc, err = hooks.Dial(cfg.Hooks)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("connect audit transport: %w", err)
		}
		logger.Info(ctx, "connected to NATS", zap.String("url", cfg.Hooks.NATSURL))
	}

	return &dependencies{
		embedder: embedder,
		store:    store,
		llm:      llmClient,
		web:      web,
		logs:     logs,
		natsConn: nc,
	}, nil
}

// services holds the request-processing engine.
type services struct {
	workflow      *orchestrator.Workflow
	hooks         *hooks.Chain
	strategyNames []rag.StrategyName
	reranker      reranker.Reranker
}

// Close releases service-level resources.
func (s *services) Close() {
	if s.reranker != nil {
		_ = s.reranker.Close()
	}
}

// initServices builds the strategies, the supervisor, the response writer
// and the workflow around the infrastructure clients.
func initServices(cfg *config.Config, deps *dependencies, logger *logging.Logger) *services {
	var rr reranker.Reranker
	if cfg.Retrieval.RerankerEnabled {
		rr = reranker.NewSimpleReranker()
	}

	bm25 := retrieval.NewBM25(deps.store, cfg.Retrieval, logger)
	compression := retrieval.NewCompression(deps.store, rr, cfg.Retrieval, logger)
	ensemble := retrieval.NewEnsemble(deps.store, deps.llm, bm25, compression, cfg.Retrieval, logger)

	strategies := map[rag.StrategyName]retrieval.Strategy{
		rag.StrategyBM25:        bm25,
		rag.StrategyCompression: compression,
		rag.StrategyEnsemble:    ensemble,
	}

	if deps.web != nil {
		planner := websearch.NewPlanner(deps.llm, cfg.Web.MaxSearches, logger)
		strategies[rag.StrategyWebSearch] = websearch.NewStrategy(planner, deps.web, cfg.Web, cfg.Retrieval.Fanout, logger)
	}
	if deps.logs != nil {
		planner := logsearch.NewPlanner(deps.llm, cfg.Logs, logger)
		strategies[rag.StrategyLogSearch] = logsearch.NewStrategy(planner, deps.logs, cfg.Logs, cfg.Retrieval.Fanout, logger)
	}

	router := supervisor.New(cfg.Supervisor, deps.llm, logger)
	writer := responder.NewWriter(deps.llm, logger)
	workflow := orchestrator.NewWorkflow(router, strategies, compression.Degraded(), writer, cfg.Workflow, logger)

	chain := hooks.NewChain(logger)
	if deps.natsConn != nil {
		recorder := hooks.NewRecorder(deps.natsConn, cfg.Hooks.Subject, logger)
		chain.OnResponse(recorder.PostHook())
	}

	var names []rag.StrategyName
	for _, name := range []rag.StrategyName{
		rag.StrategyBM25,
		rag.StrategyCompression,
		rag.StrategyEnsemble,
		rag.StrategyWebSearch,
		rag.StrategyLogSearch,
	} {
		if _, ok := strategies[name]; ok {
			names = append(names, name)
		}
	}

	return &services{
		workflow:      workflow,
		hooks:         chain,
		strategyNames: names,
		reranker:      rr,
	}
}
