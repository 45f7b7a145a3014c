package retrieval

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/triaged/internal/config"
	"github.com/fyrsmithlabs/triaged/internal/logging"
	"github.com/fyrsmithlabs/triaged/internal/rag"
	"github.com/fyrsmithlabs/triaged/internal/reranker"
	"github.com/fyrsmithlabs/triaged/internal/ticketstore"
)

// Compression is the default semantic strategy: vector search against both
// collections with an over-fetch of 2k candidates each, fused and then
// reranked down to k. Without a reranker (or when reranking fails) the top
// k candidates by fused vector score are returned instead.
type Compression struct {
	store    TicketSearcher
	reranker reranker.Reranker
	cfg      config.RetrievalConfig
	logger   *logging.Logger
}

// NewCompression builds the semantic strategy. rr may be nil, which skips
// reranking entirely.
func NewCompression(store TicketSearcher, rr reranker.Reranker, cfg config.RetrievalConfig, logger *logging.Logger) *Compression {
	if !cfg.RerankerEnabled {
		rr = nil
	}
	return &Compression{store: store, reranker: rr, cfg: cfg, logger: logger}
}

// Degraded returns a copy of the strategy with reranking disabled. The
// orchestrator uses it for its single fallback pass.
func (s *Compression) Degraded() *Compression {
	return &Compression{store: s.store, reranker: nil, cfg: s.cfg, logger: s.logger}
}

// Name implements Strategy.
func (s *Compression) Name() rag.StrategyName { return rag.StrategyCompression }

// Run implements Strategy.
func (s *Compression) Run(ctx context.Context, req Request) (*Result, error) {
	ctx, span := tracer.Start(ctx, "retrieval.compression",
		trace.WithAttributes(
			attribute.Int("retrieval.k", req.K),
			attribute.Bool("retrieval.urgent", req.ProductionIncident),
		))
	defer span.End()

	start := time.Now()
	k := ResolveK(req.K, s.cfg.DefaultTopK, req.ProductionIncident)

	candidates, warnings, err := s.candidates(ctx, req, k)
	if err != nil {
		return nil, fmt.Errorf("%w: compression: %v", rag.ErrStrategyFailed, err)
	}

	contexts, rerankUsed, warn := s.compress(ctx, req.Query, candidates, k)
	if warn != "" {
		warnings = append(warnings, warn)
	}

	s.logger.Debug(ctx, "compression retrieval complete",
		zap.Int("candidates", len(candidates)),
		zap.Int("results", len(contexts)),
		zap.Bool("reranked", rerankUsed),
		zap.Duration("elapsed", time.Since(start)),
	)

	meta := BaseMetadata(rag.StrategyCompression, "semantic_with_reranking", len(contexts), start)
	meta["reranker_used"] = rerankUsed
	meta["is_urgent"] = req.ProductionIncident
	meta["filters_applied"] = len(req.Filters) > 0

	return &Result{
		Contexts: contexts,
		Metadata: meta,
		Warnings: warnings,
		Message:  fmt.Sprintf("Compression agent retrieved %d documents using semantic search", len(contexts)),
	}, nil
}

// candidates over-fetches 2k vector hits from each collection and fuses
// them into one ranked candidate list.
func (s *Compression) candidates(ctx context.Context, req Request, k int) ([]rag.Context, []string, error) {
	lists, warnings, err := searchCollections(ctx, func(ctx context.Context, collection rag.Collection) ([]rag.Context, error) {
		hits, err := s.store.VectorSearch(ctx, collection, req.Query, ticketstore.SearchOptions{
			TopK:      2 * k,
			Threshold: s.cfg.SimilarityThreshold,
			Filters:   req.Filters,
		})
		if err != nil {
			return nil, fmt.Errorf("vector search %s: %w", collection, err)
		}
		return stampSource(hits, "compression", collection), nil
	})
	if err != nil {
		return nil, warnings, err
	}
	return rag.Fuse(lists, nil), warnings, nil
}

// compress reduces the candidate list to k, through the reranker when one
// is configured. A reranker failure falls through to the raw vector
// ranking and reports a warning instead of failing the strategy.
func (s *Compression) compress(ctx context.Context, query string, candidates []rag.Context, k int) ([]rag.Context, bool, string) {
	if s.reranker == nil || len(candidates) == 0 {
		return rag.TopK(candidates, k), false, ""
	}

	reranked, err := s.reranker.Rerank(ctx, query, candidates, k)
	if err != nil {
		s.logger.Warn(ctx, "reranker failed, keeping vector ranking", zap.Error(err))
		return rag.TopK(candidates, k), false, fmt.Sprintf("rerank failed: %v", err)
	}
	return reranked, true, ""
}
