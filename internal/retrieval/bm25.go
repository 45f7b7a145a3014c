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
	"github.com/fyrsmithlabs/triaged/internal/ticketstore"
)

// TicketSearcher is the slice of the ticket store the strategies consume.
// ticketstore.Store satisfies it.
type TicketSearcher interface {
	VectorSearch(ctx context.Context, collection rag.Collection, query string, opts ticketstore.SearchOptions) ([]rag.Context, error)
	KeywordSearch(ctx context.Context, collection rag.Collection, query string, opts ticketstore.SearchOptions) ([]rag.Context, error)
}

// BM25 serves identifier and exact-term queries with full-text search
// against both ticket collections. Per-collection lists are fused with
// equal weight and cut to k.
type BM25 struct {
	store  TicketSearcher
	cfg    config.RetrievalConfig
	logger *logging.Logger
}

// NewBM25 builds the keyword strategy over store.
func NewBM25(store TicketSearcher, cfg config.RetrievalConfig, logger *logging.Logger) *BM25 {
	return &BM25{store: store, cfg: cfg, logger: logger}
}

// Name implements Strategy.
func (s *BM25) Name() rag.StrategyName { return rag.StrategyBM25 }

// Run implements Strategy.
func (s *BM25) Run(ctx context.Context, req Request) (*Result, error) {
	ctx, span := tracer.Start(ctx, "retrieval.bm25",
		trace.WithAttributes(attribute.Int("retrieval.k", req.K)))
	defer span.End()

	start := time.Now()
	k := ResolveK(req.K, s.cfg.DefaultTopK, req.ProductionIncident)

	lists, warnings, err := searchCollections(ctx, func(ctx context.Context, collection rag.Collection) ([]rag.Context, error) {
		hits, err := s.store.KeywordSearch(ctx, collection, req.Query, ticketstore.SearchOptions{
			TopK:    k,
			Filters: req.Filters,
		})
		if err != nil {
			return nil, fmt.Errorf("keyword search %s: %w", collection, err)
		}
		return stampSource(hits, "bm25", collection), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: bm25: %v", rag.ErrStrategyFailed, err)
	}

	contexts := rag.TopK(rag.Fuse(lists, nil), k)

	s.logger.Debug(ctx, "bm25 retrieval complete",
		zap.Int("results", len(contexts)),
		zap.Int("k", k),
		zap.Duration("elapsed", time.Since(start)),
	)

	meta := BaseMetadata(rag.StrategyBM25, "keyword_based", len(contexts), start)
	meta["keyword_index_used"] = true
	meta["filters_applied"] = len(req.Filters) > 0

	return &Result{
		Contexts: contexts,
		Metadata: meta,
		Warnings: warnings,
		Message:  fmt.Sprintf("BM25 agent retrieved %d documents using keyword search", len(contexts)),
	}, nil
}
