package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/triaged/internal/config"
	"github.com/fyrsmithlabs/triaged/internal/llm"
	"github.com/fyrsmithlabs/triaged/internal/logging"
	"github.com/fyrsmithlabs/triaged/internal/rag"
	"github.com/fyrsmithlabs/triaged/internal/ticketstore"
)

// maxParaphrases bounds the multi-query expansion.
const maxParaphrases = 3

// ensembleMethods are the sub-retrievals, in reporting order.
var ensembleMethods = []string{"multi_query", "compression", "keyword", "naive"}

// Ensemble runs four sub-retrievals concurrently and fuses their results
// with equal weight: multi-query expansion, compression, keyword, and naive
// vector search. A sub-retrieval failure costs a warning; the strategy
// fails only when all four fail.
type Ensemble struct {
	store       TicketSearcher
	llm         llm.Generator
	bm25        *BM25
	compression *Compression
	cfg         config.RetrievalConfig
	logger      *logging.Logger
}

// NewEnsemble builds the multi-method strategy. It reuses the BM25 and
// Compression strategies for the keyword and compression sub-retrievals.
func NewEnsemble(store TicketSearcher, gen llm.Generator, bm25 *BM25, compression *Compression, cfg config.RetrievalConfig, logger *logging.Logger) *Ensemble {
	return &Ensemble{
		store:       store,
		llm:         gen,
		bm25:        bm25,
		compression: compression,
		cfg:         cfg,
		logger:      logger,
	}
}

// Name implements Strategy.
func (s *Ensemble) Name() rag.StrategyName { return rag.StrategyEnsemble }

// Run implements Strategy.
func (s *Ensemble) Run(ctx context.Context, req Request) (*Result, error) {
	ctx, span := tracer.Start(ctx, "retrieval.ensemble",
		trace.WithAttributes(attribute.Int("retrieval.k", req.K)))
	defer span.End()

	start := time.Now()
	k := ResolveK(req.K, s.cfg.DefaultTopK, req.ProductionIncident)

	// The sub-retrievals run as plain goroutines so one failure cannot
	// cancel the survivors.
	var (
		wg       sync.WaitGroup
		lists    = make([][]rag.Context, len(ensembleMethods))
		warnings = make([][]string, len(ensembleMethods))
		errs     = make([]error, len(ensembleMethods))
	)
	run := func(i int, fn func() ([]rag.Context, []string, error)) {
		defer wg.Done()
		lists[i], warnings[i], errs[i] = fn()
	}
	wg.Add(len(ensembleMethods))
	go run(0, func() ([]rag.Context, []string, error) { return s.multiQuery(ctx, req, k) })
	go run(1, func() ([]rag.Context, []string, error) { return s.subStrategy(ctx, s.compression, req) })
	go run(2, func() ([]rag.Context, []string, error) { return s.subStrategy(ctx, s.bm25, req) })
	go run(3, func() ([]rag.Context, []string, error) { return s.naive(ctx, req, k) })
	wg.Wait()

	var (
		used     []string
		combined []string
		failed   int
	)
	for i, name := range ensembleMethods {
		combined = append(combined, warnings[i]...)
		if errs[i] != nil {
			failed++
			lists[i] = nil
			combined = append(combined, fmt.Sprintf("%s sub-retrieval failed: %v", name, errs[i]))
			continue
		}
		used = append(used, name)
	}
	if failed == len(ensembleMethods) {
		return nil, fmt.Errorf("%w: ensemble: all sub-retrievals failed", rag.ErrStrategyFailed)
	}

	contexts := ensembleSources(rag.TopK(rag.Fuse(lists, nil), k))

	s.logger.Debug(ctx, "ensemble retrieval complete",
		zap.Strings("methods", used),
		zap.Int("results", len(contexts)),
		zap.Duration("elapsed", time.Since(start)),
	)

	meta := BaseMetadata(rag.StrategyEnsemble, "multi_method_ensemble", len(contexts), start)
	meta["methods_used"] = used
	meta["filters_applied"] = len(req.Filters) > 0

	return &Result{
		Contexts: contexts,
		Metadata: meta,
		Warnings: combined,
		Message: fmt.Sprintf("Ensemble agent retrieved %d documents using multi-method retrieval (%s)",
			len(contexts), strings.Join(used, ", ")),
	}, nil
}

// subStrategy delegates one sub-retrieval to a full strategy and keeps its
// warnings.
func (s *Ensemble) subStrategy(ctx context.Context, sub Strategy, req Request) ([]rag.Context, []string, error) {
	res, err := sub.Run(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	return res.Contexts, res.Warnings, nil
}

// naive is plain vector search against both collections.
func (s *Ensemble) naive(ctx context.Context, req Request, k int) ([]rag.Context, []string, error) {
	return s.vectorBoth(ctx, req.Query, k, req.Filters)
}

// multiQuery asks the fast model for paraphrases of the query, vector-searches
// each, and unions the hits. A model failure degrades to searching the
// original query alone.
func (s *Ensemble) multiQuery(ctx context.Context, req Request, k int) ([]rag.Context, []string, error) {
	queries := []string{req.Query}
	var warnings []string

	reply, err := s.llm.Generate(ctx, llm.TierFast, multiQueryPrompt(req.Query))
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("multi-query expansion failed: %v", err))
	} else {
		queries = append(queries, parseParaphrases(reply, req.Query)...)
	}

	lists := make([][]rag.Context, len(queries))
	errs := make([]error, len(queries))
	var wg sync.WaitGroup
	for i, q := range queries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lists[i], _, errs[i] = s.vectorBoth(ctx, q, k, req.Filters)
		}()
	}
	wg.Wait()

	failed := 0
	for i, err := range errs {
		if err == nil {
			continue
		}
		failed++
		lists[i] = nil
		warnings = append(warnings, fmt.Sprintf("paraphrase search failed: %v", err))
	}
	if failed == len(queries) {
		return nil, warnings, fmt.Errorf("all %d query variants failed", len(queries))
	}
	return rag.TopK(union(lists), k), warnings, nil
}

// vectorBoth runs one vector search per collection and fuses the lists.
func (s *Ensemble) vectorBoth(ctx context.Context, query string, k int, filters map[string]string) ([]rag.Context, []string, error) {
	lists, warnings, err := searchCollections(ctx, func(ctx context.Context, collection rag.Collection) ([]rag.Context, error) {
		hits, err := s.store.VectorSearch(ctx, collection, query, ticketstore.SearchOptions{
			TopK:      k,
			Threshold: s.cfg.SimilarityThreshold,
			Filters:   filters,
		})
		if err != nil {
			return nil, fmt.Errorf("vector search %s: %w", collection, err)
		}
		return stampSource(hits, "ensemble", collection), nil
	})
	if err != nil {
		return nil, warnings, err
	}
	return rag.Fuse(lists, nil), warnings, nil
}

// union concatenates lists deduplicated by content hash, keeping the
// highest-scoring occurrence of each hash.
func union(lists [][]rag.Context) []rag.Context {
	var out []rag.Context
	index := make(map[string]int)
	for _, list := range lists {
		for _, c := range list {
			h := rag.ContentHash(c.Content)
			if i, ok := index[h]; ok {
				if c.Score > out[i].Score {
					out[i] = c
				}
				continue
			}
			index[h] = len(out)
			out = append(out, c)
		}
	}
	return out
}

// ensembleSources rewrites source tags so fused hits report the ensemble
// strategy rather than the sub-method that found them.
func ensembleSources(list []rag.Context) []rag.Context {
	for i, c := range list {
		tag := "ensemble"
		for _, collection := range rag.Collections() {
			if strings.HasSuffix(c.Source, "_"+string(collection)) {
				tag = rag.SourceTag("ensemble", collection)
				break
			}
		}
		list[i].Source = tag
	}
	return list
}

// multiQueryPrompt asks for paraphrases as a JSON object so the reply
// survives ExtractJSON.
func multiQueryPrompt(query string) string {
	return fmt.Sprintf(`You generate alternative phrasings of a search query over an engineering ticket system.

Rewrite the query below %d different ways. Keep technical terms and ticket identifiers unchanged. Respond with JSON only:
{"queries": ["...", "...", "..."]}

Query: %s`, maxParaphrases, query)
}

// listPrefix matches a leading bullet or "1." / "2)" numbering on a reply line.
var listPrefix = regexp.MustCompile(`^\s*(?:[-*]|\d+[.)])\s+`)

// parseParaphrases extracts up to maxParaphrases rewrites from a model
// reply, accepting either the requested JSON shape or plain lines.
func parseParaphrases(reply, original string) []string {
	var out []string
	seen := map[string]bool{strings.ToLower(strings.TrimSpace(original)): true}
	add := func(q string) {
		q = listPrefix.ReplaceAllString(q, "")
		q = strings.TrimSpace(strings.Trim(strings.TrimSpace(q), `"'`))
		if q == "" || seen[strings.ToLower(q)] || len(out) >= maxParaphrases {
			return
		}
		seen[strings.ToLower(q)] = true
		out = append(out, q)
	}

	if raw, ok := llm.ExtractJSON(reply); ok {
		var parsed struct {
			Queries []string `json:"queries"`
		}
		// An explicit empty list is a valid reply; only a parse failure
		// falls through to line scanning.
		if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
			for _, q := range parsed.Queries {
				add(q)
			}
			return out
		}
	}

	for _, line := range strings.Split(reply, "\n") {
		add(line)
	}
	return out
}
