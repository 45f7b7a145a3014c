package websearch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/triaged/internal/config"
	"github.com/fyrsmithlabs/triaged/internal/logging"
	"github.com/fyrsmithlabs/triaged/internal/rag"
	"github.com/fyrsmithlabs/triaged/internal/retrieval"
)

const (
	// perSearchResults bounds hits per planned search; the final list is
	// capped separately.
	perSearchResults = 3

	// defaultMaxResults caps the final context list.
	defaultMaxResults = 10

	defaultFanout = 3
)

// Strategy is the WebSearch retrieval strategy: plan refined searches, fan
// them out against the provider, normalize and dedupe the hits.
type Strategy struct {
	planner  *Planner
	provider Provider
	cfg      config.WebSearchConfig
	fanout   int
	logger   *logging.Logger
}

var _ retrieval.Strategy = (*Strategy)(nil)

// NewStrategy wires the planner and provider into a retrieval strategy.
func NewStrategy(planner *Planner, provider Provider, cfg config.WebSearchConfig, fanout int, logger *logging.Logger) *Strategy {
	if fanout <= 0 {
		fanout = defaultFanout
	}
	return &Strategy{planner: planner, provider: provider, cfg: cfg, fanout: fanout, logger: logger}
}

// Name implements retrieval.Strategy.
func (s *Strategy) Name() rag.StrategyName { return rag.StrategyWebSearch }

// Run implements retrieval.Strategy. Individual search failures degrade to
// warnings; the strategy fails only when every planned search fails.
func (s *Strategy) Run(ctx context.Context, req retrieval.Request) (*retrieval.Result, error) {
	ctx, span := tracer.Start(ctx, "websearch.run",
		trace.WithAttributes(attribute.String("websearch.provider", s.provider.Name())))
	defer span.End()

	start := time.Now()
	plan, warnings := s.planner.Plan(ctx, req.Query, req.ProductionIncident, req.UserCanWait)
	span.SetAttributes(
		attribute.String("websearch.classification", plan.Classification),
		attribute.Int("websearch.searches", len(plan.Searches)),
	)

	lists := make([][]Hit, len(plan.Searches))
	errs := make([]error, len(plan.Searches))

	// Bounded fan-out. Failures are collected per search, never returned
	// to the group, so one dead search cannot cancel the others.
	var g errgroup.Group
	g.SetLimit(s.fanout)
	for i, q := range plan.Searches {
		g.Go(func() error {
			lists[i], errs[i] = s.provider.Search(ctx, q, perSearchResults)
			return nil
		})
	}
	_ = g.Wait()

	performed := 0
	for i, err := range errs {
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("web search %q failed: %v", plan.Searches[i], err))
			continue
		}
		performed++
	}
	if performed == 0 {
		return nil, fmt.Errorf("%w: web search: all %d searches failed", rag.ErrStrategyFailed, len(plan.Searches))
	}

	contexts := s.normalize(lists, plan)

	s.logger.Debug(ctx, "web search complete",
		zap.String("classification", plan.Classification),
		zap.Int("searches_planned", len(plan.Searches)),
		zap.Int("searches_performed", performed),
		zap.Int("results", len(contexts)),
		zap.Duration("elapsed", time.Since(start)),
	)

	meta := retrieval.BaseMetadata(rag.StrategyWebSearch, "web_search", len(contexts), start)
	meta["searches_planned"] = len(plan.Searches)
	meta["searches_performed"] = performed
	meta["max_searches"] = s.cfg.MaxSearches
	meta["classification"] = plan.Classification
	meta["priority"] = plan.Priority
	meta["production_incident"] = req.ProductionIncident

	return &retrieval.Result{
		Contexts: contexts,
		Metadata: meta,
		Warnings: warnings,
		Message: fmt.Sprintf("WebSearch agent retrieved %d results from %d web searches",
			len(contexts), performed),
	}, nil
}

// normalize converts raw hits to contexts, deduplicates by lowercased URL
// keeping the first occurrence, and caps the list at max_results by score.
func (s *Strategy) normalize(lists [][]Hit, plan Plan) []rag.Context {
	source := "web_" + s.provider.Name()
	now := time.Now().UTC().Format(time.RFC3339)

	var out []rag.Context
	seen := make(map[string]bool)
	for _, hits := range lists {
		for rank, hit := range hits {
			key := strings.ToLower(strings.TrimSpace(hit.URL))
			if key == "" {
				key = rag.ContentHash(hit.Content)
			}
			if seen[key] {
				continue
			}
			seen[key] = true

			score := hit.Score
			if score <= 0 {
				score = 1 - float64(rank)/float64(len(hits))
			}
			if score > 1 {
				score = 1
			}

			timestamp := hit.Published
			if timestamp == "" {
				timestamp = now
			}

			out = append(out, rag.Context{
				Content: formatHit(hit),
				Metadata: map[string]interface{}{
					rag.MetaURL:       hit.URL,
					rag.MetaTitle:     hit.Title,
					rag.MetaTimestamp: timestamp,
					"search_type":     plan.Classification,
				},
				Source: source,
				Score:  score,
			})
		}
	}

	sort.SliceStable(out, func(a, b int) bool { return out[a].Score > out[b].Score })
	max := s.cfg.MaxResults
	if max <= 0 {
		max = defaultMaxResults
	}
	if len(out) > max {
		out = out[:max]
	}
	return out
}

// formatHit renders a hit in the content shape the responder expects.
func formatHit(hit Hit) string {
	title := hit.Title
	if title == "" {
		title = "Web Search Result"
	}
	content := fmt.Sprintf("Title: %s\n\nContent: %s", title, hit.Content)
	if hit.URL != "" {
		content += fmt.Sprintf("\n\nURL: %s", hit.URL)
	}
	return content
}
