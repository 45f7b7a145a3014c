package logsearch

import (
	"context"
	"fmt"
	"regexp"
	"sort"
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
	// defaultMaxResults caps the final context list.
	defaultMaxResults = 10

	defaultFanout = 3

	// excerptLimit bounds how much of a payload one context carries.
	excerptLimit = 500

	// Scoring constants. Exception-class matches rank above generic
	// pattern matches, and fresher entries rank above stale ones.
	exceptionBase = 0.6
	genericBase   = 0.4
	recencyWeight = 0.4
)

// Patterns stripped before dedupe hashing so the same payload logged at
// different times, or with different request ids, collapses to one context.
var (
	timestampPattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?`)
	digitsPattern    = regexp.MustCompile(`\d+`)
)

// Strategy is the LogSearch retrieval strategy: plan payload patterns, fan
// them out against the log store over a bounded window, then score and
// dedupe the entries.
type Strategy struct {
	planner  *Planner
	provider Provider
	cfg      config.LogSearchConfig
	fanout   int
	logger   *logging.Logger
}

var _ retrieval.Strategy = (*Strategy)(nil)

// NewStrategy wires the planner and provider into a retrieval strategy.
func NewStrategy(planner *Planner, provider Provider, cfg config.LogSearchConfig, fanout int, logger *logging.Logger) *Strategy {
	if fanout <= 0 {
		fanout = defaultFanout
	}
	return &Strategy{planner: planner, provider: provider, cfg: cfg, fanout: fanout, logger: logger}
}

// Name implements retrieval.Strategy.
func (s *Strategy) Name() rag.StrategyName { return rag.StrategyLogSearch }

// Run implements retrieval.Strategy. Individual search failures degrade to
// warnings; the strategy fails only when every planned search fails.
func (s *Strategy) Run(ctx context.Context, req retrieval.Request) (*retrieval.Result, error) {
	ctx, span := tracer.Start(ctx, "logsearch.run",
		trace.WithAttributes(attribute.String("logsearch.provider", s.provider.Name())))
	defer span.End()

	start := time.Now()
	plan, warnings := s.planner.Plan(ctx, req.Query, req.ProductionIncident)
	span.SetAttributes(
		attribute.String("logsearch.plan_type", plan.Type),
		attribute.Int("logsearch.searches", len(plan.Queries)),
	)

	end := time.Now().UTC()
	window := Query{
		Start: end.Add(-plan.Window),
		End:   end,
		Limit: s.cfg.MaxEntries,
	}

	lists := make([][]Entry, len(plan.Queries))
	errs := make([]error, len(plan.Queries))

	// Bounded fan-out. Failures are collected per search, never returned
	// to the group, so one dead search cannot cancel the others.
	var g errgroup.Group
	g.SetLimit(s.fanout)
	for i, pattern := range plan.Queries {
		g.Go(func() error {
			q := window
			q.Pattern = pattern
			lists[i], errs[i] = s.provider.Search(ctx, q)
			return nil
		})
	}
	_ = g.Wait()

	performed := 0
	for i, err := range errs {
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("log search %q failed: %v", plan.Queries[i], err))
			continue
		}
		performed++
	}
	if performed == 0 {
		return nil, fmt.Errorf("%w: log search: all %d searches failed", rag.ErrStrategyFailed, len(plan.Queries))
	}

	k := retrieval.ResolveK(req.K, defaultMaxResults, req.ProductionIncident)
	contexts := s.normalize(lists, plan, window, k)

	s.logger.Debug(ctx, "log search complete",
		zap.String("plan_type", plan.Type),
		zap.Int("searches_planned", len(plan.Queries)),
		zap.Int("searches_performed", performed),
		zap.Int("results", len(contexts)),
		zap.Duration("window", plan.Window),
		zap.Duration("elapsed", time.Since(start)),
	)

	meta := retrieval.BaseMetadata(rag.StrategyLogSearch, "log_search", len(contexts), start)
	meta["plan_type"] = plan.Type
	meta["searches_planned"] = len(plan.Queries)
	meta["searches_performed"] = performed
	meta["window"] = plan.Window.String()
	meta["production_incident"] = req.ProductionIncident

	return &retrieval.Result{
		Contexts: contexts,
		Metadata: meta,
		Warnings: warnings,
		Message: fmt.Sprintf("LogSearch agent retrieved %d log entries from %d log searches",
			len(contexts), performed),
	}, nil
}

// normalize converts entries to contexts, scores them, sorts by score, and
// deduplicates repeated payloads keeping the best-scored occurrence.
func (s *Strategy) normalize(lists [][]Entry, plan Plan, window Query, k int) []rag.Context {
	source := "logs_" + s.provider.Name()

	var out []rag.Context
	for i, entries := range lists {
		pattern := plan.Queries[i]
		for _, entry := range entries {
			meta := map[string]interface{}{
				rag.MetaSeverity: entry.Severity,
				rag.MetaService:  entry.Service,
				"pattern":        pattern,
			}
			if !entry.Timestamp.IsZero() {
				meta[rag.MetaTimestamp] = entry.Timestamp.UTC().Format(time.RFC3339)
			}
			out = append(out, rag.Context{
				Content:  formatEntry(entry),
				Metadata: meta,
				Source:   source,
				Score:    score(entry, plan.Type, window),
			})
		}
	}

	sort.SliceStable(out, func(a, b int) bool { return out[a].Score > out[b].Score })

	deduped := out[:0]
	seen := make(map[string]bool, len(out))
	for _, c := range out {
		key := payloadHash(c.Content)
		if seen[key] {
			continue
		}
		seen[key] = true
		deduped = append(deduped, c)
		if len(deduped) == k {
			break
		}
	}
	return deduped
}

// score combines pattern specificity with recency inside the window.
// Exception-class searches are more specific than free-text patterns.
func score(entry Entry, planType string, window Query) float64 {
	base := genericBase
	if planType == PlanException {
		base = exceptionBase
	}

	recency := 0.0
	span := window.End.Sub(window.Start)
	if !entry.Timestamp.IsZero() && span > 0 {
		age := window.End.Sub(entry.Timestamp)
		recency = 1 - float64(age)/float64(span)
		if recency < 0 {
			recency = 0
		}
		if recency > 1 {
			recency = 1
		}
	}

	total := base + recencyWeight*recency
	if total > 1 {
		total = 1
	}
	return total
}

// formatEntry renders an entry in the content shape the responder expects.
func formatEntry(entry Entry) string {
	service := entry.Service
	if service == "" {
		service = "unknown"
	}
	header := fmt.Sprintf("[%s] %s", entry.Severity, service)
	if !entry.Timestamp.IsZero() {
		header = fmt.Sprintf("[%s] %s %s", entry.Severity, entry.Timestamp.UTC().Format(time.RFC3339), service)
	}
	return header + "\n\n" + excerpt(entry.Payload)
}

// excerpt truncates a payload on a rune boundary.
func excerpt(payload string) string {
	runes := []rune(payload)
	if len(runes) <= excerptLimit {
		return payload
	}
	return string(runes[:excerptLimit]) + "..."
}

// payloadHash hashes content with timestamps and numbers masked out, so the
// same failure logged repeatedly collapses to one context.
func payloadHash(content string) string {
	content = timestampPattern.ReplaceAllString(content, "TS")
	content = digitsPattern.ReplaceAllString(content, "NUM")
	return rag.ContentHash(content)
}
