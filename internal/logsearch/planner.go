package logsearch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/triaged/internal/config"
	"github.com/fyrsmithlabs/triaged/internal/llm"
	"github.com/fyrsmithlabs/triaged/internal/logging"
)

// Plan types.
const (
	PlanException  = "exception_search"
	PlanProduction = "production_issue"
	PlanGeneral    = "general_search"
	PlanTimeRange  = "time_range_analysis"
)

// maxPlannedSearches bounds the queries one plan may carry.
const maxPlannedSearches = 3

// errorIndicators mark a query as error-flavored for the fallback plan.
var errorIndicators = []string{
	"error", "exception", "failed", "timeout", "connection", "certificate",
	"disk space", "memory", "dead letter", "500", "502", "503", "504",
}

// Plan is the log search strategy produced for one query.
type Plan struct {
	Type      string
	Reasoning string

	// Queries are payload patterns to search for. For exception_search
	// plans these are exception classes from the catalogue.
	Queries []string

	// Window is how far back to search, widened for production incidents.
	Window time.Duration
}

// planReply is the raw shape requested from the model.
type planReply struct {
	Type     string `json:"plan_type"`
	Reason   string `json:"reasoning"`
	Searches []struct {
		Query          string   `json:"query"`
		ExceptionTypes []string `json:"exception_types"`
	} `json:"searches"`
}

// Planner asks the fast model how to search the logs. Every failure mode
// ends in a usable plan.
type Planner struct {
	llm       llm.Generator
	catalogue []string
	cfg       config.LogSearchConfig
	logger    *logging.Logger
}

// NewPlanner builds a planner over the configured exception catalogue.
func NewPlanner(gen llm.Generator, cfg config.LogSearchConfig, logger *logging.Logger) *Planner {
	return &Planner{llm: gen, catalogue: cfg.ExceptionCatalogue, cfg: cfg, logger: logger}
}

// Plan produces a log search plan. A malformed reply is retried once with a
// stricter prompt; a second failure returns the deterministic fallback.
func (p *Planner) Plan(ctx context.Context, query string, productionIncident bool) (Plan, []string) {
	ctx, span := tracer.Start(ctx, "logsearch.plan")
	defer span.End()

	window := p.cfg.DefaultWindow
	if productionIncident {
		window = p.cfg.IncidentWindow
	}
	limit := maxPlannedSearches
	if p.cfg.MaxSearches > 0 && p.cfg.MaxSearches < limit {
		limit = p.cfg.MaxSearches
	}

	var warnings []string
	for attempt, prompt := range []string{
		planPrompt(query, productionIncident, p.catalogue),
		strictPlanPrompt(query, p.catalogue),
	} {
		reply, err := p.llm.Generate(ctx, llm.TierFast, prompt)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("log search planning failed: %v", err))
			break
		}
		plan, err := p.parse(reply, window, limit)
		if err == nil {
			return plan, warnings
		}
		warnings = append(warnings, fmt.Sprintf("log plan attempt %d malformed: %v", attempt+1, err))
	}

	plan := p.fallbackPlan(query, productionIncident, window, limit)
	p.logger.Warn(ctx, "log search planning degraded to fallback plan",
		zap.String("plan_type", plan.Type),
		zap.Strings("warnings", warnings))
	return plan, warnings
}

// parse validates a model reply into a Plan.
func (p *Planner) parse(reply string, window time.Duration, limit int) (Plan, error) {
	raw, ok := llm.ExtractJSON(reply)
	if !ok {
		return Plan{}, fmt.Errorf("no JSON object in reply")
	}

	var parsed planReply
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return Plan{}, fmt.Errorf("unmarshaling plan: %w", err)
	}

	planType := strings.ToLower(strings.TrimSpace(parsed.Type))
	switch planType {
	case PlanException, PlanProduction, PlanGeneral, PlanTimeRange:
	default:
		return Plan{}, fmt.Errorf("unknown plan type %q", planType)
	}

	var queries []string
	for _, s := range parsed.Searches {
		if planType == PlanException {
			// Exception plans search the catalogue classes; unlisted
			// classes proposed by the model are dropped.
			queries = append(queries, p.matchCatalogue(s.ExceptionTypes)...)
			continue
		}
		if q := strings.TrimSpace(s.Query); q != "" {
			queries = append(queries, q)
		}
	}
	queries = dedupeQueries(queries, limit)
	if len(queries) == 0 {
		return Plan{}, fmt.Errorf("plan contains no usable searches")
	}

	return Plan{
		Type:      planType,
		Reasoning: strings.TrimSpace(parsed.Reason),
		Queries:   queries,
		Window:    window,
	}, nil
}

// fallbackPlan is used when the model cannot produce a valid plan: incidents
// with error vocabulary search the whole exception catalogue, everything
// else becomes a general search of the raw query.
func (p *Planner) fallbackPlan(query string, productionIncident bool, window time.Duration, limit int) Plan {
	if productionIncident && hasErrorIndicators(query) {
		return Plan{
			Type:      PlanException,
			Reasoning: "production incident with error indicators detected",
			Queries:   dedupeQueries(p.catalogue, limit),
			Window:    window,
		}
	}
	return Plan{
		Type:      PlanGeneral,
		Reasoning: "general log search of the raw query",
		Queries:   []string{query},
		Window:    window,
	}
}

// matchCatalogue maps model-proposed exception classes onto the catalogue,
// tolerating case and punctuation differences.
func (p *Planner) matchCatalogue(types []string) []string {
	var out []string
	for _, t := range types {
		key := normalizeClass(t)
		if key == "" {
			continue
		}
		for _, known := range p.catalogue {
			if normalizeClass(known) == key {
				out = append(out, known)
				break
			}
		}
	}
	return out
}

func normalizeClass(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func hasErrorIndicators(query string) bool {
	q := strings.ToLower(query)
	for _, indicator := range errorIndicators {
		if strings.Contains(q, indicator) {
			return true
		}
	}
	return false
}

func dedupeQueries(queries []string, max int) []string {
	out := make([]string, 0, len(queries))
	seen := make(map[string]bool, len(queries))
	for _, q := range queries {
		q = strings.TrimSpace(q)
		key := strings.ToLower(q)
		if q == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, q)
		if len(out) == max {
			break
		}
	}
	return out
}

func planPrompt(query string, productionIncident bool, catalogue []string) string {
	return fmt.Sprintf(`You are a log analysis expert planning searches over a production log store.

Query: %q
Production incident: %t

Plan types:
1. "exception_search" - search for known exception classes: %s
2. "production_issue" - search for production issues based on error context
3. "general_search" - general log search with specific terms
4. "time_range_analysis" - focus on a recent time range for incident analysis

For production incidents, prefer exception searches. Produce 1 to %d searches.

Respond with JSON only:
{"plan_type": "...", "reasoning": "...", "searches": [{"query": "...", "exception_types": ["..."]}]}

exception_types is used only for exception_search and must come from the listed classes.`,
		query, productionIncident, strings.Join(catalogue, ", "), maxPlannedSearches)
}

func strictPlanPrompt(query string, catalogue []string) string {
	return fmt.Sprintf(`Return ONLY a JSON object, no prose, exactly this shape:
{"plan_type": "exception_search|production_issue|general_search|time_range_analysis", "reasoning": "...", "searches": [{"query": "...", "exception_types": ["..."]}]}

searches holds 1 to %d entries. exception_types entries must come from: %s.

Query: %q`, maxPlannedSearches, strings.Join(catalogue, ", "), query)
}
