package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/triaged/internal/llm"
	"github.com/fyrsmithlabs/triaged/internal/logging"
)

// Plan classifications.
const (
	ClassStatusCheck     = "status_check"
	ClassTroubleshooting = "troubleshooting"
	ClassGeneral         = "general"
)

// Plan priorities.
const (
	PriorityUrgent = "urgent"
	PriorityNormal = "normal"
)

// Plan is the search strategy produced for one query.
type Plan struct {
	Classification string   `json:"classification"`
	Priority       string   `json:"priority"`
	Searches       []string `json:"searches"`
}

// Planner asks the fast model to break a query into refined searches. Every
// failure mode ends in a usable plan; planning never fails the strategy.
type Planner struct {
	llm         llm.Generator
	maxSearches int
	logger      *logging.Logger
}

// NewPlanner builds a planner bounded to maxSearches refined searches.
func NewPlanner(gen llm.Generator, maxSearches int, logger *logging.Logger) *Planner {
	if maxSearches <= 0 {
		maxSearches = 5
	}
	return &Planner{llm: gen, maxSearches: maxSearches, logger: logger}
}

// DefaultPlan is the plan used when the model cannot produce a valid one:
// a single general-priority search of the raw query.
func DefaultPlan(query string) Plan {
	return Plan{
		Classification: ClassGeneral,
		Priority:       PriorityNormal,
		Searches:       []string{query},
	}
}

// Plan produces a search plan. A malformed model reply is retried once with
// a stricter prompt; a second failure returns DefaultPlan with a warning.
func (p *Planner) Plan(ctx context.Context, query string, productionIncident, userCanWait bool) (Plan, []string) {
	ctx, span := tracer.Start(ctx, "websearch.plan")
	defer span.End()

	var warnings []string
	for attempt, prompt := range []string{
		planPrompt(query, productionIncident, userCanWait, p.maxSearches),
		strictPlanPrompt(query, p.maxSearches),
	} {
		reply, err := p.llm.Generate(ctx, llm.TierFast, prompt)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("search planning failed: %v", err))
			break
		}
		plan, err := p.parse(reply)
		if err == nil {
			return plan, warnings
		}
		warnings = append(warnings, fmt.Sprintf("search plan attempt %d malformed: %v", attempt+1, err))
	}

	p.logger.Warn(ctx, "web search planning degraded to default plan",
		zap.Strings("warnings", warnings))
	return DefaultPlan(query), warnings
}

// parse validates a model reply into a Plan.
func (p *Planner) parse(reply string) (Plan, error) {
	raw, ok := llm.ExtractJSON(reply)
	if !ok {
		return Plan{}, fmt.Errorf("no JSON object in reply")
	}

	var plan Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return Plan{}, fmt.Errorf("unmarshaling plan: %w", err)
	}

	plan.Classification = strings.ToLower(strings.TrimSpace(plan.Classification))
	switch plan.Classification {
	case ClassStatusCheck, ClassTroubleshooting, ClassGeneral:
	default:
		return Plan{}, fmt.Errorf("unknown classification %q", plan.Classification)
	}

	plan.Priority = strings.ToLower(strings.TrimSpace(plan.Priority))
	switch plan.Priority {
	case PriorityUrgent, PriorityNormal:
	default:
		return Plan{}, fmt.Errorf("unknown priority %q", plan.Priority)
	}

	plan.Searches = trimSearches(plan.Searches, p.maxSearches)
	if len(plan.Searches) == 0 {
		return Plan{}, fmt.Errorf("plan contains no searches")
	}
	return plan, nil
}

// trimSearches strips whitespace, drops empties and duplicates, and caps the
// list.
func trimSearches(searches []string, max int) []string {
	out := make([]string, 0, len(searches))
	seen := make(map[string]bool, len(searches))
	for _, s := range searches {
		s = strings.TrimSpace(s)
		key := strings.ToLower(s)
		if s == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
		if len(out) == max {
			break
		}
	}
	return out
}

func planPrompt(query string, productionIncident, userCanWait bool, maxSearches int) string {
	return fmt.Sprintf(`You plan web searches for an engineering support system.

Query: %q
Production incident: %t
User can wait: %t

Classify the query and produce up to %d focused web searches that would answer it. For status questions prefer status pages and outage trackers; for errors prefer known-issue and fix searches.

Respond with JSON only:
{"classification": "status_check|troubleshooting|general", "priority": "urgent|normal", "searches": ["..."]}`,
		query, productionIncident, userCanWait, maxSearches)
}

func strictPlanPrompt(query string, maxSearches int) string {
	return fmt.Sprintf(`Return ONLY a JSON object, no prose, exactly this shape:
{"classification": "status_check|troubleshooting|general", "priority": "urgent|normal", "searches": ["..."]}

classification and priority must be one of the listed values. searches holds 1 to %d non-empty strings.

Query: %q`, maxSearches, query)
}
