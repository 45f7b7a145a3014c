package logsearch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/triaged/internal/config"
	"github.com/fyrsmithlabs/triaged/internal/llm"
	"github.com/fyrsmithlabs/triaged/internal/logging"
)

type fakeGenerator struct {
	calls   atomic.Int64
	replies []string
	err     error
}

func (f *fakeGenerator) Generate(ctx context.Context, tier llm.Tier, prompt string) (string, error) {
	n := f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	if int(n) > len(f.replies) {
		return "", errors.New("no reply configured")
	}
	return f.replies[n-1], nil
}

func testLogConfig() config.LogSearchConfig {
	return config.LogSearchConfig{
		Provider:       "gcp",
		MaxSearches:    5,
		MaxEntries:     50,
		DefaultWindow:  time.Hour,
		IncidentWindow: 72 * time.Hour,
		ExceptionCatalogue: []string{
			"certificate-expiry",
			"http-5xx",
			"disk-space-exceeded",
			"dead-letter-queue-exceeded",
		},
	}
}

func TestPlannerMatchesExceptionTypesAgainstCatalogue(t *testing.T) {
	gen := &fakeGenerator{replies: []string{
		`{"plan_type": "exception_search", "reasoning": "certificate errors during an incident",
		  "searches": [{"query": "certs", "exception_types": ["CertificateExpiry", "HTTP 5xx", "made-up-class"]}]}`,
	}}
	p := NewPlanner(gen, testLogConfig(), logging.NewTestLogger().Logger)

	plan, warnings := p.Plan(context.Background(), "certificate errors in production", true)
	assert.Empty(t, warnings)
	assert.Equal(t, PlanException, plan.Type)
	assert.Equal(t, []string{"certificate-expiry", "http-5xx"}, plan.Queries,
		"catalogue classes matched case-insensitively, unknown classes dropped")
	assert.Equal(t, 72*time.Hour, plan.Window, "incident widens the window")
	assert.Equal(t, int64(1), gen.calls.Load())
}

func TestPlannerParsesGeneralPlan(t *testing.T) {
	gen := &fakeGenerator{replies: []string{
		`{"plan_type": "general_search", "reasoning": "look for payment timeouts",
		  "searches": [{"query": " payment timeout "}, {"query": "payment timeout"}, {"query": ""}]}`,
	}}
	p := NewPlanner(gen, testLogConfig(), logging.NewTestLogger().Logger)

	plan, warnings := p.Plan(context.Background(), "payment timeouts", false)
	assert.Empty(t, warnings)
	assert.Equal(t, PlanGeneral, plan.Type)
	assert.Equal(t, []string{"payment timeout"}, plan.Queries, "trimmed, deduplicated, empties dropped")
	assert.Equal(t, time.Hour, plan.Window)
}

func TestPlannerRetriesMalformedPlanOnce(t *testing.T) {
	gen := &fakeGenerator{replies: []string{
		`I would start by looking at the logs.`,
		`{"plan_type": "time_range_analysis", "reasoning": "recent spike", "searches": [{"query": "spike"}]}`,
	}}
	p := NewPlanner(gen, testLogConfig(), logging.NewTestLogger().Logger)

	plan, warnings := p.Plan(context.Background(), "what happened in the last hour", false)
	assert.Equal(t, PlanTimeRange, plan.Type)
	assert.Equal(t, []string{"spike"}, plan.Queries)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "malformed")
	assert.Equal(t, int64(2), gen.calls.Load())
}

func TestPlannerFallbackPlans(t *testing.T) {
	malformed := []string{
		`{"plan_type": "weather", "reasoning": "", "searches": [{"query": "x"}]}`,
		`no json here either`,
	}
	tests := []struct {
		name        string
		query       string
		incident    bool
		wantType    string
		wantQueries []string
		wantWindow  time.Duration
	}{
		{
			name:        "incident with error vocabulary searches the catalogue",
			query:       "payment service connection timeout errors",
			incident:    true,
			wantType:    PlanException,
			wantQueries: []string{"certificate-expiry", "http-5xx", "disk-space-exceeded"},
			wantWindow:  72 * time.Hour,
		},
		{
			name:        "plain question becomes a general search",
			query:       "how are deploy logs structured",
			incident:    false,
			wantType:    PlanGeneral,
			wantQueries: []string{"how are deploy logs structured"},
			wantWindow:  time.Hour,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &fakeGenerator{replies: malformed}
			p := NewPlanner(gen, testLogConfig(), logging.NewTestLogger().Logger)

			plan, warnings := p.Plan(context.Background(), tt.query, tt.incident)
			assert.Equal(t, tt.wantType, plan.Type)
			assert.Equal(t, tt.wantQueries, plan.Queries)
			assert.Equal(t, tt.wantWindow, plan.Window)
			assert.Len(t, warnings, 2, "both attempts reported")
			assert.Equal(t, int64(2), gen.calls.Load())
		})
	}
}

func TestPlannerModelFailureFallsBack(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("model unavailable")}
	p := NewPlanner(gen, testLogConfig(), logging.NewTestLogger().Logger)

	plan, warnings := p.Plan(context.Background(), "disk space exceeded on ingest nodes", true)
	assert.Equal(t, PlanException, plan.Type, "incident with error vocabulary")
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "planning failed")
	assert.Equal(t, int64(1), gen.calls.Load(), "a dead model is not retried")
}

func TestPlannerCapsQueries(t *testing.T) {
	gen := &fakeGenerator{replies: []string{
		`{"plan_type": "production_issue", "reasoning": "wide net",
		  "searches": [{"query": "a"}, {"query": "b"}, {"query": "c"}, {"query": "d"}]}`,
	}}
	p := NewPlanner(gen, testLogConfig(), logging.NewTestLogger().Logger)

	plan, _ := p.Plan(context.Background(), "q", false)
	assert.Equal(t, []string{"a", "b", "c"}, plan.Queries)
}

func TestPlannerHonorsLowerConfiguredCap(t *testing.T) {
	reply := `{"plan_type": "production_issue", "reasoning": "wide net",
	  "searches": [{"query": "a"}, {"query": "b"}, {"query": "c"}]}`

	cfg := testLogConfig()
	cfg.MaxSearches = 1
	p := NewPlanner(&fakeGenerator{replies: []string{reply}}, cfg, logging.NewTestLogger().Logger)

	plan, _ := p.Plan(context.Background(), "q", false)
	assert.Equal(t, []string{"a"}, plan.Queries, "max_searches below the plan shape wins")
}
