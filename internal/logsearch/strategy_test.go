package logsearch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/triaged/internal/logging"
	"github.com/fyrsmithlabs/triaged/internal/rag"
	"github.com/fyrsmithlabs/triaged/internal/retrieval"
)

type fakeProvider struct {
	name   string
	search func(ctx context.Context, q Query) ([]Entry, error)

	mu      sync.Mutex
	queries []Query
}

func (f *fakeProvider) Name() string {
	if f.name == "" {
		return "fake"
	}
	return f.name
}

func (f *fakeProvider) Search(ctx context.Context, q Query) ([]Entry, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	return f.search(ctx, q)
}

func (f *fakeProvider) Health(context.Context) error { return nil }

func planGenerator(queries ...string) *fakeGenerator {
	searches := make([]string, len(queries))
	for i, q := range queries {
		searches[i] = fmt.Sprintf(`{"query": %q}`, q)
	}
	return &fakeGenerator{replies: []string{fmt.Sprintf(
		`{"plan_type": "general_search", "reasoning": "test plan", "searches": [%s]}`,
		strings.Join(searches, ", "),
	)}}
}

func newTestStrategy(gen *fakeGenerator, provider Provider) *Strategy {
	logger := logging.NewTestLogger().Logger
	cfg := testLogConfig()
	return NewStrategy(NewPlanner(gen, cfg, logger), provider, cfg, 3, logger)
}

func entryAt(age time.Duration, service, payload string) Entry {
	return Entry{
		Timestamp: time.Now().UTC().Add(-age),
		Severity:  "ERROR",
		Service:   service,
		Payload:   payload,
	}
}

func TestStrategyNormalizesEntries(t *testing.T) {
	provider := &fakeProvider{
		search: func(context.Context, Query) ([]Entry, error) {
			return []Entry{
				entryAt(50*time.Minute, "ledger", "Slow response from ledger backend"),
				entryAt(5*time.Minute, "payments", "Connection timeout calling ledger"),
			}, nil
		},
	}
	s := newTestStrategy(planGenerator("payment timeout"), provider)

	res, err := s.Run(context.Background(), retrieval.Request{Query: "payment timeouts"})
	require.NoError(t, err)
	require.Len(t, res.Contexts, 2)

	first := res.Contexts[0]
	assert.Equal(t, "logs_fake", first.Source)
	assert.Contains(t, first.Content, "[ERROR]")
	assert.Contains(t, first.Content, "payments")
	assert.Contains(t, first.Content, "Connection timeout calling ledger")
	assert.Equal(t, "ERROR", first.Metadata[rag.MetaSeverity])
	assert.Equal(t, "payments", first.Metadata[rag.MetaService])
	assert.Equal(t, "payment timeout", first.Metadata["pattern"])
	assert.NotEmpty(t, first.Metadata[rag.MetaTimestamp])

	assert.Greater(t, first.Score, res.Contexts[1].Score, "fresher entries rank higher")

	assert.Equal(t, "LogSearch", res.Metadata["agent"])
	assert.Equal(t, "log_search", res.Metadata["method_type"])
	assert.Equal(t, PlanGeneral, res.Metadata["plan_type"])
	assert.Equal(t, 1, res.Metadata["searches_planned"])
	assert.Equal(t, 1, res.Metadata["searches_performed"])
	assert.Equal(t, time.Hour.String(), res.Metadata["window"])
	assert.Equal(t, "LogSearch agent retrieved 2 log entries from 1 log searches", res.Message)
}

func TestStrategyQueriesWindowAndLimit(t *testing.T) {
	provider := &fakeProvider{
		search: func(context.Context, Query) ([]Entry, error) { return []Entry{}, nil },
	}
	s := newTestStrategy(planGenerator("oom"), provider)

	_, err := s.Run(context.Background(), retrieval.Request{Query: "out of memory"})
	require.NoError(t, err)

	require.Len(t, provider.queries, 1)
	q := provider.queries[0]
	assert.Equal(t, "oom", q.Pattern)
	assert.Equal(t, 50, q.Limit)
	assert.Equal(t, time.Hour, q.End.Sub(q.Start))
	assert.WithinDuration(t, time.Now().UTC(), q.End, 5*time.Second)
}

func TestScoreOrdering(t *testing.T) {
	now := time.Now().UTC()
	window := Query{Start: now.Add(-time.Hour), End: now}

	fresh := entryAt(time.Minute, "svc", "x")
	stale := entryAt(55*time.Minute, "svc", "x")
	undated := Entry{Severity: "ERROR", Service: "svc", Payload: "x"}

	assert.Greater(t, score(fresh, PlanGeneral, window), score(stale, PlanGeneral, window),
		"recency breaks ties within one plan type")
	assert.Greater(t, score(fresh, PlanException, window), score(fresh, PlanGeneral, window),
		"exception-class matches outrank generic patterns")
	assert.Equal(t, genericBase, score(undated, PlanGeneral, window), "no timestamp means no recency credit")
}

func TestStrategyDeduplicatesRepeatedPayloads(t *testing.T) {
	provider := &fakeProvider{
		search: func(context.Context, Query) ([]Entry, error) {
			return []Entry{
				entryAt(40*time.Minute, "payments", "Connection timeout after 30000ms request_id=123"),
				entryAt(2*time.Minute, "payments", "Connection timeout after 31000ms request_id=456"),
			}, nil
		},
	}
	s := newTestStrategy(planGenerator("timeout"), provider)

	res, err := s.Run(context.Background(), retrieval.Request{Query: "timeouts"})
	require.NoError(t, err)
	require.Len(t, res.Contexts, 1, "payloads differing only in numbers collapse")
	assert.Contains(t, res.Contexts[0].Content, "request_id=456", "best-scored occurrence wins")
}

func TestStrategySurvivesPartialSearchFailure(t *testing.T) {
	provider := &fakeProvider{
		search: func(_ context.Context, q Query) ([]Entry, error) {
			if q.Pattern == "bad" {
				return nil, fmt.Errorf("%w: status 503", rag.ErrUpstreamTransient)
			}
			return []Entry{entryAt(time.Minute, "svc", "fine")}, nil
		},
	}
	s := newTestStrategy(planGenerator("good", "bad"), provider)

	res, err := s.Run(context.Background(), retrieval.Request{Query: "q"})
	require.NoError(t, err)
	require.Len(t, res.Contexts, 1)
	assert.Equal(t, 1, res.Metadata["searches_performed"])
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], `log search "bad" failed`)
}

func TestStrategyFailsWhenAllSearchesFail(t *testing.T) {
	provider := &fakeProvider{
		search: func(context.Context, Query) ([]Entry, error) {
			return nil, errors.New("log store down")
		},
	}
	s := newTestStrategy(planGenerator("a", "b"), provider)

	_, err := s.Run(context.Background(), retrieval.Request{Query: "q"})
	require.Error(t, err)
	assert.ErrorIs(t, err, rag.ErrStrategyFailed)
}

func TestStrategyEmptyResultsAreNotAnError(t *testing.T) {
	provider := &fakeProvider{
		search: func(context.Context, Query) ([]Entry, error) { return []Entry{}, nil },
	}
	s := newTestStrategy(planGenerator("a"), provider)

	res, err := s.Run(context.Background(), retrieval.Request{Query: "q"})
	require.NoError(t, err)
	assert.Empty(t, res.Contexts)
	assert.Equal(t, 0, res.Metadata["num_results"])
}

func TestStrategyUrgentCapsResults(t *testing.T) {
	provider := &fakeProvider{
		search: func(context.Context, Query) ([]Entry, error) {
			entries := make([]Entry, 8)
			for i := range entries {
				entries[i] = entryAt(time.Duration(i)*time.Minute, "svc",
					fmt.Sprintf("distinct failure mode %c", 'a'+i))
			}
			return entries, nil
		},
	}
	s := newTestStrategy(planGenerator("failures"), provider)

	res, err := s.Run(context.Background(), retrieval.Request{Query: "q", ProductionIncident: true})
	require.NoError(t, err)
	assert.Len(t, res.Contexts, 5, "incidents cap the context list")
	assert.Equal(t, true, res.Metadata["production_incident"])
	assert.Equal(t, (72 * time.Hour).String(), res.Metadata["window"])
}
