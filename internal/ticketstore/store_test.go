package ticketstore

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/triaged/internal/config"
	"github.com/fyrsmithlabs/triaged/internal/logging"
	"github.com/fyrsmithlabs/triaged/internal/rag"
)

// fakeEmbedder returns a fixed vector unless a function is scripted.
type fakeEmbedder struct {
	fn func(ctx context.Context, text string) ([]float32, error)
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.fn == nil {
		return []float32{0.1, 0.2, 0.3}, nil
	}
	return f.fn(ctx, text)
}

func newStoreTestLogger() *logging.Logger {
	return logging.NewTestLogger().Logger
}

func pgTestConfig(url string) config.PostgresConfig {
	return config.PostgresConfig{URL: url, MaxConns: 2}
}

func retrievalTestConfig() config.RetrievalConfig {
	return config.RetrievalConfig{
		SimilarityThreshold: 0.1,
		DefaultTopK:         10,
		VectorWeight:        0.7,
		KeywordWeight:       0.3,
	}
}

func qdrantTestConfig(host string) config.QdrantBackendConfig {
	return config.QdrantBackendConfig{Host: host, Port: 6334}
}

// fakeStore scripts Store behavior per method. Unset methods return empty
// results.
type fakeStore struct {
	vector  func(ctx context.Context, c rag.Collection, q string, o SearchOptions) ([]rag.Context, error)
	keyword func(ctx context.Context, c rag.Collection, q string, o SearchOptions) ([]rag.Context, error)
	hybrid  func(ctx context.Context, c rag.Collection, q string, o SearchOptions) ([]rag.Context, error)
	get     func(ctx context.Context, c rag.Collection, key string) (*Ticket, error)
	count   func(ctx context.Context, c rag.Collection) (uint64, error)
	health  func(ctx context.Context) error

	closes atomic.Int64
}

func (f *fakeStore) VectorSearch(ctx context.Context, c rag.Collection, q string, o SearchOptions) ([]rag.Context, error) {
	if f.vector == nil {
		return []rag.Context{}, nil
	}
	return f.vector(ctx, c, q, o)
}

func (f *fakeStore) KeywordSearch(ctx context.Context, c rag.Collection, q string, o SearchOptions) ([]rag.Context, error) {
	if f.keyword == nil {
		return []rag.Context{}, nil
	}
	return f.keyword(ctx, c, q, o)
}

func (f *fakeStore) HybridSearch(ctx context.Context, c rag.Collection, q string, o SearchOptions) ([]rag.Context, error) {
	if f.hybrid == nil {
		return []rag.Context{}, nil
	}
	return f.hybrid(ctx, c, q, o)
}

func (f *fakeStore) GetByKey(ctx context.Context, c rag.Collection, key string) (*Ticket, error) {
	if f.get == nil {
		return nil, ErrTicketNotFound
	}
	return f.get(ctx, c, key)
}

func (f *fakeStore) Count(ctx context.Context, c rag.Collection) (uint64, error) {
	if f.count == nil {
		return 0, nil
	}
	return f.count(ctx, c)
}

func (f *fakeStore) Health(ctx context.Context) error {
	if f.health == nil {
		return nil
	}
	return f.health(ctx)
}

func (f *fakeStore) Close() error {
	f.closes.Add(1)
	return nil
}

func TestSearchOptionsNormalized(t *testing.T) {
	tests := []struct {
		name string
		in   SearchOptions
		want SearchOptions
	}{
		{"zero value", SearchOptions{}, SearchOptions{TopK: 10}},
		{"negative topk", SearchOptions{TopK: -5}, SearchOptions{TopK: 10}},
		{"threshold below range", SearchOptions{TopK: 3, Threshold: -0.5}, SearchOptions{TopK: 3, Threshold: 0}},
		{"threshold above range", SearchOptions{TopK: 3, Threshold: 1.5}, SearchOptions{TopK: 3, Threshold: 1}},
		{"already normal", SearchOptions{TopK: 7, Threshold: 0.25}, SearchOptions{TopK: 7, Threshold: 0.25}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.normalized()
			if got.TopK != tt.want.TopK || got.Threshold != tt.want.Threshold {
				t.Errorf("normalized() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestValidateSearch(t *testing.T) {
	tests := []struct {
		name       string
		collection rag.Collection
		query      string
		opts       SearchOptions
		wantErr    bool
	}{
		{"valid", rag.CollectionBugs, "payment timeout", SearchOptions{}, false},
		{"valid with filters", rag.CollectionReleases, "rollback", SearchOptions{Filters: map[string]string{"project": "PAY", "priority": "high"}}, false},
		{"unknown collection", rag.Collection("incidents"), "query", SearchOptions{}, true},
		{"empty query", rag.CollectionBugs, "", SearchOptions{}, true},
		{"whitespace query", rag.CollectionBugs, "   \t", SearchOptions{}, true},
		{"unsupported filter", rag.CollectionBugs, "query", SearchOptions{Filters: map[string]string{"assignee": "me"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateSearch(tt.collection, tt.query, tt.opts)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, rag.IsInvalidInput(err), "want invalid input, got %v", err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestContextMetadata(t *testing.T) {
	meta := contextMetadata("PAY-101", "Payment timeout", map[string]interface{}{
		"project": "PAY",
		"title":   "stale title from metadata",
	})

	assert.Equal(t, "PAY-101", meta[rag.MetaKey])
	assert.Equal(t, "Payment timeout", meta[rag.MetaTitle], "column value wins over stored metadata")
	assert.Equal(t, "PAY", meta["project"])
}

func TestContextMetadataEmptyIdentity(t *testing.T) {
	meta := contextMetadata("", "", map[string]interface{}{"project": "PAY"})
	_, hasKey := meta[rag.MetaKey]
	_, hasTitle := meta[rag.MetaTitle]
	assert.False(t, hasKey)
	assert.False(t, hasTitle)
}

func TestHybridSearchFusesBothLegs(t *testing.T) {
	var vectorOpts, keywordOpts SearchOptions
	s := &fakeStore{
		vector: func(_ context.Context, _ rag.Collection, _ string, o SearchOptions) ([]rag.Context, error) {
			vectorOpts = o
			return []rag.Context{
				{Content: "vector and keyword hit", Score: 1.0},
				{Content: "vector only hit", Score: 0.8},
			}, nil
		},
		keyword: func(_ context.Context, _ rag.Collection, _ string, o SearchOptions) ([]rag.Context, error) {
			keywordOpts = o
			return []rag.Context{
				{Content: "vector and keyword hit", Score: 1.0},
			}, nil
		},
	}

	out, err := hybridSearch(context.Background(), s, logging.NewTestLogger().Logger,
		rag.CollectionBugs, "payment timeout", SearchOptions{TopK: 5}, 0.7, 0.3)
	require.NoError(t, err)
	require.Len(t, out, 2)

	// Both legs overfetch twice the requested k.
	assert.Equal(t, 10, vectorOpts.TopK)
	assert.Equal(t, 10, keywordOpts.TopK)

	// The shared hit collects both weights, the vector-only hit just 0.7.
	assert.Equal(t, "vector and keyword hit", out[0].Content)
	assert.InDelta(t, 1.0, out[0].Score, 1e-9)
	assert.Equal(t, "vector only hit", out[1].Content)
	assert.InDelta(t, 0.7*0.8, out[1].Score, 1e-9)
}

func TestHybridSearchSurvivesOneFailedLeg(t *testing.T) {
	keywordHits := []rag.Context{{Content: "keyword hit", Score: 0.4}}

	t.Run("vector leg fails", func(t *testing.T) {
		logger := logging.NewTestLogger()
		s := &fakeStore{
			vector: func(context.Context, rag.Collection, string, SearchOptions) ([]rag.Context, error) {
				return nil, fmt.Errorf("%w: connection refused", rag.ErrUpstreamTransient)
			},
			keyword: func(context.Context, rag.Collection, string, SearchOptions) ([]rag.Context, error) {
				return keywordHits, nil
			},
		}
		out, err := hybridSearch(context.Background(), s, logger.Logger,
			rag.CollectionBugs, "query", SearchOptions{TopK: 5}, 0.7, 0.3)
		require.NoError(t, err)
		require.Len(t, out, 1)
		// The surviving leg's scores pass through unreweighted.
		assert.InDelta(t, 0.4, out[0].Score, 1e-9)
		assert.NotEmpty(t, logger.FilterMessage("hybrid vector leg failed, returning keyword results only").All())
	})

	t.Run("keyword leg fails", func(t *testing.T) {
		logger := logging.NewTestLogger()
		s := &fakeStore{
			vector: func(context.Context, rag.Collection, string, SearchOptions) ([]rag.Context, error) {
				return []rag.Context{{Content: "vector hit", Score: 0.9}}, nil
			},
			keyword: func(context.Context, rag.Collection, string, SearchOptions) ([]rag.Context, error) {
				return nil, fmt.Errorf("%w: index rebuild", rag.ErrUpstreamPermanent)
			},
		}
		out, err := hybridSearch(context.Background(), s, logger.Logger,
			rag.CollectionBugs, "query", SearchOptions{TopK: 5}, 0.7, 0.3)
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.InDelta(t, 0.9, out[0].Score, 1e-9)
	})
}

func TestHybridSearchBothLegsFail(t *testing.T) {
	vErr := fmt.Errorf("%w: vector down", rag.ErrUpstreamTransient)
	kErr := fmt.Errorf("%w: keyword down", rag.ErrUpstreamPermanent)
	s := &fakeStore{
		vector: func(context.Context, rag.Collection, string, SearchOptions) ([]rag.Context, error) {
			return nil, vErr
		},
		keyword: func(context.Context, rag.Collection, string, SearchOptions) ([]rag.Context, error) {
			return nil, kErr
		},
	}

	_, err := hybridSearch(context.Background(), s, logging.NewTestLogger().Logger,
		rag.CollectionBugs, "query", SearchOptions{TopK: 5}, 0.7, 0.3)
	require.Error(t, err)
	assert.True(t, errors.Is(err, rag.ErrUpstreamTransient))
	assert.True(t, errors.Is(err, rag.ErrUpstreamPermanent))
}

func TestHybridSearchValidatesInput(t *testing.T) {
	s := &fakeStore{}
	_, err := hybridSearch(context.Background(), s, logging.NewTestLogger().Logger,
		rag.CollectionBugs, "  ", SearchOptions{}, 0.7, 0.3)
	require.Error(t, err)
	assert.True(t, rag.IsInvalidInput(err))
}

func TestHybridSearchCutsToTopK(t *testing.T) {
	many := make([]rag.Context, 8)
	for i := range many {
		many[i] = rag.Context{Content: fmt.Sprintf("hit %d", i), Score: float64(8-i) / 10}
	}
	s := &fakeStore{
		vector: func(context.Context, rag.Collection, string, SearchOptions) ([]rag.Context, error) {
			return many, nil
		},
	}

	out, err := hybridSearch(context.Background(), s, logging.NewTestLogger().Logger,
		rag.CollectionBugs, "query", SearchOptions{TopK: 3}, 0.7, 0.3)
	require.NoError(t, err)
	assert.Len(t, out, 3)
}
