package ticketstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/triaged/internal/config"
	"github.com/fyrsmithlabs/triaged/internal/rag"
)

func TestNewUnknownBackend(t *testing.T) {
	_, _, err := New(context.Background(), Options{
		Config:    config.TicketStoreConfig{Backend: "replicated"},
		Retrieval: retrievalTestConfig(),
		Embedder:  &fakeEmbedder{},
		Logger:    newStoreTestLogger(),
	})
	require.Error(t, err)
	assert.True(t, rag.IsInvalidInput(err))
}

func TestNewPrimaryBackend(t *testing.T) {
	store, backends, err := New(context.Background(), Options{
		Config: config.TicketStoreConfig{
			Backend:  config.BackendPrimary,
			Postgres: pgTestConfig("postgres://localhost:5432/triaged"),
		},
		Retrieval: retrievalTestConfig(),
		Embedder:  &fakeEmbedder{},
		Logger:    newStoreTestLogger(),
	})
	require.NoError(t, err, "the pool connects lazily")
	defer func() { _ = store.Close() }()

	require.Len(t, backends, 1)
	assert.Equal(t, "primary", backends[0].Name)
}

func TestNewAutoBackendFailsWhenFallbackUnreachable(t *testing.T) {
	_, _, err := New(context.Background(), Options{
		Config: config.TicketStoreConfig{
			Backend:  config.BackendAuto,
			Postgres: pgTestConfig("postgres://localhost:5432/triaged"),
			Qdrant:   config.QdrantBackendConfig{Host: "127.0.0.1", Port: 1},
		},
		Retrieval: retrievalTestConfig(),
		Embedder:  &fakeEmbedder{},
		Logger:    newStoreTestLogger(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fallback backend")
}
