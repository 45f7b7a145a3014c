package ticketstore

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/triaged/internal/config"
	"github.com/fyrsmithlabs/triaged/internal/logging"
	"github.com/fyrsmithlabs/triaged/internal/rag"
)

// Backend pairs a named underlying store with its health probe so the
// readiness endpoint can report per-backend status.
type Backend struct {
	Name  string
	Store Store
}

// Options carries the dependencies for building the configured store.
type Options struct {
	Config    config.TicketStoreConfig
	Retrieval config.RetrievalConfig
	Embedder  Embedder
	Logger    *logging.Logger
}

// New builds the Store selected by the backend setting: the Postgres store,
// the Qdrant store, or both behind the health-gated switch. The returned
// backends name every underlying store for readiness reporting; the composed
// store owns their lifecycles.
func New(ctx context.Context, opts Options) (Store, []Backend, error) {
	switch opts.Config.Backend {
	case config.BackendPrimary:
		pg, err := NewPostgresStore(ctx, opts.Config.Postgres, opts.Retrieval, opts.Embedder, opts.Logger)
		if err != nil {
			return nil, nil, fmt.Errorf("primary backend: %w", err)
		}
		return pg, []Backend{{Name: labelPrimary, Store: pg}}, nil

	case config.BackendFallback:
		qd, err := NewQdrantStore(ctx, opts.Config.Qdrant, opts.Retrieval, opts.Embedder, opts.Logger)
		if err != nil {
			return nil, nil, fmt.Errorf("fallback backend: %w", err)
		}
		return qd, []Backend{{Name: labelFallback, Store: qd}}, nil

	case config.BackendAuto:
		pg, err := NewPostgresStore(ctx, opts.Config.Postgres, opts.Retrieval, opts.Embedder, opts.Logger)
		if err != nil {
			return nil, nil, fmt.Errorf("primary backend: %w", err)
		}
		qd, err := NewQdrantStore(ctx, opts.Config.Qdrant, opts.Retrieval, opts.Embedder, opts.Logger)
		if err != nil {
			_ = pg.Close()
			return nil, nil, fmt.Errorf("fallback backend: %w", err)
		}
		fs := NewFallbackStore(ctx, pg, qd, opts.Config.HealthInterval, opts.Logger)
		return fs, []Backend{
			{Name: labelPrimary, Store: pg},
			{Name: labelFallback, Store: qd},
		}, nil

	default:
		return nil, nil, fmt.Errorf("%w: unknown ticket store backend %q", rag.ErrInvalidInput, opts.Config.Backend)
	}
}
