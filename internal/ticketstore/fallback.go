package ticketstore

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/triaged/internal/logging"
	"github.com/fyrsmithlabs/triaged/internal/rag"
)

// FallbackStore composes the primary and fallback backends behind a health
// gate. While the primary is healthy every read goes to it, falling through
// to the fallback on backend failure; while unhealthy, reads skip straight to
// the fallback and a periodic probe watches for recovery.
//
// Definitive answers (not found, invalid input) and caller cancellation never
// fall through.
type FallbackStore struct {
	primary  Store
	fallback Store
	monitor  *HealthMonitor
	logger   *logging.Logger
}

var _ Store = (*FallbackStore)(nil)

// NewFallbackStore wires the health monitor to the primary backend and
// starts probing. Close stops the monitor and closes both backends.
func NewFallbackStore(ctx context.Context, primary, fallback Store, probeInterval time.Duration, logger *logging.Logger) *FallbackStore {
	f := &FallbackStore{
		primary:  primary,
		fallback: fallback,
		monitor:  NewHealthMonitor(primary, probeInterval, logger),
		logger:   logger,
	}
	f.monitor.OnChange(func(healthy bool) {
		target := labelFallback
		if healthy {
			target = labelPrimary
		}
		backendSwitchesTotal.WithLabelValues(target).Inc()
		setBackendHealthy(labelPrimary, healthy)
	})
	f.monitor.Start(ctx)
	setBackendHealthy(labelPrimary, f.monitor.Healthy())
	return f
}

// PrimaryHealthy reports the monitor's view of the primary backend.
func (f *FallbackStore) PrimaryHealthy() bool {
	return f.monitor.Healthy()
}

func (f *FallbackStore) VectorSearch(ctx context.Context, collection rag.Collection, query string, opts SearchOptions) ([]rag.Context, error) {
	return f.search(ctx, "vector_search", func(ctx context.Context, s Store) ([]rag.Context, error) {
		return s.VectorSearch(ctx, collection, query, opts)
	})
}

func (f *FallbackStore) KeywordSearch(ctx context.Context, collection rag.Collection, query string, opts SearchOptions) ([]rag.Context, error) {
	return f.search(ctx, "keyword_search", func(ctx context.Context, s Store) ([]rag.Context, error) {
		return s.KeywordSearch(ctx, collection, query, opts)
	})
}

func (f *FallbackStore) HybridSearch(ctx context.Context, collection rag.Collection, query string, opts SearchOptions) ([]rag.Context, error) {
	return f.search(ctx, "hybrid_search", func(ctx context.Context, s Store) ([]rag.Context, error) {
		return s.HybridSearch(ctx, collection, query, opts)
	})
}

func (f *FallbackStore) GetByKey(ctx context.Context, collection rag.Collection, key string) (*Ticket, error) {
	if !f.monitor.Healthy() {
		fallbackReadsTotal.Inc()
		return f.fallback.GetByKey(ctx, collection, key)
	}
	t, err := f.primary.GetByKey(ctx, collection, key)
	if err == nil || definitive(err) {
		return t, err
	}
	f.logger.Warn(ctx, "primary ticket backend failed, using fallback",
		zap.String("operation", "get_by_key"), zap.Error(err))
	fallbackReadsTotal.Inc()
	return f.fallback.GetByKey(ctx, collection, key)
}

func (f *FallbackStore) Count(ctx context.Context, collection rag.Collection) (uint64, error) {
	if !f.monitor.Healthy() {
		fallbackReadsTotal.Inc()
		return f.fallback.Count(ctx, collection)
	}
	n, err := f.primary.Count(ctx, collection)
	if err == nil || definitive(err) {
		return n, err
	}
	f.logger.Warn(ctx, "primary ticket backend failed, using fallback",
		zap.String("operation", "count"), zap.Error(err))
	fallbackReadsTotal.Inc()
	return f.fallback.Count(ctx, collection)
}

// Health reports healthy while either backend is reachable.
func (f *FallbackStore) Health(ctx context.Context) error {
	perr := f.primary.Health(ctx)
	if perr == nil {
		return nil
	}
	ferr := f.fallback.Health(ctx)
	if ferr == nil {
		return nil
	}
	return errors.Join(perr, ferr)
}

// Close stops the health monitor and closes both backends.
func (f *FallbackStore) Close() error {
	f.monitor.Stop()
	return errors.Join(f.primary.Close(), f.fallback.Close())
}

func (f *FallbackStore) search(ctx context.Context, op string, fn func(ctx context.Context, s Store) ([]rag.Context, error)) ([]rag.Context, error) {
	if !f.monitor.Healthy() {
		fallbackReadsTotal.Inc()
		return fn(ctx, f.fallback)
	}
	out, err := fn(ctx, f.primary)
	if err == nil || definitive(err) {
		return out, err
	}
	f.logger.Warn(ctx, "primary ticket backend failed, using fallback",
		zap.String("operation", op), zap.Error(err))
	fallbackReadsTotal.Inc()
	return fn(ctx, f.fallback)
}

// definitive reports whether err is an answer rather than a backend failure.
func definitive(err error) bool {
	return rag.IsInvalidInput(err) ||
		errors.Is(err, ErrTicketNotFound) ||
		errors.Is(err, context.Canceled)
}
