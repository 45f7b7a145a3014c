// Package websearch answers outage and current-status queries with live web
// results. A fast-tier model plans up to web_max_searches refined searches,
// the provider executes them concurrently, and the hits are normalized into
// retrieval contexts.
package websearch

import (
	"context"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/triaged/internal/websearch")

// Hit is one raw provider result prior to normalization.
type Hit struct {
	Title     string
	URL       string
	Content   string
	Published string

	// Score is the provider's relevance estimate on [0,1], 0 when the
	// provider reports none.
	Score float64
}

// Provider executes a single planned search.
type Provider interface {
	// Name tags contexts as "web_<name>".
	Name() string

	// Search returns up to maxResults hits in provider ranking order.
	Search(ctx context.Context, query string, maxResults int) ([]Hit, error)

	// Health reports whether the provider can currently serve searches.
	Health(ctx context.Context) error
}
