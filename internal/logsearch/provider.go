// Package logsearch answers error-investigation queries from the production
// log store. A fast-tier model plans up to log_max_searches filter queries,
// the provider executes them concurrently, and matching entries are scored
// by pattern specificity and recency.
package logsearch

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/triaged/internal/logsearch")

// Entry is one raw log record returned by the store.
type Entry struct {
	Timestamp time.Time
	Severity  string
	Service   string
	Payload   string
}

// Query is one filter-language search: ERROR-severity entries whose payload
// matches Pattern inside [Start, End].
type Query struct {
	Pattern string
	Start   time.Time
	End     time.Time
	Limit   int
}

// Provider executes a single log query.
type Provider interface {
	// Name tags contexts as "logs_<name>".
	Name() string

	// Search returns matching entries, newest first.
	Search(ctx context.Context, q Query) ([]Entry, error)

	// Health reports whether the store can currently serve queries.
	Health(ctx context.Context) error
}
