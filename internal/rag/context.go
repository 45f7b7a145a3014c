// Package rag defines the shared retrieval data model: the retrieved-context
// record, the ticket collections, the strategy names, and the score fusion
// primitives used by every retrieval strategy.
package rag

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the retrieval engine. Clients and strategies
// wrap these with fmt.Errorf("%w: ...") so callers can classify failures
// with errors.Is.
var (
	// ErrInvalidInput is returned for unusable caller input (empty query,
	// oversize text, unknown collection). Surfaced as HTTP 400.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUpstreamTransient marks retryable upstream failures (network,
	// provider 5xx, timeouts). Clients retry these with jitter.
	ErrUpstreamTransient = errors.New("transient upstream failure")

	// ErrUpstreamPermanent marks non-retryable upstream failures
	// (auth, quota, schema mismatch). The affected strategy degrades.
	ErrUpstreamPermanent = errors.New("permanent upstream failure")

	// ErrStrategyFailed means every sub-retrieval of a strategy failed or
	// the strategy exceeded its budget. The orchestrator falls back once.
	ErrStrategyFailed = errors.New("strategy failed")

	// ErrWorkflowFailed means the fallback pass failed as well. The
	// orchestrator still composes an empty-context response.
	ErrWorkflowFailed = errors.New("workflow failed")
)

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUpstreamTransient)
}

// IsInvalidInput reports whether err was caused by unusable caller input.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// Collection identifies one of the two logically identical ticket tables.
type Collection string

const (
	// CollectionBugs holds bug tickets.
	CollectionBugs Collection = "bugs"

	// CollectionReleases holds release tickets.
	CollectionReleases Collection = "releases"
)

// Collections returns every known collection, in stable order.
func Collections() []Collection {
	return []Collection{CollectionBugs, CollectionReleases}
}

// Valid reports whether c names a known collection.
func (c Collection) Valid() bool {
	return c == CollectionBugs || c == CollectionReleases
}

// StrategyName identifies a retrieval strategy.
type StrategyName string

const (
	StrategyBM25        StrategyName = "BM25"
	StrategyCompression StrategyName = "Compression"
	StrategyEnsemble    StrategyName = "Ensemble"
	StrategyWebSearch   StrategyName = "WebSearch"
	StrategyLogSearch   StrategyName = "LogSearch"
)

// StrategyNames returns every strategy name, in stable order.
func StrategyNames() []StrategyName {
	return []StrategyName{
		StrategyBM25,
		StrategyCompression,
		StrategyEnsemble,
		StrategyWebSearch,
		StrategyLogSearch,
	}
}

// Valid reports whether n names a known strategy.
func (n StrategyName) Valid() bool {
	switch n {
	case StrategyBM25, StrategyCompression, StrategyEnsemble, StrategyWebSearch, StrategyLogSearch:
		return true
	}
	return false
}

// Recognized metadata keys. Unknown keys are preserved but not relied upon.
const (
	MetaTitle     = "title"
	MetaURL       = "url"
	MetaTimestamp = "timestamp"
	MetaKey       = "key"
	MetaProject   = "project"
	MetaSeverity  = "severity"
	MetaService   = "service"
	MetaCreated   = "created"
)

// Context is a single unit of retrieved evidence.
//
// Score is finite and comparable only within one strategy invocation before
// fusion; after fusion, scores lie on [0,1].
type Context struct {
	// Content is the retrievable text of the hit.
	Content string `json:"content"`

	// Metadata carries free-form key/value detail about the hit.
	Metadata map[string]interface{} `json:"metadata"`

	// Source tags the producing strategy and collection or provider,
	// e.g. "bm25_bugs", "ensemble_releases", "web_tavily", "logs_gcp".
	Source string `json:"source"`

	// Score is the relevance of the hit in [0,1] after normalization.
	Score float64 `json:"score"`
}

// TicketRef is a (key, title) reference extracted from retrieved contexts.
type TicketRef struct {
	Key   string `json:"key"`
	Title string `json:"title"`
}

// QueryPlan is the supervisor's routing decision for one request.
// It is ephemeral and recreated per request.
type QueryPlan struct {
	// Strategy is the chosen retrieval strategy.
	Strategy StrategyName

	// Rationale names the rule or classifier that produced the decision.
	// Kept short so it can be echoed verbatim in responses.
	Rationale string

	// Urgent is derived from the production_incident hint and narrows
	// downstream choices toward low-latency paths.
	Urgent bool
}

// SourceTag builds the canonical source tag for a strategy/collection pair.
func SourceTag(strategy string, collection Collection) string {
	return fmt.Sprintf("%s_%s", strategy, collection)
}
