// Package reranker reorders retrieved contexts by query relevance.
package reranker

import (
	"context"

	"github.com/fyrsmithlabs/triaged/internal/rag"
)

// Reranker reorders contexts by relevance to the query.
type Reranker interface {
	// Rerank scores contexts against the query and returns them sorted by
	// the new score in descending order, limited to topK. The returned
	// contexts carry the reranker score in place of the retrieval score.
	Rerank(ctx context.Context, query string, contexts []rag.Context, topK int) ([]rag.Context, error)

	// Close releases any resources held by the reranker.
	Close() error
}
