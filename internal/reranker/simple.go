package reranker

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/triaged/internal/rag"
)

// ErrNilContext is returned when a nil context is passed to Rerank.
var ErrNilContext = errors.New("context cannot be nil")

// Weights for combining the retrieval score with lexical term overlap.
// Half original preserves semantic similarity, half overlap boosts
// contexts that literally mention the query terms.
const (
	originalWeight = 0.5
	overlapWeight  = 0.5
)

// SimpleReranker scores contexts by term overlap with the query combined
// with the incoming retrieval score. It needs no model and no network.
type SimpleReranker struct{}

// NewSimpleReranker creates a SimpleReranker.
func NewSimpleReranker() *SimpleReranker {
	return &SimpleReranker{}
}

// Rerank reorders contexts by combined lexical and retrieval score.
func (r *SimpleReranker) Rerank(ctx context.Context, query string, contexts []rag.Context, topK int) ([]rag.Context, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if topK <= 0 {
		topK = len(contexts)
	}
	if len(contexts) == 0 {
		return []rag.Context{}, nil
	}

	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		// Nothing lexical to score against; keep the retrieval ranking.
		return rag.TopK(contexts, topK), nil
	}

	out := make([]rag.Context, len(contexts))
	for i, c := range contexts {
		overlap := termOverlap(queryTokens, tokenize(c.Content))
		c.Score = originalWeight*c.Score + overlapWeight*overlap
		out[i] = c
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	if topK < len(out) {
		out = out[:topK]
	}
	return out, nil
}

// Close is a no-op; SimpleReranker holds no resources.
func (r *SimpleReranker) Close() error {
	return nil
}

// tokenize splits text into lowercase terms, dropping stopwords and
// tokens shorter than three characters.
func tokenize(text string) []string {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !isAlphanumeric(r)
	})

	filtered := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if !stopwords[token] && len(token) > 2 {
			filtered = append(filtered, token)
		}
	}
	return filtered
}

func isAlphanumeric(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '_'
}

var stopwords = map[string]bool{
	"the": true, "and": true, "but": true,
	"for": true, "with": true, "from": true, "was": true,
	"are": true, "been": true, "being": true, "have": true, "has": true,
	"had": true, "does": true, "did": true, "will": true, "would": true,
	"could": true, "should": true, "may": true, "might": true, "can": true,
	"this": true, "that": true, "these": true, "those": true, "you": true,
	"they": true, "what": true, "which": true, "who": true, "when": true,
	"where": true, "why": true, "how": true, "not": true,
}

// termOverlap returns the fraction of unique query terms present in the
// document tokens, in [0,1].
func termOverlap(queryTokens, docTokens []string) float64 {
	if len(queryTokens) == 0 {
		return 0
	}

	docSet := make(map[string]bool, len(docTokens))
	for _, token := range docTokens {
		docSet[token] = true
	}

	matched := make(map[string]bool, len(queryTokens))
	unique := make(map[string]bool, len(queryTokens))
	for _, token := range queryTokens {
		unique[token] = true
		if docSet[token] {
			matched[token] = true
		}
	}
	return float64(len(matched)) / float64(len(unique))
}
