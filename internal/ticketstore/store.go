package ticketstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/triaged/internal/logging"
	"github.com/fyrsmithlabs/triaged/internal/rag"
)

// ErrTicketNotFound is returned by GetByKey when no ticket carries the
// requested key. It is a definitive answer, not a backend failure.
var ErrTicketNotFound = errors.New("ticket not found")

// defaultTopK bounds searches whose caller did not set a limit.
const defaultTopK = 10

// allowedFilters names the metadata fields that accept equality filters.
var allowedFilters = map[string]bool{
	"project":  true,
	"type":     true,
	"status":   true,
	"priority": true,
}

// SearchOptions parameterizes a single search call.
type SearchOptions struct {
	// TopK is the maximum number of results. Zero means defaultTopK.
	TopK int

	// Threshold is the minimum similarity for vector hits, clamped to
	// [0,1]. Keyword searches ignore it.
	Threshold float64

	// Filters restricts results by metadata equality. Only the keys in
	// allowedFilters are accepted.
	Filters map[string]string
}

// normalized returns a copy with defaults applied and the threshold clamped.
func (o SearchOptions) normalized() SearchOptions {
	if o.TopK <= 0 {
		o.TopK = defaultTopK
	}
	if o.Threshold < 0 {
		o.Threshold = 0
	}
	if o.Threshold > 1 {
		o.Threshold = 1
	}
	return o
}

// Ticket is a single row of either collection.
type Ticket struct {
	Key      string                 `json:"key"`
	Title    string                 `json:"title"`
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata"`
}

// Embedder turns query text into the fixed-dimension vector both backends
// index. *embeddings.Client satisfies it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Store is the read interface over one ticket backend. Searches return
// contexts scored on [0,1] with an empty Source; retrieval strategies stamp
// their own source tags. Empty result sets are valid and never errors.
type Store interface {
	// VectorSearch embeds the query and returns the nearest tickets with
	// similarity at or above the threshold.
	VectorSearch(ctx context.Context, collection rag.Collection, query string, opts SearchOptions) ([]rag.Context, error)

	// KeywordSearch runs a full-text query and returns hits with ranks
	// rescaled by the batch maximum.
	KeywordSearch(ctx context.Context, collection rag.Collection, query string, opts SearchOptions) ([]rag.Context, error)

	// HybridSearch runs the vector and keyword searches concurrently and
	// fuses the results. One failed leg degrades to the survivor.
	HybridSearch(ctx context.Context, collection rag.Collection, query string, opts SearchOptions) ([]rag.Context, error)

	// GetByKey fetches one ticket by its key, or ErrTicketNotFound.
	GetByKey(ctx context.Context, collection rag.Collection, key string) (*Ticket, error)

	// Count reports the number of tickets in a collection.
	Count(ctx context.Context, collection rag.Collection) (uint64, error)

	// Health probes backend liveness.
	Health(ctx context.Context) error

	// Close releases pools and connections.
	Close() error
}

// validateSearch rejects unusable search input before it reaches a backend.
func validateSearch(collection rag.Collection, query string, opts SearchOptions) error {
	if !collection.Valid() {
		return fmt.Errorf("%w: unknown collection %q", rag.ErrInvalidInput, collection)
	}
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("%w: empty query", rag.ErrInvalidInput)
	}
	for k := range opts.Filters {
		if !allowedFilters[k] {
			return fmt.Errorf("%w: unsupported filter %q", rag.ErrInvalidInput, k)
		}
	}
	return nil
}

// filterKeys returns the filter keys in stable order so generated queries
// are deterministic.
func filterKeys(filters map[string]string) []string {
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// contextMetadata merges the ticket identity into its free-form metadata.
func contextMetadata(key, title string, metadata map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(metadata)+2)
	for k, v := range metadata {
		out[k] = v
	}
	if key != "" {
		out[rag.MetaKey] = key
	}
	if title != "" {
		out[rag.MetaTitle] = title
	}
	return out
}

// hybridSearch implements HybridSearch over any store's vector and keyword
// searches. Both legs fetch up to 2k candidates concurrently; the fused list
// is weighted, deduplicated by content hash, and cut to k. If exactly one leg
// fails the survivor is returned with a warning; both failing fails the call.
//
// The legs run as plain goroutines rather than an errgroup so a failing leg
// cannot cancel the survivor.
func hybridSearch(ctx context.Context, s Store, logger *logging.Logger, collection rag.Collection, query string, opts SearchOptions, vectorWeight, keywordWeight float64) ([]rag.Context, error) {
	opts = opts.normalized()
	if err := validateSearch(collection, query, opts); err != nil {
		return nil, err
	}

	fetch := opts
	fetch.TopK = 2 * opts.TopK

	var (
		wg         sync.WaitGroup
		vres, kres []rag.Context
		verr, kerr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		vres, verr = s.VectorSearch(ctx, collection, query, fetch)
	}()
	go func() {
		defer wg.Done()
		kres, kerr = s.KeywordSearch(ctx, collection, query, fetch)
	}()
	wg.Wait()

	switch {
	case verr != nil && kerr != nil:
		return nil, fmt.Errorf("hybrid search %s: %w", collection, errors.Join(verr, kerr))
	case verr != nil:
		logger.Warn(ctx, "hybrid vector leg failed, returning keyword results only",
			zap.String("collection", string(collection)), zap.Error(verr))
		return rag.TopK(kres, opts.TopK), nil
	case kerr != nil:
		logger.Warn(ctx, "hybrid keyword leg failed, returning vector results only",
			zap.String("collection", string(collection)), zap.Error(kerr))
		return rag.TopK(vres, opts.TopK), nil
	}

	fused := rag.Fuse([][]rag.Context{vres, kres}, []float64{vectorWeight, keywordWeight})
	return rag.TopK(fused, opts.TopK), nil
}
