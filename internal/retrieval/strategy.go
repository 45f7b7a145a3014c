// Package retrieval implements the ticket retrieval strategies the
// supervisor routes between: BM25 keyword search, contextual compression
// (vector search plus reranking), and the multi-method ensemble. Web and log
// search satisfy the same Strategy interface from their own packages.
package retrieval

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fyrsmithlabs/triaged/internal/rag"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/triaged/internal/retrieval")

// urgentMaxK caps result counts during production incidents, trading recall
// for speed.
const urgentMaxK = 5

// Request is one retrieval invocation.
type Request struct {
	Query              string
	UserCanWait        bool
	ProductionIncident bool

	// K bounds the result count. Zero uses the strategy's configured
	// default.
	K int

	// Filters optionally restrict ticket searches by metadata equality.
	Filters map[string]string
}

// Result is a strategy's outcome. Warnings carry degradations that did not
// fail the run; Message is a one-line summary for the response transcript.
type Result struct {
	Contexts []rag.Context
	Metadata map[string]interface{}
	Warnings []string
	Message  string
}

// Strategy is one retrieval method. Run returns ErrStrategyFailed (wrapped)
// only when nothing could be retrieved at all; partial degradation surfaces
// as warnings on a successful result.
type Strategy interface {
	Name() rag.StrategyName
	Run(ctx context.Context, req Request) (*Result, error)
}

// BaseMetadata builds the retrieval_metadata keys every strategy reports.
// Web and log search build their metadata with it too.
func BaseMetadata(agent rag.StrategyName, methodType string, numResults int, start time.Time) map[string]interface{} {
	return map[string]interface{}{
		"agent":           string(agent),
		"num_results":     numResults,
		"processing_time": time.Since(start).Seconds(),
		"method_type":     methodType,
	}
}

// ResolveK applies the configured default and the urgent cap.
func ResolveK(requested, fallback int, urgent bool) int {
	k := requested
	if k <= 0 {
		k = fallback
	}
	if urgent && k > urgentMaxK {
		k = urgentMaxK
	}
	return k
}

// stampSource tags every context that does not carry a source yet.
func stampSource(list []rag.Context, strategy string, collection rag.Collection) []rag.Context {
	tag := rag.SourceTag(strategy, collection)
	for i := range list {
		if list[i].Source == "" {
			list[i].Source = tag
		}
	}
	return list
}

// retagSource overwrites the source of every context, used by the ensemble
// to mark which sub-method produced a hit.
func retagSource(list []rag.Context, tag string) []rag.Context {
	for i := range list {
		list[i].Source = tag
	}
	return list
}

// searchCollections runs fn against every ticket collection concurrently and
// tolerates partial failure: failed collections contribute a warning, and an
// error returns only when every collection failed.
func searchCollections(ctx context.Context, fn func(ctx context.Context, collection rag.Collection) ([]rag.Context, error)) ([][]rag.Context, []string, error) {
	collections := rag.Collections()
	lists := make([][]rag.Context, len(collections))
	errs := make([]error, len(collections))

	var wg sync.WaitGroup
	for i, collection := range collections {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lists[i], errs[i] = fn(ctx, collection)
		}()
	}
	wg.Wait()

	var warnings []string
	failed := 0
	for i, err := range errs {
		if err == nil {
			continue
		}
		failed++
		lists[i] = nil
		warnings = append(warnings, err.Error())
	}
	if failed == len(collections) {
		return nil, warnings, errors.Join(errs...)
	}
	return lists, warnings, nil
}
