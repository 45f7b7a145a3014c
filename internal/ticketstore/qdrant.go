package ticketstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/triaged/internal/config"
	"github.com/fyrsmithlabs/triaged/internal/logging"
	"github.com/fyrsmithlabs/triaged/internal/rag"
)

const (
	qdrantMaxRetries    = 3
	qdrantRetryBackoff  = 100 * time.Millisecond
	qdrantHealthTimeout = 3 * time.Second

	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second

	payloadContent = "content"
	payloadKey     = "key"
	payloadTitle   = "title"
)

// QdrantStore is the fallback ticket backend over Qdrant's gRPC API. Keyword
// search has no server-side rank there, so full-text filtered hits are scored
// client-side by lexical overlap with the query.
type QdrantStore struct {
	client   *qdrant.Client
	embedder Embedder
	logger   *logging.Logger
	tracer   trace.Tracer

	vectorWeight  float64
	keywordWeight float64

	// breaker short-circuits calls after repeated consecutive failures,
	// reopening after a cooldown.
	breaker struct {
		mu       sync.Mutex
		failures int
		lastFail time.Time
	}
}

var _ Store = (*QdrantStore)(nil)

// NewQdrantStore connects to Qdrant and verifies the connection with a
// health check before returning.
func NewQdrantStore(ctx context.Context, cfg config.QdrantBackendConfig, retrieval config.RetrievalConfig, embedder Embedder, logger *logging.Logger) (*QdrantStore, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: qdrant host is required", rag.ErrInvalidInput)
	}
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", rag.ErrInvalidInput)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	if !cfg.UseTLS {
		logger.Warn(ctx, "qdrant transport is plaintext gRPC", zap.String("host", cfg.Host))
	}

	s := &QdrantStore{
		client:        client,
		embedder:      embedder,
		logger:        logger,
		tracer:        otel.Tracer("github.com/fyrsmithlabs/triaged/internal/ticketstore"),
		vectorWeight:  retrieval.VectorWeight,
		keywordWeight: retrieval.KeywordWeight,
	}

	if err := s.Health(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

// VectorSearch embeds the query and runs a nearest-neighbor query with the
// score threshold applied server-side.
func (s *QdrantStore) VectorSearch(ctx context.Context, collection rag.Collection, query string, opts SearchOptions) (_ []rag.Context, err error) {
	opts = opts.normalized()
	if err := validateSearch(collection, query, opts); err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() { observeSearch(backendQdrant, modeVector, start, err) }()
	ctx, span := s.tracer.Start(ctx, "qdrant.vector_search",
		trace.WithAttributes(attribute.String("collection", string(collection))))
	defer span.End()

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	var points []*qdrant.ScoredPoint
	err = s.execute(ctx, fmt.Sprintf("vector search %s", collection), func(ctx context.Context) error {
		res, qerr := s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: string(collection),
			Query:          qdrant.NewQuery(vec...),
			Limit:          qdrant.PtrOf(uint64(opts.TopK)),
			ScoreThreshold: qdrant.PtrOf(float32(opts.Threshold)),
			Filter:         qdrantFilter(opts.Filters),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if qerr != nil {
			return qerr
		}
		points = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	hits := make([]rag.VectorHit, 0, len(points))
	for _, p := range points {
		content, metadata := payloadFields(p.Payload)
		hits = append(hits, rag.VectorHit{
			Content:  content,
			Metadata: metadata,
			Distance: 1 - float64(p.Score),
		})
	}
	return rag.NormalizeVector(hits, ""), nil
}

// KeywordSearch filters points by full-text match on title or content, then
// ranks the batch client-side by lexical overlap with the query.
func (s *QdrantStore) KeywordSearch(ctx context.Context, collection rag.Collection, query string, opts SearchOptions) (_ []rag.Context, err error) {
	opts = opts.normalized()
	if err := validateSearch(collection, query, opts); err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() { observeSearch(backendQdrant, modeKeyword, start, err) }()
	ctx, span := s.tracer.Start(ctx, "qdrant.keyword_search",
		trace.WithAttributes(attribute.String("collection", string(collection))))
	defer span.End()

	// Overfetch so the client-side ranking has candidates to choose from.
	fetch := 2 * opts.TopK

	var points []*qdrant.RetrievedPoint
	err = s.execute(ctx, fmt.Sprintf("keyword search %s", collection), func(ctx context.Context) error {
		res, qerr := s.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: string(collection),
			Filter: &qdrant.Filter{
				Must: qdrantConditions(opts.Filters),
				Should: []*qdrant.Condition{
					qdrant.NewMatchText(payloadTitle, query),
					qdrant.NewMatchText(payloadContent, query),
				},
			},
			Limit:       qdrant.PtrOf(uint32(fetch)),
			WithPayload: qdrant.NewWithPayload(true),
		})
		if qerr != nil {
			return qerr
		}
		points = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]rag.Context, 0, len(points))
	for _, p := range points {
		content, metadata := payloadFields(p.Payload)
		title, _ := metadata[rag.MetaTitle].(string)
		out = append(out, rag.Context{
			Content:  content,
			Metadata: metadata,
			Score:    lexicalOverlap(query, title+" "+content),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > opts.TopK {
		out = out[:opts.TopK]
	}
	return out, nil
}

// HybridSearch fuses the vector and keyword searches with the configured
// weights.
func (s *QdrantStore) HybridSearch(ctx context.Context, collection rag.Collection, query string, opts SearchOptions) (_ []rag.Context, err error) {
	start := time.Now()
	defer func() { observeSearch(backendQdrant, modeHybrid, start, err) }()
	ctx, span := s.tracer.Start(ctx, "qdrant.hybrid_search",
		trace.WithAttributes(attribute.String("collection", string(collection))))
	defer span.End()

	return hybridSearch(ctx, s, s.logger, collection, query, opts, s.vectorWeight, s.keywordWeight)
}

// GetByKey scrolls for the point whose key payload matches exactly.
func (s *QdrantStore) GetByKey(ctx context.Context, collection rag.Collection, key string) (*Ticket, error) {
	if !collection.Valid() {
		return nil, fmt.Errorf("%w: unknown collection %q", rag.ErrInvalidInput, collection)
	}
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("%w: empty ticket key", rag.ErrInvalidInput)
	}

	var points []*qdrant.RetrievedPoint
	err := s.execute(ctx, fmt.Sprintf("get ticket %s", key), func(ctx context.Context) error {
		res, qerr := s.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: string(collection),
			Filter: &qdrant.Filter{
				Must: []*qdrant.Condition{qdrant.NewMatch(payloadKey, key)},
			},
			Limit:       qdrant.PtrOf(uint32(1)),
			WithPayload: qdrant.NewWithPayload(true),
		})
		if qerr != nil {
			return qerr
		}
		points = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: %s in %s", ErrTicketNotFound, key, collection)
	}

	content, metadata := payloadFields(points[0].Payload)
	title, _ := metadata[rag.MetaTitle].(string)
	delete(metadata, rag.MetaKey)
	delete(metadata, rag.MetaTitle)
	return &Ticket{Key: key, Title: title, Content: content, Metadata: metadata}, nil
}

// Count reports the exact number of points in a collection.
func (s *QdrantStore) Count(ctx context.Context, collection rag.Collection) (uint64, error) {
	if !collection.Valid() {
		return 0, fmt.Errorf("%w: unknown collection %q", rag.ErrInvalidInput, collection)
	}
	var n uint64
	err := s.execute(ctx, fmt.Sprintf("count %s", collection), func(ctx context.Context) error {
		res, cerr := s.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: string(collection),
			Exact:          qdrant.PtrOf(true),
		})
		if cerr != nil {
			return cerr
		}
		n = res
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Health checks the Qdrant service with a short deadline.
func (s *QdrantStore) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, qdrantHealthTimeout)
	defer cancel()
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant health check: %w", err)
	}
	return nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// execute retries op with exponential backoff while the error is transient,
// tracking consecutive failures in the circuit breaker.
func (s *QdrantStore) execute(ctx context.Context, name string, op func(ctx context.Context) error) error {
	backoff := qdrantRetryBackoff
	for attempt := 0; ; attempt++ {
		if s.circuitOpen() {
			return fmt.Errorf("%s: %w: circuit open", name, rag.ErrUpstreamTransient)
		}

		err := op(ctx)
		if err == nil {
			s.resetBreaker()
			return nil
		}
		if !isTransientGRPC(err) {
			return fmt.Errorf("%s: %w: %v", name, rag.ErrUpstreamPermanent, err)
		}
		s.recordFailure()
		if attempt == qdrantMaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w: %v", name, qdrantMaxRetries, rag.ErrUpstreamTransient, err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", name, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

func (s *QdrantStore) recordFailure() {
	s.breaker.mu.Lock()
	defer s.breaker.mu.Unlock()
	s.breaker.failures++
	s.breaker.lastFail = time.Now()
}

func (s *QdrantStore) resetBreaker() {
	s.breaker.mu.Lock()
	defer s.breaker.mu.Unlock()
	s.breaker.failures = 0
}

func (s *QdrantStore) circuitOpen() bool {
	s.breaker.mu.Lock()
	defer s.breaker.mu.Unlock()
	if s.breaker.failures < breakerThreshold {
		return false
	}
	if time.Since(s.breaker.lastFail) > breakerCooldown {
		s.breaker.failures = 0
		return false
	}
	return true
}

// isTransientGRPC reports whether a gRPC error is worth retrying.
func isTransientGRPC(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// qdrantFilter builds the equality filter shared by vector and get queries.
func qdrantFilter(filters map[string]string) *qdrant.Filter {
	conds := qdrantConditions(filters)
	if len(conds) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: conds}
}

func qdrantConditions(filters map[string]string) []*qdrant.Condition {
	if len(filters) == 0 {
		return nil
	}
	conds := make([]*qdrant.Condition, 0, len(filters))
	for _, k := range filterKeys(filters) {
		conds = append(conds, qdrant.NewMatch(k, filters[k]))
	}
	return conds
}

// payloadFields splits a point payload into the content text and the
// remaining fields decoded as metadata.
func payloadFields(payload map[string]*qdrant.Value) (string, map[string]interface{}) {
	var content string
	metadata := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		switch kind := v.GetKind().(type) {
		case *qdrant.Value_StringValue:
			if k == payloadContent {
				content = kind.StringValue
				continue
			}
			metadata[k] = kind.StringValue
		case *qdrant.Value_IntegerValue:
			metadata[k] = kind.IntegerValue
		case *qdrant.Value_DoubleValue:
			metadata[k] = kind.DoubleValue
		case *qdrant.Value_BoolValue:
			metadata[k] = kind.BoolValue
		}
	}
	return content, metadata
}

// lexicalOverlap scores text by the fraction of unique query terms it
// contains.
func lexicalOverlap(query, text string) float64 {
	queryTerms := overlapTerms(query)
	if len(queryTerms) == 0 {
		return 0
	}
	textTerms := overlapTerms(text)
	matched := 0
	for t := range queryTerms {
		if textTerms[t] {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTerms))
}

func overlapTerms(s string) map[string]bool {
	terms := make(map[string]bool)
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		terms[f] = true
	}
	return terms
}
