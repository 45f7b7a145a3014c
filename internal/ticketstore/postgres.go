package ticketstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/triaged/internal/config"
	"github.com/fyrsmithlabs/triaged/internal/logging"
	"github.com/fyrsmithlabs/triaged/internal/rag"
)

const (
	// candidateCap bounds the client-side scan used when the
	// nearest-neighbor procedure is missing; the scan fetches 3k rows up
	// to this cap.
	candidateCap = 100

	// substringScore is the uniform score of the degraded substring scan,
	// which has no ranking signal of its own.
	substringScore = 0.5

	pgHealthTimeout = 3 * time.Second

	// SQLSTATE codes that mean a schema object the fast path needs is
	// absent, switching the query to its degraded form.
	pgUndefinedColumn   = "42703"
	pgUndefinedObject   = "42704"
	pgUndefinedFunction = "42883"
	pgUndefinedTable    = "42P01"
)

// PostgresStore is the primary ticket backend: pgvector for nearest-neighbor
// search and tsvector for full-text ranking, one table per collection.
type PostgresStore struct {
	pool     *pgxpool.Pool
	embedder Embedder
	logger   *logging.Logger
	tracer   trace.Tracer

	vectorWeight  float64
	keywordWeight float64
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore opens a connection pool against cfg.URL and registers the
// pgvector codecs on every connection. The pool connects lazily; use Health
// to verify reachability.
func NewPostgresStore(ctx context.Context, cfg config.PostgresConfig, retrieval config.RetrievalConfig, embedder Embedder, logger *logging.Logger) (*PostgresStore, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: postgres url is required", rag.ErrInvalidInput)
	}
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", rag.ErrInvalidInput)
	}

	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pcfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	return &PostgresStore{
		pool:          pool,
		embedder:      embedder,
		logger:        logger,
		tracer:        otel.Tracer("github.com/fyrsmithlabs/triaged/internal/ticketstore"),
		vectorWeight:  retrieval.VectorWeight,
		keywordWeight: retrieval.KeywordWeight,
	}, nil
}

// VectorSearch embeds the query and asks the collection's nearest-neighbor
// procedure for the top matches at or above the threshold. When the
// procedure does not exist it degrades to scanning 3k candidate rows and
// scoring cosine similarity client-side.
func (s *PostgresStore) VectorSearch(ctx context.Context, collection rag.Collection, query string, opts SearchOptions) (_ []rag.Context, err error) {
	opts = opts.normalized()
	if err := validateSearch(collection, query, opts); err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() { observeSearch(backendPostgres, modeVector, start, err) }()
	ctx, span := s.tracer.Start(ctx, "postgres.vector_search",
		trace.WithAttributes(attribute.String("collection", string(collection))))
	defer span.End()

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	out, err := s.matchProcedure(ctx, collection, vec, opts)
	if isUndefinedObject(err) {
		s.logger.Warn(ctx, "nearest-neighbor procedure missing, scoring candidates client-side",
			zap.String("collection", string(collection)), zap.Error(err))
		out, err = s.scanCandidates(ctx, collection, vec, opts)
	}
	if err != nil {
		return nil, classifyPostgresError(fmt.Sprintf("vector search %s", collection), err)
	}
	return out, nil
}

// matchProcedure calls match_bugs/match_releases. The procedure reports
// similarity directly, so rows are fed through the shared normalizer as
// 1-sim distances.
func (s *PostgresStore) matchProcedure(ctx context.Context, collection rag.Collection, vec []float32, opts SearchOptions) ([]rag.Context, error) {
	filter := []byte("{}")
	if len(opts.Filters) > 0 {
		var err error
		if filter, err = json.Marshal(opts.Filters); err != nil {
			return nil, fmt.Errorf("encode filters: %w", err)
		}
	}

	sql := fmt.Sprintf(
		`SELECT key, title, content, COALESCE(metadata, '{}'::jsonb), similarity FROM match_%s($1, $2, $3, $4)`,
		collection,
	)
	rows, err := s.pool.Query(ctx, sql, pgvector.NewVector(vec), opts.Threshold, opts.TopK, filter)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	hits := make([]rag.VectorHit, 0, opts.TopK)
	for rows.Next() {
		var (
			key, title, content string
			metadata            map[string]interface{}
			similarity          float64
		)
		if err := rows.Scan(&key, &title, &content, &metadata, &similarity); err != nil {
			return nil, fmt.Errorf("scan match row: %w", err)
		}
		hits = append(hits, rag.VectorHit{
			Content:  content,
			Metadata: contextMetadata(key, title, metadata),
			Distance: 1 - similarity,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rag.NormalizeVector(hits, ""), nil
}

// scanCandidates is the degraded vector path: fetch up to 3k candidate rows
// with the filters applied and rank them by client-side cosine similarity.
func (s *PostgresStore) scanCandidates(ctx context.Context, collection rag.Collection, vec []float32, opts SearchOptions) ([]rag.Context, error) {
	where := []string{"embedding IS NOT NULL"}
	args := []interface{}{}
	for _, k := range filterKeys(opts.Filters) {
		args = append(args, opts.Filters[k])
		where = append(where, fmt.Sprintf("metadata->>'%s' = $%d", k, len(args)))
	}
	limit := 3 * opts.TopK
	if limit <= 0 || limit > candidateCap {
		limit = candidateCap
	}
	sql := fmt.Sprintf(
		`SELECT key, title, content, COALESCE(metadata, '{}'::jsonb), embedding FROM %s WHERE %s LIMIT %d`,
		collection, strings.Join(where, " AND "), limit,
	)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []rag.VectorHit
	for rows.Next() {
		var (
			key, title, content string
			metadata            map[string]interface{}
			embedding           pgvector.Vector
		)
		if err := rows.Scan(&key, &title, &content, &metadata, &embedding); err != nil {
			return nil, fmt.Errorf("scan candidate row: %w", err)
		}
		sim := cosineSimilarity(vec, embedding.Slice())
		if sim < opts.Threshold {
			continue
		}
		hits = append(hits, rag.VectorHit{
			Content:  content,
			Metadata: contextMetadata(key, title, metadata),
			Distance: 1 - sim,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if len(hits) > opts.TopK {
		hits = hits[:opts.TopK]
	}
	return rag.NormalizeVector(hits, ""), nil
}

// KeywordSearch rewrites the query into boolean-AND tsquery form and ranks
// matches with ts_rank, rescaled by the batch maximum. When the lexical
// index is absent it degrades to a case-insensitive substring scan over
// title and content with a uniform score.
func (s *PostgresStore) KeywordSearch(ctx context.Context, collection rag.Collection, query string, opts SearchOptions) (_ []rag.Context, err error) {
	opts = opts.normalized()
	if err := validateSearch(collection, query, opts); err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() { observeSearch(backendPostgres, modeKeyword, start, err) }()
	ctx, span := s.tracer.Start(ctx, "postgres.keyword_search",
		trace.WithAttributes(attribute.String("collection", string(collection))))
	defer span.End()

	tsq := tsqueryAnd(query)
	if tsq == "" {
		return []rag.Context{}, nil
	}

	out, err := s.textSearch(ctx, collection, tsq, opts)
	if isUndefinedObject(err) {
		s.logger.Warn(ctx, "lexical index missing, using substring scan",
			zap.String("collection", string(collection)), zap.Error(err))
		out, err = s.substringScan(ctx, collection, query, opts)
	}
	if err != nil {
		return nil, classifyPostgresError(fmt.Sprintf("keyword search %s", collection), err)
	}
	return out, nil
}

func (s *PostgresStore) textSearch(ctx context.Context, collection rag.Collection, tsq string, opts SearchOptions) ([]rag.Context, error) {
	where := []string{"search_vector @@ query"}
	args := []interface{}{tsq}
	for _, k := range filterKeys(opts.Filters) {
		args = append(args, opts.Filters[k])
		where = append(where, fmt.Sprintf("metadata->>'%s' = $%d", k, len(args)))
	}
	args = append(args, opts.TopK)
	sql := fmt.Sprintf(
		`SELECT key, title, content, COALESCE(metadata, '{}'::jsonb), ts_rank(search_vector, query) AS rank
FROM %s, to_tsquery('english', $1) AS query
WHERE %s
ORDER BY rank DESC
LIMIT $%d`,
		collection, strings.Join(where, " AND "), len(args),
	)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	hits := make([]rag.KeywordHit, 0, opts.TopK)
	for rows.Next() {
		var (
			key, title, content string
			metadata            map[string]interface{}
			rank                float64
		)
		if err := rows.Scan(&key, &title, &content, &metadata, &rank); err != nil {
			return nil, fmt.Errorf("scan rank row: %w", err)
		}
		hits = append(hits, rag.KeywordHit{
			Content:  content,
			Metadata: contextMetadata(key, title, metadata),
			Rank:     rank,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rag.NormalizeKeyword(hits, ""), nil
}

func (s *PostgresStore) substringScan(ctx context.Context, collection rag.Collection, query string, opts SearchOptions) ([]rag.Context, error) {
	where := []string{"(title ILIKE $1 OR content ILIKE $1)"}
	args := []interface{}{"%" + strings.TrimSpace(query) + "%"}
	for _, k := range filterKeys(opts.Filters) {
		args = append(args, opts.Filters[k])
		where = append(where, fmt.Sprintf("metadata->>'%s' = $%d", k, len(args)))
	}
	args = append(args, opts.TopK)
	sql := fmt.Sprintf(
		`SELECT key, title, content, COALESCE(metadata, '{}'::jsonb) FROM %s WHERE %s LIMIT $%d`,
		collection, strings.Join(where, " AND "), len(args),
	)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]rag.Context, 0, opts.TopK)
	for rows.Next() {
		var (
			key, title, content string
			metadata            map[string]interface{}
		)
		if err := rows.Scan(&key, &title, &content, &metadata); err != nil {
			return nil, fmt.Errorf("scan substring row: %w", err)
		}
		out = append(out, rag.Context{
			Content:  content,
			Metadata: contextMetadata(key, title, metadata),
			Score:    substringScore,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// HybridSearch fuses the vector and keyword searches with the configured
// weights.
func (s *PostgresStore) HybridSearch(ctx context.Context, collection rag.Collection, query string, opts SearchOptions) (_ []rag.Context, err error) {
	start := time.Now()
	defer func() { observeSearch(backendPostgres, modeHybrid, start, err) }()
	ctx, span := s.tracer.Start(ctx, "postgres.hybrid_search",
		trace.WithAttributes(attribute.String("collection", string(collection))))
	defer span.End()

	return hybridSearch(ctx, s, s.logger, collection, query, opts, s.vectorWeight, s.keywordWeight)
}

// GetByKey fetches one ticket by key.
func (s *PostgresStore) GetByKey(ctx context.Context, collection rag.Collection, key string) (*Ticket, error) {
	if !collection.Valid() {
		return nil, fmt.Errorf("%w: unknown collection %q", rag.ErrInvalidInput, collection)
	}
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("%w: empty ticket key", rag.ErrInvalidInput)
	}

	sql := fmt.Sprintf(
		`SELECT key, title, content, COALESCE(metadata, '{}'::jsonb) FROM %s WHERE key = $1`,
		collection,
	)
	var t Ticket
	err := s.pool.QueryRow(ctx, sql, key).Scan(&t.Key, &t.Title, &t.Content, &t.Metadata)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s in %s", ErrTicketNotFound, key, collection)
	}
	if err != nil {
		return nil, classifyPostgresError(fmt.Sprintf("get ticket %s", key), err)
	}
	return &t, nil
}

// Count reports the number of tickets in a collection.
func (s *PostgresStore) Count(ctx context.Context, collection rag.Collection) (uint64, error) {
	if !collection.Valid() {
		return 0, fmt.Errorf("%w: unknown collection %q", rag.ErrInvalidInput, collection)
	}
	var n int64
	if err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, collection)).Scan(&n); err != nil {
		return 0, classifyPostgresError(fmt.Sprintf("count %s", collection), err)
	}
	return uint64(n), nil
}

// Health pings the pool with a short deadline.
func (s *PostgresStore) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pgHealthTimeout)
	defer cancel()
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// tsqueryAnd rewrites free text into boolean-AND tsquery form, keeping only
// alphanumeric tokens so user input cannot produce tsquery syntax errors.
func tsqueryAnd(query string) string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(fields, " & ")
}

// cosineSimilarity returns the cosine of the angle between a and b, or 0
// when either vector is zero or the dimensions disagree.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		av, bv := float64(a[i]), float64(b[i])
		dot += av * bv
		na += av * av
		nb += bv * bv
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// isUndefinedObject reports whether err means a schema object (procedure,
// column, text search configuration, table) the fast path relies on does not
// exist.
func isUndefinedObject(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgUndefinedColumn, pgUndefinedObject, pgUndefinedFunction, pgUndefinedTable:
		return true
	}
	return false
}

// classifyPostgresError wraps err with the retryability sentinel implied by
// its SQLSTATE. Errors that are not Postgres errors, such as dial failures
// and timeouts, are treated as transient.
func classifyPostgresError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if transientSQLState(pgErr.Code) {
			return fmt.Errorf("%s: %w: %s %s", op, rag.ErrUpstreamTransient, pgErr.Code, pgErr.Message)
		}
		return fmt.Errorf("%s: %w: %s %s", op, rag.ErrUpstreamPermanent, pgErr.Code, pgErr.Message)
	}
	return fmt.Errorf("%s: %w: %v", op, rag.ErrUpstreamTransient, err)
}

// transientSQLState reports whether a SQLSTATE names a condition worth
// retrying: connection exceptions (class 08), insufficient resources
// (class 53), cannot_connect_now, and serialization or deadlock rollbacks.
func transientSQLState(code string) bool {
	switch {
	case strings.HasPrefix(code, "08"), strings.HasPrefix(code, "53"):
		return true
	case code == "57P03", code == "40001", code == "40P01":
		return true
	}
	return false
}
