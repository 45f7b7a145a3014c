package embeddings

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/triaged/internal/config"
	"github.com/fyrsmithlabs/triaged/internal/rag"
)

// Retry parameters for transient provider failures. Full jitter keeps
// concurrent retries from synchronizing against a rate-limited provider.
const (
	retryMaxAttempts = 3
	retryBaseDelay   = 250 * time.Millisecond
	retryMaxDelay    = 4 * time.Second
)

// provider is the transport under the validating client.
type provider interface {
	embed(ctx context.Context, texts []string) ([][]float32, error)
	health(ctx context.Context) error
}

// Client generates embeddings with validation, dimension enforcement,
// and retry on transient failures.
type Client struct {
	provider provider
	model    string
	dim      int
	maxLen   int
	metrics  *Metrics
}

// New creates a Client for the configured provider.
func New(cfg config.EmbeddingConfig, logger *zap.Logger) (*Client, error) {
	var p provider
	switch cfg.Provider {
	case "tei":
		p = newTEIProvider(cfg)
	case "openai", "":
		p = newOpenAIProvider(cfg)
	default:
		return nil, fmt.Errorf("%w: unknown embedding provider %q", rag.ErrInvalidInput, cfg.Provider)
	}

	return &Client{
		provider: p,
		model:    cfg.Model,
		dim:      cfg.Dim,
		maxLen:   cfg.MaxTextLength,
		metrics:  NewMetrics(logger),
	}, nil
}

// Dim returns the embedding dimension every vector is checked against.
func (c *Client) Dim() int {
	return c.dim
}

// Embed generates an embedding for a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.embedTexts(ctx, "embed", []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts, in input order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return c.embedTexts(ctx, "embed_batch", texts)
}

// Health reports whether the provider is reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.provider.health(ctx)
}

func (c *Client) embedTexts(ctx context.Context, operation string, texts []string) ([][]float32, error) {
	start := time.Now()
	var opErr error
	defer func() {
		c.metrics.RecordGeneration(ctx, c.model, operation, time.Since(start), len(texts), opErr)
	}()

	if err := c.validate(texts); err != nil {
		opErr = err
		return nil, err
	}

	var vecs [][]float32
	opErr = c.withRetry(ctx, operation, func() error {
		var err error
		vecs, err = c.provider.embed(ctx, texts)
		return err
	})
	if opErr != nil {
		return nil, opErr
	}

	if opErr = c.checkDimensions(vecs, len(texts)); opErr != nil {
		return nil, opErr
	}
	return vecs, nil
}

func (c *Client) validate(texts []string) error {
	if len(texts) == 0 {
		return fmt.Errorf("%w: no texts to embed", rag.ErrInvalidInput)
	}
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			return fmt.Errorf("%w: text %d is empty", rag.ErrInvalidInput, i)
		}
		if c.maxLen > 0 && len(text) > c.maxLen {
			return fmt.Errorf("%w: text %d exceeds %d bytes", rag.ErrInvalidInput, i, c.maxLen)
		}
	}
	return nil
}

func (c *Client) checkDimensions(vecs [][]float32, want int) error {
	if len(vecs) != want {
		return fmt.Errorf("%w: provider returned %d vectors for %d texts",
			rag.ErrUpstreamPermanent, len(vecs), want)
	}
	for i, vec := range vecs {
		if len(vec) != c.dim {
			return fmt.Errorf("%w: vector %d has dimension %d, want %d",
				rag.ErrUpstreamPermanent, i, len(vec), c.dim)
		}
	}
	return nil
}

// withRetry retries transient failures with capped exponential backoff.
func (c *Client) withRetry(ctx context.Context, operation string, fn func() error) error {
	delay := retryBaseDelay
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !rag.IsTransient(err) || attempt == retryMaxAttempts {
			return err
		}

		c.metrics.RecordRetry(ctx, c.model, operation)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", operation, ctx.Err())
		case <-time.After(rand.N(delay)):
		}

		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
}

// classifyStatus maps a provider HTTP status to the error taxonomy.
// 429 and 5xx are retried; other 4xx are permanent.
func classifyStatus(status int, body string) error {
	if status == http.StatusTooManyRequests || status >= 500 {
		return fmt.Errorf("%w: status %d: %s", rag.ErrUpstreamTransient, status, body)
	}
	return fmt.Errorf("%w: status %d: %s", rag.ErrUpstreamPermanent, status, body)
}
