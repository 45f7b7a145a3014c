package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/triaged/internal/config"
	"github.com/fyrsmithlabs/triaged/internal/rag"
)

type fakeProvider struct {
	calls     int
	errs      []error
	vecs      [][]float32
	healthErr error
}

func (f *fakeProvider) embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if f.vecs != nil {
		return f.vecs, nil
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (f *fakeProvider) health(context.Context) error {
	return f.healthErr
}

func newTestClient(p provider) *Client {
	return &Client{
		provider: p,
		model:    "test-model",
		dim:      3,
		maxLen:   64,
		metrics:  NewMetrics(zap.NewNop()),
	}
}

func TestEmbedValidation(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{name: "empty", text: ""},
		{name: "whitespace only", text: "   \t\n"},
		{name: "too long", text: strings.Repeat("x", 65)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeProvider{}
			c := newTestClient(fake)

			_, err := c.Embed(context.Background(), tt.text)
			if !errors.Is(err, rag.ErrInvalidInput) {
				t.Fatalf("Embed(%q) error = %v, want ErrInvalidInput", tt.text, err)
			}
			if fake.calls != 0 {
				t.Errorf("provider called %d times for invalid input, want 0", fake.calls)
			}
		})
	}
}

func TestEmbedBatchEmptyInput(t *testing.T) {
	c := newTestClient(&fakeProvider{})
	_, err := c.EmbedBatch(context.Background(), nil)
	if !errors.Is(err, rag.ErrInvalidInput) {
		t.Fatalf("EmbedBatch(nil) error = %v, want ErrInvalidInput", err)
	}
}

func TestEmbedRetriesTransient(t *testing.T) {
	fake := &fakeProvider{
		errs: []error{
			fmt.Errorf("%w: status 503", rag.ErrUpstreamTransient),
			fmt.Errorf("%w: status 429", rag.ErrUpstreamTransient),
			nil,
		},
	}
	c := newTestClient(fake)

	vec, err := c.Embed(context.Background(), "payments failing in prod")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(vec) != 3 {
		t.Errorf("Embed() dim = %d, want 3", len(vec))
	}
	if fake.calls != 3 {
		t.Errorf("provider called %d times, want 3", fake.calls)
	}
}

func TestEmbedExhaustsRetries(t *testing.T) {
	transient := fmt.Errorf("%w: status 503", rag.ErrUpstreamTransient)
	fake := &fakeProvider{errs: []error{transient, transient, transient}}
	c := newTestClient(fake)

	_, err := c.Embed(context.Background(), "query")
	if !errors.Is(err, rag.ErrUpstreamTransient) {
		t.Fatalf("Embed() error = %v, want ErrUpstreamTransient", err)
	}
	if fake.calls != retryMaxAttempts {
		t.Errorf("provider called %d times, want %d", fake.calls, retryMaxAttempts)
	}
}

func TestEmbedPermanentNotRetried(t *testing.T) {
	fake := &fakeProvider{
		errs: []error{fmt.Errorf("%w: status 400", rag.ErrUpstreamPermanent)},
	}
	c := newTestClient(fake)

	_, err := c.Embed(context.Background(), "query")
	if !errors.Is(err, rag.ErrUpstreamPermanent) {
		t.Fatalf("Embed() error = %v, want ErrUpstreamPermanent", err)
	}
	if fake.calls != 1 {
		t.Errorf("provider called %d times for permanent error, want 1", fake.calls)
	}
}

func TestEmbedDimensionMismatch(t *testing.T) {
	fake := &fakeProvider{vecs: [][]float32{{1, 0}}}
	c := newTestClient(fake)

	_, err := c.Embed(context.Background(), "query")
	if !errors.Is(err, rag.ErrUpstreamPermanent) {
		t.Fatalf("Embed() error = %v, want ErrUpstreamPermanent", err)
	}
	if fake.calls != 1 {
		t.Errorf("provider called %d times, want 1 (no retry on dimension mismatch)", fake.calls)
	}
}

func TestEmbedBatchVectorCountMismatch(t *testing.T) {
	fake := &fakeProvider{vecs: [][]float32{{1, 0, 0}}}
	c := newTestClient(fake)

	_, err := c.EmbedBatch(context.Background(), []string{"a", "b"})
	if !errors.Is(err, rag.ErrUpstreamPermanent) {
		t.Fatalf("EmbedBatch() error = %v, want ErrUpstreamPermanent", err)
	}
}

func TestHealthPassthrough(t *testing.T) {
	want := errors.New("connection refused")
	c := newTestClient(&fakeProvider{healthErr: want})
	if got := c.Health(context.Background()); !errors.Is(got, want) {
		t.Errorf("Health() = %v, want %v", got, want)
	}
}

func TestNewUnknownProvider(t *testing.T) {
	_, err := New(config.EmbeddingConfig{Provider: "cohere"}, zap.NewNop())
	if !errors.Is(err, rag.ErrInvalidInput) {
		t.Fatalf("New() error = %v, want ErrInvalidInput", err)
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status        int
		wantTransient bool
	}{
		{429, true},
		{500, true},
		{503, true},
		{400, false},
		{401, false},
		{404, false},
	}
	for _, tt := range tests {
		err := classifyStatus(tt.status, "body")
		if got := errors.Is(err, rag.ErrUpstreamTransient); got != tt.wantTransient {
			t.Errorf("classifyStatus(%d) transient = %v, want %v", tt.status, got, tt.wantTransient)
		}
	}
}
