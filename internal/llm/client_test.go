package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"
)

type fakeModel struct {
	reply string
	err   error
	calls int
}

func (f *fakeModel) GenerateContent(_ context.Context, _ []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: f.reply}},
	}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	resp, err := f.GenerateContent(ctx, nil, options...)
	if err != nil {
		return "", err
	}
	return resp.Choices[0].Content, nil
}

func newTestClient(fast, strong llms.Model) *Client {
	return &Client{
		fast:    fast,
		strong:  strong,
		metrics: NewMetrics(zap.NewNop()),
	}
}

func TestGenerateRoutesTiers(t *testing.T) {
	fast := &fakeModel{reply: "fast says hi"}
	strong := &fakeModel{reply: "strong says hi"}
	c := newTestClient(fast, strong)

	got, err := c.Generate(context.Background(), TierFast, "prompt")
	if err != nil {
		t.Fatalf("Generate(fast) error = %v", err)
	}
	if got != "fast says hi" {
		t.Errorf("Generate(fast) = %q", got)
	}

	got, err = c.Generate(context.Background(), TierStrong, "prompt")
	if err != nil {
		t.Fatalf("Generate(strong) error = %v", err)
	}
	if got != "strong says hi" {
		t.Errorf("Generate(strong) = %q", got)
	}

	if fast.calls != 1 || strong.calls != 1 {
		t.Errorf("calls = fast %d strong %d, want 1 each", fast.calls, strong.calls)
	}
}

func TestGenerateWrapsError(t *testing.T) {
	boom := errors.New("model unavailable")
	c := newTestClient(&fakeModel{err: boom}, &fakeModel{err: boom})

	_, err := c.Generate(context.Background(), TierFast, "prompt")
	if !errors.Is(err, boom) {
		t.Fatalf("Generate() error = %v, want wrapped %v", err, boom)
	}
}
