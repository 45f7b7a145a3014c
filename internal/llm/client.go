// Package llm wires the two chat-model tiers used by triaged.
//
// The fast tier serves the web and log search planners, where latency
// matters more than reasoning depth. The strong tier serves the
// supervisor classifier and the response writer. All callers are
// expected to survive model failure with a documented fallback, so this
// package reports errors without retrying.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/triaged/internal/config"
)

// Tier selects which chat model serves a call.
type Tier string

const (
	// TierFast is the planner model.
	TierFast Tier = "fast"

	// TierStrong is the classifier and response-writer model.
	TierStrong Tier = "strong"
)

// Generator is the completion surface consumed by planners, the
// supervisor classifier, and the response writer.
type Generator interface {
	Generate(ctx context.Context, tier Tier, prompt string) (string, error)
}

// Client routes prompts to the configured tier models.
type Client struct {
	fast        llms.Model
	strong      llms.Model
	temperature float64
	metrics     *Metrics
}

// New creates a Client with both tiers configured against the same
// OpenAI-compatible endpoint.
func New(cfg config.LLMConfig, logger *zap.Logger) (*Client, error) {
	fast, err := newModel(cfg, cfg.FastModel)
	if err != nil {
		return nil, fmt.Errorf("creating fast model: %w", err)
	}
	strong, err := newModel(cfg, cfg.StrongModel)
	if err != nil {
		return nil, fmt.Errorf("creating strong model: %w", err)
	}

	return &Client{
		fast:        fast,
		strong:      strong,
		temperature: cfg.Temperature,
		metrics:     NewMetrics(logger),
	}, nil
}

func newModel(cfg config.LLMConfig, model string) (llms.Model, error) {
	opts := []openai.Option{openai.WithModel(model)}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	if cfg.APIKey != "" {
		opts = append(opts, openai.WithToken(cfg.APIKey))
	}
	return openai.New(opts...)
}

// Generate runs a single-prompt completion on the selected tier.
func (c *Client) Generate(ctx context.Context, tier Tier, prompt string) (string, error) {
	model := c.strong
	if tier == TierFast {
		model = c.fast
	}

	start := time.Now()
	out, err := llms.GenerateFromSinglePrompt(ctx, model, prompt,
		llms.WithTemperature(c.temperature),
	)
	c.metrics.RecordCall(ctx, string(tier), time.Since(start), err)
	if err != nil {
		return "", fmt.Errorf("generate (%s tier): %w", tier, err)
	}
	return out, nil
}
