package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/triaged/internal/config"
	"github.com/fyrsmithlabs/triaged/internal/logging"
	"github.com/fyrsmithlabs/triaged/internal/rag"
)

const (
	defaultTavilyBaseURL = "https://api.tavily.com"

	// tavilyTimeout bounds one search call; the strategy budget is owned
	// by the orchestrator.
	tavilyTimeout = 15 * time.Second

	breakerFailureThreshold = 5
	breakerCooldown         = 30 * time.Second
)

// TavilyClient is the Tavily search provider. Calls are rate limited and
// pass through a circuit breaker so a dead provider degrades fast instead of
// queueing up timeouts.
type TavilyClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *logging.Logger
}

var _ Provider = (*TavilyClient)(nil)

// NewTavilyClient builds the provider from config. The API key is required;
// without one every call fails permanent.
func NewTavilyClient(cfg config.WebSearchConfig, logger *logging.Logger) *TavilyClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultTavilyBaseURL
	}

	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	c := &TavilyClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: tavilyTimeout},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "tavily",
		Timeout: breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			setBreakerState(name, to)
			logger.Warn(context.Background(), "web provider breaker state changed",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return c
}

// Name implements Provider.
func (c *TavilyClient) Name() string { return "tavily" }

type tavilySearchRequest struct {
	APIKey      string `json:"api_key"`
	Query       string `json:"query"`
	MaxResults  int    `json:"max_results"`
	SearchDepth string `json:"search_depth"`
}

type tavilySearchResponse struct {
	Results []struct {
		Title         string  `json:"title"`
		URL           string  `json:"url"`
		Content       string  `json:"content"`
		Score         float64 `json:"score"`
		PublishedDate string  `json:"published_date"`
	} `json:"results"`
}

// Search implements Provider.
func (c *TavilyClient) Search(ctx context.Context, query string, maxResults int) ([]Hit, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("%w: tavily api key not configured", rag.ErrUpstreamPermanent)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limiter: %v", rag.ErrUpstreamTransient, err)
	}

	start := time.Now()
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.search(ctx, query, maxResults)
	})
	observeSearch(c.Name(), start, err)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: tavily circuit open", rag.ErrUpstreamTransient)
		}
		return nil, err
	}
	return out.([]Hit), nil
}

func (c *TavilyClient) search(ctx context.Context, query string, maxResults int) ([]Hit, error) {
	body, err := json.Marshal(tavilySearchRequest{
		APIKey:      c.apiKey,
		Query:       query,
		MaxResults:  maxResults,
		SearchDepth: "basic",
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", rag.ErrUpstreamTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyStatus(resp.StatusCode, string(respBody))
	}

	var parsed tavilySearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", rag.ErrUpstreamPermanent, err)
	}

	hits := make([]Hit, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		hits = append(hits, Hit{
			Title:     r.Title,
			URL:       r.URL,
			Content:   r.Content,
			Published: r.PublishedDate,
			Score:     r.Score,
		})
	}
	return hits, nil
}

// Health implements Provider. A missing key or an open breaker makes the
// provider unready; no request is sent.
func (c *TavilyClient) Health(ctx context.Context) error {
	if c.apiKey == "" {
		return fmt.Errorf("%w: tavily api key not configured", rag.ErrUpstreamPermanent)
	}
	if state := c.breaker.State(); state == gobreaker.StateOpen {
		return fmt.Errorf("%w: tavily circuit open", rag.ErrUpstreamTransient)
	}
	return nil
}

// classifyStatus maps a provider HTTP status to the error taxonomy.
// 429 and 5xx are transient; other 4xx are permanent.
func classifyStatus(status int, body string) error {
	if status == http.StatusTooManyRequests || status >= 500 {
		return fmt.Errorf("%w: status %d: %s", rag.ErrUpstreamTransient, status, body)
	}
	return fmt.Errorf("%w: status %d: %s", rag.ErrUpstreamPermanent, status, body)
}
