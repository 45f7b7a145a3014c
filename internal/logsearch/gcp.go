package logsearch

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
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/triaged/internal/config"
	"github.com/fyrsmithlabs/triaged/internal/logging"
	"github.com/fyrsmithlabs/triaged/internal/rag"
)

const (
	// gcpTimeout bounds one entries:list call; the strategy budget is
	// owned by the orchestrator.
	gcpTimeout = 15 * time.Second

	breakerFailureThreshold = 5
	breakerCooldown         = 30 * time.Second

	defaultEntryLimit = 50
)

// GCPClient queries a Cloud Logging style entries:list endpoint with the
// standard filter language. Calls pass through a circuit breaker so a dead
// log store degrades fast.
type GCPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *logging.Logger
}

var _ Provider = (*GCPClient)(nil)

// NewGCPClient builds the provider from config.
func NewGCPClient(cfg config.LogSearchConfig, logger *logging.Logger) *GCPClient {
	c := &GCPClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: gcpTimeout},
		logger:  logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "gcp-logging",
		Timeout: breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			setBreakerState(name, to)
			logger.Warn(context.Background(), "log provider breaker state changed",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return c
}

// Name implements Provider.
func (c *GCPClient) Name() string { return "gcp" }

type gcpListRequest struct {
	Filter   string `json:"filter"`
	OrderBy  string `json:"orderBy"`
	PageSize int    `json:"pageSize"`
}

type gcpListResponse struct {
	Entries []struct {
		Timestamp string `json:"timestamp"`
		Severity  string `json:"severity"`
		Resource  struct {
			Labels map[string]string `json:"labels"`
		} `json:"resource"`
		TextPayload string `json:"textPayload"`
	} `json:"entries"`
}

// Search implements Provider.
func (c *GCPClient) Search(ctx context.Context, q Query) ([]Entry, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("%w: log store base url not configured", rag.ErrUpstreamPermanent)
	}

	start := time.Now()
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.list(ctx, q)
	})
	observeSearch(c.Name(), start, err)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: log store circuit open", rag.ErrUpstreamTransient)
		}
		return nil, err
	}
	return out.([]Entry), nil
}

func (c *GCPClient) list(ctx context.Context, q Query) ([]Entry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultEntryLimit
	}
	body, err := json.Marshal(gcpListRequest{
		Filter:   buildFilter(q),
		OrderBy:  "timestamp desc",
		PageSize: limit,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/entries:list", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", rag.ErrUpstreamTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyStatus(resp.StatusCode, string(respBody))
	}

	var parsed gcpListResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", rag.ErrUpstreamPermanent, err)
	}

	entries := make([]Entry, 0, len(parsed.Entries))
	for _, e := range parsed.Entries {
		ts, err := time.Parse(time.RFC3339, e.Timestamp)
		if err != nil {
			ts = time.Time{}
		}
		entries = append(entries, Entry{
			Timestamp: ts,
			Severity:  e.Severity,
			Service:   e.Resource.Labels["service_name"],
			Payload:   e.TextPayload,
		})
	}
	return entries, nil
}

// Health implements Provider. A missing base URL or an open breaker makes
// the provider unready; no request is sent.
func (c *GCPClient) Health(ctx context.Context) error {
	if c.baseURL == "" {
		return fmt.Errorf("%w: log store base url not configured", rag.ErrUpstreamPermanent)
	}
	if state := c.breaker.State(); state == gobreaker.StateOpen {
		return fmt.Errorf("%w: log store circuit open", rag.ErrUpstreamTransient)
	}
	return nil
}

// buildFilter renders a query in the Cloud Logging filter language. The
// pattern is quoted so payload matching stays a substring match.
func buildFilter(q Query) string {
	var b strings.Builder
	b.WriteString(`severity = ERROR`)
	if q.Pattern != "" {
		fmt.Fprintf(&b, ` AND textPayload : %q`, q.Pattern)
	}
	if !q.Start.IsZero() {
		fmt.Fprintf(&b, ` AND timestamp >= %q`, q.Start.UTC().Format(time.RFC3339))
	}
	if !q.End.IsZero() {
		fmt.Fprintf(&b, ` AND timestamp <= %q`, q.End.UTC().Format(time.RFC3339))
	}
	return b.String()
}

// classifyStatus maps a store HTTP status to the error taxonomy.
func classifyStatus(status int, body string) error {
	if status == http.StatusTooManyRequests || status >= 500 {
		return fmt.Errorf("%w: status %d: %s", rag.ErrUpstreamTransient, status, body)
	}
	return fmt.Errorf("%w: status %d: %s", rag.ErrUpstreamPermanent, status, body)
}
