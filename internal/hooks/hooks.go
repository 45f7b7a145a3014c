// Package hooks is the seam through which external collaborators attach to
// the request path. Authentication, rate limiting and quota enforcement run
// as pre-request hooks that may annotate the context or reject the request;
// audit recorders run as post-request hooks after the response is written.
//
// The engine itself never depends on a user identity. Hooks observe and gate
// requests; they do not participate in retrieval.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/triaged/internal/logging"
)

// PreHook runs before a request enters the workflow. It may return a derived
// context carrying annotations (principal, tenant, trace baggage) or reject
// the request with a Rejection error.
type PreHook func(ctx context.Context, req Request) (context.Context, error)

// PostHook runs after a request finishes. Post-hook failures are logged and
// never surfaced to the client.
type PostHook func(ctx context.Context, rec Record) error

// Request is what pre-request hooks see. It carries no retrieval state.
type Request struct {
	Query              string
	UserCanWait        bool
	ProductionIncident bool
	RemoteAddr         string
}

// Record summarizes one finished request for audit recorders.
type Record struct {
	Query              string  `json:"query"`
	UserCanWait        bool    `json:"user_can_wait"`
	ProductionIncident bool    `json:"production_incident"`
	RoutingDecision    string  `json:"routing_decision"`
	RetrievalMethod    string  `json:"retrieval_method"`
	NumContexts        int     `json:"num_contexts"`
	Status             int     `json:"status"`
	DurationSeconds    float64 `json:"duration_seconds"`
	Timestamp          string  `json:"timestamp"`
}

// Rejection is the only hook error the HTTP layer translates to a dedicated
// status code. Any other pre-hook error is an internal failure.
type Rejection struct {
	Status int
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("request rejected (%d): %s", r.Status, r.Reason)
}

// Unauthorized rejects with 401, for requests missing valid credentials.
func Unauthorized(reason string) *Rejection {
	return &Rejection{Status: http.StatusUnauthorized, Reason: reason}
}

// Forbidden rejects with 403, for authenticated callers without access.
func Forbidden(reason string) *Rejection {
	return &Rejection{Status: http.StatusForbidden, Reason: reason}
}

// QuotaExceeded rejects with 429, for callers over their request budget.
func QuotaExceeded(reason string) *Rejection {
	return &Rejection{Status: http.StatusTooManyRequests, Reason: reason}
}

// AsRejection unwraps a pre-hook error into a Rejection when one is present.
func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// Chain runs registered hooks in registration order. The zero chain is not
// usable; construct with NewChain.
type Chain struct {
	pre    []PreHook
	post   []PostHook
	logger *logging.Logger
}

// NewChain returns an empty hook chain.
func NewChain(logger *logging.Logger) *Chain {
	return &Chain{logger: logger}
}

// OnRequest registers a pre-request hook.
func (c *Chain) OnRequest(h PreHook) {
	c.pre = append(c.pre, h)
}

// OnResponse registers a post-request hook.
func (c *Chain) OnResponse(h PostHook) {
	c.post = append(c.post, h)
}

// Before runs pre-request hooks in order, threading the context through each
// so later hooks see earlier annotations. The first error stops the chain.
func (c *Chain) Before(ctx context.Context, req Request) (context.Context, error) {
	for _, h := range c.pre {
		next, err := h(ctx, req)
		if err != nil {
			if rej, ok := AsRejection(err); ok {
				rejectionsTotal.WithLabelValues(strconv.Itoa(rej.Status)).Inc()
			}
			return ctx, fmt.Errorf("pre-request hook: %w", err)
		}
		if next != nil {
			ctx = next
		}
	}
	return ctx, nil
}

// After runs every post-request hook. Failures are logged and counted, and
// never stop the remaining hooks.
func (c *Chain) After(ctx context.Context, rec Record) {
	for _, h := range c.post {
		if err := h(ctx, rec); err != nil {
			recordFailuresTotal.Inc()
			c.logger.Warn(ctx, "post-request hook failed", zap.Error(err))
		}
	}
}
