package hooks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/triaged/internal/logging"
)

type ctxKey string

func newTestChain() *Chain {
	return NewChain(logging.NewTestLogger().Logger)
}

func TestBeforeThreadsAnnotationsThroughChain(t *testing.T) {
	c := newTestChain()
	c.OnRequest(func(ctx context.Context, _ Request) (context.Context, error) {
		return context.WithValue(ctx, ctxKey("principal"), "svc-oncall"), nil
	})

	var seen interface{}
	c.OnRequest(func(ctx context.Context, _ Request) (context.Context, error) {
		seen = ctx.Value(ctxKey("principal"))
		return nil, nil
	})

	ctx, err := c.Before(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, "svc-oncall", seen, "second hook sees first hook's annotation")
	assert.Equal(t, "svc-oncall", ctx.Value(ctxKey("principal")), "annotation survives the chain")
}

func TestBeforeStopsAtFirstRejection(t *testing.T) {
	c := newTestChain()
	c.OnRequest(func(ctx context.Context, _ Request) (context.Context, error) {
		return ctx, nil
	})
	c.OnRequest(func(context.Context, Request) (context.Context, error) {
		return nil, QuotaExceeded("daily request budget spent")
	})

	reached := false
	c.OnRequest(func(ctx context.Context, _ Request) (context.Context, error) {
		reached = true
		return ctx, nil
	})

	_, err := c.Before(context.Background(), Request{Query: "q"})
	require.Error(t, err)
	assert.False(t, reached, "hooks after a rejection must not run")

	rej, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusTooManyRequests, rej.Status)
	assert.Contains(t, rej.Reason, "daily request budget")
}

func TestBeforePlainErrorIsNotARejection(t *testing.T) {
	c := newTestChain()
	c.OnRequest(func(context.Context, Request) (context.Context, error) {
		return nil, errors.New("token store unreachable")
	})

	_, err := c.Before(context.Background(), Request{Query: "q"})
	require.Error(t, err)

	_, ok := AsRejection(err)
	assert.False(t, ok)
}

func TestRejectionConstructors(t *testing.T) {
	tests := []struct {
		rej    *Rejection
		status int
	}{
		{Unauthorized("missing token"), http.StatusUnauthorized},
		{Forbidden("read-only principal"), http.StatusForbidden},
		{QuotaExceeded("burst limit"), http.StatusTooManyRequests},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, tt.rej.Status)
		assert.Contains(t, tt.rej.Error(), tt.rej.Reason)
		assert.Contains(t, tt.rej.Error(), fmt.Sprintf("%d", tt.status))
	}
}

func TestAfterRunsEveryHookDespiteFailures(t *testing.T) {
	c := newTestChain()

	var order []string
	c.OnResponse(func(context.Context, Record) error {
		order = append(order, "audit")
		return errors.New("audit sink down")
	})
	c.OnResponse(func(context.Context, Record) error {
		order = append(order, "metrics")
		return nil
	})

	c.After(context.Background(), Record{Query: "q", Status: 200})
	assert.Equal(t, []string{"audit", "metrics"}, order)
}

func TestEmptyChainIsANoop(t *testing.T) {
	c := newTestChain()
	ctx := context.Background()

	out, err := c.Before(ctx, Request{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, ctx, out)

	c.After(ctx, Record{})
}
