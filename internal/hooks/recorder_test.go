package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/triaged/internal/logging"
)

type fakePublisher struct {
	subject string
	data    []byte
	err     error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.subject = subject
	f.data = data
	return f.err
}

func TestRecorderPublishesJSONRecord(t *testing.T) {
	pub := &fakePublisher{}
	r := NewRecorder(pub, "triaged.requests", logging.NewTestLogger().Logger)

	err := r.Record(context.Background(), Record{
		Query:              "Why does HBASE-12345 time out?",
		ProductionIncident: true,
		RoutingDecision:    "BM25",
		RetrievalMethod:    "BM25",
		NumContexts:        3,
		Status:             200,
		DurationSeconds:    0.42,
		Timestamp:          "2026-08-25T12:00:00Z",
	})
	require.NoError(t, err)
	assert.Equal(t, "triaged.requests", pub.subject)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(pub.data, &got))
	assert.Equal(t, "Why does HBASE-12345 time out?", got["query"])
	assert.Equal(t, true, got["production_incident"])
	assert.Equal(t, "BM25", got["routing_decision"])
	assert.Equal(t, float64(3), got["num_contexts"])
	assert.Equal(t, float64(200), got["status"])
	assert.Equal(t, 0.42, got["duration_seconds"])
}

func TestRecorderWrapsPublishFailure(t *testing.T) {
	pub := &fakePublisher{err: errors.New("no responders")}
	r := NewRecorder(pub, "triaged.requests", logging.NewTestLogger().Logger)

	err := r.Record(context.Background(), Record{Query: "q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish request record")
}

func TestRecorderAsPostHook(t *testing.T) {
	pub := &fakePublisher{}
	r := NewRecorder(pub, "triaged.requests", logging.NewTestLogger().Logger)

	c := newTestChain()
	c.OnResponse(r.PostHook())
	c.After(context.Background(), Record{Query: "q", Status: 200})

	require.NotEmpty(t, pub.data)
	var got Record
	require.NoError(t, json.Unmarshal(pub.data, &got))
	assert.Equal(t, "q", got.Query)
	assert.Equal(t, 200, got.Status)
}
