package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fyrsmithlabs/triaged/internal/config"
	"github.com/fyrsmithlabs/triaged/internal/logging"
)

// Publisher is the transport for post-request records. *nats.Conn satisfies
// it directly.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Recorder publishes one JSON record per finished request to a message
// subject, for downstream audit and ops consumers.
type Recorder struct {
	pub     Publisher
	subject string
	logger  *logging.Logger
}

// NewRecorder builds a recorder that publishes to the given subject.
func NewRecorder(pub Publisher, subject string, logger *logging.Logger) *Recorder {
	return &Recorder{pub: pub, subject: subject, logger: logger}
}

// Record marshals and publishes one request record.
func (r *Recorder) Record(_ context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal request record: %w", err)
	}
	if err := r.pub.Publish(r.subject, data); err != nil {
		return fmt.Errorf("publish request record: %w", err)
	}
	return nil
}

// PostHook adapts the recorder to the chain.
func (r *Recorder) PostHook() PostHook {
	return r.Record
}

// Dial connects to the NATS server used for post-request records. The
// connection retries in the background so a slow broker does not block
// startup.
func Dial(cfg config.HooksConfig) (*nats.Conn, error) {
	nc, err := nats.Connect(cfg.NATSURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.NATSURL, err)
	}
	return nc, nil
}
