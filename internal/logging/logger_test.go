package logging

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/triaged/internal/config"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LoggingConfig
		wantErr bool
	}{
		{name: "json info", cfg: config.LoggingConfig{Level: "info", Format: "json"}},
		{name: "console debug", cfg: config.LoggingConfig{Level: "debug", Format: "console"}},
		{name: "bad level", cfg: config.LoggingConfig{Level: "loud", Format: "json"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg, nil)
			if tt.wantErr {
				if err == nil {
					t.Fatal("New() expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if logger == nil {
				t.Fatal("New() returned nil logger")
			}
		})
	}
}

func TestContextFieldsRequestID(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithRequestID(context.Background(), "req-42")

	tl.Info(ctx, "handling request")

	tl.AssertLogged(t, zapcore.InfoLevel, "handling request")
	tl.AssertField(t, "handling request", "request_id", "req-42")
}

func TestContextFieldsEmptyContext(t *testing.T) {
	if fields := ContextFields(context.Background()); len(fields) != 0 {
		t.Errorf("ContextFields(background) = %v, want none", fields)
	}
}

func TestFromContextFallsBackToNop(t *testing.T) {
	logger := FromContext(context.Background())
	if logger == nil {
		t.Fatal("FromContext() returned nil")
	}
	// Must not panic.
	logger.Info(context.Background(), "ignored")
}

func TestWithLoggerRoundTrip(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)

	FromContext(ctx).Warn(ctx, "degraded mode")

	tl.AssertLogged(t, zapcore.WarnLevel, "degraded mode")
}

func TestNamedAndWith(t *testing.T) {
	tl := NewTestLogger()
	child := tl.Logger.Named("supervisor").With(zap.String("strategy", "BM25"))

	child.Info(context.Background(), "routed")

	entries := tl.FilterMessage("routed").All()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].LoggerName != "supervisor" {
		t.Errorf("logger name = %q, want supervisor", entries[0].LoggerName)
	}
}
