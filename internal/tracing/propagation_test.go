package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestPropagateToLogger(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-123")
	ctx = WithRequestID(ctx, "req-456")
	ctx = WithSessionKey(ctx, "user_7_character_42")
	ctx = WithUserID(ctx, "7")

	var buf bytes.Buffer
	logger := PropagateToLogger(ctx, zerolog.New(&buf))
	logger.Info().Msg("test message")

	output := buf.String()
	for _, want := range []string{
		`"trace_id":"trace-123"`,
		`"request_id":"req-456"`,
		`"session_key":"user_7_character_42"`,
		`"user_id":"7"`,
	} {
		if !strings.Contains(output, want) {
			t.Errorf("log output %s missing %s", output, want)
		}
	}
}

func TestPropagateToLoggerOmitsEmpty(t *testing.T) {
	var buf bytes.Buffer
	logger := PropagateToLogger(WithTraceID(context.Background(), "trace-only"), zerolog.New(&buf))
	logger.Info().Msg("test")

	output := buf.String()
	if strings.Contains(output, "session_key") || strings.Contains(output, "request_id") {
		t.Errorf("unexpected empty fields in %s", output)
	}
}

func TestLoggerFromContext(t *testing.T) {
	ctx := WithTraceID(context.Background(), "trace-xyz")

	var buf bytes.Buffer
	logger := LoggerFromContext(ctx, zerolog.New(&buf))
	logger.Info().Msg("test")

	if !strings.Contains(buf.String(), "trace-xyz") {
		t.Error("Trace ID not in log output")
	}
}

func TestMergeContext(t *testing.T) {
	source := context.Background()
	source = WithTraceID(source, "trace-source")
	source = WithRequestID(source, "req-source")
	source = WithSessionKey(source, "user_1_character_1")

	target := WithTraceID(context.Background(), "trace-target")

	merged := MergeContext(target, source)

	if GetTraceID(merged) != "trace-target" {
		t.Error("existing trace ID must not be overwritten")
	}
	if GetRequestID(merged) != "req-source" {
		t.Error("request ID not merged")
	}
	if GetSessionKey(merged) != "user_1_character_1" {
		t.Error("session key not merged")
	}
	if GetUserID(merged) != "" {
		t.Error("user ID must stay empty")
	}
}

func TestStartSpanSetsTraceID(t *testing.T) {
	if err := InitOpenTelemetry(Config{ServiceName: "lumilove-test"}); err != nil {
		t.Fatalf("init tracing: %v", err)
	}

	ctx, span := StartSpan(context.Background(), "lumilove.test", "test.span")
	defer span.End()

	if GetTraceID(ctx) == "" {
		t.Error("StartSpan did not record a trace ID")
	}
	if GetTraceID(ctx) != span.SpanContext().TraceID().String() {
		t.Error("trace ID does not match the span")
	}

	// an existing trace ID wins
	ctx, span2 := StartSpan(WithTraceID(context.Background(), "fixed"), "lumilove.test", "test.span")
	defer span2.End()
	if GetTraceID(ctx) != "fixed" {
		t.Errorf("got trace ID %q, want fixed", GetTraceID(ctx))
	}
}
