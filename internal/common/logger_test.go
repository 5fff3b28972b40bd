package common

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestLoggerLevelAndService(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "api", "warn")
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("expected a single json line, got %q: %v", buf.String(), err)
	}
	if line["service"] != "api" || line["message"] != "shown" {
		t.Fatalf("unexpected line %v", line)
	}
}

func TestWithContextAddsTraceIDs(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	var buf bytes.Buffer
	logger := WithContext(ctx, newLogger(&buf, "api", "info"))
	logger.Info().Msg("traced")

	var line map[string]any
	_ = json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line)
	if line["trace_id"] != span.SpanContext().TraceID().String() {
		t.Fatalf("missing trace id in %v", line)
	}
}
