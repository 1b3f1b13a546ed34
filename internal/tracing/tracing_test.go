package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/telemyapp/aegis-sessions/internal/logger"
)

func TestInit_DisabledIsNoop(t *testing.T) {
	shutdown := Init(context.Background(), logger.NewNop(), Options{Enabled: false})
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("noop shutdown returned err: %v", err)
	}
}

func TestEnd_RecordsError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	_, span := tp.Tracer("test").Start(context.Background(), "session.pause")

	End(span, errors.New("appsvc down"))

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 ended span, got %d", len(ended))
	}
	if ended[0].Status().Code != codes.Error {
		t.Fatalf("expected error status, got %v", ended[0].Status())
	}
	if len(ended[0].Events()) == 0 {
		t.Fatal("expected recorded error event")
	}
}
