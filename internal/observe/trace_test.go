package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTestTracer installs an in-memory TracerProvider as the global provider
// for the duration of the test.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs redirects the default slog logger into a buffer.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestCorrelationID_EmptyByDefault(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}
}

func TestStartSpan(t *testing.T) {
	exp := useTestTracer(t)

	ctx, span := StartSpan(context.Background(), "coach.turn")
	cid := CorrelationID(ctx)
	span.End()

	if len(cid) != 32 {
		t.Errorf("correlation ID = %q, want 32 hex chars", cid)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "coach.turn" {
		t.Fatalf("spans = %+v, want one coach.turn span", spans)
	}
}

func TestLogger(t *testing.T) {
	useTestTracer(t)

	tests := []struct {
		name      string
		withSpan  bool
		wantTrace bool
	}{
		{name: "with span", withSpan: true, wantTrace: true},
		{name: "without span", withSpan: false, wantTrace: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLogs(t)
			ctx := context.Background()
			if tt.withSpan {
				c, s := StartSpan(ctx, "log-test")
				defer s.End()
				ctx = c
			}
			Logger(ctx).Info("mode changed")

			out := buf.String()
			if got := bytes.Contains([]byte(out), []byte("trace_id=")); got != tt.wantTrace {
				t.Errorf("trace_id present = %v, want %v: %s", got, tt.wantTrace, out)
			}
			if got := bytes.Contains([]byte(out), []byte("span_id=")); got != tt.wantTrace {
				t.Errorf("span_id present = %v, want %v: %s", got, tt.wantTrace, out)
			}
		})
	}
}

func TestEndSpan(t *testing.T) {
	exp := useTestTracer(t)

	tests := []struct {
		name       string
		err        error
		wantStatus codes.Code
		wantEvents int
	}{
		{name: "success", err: nil, wantStatus: codes.Unset, wantEvents: 0},
		{name: "failure", err: errors.New("backend down"), wantStatus: codes.Error, wantEvents: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp.Reset()
			func() {
				var err error
				_, span := StartSpan(context.Background(), "llm.complete", AttrPurpose.String("reply"))
				defer EndSpan(span, &err)
				err = tt.err
			}()

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("got %d spans, want 1", len(spans))
			}
			got := spans[0]
			if got.Status.Code != tt.wantStatus {
				t.Errorf("status = %v, want %v", got.Status.Code, tt.wantStatus)
			}
			if len(got.Events) != tt.wantEvents {
				t.Errorf("events = %d, want %d", len(got.Events), tt.wantEvents)
			}
			if len(got.Attributes) != 1 || got.Attributes[0] != AttrPurpose.String("reply") {
				t.Errorf("attributes = %v", got.Attributes)
			}
		})
	}
}
