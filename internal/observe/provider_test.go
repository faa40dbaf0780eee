package observe

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit(t *testing.T) {
	origMP, origTP, origProp := otel.GetMeterProvider(), otel.GetTracerProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
		otel.SetTextMapPropagator(origProp)
	})

	spans := tracetest.NewInMemoryExporter()
	tel, err := Init(context.Background(), ProviderConfig{ServiceVersion: "test", TraceExporter: spans})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	m, err := tel.Metrics()
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	m.RecordTransition(context.Background(), "normal", "intervention", "router")

	_, span := StartSpan(context.Background(), "coach.turn")
	span.End()

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Result().Body)
	for _, want := range []string{"moneycoach_mode_transitions", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}

	if err := tel.TracerProvider.ForceFlush(context.Background()); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	if got := spans.GetSpans(); len(got) != 1 || got[0].Name != "coach.turn" {
		t.Errorf("exported spans = %v, want one coach.turn", got)
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
