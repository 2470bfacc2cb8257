package observe

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

func TestInitProvider_ExportsToRegistry(t *testing.T) {
	origMP, origTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	reg := prometheus.NewRegistry()
	shutdown, err := InitProvider(context.Background(), ProviderConfig{
		ServiceVersion: "test",
		Attributes:     []attribute.KeyValue{attribute.String("xvoice.mode", "general")},
		Registerer:     reg,
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	}()

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	m.FalseTriggers.Add(context.Background(), 1)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "xvoice_false_triggers_total" {
			found = true
		}
	}
	if !found {
		names := make([]string, len(families))
		for i, f := range families {
			names[i] = f.GetName()
		}
		t.Errorf("xvoice_false_triggers_total not gathered; got %v", names)
	}

	var targetInfo bool
	for _, f := range families {
		if f.GetName() != "target_info" {
			continue
		}
		for _, lp := range f.GetMetric()[0].GetLabel() {
			if lp.GetName() == "xvoice_mode" && lp.GetValue() == "general" {
				targetInfo = true
			}
		}
	}
	if !targetInfo {
		t.Error("target_info missing the xvoice_mode resource attribute")
	}

	ctx, span := StartSpan(context.Background(), "transcribe")
	defer span.End()
	if TraceID(ctx) == "" {
		t.Error("span from the installed provider has no trace ID")
	}
}
