package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestEngineMetricsRecords(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewEngineMetrics(provider.Meter("test"))
	if err != nil {
		t.Fatalf("NewEngineMetrics: %v", err)
	}
	ctx := context.Background()
	m.VenueRequest(ctx, "okx", "/api/v5/market/ticker", 12*time.Millisecond, nil)
	m.VenueRequest(ctx, "okx", "/api/v5/market/ticker", 30*time.Millisecond, errors.New("boom"))
	m.OrderPlaced(ctx, "bybit", "BTC", "buy", nil)
	m.MonitorOutcome(ctx, "bybit", "filled", 3)
	m.PoolEviction(ctx, "bitget", 2)
	m.PoolEviction(ctx, "bitget", 0)

	got := collect(t, reader)
	requests, ok := got[metricVenueRequests].Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("expected venue request counter, got %#v", got[metricVenueRequests].Data)
	}
	var total int64
	for _, dp := range requests.DataPoints {
		total += dp.Value
	}
	if total != 2 {
		t.Fatalf("expected 2 venue requests, got %d", total)
	}
	evictions, ok := got[metricPoolEvictions].Data.(metricdata.Sum[int64])
	if !ok || len(evictions.DataPoints) != 1 || evictions.DataPoints[0].Value != 2 {
		t.Fatalf("unexpected eviction data %#v", got[metricPoolEvictions].Data)
	}
	if _, ok := got[metricMonitorAttempts].Data.(metricdata.Histogram[int64]); !ok {
		t.Fatalf("expected monitor attempts histogram")
	}
}

func TestNilEngineMetricsIsSafe(t *testing.T) {
	var m *EngineMetrics
	m.VenueRequest(context.Background(), "okx", "/x", time.Millisecond, nil)
	m.Amend(context.Background(), "okx", nil)
	m.PerformanceUpsert(context.Background(), nil)
}

func TestStripScheme(t *testing.T) {
	cases := map[string]string{
		"http://collector:4318":  "collector:4318",
		"https://collector:4318": "collector:4318",
		"collector:4318":         "collector:4318",
	}
	for in, want := range cases {
		if got := stripScheme(in); got != want {
			t.Fatalf("stripScheme(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDisabledProviderFallsBackToGlobalMeter(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: false, Environment: "Test"})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if p.Meter("x") == nil {
		t.Fatalf("expected a meter")
	}
	if Environment() != "test" {
		t.Fatalf("expected lower-cased environment, got %q", Environment())
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
