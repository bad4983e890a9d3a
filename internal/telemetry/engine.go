package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradeplane/errs"
)

const (
	meterName = "tradeplane.engine"

	metricVenueRequestDuration = "venue.request.duration"
	metricVenueRequests        = "venue.requests"
	metricRateLimitWait        = "ratelimit.wait.duration"
	metricRateLimitExhausted   = "ratelimit.exhausted"
	metricOrdersPlaced         = "orders.placed"
	metricMonitorAttempts      = "order.monitor.attempts"
	metricMonitorOutcomes      = "order.monitor.outcomes"
	metricAmends               = "order.amends"
	metricOperations           = "engine.operations"
	metricPerformanceUpserts   = "performance.upserts"
	metricPoolEvictions        = "exchange.pool.evictions"
)

// EngineMetrics groups the instruments recorded by the trading engine.
// A nil *EngineMetrics is valid and records nothing.
type EngineMetrics struct {
	requestDuration metric.Float64Histogram
	requests        metric.Int64Counter
	rateWait        metric.Float64Histogram
	rateExhausted   metric.Int64Counter
	ordersPlaced    metric.Int64Counter
	monitorAttempts metric.Int64Histogram
	monitorOutcomes metric.Int64Counter
	amends          metric.Int64Counter
	operations      metric.Int64Counter
	perfUpserts     metric.Int64Counter
	poolEvictions   metric.Int64Counter
}

var (
	engineOnce    sync.Once
	engineMetrics *EngineMetrics
)

// Engine returns the process-wide engine instruments backed by the global meter provider.
func Engine() *EngineMetrics {
	engineOnce.Do(func() {
		m, err := NewEngineMetrics(otel.Meter(meterName))
		if err != nil {
			return
		}
		engineMetrics = m
	})
	return engineMetrics
}

// NewEngineMetrics creates the engine instruments on the supplied meter.
func NewEngineMetrics(meter metric.Meter) (*EngineMetrics, error) {
	m := &EngineMetrics{}
	var err error
	if m.requestDuration, err = meter.Float64Histogram(metricVenueRequestDuration,
		metric.WithDescription("Venue REST round-trip latency"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.requests, err = meter.Int64Counter(metricVenueRequests,
		metric.WithDescription("Venue REST calls by endpoint and result"), metric.WithUnit("{request}")); err != nil {
		return nil, err
	}
	if m.rateWait, err = meter.Float64Histogram(metricRateLimitWait,
		metric.WithDescription("Time spent sleeping in the rate limiter"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.rateExhausted, err = meter.Int64Counter(metricRateLimitExhausted,
		metric.WithDescription("Calls refused after the backoff budget"), metric.WithUnit("{call}")); err != nil {
		return nil, err
	}
	if m.ordersPlaced, err = meter.Int64Counter(metricOrdersPlaced,
		metric.WithDescription("Orders submitted to a venue"), metric.WithUnit("{order}")); err != nil {
		return nil, err
	}
	if m.monitorAttempts, err = meter.Int64Histogram(metricMonitorAttempts,
		metric.WithDescription("Status polls per monitored order"), metric.WithUnit("{attempt}")); err != nil {
		return nil, err
	}
	if m.monitorOutcomes, err = meter.Int64Counter(metricMonitorOutcomes,
		metric.WithDescription("Monitored orders by terminal status"), metric.WithUnit("{order}")); err != nil {
		return nil, err
	}
	if m.amends, err = meter.Int64Counter(metricAmends,
		metric.WithDescription("Drift re-pricing amend attempts"), metric.WithUnit("{amend}")); err != nil {
		return nil, err
	}
	if m.operations, err = meter.Int64Counter(metricOperations,
		metric.WithDescription("Orchestrator operations by result"), metric.WithUnit("{operation}")); err != nil {
		return nil, err
	}
	if m.perfUpserts, err = meter.Int64Counter(metricPerformanceUpserts,
		metric.WithDescription("Daily performance upserts"), metric.WithUnit("{record}")); err != nil {
		return nil, err
	}
	if m.poolEvictions, err = meter.Int64Counter(metricPoolEvictions,
		metric.WithDescription("Idle exchange clients evicted from the pool"), metric.WithUnit("{client}")); err != nil {
		return nil, err
	}
	return m, nil
}

// VenueRequest records one REST round trip.
func (m *EngineMetrics) VenueRequest(ctx context.Context, exchange, endpoint string, took time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := RequestAttributes(exchange, endpoint, ResultOf(err))
	if err != nil {
		attrs = append(attrs, AttrErrorType.String(string(errs.CodeOf(err))))
	}
	set := metric.WithAttributes(attrs...)
	m.requests.Add(ctx, 1, set)
	m.requestDuration.Record(ctx, millis(took), set)
}

// RateLimitWait records a limiter sleep.
func (m *EngineMetrics) RateLimitWait(ctx context.Context, exchange string, wait time.Duration) {
	if m == nil {
		return
	}
	m.rateWait.Record(ctx, millis(wait), metric.WithAttributes(ExchangeAttributes(exchange)...))
}

// RateLimitExhausted records a call refused by the limiter.
func (m *EngineMetrics) RateLimitExhausted(ctx context.Context, exchange string) {
	if m == nil {
		return
	}
	m.rateExhausted.Add(ctx, 1, metric.WithAttributes(ExchangeAttributes(exchange)...))
}

// OrderPlaced records an order submission.
func (m *EngineMetrics) OrderPlaced(ctx context.Context, exchange, symbol, side string, err error) {
	if m == nil {
		return
	}
	attrs := append(OrderAttributes(exchange, symbol, side), AttrResult.String(ResultOf(err)))
	m.ordersPlaced.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// MonitorOutcome records the terminal status of a monitored order.
func (m *EngineMetrics) MonitorOutcome(ctx context.Context, exchange, status string, attempts int) {
	if m == nil {
		return
	}
	set := metric.WithAttributes(append(ExchangeAttributes(exchange), AttrStatus.String(status))...)
	m.monitorOutcomes.Add(ctx, 1, set)
	m.monitorAttempts.Record(ctx, int64(attempts), set)
}

// Amend records a drift re-pricing attempt.
func (m *EngineMetrics) Amend(ctx context.Context, exchange string, err error) {
	if m == nil {
		return
	}
	m.amends.Add(ctx, 1, metric.WithAttributes(append(ExchangeAttributes(exchange), AttrResult.String(ResultOf(err)))...))
}

// Operation records an orchestrator operation.
func (m *EngineMetrics) Operation(ctx context.Context, exchange, operation string, err error) {
	if m == nil {
		return
	}
	m.operations.Add(ctx, 1, metric.WithAttributes(OperationResultAttributes(exchange, operation, ResultOf(err))...))
}

// PerformanceUpsert records a daily performance write.
func (m *EngineMetrics) PerformanceUpsert(ctx context.Context, err error) {
	if m == nil {
		return
	}
	m.perfUpserts.Add(ctx, 1, metric.WithAttributes(
		AttrEnvironment.String(Environment()),
		AttrResult.String(ResultOf(err)),
	))
}

// PoolEviction records idle client evictions.
func (m *EngineMetrics) PoolEviction(ctx context.Context, exchange string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.poolEvictions.Add(ctx, int64(count), metric.WithAttributes(ExchangeAttributes(exchange)...))
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
