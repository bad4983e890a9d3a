package trading

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradeplane/internal/domain/exchange"
	"github.com/coachpo/tradeplane/internal/domain/schema"
	"github.com/coachpo/tradeplane/internal/observability"
	"github.com/coachpo/tradeplane/internal/telemetry"
)

// Monitor defaults.
const (
	DefaultMonitorAttempts = 9
	DefaultMonitorInterval = time.Second
)

// DefaultDriftThreshold is the fractional price move that triggers a re-price (0.1%).
var DefaultDriftThreshold = decimal.RequireFromString("0.001")

// MonitorConfig bounds order monitoring.
type MonitorConfig struct {
	MaxAttempts int
	Interval    time.Duration
	Drift       decimal.Decimal
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMonitorAttempts
	}
	if c.Interval <= 0 {
		c.Interval = DefaultMonitorInterval
	}
	if !c.Drift.IsPositive() {
		c.Drift = DefaultDriftThreshold
	}
	return c
}

// Monitor polls a resting order until it fills or the attempt budget runs out,
// re-pricing it when the market drifts away.
type Monitor struct {
	venue exchange.Client
	cfg   MonitorConfig
	sleep func(context.Context, time.Duration) error
}

// NewMonitor builds a monitor. A nil sleep uses a context-aware timer.
func NewMonitor(venue exchange.Client, cfg MonitorConfig, sleep func(context.Context, time.Duration) error) *Monitor {
	if sleep == nil {
		sleep = sleepContext
	}
	return &Monitor{venue: venue, cfg: cfg.withDefaults(), sleep: sleep}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Watch monitors orderID. An order that is no longer open counts as filled.
// Timeout is not an error; the caller decides whether to cancel.
func (m *Monitor) Watch(ctx context.Context, symbol, orderID string) schema.MonitorResult {
	venue := string(m.venue.Exchange())
	log := observability.With(observability.Log(),
		observability.F("exchange", venue),
		observability.F("symbol", symbol),
		observability.F("order_id", orderID))
	result := schema.MonitorResult{}
	finish := func(status schema.MonitorStatus) schema.MonitorResult {
		result.Status = status
		telemetry.Engine().MonitorOutcome(ctx, venue, string(status), result.Attempts)
		return result
	}

	for result.Attempts < m.cfg.MaxAttempts {
		if err := m.sleep(ctx, m.cfg.Interval); err != nil {
			result.Err = err.Error()
			return finish(schema.MonitorError)
		}
		result.Attempts++

		status, err := m.venue.OrderStatus(ctx, symbol, orderID)
		if err != nil {
			log.Error("order status lookup failed", observability.F("attempt", result.Attempts), observability.Err(err))
			result.Err = err.Error()
			return finish(schema.MonitorError)
		}
		if status == nil {
			return finish(schema.MonitorFilled)
		}

		ticker, err := m.venue.CurrentPrice(ctx, symbol)
		if err != nil {
			log.Warn("price lookup failed during monitoring", observability.F("attempt", result.Attempts), observability.Err(err))
			continue
		}
		newPrice, drifted := m.repriceTarget(status, ticker)
		if !drifted {
			continue
		}
		err = m.venue.AmendOrder(ctx, symbol, orderID, newPrice)
		telemetry.Engine().Amend(ctx, venue, err)
		if err != nil {
			log.Warn("failed to amend order",
				observability.F("attempt", result.Attempts),
				observability.F("price", newPrice.String()),
				observability.Err(err))
			continue
		}
		result.Amends++
		log.Debug("order re-priced",
			observability.F("from", status.Price.String()),
			observability.F("to", newPrice.String()))
	}
	return finish(schema.MonitorTimeout)
}

// repriceTarget returns the new price when last has moved against the order beyond the threshold:
// above price*(1+drift) for a buy (re-price to bid), below price*(1-drift) for a sell (re-price to ask).
func (m *Monitor) repriceTarget(status *schema.OrderStatus, ticker schema.Ticker) (decimal.Decimal, bool) {
	one := decimal.NewFromInt(1)
	switch status.Side {
	case schema.SideBuy:
		limit := status.Price.Mul(one.Add(m.cfg.Drift))
		if ticker.Last.GreaterThan(limit) && ticker.Bid.IsPositive() {
			return ticker.Bid, true
		}
	case schema.SideSell:
		limit := status.Price.Mul(one.Sub(m.cfg.Drift))
		if ticker.Last.LessThan(limit) && ticker.Ask.IsPositive() {
			return ticker.Ask, true
		}
	}
	return decimal.Zero, false
}
