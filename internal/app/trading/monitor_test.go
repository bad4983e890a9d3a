package trading

import (
	"context"
	"testing"
	"time"

	"github.com/coachpo/tradeplane/errs"
	"github.com/coachpo/tradeplane/internal/domain/schema"
	"github.com/coachpo/tradeplane/internal/infra/adapters/fake"
)

func noSleep(context.Context, time.Duration) error { return nil }

func openOrder(side schema.Side, price string) *schema.OrderStatus {
	return &schema.OrderStatus{Symbol: "BTCUSDT", Side: side, Price: dec(price), Size: dec("0.02"), State: "live"}
}

func placeScripted(t *testing.T, venue *fake.Exchange, statuses ...*schema.OrderStatus) string {
	t.Helper()
	venue.ScriptNextOrder(statuses...)
	ack, err := venue.PlaceOrder(context.Background(), schema.OrderRequest{Symbol: "BTCUSDT", Side: schema.SideBuy, Size: dec("0.02"), Price: dec("100")})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	return ack.OrderID
}

func TestWatchFilledWhenOrderDisappears(t *testing.T) {
	venue := btcVenue()
	id := placeScripted(t, venue, openOrder(schema.SideBuy, "49999.9"), nil)
	res := NewMonitor(venue, MonitorConfig{}, noSleep).Watch(context.Background(), "BTCUSDT", id)
	if res.Status != schema.MonitorFilled || res.Attempts != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestWatchTimesOutAfterBudget(t *testing.T) {
	venue := btcVenue()
	id := placeScripted(t, venue, openOrder(schema.SideBuy, "49999.9"))
	var slept []time.Duration
	sleep := func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	res := NewMonitor(venue, MonitorConfig{}, sleep).Watch(context.Background(), "BTCUSDT", id)
	if res.Status != schema.MonitorTimeout || res.Attempts != DefaultMonitorAttempts {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(slept) != DefaultMonitorAttempts || slept[0] != time.Second {
		t.Fatalf("expected %d one-second waits, got %v", DefaultMonitorAttempts, slept)
	}
	if len(venue.Amends()) != 0 {
		t.Fatalf("price within threshold must not amend")
	}
}

func TestWatchRepricesOnDrift(t *testing.T) {
	cases := []struct {
		name    string
		side    schema.Side
		price   string
		ticker  schema.Ticker
		amendTo string
	}{
		{"buy chases a rising market", schema.SideBuy, "100", schema.Ticker{Last: dec("100.2"), Bid: dec("100.15"), Ask: dec("100.25")}, "100.15"},
		{"sell chases a falling market", schema.SideSell, "100", schema.Ticker{Last: dec("99.8"), Bid: dec("99.75"), Ask: dec("99.85")}, "99.85"},
		{"buy inside threshold", schema.SideBuy, "100", schema.Ticker{Last: dec("100.1"), Bid: dec("100.05"), Ask: dec("100.15")}, ""},
		{"sell with favourable move", schema.SideSell, "100", schema.Ticker{Last: dec("101"), Bid: dec("100.9"), Ask: dec("101.1")}, ""},
	}
	for _, tc := range cases {
		venue := fake.NewExchange(schema.ExchangeOKX)
		venue.SetTicker("BTCUSDT", tc.ticker)
		id := placeScripted(t, venue, openOrder(tc.side, tc.price), nil)
		res := NewMonitor(venue, MonitorConfig{}, noSleep).Watch(context.Background(), "BTCUSDT", id)
		if res.Status != schema.MonitorFilled {
			t.Fatalf("%s: unexpected result %+v", tc.name, res)
		}
		amends := venue.Amends()
		if tc.amendTo == "" {
			if len(amends) != 0 {
				t.Fatalf("%s: unexpected amend %+v", tc.name, amends)
			}
			continue
		}
		if len(amends) != 1 || !amends[0].Price.Equal(dec(tc.amendTo)) || res.Amends != 1 {
			t.Fatalf("%s: expected amend to %s, got %+v", tc.name, tc.amendTo, amends)
		}
	}
}

func TestWatchAmendFailureKeepsMonitoring(t *testing.T) {
	venue := btcVenue()
	venue.SetTicker("BTCUSDT", schema.Ticker{Last: dec("51000"), Bid: dec("50999"), Ask: dec("51001")})
	venue.Fail("AmendOrder", errs.Exchange("bybit", "order not modified"))
	id := placeScripted(t, venue, openOrder(schema.SideBuy, "50000"), openOrder(schema.SideBuy, "50000"), nil)

	res := NewMonitor(venue, MonitorConfig{}, noSleep).Watch(context.Background(), "BTCUSDT", id)
	if res.Status != schema.MonitorFilled || res.Attempts != 3 || res.Amends != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestWatchStatusErrorIsTerminal(t *testing.T) {
	venue := btcVenue()
	id := placeScripted(t, venue, openOrder(schema.SideBuy, "50000"))
	venue.Fail("OrderStatus", errs.Exchange("bybit", "order lookup failed"))
	res := NewMonitor(venue, MonitorConfig{}, noSleep).Watch(context.Background(), "BTCUSDT", id)
	if res.Status != schema.MonitorError || res.Err == "" {
		t.Fatalf("unexpected result %+v", res)
	}
}
