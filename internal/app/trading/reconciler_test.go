package trading

import (
	"context"
	"reflect"
	"testing"

	"github.com/coachpo/tradeplane/errs"
	"github.com/coachpo/tradeplane/internal/domain/schema"
)

func TestHandleCurrentPositionFlatIsRepeatable(t *testing.T) {
	venue := btcVenue()
	r := NewReconciler(venue)
	for i := 0; i < 2; i++ {
		rec, err := r.HandleCurrentPosition(context.Background(), "BTCUSDT", schema.SideBuy, 10)
		if err != nil {
			t.Fatalf("HandleCurrentPosition: %v", err)
		}
		if rec.Outcome != OutcomeInitialized || rec.ActionNeeded() {
			t.Fatalf("unexpected reconciliation %+v", rec)
		}
	}
	want := []string{"SetLeverage BTCUSDT 10", "SetLeverage BTCUSDT 10"}
	if got := venue.Calls(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
}

func TestHandleCurrentPositionClosesOpposing(t *testing.T) {
	venue := btcVenue()
	venue.SetPosition(schema.Position{Symbol: "BTCUSDT", Side: schema.PositionLong, Size: dec("0.5"), EntryPrice: dec("48000")})
	r := NewReconciler(venue)

	rec, err := r.HandleCurrentPosition(context.Background(), "BTCUSDT", schema.SideSell, 5)
	if err != nil {
		t.Fatalf("HandleCurrentPosition: %v", err)
	}
	if rec.Outcome != OutcomeClosed || rec.Position == nil || rec.ActionNeeded() {
		t.Fatalf("unexpected reconciliation %+v", rec)
	}
	want := []string{"CancelAllOrders BTCUSDT", "ClosePosition BTCUSDT", "SetLeverage BTCUSDT 5"}
	if got := venue.Calls(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
}

func TestHandleCurrentPositionCompatibleTouchesNothing(t *testing.T) {
	venue := btcVenue()
	venue.SetPosition(schema.Position{Symbol: "BTCUSDT", Side: schema.PositionShort, Size: dec("0.5")})
	rec, err := NewReconciler(venue).HandleCurrentPosition(context.Background(), "BTCUSDT", schema.SideSell, 5)
	if err != nil {
		t.Fatalf("HandleCurrentPosition: %v", err)
	}
	if rec.Outcome != OutcomeCompatible || rec.Position == nil || !rec.Position.Size.Equal(dec("0.5")) {
		t.Fatalf("unexpected reconciliation %+v", rec)
	}
	if calls := venue.Calls(); len(calls) != 0 {
		t.Fatalf("compatible position must not trigger venue calls, got %v", calls)
	}
}

func TestHandleCurrentPositionFailureStopsTheSequence(t *testing.T) {
	venue := btcVenue()
	venue.SetPosition(schema.Position{Symbol: "BTCUSDT", Side: schema.PositionLong, Size: dec("1")})
	venue.Fail("ClosePosition", errs.Exchange("bybit", "reduce-only rejected"))

	rec, err := NewReconciler(venue).HandleCurrentPosition(context.Background(), "BTCUSDT", schema.SideSell, 5)
	if !errs.Is(err, errs.CodeExchange) {
		t.Fatalf("expected exchange error, got %v", err)
	}
	if rec.Outcome != OutcomeFailed || !rec.ActionNeeded() {
		t.Fatalf("failure must be reported as needing action, got %+v", rec)
	}
	want := []string{"CancelAllOrders BTCUSDT", "ClosePosition BTCUSDT"}
	if got := venue.Calls(); !reflect.DeepEqual(got, want) {
		t.Fatalf("leverage must not be reset after a failed close, calls = %v", got)
	}
}

// ActionNeeded is only reachable through a failed transition; no successful
// outcome ever reports it.
func TestActionNeededNeverSetOnSuccess(t *testing.T) {
	positions := []*schema.Position{
		nil,
		{Symbol: "BTCUSDT", Side: schema.PositionLong, Size: dec("1")},
		{Symbol: "BTCUSDT", Side: schema.PositionShort, Size: dec("1")},
		{Symbol: "BTCUSDT", Side: schema.PositionLong, Size: dec("0")},
	}
	for _, pos := range positions {
		for _, side := range []schema.Side{schema.SideBuy, schema.SideSell} {
			venue := btcVenue()
			if pos != nil {
				venue.SetPosition(*pos)
			}
			rec, err := NewReconciler(venue).HandleCurrentPosition(context.Background(), "BTCUSDT", side, 3)
			if err != nil {
				t.Fatalf("HandleCurrentPosition: %v", err)
			}
			if rec.ActionNeeded() {
				t.Fatalf("successful outcome %s reported action needed", rec.Outcome)
			}
		}
	}
}

func TestHandleCurrentPositionRejectsLeverage(t *testing.T) {
	venue := btcVenue()
	_, err := NewReconciler(venue).HandleCurrentPosition(context.Background(), "BTCUSDT", schema.SideBuy, 101)
	if !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(venue.Calls()) != 0 {
		t.Fatalf("invalid leverage must not reach the venue")
	}
}
