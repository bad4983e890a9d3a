package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradeplane/errs"
	"github.com/coachpo/tradeplane/internal/domain/referencestore"
	"github.com/coachpo/tradeplane/internal/domain/schema"
)

func TestNewStoreAllowsNilPool(t *testing.T) {
	store := New(nil)
	if store.Pool() != nil {
		t.Fatalf("expected nil pool passthrough")
	}
	ctx := context.Background()
	checks := map[string]error{}
	_, _, checks["spec get"] = store.Specs().Get(ctx, schema.ExchangeOKX, "BTC-USDT-SWAP")
	checks["spec save"] = store.Specs().Save(ctx, schema.SymbolSpec{Exchange: schema.ExchangeOKX, Symbol: "X"})
	_, checks["spec deactivate"] = store.Specs().DeactivateVerifiedBefore(ctx, time.Now())
	checks["perf upsert"] = store.Performance().Upsert(ctx, schema.DailyPerformance{AccountID: "a"})
	_, checks["perf range"] = store.Performance().Range(ctx, "a", schema.DateRange{})
	_, checks["perf delete"] = store.Performance().DeleteBefore(ctx, time.Now(), 10)
	checks["trade record"] = store.Trades().RecordTrade(ctx, schema.TradeRecord{})
	checks["trade close"] = store.Trades().CloseTrade(ctx, schema.TradeClose{})
	_, checks["ref validate"] = store.References().Validate(ctx, referencestore.KindBot, referencestore.KindAccount, "a")
	_, checks["ref accounts"] = store.References().Accounts(ctx, referencestore.KindBot, "b")
	for name, err := range checks {
		if !errs.Is(err, errs.CodeDatabase) {
			t.Fatalf("%s: expected database error for nil pool, got %v", name, err)
		}
	}
}

func TestNumericRoundTrip(t *testing.T) {
	for _, raw := range []string{"0", "0.00000001", "-12.5", "65000.1", "123456789.123456789"} {
		d := decimal.RequireFromString(raw)
		got, err := fromNumeric(toNumeric(d))
		if err != nil {
			t.Fatalf("fromNumeric(%s): %v", raw, err)
		}
		if !got.Equal(d) {
			t.Fatalf("round trip %s -> %s", raw, got)
		}
	}
	if got, err := fromNumeric(pgtype.Numeric{}); err != nil || !got.IsZero() {
		t.Fatalf("null numeric must read as zero, got %s %v", got, err)
	}
	if _, err := fromNumeric(pgtype.Numeric{NaN: true, Valid: true}); err == nil {
		t.Fatalf("expected error for NaN")
	}
	if n := toNullableNumeric(decimal.Zero, false); n.Valid {
		t.Fatalf("unset numeric must be NULL")
	}
}
