package symbols

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradeplane/errs"
	"github.com/coachpo/tradeplane/internal/domain/schema"
	"github.com/coachpo/tradeplane/internal/infra/adapters/fake"
	"github.com/coachpo/tradeplane/internal/infra/persistence/memory"
	"github.com/coachpo/tradeplane/lib/async"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func btcSpec() schema.SymbolSpec {
	return schema.SymbolSpec{Symbol: "BTCUSDT", TickSize: dec("0.1"), LotSize: dec("0.001"), ContractSize: dec("1")}
}

func liveLookups(ex *fake.Exchange) int {
	n := 0
	for _, c := range ex.Calls() {
		if strings.HasPrefix(c, "SymbolSpec ") {
			n++
		}
	}
	return n
}

func newTestResolver(t *testing.T, opts ...Option) (*Resolver, *memory.SpecStore, *fake.Exchange) {
	t.Helper()
	store := memory.NewSpecStore()
	venue := fake.NewExchange(schema.ExchangeBybit)
	venue.SetSpec(btcSpec())
	venue.SetSpec(schema.SymbolSpec{Symbol: "ETHUSDT", TickSize: dec("0.01"), LotSize: dec("0.01"), ContractSize: dec("1")})
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	r, err := NewResolver(store, venue, opts...)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	t.Cleanup(r.Close)
	return r, store, venue
}

func TestGetFallsBackToLiveAndPersists(t *testing.T) {
	r, store, venue := newTestResolver(t)
	ctx := context.Background()

	spec, err := r.Get(ctx, schema.ExchangeBybit, "btcusdt")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !spec.TickSize.Equal(dec("0.1")) || !spec.LastVerified.Equal(testNow) || !spec.Active {
		t.Fatalf("unexpected spec %+v", spec)
	}
	stored, found, _ := store.Get(ctx, schema.ExchangeBybit, "BTCUSDT")
	if !found || !stored.LotSize.Equal(dec("0.001")) {
		t.Fatalf("live result must be persisted, got %+v", stored)
	}
	if _, err := r.Get(ctx, schema.ExchangeBybit, "BTCUSDT"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if n := liveLookups(venue); n != 1 {
		t.Fatalf("expected a single live lookup, got %d", n)
	}
}

func TestGetPrefersStoreOverVenue(t *testing.T) {
	r, store, venue := newTestResolver(t)
	ctx := context.Background()
	stored := btcSpec()
	stored.Exchange = schema.ExchangeBybit
	stored.TickSize = dec("0.5")
	stored.Active = true
	stored.LastVerified = testNow.Add(-time.Hour)
	if err := store.Save(ctx, stored); err != nil {
		t.Fatalf("Save: %v", err)
	}

	spec, err := r.Get(ctx, schema.ExchangeBybit, "BTCUSDT")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !spec.TickSize.Equal(dec("0.5")) {
		t.Fatalf("expected stored tick, got %s", spec.TickSize)
	}
	if n := liveLookups(venue); n != 0 {
		t.Fatalf("fresh stored spec must not hit the venue, got %d lookups", n)
	}
}

func TestGetRejectsInvalidLiveSpec(t *testing.T) {
	r, _, venue := newTestResolver(t)
	venue.SetSpec(schema.SymbolSpec{Symbol: "BADUSDT", TickSize: dec("0"), LotSize: dec("1"), ContractSize: dec("1")})
	if _, err := r.Get(context.Background(), schema.ExchangeBybit, "BADUSDT"); !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestStaleSpecServedThenReverified(t *testing.T) {
	pool, err := async.NewPool(1, 4)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	r, store, venue := newTestResolver(t, WithVerifyPool(pool))
	ctx := context.Background()
	stale := btcSpec()
	stale.Exchange = schema.ExchangeBybit
	stale.TickSize = dec("0.5")
	stale.Active = true
	stale.LastVerified = testNow.Add(-48 * time.Hour)
	_ = store.Save(ctx, stale)

	spec, err := r.Get(ctx, schema.ExchangeBybit, "BTCUSDT")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !spec.TickSize.Equal(dec("0.5")) {
		t.Fatalf("stale value must be served immediately, got %s", spec.TickSize)
	}

	shutdown, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := pool.Shutdown(shutdown); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	updated, _, _ := store.Get(ctx, schema.ExchangeBybit, "BTCUSDT")
	if !updated.TickSize.Equal(dec("0.1")) || !updated.LastVerified.Equal(testNow) {
		t.Fatalf("expected background verification to refresh the spec, got %+v", updated)
	}
	if n := liveLookups(venue); n != 1 {
		t.Fatalf("expected one verification lookup, got %d", n)
	}
}

func TestVerifyUpdatesChangedFieldsOnly(t *testing.T) {
	r, store, _ := newTestResolver(t)
	ctx := context.Background()
	stored := btcSpec()
	stored.Exchange = schema.ExchangeBybit
	stored.LotSize = dec("0.01")
	stored.Active = true
	stored.LastVerified = testNow.Add(-72 * time.Hour)
	_ = store.Save(ctx, stored)

	spec, err := r.Verify(ctx, schema.ExchangeBybit, "BTCUSDT")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !spec.LotSize.Equal(dec("0.001")) || !spec.TickSize.Equal(dec("0.1")) || !spec.LastVerified.Equal(testNow) {
		t.Fatalf("unexpected verified spec %+v", spec)
	}
}

func TestBulkValidateIsolatesFailures(t *testing.T) {
	r, _, venue := newTestResolver(t)
	venue.SetSpec(schema.SymbolSpec{Symbol: "BTCUSDT", TickSize: dec("0.1"), LotSize: dec("0.001"), ContractSize: dec("1")})

	results := r.BulkValidate(context.Background(), schema.ExchangeBybit, []string{"BTC", "??INVALID??", "ETH"})
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if !results[0].OK() || results[0].Spec.Symbol != "BTCUSDT" {
		t.Fatalf("BTC should validate, got %+v", results[0])
	}
	if results[1].OK() || !errs.Is(results[1].Err, errs.CodeInvalid) {
		t.Fatalf("invalid symbol should fail validation, got %+v", results[1])
	}
	if !results[2].OK() || results[2].Spec.Symbol != "ETHUSDT" {
		t.Fatalf("ETH should validate, got %+v", results[2])
	}
}

func TestBulkUpdateReportsPerSymbol(t *testing.T) {
	r, _, _ := newTestResolver(t)
	results := r.BulkUpdateFromExchange(context.Background(), schema.ExchangeBybit, []string{"BTCUSDT", "DOGEUSDT"})
	if !results[0].OK() || results[1].OK() {
		t.Fatalf("unexpected results %+v", results)
	}
	if !errs.Is(results[1].Err, errs.CodeExchange) {
		t.Fatalf("expected venue error for unknown symbol, got %v", results[1].Err)
	}
}

func TestDisableInactiveSymbols(t *testing.T) {
	r, store, _ := newTestResolver(t)
	ctx := context.Background()
	old := btcSpec()
	old.Exchange = schema.ExchangeBybit
	old.Active = true
	old.LastVerified = testNow.AddDate(0, 0, -40)
	_ = store.Save(ctx, old)

	n, err := r.DisableInactiveSymbols(ctx, 0)
	if err != nil || n != 1 {
		t.Fatalf("expected one disabled symbol, got %d %v", n, err)
	}
	if _, found, _ := store.Get(ctx, schema.ExchangeBybit, "BTCUSDT"); found {
		t.Fatalf("disabled spec must not be served from the store")
	}
}

func TestNormalizeSymbol(t *testing.T) {
	r, _, venue := newTestResolver(t)
	ctx := context.Background()
	if got := r.NormalizeSymbol(ctx, schema.ExchangeBybit, "btc/usdt"); got != "BTCUSDT" {
		t.Fatalf("expected BTCUSDT, got %s", got)
	}
	venue.Fail("SymbolSpec", errs.Exchange("bybit", "unavailable"))
	if got := r.NormalizeSymbol(ctx, schema.ExchangeBybit, "sol-usdt"); got != "SOLUSDT" {
		t.Fatalf("expected local fallback SOLUSDT, got %s", got)
	}
}

func TestVenueSymbol(t *testing.T) {
	cases := []struct {
		venue schema.ExchangeType
		raw   string
		want  string
		ok    bool
	}{
		{schema.ExchangeOKX, "BTC", "BTC-USDT-SWAP", true},
		{schema.ExchangeOKX, "btc-usdt-swap", "BTC-USDT-SWAP", true},
		{schema.ExchangeBybit, "eth/usdt", "ETHUSDT", true},
		{schema.ExchangeBitget, "1000PEPE", "1000PEPEUSDT", true},
		{schema.ExchangeBybit, "??INVALID??", "", false},
		{schema.ExchangeBybit, "", "", false},
	}
	for _, tc := range cases {
		got, err := VenueSymbol(tc.venue, tc.raw)
		if tc.ok != (err == nil) || got != tc.want {
			t.Fatalf("VenueSymbol(%s, %q) = %q, %v", tc.venue, tc.raw, got, err)
		}
	}
}

func TestConcurrentGetIsSafe(t *testing.T) {
	r, _, _ := newTestResolver(t)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Get(context.Background(), schema.ExchangeBybit, "BTCUSDT"); err != nil {
				t.Errorf("Get: %v", err)
			}
		}()
	}
	wg.Wait()
}
