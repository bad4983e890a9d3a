package trading

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradeplane/errs"
	"github.com/coachpo/tradeplane/internal/domain/schema"
	"github.com/coachpo/tradeplane/internal/infra/adapters/fake"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type staticSpecs map[string]schema.SymbolSpec

func (s staticSpecs) Get(_ context.Context, typ schema.ExchangeType, symbol string) (schema.SymbolSpec, error) {
	spec, ok := s[symbol]
	if !ok {
		return schema.SymbolSpec{}, errs.NotFound("unknown symbol", errs.WithField("symbol", symbol))
	}
	spec.Exchange = typ
	return spec, nil
}

func btcSpecs() staticSpecs {
	return staticSpecs{"BTCUSDT": {Symbol: "BTCUSDT", TickSize: dec("0.1"), LotSize: dec("0.001"), ContractSize: dec("1")}}
}

func btcVenue() *fake.Exchange {
	venue := fake.NewExchange(schema.ExchangeBybit)
	venue.SetTicker("BTCUSDT", schema.Ticker{Last: dec("50000"), Bid: dec("49999.9"), Ask: dec("50000.1")})
	venue.SetBalance(schema.Balance{Currency: "USDT", Available: dec("10000"), Equity: dec("10250")})
	return venue
}

func TestCalcTradeSizeScenarios(t *testing.T) {
	sizer := NewSizer(btcVenue(), btcSpecs())
	cases := []struct {
		name string
		risk string
		want string
	}{
		{"signal happy path", "1", "0.02"},
		{"risk below one lot", "0.001", "0.001"},
		{"floors to the lot", "1.2345", "0.024"},
	}
	for _, tc := range cases {
		size, err := sizer.CalcTradeSize(context.Background(), "BTCUSDT", dec(tc.risk), 10, dec("10000"))
		if err != nil {
			t.Fatalf("%s: CalcTradeSize: %v", tc.name, err)
		}
		if !size.Equal(dec(tc.want)) {
			t.Fatalf("%s: size = %s, want %s", tc.name, size, tc.want)
		}
	}
}

func TestCalcTradeSizeRejectsBadInput(t *testing.T) {
	sizer := NewSizer(btcVenue(), btcSpecs())
	cases := []struct {
		name     string
		risk     string
		leverage int
		balance  string
	}{
		{"zero risk", "0", 10, "10000"},
		{"negative leverage", "1", -1, "10000"},
		{"empty balance", "1", 10, "0"},
	}
	for _, tc := range cases {
		_, err := sizer.CalcTradeSize(context.Background(), "BTCUSDT", dec(tc.risk), tc.leverage, dec(tc.balance))
		if !errs.Is(err, errs.CodeInvalid) {
			t.Fatalf("%s: expected validation error, got %v", tc.name, err)
		}
	}
}

func TestSizeForIsAlwaysWholeLots(t *testing.T) {
	lots := []string{"0.001", "0.01", "1", "5", "0.0005"}
	prices := []string{"0.0123", "1", "17.5", "50000", "123456.78"}
	risks := []string{"0.0001", "0.5", "1", "3.3", "100"}
	for _, lot := range lots {
		spec := schema.SymbolSpec{TickSize: dec("0.01"), LotSize: dec(lot), ContractSize: dec("1")}
		for _, price := range prices {
			for _, risk := range risks {
				size := SizeFor(spec, dec(risk), 7, dec("2500"), dec(price))
				if size.LessThan(spec.LotSize) {
					t.Fatalf("size %s below lot %s", size, lot)
				}
				if !size.Mod(spec.LotSize).IsZero() {
					t.Fatalf("size %s is not a multiple of lot %s", size, lot)
				}
			}
		}
	}
}

func TestSizeForStaysBelowLotBoundary(t *testing.T) {
	cases := []struct {
		name     string
		lot      string
		balance  string
		leverage int
		price    string
		want     string
	}{
		{"exact boundary", "0.001", "60", 10, "300", "0.02"},
		{"risk amount just under boundary", "0.001", "59.99999999999999997", 10, "300", "0.019"},
		{"price just over boundary", "0.1", "1000", 1, "10.000000000000000001", "0.9"},
	}
	for _, tc := range cases {
		spec := schema.SymbolSpec{TickSize: dec("0.01"), LotSize: dec(tc.lot), ContractSize: dec("1")}
		got := SizeFor(spec, dec("1"), tc.leverage, dec(tc.balance), dec(tc.price))
		if !got.Equal(dec(tc.want)) {
			t.Fatalf("%s: size = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestValidatePriceRoundTrip(t *testing.T) {
	ticks := []string{"0.1", "0.5", "0.01", "0.0001", "5"}
	prices := []string{"65000.04", "65000.05", "65000.25", "1.23456", "99.99", "12345.6789"}
	for _, tick := range ticks {
		venue := btcVenue()
		sizer := NewSizer(venue, staticSpecs{"BTCUSDT": {TickSize: dec(tick), LotSize: dec("0.001"), ContractSize: dec("1")}})
		for _, raw := range prices {
			p := dec(raw)
			if p.LessThan(dec(tick)) {
				continue
			}
			got, err := sizer.ValidatePrice(context.Background(), "BTCUSDT", schema.SideBuy, PriceTakeProfit, p)
			if err != nil {
				t.Fatalf("ValidatePrice(%s, tick %s): %v", raw, tick, err)
			}
			if !got.Mod(dec(tick)).IsZero() {
				t.Fatalf("%s is not a multiple of %s", got, tick)
			}
			if got.Sub(p).Abs().GreaterThanOrEqual(dec(tick)) {
				t.Fatalf("%s moved more than one tick from %s", got, raw)
			}
		}
	}
}

func TestValidatePriceHalfToEven(t *testing.T) {
	sizer := NewSizer(btcVenue(), btcSpecs())
	cases := map[string]string{
		"100.25": "100.2",
		"100.35": "100.4",
		"100.26": "100.3",
	}
	for in, want := range cases {
		got, err := sizer.ValidatePrice(context.Background(), "BTCUSDT", schema.SideSell, PriceEntry, dec(in))
		if err != nil {
			t.Fatalf("ValidatePrice: %v", err)
		}
		if !got.Equal(dec(want)) {
			t.Fatalf("ValidatePrice(%s) = %s, want %s", in, got, want)
		}
	}
	if _, err := sizer.ValidatePrice(context.Background(), "BTCUSDT", schema.SideSell, PriceEntry, dec("-1")); !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected validation error for negative price, got %v", err)
	}
}
