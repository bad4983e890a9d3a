// Package trading executes trades against a single account: sizing, position
// reconciliation, order placement and fill monitoring.
package trading

import (
	"context"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradeplane/errs"
	"github.com/coachpo/tradeplane/internal/domain/exchange"
	"github.com/coachpo/tradeplane/internal/domain/schema"
	"github.com/coachpo/tradeplane/internal/observability"
)

// SpecResolver resolves the trading constraints of a symbol.
type SpecResolver interface {
	Get(ctx context.Context, typ schema.ExchangeType, symbol string) (schema.SymbolSpec, error)
}

// SymbolNormalizer maps an inbound symbol such as "BTC" to the venue's canonical one.
// Operations normalize trade symbols when their SpecResolver also implements it.
type SymbolNormalizer interface {
	NormalizeSymbol(ctx context.Context, typ schema.ExchangeType, symbol string) string
}

// PriceKind names the price being validated.
type PriceKind string

const (
	PriceEntry      PriceKind = "entry"
	PriceTakeProfit PriceKind = "take_profit"
	PriceStopLoss   PriceKind = "stop_loss"
)

var hundred = decimal.NewFromInt(100)

// Sizer converts risk parameters into lot-aligned order sizes.
type Sizer struct {
	venue exchange.Client
	specs SpecResolver
}

// NewSizer builds a sizer for one venue client.
func NewSizer(venue exchange.Client, specs SpecResolver) *Sizer {
	return &Sizer{venue: venue, specs: specs}
}

// CalcTradeSize sizes an order risking riskPct percent of balance at the given leverage,
// priced at the last trade. The result is a lot multiple and never below one lot.
func (s *Sizer) CalcTradeSize(ctx context.Context, symbol string, riskPct decimal.Decimal, leverage int, balance decimal.Decimal) (decimal.Decimal, error) {
	if err := validateSizing(riskPct, leverage, balance); err != nil {
		return decimal.Zero, err
	}
	spec, err := s.specs.Get(ctx, s.venue.Exchange(), symbol)
	if err != nil {
		return decimal.Zero, err
	}
	ticker, err := s.venue.CurrentPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if !ticker.Last.IsPositive() {
		return decimal.Zero, errs.Exchange(string(s.venue.Exchange()), "no last price",
			errs.WithField("symbol", symbol))
	}
	return SizeFor(spec, riskPct, leverage, balance, ticker.Last), nil
}

func validateSizing(riskPct decimal.Decimal, leverage int, balance decimal.Decimal) error {
	if !riskPct.IsPositive() || leverage <= 0 {
		return errs.Validation("risk and leverage must be positive",
			errs.WithField("risk", riskPct.String()),
			errs.WithField("leverage", strconv.Itoa(leverage)))
	}
	if !balance.IsPositive() {
		return errs.Validation("insufficient balance", errs.WithField("balance", balance.String()))
	}
	return nil
}

// SizeFor computes (balance*risk/100*leverage)/(contract*price) floored to the lot size.
// The single division keeps the same scale as the lot flooring.
func SizeFor(spec schema.SymbolSpec, riskPct decimal.Decimal, leverage int, balance, price decimal.Decimal) decimal.Decimal {
	notional := balance.Mul(riskPct).Mul(decimal.NewFromInt(int64(leverage)))
	raw := notional.DivRound(hundred.Mul(spec.ContractSize).Mul(price), schema.QuantizeScale)
	return spec.FloorSize(raw)
}

// ValidatePrice checks price is positive and rounds it to the symbol's tick, half to even.
func (s *Sizer) ValidatePrice(ctx context.Context, symbol string, side schema.Side, kind PriceKind, price decimal.Decimal) (decimal.Decimal, error) {
	if !price.IsPositive() {
		return decimal.Zero, errs.Validation("price must be positive",
			errs.WithField("symbol", symbol),
			errs.WithField("side", string(side)),
			errs.WithField("price_type", string(kind)),
			errs.WithField("price", price.String()))
	}
	spec, err := s.specs.Get(ctx, s.venue.Exchange(), symbol)
	if err != nil {
		return decimal.Zero, err
	}
	normalized := spec.RoundPrice(price)
	if !normalized.IsPositive() {
		return decimal.Zero, errs.Validation("price below tick size",
			errs.WithField("symbol", symbol),
			errs.WithField("price", price.String()),
			errs.WithField("tick_size", spec.TickSize.String()))
	}
	observability.Log().Debug("validated price",
		observability.F("symbol", symbol),
		observability.F("original", price.String()),
		observability.F("normalized", normalized.String()),
		observability.F("price_type", string(kind)))
	return normalized, nil
}
