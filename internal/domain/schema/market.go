package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide normalises an order side.
func ParseSide(raw string) (Side, bool) {
	switch Side(strings.ToLower(strings.TrimSpace(raw))) {
	case SideBuy:
		return SideBuy, true
	case SideSell:
		return SideSell, true
	default:
		return "", false
	}
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PositionSide is the direction of an open position.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// Matches reports whether an order side adds to a position of this direction.
func (p PositionSide) Matches(side Side) bool {
	return (p == PositionLong && side == SideBuy) || (p == PositionShort && side == SideSell)
}

// PositionSideFor maps an order side to the position it opens.
func PositionSideFor(side Side) PositionSide {
	if side == SideSell {
		return PositionShort
	}
	return PositionLong
}

// Ticker holds the top of book for a symbol.
type Ticker struct {
	Last decimal.Decimal
	Bid  decimal.Decimal
	Ask  decimal.Decimal
}

// Balance is the settlement currency balance of an account.
type Balance struct {
	Currency  string
	Available decimal.Decimal
	Equity    decimal.Decimal
}

// SymbolSpec holds the trading constraints of a symbol on one venue.
type SymbolSpec struct {
	Exchange     ExchangeType
	Symbol       string
	TickSize     decimal.Decimal
	LotSize      decimal.Decimal
	ContractSize decimal.Decimal
	Active       bool
	LastVerified time.Time
}

// Valid reports whether every increment is strictly positive.
func (s SymbolSpec) Valid() bool {
	return s.TickSize.IsPositive() && s.LotSize.IsPositive() && s.ContractSize.IsPositive()
}

// SameConstraints reports whether two specs carry identical increments.
func (s SymbolSpec) SameConstraints(other SymbolSpec) bool {
	return s.TickSize.Equal(other.TickSize) &&
		s.LotSize.Equal(other.LotSize) &&
		s.ContractSize.Equal(other.ContractSize)
}

// RoundPrice rounds price to the nearest tick multiple, half to even.
func (s SymbolSpec) RoundPrice(price decimal.Decimal) decimal.Decimal {
	if !s.TickSize.IsPositive() {
		return price
	}
	return price.DivRound(s.TickSize, QuantizeScale).RoundBank(0).Mul(s.TickSize)
}

// FloorSize floors raw to a lot multiple, never returning less than one lot.
func (s SymbolSpec) FloorSize(raw decimal.Decimal) decimal.Decimal {
	if !s.LotSize.IsPositive() {
		return raw
	}
	lots := raw.DivRound(s.LotSize, QuantizeScale).Floor()
	size := lots.Mul(s.LotSize)
	if size.LessThan(s.LotSize) {
		return s.LotSize
	}
	return size
}

// QuantizeScale is the decimal places kept when dividing by an increment.
const QuantizeScale = 24

// Position is an open venue position normalised across venues.
type Position struct {
	Symbol        string
	Side          PositionSide
	Size          decimal.Decimal
	EntryPrice    decimal.Decimal
	NotionalValue decimal.Decimal
}

// Empty reports whether the position carries no size.
func (p *Position) Empty() bool {
	return p == nil || p.Size.IsZero()
}

// ClosedPosition is one realised position from venue history.
type ClosedPosition struct {
	Symbol     string
	Side       PositionSide
	EntryPrice decimal.Decimal
	ExitPrice  decimal.Decimal
	Size       decimal.Decimal
	RawPnL     decimal.Decimal
	TradingFee decimal.Decimal
	FundingFee decimal.Decimal
	NetPnL     decimal.Decimal
	PnLRatio   decimal.Decimal
	OpenedAt   time.Time
	ClosedAt   time.Time
}

// Notional returns size times entry price.
func (c ClosedPosition) Notional() decimal.Decimal {
	return c.Size.Mul(c.EntryPrice)
}
