package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeMetrics is the raw input folded into a daily performance record.
type TradeMetrics struct {
	ClosedTrades     int
	WinningTrades    int
	ClosedTradeValue decimal.Decimal
	TradingFees      decimal.Decimal
	FundingFees      decimal.Decimal
	TotalPnL         decimal.Decimal
	Balance          decimal.Decimal
	Equity           decimal.Decimal
	OpenPositions    int
	OpenNotional     decimal.Decimal
	// Backfill marks an update for a past day. Its snapshot fields only seed a new
	// record; an existing record keeps its own.
	Backfill bool
}

// DailyPerformance is the per-account, per-day performance record.
type DailyPerformance struct {
	AccountID        string
	Date             time.Time
	ClosedTrades     int
	WinningTrades    int
	ClosedTradeValue decimal.Decimal
	TradingFees      decimal.Decimal
	FundingFees      decimal.Decimal
	TotalPnL         decimal.Decimal
	NetPnL           decimal.Decimal
	AvgTradeValue    decimal.Decimal
	Balance          decimal.Decimal
	Equity           decimal.Decimal
	ROI              decimal.Decimal
	OpenPositions    int
	OpenNotional     decimal.Decimal
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DateKey returns the record date as YYYY-MM-DD in UTC.
func (d DailyPerformance) DateKey() string {
	return d.Date.UTC().Format(time.DateOnly)
}

// TruncateDay returns midnight UTC of t.
func TruncateDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// DateRange bounds a query, inclusive on both ends.
type DateRange struct {
	Start time.Time
	End   time.Time
}
