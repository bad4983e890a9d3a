package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeSource records where a trade instruction originated.
type TradeSource string

const (
	SourceTradingPanel TradeSource = "trading_panel"
	SourceSignal       TradeSource = "signal"
	SourceLadder       TradeSource = "ladder"
	SourceBot          TradeSource = "bot"
)

// TradeStatus is the lifecycle state of a recorded trade.
type TradeStatus string

const (
	TradeOpen   TradeStatus = "open"
	TradeClosed TradeStatus = "closed"
)

// TradeRecord is the engine's write-only record of an executed order.
type TradeRecord struct {
	ID            string
	AccountID     string
	Exchange      ExchangeType
	Symbol        string
	Side          Side
	Size          decimal.Decimal
	EntryPrice    decimal.Decimal
	Leverage      int
	OrderID       string
	ClientID      string
	Source        TradeSource
	MonitorStatus MonitorStatus
	Status        TradeStatus
	ExitPrice     decimal.Decimal
	RealizedPnL   decimal.Decimal
	Fees          decimal.Decimal
	OpenedAt      time.Time
	ClosedAt      *time.Time
}

// TradeClose is applied to an open trade when its position is flattened.
type TradeClose struct {
	TradeID     string
	ExitPrice   decimal.Decimal
	RealizedPnL decimal.Decimal
	Fees        decimal.Decimal
	ClosedAt    time.Time
}

// Bot references the accounts it trades through. It never owns them.
type Bot struct {
	ID         string
	Name       string
	Status     string
	AccountIDs []string
}

// Group is a named collection of accounts used for aggregate reporting.
type Group struct {
	ID         string
	Name       string
	AccountIDs []string
}
