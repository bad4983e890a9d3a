package schema

import (
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// OrderType categorises how an order executes.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderRequest is an order ready for submission: size lot-aligned, prices tick-aligned.
type OrderRequest struct {
	Symbol     string
	Side       Side
	Type       OrderType
	Size       decimal.Decimal
	Price      decimal.Decimal
	Leverage   int
	TakeProfit *decimal.Decimal
	StopLoss   *decimal.Decimal
	ClientID   string
	ReduceOnly bool
}

// EffectiveType returns the order type, defaulting to limit.
func (r OrderRequest) EffectiveType() OrderType {
	if r.Type == "" {
		return OrderTypeLimit
	}
	return r.Type
}

// OrderAck is the venue acknowledgement of a submitted order.
type OrderAck struct {
	OrderID  string
	ClientID string
	Raw      json.RawMessage
}

// OrderStatus is the live state of a resting order. A nil status means the order is no longer open.
type OrderStatus struct {
	OrderID string
	Symbol  string
	Side    Side
	Price   decimal.Decimal
	Size    decimal.Decimal
	Filled  decimal.Decimal
	State   string
	Raw     json.RawMessage
}

// MonitorStatus is the terminal state of order monitoring.
type MonitorStatus string

const (
	MonitorFilled  MonitorStatus = "filled"
	MonitorTimeout MonitorStatus = "timeout"
	MonitorError   MonitorStatus = "error"
)

// MonitorResult reports how monitoring ended.
type MonitorResult struct {
	Status   MonitorStatus
	Attempts int
	Amends   int
	Err      string
}

// OrderResult is the placed order together with its monitoring outcome.
type OrderResult struct {
	OrderID       string
	ClientID      string
	Raw           json.RawMessage
	MonitorStatus MonitorResult
}
