// Package exchange defines the uniform call contract every venue client implements.
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradeplane/internal/domain/schema"
)

// Client is the venue-neutral set of trading primitives.
//
// Every call is rate limited and signed by the implementation. Venue rejections
// surface as errs.CodeExchange and callers must not assume partial success.
type Client interface {
	Exchange() schema.ExchangeType

	Connect(ctx context.Context) error
	Close() error

	CurrentPrice(ctx context.Context, symbol string) (schema.Ticker, error)
	Balance(ctx context.Context, currency string) (schema.Balance, error)
	// Position returns nil when the symbol has no open size.
	Position(ctx context.Context, symbol string) (*schema.Position, error)
	// Positions returns only positions with non-zero size.
	Positions(ctx context.Context) ([]schema.Position, error)
	PositionHistory(ctx context.Context, start, end time.Time, symbol string) ([]schema.ClosedPosition, error)
	SymbolSpec(ctx context.Context, symbol string) (schema.SymbolSpec, error)

	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetPositionMode(ctx context.Context) error
	CancelAllOrders(ctx context.Context, symbol string) error
	ClosePosition(ctx context.Context, symbol string) error

	PlaceOrder(ctx context.Context, req schema.OrderRequest) (schema.OrderAck, error)
	// OrderStatus returns nil when the order is no longer open.
	OrderStatus(ctx context.Context, symbol, orderID string) (*schema.OrderStatus, error)
	AmendOrder(ctx context.Context, symbol, orderID string, price decimal.Decimal) error
}

// SpecSource performs live symbol specification lookups by venue.
type SpecSource interface {
	FetchSymbolSpec(ctx context.Context, exchange schema.ExchangeType, symbol string) (schema.SymbolSpec, error)
}

// MinLeverage and MaxLeverage bound the accepted leverage on every venue.
const (
	MinLeverage = 1
	MaxLeverage = 100
)
