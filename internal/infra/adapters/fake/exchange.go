// Package fake provides a scripted in-memory venue implementing exchange.Client.
package fake

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradeplane/errs"
	"github.com/coachpo/tradeplane/internal/domain/exchange"
	"github.com/coachpo/tradeplane/internal/domain/schema"
)

// Amend records one AmendOrder call.
type Amend struct {
	Symbol  string
	OrderID string
	Price   decimal.Decimal
}

// Exchange is a deterministic venue whose market state is set by the test.
type Exchange struct {
	venue schema.ExchangeType

	mu        sync.Mutex
	specs     map[string]schema.SymbolSpec
	tickers   map[string][]schema.Ticker
	balance   schema.Balance
	positions map[string]schema.Position
	history   []schema.ClosedPosition
	scripts   [][]*schema.OrderStatus
	statuses  map[string][]*schema.OrderStatus
	failures  map[string]error
	calls     []string
	orders    []schema.OrderRequest
	amends    []Amend
	nextID    int
	connects  int
	closes    int
}

var (
	_ exchange.Client     = (*Exchange)(nil)
	_ exchange.SpecSource = (*Exchange)(nil)
)

// NewExchange creates an empty venue of the given type.
func NewExchange(venue schema.ExchangeType) *Exchange {
	return &Exchange{
		venue:     venue,
		specs:     make(map[string]schema.SymbolSpec),
		tickers:   make(map[string][]schema.Ticker),
		positions: make(map[string]schema.Position),
		statuses:  make(map[string][]*schema.OrderStatus),
		failures:  make(map[string]error),
	}
}

// SetSpec registers the constraints of a symbol.
func (e *Exchange) SetSpec(spec schema.SymbolSpec) {
	e.mu.Lock()
	defer e.mu.Unlock()
	spec.Exchange = e.venue
	spec.Symbol = strings.ToUpper(spec.Symbol)
	e.specs[spec.Symbol] = spec
}

// SetTicker scripts successive quotes for symbol. The last quote repeats.
func (e *Exchange) SetTicker(symbol string, quotes ...schema.Ticker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tickers[strings.ToUpper(symbol)] = append([]schema.Ticker(nil), quotes...)
}

// SetBalance sets the settlement balance.
func (e *Exchange) SetBalance(balance schema.Balance) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balance = balance
}

// SetPosition opens or replaces the position of its symbol.
func (e *Exchange) SetPosition(pos schema.Position) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.positions[strings.ToUpper(pos.Symbol)] = pos
}

// SetHistory replaces the closed-position history.
func (e *Exchange) SetHistory(rows ...schema.ClosedPosition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append([]schema.ClosedPosition(nil), rows...)
}

// ScriptNextOrder sets the statuses OrderStatus reports for the next placed order.
// A nil entry means the order is no longer open. Without a script orders fill at once.
func (e *Exchange) ScriptNextOrder(statuses ...*schema.OrderStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scripts = append(e.scripts, statuses)
}

// Fail makes every later call to method return err. A nil err clears it.
func (e *Exchange) Fail(method string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.failures, method)
		return
	}
	e.failures[method] = err
}

// Calls returns the mutating calls in order, formatted as "Method arg...".
func (e *Exchange) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

// Orders returns the placed orders.
func (e *Exchange) Orders() []schema.OrderRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]schema.OrderRequest(nil), e.orders...)
}

// Amends returns the amend calls.
func (e *Exchange) Amends() []Amend {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Amend(nil), e.amends...)
}

// Sessions reports how many times Connect and Close ran.
func (e *Exchange) Sessions() (connects, closes int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connects, e.closes
}

func (e *Exchange) record(method string, args ...any) error {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, method)
	for _, a := range args {
		parts = append(parts, fmt.Sprint(a))
	}
	e.calls = append(e.calls, strings.Join(parts, " "))
	return e.failures[method]
}

func (e *Exchange) failure(method string) error {
	return e.failures[method]
}

// Exchange implements exchange.Client.
func (e *Exchange) Exchange() schema.ExchangeType { return e.venue }

// Connect implements exchange.Client.
func (e *Exchange) Connect(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connects++
	return e.failure("Connect")
}

// Close implements exchange.Client.
func (e *Exchange) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closes++
	return nil
}

// CurrentPrice pops the next scripted quote.
func (e *Exchange) CurrentPrice(_ context.Context, symbol string) (schema.Ticker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.failure("CurrentPrice"); err != nil {
		return schema.Ticker{}, err
	}
	key := strings.ToUpper(symbol)
	quotes := e.tickers[key]
	if len(quotes) == 0 {
		return schema.Ticker{}, errs.Exchange(string(e.venue), "no price data available", errs.WithField("symbol", symbol))
	}
	q := quotes[0]
	if len(quotes) > 1 {
		e.tickers[key] = quotes[1:]
	}
	return q, nil
}

// Balance implements exchange.Client.
func (e *Exchange) Balance(context.Context, string) (schema.Balance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balance, e.failure("Balance")
}

// Position implements exchange.Client.
func (e *Exchange) Position(_ context.Context, symbol string) (*schema.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.failure("Position"); err != nil {
		return nil, err
	}
	pos, ok := e.positions[strings.ToUpper(symbol)]
	if !ok || pos.Size.IsZero() {
		return nil, nil
	}
	return &pos, nil
}

// Positions implements exchange.Client.
func (e *Exchange) Positions(context.Context) ([]schema.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.failure("Positions"); err != nil {
		return nil, err
	}
	out := make([]schema.Position, 0, len(e.positions))
	for _, p := range e.positions {
		if !p.Size.IsZero() {
			out = append(out, p)
		}
	}
	return out, nil
}

// PositionHistory returns history rows closed within [start, end].
func (e *Exchange) PositionHistory(_ context.Context, start, end time.Time, symbol string) ([]schema.ClosedPosition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.failure("PositionHistory"); err != nil {
		return nil, err
	}
	var out []schema.ClosedPosition
	for _, row := range e.history {
		if row.ClosedAt.Before(start) || row.ClosedAt.After(end) {
			continue
		}
		if symbol != "" && !strings.EqualFold(row.Symbol, symbol) {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

// SymbolSpec implements exchange.Client.
func (e *Exchange) SymbolSpec(_ context.Context, symbol string) (schema.SymbolSpec, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, "SymbolSpec "+symbol)
	if err := e.failure("SymbolSpec"); err != nil {
		return schema.SymbolSpec{}, err
	}
	spec, ok := e.specs[strings.ToUpper(symbol)]
	if !ok {
		return schema.SymbolSpec{}, errs.Exchange(string(e.venue), "symbol not found", errs.WithField("symbol", symbol))
	}
	return spec, nil
}

// FetchSymbolSpec implements exchange.SpecSource.
func (e *Exchange) FetchSymbolSpec(ctx context.Context, _ schema.ExchangeType, symbol string) (schema.SymbolSpec, error) {
	return e.SymbolSpec(ctx, symbol)
}

// SetLeverage implements exchange.Client.
func (e *Exchange) SetLeverage(_ context.Context, symbol string, leverage int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record("SetLeverage", symbol, leverage)
}

// SetPositionMode implements exchange.Client.
func (e *Exchange) SetPositionMode(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record("SetPositionMode")
}

// CancelAllOrders implements exchange.Client.
func (e *Exchange) CancelAllOrders(_ context.Context, symbol string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record("CancelAllOrders", symbol)
}

// ClosePosition flattens the symbol.
func (e *Exchange) ClosePosition(_ context.Context, symbol string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("ClosePosition", symbol); err != nil {
		return err
	}
	delete(e.positions, strings.ToUpper(symbol))
	return nil
}

// PlaceOrder records the order and attaches the next status script to it.
func (e *Exchange) PlaceOrder(_ context.Context, req schema.OrderRequest) (schema.OrderAck, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("PlaceOrder", req.Symbol, req.Side, req.Size.String(), req.Price.String()); err != nil {
		return schema.OrderAck{}, err
	}
	e.nextID++
	id := fmt.Sprintf("fake-%d", e.nextID)
	e.orders = append(e.orders, req)
	if len(e.scripts) > 0 {
		e.statuses[id] = e.scripts[0]
		e.scripts = e.scripts[1:]
	}
	return schema.OrderAck{OrderID: id, ClientID: req.ClientID}, nil
}

// OrderStatus pops the next scripted status; the last one repeats.
func (e *Exchange) OrderStatus(_ context.Context, _ string, orderID string) (*schema.OrderStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.failure("OrderStatus"); err != nil {
		return nil, err
	}
	seq := e.statuses[orderID]
	if len(seq) == 0 {
		return nil, nil
	}
	st := seq[0]
	if len(seq) > 1 {
		e.statuses[orderID] = seq[1:]
	}
	if st == nil {
		return nil, nil
	}
	out := *st
	out.OrderID = orderID
	return &out, nil
}

// AmendOrder records the new price.
func (e *Exchange) AmendOrder(_ context.Context, symbol, orderID string, price decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("AmendOrder", symbol, orderID, price.String()); err != nil {
		return err
	}
	e.amends = append(e.amends, Amend{Symbol: symbol, OrderID: orderID, Price: price})
	return nil
}
