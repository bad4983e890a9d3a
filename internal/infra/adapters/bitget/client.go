// Package bitget implements the exchange client for Bitget v2 USDT futures.
package bitget

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradeplane/errs"
	"github.com/coachpo/tradeplane/internal/domain/exchange"
	"github.com/coachpo/tradeplane/internal/domain/schema"
	"github.com/coachpo/tradeplane/internal/infra/adapters/shared"
	"github.com/coachpo/tradeplane/internal/infra/ratelimit"
)

const (
	venue = string(schema.ExchangeBitget)

	// DefaultBaseURL serves both live and demo trading; demo is selected by product type.
	DefaultBaseURL = "https://api.bitget.com"
	// DefaultRate is the per-client request rate.
	DefaultRate = 20.0

	successCode = "00000"
	marginMode  = "crossed"
	channelCode = "1"
)

const (
	pathTicker          = "/api/v2/mix/market/ticker"
	pathContracts       = "/api/v2/mix/market/contracts"
	pathAccounts        = "/api/v2/mix/account/accounts"
	pathAllPositions    = "/api/v2/mix/position/all-position"
	pathSinglePosition  = "/api/v2/mix/position/single-position"
	pathHistoryPosition = "/api/v2/mix/position/history-position"
	pathOrderDetail     = "/api/v2/mix/order/detail"
	pathModifyOrder     = "/api/v2/mix/order/modify-order"
	pathSetMarginMode   = "/api/v2/mix/account/set-margin-mode"
	pathSetLeverage     = "/api/v2/mix/account/set-leverage"
	pathSetPositionMode = "/api/v2/mix/account/set-position-mode"
	pathCancelAll       = "/api/v2/mix/order/cancel-all-orders"
	pathCancelPlan      = "/api/v2/mix/order/cancel-plan-order"
	pathClosePositions  = "/api/v2/mix/order/close-positions"
	pathPlaceOrder      = "/api/v2/mix/order/place-order"
)

// Config captures the settings of one Bitget client.
type Config struct {
	Credentials schema.Credentials
	BaseURL     string
	Rate        float64
	HTTPTimeout time.Duration
	HTTPClient  *http.Client
	Now         func() time.Time
}

// Client talks to the Bitget v2 mix REST API for one account.
type Client struct {
	creds       schema.Credentials
	transport   *shared.Transport
	productType string
	marginCoin  string

	specMu sync.Mutex
	specs  map[string]schema.SymbolSpec
}

var _ exchange.Client = (*Client)(nil)

// New validates credentials and builds an authenticated client.
func New(cfg Config) (*Client, error) {
	if err := cfg.Credentials.Validate(schema.ExchangeBitget); err != nil {
		return nil, err
	}
	return newClient(cfg)
}

// NewPublic builds a client limited to unauthenticated market endpoints.
func NewPublic(cfg Config) (*Client, error) {
	return newClient(cfg)
}

func newClient(cfg Config) (*Client, error) {
	rate := cfg.Rate
	if rate <= 0 {
		rate = DefaultRate
	}
	limiter, err := ratelimit.New(venue, rate, shared.LimiterOptions(venue)...)
	if err != nil {
		return nil, err
	}
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		base = DefaultBaseURL
	}
	productType, marginCoin := "USDT-FUTURES", "USDT"
	headers := http.Header{}
	if cfg.Credentials.Testnet {
		productType, marginCoin = "SUSDT-FUTURES", "SUSDT"
		headers.Set("paptrading", "1")
	}
	transport, err := shared.NewTransport(shared.Config{
		Exchange:   venue,
		BaseURL:    base,
		Timeout:    cfg.HTTPTimeout,
		Limiter:    limiter,
		Signer:     signer(cfg.Credentials),
		Headers:    headers,
		HTTPClient: cfg.HTTPClient,
		Now:        cfg.Now,
	})
	if err != nil {
		return nil, err
	}
	return &Client{
		creds:       cfg.Credentials,
		transport:   transport,
		productType: productType,
		marginCoin:  marginCoin,
		specs:       make(map[string]schema.SymbolSpec),
	}, nil
}

// signer builds ACCESS headers: base64(HMAC-SHA256(ts + METHOD + path[?query] + body)).
func signer(creds schema.Credentials) shared.Signer {
	return func(in shared.SignInput) http.Header {
		ts := shared.MillisString(in.Time)
		prehash := ts + strings.ToUpper(in.Method) + in.RequestPath() + string(in.Body)
		h := http.Header{}
		h.Set("ACCESS-KEY", creds.APIKey)
		h.Set("ACCESS-SIGN", base64.StdEncoding.EncodeToString(shared.HMACSHA256(creds.APISecret, prehash)))
		h.Set("ACCESS-TIMESTAMP", ts)
		h.Set("ACCESS-PASSPHRASE", creds.Passphrase)
		h.Set("X-CHANNEL-API-CODE", channelCode)
		return h
	}
}

// Exchange implements exchange.Client.
func (c *Client) Exchange() schema.ExchangeType { return schema.ExchangeBitget }

// Connect acquires the HTTP session.
func (c *Client) Connect(ctx context.Context) error { return c.transport.Connect(ctx) }

// Close releases the HTTP session.
func (c *Client) Close() error { return c.transport.Close() }

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (c *Client) call(ctx context.Context, method, path string, query url.Values, body any, public bool) (json.RawMessage, error) {
	raw, err := c.transport.Do(ctx, shared.Request{Method: method, Path: path, Query: query, Body: body, Public: public})
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errs.Exchange(venue, "decode response",
			errs.WithField("endpoint", path),
			errs.WithPayload(shared.Snippet(raw)),
			errs.WithCause(err))
	}
	if env.Code != successCode {
		return nil, errs.Exchange(venue, "request rejected",
			errs.WithField("endpoint", path),
			errs.WithRawCode(env.Code),
			errs.WithRawMessage(env.Msg),
			errs.WithPayload(shared.Snippet(raw)))
	}
	return env.Data, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, public bool, out any) (json.RawMessage, error) {
	data, err := c.call(ctx, http.MethodGet, path, query, nil, public)
	if err != nil {
		return nil, err
	}
	if err := decodeData(path, data, out); err != nil {
		return nil, err
	}
	return data, nil
}

func (c *Client) post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return c.call(ctx, http.MethodPost, path, nil, body, false)
}

func decodeData(path string, data json.RawMessage, out any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errs.Exchange(venue, "decode data",
			errs.WithField("endpoint", path),
			errs.WithPayload(shared.Snippet(data)),
			errs.WithCause(err))
	}
	return nil
}

func (c *Client) scoped(extra url.Values) url.Values {
	q := url.Values{"productType": {c.productType}}
	for k, v := range extra {
		q[k] = v
	}
	return q
}

// CurrentPrice returns last, bid and ask for the symbol.
func (c *Client) CurrentPrice(ctx context.Context, symbol string) (schema.Ticker, error) {
	var rows []tickerRecord
	data, err := c.get(ctx, pathTicker, c.scoped(url.Values{"symbol": {symbol}}), true, &rows)
	if err != nil {
		return schema.Ticker{}, err
	}
	if len(rows) == 0 {
		return schema.Ticker{}, errs.Exchange(venue, "no price data available", errs.WithField("symbol", symbol))
	}
	return rows[0].ticker(data)
}

// Balance returns the futures account available balance and equity in the margin coin.
func (c *Client) Balance(ctx context.Context, currency string) (schema.Balance, error) {
	if currency == "" {
		currency = c.marginCoin
	}
	var rows []accountRecord
	data, err := c.get(ctx, pathAccounts, c.scoped(nil), false, &rows)
	if err != nil {
		return schema.Balance{}, err
	}
	for _, row := range rows {
		if !strings.EqualFold(row.MarginCoin, currency) && !strings.EqualFold(row.MarginCoin, c.marginCoin) {
			continue
		}
		available, err := shared.Decimal(venue, "available", row.Available, data)
		if err != nil {
			return schema.Balance{}, err
		}
		equity, err := shared.Decimal(venue, "accountEquity", row.AccountEquity, data)
		if err != nil {
			return schema.Balance{}, err
		}
		return schema.Balance{Currency: currency, Available: available, Equity: equity}, nil
	}
	return schema.Balance{}, errs.Exchange(venue, "no balance data available", errs.WithField("currency", currency))
}

// Position returns the open position for symbol or nil.
func (c *Client) Position(ctx context.Context, symbol string) (*schema.Position, error) {
	var rows []positionRecord
	data, err := c.get(ctx, pathSinglePosition, c.scoped(url.Values{"symbol": {symbol}, "marginCoin": {c.marginCoin}}), false, &rows)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		pos, err := row.position(data)
		if err != nil {
			return nil, err
		}
		if !pos.Empty() {
			return pos, nil
		}
	}
	return nil, nil
}

// Positions returns every open position in the product type.
func (c *Client) Positions(ctx context.Context) ([]schema.Position, error) {
	var rows []positionRecord
	data, err := c.get(ctx, pathAllPositions, c.scoped(url.Values{"marginCoin": {c.marginCoin}}), false, &rows)
	if err != nil {
		return nil, err
	}
	out := make([]schema.Position, 0, len(rows))
	for _, row := range rows {
		pos, err := row.position(data)
		if err != nil {
			return nil, err
		}
		if !pos.Empty() {
			out = append(out, *pos)
		}
	}
	return out, nil
}

// PositionHistory returns closed positions in [start, end].
func (c *Client) PositionHistory(ctx context.Context, start, end time.Time, symbol string) ([]schema.ClosedPosition, error) {
	query := c.scoped(url.Values{
		"marginCoin": {c.marginCoin},
		"startTime":  {shared.MillisString(start)},
		"endTime":    {shared.MillisString(end)},
	})
	if symbol != "" {
		query.Set("symbol", symbol)
	}
	var page struct {
		List []json.RawMessage `json:"list"`
	}
	if _, err := c.get(ctx, pathHistoryPosition, query, false, &page); err != nil {
		return nil, err
	}
	return shared.MapClosed(venue, page.List, decodeClosed), nil
}

// SymbolSpec fetches live contract constraints.
func (c *Client) SymbolSpec(ctx context.Context, symbol string) (schema.SymbolSpec, error) {
	var rows []contractRecord
	data, err := c.get(ctx, pathContracts, c.scoped(url.Values{"symbol": {symbol}}), true, &rows)
	if err != nil {
		return schema.SymbolSpec{}, err
	}
	if len(rows) == 0 {
		return schema.SymbolSpec{}, errs.Exchange(venue, "symbol not found", errs.WithField("symbol", symbol))
	}
	spec, err := rows[0].spec(data)
	if err != nil {
		return schema.SymbolSpec{}, err
	}
	c.specMu.Lock()
	c.specs[spec.Symbol] = spec
	c.specMu.Unlock()
	return spec, nil
}

func (c *Client) cachedSpec(ctx context.Context, symbol string) (schema.SymbolSpec, error) {
	c.specMu.Lock()
	spec, ok := c.specs[strings.ToUpper(symbol)]
	c.specMu.Unlock()
	if ok {
		return spec, nil
	}
	return c.SymbolSpec(ctx, symbol)
}

// SetLeverage switches the symbol to crossed margin and then applies leverage.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := shared.ValidateLeverage(venue, symbol, leverage); err != nil {
		return err
	}
	if _, err := c.post(ctx, pathSetMarginMode, marginModeRequest{
		Symbol:      symbol,
		ProductType: c.productType,
		MarginCoin:  c.marginCoin,
		MarginMode:  marginMode,
	}); err != nil {
		return err
	}
	_, err := c.post(ctx, pathSetLeverage, leverageRequest{
		Symbol:      symbol,
		ProductType: c.productType,
		MarginCoin:  c.marginCoin,
		Leverage:    strconv.Itoa(leverage),
	})
	return err
}

// SetPositionMode switches the product type to one-way mode.
func (c *Client) SetPositionMode(ctx context.Context) error {
	_, err := c.post(ctx, pathSetPositionMode, positionModeRequest{ProductType: c.productType, PosMode: "one_way_mode"})
	return err
}

// CancelAllOrders cancels regular orders and then plan orders.
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	req := cancelRequest{ProductType: c.productType, MarginCoin: c.marginCoin, Symbol: symbol}
	if _, err := c.post(ctx, pathCancelAll, req); err != nil {
		return err
	}
	req.PlanType = "normal_plan"
	_, err := c.post(ctx, pathCancelPlan, req)
	return err
}

// ClosePosition flash-closes the symbol at market.
func (c *Client) ClosePosition(ctx context.Context, symbol string) error {
	_, err := c.post(ctx, pathClosePositions, closeRequest{Symbol: symbol, ProductType: c.productType})
	return err
}

// PlaceOrder submits an order with an optional preset take profit and stop loss.
func (c *Client) PlaceOrder(ctx context.Context, req schema.OrderRequest) (schema.OrderAck, error) {
	if err := shared.ValidateOrder(venue, req); err != nil {
		return schema.OrderAck{}, err
	}
	body := placeOrderRequest{
		Symbol:      req.Symbol,
		ProductType: c.productType,
		MarginMode:  marginMode,
		MarginCoin:  c.marginCoin,
		Size:        req.Size.String(),
		Side:        string(req.Side),
		OrderType:   string(req.EffectiveType()),
		ClientOid:   req.ClientID,
	}
	if req.EffectiveType() == schema.OrderTypeLimit {
		body.Price = req.Price.String()
		body.Force = "gtc"
	}
	if req.ReduceOnly {
		body.ReduceOnly = "YES"
	}
	if req.TakeProfit != nil {
		body.PresetStopSurplusPrice = req.TakeProfit.String()
	}
	if req.StopLoss != nil {
		body.PresetStopLossPrice = req.StopLoss.String()
	}
	data, err := c.post(ctx, pathPlaceOrder, body)
	if err != nil {
		return schema.OrderAck{}, errs.Exchange(venue, "place order failed",
			errs.WithField("symbol", req.Symbol),
			errs.WithField("side", string(req.Side)),
			errs.WithField("size", req.Size.String()),
			errs.WithCause(err))
	}
	var ack orderAckRecord
	if err := json.Unmarshal(data, &ack); err != nil || ack.OrderID == "" {
		return schema.OrderAck{}, errs.Exchange(venue, "empty order acknowledgement", errs.WithPayload(shared.Snippet(data)))
	}
	return schema.OrderAck{OrderID: ack.OrderID, ClientID: ack.ClientOid, Raw: data}, nil
}

// OrderStatus returns the working order or nil once it is filled or cancelled.
func (c *Client) OrderStatus(ctx context.Context, symbol, orderID string) (*schema.OrderStatus, error) {
	var rec orderRecord
	data, err := c.get(ctx, pathOrderDetail, c.scoped(url.Values{"symbol": {symbol}, "orderId": {orderID}}), false, &rec)
	if err != nil {
		return nil, err
	}
	if rec.OrderID == "" {
		return nil, nil
	}
	return rec.status(data)
}

// AmendOrder re-prices a resting order after aligning the price to tick.
func (c *Client) AmendOrder(ctx context.Context, symbol, orderID string, price decimal.Decimal) error {
	if !price.IsPositive() {
		return errs.Validation("price must be positive",
			errs.WithExchange(venue), errs.WithField("symbol", symbol), errs.WithField("price", price.String()))
	}
	spec, err := c.cachedSpec(ctx, symbol)
	if err != nil {
		return err
	}
	_, err = c.post(ctx, pathModifyOrder, modifyOrderRequest{
		OrderID:      orderID,
		Symbol:       symbol,
		ProductType:  c.productType,
		NewClientOid: orderID,
		NewPrice:     spec.RoundPrice(price).String(),
	})
	return err
}

// FetchSymbolSpec implements exchange.SpecSource for public lookups.
func (c *Client) FetchSymbolSpec(ctx context.Context, _ schema.ExchangeType, symbol string) (schema.SymbolSpec, error) {
	return c.SymbolSpec(ctx, symbol)
}
