// Package bybit implements the exchange client for Bybit v5 linear perpetuals.
package bybit

import (
	"context"
	"encoding/hex"
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
	venue = string(schema.ExchangeBybit)

	// MainnetBaseURL and TestnetBaseURL are the REST hosts.
	MainnetBaseURL = "https://api.bybit.com"
	TestnetBaseURL = "https://api-testnet.bybit.com"
	// DefaultRate is the per-client request rate.
	DefaultRate = 10.0

	recvWindow  = "5000"
	category    = "linear"
	settleCoin  = "USDT"
	accountType = "UNIFIED"
	// tpLimitTicks offsets the take-profit limit price from its trigger.
	tpLimitTicks = 9
)

const (
	pathTickers      = "/v5/market/tickers"
	pathWallet       = "/v5/account/wallet-balance"
	pathPositions    = "/v5/position/list"
	pathClosedPnL    = "/v5/position/closed-pnl"
	pathInstruments  = "/v5/market/instruments-info"
	pathOpenOrders   = "/v5/order/realtime"
	pathAmend        = "/v5/order/amend"
	pathSetLeverage  = "/v5/position/set-leverage"
	pathSwitchMode   = "/v5/position/switch-mode"
	pathCancelAll    = "/v5/order/cancel-all"
	pathCreateOrder  = "/v5/order/create"
	historyPageLimit = "100"
)

// Return codes that confirm a setting already holds.
const (
	codeLeverageNotModified = 110043
	codeModeNotModified     = 110025
)

// Config captures the settings of one Bybit client.
type Config struct {
	Credentials schema.Credentials
	BaseURL     string
	Rate        float64
	HTTPTimeout time.Duration
	HTTPClient  *http.Client
	Now         func() time.Time
}

// Client talks to the Bybit v5 REST API for one account.
type Client struct {
	creds     schema.Credentials
	transport *shared.Transport

	specMu sync.Mutex
	specs  map[string]schema.SymbolSpec
}

var _ exchange.Client = (*Client)(nil)

// New validates credentials and builds an authenticated client.
func New(cfg Config) (*Client, error) {
	if err := cfg.Credentials.Validate(schema.ExchangeBybit); err != nil {
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
		base = MainnetBaseURL
		if cfg.Credentials.Testnet {
			base = TestnetBaseURL
		}
	}
	transport, err := shared.NewTransport(shared.Config{
		Exchange:   venue,
		BaseURL:    base,
		Timeout:    cfg.HTTPTimeout,
		Limiter:    limiter,
		Signer:     signer(cfg.Credentials),
		HTTPClient: cfg.HTTPClient,
		Now:        cfg.Now,
	})
	if err != nil {
		return nil, err
	}
	return &Client{creds: cfg.Credentials, transport: transport, specs: make(map[string]schema.SymbolSpec)}, nil
}

// signer builds X-BAPI headers: hex(HMAC-SHA256(ts + apiKey + recvWindow + payload)),
// where payload is the query string for GET and the JSON body otherwise.
func signer(creds schema.Credentials) shared.Signer {
	return func(in shared.SignInput) http.Header {
		ts := shared.MillisString(in.Time)
		payload := in.Query
		if in.Method != http.MethodGet {
			payload = string(in.Body)
		}
		signature := hex.EncodeToString(shared.HMACSHA256(creds.APISecret, ts+creds.APIKey+recvWindow+payload))
		h := http.Header{}
		h.Set("X-BAPI-API-KEY", creds.APIKey)
		h.Set("X-BAPI-SIGN", signature)
		h.Set("X-BAPI-SIGN-TYPE", "2")
		h.Set("X-BAPI-TIMESTAMP", ts)
		h.Set("X-BAPI-RECV-WINDOW", recvWindow)
		return h
	}
}

// Exchange implements exchange.Client.
func (c *Client) Exchange() schema.ExchangeType { return schema.ExchangeBybit }

// Connect acquires the HTTP session.
func (c *Client) Connect(ctx context.Context) error { return c.transport.Connect(ctx) }

// Close releases the HTTP session.
func (c *Client) Close() error { return c.transport.Close() }

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

type listResult[T any] struct {
	List []T `json:"list"`
}

// call executes a request and returns the result object when retCode is 0
// or one of the tolerated codes.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, body any, public bool, tolerated ...int) (json.RawMessage, error) {
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
	if env.RetCode != 0 {
		for _, code := range tolerated {
			if env.RetCode == code {
				return env.Result, nil
			}
		}
		return nil, errs.Exchange(venue, "request rejected",
			errs.WithField("endpoint", path),
			errs.WithRawCode(strconv.Itoa(env.RetCode)),
			errs.WithRawMessage(env.RetMsg),
			errs.WithPayload(shared.Snippet(raw)))
	}
	return env.Result, nil
}

func decodeList[T any](path string, data json.RawMessage) ([]T, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var out listResult[T]
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errs.Exchange(venue, "decode result",
			errs.WithField("endpoint", path),
			errs.WithPayload(shared.Snippet(data)),
			errs.WithCause(err))
	}
	return out.List, nil
}

func getList[T any](ctx context.Context, c *Client, path string, query url.Values, public bool) ([]T, json.RawMessage, error) {
	data, err := c.call(ctx, http.MethodGet, path, query, nil, public)
	if err != nil {
		return nil, nil, err
	}
	rows, err := decodeList[T](path, data)
	return rows, data, err
}

// CurrentPrice returns last, bid and ask for the symbol.
func (c *Client) CurrentPrice(ctx context.Context, symbol string) (schema.Ticker, error) {
	rows, data, err := getList[tickerRecord](ctx, c, pathTickers, url.Values{"category": {category}, "symbol": {symbol}}, true)
	if err != nil {
		return schema.Ticker{}, err
	}
	if len(rows) == 0 {
		return schema.Ticker{}, errs.Exchange(venue, "no price data available", errs.WithField("symbol", symbol))
	}
	return rows[0].ticker(data)
}

// Balance returns the unified account available balance and equity.
func (c *Client) Balance(ctx context.Context, currency string) (schema.Balance, error) {
	if currency == "" {
		currency = settleCoin
	}
	rows, data, err := getList[walletRecord](ctx, c, pathWallet, url.Values{"accountType": {accountType}, "coin": {currency}}, false)
	if err != nil {
		return schema.Balance{}, err
	}
	if len(rows) == 0 {
		return schema.Balance{}, errs.Exchange(venue, "no balance data available", errs.WithField("currency", currency))
	}
	available, err := shared.Decimal(venue, "totalAvailableBalance", rows[0].TotalAvailableBalance, data)
	if err != nil {
		return schema.Balance{}, err
	}
	equity, err := shared.Decimal(venue, "totalEquity", rows[0].TotalEquity, data)
	if err != nil {
		return schema.Balance{}, err
	}
	return schema.Balance{Currency: currency, Available: available, Equity: equity}, nil
}

// Position returns the open position for symbol or nil.
func (c *Client) Position(ctx context.Context, symbol string) (*schema.Position, error) {
	rows, data, err := getList[positionRecord](ctx, c, pathPositions, url.Values{"category": {category}, "symbol": {symbol}}, false)
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

// Positions returns every USDT-settled position with non-zero size.
func (c *Client) Positions(ctx context.Context) ([]schema.Position, error) {
	rows, data, err := getList[positionRecord](ctx, c, pathPositions, url.Values{"category": {category}, "settleCoin": {settleCoin}}, false)
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

// PositionHistory returns closed-pnl records in [start, end].
func (c *Client) PositionHistory(ctx context.Context, start, end time.Time, symbol string) ([]schema.ClosedPosition, error) {
	query := url.Values{
		"category":  {category},
		"startTime": {shared.MillisString(start)},
		"endTime":   {shared.MillisString(end)},
		"limit":     {historyPageLimit},
	}
	if symbol != "" {
		query.Set("symbol", symbol)
	}
	rows, _, err := getList[json.RawMessage](ctx, c, pathClosedPnL, query, false)
	if err != nil {
		return nil, err
	}
	return shared.MapClosed(venue, rows, decodeClosed), nil
}

// SymbolSpec fetches live instrument constraints. Linear contracts have unit contract size.
func (c *Client) SymbolSpec(ctx context.Context, symbol string) (schema.SymbolSpec, error) {
	rows, data, err := getList[instrumentRecord](ctx, c, pathInstruments, url.Values{"category": {category}, "symbol": {symbol}}, true)
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

// SetLeverage sets buy and sell leverage. An unchanged leverage is not an error.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := shared.ValidateLeverage(venue, symbol, leverage); err != nil {
		return err
	}
	lever := strconv.Itoa(leverage)
	_, err := c.call(ctx, http.MethodPost, pathSetLeverage, nil, setLeverageRequest{
		Category:     category,
		Symbol:       symbol,
		BuyLeverage:  lever,
		SellLeverage: lever,
	}, false, codeLeverageNotModified)
	return err
}

// SetPositionMode switches USDT contracts to merged single-position mode.
func (c *Client) SetPositionMode(ctx context.Context) error {
	_, err := c.call(ctx, http.MethodPost, pathSwitchMode, nil, switchModeRequest{
		Category: category,
		Coin:     settleCoin,
		Mode:     0,
	}, false, codeModeNotModified)
	return err
}

// CancelAllOrders cancels every open order, conditional ones included, for symbol
// or for all USDT contracts when symbol is empty.
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	req := cancelAllRequest{Category: category, SettleCoin: settleCoin}
	if symbol != "" {
		req = cancelAllRequest{Category: category, Symbol: symbol}
	}
	_, err := c.call(ctx, http.MethodPost, pathCancelAll, nil, req, false)
	return err
}

// ClosePosition submits a reduce-only market order against the open position.
func (c *Client) ClosePosition(ctx context.Context, symbol string) error {
	pos, err := c.Position(ctx, symbol)
	if err != nil {
		return err
	}
	if pos.Empty() {
		return nil
	}
	side := sideBuy
	if pos.Side == schema.PositionLong {
		side = sideSell
	}
	_, err = c.call(ctx, http.MethodPost, pathCreateOrder, nil, createOrderRequest{
		Category:   category,
		Symbol:     symbol,
		Side:       side,
		OrderType:  orderTypeMarket,
		Qty:        pos.Size.String(),
		ReduceOnly: true,
	}, false)
	return err
}

// PlaceOrder submits an order. A take profit is attached as a partial limit
// take-profit whose limit sits nine ticks inside the trigger.
func (c *Client) PlaceOrder(ctx context.Context, req schema.OrderRequest) (schema.OrderAck, error) {
	if err := shared.ValidateOrder(venue, req); err != nil {
		return schema.OrderAck{}, err
	}
	body := createOrderRequest{
		Category:    category,
		Symbol:      req.Symbol,
		Side:        venueSide(req.Side),
		OrderType:   orderTypeLimit,
		Qty:         req.Size.String(),
		OrderLinkID: req.ClientID,
		ReduceOnly:  req.ReduceOnly,
	}
	if req.EffectiveType() == schema.OrderTypeMarket {
		body.OrderType = orderTypeMarket
	} else {
		body.Price = req.Price.String()
	}
	if req.TakeProfit != nil {
		spec, err := c.cachedSpec(ctx, req.Symbol)
		if err != nil {
			return schema.OrderAck{}, err
		}
		body.TakeProfit = req.TakeProfit.String()
		body.TpTriggerBy = "LastPrice"
		body.TpslMode = "Partial"
		body.TpOrderType = orderTypeLimit
		body.TpLimitPrice = takeProfitLimit(*req.TakeProfit, spec.TickSize, req.Side).String()
	}
	if req.StopLoss != nil {
		body.StopLoss = req.StopLoss.String()
		body.SlTriggerBy = "LastPrice"
		if body.TpslMode == "" {
			body.TpslMode = "Full"
		}
	}
	data, err := c.call(ctx, http.MethodPost, pathCreateOrder, nil, body, false)
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
	return schema.OrderAck{OrderID: ack.OrderID, ClientID: ack.OrderLinkID, Raw: data}, nil
}

// takeProfitLimit offsets the limit below the trigger for longs and above it for shorts.
func takeProfitLimit(tp, tick decimal.Decimal, side schema.Side) decimal.Decimal {
	offset := tick.Mul(decimal.NewFromInt(tpLimitTicks))
	if side == schema.SideBuy {
		return tp.Sub(offset)
	}
	return tp.Add(offset)
}

// OrderStatus returns the open order or nil once it is no longer working.
func (c *Client) OrderStatus(ctx context.Context, symbol, orderID string) (*schema.OrderStatus, error) {
	rows, data, err := getList[orderRecord](ctx, c, pathOpenOrders, url.Values{"category": {category}, "symbol": {symbol}, "orderId": {orderID}}, false)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].status(data)
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
	_, err = c.call(ctx, http.MethodPost, pathAmend, nil, amendRequest{
		Category: category,
		Symbol:   symbol,
		OrderID:  orderID,
		Price:    spec.RoundPrice(price).String(),
	}, false)
	return err
}

// FetchSymbolSpec implements exchange.SpecSource for public lookups.
func (c *Client) FetchSymbolSpec(ctx context.Context, _ schema.ExchangeType, symbol string) (schema.SymbolSpec, error) {
	return c.SymbolSpec(ctx, symbol)
}
