// Package okx implements the exchange client for OKX USDT-margined swaps.
package okx

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/url"
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
	venue = string(schema.ExchangeOKX)

	// DefaultBaseURL is the production REST host; testnet uses the same host with a header.
	DefaultBaseURL = "https://www.okx.com"
	// DefaultRate is the per-client request rate.
	DefaultRate = 20.0

	successCode    = "0"
	instTypeSwap   = "SWAP"
	marginMode     = "cross"
	historyLimit   = "100"
	timestampStyle = "2006-01-02T15:04:05.000Z"
)

const (
	pathTicker          = "/api/v5/market/ticker"
	pathBalance         = "/api/v5/account/balance"
	pathPositions       = "/api/v5/account/positions"
	pathPositionHistory = "/api/v5/account/positions-history"
	pathInstruments     = "/api/v5/public/instruments"
	pathSetLeverage     = "/api/v5/account/set-leverage"
	pathPositionMode    = "/api/v5/account/set-position-mode"
	pathOrdersPending   = "/api/v5/trade/orders-pending"
	pathCancelBatch     = "/api/v5/trade/cancel-batch-orders"
	pathAlgoPending     = "/api/v5/trade/orders-algo-pending"
	pathCancelAlgos     = "/api/v5/trade/cancel-algos"
	pathClosePosition   = "/api/v5/trade/close-position"
	pathOrder           = "/api/v5/trade/order"
	pathAmendOrder      = "/api/v5/trade/amend-order"
)

// algoOrderTypes are the conditional order kinds swept by CancelAllOrders.
var algoOrderTypes = []string{"conditional", "oco", "trigger"}

// Config captures the settings of one OKX client.
type Config struct {
	Credentials schema.Credentials
	BaseURL     string
	Rate        float64
	HTTPTimeout time.Duration
	HTTPClient  *http.Client
	Now         func() time.Time
}

// Client talks to the OKX v5 REST API for one account.
type Client struct {
	creds     schema.Credentials
	transport *shared.Transport

	specMu sync.Mutex
	specs  map[string]schema.SymbolSpec

	stream *OrderStream
}

var _ exchange.Client = (*Client)(nil)

// New validates credentials and builds an authenticated client.
func New(cfg Config) (*Client, error) {
	if err := cfg.Credentials.Validate(schema.ExchangeOKX); err != nil {
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
	base := cfg.BaseURL
	if strings.TrimSpace(base) == "" {
		base = DefaultBaseURL
	}
	headers := http.Header{}
	if cfg.Credentials.Testnet {
		headers.Set("x-simulated-trading", "1")
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
		creds:     cfg.Credentials,
		transport: transport,
		specs:     make(map[string]schema.SymbolSpec),
	}, nil
}

// signer builds OK-ACCESS headers: base64(HMAC-SHA256(ts + METHOD + path[?query] + body)).
func signer(creds schema.Credentials) shared.Signer {
	return func(in shared.SignInput) http.Header {
		ts := in.Time.UTC().Format(timestampStyle)
		message := ts + in.Method + in.RequestPath() + string(in.Body)
		signature := base64.StdEncoding.EncodeToString(shared.HMACSHA256(creds.APISecret, message))
		h := http.Header{}
		h.Set("OK-ACCESS-KEY", creds.APIKey)
		h.Set("OK-ACCESS-SIGN", signature)
		h.Set("OK-ACCESS-TIMESTAMP", ts)
		h.Set("OK-ACCESS-PASSPHRASE", creds.Passphrase)
		return h
	}
}

// Exchange implements exchange.Client.
func (c *Client) Exchange() schema.ExchangeType { return schema.ExchangeOKX }

// Connect acquires the HTTP session.
func (c *Client) Connect(ctx context.Context) error { return c.transport.Connect(ctx) }

// Close releases the HTTP session.
func (c *Client) Close() error { return c.transport.Close() }

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// call executes a request and returns the envelope's data array on code "0".
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
	if strings.TrimSpace(env.Code) != successCode {
		return nil, errs.Exchange(venue, "request rejected",
			errs.WithField("endpoint", path),
			errs.WithRawCode(env.Code),
			errs.WithRawMessage(env.Msg),
			errs.WithPayload(shared.Snippet(raw)))
	}
	return env.Data, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) (json.RawMessage, error) {
	data, err := c.call(ctx, http.MethodGet, path, query, nil, false)
	if err != nil {
		return nil, err
	}
	return data, decodeData(path, data, out)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) (json.RawMessage, error) {
	data, err := c.call(ctx, http.MethodPost, path, nil, body, false)
	if err != nil {
		return nil, err
	}
	return data, decodeData(path, data, out)
}

func decodeData(path string, data json.RawMessage, out any) error {
	if out == nil || len(data) == 0 {
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

// CurrentPrice returns last, bid and ask for the instrument.
func (c *Client) CurrentPrice(ctx context.Context, symbol string) (schema.Ticker, error) {
	var rows []tickerRecord
	data, err := c.call(ctx, http.MethodGet, pathTicker, url.Values{"instId": {symbol}}, nil, true)
	if err != nil {
		return schema.Ticker{}, err
	}
	if err := decodeData(pathTicker, data, &rows); err != nil {
		return schema.Ticker{}, err
	}
	if len(rows) == 0 {
		return schema.Ticker{}, errs.Exchange(venue, "no price data available", errs.WithField("symbol", symbol))
	}
	return rows[0].ticker(data)
}

// Balance returns the available balance and total equity for currency.
func (c *Client) Balance(ctx context.Context, currency string) (schema.Balance, error) {
	if currency == "" {
		currency = "USDT"
	}
	var rows []balanceRecord
	data, err := c.get(ctx, pathBalance, url.Values{"ccy": {currency}}, &rows)
	if err != nil {
		return schema.Balance{}, err
	}
	if len(rows) == 0 || len(rows[0].Details) == 0 {
		return schema.Balance{}, errs.Exchange(venue, "no balance data available", errs.WithField("currency", currency))
	}
	available, err := shared.Decimal(venue, "availBal", rows[0].Details[0].AvailBal, data)
	if err != nil {
		return schema.Balance{}, err
	}
	equity, err := shared.Decimal(venue, "totalEq", rows[0].TotalEq, data)
	if err != nil {
		return schema.Balance{}, err
	}
	return schema.Balance{Currency: currency, Available: available, Equity: equity}, nil
}

// Position returns the open swap position for symbol or nil.
func (c *Client) Position(ctx context.Context, symbol string) (*schema.Position, error) {
	var rows []positionRecord
	data, err := c.get(ctx, pathPositions, url.Values{"instId": {symbol}, "instType": {instTypeSwap}}, &rows)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	pos, err := rows[0].position(data)
	if err != nil {
		return nil, err
	}
	if pos.Empty() {
		return nil, nil
	}
	return pos, nil
}

// Positions returns every swap position with non-zero size.
func (c *Client) Positions(ctx context.Context) ([]schema.Position, error) {
	var rows []positionRecord
	data, err := c.get(ctx, pathPositions, url.Values{"instType": {instTypeSwap}}, &rows)
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

// PositionHistory returns closed swap positions updated within [start, end].
func (c *Client) PositionHistory(ctx context.Context, start, end time.Time, symbol string) ([]schema.ClosedPosition, error) {
	query := url.Values{
		"instType": {instTypeSwap},
		"after":    {shared.MillisString(end)},
		"before":   {shared.MillisString(start)},
		"limit":    {historyLimit},
	}
	if symbol != "" {
		query.Set("instId", symbol)
	}
	var rows []json.RawMessage
	if _, err := c.get(ctx, pathPositionHistory, query, &rows); err != nil {
		return nil, err
	}
	return shared.MapClosed(venue, rows, decodeClosed), nil
}

// SymbolSpec fetches live instrument constraints.
func (c *Client) SymbolSpec(ctx context.Context, symbol string) (schema.SymbolSpec, error) {
	var rows []instrumentRecord
	data, err := c.call(ctx, http.MethodGet, pathInstruments, url.Values{"instType": {instTypeSwap}, "instId": {symbol}}, nil, true)
	if err != nil {
		return schema.SymbolSpec{}, err
	}
	if err := decodeData(pathInstruments, data, &rows); err != nil {
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

// SetLeverage sets cross-margin leverage for the instrument.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := shared.ValidateLeverage(venue, symbol, leverage); err != nil {
		return err
	}
	_, err := c.post(ctx, pathSetLeverage, setLeverageRequest{
		InstID:  symbol,
		Lever:   itoa(leverage),
		MgnMode: marginMode,
	}, nil)
	return err
}

// SetPositionMode switches the account to net (one-way) mode.
func (c *Client) SetPositionMode(ctx context.Context) error {
	_, err := c.post(ctx, pathPositionMode, map[string]string{"posMode": "net_mode"}, nil)
	return err
}

// CancelAllOrders cancels pending regular and algo orders for symbol.
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	query := url.Values{"instType": {instTypeSwap}}
	if symbol != "" {
		query.Set("instId", symbol)
	}
	var pending []pendingOrder
	if _, err := c.get(ctx, pathOrdersPending, query, &pending); err != nil {
		return err
	}
	if len(pending) > 0 {
		batch := make([]cancelOrder, 0, len(pending))
		for _, o := range pending {
			batch = append(batch, cancelOrder{InstID: o.InstID, OrdID: o.OrdID})
		}
		if _, err := c.post(ctx, pathCancelBatch, batch, nil); err != nil {
			return err
		}
	}
	var algos []cancelAlgo
	for _, kind := range algoOrderTypes {
		q := url.Values{"ordType": {kind}}
		if symbol != "" {
			q.Set("instId", symbol)
		}
		var rows []algoOrder
		if _, err := c.get(ctx, pathAlgoPending, q, &rows); err != nil {
			return err
		}
		for _, a := range rows {
			algos = append(algos, cancelAlgo{AlgoID: a.AlgoID, InstID: a.InstID})
		}
	}
	if len(algos) == 0 {
		return nil
	}
	_, err := c.post(ctx, pathCancelAlgos, algos, nil)
	return err
}

// ClosePosition market-closes the cross-margin position and cancels attached orders.
func (c *Client) ClosePosition(ctx context.Context, symbol string) error {
	_, err := c.post(ctx, pathClosePosition, closePositionRequest{
		InstID:  symbol,
		MgnMode: marginMode,
		AutoCxl: true,
	}, nil)
	return err
}

// PlaceOrder submits a cross-margin order with optional attached take-profit.
func (c *Client) PlaceOrder(ctx context.Context, req schema.OrderRequest) (schema.OrderAck, error) {
	if err := shared.ValidateOrder(venue, req); err != nil {
		return schema.OrderAck{}, err
	}
	body := placeOrderRequest{
		InstID:     req.Symbol,
		TdMode:     marginMode,
		Side:       string(req.Side),
		OrdType:    string(req.EffectiveType()),
		Sz:         req.Size.String(),
		ClOrdID:    compactClientID(req.ClientID),
		ReduceOnly: req.ReduceOnly,
	}
	if body.OrdType == string(schema.OrderTypeLimit) {
		body.Px = req.Price.String()
	}
	if req.TakeProfit != nil {
		body.TpTriggerPx = req.TakeProfit.String()
		body.TpOrdPx = req.TakeProfit.String()
	}
	if req.StopLoss != nil {
		body.SlTriggerPx = req.StopLoss.String()
		body.SlOrdPx = "-1"
	}
	var rows []orderAckRecord
	data, err := c.post(ctx, pathOrder, body, &rows)
	if err != nil {
		return schema.OrderAck{}, errs.Exchange(venue, "place order failed",
			errs.WithField("symbol", req.Symbol),
			errs.WithField("side", string(req.Side)),
			errs.WithField("size", req.Size.String()),
			errs.WithCause(err))
	}
	if len(rows) == 0 {
		return schema.OrderAck{}, errs.Exchange(venue, "empty order acknowledgement", errs.WithPayload(shared.Snippet(data)))
	}
	if rows[0].SCode != "" && rows[0].SCode != successCode {
		return schema.OrderAck{}, errs.Exchange(venue, "order rejected",
			errs.WithRawCode(rows[0].SCode),
			errs.WithRawMessage(rows[0].SMsg),
			errs.WithField("symbol", req.Symbol),
			errs.WithPayload(shared.Snippet(data)))
	}
	return schema.OrderAck{OrderID: rows[0].OrdID, ClientID: rows[0].ClOrdID, Raw: data}, nil
}

// AttachOrderStream lets OrderStatus answer from pushed order updates.
func (c *Client) AttachOrderStream(stream *OrderStream) {
	c.stream = stream
}

// OrderStatus returns the live order or nil once it is filled, cancelled or unknown.
// A terminal state pushed on the attached stream short-circuits the REST lookup.
func (c *Client) OrderStatus(ctx context.Context, symbol, orderID string) (*schema.OrderStatus, error) {
	if c.stream != nil {
		if _, terminal, ok := c.stream.Lookup(orderID); ok && terminal {
			c.stream.Forget(orderID)
			return nil, nil
		}
	}
	var rows []orderRecord
	data, err := c.get(ctx, pathOrder, url.Values{"instId": {symbol}, "ordId": {orderID}}, &rows)
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
	_, err = c.post(ctx, pathAmendOrder, amendOrderRequest{
		InstID: symbol,
		OrdID:  orderID,
		NewPx:  spec.RoundPrice(price).String(),
	}, nil)
	return err
}

// FetchSymbolSpec implements exchange.SpecSource for public lookups.
func (c *Client) FetchSymbolSpec(ctx context.Context, _ schema.ExchangeType, symbol string) (schema.SymbolSpec, error) {
	return c.SymbolSpec(ctx, symbol)
}
