package okx

import (
	"context"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradeplane/errs"
	"github.com/coachpo/tradeplane/internal/domain/schema"
	"github.com/coachpo/tradeplane/internal/infra/adapters/shared"
	"github.com/coachpo/tradeplane/internal/observability"
)

const (
	// PrivateWSURL is the production private channel endpoint.
	PrivateWSURL = "wss://ws.okx.com:8443/ws/v5/private"
	// DemoPrivateWSURL is the simulated-trading private channel endpoint.
	DemoPrivateWSURL = "wss://wspap.okx.com:8443/ws/v5/private"

	okxPingInterval         = 20 * time.Second
	okxWriteTimeout         = 5 * time.Second
	okxLoginTimeout         = 10 * time.Second
	okxMaxReconnectInterval = 20 * time.Second
	okxReadLimit            = 2 * 1024 * 1024
	okxVerifyPath           = "/users/self/verify"
	okxOrderRetention       = 30 * time.Minute
	okxPruneInterval        = time.Minute
)

type wsArgument struct {
	Channel  string `json:"channel,omitempty"`
	InstType string `json:"instType,omitempty"`

	APIKey     string `json:"apiKey,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
	Sign       string `json:"sign,omitempty"`
}

type wsRequest struct {
	Op   string       `json:"op"`
	Args []wsArgument `json:"args"`
}

type wsEnvelope struct {
	Event string          `json:"event"`
	Code  string          `json:"code"`
	Msg   string          `json:"msg"`
	Arg   wsArgument      `json:"arg"`
	Data  json.RawMessage `json:"data"`
}

type streamOrder struct {
	status   schema.OrderStatus
	terminal bool
	seen     time.Time
}

// OrderStream follows the private orders channel and caches the latest state of each order.
// It never owns order state: REST remains the source of truth when an order is unknown here.
type OrderStream struct {
	url        string
	creds      schema.Credentials
	now        func() time.Time
	retain     time.Duration
	pruneEvery time.Duration

	mu     sync.RWMutex
	orders map[string]streamOrder
	ready  chan struct{}
	once   sync.Once
}

// NewOrderStream builds a stream for the account. An empty url selects the endpoint by testnet flag.
func NewOrderStream(url string, creds schema.Credentials) *OrderStream {
	if strings.TrimSpace(url) == "" {
		url = PrivateWSURL
		if creds.Testnet {
			url = DemoPrivateWSURL
		}
	}
	return &OrderStream{
		url:        url,
		creds:      creds,
		now:        time.Now,
		retain:     okxOrderRetention,
		pruneEvery: okxPruneInterval,
		orders:     make(map[string]streamOrder),
		ready:      make(chan struct{}),
	}
}

// Ready is closed after the first successful subscription.
func (s *OrderStream) Ready() <-chan struct{} { return s.ready }

// Lookup returns the cached status of orderID. terminal reports a filled or cancelled order.
func (s *OrderStream) Lookup(orderID string) (status schema.OrderStatus, terminal, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[orderID]
	return o.status, o.terminal, ok
}

// Forget drops orderID from the cache.
func (s *OrderStream) Forget(orderID string) {
	s.mu.Lock()
	delete(s.orders, orderID)
	s.mu.Unlock()
}

// Run keeps the stream connected until ctx is cancelled. Orders without a push
// for longer than the retention window are pruned while it runs.
func (s *OrderStream) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.pruneLoop(ctx)
	}()
	defer wg.Wait()

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = okxMaxReconnectInterval

	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}

		err := s.session(ctx)
		if ctx.Err() != nil {
			return context.Canceled
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			observability.Log().Warn("okx order stream disconnected", observability.Err(err))
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = okxMaxReconnectInterval
		}
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-time.After(sleep):
		}
	}
}

// session runs one connection: dial, login, subscribe, read until failure.
func (s *OrderStream) session(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, s.url, nil)
	if err != nil {
		return errs.WebSocket(venue, "dial private stream", errs.WithCause(err))
	}
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()
	conn.SetReadLimit(okxReadLimit)

	if err := s.login(ctx, conn); err != nil {
		return err
	}
	if err := s.write(ctx, conn, wsRequest{Op: "subscribe", Args: []wsArgument{{Channel: "orders", InstType: instTypeSwap}}}); err != nil {
		return err
	}
	s.once.Do(func() { close(s.ready) })

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errCh <- s.readLoop(connCtx, conn)
	}()
	go func() {
		defer wg.Done()
		errCh <- s.pingLoop(connCtx, conn)
	}()
	first := <-errCh
	cancel()
	wg.Wait()
	return first
}

func (s *OrderStream) login(ctx context.Context, conn *websocket.Conn) error {
	ts := strconv.FormatInt(s.now().Unix(), 10)
	sign := base64.StdEncoding.EncodeToString(shared.HMACSHA256(s.creds.APISecret, ts+"GET"+okxVerifyPath))
	req := wsRequest{Op: "login", Args: []wsArgument{{
		APIKey:     s.creds.APIKey,
		Passphrase: s.creds.Passphrase,
		Timestamp:  ts,
		Sign:       sign,
	}}}
	if err := s.write(ctx, conn, req); err != nil {
		return err
	}
	loginCtx, cancel := context.WithTimeout(ctx, okxLoginTimeout)
	defer cancel()
	for {
		_, data, err := conn.Read(loginCtx)
		if err != nil {
			return errs.WebSocket(venue, "await login", errs.WithCause(err))
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Event {
		case "login":
			if env.Code != "" && env.Code != successCode {
				return errs.WebSocket(venue, "login rejected", errs.WithRawCode(env.Code), errs.WithRawMessage(env.Msg))
			}
			return nil
		case "error":
			return errs.WebSocket(venue, "login rejected",
				errs.WithRawCode(env.Code),
				errs.WithRawMessage(env.Msg),
				errs.WithField("api_key", observability.RedactSecret(s.creds.APIKey)))
		}
	}
}

func (s *OrderStream) write(ctx context.Context, conn *websocket.Conn, req wsRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return errs.WebSocket(venue, "marshal "+req.Op, errs.WithCause(err))
	}
	writeCtx, cancel := context.WithTimeout(ctx, okxWriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return errs.WebSocket(venue, "write "+req.Op, errs.WithCause(err))
	}
	return nil
}

func (s *OrderStream) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return errs.WebSocket(venue, "read private stream", errs.WithCause(err))
		}
		trimmed := strings.TrimSpace(string(data))
		if trimmed == "" || trimmed == "pong" {
			continue
		}
		if err := s.apply(data); err != nil {
			observability.Log().Warn("okx order stream message dropped", observability.Err(err))
		}
	}
}

func (s *OrderStream) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(okxPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			writeCtx, cancel := context.WithTimeout(ctx, okxWriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, []byte("ping"))
			cancel()
			if err != nil {
				return errs.WebSocket(venue, "write ping", errs.WithCause(err))
			}
		}
	}
}

// apply folds one pushed message into the cache.
func (s *OrderStream) apply(data []byte) error {
	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return errs.WebSocket(venue, "decode message", errs.WithCause(err))
	}
	if env.Event == "error" {
		return errs.WebSocket(venue, "stream error", errs.WithRawCode(env.Code), errs.WithRawMessage(env.Msg))
	}
	if env.Event != "" || env.Arg.Channel != "orders" || len(env.Data) == 0 {
		return nil
	}
	var rows []orderRecord
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return errs.WebSocket(venue, "decode orders", errs.WithCause(err))
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		if r.OrdID == "" {
			continue
		}
		side, _ := schema.ParseSide(r.Side)
		price, size, filled, err := r.amounts(data)
		if err != nil {
			observability.Log().Warn("okx order update skipped", observability.F("order_id", r.OrdID), observability.Err(err))
			continue
		}
		s.orders[r.OrdID] = streamOrder{
			status: schema.OrderStatus{
				OrderID: r.OrdID,
				Symbol:  r.InstID,
				Side:    side,
				Price:   price,
				Size:    size,
				Filled:  filled,
				State:   r.State,
			},
			terminal: r.State == "filled" || r.State == "canceled" || r.State == "mmp_canceled",
			seen:     now,
		}
	}
	return nil
}

// amounts parses the price, size and filled size of a pushed order. Empty fields are zero.
func (r orderRecord) amounts(payload []byte) (price, size, filled decimal.Decimal, err error) {
	price, err = shared.DecimalOrZero(venue, "px", r.Px, payload)
	if err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, err
	}
	size, err = shared.DecimalOrZero(venue, "sz", r.Sz, payload)
	if err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, err
	}
	filled, err = shared.DecimalOrZero(venue, "accFillSz", r.AccFillSz, payload)
	if err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, err
	}
	return price, size, filled, nil
}

func (s *OrderStream) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(s.pruneEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Prune(s.now().Add(-s.retain)); n > 0 {
				observability.Log().Debug("okx order stream pruned", observability.F("count", n))
			}
		}
	}
}

// Prune drops cached orders not updated since cutoff.
func (s *OrderStream) Prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, o := range s.orders {
		if o.seen.Before(cutoff) {
			delete(s.orders, id)
			n++
		}
	}
	return n
}
