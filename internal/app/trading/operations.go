package trading

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradeplane/errs"
	"github.com/coachpo/tradeplane/internal/domain/exchange"
	"github.com/coachpo/tradeplane/internal/domain/notification"
	"github.com/coachpo/tradeplane/internal/domain/referencestore"
	"github.com/coachpo/tradeplane/internal/domain/schema"
	"github.com/coachpo/tradeplane/internal/domain/tradestore"
	"github.com/coachpo/tradeplane/internal/observability"
	"github.com/coachpo/tradeplane/internal/telemetry"
)

const settlementCurrency = "USDT"

// ClientSource hands out the pooled venue client of an account.
type ClientSource interface {
	GetInstance(ctx context.Context, account schema.Account) (exchange.Client, error)
}

// PerformanceUpdater folds metrics into an account's daily performance record.
type PerformanceUpdater interface {
	UpdateDailyPerformance(ctx context.Context, accountID string, date time.Time, metrics schema.TradeMetrics) error
}

// Deps are the collaborators of Operations.
type Deps struct {
	References  referencestore.Resolver
	Clients     ClientSource
	Specs       SpecResolver
	Trades      tradestore.Recorder
	Performance PerformanceUpdater
	Notifier    notification.Notifier
	Monitor     MonitorConfig
	// Sleep overrides the monitor's poll wait.
	Sleep func(context.Context, time.Duration) error
	Now   func() time.Time
}

func (d Deps) validate() error {
	switch {
	case d.References == nil:
		return errs.Configuration("operations require a reference resolver")
	case d.Clients == nil:
		return errs.Configuration("operations require a client source")
	case d.Specs == nil:
		return errs.Configuration("operations require a symbol resolver")
	}
	return nil
}

// Operations executes trades for a single account. It initializes lazily on first use.
type Operations struct {
	accountID string
	deps      Deps
	log       observability.Logger

	mu          sync.Mutex
	initialized bool
	account     schema.Account
	current     *session

	tradesMu   sync.Mutex
	openTrades map[string][]schema.TradeRecord
}

// NewOperations builds the orchestrator for accountID.
func NewOperations(accountID string, deps Deps) (*Operations, error) {
	if accountID == "" {
		return nil, errs.Validation("account id required")
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if deps.Notifier == nil {
		deps.Notifier = notification.Discard{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Operations{
		accountID:  accountID,
		deps:       deps,
		log:        observability.With(observability.Log(), observability.F("account_id", accountID)),
		openTrades: make(map[string][]schema.TradeRecord),
	}, nil
}

// AccountID returns the account this orchestrator trades for.
func (o *Operations) AccountID() string { return o.accountID }

// session is the venue client one operation runs against, with the helpers built over it.
type session struct {
	venue      exchange.Client
	sizer      *Sizer
	reconciler *Reconciler
	monitor    *Monitor
}

// Initialize loads the account and obtains its venue client. It is safe to call repeatedly.
func (o *Operations) Initialize(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.initialized {
		return nil
	}
	account, found, err := o.deps.References.Account(ctx, o.accountID)
	if err != nil {
		return errs.Exchange("", "failed to initialize operations", errs.WithCause(err), errs.WithField("account_id", o.accountID))
	}
	if !found {
		return errs.Configuration("account not found", errs.WithField("account_id", o.accountID))
	}
	venue, err := o.deps.Clients.GetInstance(ctx, account)
	if err != nil {
		return err
	}
	o.account = account
	o.current = o.newSession(venue)
	o.log = observability.With(o.log, observability.F("exchange", string(account.Exchange)))
	o.initialized = true
	o.log.Info("initialized exchange operations")
	return nil
}

// acquire fetches the account's client from the pool for one operation. Every fetch
// marks the pooled client as in use; if the pool hands out a different client, the
// helpers are rebuilt over it.
func (o *Operations) acquire(ctx context.Context) (*session, error) {
	if err := o.Initialize(ctx); err != nil {
		return nil, err
	}
	venue, err := o.deps.Clients.GetInstance(ctx, o.account)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current.venue != venue {
		o.log.Info("exchange client replaced by the pool")
		o.current = o.newSession(venue)
	}
	return o.current, nil
}

func (o *Operations) newSession(venue exchange.Client) *session {
	return &session{
		venue:      venue,
		sizer:      NewSizer(venue, o.deps.Specs),
		reconciler: NewReconciler(venue),
		monitor:    NewMonitor(venue, o.deps.Monitor, o.deps.Sleep),
	}
}

// HandleCurrentPosition runs the position reconciler for the account.
func (o *Operations) HandleCurrentPosition(ctx context.Context, symbol string, side schema.Side, leverage int) (Reconciliation, error) {
	s, err := o.acquire(ctx)
	if err != nil {
		return Reconciliation{Outcome: OutcomeFailed, Reason: "initialize"}, err
	}
	return o.handleCurrentPosition(ctx, s, o.venueSymbol(ctx, symbol), side, leverage)
}

func (o *Operations) handleCurrentPosition(ctx context.Context, s *session, symbol string, side schema.Side, leverage int) (Reconciliation, error) {
	rec, err := s.reconciler.HandleCurrentPosition(ctx, symbol, side, leverage)
	if err == nil && rec.Outcome == OutcomeClosed {
		o.closeTrackedTrades(ctx, s, symbol)
	}
	return rec, err
}

// TradeRequest is an inbound trade intent. A zero Size is computed from RiskPct.
// Symbol is normalized to the venue symbol when the spec resolver is a SymbolNormalizer.
type TradeRequest struct {
	Symbol     string
	Side       schema.Side
	Type       schema.OrderType
	Size       decimal.Decimal
	RiskPct    decimal.Decimal
	Leverage   int
	TakeProfit *decimal.Decimal
	StopLoss   *decimal.Decimal
	ClientID   string
	Source     schema.TradeSource
}

// TradeResult is the structured outcome of a trade. Callers check Success.
type TradeResult struct {
	Success    bool
	Order      schema.OrderResult
	Position   Reconciliation
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
	// OrderSize is the order notional: size * contract size * entry price.
	OrderSize decimal.Decimal
}

// ExecuteTrade sizes, reconciles, prices, places and monitors an order, then records
// the trade and refreshes today's performance. Recording and the performance refresh
// are best-effort once the order is placed.
func (o *Operations) ExecuteTrade(ctx context.Context, req TradeRequest) (TradeResult, error) {
	s, err := o.acquire(ctx)
	if err != nil {
		return TradeResult{}, err
	}
	if req.Source == "" {
		req.Source = schema.SourceTradingPanel
	}
	req.Symbol = o.venueSymbol(ctx, req.Symbol)
	if _, ok := schema.ParseSide(string(req.Side)); !ok {
		return TradeResult{}, errs.Validation("invalid side", errs.WithField("side", string(req.Side)))
	}

	size, err := o.resolveSize(ctx, s, req)
	if err != nil {
		return TradeResult{}, o.tradeError("trade sizing failed", req, err)
	}
	req.Size = size
	result, err := o.placeWithReconcile(ctx, s, req, false)
	if err != nil {
		return result, err
	}
	o.recordTrade(ctx, req, result)
	o.updatePerformance(ctx)
	o.log.Info("trade executed",
		observability.F("symbol", req.Symbol),
		observability.F("side", string(req.Side)),
		observability.F("size", size.String()),
		observability.F("source", string(req.Source)),
		observability.F("monitor_status", string(result.Order.MonitorStatus.Status)))
	return result, nil
}

// SignalRequest is a pre-sized limit order with an optional take profit.
type SignalRequest struct {
	Symbol     string
	Side       schema.Side
	Size       decimal.Decimal
	ClientID   string
	Leverage   int
	TakeProfit *decimal.Decimal
}

// PlaceSignal places a single limit order at the touch with an optional take profit.
func (o *Operations) PlaceSignal(ctx context.Context, sig SignalRequest) (TradeResult, error) {
	s, err := o.acquire(ctx)
	if err != nil {
		return TradeResult{}, err
	}
	req := TradeRequest{
		Symbol:     o.venueSymbol(ctx, sig.Symbol),
		Side:       sig.Side,
		Type:       schema.OrderTypeLimit,
		Size:       sig.Size,
		Leverage:   sig.Leverage,
		TakeProfit: sig.TakeProfit,
		ClientID:   sig.ClientID,
		Source:     schema.SourceSignal,
	}
	if err := o.checkPresized(req); err != nil {
		return TradeResult{}, err
	}
	result, err := o.placeWithReconcile(ctx, s, req, false)
	if err != nil {
		return result, err
	}
	o.recordTrade(ctx, req, result)
	o.log.Info("signal order placed", observability.F("symbol", req.Symbol), observability.F("side", string(req.Side)), observability.F("size", req.Size.String()))
	return result, nil
}

// LadderRequest is a pre-sized limit order with a mandatory take profit.
type LadderRequest struct {
	Symbol     string
	Side       schema.Side
	Size       decimal.Decimal
	ClientID   string
	Leverage   int
	TakeProfit decimal.Decimal
}

// PlaceLadder cancels the symbol's open orders, then places a limit order with the take profit attached.
func (o *Operations) PlaceLadder(ctx context.Context, lad LadderRequest) (TradeResult, error) {
	s, err := o.acquire(ctx)
	if err != nil {
		return TradeResult{}, err
	}
	tp := lad.TakeProfit
	req := TradeRequest{
		Symbol:     o.venueSymbol(ctx, lad.Symbol),
		Side:       lad.Side,
		Type:       schema.OrderTypeLimit,
		Size:       lad.Size,
		Leverage:   lad.Leverage,
		TakeProfit: &tp,
		ClientID:   lad.ClientID,
		Source:     schema.SourceLadder,
	}
	if err := o.checkPresized(req); err != nil {
		return TradeResult{}, err
	}
	if !tp.IsPositive() {
		return TradeResult{}, errs.Validation("ladder orders require a take profit", errs.WithField("symbol", lad.Symbol))
	}
	result, err := o.placeWithReconcile(ctx, s, req, true)
	if err != nil {
		return result, err
	}
	o.recordTrade(ctx, req, result)
	o.log.Info("ladder order placed", observability.F("symbol", req.Symbol), observability.F("side", string(req.Side)), observability.F("size", req.Size.String()))
	return result, nil
}

// venueSymbol maps an inbound symbol to the venue's canonical form when the
// spec resolver can normalize. Otherwise the symbol must already be the venue's.
func (o *Operations) venueSymbol(ctx context.Context, symbol string) string {
	if n, ok := o.deps.Specs.(SymbolNormalizer); ok {
		return n.NormalizeSymbol(ctx, o.account.Exchange, symbol)
	}
	return symbol
}

func (o *Operations) checkPresized(req TradeRequest) error {
	if _, ok := schema.ParseSide(string(req.Side)); !ok {
		return errs.Validation("invalid side", errs.WithField("side", string(req.Side)))
	}
	if !req.Size.IsPositive() {
		return errs.Validation("size must be positive", errs.WithField("symbol", req.Symbol), errs.WithField("size", req.Size.String()))
	}
	return nil
}

func (o *Operations) resolveSize(ctx context.Context, s *session, req TradeRequest) (decimal.Decimal, error) {
	if req.Size.IsPositive() {
		spec, err := o.deps.Specs.Get(ctx, o.account.Exchange, req.Symbol)
		if err != nil {
			return decimal.Zero, err
		}
		return spec.FloorSize(req.Size), nil
	}
	balance, err := s.venue.Balance(ctx, settlementCurrency)
	if err != nil {
		return decimal.Zero, err
	}
	return s.sizer.CalcTradeSize(ctx, req.Symbol, req.RiskPct, req.Leverage, balance.Available)
}

// placeWithReconcile runs the position check, price resolution, placement and monitoring stages.
func (o *Operations) placeWithReconcile(ctx context.Context, s *session, req TradeRequest, cancelFirst bool) (TradeResult, error) {
	result := TradeResult{Size: req.Size}

	rec, err := o.handleCurrentPosition(ctx, s, req.Symbol, req.Side, req.Leverage)
	result.Position = rec
	if err != nil {
		return result, o.tradeError("position check failed", req, err)
	}
	if rec.ActionNeeded() {
		return result, o.tradeError("position requires attention", req, errs.Exchange(string(o.account.Exchange), rec.Reason))
	}
	if cancelFirst {
		if err := s.venue.CancelAllOrders(ctx, req.Symbol); err != nil {
			return result, o.tradeError("cancel orders failed", req, err)
		}
	}

	ticker, err := s.venue.CurrentPrice(ctx, req.Symbol)
	if err != nil {
		return result, o.tradeError("price lookup failed", req, err)
	}
	touch := ticker.Bid
	if req.Side == schema.SideSell {
		touch = ticker.Ask
	}
	entry, err := s.sizer.ValidatePrice(ctx, req.Symbol, req.Side, PriceEntry, touch)
	if err != nil {
		return result, o.tradeError("entry price invalid", req, err)
	}
	result.EntryPrice = entry

	order := schema.OrderRequest{
		Symbol:   req.Symbol,
		Side:     req.Side,
		Type:     req.Type,
		Size:     req.Size,
		Price:    entry,
		Leverage: req.Leverage,
		ClientID: req.ClientID,
	}
	if order.ClientID == "" {
		order.ClientID = newClientID()
	}
	if req.TakeProfit != nil {
		tp, err := s.sizer.ValidatePrice(ctx, req.Symbol, req.Side, PriceTakeProfit, *req.TakeProfit)
		if err != nil {
			return result, o.tradeError("take profit invalid", req, err)
		}
		order.TakeProfit = &tp
	}
	if req.StopLoss != nil {
		sl, err := s.sizer.ValidatePrice(ctx, req.Symbol, req.Side, PriceStopLoss, *req.StopLoss)
		if err != nil {
			return result, o.tradeError("stop loss invalid", req, err)
		}
		order.StopLoss = &sl
	}

	venue := string(o.account.Exchange)
	ack, err := s.venue.PlaceOrder(ctx, order)
	telemetry.Engine().OrderPlaced(ctx, venue, req.Symbol, string(req.Side), err)
	if err != nil {
		return result, o.tradeError("order execution failed", req, err)
	}
	result.Order = schema.OrderResult{OrderID: ack.OrderID, ClientID: ack.ClientID, Raw: ack.Raw}
	if result.Order.ClientID == "" {
		result.Order.ClientID = order.ClientID
	}
	if ack.OrderID != "" {
		result.Order.MonitorStatus = s.monitor.Watch(ctx, req.Symbol, ack.OrderID)
	}
	if spec, err := o.deps.Specs.Get(ctx, o.account.Exchange, req.Symbol); err == nil {
		result.OrderSize = req.Size.Mul(spec.ContractSize).Mul(entry)
	}
	result.Success = true
	return result, nil
}

// newClientID returns a 32-character hex id accepted by every venue's client order id field.
func newClientID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (o *Operations) tradeError(msg string, req TradeRequest, cause error) error {
	telemetry.Engine().Operation(context.Background(), string(o.account.Exchange), string(req.Source), cause)
	o.notify(context.Background(), notification.LevelCritical, msg, map[string]string{
		"symbol": req.Symbol,
		"side":   string(req.Side),
		"error":  cause.Error(),
	})
	if errs.Is(cause, errs.CodeInvalid) {
		return cause
	}
	return errs.Exchange(string(o.account.Exchange), msg,
		errs.WithCause(cause),
		errs.WithField("account_id", o.accountID),
		errs.WithField("symbol", req.Symbol),
		errs.WithField("side", string(req.Side)),
		errs.WithField("size", req.Size.String()))
}

func (o *Operations) recordTrade(ctx context.Context, req TradeRequest, result TradeResult) {
	trade := schema.TradeRecord{
		ID:            uuid.NewString(),
		AccountID:     o.accountID,
		Exchange:      o.account.Exchange,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Size:          req.Size,
		EntryPrice:    result.EntryPrice,
		Leverage:      req.Leverage,
		OrderID:       result.Order.OrderID,
		ClientID:      result.Order.ClientID,
		Source:        req.Source,
		MonitorStatus: result.Order.MonitorStatus.Status,
		Status:        schema.TradeOpen,
		OpenedAt:      o.deps.Now().UTC(),
	}
	if o.deps.Trades != nil {
		if err := o.deps.Trades.RecordTrade(ctx, trade); err != nil {
			o.log.Error("failed to record trade",
				observability.F("symbol", req.Symbol),
				observability.F("side", string(req.Side)),
				observability.Err(err))
			return
		}
	}
	o.tradesMu.Lock()
	o.openTrades[req.Symbol] = append(o.openTrades[req.Symbol], trade)
	o.tradesMu.Unlock()
}

// closeTrackedTrades closes the trades this process opened on symbol, estimating
// realized PnL from the last price.
func (o *Operations) closeTrackedTrades(ctx context.Context, s *session, symbol string) {
	o.tradesMu.Lock()
	open := o.openTrades[symbol]
	delete(o.openTrades, symbol)
	o.tradesMu.Unlock()
	if len(open) == 0 || o.deps.Trades == nil {
		return
	}
	ticker, err := s.venue.CurrentPrice(ctx, symbol)
	if err != nil {
		o.log.Warn("exit price unavailable for trade close", observability.F("symbol", symbol), observability.Err(err))
		return
	}
	contract := decimal.NewFromInt(1)
	if spec, err := o.deps.Specs.Get(ctx, o.account.Exchange, symbol); err == nil {
		contract = spec.ContractSize
	}
	now := o.deps.Now().UTC()
	for _, trade := range open {
		move := ticker.Last.Sub(trade.EntryPrice)
		if trade.Side == schema.SideSell {
			move = move.Neg()
		}
		tc := schema.TradeClose{
			TradeID:     trade.ID,
			ExitPrice:   ticker.Last,
			RealizedPnL: move.Mul(trade.Size).Mul(contract),
			ClosedAt:    now,
		}
		if err := o.deps.Trades.CloseTrade(ctx, tc); err != nil {
			o.log.Error("failed to close trade", observability.F("trade_id", trade.ID), observability.Err(err))
		}
	}
}

// UpdatePerformance snapshots balance, equity and open positions into today's record.
func (o *Operations) UpdatePerformance(ctx context.Context) error {
	s, err := o.acquire(ctx)
	if err != nil {
		return err
	}
	metrics, err := o.snapshotMetrics(ctx, s)
	if err != nil {
		return err
	}
	if o.deps.Performance == nil {
		return nil
	}
	return o.deps.Performance.UpdateDailyPerformance(ctx, o.accountID, o.deps.Now().UTC(), metrics)
}

func (o *Operations) updatePerformance(ctx context.Context) {
	if err := o.UpdatePerformance(ctx); err != nil {
		o.log.Error("failed to update performance", observability.Err(err))
	}
}

func (o *Operations) snapshotMetrics(ctx context.Context, s *session) (schema.TradeMetrics, error) {
	balance, err := s.venue.Balance(ctx, settlementCurrency)
	if err != nil {
		return schema.TradeMetrics{}, err
	}
	positions, err := s.venue.Positions(ctx)
	if err != nil {
		return schema.TradeMetrics{}, err
	}
	notional := decimal.Zero
	for _, p := range positions {
		notional = notional.Add(p.NotionalValue.Abs())
	}
	return schema.TradeMetrics{
		Balance:       balance.Available,
		Equity:        balance.Equity,
		OpenPositions: len(positions),
		OpenNotional:  notional,
	}, nil
}

// SyncPerformance folds the venue's closed positions in [start, end] into one record per
// calendar day of closing. The day of end also takes the live balance and position
// snapshot. Earlier days are written as backfills seeded with the live balance and equity.
// The returned metrics are the window's totals over the live snapshot.
func (o *Operations) SyncPerformance(ctx context.Context, start, end time.Time) (schema.TradeMetrics, error) {
	s, err := o.acquire(ctx)
	if err != nil {
		return schema.TradeMetrics{}, err
	}
	if end.Before(start) {
		return schema.TradeMetrics{}, errs.Validation("sync window ends before it starts")
	}
	history, err := s.venue.PositionHistory(ctx, start, end, "")
	if err != nil {
		return schema.TradeMetrics{}, err
	}
	snapshot, err := o.snapshotMetrics(ctx, s)
	if err != nil {
		return schema.TradeMetrics{}, err
	}

	today := schema.TruncateDay(end)
	byDay := make(map[time.Time][]schema.ClosedPosition)
	var past []time.Time
	for _, row := range history {
		day := schema.TruncateDay(row.ClosedAt)
		if _, seen := byDay[day]; !seen && !day.Equal(today) {
			past = append(past, day)
		}
		byDay[day] = append(byDay[day], row)
	}
	slices.SortFunc(past, time.Time.Compare)

	if o.deps.Performance != nil {
		for _, day := range past {
			backfill := withClosed(schema.TradeMetrics{Balance: snapshot.Balance, Equity: snapshot.Equity, Backfill: true}, FoldClosed(byDay[day]))
			if err := o.deps.Performance.UpdateDailyPerformance(ctx, o.accountID, day, backfill); err != nil {
				return schema.TradeMetrics{}, err
			}
		}
		if err := o.deps.Performance.UpdateDailyPerformance(ctx, o.accountID, end.UTC(), withClosed(snapshot, FoldClosed(byDay[today]))); err != nil {
			return schema.TradeMetrics{}, err
		}
	}
	metrics := withClosed(snapshot, FoldClosed(history))
	o.log.Info("performance synced",
		observability.F("days", len(past)+1),
		observability.F("closed_trades", metrics.ClosedTrades),
		observability.F("total_pnl", metrics.TotalPnL.String()))
	return metrics, nil
}

// withClosed copies the closed-trade totals of closed onto m.
func withClosed(m, closed schema.TradeMetrics) schema.TradeMetrics {
	m.ClosedTrades = closed.ClosedTrades
	m.WinningTrades = closed.WinningTrades
	m.ClosedTradeValue = closed.ClosedTradeValue
	m.TradingFees = closed.TradingFees
	m.FundingFees = closed.FundingFees
	m.TotalPnL = closed.TotalPnL
	return m
}

// FoldClosed sums closed positions into trade metrics. Fees are kept as positive costs.
func FoldClosed(rows []schema.ClosedPosition) schema.TradeMetrics {
	m := schema.TradeMetrics{}
	for _, row := range rows {
		m.ClosedTrades++
		if row.NetPnL.IsPositive() {
			m.WinningTrades++
		}
		m.ClosedTradeValue = m.ClosedTradeValue.Add(row.Notional().Abs())
		m.TradingFees = m.TradingFees.Add(row.TradingFee)
		m.FundingFees = m.FundingFees.Add(row.FundingFee)
		m.TotalPnL = m.TotalPnL.Add(row.RawPnL)
	}
	return m
}

// ControlResult reports a position-control run.
type ControlResult struct {
	Success     bool
	Symbol      string
	ControlType string
}

// PositionControl flattens symbol: cancel all orders, close the position, reset position mode.
func (o *Operations) PositionControl(ctx context.Context, symbol, controlType string) (ControlResult, error) {
	s, err := o.acquire(ctx)
	if err != nil {
		return ControlResult{}, err
	}
	symbol = o.venueSymbol(ctx, symbol)
	venue := string(o.account.Exchange)
	fail := func(step string, cause error) (ControlResult, error) {
		err := errs.Exchange(venue, "position control failed",
			errs.WithCause(cause),
			errs.WithField("symbol", symbol),
			errs.WithField("type", controlType),
			errs.WithField("step", step))
		telemetry.Engine().Operation(ctx, venue, "position_control", err)
		o.notify(ctx, notification.LevelCritical, "position control failed", map[string]string{"symbol": symbol, "step": step, "error": cause.Error()})
		return ControlResult{Symbol: symbol, ControlType: controlType}, err
	}
	if err := s.venue.CancelAllOrders(ctx, symbol); err != nil {
		return fail("cancel orders", err)
	}
	if err := s.venue.ClosePosition(ctx, symbol); err != nil {
		return fail("close position", err)
	}
	o.closeTrackedTrades(ctx, s, symbol)
	if err := s.venue.SetPositionMode(ctx); err != nil {
		return fail("position mode", err)
	}
	telemetry.Engine().Operation(ctx, venue, "position_control", nil)
	o.log.Info("position control executed", observability.F("symbol", symbol), observability.F("type", controlType))
	o.notify(ctx, notification.LevelInfo, "position control executed", map[string]string{"symbol": symbol, "type": controlType})
	return ControlResult{Success: true, Symbol: symbol, ControlType: controlType}, nil
}

func (o *Operations) notify(ctx context.Context, level notification.Level, title string, fields map[string]string) {
	msg := notification.Message{
		Level:   level,
		Title:   title,
		Fields:  fields,
		Created: o.deps.Now().UTC(),
	}
	if msg.Fields == nil {
		msg.Fields = map[string]string{}
	}
	msg.Fields["account_id"] = o.accountID
	if err := o.deps.Notifier.Notify(ctx, msg); err != nil {
		o.log.Warn("notification failed", observability.F("title", title), observability.Err(err))
	}
}
