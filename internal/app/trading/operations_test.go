package trading

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coachpo/tradeplane/errs"
	"github.com/coachpo/tradeplane/internal/app/provider"
	"github.com/coachpo/tradeplane/internal/app/symbols"
	"github.com/coachpo/tradeplane/internal/domain/exchange"
	"github.com/coachpo/tradeplane/internal/domain/notification"
	"github.com/coachpo/tradeplane/internal/domain/schema"
	"github.com/coachpo/tradeplane/internal/infra/adapters/fake"
	"github.com/coachpo/tradeplane/internal/infra/persistence/memory"
)

var opsNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type venueByAccount map[string]*fake.Exchange

func (v venueByAccount) GetInstance(_ context.Context, acc schema.Account) (exchange.Client, error) {
	venue, ok := v[acc.ID]
	if !ok {
		return nil, errs.Configuration("no venue for account", errs.WithField("account_id", acc.ID))
	}
	return venue, nil
}

type perfCall struct {
	accountID string
	date      time.Time
	metrics   schema.TradeMetrics
}

type perfRecorder struct {
	mu    sync.Mutex
	calls []perfCall
}

func (p *perfRecorder) UpdateDailyPerformance(_ context.Context, accountID string, date time.Time, metrics schema.TradeMetrics) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, perfCall{accountID, date, metrics})
	return nil
}

type notifyRecorder struct {
	mu   sync.Mutex
	msgs []notification.Message
	err  error
}

func (n *notifyRecorder) Notify(_ context.Context, msg notification.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
	return n.err
}

type opsFixture struct {
	ops    *Operations
	venue  *fake.Exchange
	trades *memory.TradeStore
	perf   *perfRecorder
	notes  *notifyRecorder
}

func newOpsFixture(t *testing.T) opsFixture {
	t.Helper()
	refs := memory.NewReferences()
	refs.PutAccount(schema.Account{ID: "acc-1", Exchange: schema.ExchangeBybit, Active: true})
	venue := btcVenue()
	f := opsFixture{
		venue:  venue,
		trades: memory.NewTradeStore(),
		perf:   &perfRecorder{},
		notes:  &notifyRecorder{},
	}
	ops, err := NewOperations("acc-1", Deps{
		References:  refs,
		Clients:     venueByAccount{"acc-1": venue},
		Specs:       btcSpecs(),
		Trades:      f.trades,
		Performance: f.perf,
		Notifier:    f.notes,
		Sleep:       noSleep,
		Now:         func() time.Time { return opsNow },
	})
	if err != nil {
		t.Fatalf("NewOperations: %v", err)
	}
	f.ops = ops
	return f
}

func TestExecuteTradeSignalScenario(t *testing.T) {
	f := newOpsFixture(t)
	f.venue.ScriptNextOrder(openOrder(schema.SideBuy, "49999.9"), nil)

	res, err := f.ops.ExecuteTrade(context.Background(), TradeRequest{
		Symbol:   "BTCUSDT",
		Side:     schema.SideBuy,
		RiskPct:  dec("1"),
		Leverage: 10,
		Source:   schema.SourceBot,
	})
	if err != nil {
		t.Fatalf("ExecuteTrade: %v", err)
	}
	if !res.Success || !res.Size.Equal(dec("0.02")) || !res.EntryPrice.Equal(dec("49999.9")) {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Position.Outcome != OutcomeInitialized {
		t.Fatalf("expected initialized position, got %s", res.Position.Outcome)
	}
	if st := res.Order.MonitorStatus; st.Status != schema.MonitorFilled || st.Attempts > DefaultMonitorAttempts {
		t.Fatalf("unexpected monitor status %+v", st)
	}
	if !res.OrderSize.Equal(dec("999.998")) {
		t.Fatalf("order notional = %s", res.OrderSize)
	}
	want := []string{"SetLeverage BTCUSDT 10", "PlaceOrder BTCUSDT buy 0.02 49999.9"}
	if got := f.venue.Calls(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	if cid := f.venue.Orders()[0].ClientID; len(cid) != 32 {
		t.Fatalf("expected generated client id, got %q", cid)
	}

	trades := f.trades.Trades()
	if len(trades) != 1 || trades[0].Source != schema.SourceBot || trades[0].MonitorStatus != schema.MonitorFilled {
		t.Fatalf("unexpected trades %+v", trades)
	}
	if len(f.perf.calls) != 1 || !f.perf.calls[0].metrics.Balance.Equal(dec("10000")) {
		t.Fatalf("expected a performance snapshot, got %+v", f.perf.calls)
	}
}

func TestExecuteTradeTinyRiskUsesOneLot(t *testing.T) {
	f := newOpsFixture(t)
	res, err := f.ops.ExecuteTrade(context.Background(), TradeRequest{
		Symbol: "BTCUSDT", Side: schema.SideSell, RiskPct: dec("0.001"), Leverage: 10,
	})
	if err != nil {
		t.Fatalf("ExecuteTrade: %v", err)
	}
	if !res.Size.Equal(dec("0.001")) || !res.EntryPrice.Equal(dec("50000.1")) {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestExecuteTradeFlipsOpposingPositionFirst(t *testing.T) {
	f := newOpsFixture(t)
	f.venue.SetPosition(schema.Position{Symbol: "BTCUSDT", Side: schema.PositionShort, Size: dec("0.1")})

	res, err := f.ops.ExecuteTrade(context.Background(), TradeRequest{
		Symbol: "BTCUSDT", Side: schema.SideBuy, Size: dec("0.0257"), Leverage: 4,
	})
	if err != nil {
		t.Fatalf("ExecuteTrade: %v", err)
	}
	if res.Position.Outcome != OutcomeClosed || !res.Size.Equal(dec("0.025")) {
		t.Fatalf("unexpected result %+v", res)
	}
	want := []string{
		"CancelAllOrders BTCUSDT",
		"ClosePosition BTCUSDT",
		"SetLeverage BTCUSDT 4",
		"PlaceOrder BTCUSDT buy 0.025 49999.9",
	}
	if got := f.venue.Calls(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
}

func TestExecuteTradeAbortsWhenReconcileFails(t *testing.T) {
	f := newOpsFixture(t)
	f.venue.SetPosition(schema.Position{Symbol: "BTCUSDT", Side: schema.PositionShort, Size: dec("0.1")})
	f.venue.Fail("CancelAllOrders", errs.Exchange("bybit", "busy"))

	res, err := f.ops.ExecuteTrade(context.Background(), TradeRequest{
		Symbol: "BTCUSDT", Side: schema.SideBuy, RiskPct: dec("1"), Leverage: 10,
	})
	if !errs.Is(err, errs.CodeExchange) {
		t.Fatalf("expected exchange error, got %v", err)
	}
	if res.Success || !res.Position.ActionNeeded() {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(f.venue.Orders()) != 0 {
		t.Fatalf("no order may be placed after a failed reconcile")
	}
	if len(f.notes.msgs) == 0 || f.notes.msgs[0].Level != notification.LevelCritical {
		t.Fatalf("expected a critical notification, got %+v", f.notes.msgs)
	}
}

func TestExecuteTradeValidationIsNotWrapped(t *testing.T) {
	f := newOpsFixture(t)
	_, err := f.ops.ExecuteTrade(context.Background(), TradeRequest{
		Symbol: "BTCUSDT", Side: schema.SideBuy, RiskPct: dec("0"), Leverage: 10,
	})
	if errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("expected a bare validation error, got %v", err)
	}
}

func TestPlaceOrderFailureSurfacesContext(t *testing.T) {
	f := newOpsFixture(t)
	f.venue.Fail("PlaceOrder", errs.Exchange("bybit", "insufficient margin"))
	_, err := f.ops.PlaceSignal(context.Background(), SignalRequest{
		Symbol: "BTCUSDT", Side: schema.SideBuy, Size: dec("0.01"), Leverage: 3, ClientID: "sig-1",
	})
	var e *errs.E
	if !errors.As(err, &e) || e.Fields["symbol"] != "BTCUSDT" || e.Fields["size"] != "0.01" {
		t.Fatalf("expected contextual exchange error, got %v", err)
	}
}

func TestPlaceSignalWithTakeProfit(t *testing.T) {
	f := newOpsFixture(t)
	tp := dec("52000.04")
	res, err := f.ops.PlaceSignal(context.Background(), SignalRequest{
		Symbol: "BTCUSDT", Side: schema.SideBuy, Size: dec("0.01"), Leverage: 3, ClientID: "sig-1", TakeProfit: &tp,
	})
	if err != nil {
		t.Fatalf("PlaceSignal: %v", err)
	}
	order := f.venue.Orders()[0]
	if order.TakeProfit == nil || !order.TakeProfit.Equal(dec("52000")) || order.ClientID != "sig-1" {
		t.Fatalf("unexpected order %+v", order)
	}
	if order.EffectiveType() != schema.OrderTypeLimit || res.Order.ClientID != "sig-1" {
		t.Fatalf("signal orders are limit orders, got %+v", order)
	}
	if len(f.perf.calls) != 0 {
		t.Fatalf("signals do not refresh performance")
	}
}

func TestPlaceLadderCancelsBeforePlacing(t *testing.T) {
	f := newOpsFixture(t)
	_, err := f.ops.PlaceLadder(context.Background(), LadderRequest{
		Symbol: "BTCUSDT", Side: schema.SideSell, Size: dec("0.003"), Leverage: 5, ClientID: "lad-1", TakeProfit: dec("48000"),
	})
	if err != nil {
		t.Fatalf("PlaceLadder: %v", err)
	}
	want := []string{"SetLeverage BTCUSDT 5", "CancelAllOrders BTCUSDT", "PlaceOrder BTCUSDT sell 0.003 50000.1"}
	if got := f.venue.Calls(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	if tp := f.venue.Orders()[0].TakeProfit; tp == nil || !tp.Equal(dec("48000")) {
		t.Fatalf("ladder order must carry its take profit")
	}

	if _, err := f.ops.PlaceLadder(context.Background(), LadderRequest{
		Symbol: "BTCUSDT", Side: schema.SideSell, Size: dec("0.003"), Leverage: 5,
	}); !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected missing take profit to be rejected, got %v", err)
	}
}

func TestPositionControlSequence(t *testing.T) {
	f := newOpsFixture(t)
	if _, err := f.ops.ExecuteTrade(context.Background(), TradeRequest{
		Symbol: "BTCUSDT", Side: schema.SideBuy, Size: dec("0.01"), Leverage: 2,
	}); err != nil {
		t.Fatalf("ExecuteTrade: %v", err)
	}
	f.venue.SetPosition(schema.Position{Symbol: "BTCUSDT", Side: schema.PositionLong, Size: dec("0.01")})

	res, err := f.ops.PositionControl(context.Background(), "BTCUSDT", "close")
	if err != nil || !res.Success {
		t.Fatalf("PositionControl: %+v %v", res, err)
	}
	calls := f.venue.Calls()
	tail := calls[len(calls)-3:]
	want := []string{"CancelAllOrders BTCUSDT", "ClosePosition BTCUSDT", "SetPositionMode"}
	if !reflect.DeepEqual(tail, want) {
		t.Fatalf("calls = %v, want tail %v", calls, want)
	}
	trades := f.trades.Trades()
	if trades[0].Status != schema.TradeClosed || trades[0].ClosedAt == nil {
		t.Fatalf("expected the tracked trade closed, got %+v", trades[0])
	}
}

func TestNotificationFailureDoesNotFailTrade(t *testing.T) {
	f := newOpsFixture(t)
	f.notes.err = errors.New("smtp down")
	if _, err := f.ops.PositionControl(context.Background(), "BTCUSDT", "close"); err != nil {
		t.Fatalf("notification failures must be swallowed, got %v", err)
	}
}

func TestInitializeUnknownAccount(t *testing.T) {
	ops, err := NewOperations("missing", Deps{
		References: memory.NewReferences(),
		Clients:    venueByAccount{},
		Specs:      btcSpecs(),
	})
	if err != nil {
		t.Fatalf("NewOperations: %v", err)
	}
	if err := ops.Initialize(context.Background()); !errs.Is(err, errs.CodeConfig) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestSyncPerformanceFoldsHistory(t *testing.T) {
	f := newOpsFixture(t)
	day := schema.TruncateDay(opsNow)
	f.venue.SetHistory(
		schema.ClosedPosition{Symbol: "BTCUSDT", Size: dec("0.1"), EntryPrice: dec("50000"), RawPnL: dec("120"), TradingFee: dec("3"), FundingFee: dec("1"), NetPnL: dec("116"), ClosedAt: day.Add(time.Hour)},
		schema.ClosedPosition{Symbol: "ETHUSDT", Size: dec("2"), EntryPrice: dec("3000"), RawPnL: dec("-40"), TradingFee: dec("2"), FundingFee: dec("-0.5"), NetPnL: dec("-41.5"), ClosedAt: day.Add(2 * time.Hour)},
		schema.ClosedPosition{Symbol: "BTCUSDT", Size: dec("1"), EntryPrice: dec("1"), RawPnL: dec("1"), ClosedAt: day.Add(-time.Hour)},
	)
	metrics, err := f.ops.SyncPerformance(context.Background(), day, opsNow)
	if err != nil {
		t.Fatalf("SyncPerformance: %v", err)
	}
	if metrics.ClosedTrades != 2 || metrics.WinningTrades != 1 {
		t.Fatalf("unexpected counts %+v", metrics)
	}
	if !metrics.ClosedTradeValue.Equal(dec("11000")) || !metrics.TotalPnL.Equal(dec("80")) {
		t.Fatalf("unexpected totals %+v", metrics)
	}
	net := metrics.TotalPnL.Sub(metrics.TradingFees).Sub(metrics.FundingFees)
	if !net.Equal(dec("74.5")) {
		t.Fatalf("net = %s, want 74.5", net)
	}
	if len(f.perf.calls) != 1 || !f.perf.calls[0].date.Equal(opsNow) {
		t.Fatalf("expected one update dated at the window end, got %+v", f.perf.calls)
	}
}

func TestSyncPerformanceWritesOneRecordPerDay(t *testing.T) {
	f := newOpsFixture(t)
	today := schema.TruncateDay(opsNow)
	f.venue.SetHistory(
		schema.ClosedPosition{Symbol: "BTCUSDT", Size: dec("0.1"), EntryPrice: dec("50000"), RawPnL: dec("10"), NetPnL: dec("9"), ClosedAt: today.AddDate(0, 0, -2).Add(3 * time.Hour)},
		schema.ClosedPosition{Symbol: "BTCUSDT", Size: dec("0.1"), EntryPrice: dec("50000"), RawPnL: dec("20"), NetPnL: dec("19"), ClosedAt: today.AddDate(0, 0, -1).Add(5 * time.Hour)},
		schema.ClosedPosition{Symbol: "BTCUSDT", Size: dec("0.1"), EntryPrice: dec("50000"), RawPnL: dec("30"), NetPnL: dec("29"), ClosedAt: today.Add(time.Hour)},
	)
	metrics, err := f.ops.SyncPerformance(context.Background(), today.AddDate(0, 0, -2), opsNow)
	if err != nil {
		t.Fatalf("SyncPerformance: %v", err)
	}
	if metrics.ClosedTrades != 3 || !metrics.TotalPnL.Equal(dec("60")) {
		t.Fatalf("expected window totals, got %+v", metrics)
	}
	if len(f.perf.calls) != 3 {
		t.Fatalf("expected one record per day, got %d: %+v", len(f.perf.calls), f.perf.calls)
	}
	cases := []struct {
		date     time.Time
		pnl      string
		backfill bool
	}{
		{today.AddDate(0, 0, -2), "10", true},
		{today.AddDate(0, 0, -1), "20", true},
		{opsNow, "30", false},
	}
	for i, tc := range cases {
		call := f.perf.calls[i]
		if !call.date.Equal(tc.date) {
			t.Fatalf("record %d dated %s, want %s", i, call.date, tc.date)
		}
		if call.metrics.ClosedTrades != 1 || !call.metrics.TotalPnL.Equal(dec(tc.pnl)) {
			t.Fatalf("record %d: unexpected closed totals %+v", i, call.metrics)
		}
		if call.metrics.Backfill != tc.backfill || !call.metrics.Balance.Equal(dec("10000")) {
			t.Fatalf("record %d: unexpected snapshot %+v", i, call.metrics)
		}
	}
}

func TestOperationsKeepPooledClientInUse(t *testing.T) {
	now := opsNow
	var built []*fake.Exchange
	reg := provider.NewRegistry()
	reg.Register(schema.ExchangeBybit, func(context.Context, provider.VenueConfig) (exchange.Client, error) {
		venue := btcVenue()
		built = append(built, venue)
		return venue, nil
	})
	pool := provider.NewManager(reg, provider.WithClock(func() time.Time { return now }), provider.WithIdleTimeout(time.Hour))
	refs := memory.NewReferences()
	refs.PutAccount(schema.Account{
		ID:          "acc-1",
		Exchange:    schema.ExchangeBybit,
		Credentials: schema.Credentials{APIKey: "key-aaaaaa", APISecret: "secret"},
		Active:      true,
	})
	ops, err := NewOperations("acc-1", Deps{
		References: refs,
		Clients:    pool,
		Specs:      btcSpecs(),
		Sleep:      noSleep,
		Now:        func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewOperations: %v", err)
	}
	ctx := context.Background()

	for step := 0; step < 6; step++ {
		if err := ops.UpdatePerformance(ctx); err != nil {
			t.Fatalf("step %d: UpdatePerformance: %v", step, err)
		}
		now = now.Add(30 * time.Minute)
		if n := pool.CleanupInstances(ctx, now); n != 0 {
			t.Fatalf("step %d: evicted %d clients still in use", step, n)
		}
	}
	if len(built) != 1 {
		t.Fatalf("expected one client for the account, built %d", len(built))
	}
	if _, closes := built[0].Sessions(); closes != 0 {
		t.Fatalf("client in use was closed %d times", closes)
	}

	now = now.Add(2 * time.Hour)
	if n := pool.CleanupInstances(ctx, now); n != 1 {
		t.Fatalf("expected the idle client to be evicted, got %d", n)
	}
	built[0].Fail("Balance", errs.Exchange("bybit", "client closed"))
	if err := ops.UpdatePerformance(ctx); err != nil {
		t.Fatalf("UpdatePerformance after eviction: %v", err)
	}
	if len(built) != 2 {
		t.Fatalf("expected a replacement client, built %d", len(built))
	}
}

var _ SymbolNormalizer = (*symbols.Resolver)(nil)

type normalizingSpecs struct{ staticSpecs }

func (n normalizingSpecs) NormalizeSymbol(_ context.Context, typ schema.ExchangeType, symbol string) string {
	venueSymbol, err := symbols.VenueSymbol(typ, symbol)
	if err != nil {
		return symbols.LocalNormalize(symbol)
	}
	return venueSymbol
}

func TestTradeSymbolsAreNormalized(t *testing.T) {
	refs := memory.NewReferences()
	refs.PutAccount(schema.Account{ID: "acc-1", Exchange: schema.ExchangeBybit, Active: true})
	venue := btcVenue()
	ops, err := NewOperations("acc-1", Deps{
		References: refs,
		Clients:    venueByAccount{"acc-1": venue},
		Specs:      normalizingSpecs{btcSpecs()},
		Sleep:      noSleep,
		Now:        func() time.Time { return opsNow },
	})
	if err != nil {
		t.Fatalf("NewOperations: %v", err)
	}
	ctx := context.Background()

	if _, err := ops.ExecuteTrade(ctx, TradeRequest{Symbol: "btc", Side: schema.SideBuy, RiskPct: dec("1"), Leverage: 10}); err != nil {
		t.Fatalf("ExecuteTrade: %v", err)
	}
	if _, err := ops.PlaceLadder(ctx, LadderRequest{Symbol: "BTC/USDT", Side: schema.SideBuy, Size: dec("0.01"), Leverage: 10, TakeProfit: dec("52000")}); err != nil {
		t.Fatalf("PlaceLadder: %v", err)
	}
	for i, order := range venue.Orders() {
		if order.Symbol != "BTCUSDT" {
			t.Fatalf("order %d sent as %q, want BTCUSDT", i, order.Symbol)
		}
	}
	if len(venue.Orders()) != 2 {
		t.Fatalf("expected two orders, got %d", len(venue.Orders()))
	}
}

func TestTerminateBotAccountsIsPartialFailureTolerant(t *testing.T) {
	refs := memory.NewReferences()
	good := fake.NewExchange(schema.ExchangeOKX)
	good.SetPosition(schema.Position{Symbol: "BTC-USDT-SWAP", Side: schema.PositionLong, Size: dec("1")})
	good.SetPosition(schema.Position{Symbol: "ETH-USDT-SWAP", Side: schema.PositionShort, Size: dec("3")})
	bad := fake.NewExchange(schema.ExchangeBitget)
	bad.Fail("Positions", errs.Exchange("bitget", "maintenance"))
	refs.PutAccount(schema.Account{ID: "good", Exchange: schema.ExchangeOKX})
	refs.PutAccount(schema.Account{ID: "bad", Exchange: schema.ExchangeBitget})
	refs.PutBot(schema.Bot{ID: "bot-1", AccountIDs: []string{"good", "bad"}})
	notes := &notifyRecorder{}

	term := Terminator{References: refs, Clients: venueByAccount{"good": good, "bad": bad}, Notifier: notes}
	out, err := term.TerminateBotAccounts(context.Background(), "bot-1")
	if err != nil {
		t.Fatalf("TerminateBotAccounts: %v", err)
	}
	if !out.Success || len(out.Results) != 2 {
		t.Fatalf("unexpected result %+v", out)
	}
	if !out.Results[0].Success || out.Results[0].ClosedPositions != 2 {
		t.Fatalf("good account should be flattened, got %+v", out.Results[0])
	}
	if out.Results[1].Success || out.Results[1].Err == nil {
		t.Fatalf("bad account should report its failure, got %+v", out.Results[1])
	}
	if len(notes.msgs) != 1 || notes.msgs[0].Level != notification.LevelWarning || !strings.Contains(notes.msgs[0].Body, "1 of 2") {
		t.Fatalf("unexpected notification %+v", notes.msgs)
	}

	bad2 := fake.NewExchange(schema.ExchangeBybit)
	bad2.Fail("Positions", errs.Exchange("bybit", "down"))
	term.Clients = venueByAccount{"good": bad2, "bad": bad}
	out, _ = term.TerminateBotAccounts(context.Background(), "bot-1")
	if out.Success {
		t.Fatalf("success must be false when every account fails")
	}

	if _, err := term.TerminateBotAccounts(context.Background(), "ghost"); !errs.Is(err, errs.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
