package bitget

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradeplane/errs"
	"github.com/coachpo/tradeplane/internal/domain/schema"
	"github.com/coachpo/tradeplane/internal/infra/adapters/shared"
)

type recorded struct {
	method string
	path   string
	query  string
	body   string
	header http.Header
}

type fakeVenue struct {
	mu       sync.Mutex
	calls    []recorded
	handlers map[string]string
}

func newFakeVenue(t *testing.T) (*fakeVenue, *httptest.Server) {
	f := &fakeVenue{handlers: make(map[string]string)}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeVenue) on(method, path, response string) {
	f.mu.Lock()
	f.handlers[method+" "+path] = response
	f.mu.Unlock()
}

func (f *fakeVenue) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.calls = append(f.calls, recorded{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery, body: string(body), header: r.Header.Clone()})
	resp, ok := f.handlers[r.Method+" "+r.URL.Path]
	f.mu.Unlock()
	if !ok {
		resp = `{"code":"00000","msg":"success","data":null}`
	}
	_, _ = w.Write([]byte(resp))
}

func (f *fakeVenue) paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.method+" "+c.path)
	}
	return out
}

func (f *fakeVenue) last() recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T, baseURL string, testnet bool) *Client {
	t.Helper()
	client, err := New(Config{
		Credentials: schema.Credentials{APIKey: "key-123456", APISecret: "secret", Passphrase: "pass", Testnet: testnet},
		BaseURL:     baseURL,
		Rate:        1000,
		Now:         func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return client
}

func TestNewRequiresPassphrase(t *testing.T) {
	_, err := New(Config{Credentials: schema.Credentials{APIKey: "k", APISecret: "s"}})
	if !errs.Is(err, errs.CodeConfig) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestSignedRequestAndProductType(t *testing.T) {
	venueSrv, srv := newFakeVenue(t)
	venueSrv.on(http.MethodGet, pathAccounts, `{"code":"00000","data":[{"marginCoin":"SUSDT","available":"500","accountEquity":"750.25"}]}`)
	client := newTestClient(t, srv.URL, true)

	bal, err := client.Balance(context.Background(), "")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if bal.Currency != "SUSDT" || !bal.Available.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("unexpected balance %+v", bal)
	}
	call := venueSrv.last()
	if !strings.Contains(call.query, "productType=SUSDT-FUTURES") {
		t.Fatalf("expected demo product type, got %q", call.query)
	}
	want := base64.StdEncoding.EncodeToString(shared.HMACSHA256("secret", "1709294400000GET"+pathAccounts+"?"+call.query))
	if call.header.Get("ACCESS-SIGN") != want {
		t.Fatalf("signature mismatch")
	}
	if call.header.Get("ACCESS-PASSPHRASE") != "pass" || call.header.Get("X-CHANNEL-API-CODE") != "1" || call.header.Get("paptrading") != "1" {
		t.Fatalf("missing headers: %v", call.header)
	}
}

func TestVenueErrorCode(t *testing.T) {
	venueSrv, srv := newFakeVenue(t)
	venueSrv.on(http.MethodPost, pathSetPositionMode, `{"code":"40774","msg":"position exists","data":null}`)
	client := newTestClient(t, srv.URL, false)

	err := client.SetPositionMode(context.Background())
	e, _ := err.(*errs.E)
	if e == nil || e.Code != errs.CodeExchange || e.RawCode != "40774" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestSetLeverageSetsMarginModeFirst(t *testing.T) {
	venueSrv, srv := newFakeVenue(t)
	client := newTestClient(t, srv.URL, false)

	if err := client.SetLeverage(context.Background(), "BTCUSDT", 10); err != nil {
		t.Fatalf("SetLeverage: %v", err)
	}
	got := venueSrv.paths()
	want := []string{"POST " + pathSetMarginMode, "POST " + pathSetLeverage}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("unexpected call order %v", got)
	}
	if !strings.Contains(venueSrv.last().body, `"leverage":"10"`) {
		t.Fatalf("unexpected leverage body %s", venueSrv.last().body)
	}
	if err := client.SetLeverage(context.Background(), "BTCUSDT", 101); !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCancelAllSweepsPlanOrders(t *testing.T) {
	venueSrv, srv := newFakeVenue(t)
	client := newTestClient(t, srv.URL, false)

	if err := client.CancelAllOrders(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("CancelAllOrders: %v", err)
	}
	got := venueSrv.paths()
	if len(got) != 2 || got[1] != "POST "+pathCancelPlan {
		t.Fatalf("unexpected calls %v", got)
	}
	if !strings.Contains(venueSrv.last().body, `"planType":"normal_plan"`) {
		t.Fatalf("expected plan type, got %s", venueSrv.last().body)
	}
}

func TestSymbolSpecTickFromPricePlace(t *testing.T) {
	venueSrv, srv := newFakeVenue(t)
	venueSrv.on(http.MethodGet, pathContracts, `{"code":"00000","data":[{"symbol":"BTCUSDT","pricePlace":"1","priceEndStep":"5","sizeMultiplier":"0.001","symbolStatus":"normal"}]}`)
	client := newTestClient(t, srv.URL, false)

	spec, err := client.SymbolSpec(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("SymbolSpec: %v", err)
	}
	if !spec.TickSize.Equal(decimal.RequireFromString("0.5")) || !spec.LotSize.Equal(decimal.RequireFromString("0.001")) || !spec.Active {
		t.Fatalf("unexpected spec %+v", spec)
	}
}

func TestPlaceOrderPresetTakeProfit(t *testing.T) {
	venueSrv, srv := newFakeVenue(t)
	venueSrv.on(http.MethodPost, pathPlaceOrder, `{"code":"00000","data":{"orderId":"b-1","clientOid":"c-1"}}`)
	client := newTestClient(t, srv.URL, false)

	tp := decimal.RequireFromString("2100")
	ack, err := client.PlaceOrder(context.Background(), schema.OrderRequest{
		Symbol:     "ETHUSDT",
		Side:       schema.SideSell,
		Size:       decimal.RequireFromString("0.5"),
		Price:      decimal.RequireFromString("2000"),
		TakeProfit: &tp,
		ClientID:   "c-1",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if ack.OrderID != "b-1" {
		t.Fatalf("unexpected ack %+v", ack)
	}
	var body placeOrderRequest
	if err := json.Unmarshal([]byte(venueSrv.last().body), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Side != "sell" || body.OrderType != "limit" || body.MarginMode != "crossed" || body.PresetStopSurplusPrice != "2100" || body.Force != "gtc" {
		t.Fatalf("unexpected order body %+v", body)
	}
}

func TestPositionHistoryNetIdentity(t *testing.T) {
	venueSrv, srv := newFakeVenue(t)
	venueSrv.on(http.MethodGet, pathHistoryPosition, `{"code":"00000","data":{"list":[
		{"symbol":"BTCUSDT","holdSide":"short","openAvgPrice":"100","closeAvgPrice":"90","openTotalPos":"1","pnl":"10","netProfit":"8.5","openFee":"-0.5","closeFee":"-0.5","totalFunding":"-0.5","cTime":"1709294400000","uTime":"1709298000000"},
		{"symbol":"ETHUSDT","holdSide":"long","openAvgPrice":"x"}]}}`)
	client := newTestClient(t, srv.URL, false)

	rows, err := client.PositionHistory(context.Background(), fixedNow.Add(-time.Hour), fixedNow, "")
	if err != nil {
		t.Fatalf("PositionHistory: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected malformed row skipped, got %d", len(rows))
	}
	got := rows[0]
	if got.Side != schema.PositionShort || !got.TradingFee.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("unexpected row %+v", got)
	}
	if !got.RawPnL.Sub(got.TradingFee).Sub(got.FundingFee).Equal(got.NetPnL) {
		t.Fatalf("net pnl identity broken: %+v", got)
	}
	if !got.PnLRatio.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected 10%% ratio, got %s", got.PnLRatio)
	}
}

func TestOrderStatusStates(t *testing.T) {
	tests := []struct {
		state string
		open  bool
	}{
		{"live", true},
		{"partially_filled", true},
		{"filled", false},
		{"canceled", false},
	}
	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			venueSrv, srv := newFakeVenue(t)
			venueSrv.on(http.MethodGet, pathOrderDetail, `{"code":"00000","data":{"orderId":"b-1","symbol":"BTCUSDT","side":"buy","price":"100","size":"1","baseVolume":"0","state":"`+tt.state+`"}}`)
			client := newTestClient(t, srv.URL, false)
			status, err := client.OrderStatus(context.Background(), "BTCUSDT", "b-1")
			if err != nil {
				t.Fatalf("OrderStatus: %v", err)
			}
			if (status != nil) != tt.open {
				t.Fatalf("state %s: expected open=%v, got %+v", tt.state, tt.open, status)
			}
		})
	}
}

func TestAmendOrderUsesNewClientOid(t *testing.T) {
	venueSrv, srv := newFakeVenue(t)
	venueSrv.on(http.MethodGet, pathContracts, `{"code":"00000","data":[{"symbol":"BTCUSDT","pricePlace":"1","priceEndStep":"1","sizeMultiplier":"0.001"}]}`)
	client := newTestClient(t, srv.URL, false)

	if err := client.AmendOrder(context.Background(), "BTCUSDT", "b-1", decimal.RequireFromString("100.26")); err != nil {
		t.Fatalf("AmendOrder: %v", err)
	}
	var body modifyOrderRequest
	if err := json.Unmarshal([]byte(venueSrv.last().body), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.NewClientOid != "b-1" || !decimal.RequireFromString(body.NewPrice).Equal(decimal.RequireFromString("100.3")) {
		t.Fatalf("unexpected amend body %+v", body)
	}
	if err := client.AmendOrder(context.Background(), "BTCUSDT", "b-1", decimal.Zero); !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
