package provider

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coachpo/tradeplane/errs"
	"github.com/coachpo/tradeplane/internal/domain/exchange"
	"github.com/coachpo/tradeplane/internal/domain/schema"
	"github.com/coachpo/tradeplane/internal/infra/adapters/fake"
)

type fakeRegistry struct {
	mu      sync.Mutex
	created []*fake.Exchange
	public  int
}

func (f *fakeRegistry) factory(_ context.Context, cfg VenueConfig) (exchange.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cfg.Public {
		f.public++
	}
	ex := fake.NewExchange(schema.ExchangeBybit)
	ex.SetSpec(schema.SymbolSpec{Symbol: "BTCUSDT"})
	f.created = append(f.created, ex)
	return ex, nil
}

func newTestManager(t *testing.T, now *time.Time) (*Manager, *fakeRegistry) {
	t.Helper()
	fr := &fakeRegistry{}
	reg := NewRegistry()
	reg.Register(schema.ExchangeBybit, fr.factory)
	m := NewManager(reg, WithClock(func() time.Time { return *now }), WithIdleTimeout(time.Hour))
	return m, fr
}

func account(id, key string) schema.Account {
	return schema.Account{
		ID:          id,
		Exchange:    schema.ExchangeBybit,
		Credentials: schema.Credentials{APIKey: key, APISecret: "secret"},
		Active:      true,
	}
}

func TestGetInstanceReusesPerAccount(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m, fr := newTestManager(t, &now)
	ctx := context.Background()

	first, err := m.GetInstance(ctx, account("a1", "key-aaaaaa"))
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	again, err := m.GetInstance(ctx, account("a1", "key-aaaaaa"))
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if first != again {
		t.Fatalf("expected the pooled client to be reused")
	}
	if _, err := m.GetInstance(ctx, account("a2", "key-bbbbbb")); err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if len(fr.created) != 2 {
		t.Fatalf("expected one client per account, got %d", len(fr.created))
	}
	if connects, _ := fr.created[0].Sessions(); connects != 1 {
		t.Fatalf("expected a single connect, got %d", connects)
	}
}

func TestGetInstanceRotatedKeyReplacesClient(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m, fr := newTestManager(t, &now)
	ctx := context.Background()

	if _, err := m.GetInstance(ctx, account("a1", "key-old000")); err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if _, err := m.GetInstance(ctx, account("a1", "key-new000")); err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if _, closes := fr.created[0].Sessions(); closes != 1 {
		t.Fatalf("expected stale client closed")
	}
}

func TestGetInstanceMissingCredentials(t *testing.T) {
	now := time.Now()
	m, fr := newTestManager(t, &now)
	acc := account("a1", "")
	_, err := m.GetInstance(context.Background(), acc)
	if !errs.Is(err, errs.CodeConfig) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if len(fr.created) != 0 {
		t.Fatalf("no client should be built without credentials")
	}

	acc = account("a1", "key")
	acc.Exchange = schema.ExchangeOKX
	if _, err := m.GetInstance(context.Background(), acc); !errs.Is(err, errs.CodeConfig) {
		t.Fatalf("expected missing passphrase to be a configuration error, got %v", err)
	}
}

func TestGetInstanceUnsupportedExchange(t *testing.T) {
	now := time.Now()
	m, _ := newTestManager(t, &now)
	acc := account("a1", "key")
	acc.Exchange = schema.ExchangeBitget
	acc.Credentials.Passphrase = "p"
	if _, err := m.GetInstance(context.Background(), acc); !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCleanupInstancesEvictsIdle(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m, fr := newTestManager(t, &now)
	ctx := context.Background()

	if _, err := m.GetInstance(ctx, account("idle", "key-idle00")); err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	now = now.Add(50 * time.Minute)
	if _, err := m.GetInstance(ctx, account("busy", "key-busy00")); err != nil {
		t.Fatalf("GetInstance: %v", err)
	}

	if n := m.CleanupInstances(ctx, now.Add(15*time.Minute)); n != 1 {
		t.Fatalf("expected one eviction, got %d", n)
	}
	if _, closes := fr.created[0].Sessions(); closes != 1 {
		t.Fatalf("expected idle client closed")
	}
	snap := m.Snapshot()
	if len(snap) != 1 || snap[0].AccountID != "busy" {
		t.Fatalf("unexpected pool %+v", snap)
	}
	if !strings.HasSuffix(snap[0].APIKey, "...") || strings.Contains(snap[0].APIKey, "busy00") {
		t.Fatalf("expected redacted key, got %q", snap[0].APIKey)
	}
}

func TestRemoveInstance(t *testing.T) {
	now := time.Now()
	m, fr := newTestManager(t, &now)
	if _, err := m.GetInstance(context.Background(), account("a1", "key-aaaaaa")); err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if !m.RemoveInstance("a1") || m.RemoveInstance("a1") {
		t.Fatalf("expected a single successful removal")
	}
	if _, closes := fr.created[0].Sessions(); closes != 1 {
		t.Fatalf("expected removed client closed")
	}
}

func TestRunSweeperStopsOnCancel(t *testing.T) {
	now := time.Now()
	m, _ := newTestManager(t, &now)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.RunSweeper(ctx, time.Millisecond)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("sweeper did not stop")
	}
}

func TestPublicSpecsCachesClientPerVenue(t *testing.T) {
	fr := &fakeRegistry{}
	reg := NewRegistry()
	reg.Register(schema.ExchangeBybit, fr.factory)
	specs := NewPublicSpecs(reg)
	defer specs.Close()

	for i := 0; i < 2; i++ {
		spec, err := specs.FetchSymbolSpec(context.Background(), schema.ExchangeBybit, "BTCUSDT")
		if err != nil {
			t.Fatalf("FetchSymbolSpec: %v", err)
		}
		if spec.Symbol != "BTCUSDT" {
			t.Fatalf("unexpected spec %+v", spec)
		}
	}
	if fr.public != 1 {
		t.Fatalf("expected one public client, got %d", fr.public)
	}
	if _, err := specs.FetchSymbolSpec(context.Background(), schema.ExchangeOKX, "BTC-USDT-SWAP"); !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected unsupported venue error, got %v", err)
	}
}

func TestDefaultRegistrySupportsAllVenues(t *testing.T) {
	reg := NewDefaultRegistry()
	for _, typ := range []schema.ExchangeType{schema.ExchangeOKX, schema.ExchangeBybit, schema.ExchangeBitget} {
		if !reg.Supported(typ) {
			t.Fatalf("expected %s registered", typ)
		}
		client, err := reg.CreatePublic(context.Background(), typ)
		if err != nil {
			t.Fatalf("CreatePublic(%s): %v", typ, err)
		}
		if client.Exchange() != typ {
			t.Fatalf("expected %s client, got %s", typ, client.Exchange())
		}
	}
}
