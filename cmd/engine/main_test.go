package main

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/coachpo/tradeplane/internal/domain/referencestore"
	"github.com/coachpo/tradeplane/internal/domain/schema"
	"github.com/coachpo/tradeplane/internal/infra/config"
)

func TestVenueSettingsCopiesExchangeConfig(t *testing.T) {
	got := venueSettings(config.ExchangeConfig{BaseURL: "https://api.bybit.com", Rate: 7, HTTPTimeout: 3 * time.Second, OrderStream: true, StreamURL: "wss://stream"})
	if got.BaseURL != "https://api.bybit.com" || got.Rate != 7 || got.HTTPTimeout != 3*time.Second || !got.OrderStream || got.StreamURL != "wss://stream" {
		t.Fatalf("unexpected settings %+v", got)
	}
}

func TestTelemetryConfigFollowsAppConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Environment = config.EnvStaging
	cfg.Telemetry.OTLPEndpoint = "collector:4318"
	got := telemetryConfig(cfg)
	if got.Environment != "staging" || got.OTLPEndpoint != "collector:4318" || got.ServiceName != "tradeplane" {
		t.Fatalf("unexpected telemetry config %+v", got)
	}
}

func TestBuildInMemoryEngine(t *testing.T) {
	t.Setenv("BYBIT_KEY", "key-abcdef")
	t.Setenv("BYBIT_SECRET", "secret-abcdef")
	cfg := config.Default()
	cfg.Accounts = []config.AccountConfig{{ID: "acc-1", Exchange: schema.ExchangeBybit, APIKeyEnv: "BYBIT_KEY", APISecretEnv: "BYBIT_SECRET"}}
	cfg.Bots = []config.LinkConfig{{ID: "bot-1", Accounts: []string{"acc-1"}}}

	ctx := context.Background()
	eng, err := build(ctx, cfg, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer shutdown(log.New(io.Discard, "", 0), eng, nil)

	acc, ok, err := eng.stores.refs.Account(ctx, "acc-1")
	if err != nil || !ok || acc.Exchange != schema.ExchangeBybit {
		t.Fatalf("account not registered: %+v ok=%t err=%v", acc, ok, err)
	}
	accounts, err := eng.stores.refs.Accounts(ctx, referencestore.KindBot, "bot-1")
	if err != nil || len(accounts) != 1 {
		t.Fatalf("bot not registered: %+v err=%v", accounts, err)
	}
	first, err := eng.operations("acc-1")
	if err != nil {
		t.Fatalf("operations: %v", err)
	}
	second, _ := eng.operations("acc-1")
	if first != second {
		t.Fatalf("operations must be cached per account")
	}
	if _, err := eng.operations(""); err == nil {
		t.Fatalf("expected error for empty account id")
	}
}

func TestOneShotFlags(t *testing.T) {
	cases := []struct {
		opts options
		want bool
	}{
		{options{}, false},
		{options{accountID: "a"}, false},
		{options{positionControl: "BTCUSDT"}, true},
		{options{sync: true}, true},
		{options{terminateBot: "bot-1"}, true},
	}
	for _, tc := range cases {
		if got := tc.opts.oneShot(); got != tc.want {
			t.Fatalf("oneShot(%+v) = %t, want %t", tc.opts, got, tc.want)
		}
	}
}
