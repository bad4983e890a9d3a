package config

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradeplane/errs"
	"github.com/coachpo/tradeplane/internal/domain/schema"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func lookupFrom(env map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestAccountResolve(t *testing.T) {
	acc := AccountConfig{ID: "acc-1", Exchange: schema.ExchangeOKX, Testnet: true, APIKeyEnv: "K", APISecretEnv: "S", PassphraseEnv: "P"}
	got, err := acc.Resolve(lookupFrom(map[string]string{"K": "key-123456", "S": " secret ", "P": "pass"}))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.ID != "acc-1" || !got.Active || got.Credentials.APISecret != "secret" || !got.Credentials.Testnet {
		t.Fatalf("unexpected account %+v", got)
	}
}

func TestAccountResolveReportsMissingVariablesWithoutValues(t *testing.T) {
	acc := AccountConfig{ID: "acc-2", Exchange: schema.ExchangeBitget, APIKeyEnv: "K", APISecretEnv: "S", PassphraseEnv: "P"}
	_, err := acc.Resolve(lookupFrom(map[string]string{"K": "super-secret-key"}))
	if !errs.Is(err, errs.CodeConfig) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if strings.Contains(err.Error(), "super-secret-key") {
		t.Fatalf("error leaked a credential: %v", err)
	}
}

func TestResolveAccounts(t *testing.T) {
	cfg := AppConfig{Accounts: []AccountConfig{
		{ID: "a", Exchange: schema.ExchangeBybit, APIKeyEnv: "K", APISecretEnv: "S"},
		{ID: "b", Exchange: schema.ExchangeBybit, APIKeyEnv: "K", APISecretEnv: "S"},
	}}
	accounts, err := cfg.ResolveAccounts(lookupFrom(map[string]string{"K": "k", "S": "s"}))
	if err != nil {
		t.Fatalf("ResolveAccounts: %v", err)
	}
	if len(accounts) != 2 || accounts[1].ID != "b" {
		t.Fatalf("unexpected accounts %+v", accounts)
	}
}
