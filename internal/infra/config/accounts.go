package config

import (
	"os"
	"strings"

	"github.com/coachpo/tradeplane/errs"
	"github.com/coachpo/tradeplane/internal/domain/schema"
)

// AccountConfig bootstraps a trading account. Secrets are never stored in the
// file; each field names the environment variable holding the value.
type AccountConfig struct {
	ID            string              `yaml:"id"`
	Exchange      schema.ExchangeType `yaml:"exchange"`
	Testnet       bool                `yaml:"testnet"`
	APIKeyEnv     string              `yaml:"apiKeyEnv"`
	APISecretEnv  string              `yaml:"apiSecretEnv"`
	PassphraseEnv string              `yaml:"passphraseEnv"`
}

// LinkConfig bootstraps a bot or group and the accounts it spans.
type LinkConfig struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	Accounts []string `yaml:"accounts"`
}

// Bot converts the link into a bot record.
func (l LinkConfig) Bot() schema.Bot {
	return schema.Bot{ID: l.ID, Name: l.Name, Status: "active", AccountIDs: l.Accounts}
}

// Group converts the link into a group record.
func (l LinkConfig) Group() schema.Group {
	return schema.Group{ID: l.ID, Name: l.Name, AccountIDs: l.Accounts}
}

// LookupFunc resolves an environment variable, mirroring os.LookupEnv.
type LookupFunc func(key string) (string, bool)

func (a *AccountConfig) normalise() {
	a.ID = strings.TrimSpace(a.ID)
	a.Exchange = schema.ExchangeType(normalizeExchangeIdentifier(string(a.Exchange)))
	a.APIKeyEnv = strings.TrimSpace(a.APIKeyEnv)
	a.APISecretEnv = strings.TrimSpace(a.APISecretEnv)
	a.PassphraseEnv = strings.TrimSpace(a.PassphraseEnv)
}

func (a AccountConfig) validate() error {
	if a.ID == "" {
		return errs.Configuration("account id required")
	}
	typ, err := schema.ParseExchangeType(string(a.Exchange))
	if err != nil {
		return errs.Configuration("unsupported account exchange", errs.WithCause(err), errs.WithField("account_id", a.ID))
	}
	if a.APIKeyEnv == "" || a.APISecretEnv == "" {
		return errs.Configuration("account apiKeyEnv and apiSecretEnv required", errs.WithField("account_id", a.ID))
	}
	if typ.RequiresPassphrase() && a.PassphraseEnv == "" {
		return errs.Configuration("account passphraseEnv required", errs.WithExchange(string(typ)), errs.WithField("account_id", a.ID))
	}
	return nil
}

// Resolve reads the account's secrets through lookup (os.LookupEnv when nil)
// and returns a validated account.
func (a AccountConfig) Resolve(lookup LookupFunc) (schema.Account, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := a.validate(); err != nil {
		return schema.Account{}, err
	}
	creds := schema.Credentials{Testnet: a.Testnet}
	var missing []string
	read := func(name string, dst *string) {
		if name == "" {
			return
		}
		value, ok := lookup(name)
		if !ok || strings.TrimSpace(value) == "" {
			missing = append(missing, name)
			return
		}
		*dst = strings.TrimSpace(value)
	}
	read(a.APIKeyEnv, &creds.APIKey)
	read(a.APISecretEnv, &creds.APISecret)
	read(a.PassphraseEnv, &creds.Passphrase)
	if len(missing) > 0 {
		return schema.Account{}, errs.Configuration("account credentials missing from environment",
			errs.WithField("account_id", a.ID),
			errs.WithField("variables", strings.Join(missing, ",")))
	}
	if err := creds.Validate(a.Exchange); err != nil {
		return schema.Account{}, err
	}
	return schema.Account{ID: a.ID, Exchange: a.Exchange, Credentials: creds, Active: true}, nil
}

// ResolveAccounts resolves every configured account.
func (c AppConfig) ResolveAccounts(lookup LookupFunc) ([]schema.Account, error) {
	out := make([]schema.Account, 0, len(c.Accounts))
	for _, acc := range c.Accounts {
		resolved, err := acc.Resolve(lookup)
		if err != nil {
			return nil, err
		}
		out = append(out, resolved)
	}
	return out, nil
}
