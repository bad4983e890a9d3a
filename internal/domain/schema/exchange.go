// Package schema defines the canonical trading types shared by adapters, the engine and storage.
package schema

import (
	"fmt"
	"strings"

	"github.com/coachpo/tradeplane/errs"
	"github.com/coachpo/tradeplane/internal/observability"
)

// ExchangeType identifies a supported venue.
type ExchangeType string

const (
	ExchangeOKX    ExchangeType = "okx"
	ExchangeBybit  ExchangeType = "bybit"
	ExchangeBitget ExchangeType = "bitget"
)

// ParseExchangeType normalises a venue name.
func ParseExchangeType(name string) (ExchangeType, error) {
	switch ExchangeType(strings.ToLower(strings.TrimSpace(name))) {
	case ExchangeOKX:
		return ExchangeOKX, nil
	case ExchangeBybit:
		return ExchangeBybit, nil
	case ExchangeBitget:
		return ExchangeBitget, nil
	default:
		return "", errs.Validation("unsupported exchange", errs.WithField("exchange", name))
	}
}

// RequiresPassphrase reports whether the venue signs with an API passphrase.
func (e ExchangeType) RequiresPassphrase() bool {
	return e == ExchangeOKX || e == ExchangeBitget
}

// Credentials are the API keys of one account. Values never change for the life of a client.
type Credentials struct {
	APIKey     string
	APISecret  string
	Passphrase string
	Testnet    bool
}

// Validate checks the credentials are complete for the venue.
func (c Credentials) Validate(exchange ExchangeType) error {
	if strings.TrimSpace(c.APIKey) == "" || strings.TrimSpace(c.APISecret) == "" {
		return errs.Configuration("api key and secret are required",
			errs.WithExchange(string(exchange)),
			errs.WithField("api_key", observability.RedactSecret(c.APIKey)))
	}
	if exchange.RequiresPassphrase() && strings.TrimSpace(c.Passphrase) == "" {
		return errs.Configuration("api passphrase is required",
			errs.WithExchange(string(exchange)),
			errs.WithField("api_key", observability.RedactSecret(c.APIKey)))
	}
	return nil
}

// String renders the credentials with secrets redacted.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{api_key=%s api_secret=%s passphrase=%s testnet=%t}",
		observability.RedactSecret(c.APIKey),
		observability.RedactSecret(c.APISecret),
		observability.RedactSecret(c.Passphrase),
		c.Testnet)
}

// GoString keeps %#v redacted as well.
func (c Credentials) GoString() string { return c.String() }

// Account is the owner of a set of credentials.
type Account struct {
	ID          string
	Exchange    ExchangeType
	Credentials Credentials
	Active      bool
}
