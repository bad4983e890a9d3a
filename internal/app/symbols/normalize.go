package symbols

import (
	"strings"

	"github.com/coachpo/tradeplane/errs"
	"github.com/coachpo/tradeplane/internal/domain/schema"
)

const settleQuote = "USDT"

// LocalNormalize upper-cases symbol and strips '-' and '/' separators.
func LocalNormalize(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	return strings.NewReplacer("-", "", "/", "").Replace(s)
}

// VenueSymbol maps a base asset or pair ("BTC", "btc/usdt", "BTC-USDT-SWAP")
// to the USDT perpetual symbol of the venue.
func VenueSymbol(typ schema.ExchangeType, raw string) (string, error) {
	base := LocalNormalize(raw)
	base = strings.TrimSuffix(base, "SWAP")
	base = strings.TrimSuffix(base, settleQuote)
	if base == "" || !alphanumeric(base) {
		return "", errs.Validation("invalid symbol", errs.WithExchange(string(typ)), errs.WithField("symbol", raw))
	}
	switch typ {
	case schema.ExchangeOKX:
		return base + "-" + settleQuote + "-SWAP", nil
	case schema.ExchangeBybit, schema.ExchangeBitget:
		return base + settleQuote, nil
	default:
		return "", errs.Validation("unsupported exchange type", errs.WithField("exchange", string(typ)))
	}
}

func alphanumeric(s string) bool {
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
