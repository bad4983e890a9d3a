package shared

import (
	"crypto/hmac"
	"crypto/sha256"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradeplane/errs"
	"github.com/coachpo/tradeplane/internal/domain/exchange"
	"github.com/coachpo/tradeplane/internal/domain/schema"
	"github.com/coachpo/tradeplane/internal/observability"
)

// HMACSHA256 returns the raw HMAC-SHA256 of message keyed by secret.
func HMACSHA256(secret, message string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(message))
	return mac.Sum(nil)
}

// Decimal parses a venue decimal field. Malformed values become validation
// errors carrying the raw payload.
func Decimal(venue, field, raw string, payload []byte) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, errs.Validation("malformed decimal",
			errs.WithExchange(venue),
			errs.WithField("field", field),
			errs.WithField("value", trimmed),
			errs.WithPayload(Snippet(payload)),
			errs.WithCause(err))
	}
	return d, nil
}

// DecimalOrZero parses raw and treats empty values as zero.
func DecimalOrZero(venue, field, raw string, payload []byte) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return decimal.Zero, nil
	}
	return Decimal(venue, field, raw, payload)
}

// PositiveDecimal parses raw and requires a strictly positive value.
func PositiveDecimal(venue, field, raw string, payload []byte) (decimal.Decimal, error) {
	d, err := Decimal(venue, field, raw, payload)
	if err != nil {
		return decimal.Zero, err
	}
	if !d.IsPositive() {
		return decimal.Zero, errs.Validation("non-positive decimal",
			errs.WithExchange(venue),
			errs.WithField("field", field),
			errs.WithField("value", d.String()),
			errs.WithPayload(Snippet(payload)))
	}
	return d, nil
}

// Millis parses an epoch-millisecond timestamp string into UTC.
func Millis(raw string) (time.Time, error) {
	ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

// MillisString formats t as epoch milliseconds.
func MillisString(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// ValidateLeverage enforces the accepted leverage range.
func ValidateLeverage(venue, symbol string, leverage int) error {
	if leverage < exchange.MinLeverage || leverage > exchange.MaxLeverage {
		return errs.Validation("leverage out of range",
			errs.WithExchange(venue),
			errs.WithField("symbol", symbol),
			errs.WithField("leverage", strconv.Itoa(leverage)))
	}
	return nil
}

// ValidateOrder rejects requests with a non-positive size, limit price or trigger price.
func ValidateOrder(venue string, req schema.OrderRequest) error {
	fail := func(msg, key string, v decimal.Decimal) error {
		return errs.Validation(msg,
			errs.WithExchange(venue),
			errs.WithField("symbol", req.Symbol),
			errs.WithField("side", string(req.Side)),
			errs.WithField(key, v.String()))
	}
	if !req.Size.IsPositive() {
		return fail("order size must be positive", "size", req.Size)
	}
	if req.EffectiveType() == schema.OrderTypeLimit && !req.Price.IsPositive() {
		return fail("order price must be positive", "price", req.Price)
	}
	if req.TakeProfit != nil && !req.TakeProfit.IsPositive() {
		return fail("take profit must be positive", "take_profit", *req.TakeProfit)
	}
	if req.StopLoss != nil && !req.StopLoss.IsPositive() {
		return fail("stop loss must be positive", "stop_loss", *req.StopLoss)
	}
	return nil
}

// MapClosed decodes history rows one by one. Malformed rows are logged and skipped.
func MapClosed(venue string, rows []json.RawMessage, decode func(json.RawMessage) (schema.ClosedPosition, error)) []schema.ClosedPosition {
	out := make([]schema.ClosedPosition, 0, len(rows))
	for _, row := range rows {
		closed, err := decode(row)
		if err != nil {
			observability.Log().Warn("skipping malformed closed position",
				observability.F("exchange", venue),
				observability.F("payload", Snippet(row)),
				observability.Err(err))
			continue
		}
		out = append(out, closed)
	}
	return out
}
