// Package errs provides the structured error envelope shared by the trading engine.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error kind.
type Code string

const (
	// CodeInvalid marks a local precondition violation (ValidationError).
	CodeInvalid Code = "validation"
	// CodeExchange marks a venue rejection or unusable venue data (ExchangeError).
	CodeExchange Code = "exchange"
	// CodeRateLimited marks an exhausted throttling budget (RateLimitError).
	CodeRateLimited Code = "rate_limited"
	// CodeWebSocket marks a streaming transport failure (WebSocketError).
	CodeWebSocket Code = "websocket"
	// CodeNotFound marks a missing entity.
	CodeNotFound Code = "not_found"
	// CodeConfig marks missing or malformed configuration, including credentials.
	CodeConfig Code = "configuration"
	// CodeDatabase marks a persistence failure.
	CodeDatabase Code = "database"
	// CodeNetwork marks a transport failure before the venue answered.
	CodeNetwork Code = "network"
	// CodeUnavailable marks a component that cannot accept work right now.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the engine.
type E struct {
	Exchange string
	Code     Code
	HTTP     int
	RawCode  string
	RawMsg   string
	Message  string
	Payload  string
	Fields   map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the exchange and error code.
func New(exchange string, code Code, opts ...Option) *E {
	e := &E{
		Exchange: strings.TrimSpace(exchange),
		Code:     code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Validation builds a ValidationError.
func Validation(msg string, opts ...Option) *E {
	return New("", CodeInvalid, append([]Option{WithMessage(msg)}, opts...)...)
}

// Exchange builds an ExchangeError for the venue.
func Exchange(exchange, msg string, opts ...Option) *E {
	return New(exchange, CodeExchange, append([]Option{WithMessage(msg)}, opts...)...)
}

// RateLimited builds a RateLimitError.
func RateLimited(exchange, msg string, opts ...Option) *E {
	return New(exchange, CodeRateLimited, append([]Option{WithMessage(msg)}, opts...)...)
}

// WebSocket builds a WebSocketError.
func WebSocket(exchange, msg string, opts ...Option) *E {
	return New(exchange, CodeWebSocket, append([]Option{WithMessage(msg)}, opts...)...)
}

// NotFound builds a NotFoundError.
func NotFound(msg string, opts ...Option) *E {
	return New("", CodeNotFound, append([]Option{WithMessage(msg)}, opts...)...)
}

// Configuration builds a ConfigurationError.
func Configuration(msg string, opts ...Option) *E {
	return New("", CodeConfig, append([]Option{WithMessage(msg)}, opts...)...)
}

// Database builds a DatabaseError.
func Database(msg string, opts ...Option) *E {
	return New("", CodeDatabase, append([]Option{WithMessage(msg)}, opts...)...)
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithExchange overrides the venue recorded on the error.
func WithExchange(exchange string) Option {
	trimmed := strings.TrimSpace(exchange)
	return func(e *E) {
		e.Exchange = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw venue error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw venue error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithPayload keeps a snippet of the venue response body.
func WithPayload(payload string) Option {
	return func(e *E) {
		e.Payload = strings.TrimSpace(payload)
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithFields merges context fields into the envelope.
func WithFields(fields map[string]string) Option {
	return func(e *E) {
		if len(fields) == 0 {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, len(fields))
		}
		for k, v := range fields {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.Fields[key] = strings.TrimSpace(v)
		}
	}
}

// WithField appends a single context field.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 1)
		}
		e.Fields[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if exchange := strings.TrimSpace(e.Exchange); exchange != "" {
		parts = append(parts, "exchange="+exchange)
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Fields[k]))
		}
		parts = append(parts, "context="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether err carries an envelope with the given code anywhere in its chain.
func Is(err error, code Code) bool {
	for err != nil {
		var e *E
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.cause
	}
	return false
}

// CodeOf returns the code of the outermost envelope, or an empty code.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
