// Package shared provides the signed REST transport and decoding helpers used by venue adapters.
package shared

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/tradeplane/errs"
	"github.com/coachpo/tradeplane/internal/infra/ratelimit"
	"github.com/coachpo/tradeplane/internal/observability"
	"github.com/coachpo/tradeplane/internal/telemetry"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	maxResponseBytes   = 8 << 20
	snippetBytes       = 4 << 10
)

// SignInput is the material a venue signs for one request.
type SignInput struct {
	Time   time.Time
	Method string
	Path   string
	// Query is the encoded query string without the leading '?'.
	Query string
	Body  []byte
}

// RequestPath returns path plus '?query' when a query is present.
func (in SignInput) RequestPath() string {
	if in.Query == "" {
		return in.Path
	}
	return in.Path + "?" + in.Query
}

// Signer returns the authentication headers for a request.
type Signer func(in SignInput) http.Header

// Request describes a single venue REST call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
	// Public requests skip signing.
	Public bool
}

// Config configures a Transport.
type Config struct {
	Exchange   string
	BaseURL    string
	Timeout    time.Duration
	Limiter    *ratelimit.Limiter
	Signer     Signer
	Headers    http.Header
	HTTPClient *http.Client
	Now        func() time.Time
}

// Transport executes rate-limited, signed HTTP calls against one venue.
// The HTTP session is acquired on Connect (or the first call) and released on Close.
type Transport struct {
	exchange string
	baseURL  string
	timeout  time.Duration
	limiter  *ratelimit.Limiter
	signer   Signer
	headers  http.Header
	now      func() time.Time
	injected *http.Client

	mu     sync.Mutex
	client *http.Client
}

// NewTransport validates cfg and builds a transport.
func NewTransport(cfg Config) (*Transport, error) {
	base := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errs.Configuration("base url required", errs.WithExchange(cfg.Exchange))
	}
	if cfg.Limiter == nil {
		return nil, errs.Configuration("rate limiter required", errs.WithExchange(cfg.Exchange))
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Transport{
		exchange: cfg.Exchange,
		baseURL:  base,
		timeout:  timeout,
		limiter:  cfg.Limiter,
		signer:   cfg.Signer,
		headers:  cfg.Headers.Clone(),
		now:      now,
		injected: cfg.HTTPClient,
	}, nil
}

// Exchange returns the venue name.
func (t *Transport) Exchange() string { return t.exchange }

// Limiter returns the transport's private rate limiter.
func (t *Transport) Limiter() *ratelimit.Limiter { return t.limiter }

// Connect acquires the HTTP session. It is idempotent.
func (t *Transport) Connect(context.Context) error {
	t.session()
	return nil
}

// Close releases the HTTP session. It is idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.mu.Unlock()
	if client != nil && client != t.injected {
		client.CloseIdleConnections()
	}
	return nil
}

func (t *Transport) session() *http.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		if t.injected != nil {
			t.client = t.injected
		} else {
			t.client = &http.Client{Timeout: t.timeout}
		}
	}
	return t.client
}

// Do waits on the limiter, signs and sends req, and returns the response body
// of a 2xx reply. Venue envelopes are decoded by the caller.
func (t *Transport) Do(ctx context.Context, req Request) (body []byte, err error) {
	started := t.now()
	defer func() {
		telemetry.Engine().VenueRequest(ctx, t.exchange, req.Path, t.now().Sub(started), err)
	}()

	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var payload []byte
	if req.Body != nil {
		payload, err = json.Marshal(req.Body)
		if err != nil {
			return nil, errs.Validation("encode request body",
				errs.WithExchange(t.exchange),
				errs.WithField("endpoint", req.Path),
				errs.WithCause(err))
		}
	}
	query := ""
	if len(req.Query) > 0 {
		query = req.Query.Encode()
	}
	in := SignInput{Time: t.now(), Method: strings.ToUpper(req.Method), Path: req.Path, Query: query, Body: payload}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, in.Method, t.baseURL+in.RequestPath(), reader)
	if err != nil {
		return nil, errs.Validation("build request",
			errs.WithExchange(t.exchange),
			errs.WithField("endpoint", req.Path),
			errs.WithCause(err))
	}
	for key, values := range t.headers {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if !req.Public && t.signer != nil {
		for key, values := range t.signer(in) {
			httpReq.Header[key] = values
		}
	}

	resp, err := t.session().Do(httpReq)
	if err != nil {
		return nil, errs.Exchange(t.exchange, "request failed",
			errs.WithField("endpoint", req.Path),
			errs.WithField("method", in.Method),
			errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errs.Exchange(t.exchange, "read response",
			errs.WithField("endpoint", req.Path),
			errs.WithHTTP(resp.StatusCode),
			errs.WithCause(err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errs.Exchange(t.exchange, fmt.Sprintf("unexpected status %d", resp.StatusCode),
			errs.WithHTTP(resp.StatusCode),
			errs.WithField("endpoint", req.Path),
			errs.WithPayload(Snippet(body)))
	}
	observability.Log().Debug("venue request",
		observability.F("exchange", t.exchange),
		observability.F("method", in.Method),
		observability.F("endpoint", req.Path),
		observability.F("status", resp.StatusCode))
	return body, nil
}

// Snippet trims a response body for error context.
func Snippet(body []byte) string {
	if len(body) > snippetBytes {
		body = body[:snippetBytes]
	}
	return strings.TrimSpace(string(body))
}

// LimiterOptions returns limiter options that report waits and exhaustion to telemetry.
func LimiterOptions(exchange string) []ratelimit.Option {
	metrics := telemetry.Engine()
	return []ratelimit.Option{
		ratelimit.WithObserver(
			func(d time.Duration) { metrics.RateLimitWait(context.Background(), exchange, d) },
			func() {
				metrics.RateLimitExhausted(context.Background(), exchange)
				observability.Log().Warn("rate limit budget exhausted", observability.F("exchange", exchange))
			},
		),
	}
}
