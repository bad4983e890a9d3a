// Package symbols resolves per-venue symbol trading constraints.
package symbols

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dgraph-io/ristretto"
	"github.com/sourcegraph/conc/iter"

	"github.com/coachpo/tradeplane/errs"
	"github.com/coachpo/tradeplane/internal/domain/exchange"
	"github.com/coachpo/tradeplane/internal/domain/schema"
	"github.com/coachpo/tradeplane/internal/domain/specstore"
	"github.com/coachpo/tradeplane/internal/observability"
	"github.com/coachpo/tradeplane/lib/async"
)

const (
	// DefaultCacheTTL bounds how long a spec is served from memory.
	DefaultCacheTTL = time.Hour
	// DefaultStaleAfter is the age past which a served spec is re-verified in the background.
	DefaultStaleAfter = 24 * time.Hour
	// DefaultInactiveAfter is the verification age past which a symbol is disabled.
	DefaultInactiveAfter = 30 * 24 * time.Hour
	// DefaultBulkConcurrency caps concurrent venue lookups in bulk operations.
	DefaultBulkConcurrency = 8

	verifyAttempts = 3
)

// Resolver serves SymbolSpecs from a TTL cache, then the store, then the venue.
type Resolver struct {
	store  specstore.Store
	source exchange.SpecSource
	cache  *ristretto.Cache
	pool   *async.Pool

	cacheTTL   time.Duration
	staleAfter time.Duration
	bulk       int
	now        func() time.Time

	inflight sync.Map
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCacheTTL overrides the cache TTL.
func WithCacheTTL(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.cacheTTL = d
		}
	}
}

// WithStaleAfter overrides the re-verification threshold.
func WithStaleAfter(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.staleAfter = d
		}
	}
}

// WithVerifyPool runs stale re-verification on pool. Without one, stale specs are served as is.
func WithVerifyPool(pool *async.Pool) Option {
	return func(r *Resolver) { r.pool = pool }
}

// WithBulkConcurrency caps concurrent lookups in bulk operations.
func WithBulkConcurrency(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.bulk = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// NewResolver builds a resolver over the store and live source.
func NewResolver(store specstore.Store, source exchange.SpecSource, opts ...Option) (*Resolver, error) {
	if store == nil || source == nil {
		return nil, errs.Configuration("symbol resolver requires a store and a spec source")
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 14,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errs.Configuration("symbol cache", errs.WithCause(err))
	}
	r := &Resolver{
		store:      store,
		source:     source,
		cache:      cache,
		cacheTTL:   DefaultCacheTTL,
		staleAfter: DefaultStaleAfter,
		bulk:       DefaultBulkConcurrency,
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Close releases the cache.
func (r *Resolver) Close() {
	r.cache.Close()
}

func cacheKey(typ schema.ExchangeType, symbol string) string {
	return string(typ) + ":" + symbol
}

func (r *Resolver) remember(spec schema.SymbolSpec) {
	r.cache.SetWithTTL(cacheKey(spec.Exchange, spec.Symbol), spec, 1, r.cacheTTL)
	r.cache.Wait()
}

// Get returns the spec for symbol. A stale spec is returned immediately and
// re-verified in the background.
func (r *Resolver) Get(ctx context.Context, typ schema.ExchangeType, symbol string) (schema.SymbolSpec, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return schema.SymbolSpec{}, errs.Validation("symbol required", errs.WithExchange(string(typ)))
	}
	if v, ok := r.cache.Get(cacheKey(typ, symbol)); ok {
		spec := v.(schema.SymbolSpec)
		r.maybeReverify(spec)
		return spec, nil
	}

	stored, found, err := r.store.Get(ctx, typ, symbol)
	if err != nil {
		observability.Log().Warn("symbol store lookup failed",
			observability.F("exchange", string(typ)),
			observability.F("symbol", symbol),
			observability.Err(err))
	}
	if found && stored.Valid() && stored.Active {
		r.remember(stored)
		r.maybeReverify(stored)
		return stored, nil
	}
	return r.fetchAndStore(ctx, typ, symbol)
}

func (r *Resolver) fetchAndStore(ctx context.Context, typ schema.ExchangeType, symbol string) (schema.SymbolSpec, error) {
	live, err := r.fetch(ctx, typ, symbol)
	if err != nil {
		return schema.SymbolSpec{}, err
	}
	if err := r.store.Save(ctx, live); err != nil {
		return schema.SymbolSpec{}, err
	}
	r.remember(live)
	return live, nil
}

func (r *Resolver) fetch(ctx context.Context, typ schema.ExchangeType, symbol string) (schema.SymbolSpec, error) {
	live, err := r.source.FetchSymbolSpec(ctx, typ, symbol)
	if err != nil {
		return schema.SymbolSpec{}, err
	}
	if !live.Valid() {
		return schema.SymbolSpec{}, errs.Validation("invalid symbol specifications",
			errs.WithExchange(string(typ)),
			errs.WithField("symbol", symbol),
			errs.WithField("tick_size", live.TickSize.String()),
			errs.WithField("lot_size", live.LotSize.String()),
			errs.WithField("contract_size", live.ContractSize.String()))
	}
	live.Exchange = typ
	if live.Symbol == "" {
		live.Symbol = symbol
	}
	live.Symbol = strings.ToUpper(live.Symbol)
	live.LastVerified = r.now().UTC()
	live.Active = true
	return live, nil
}

// Verify forces a live lookup and updates the stored spec when any constraint changed.
// last_verified is refreshed either way.
func (r *Resolver) Verify(ctx context.Context, typ schema.ExchangeType, symbol string) (schema.SymbolSpec, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	live, err := r.fetch(ctx, typ, symbol)
	if err != nil {
		return schema.SymbolSpec{}, err
	}
	stored, found, err := r.store.Get(ctx, typ, symbol)
	if err != nil {
		return schema.SymbolSpec{}, err
	}
	updated := live
	if found {
		updated = stored
		updated.LastVerified = live.LastVerified
		updated.Active = true
		if changes := diff(stored, live); len(changes) > 0 {
			updated.TickSize = live.TickSize
			updated.LotSize = live.LotSize
			updated.ContractSize = live.ContractSize
			observability.Log().Info("symbol specifications changed",
				observability.F("exchange", string(typ)),
				observability.F("symbol", symbol),
				observability.F("changes", changes))
		}
	}
	if err := r.store.Save(ctx, updated); err != nil {
		return schema.SymbolSpec{}, err
	}
	r.remember(updated)
	return updated, nil
}

func diff(stored, live schema.SymbolSpec) map[string]string {
	changes := make(map[string]string)
	if !stored.TickSize.Equal(live.TickSize) {
		changes["tick_size"] = stored.TickSize.String() + " -> " + live.TickSize.String()
	}
	if !stored.LotSize.Equal(live.LotSize) {
		changes["lot_size"] = stored.LotSize.String() + " -> " + live.LotSize.String()
	}
	if !stored.ContractSize.Equal(live.ContractSize) {
		changes["contract_size"] = stored.ContractSize.String() + " -> " + live.ContractSize.String()
	}
	return changes
}

// maybeReverify queues one background verification per stale key.
func (r *Resolver) maybeReverify(spec schema.SymbolSpec) {
	if r.pool == nil || r.now().Sub(spec.LastVerified) <= r.staleAfter {
		return
	}
	key := cacheKey(spec.Exchange, spec.Symbol)
	if _, busy := r.inflight.LoadOrStore(key, struct{}{}); busy {
		return
	}
	err := r.pool.Submit(context.Background(), func(ctx context.Context) error {
		defer r.inflight.Delete(key)
		_, err := backoff.Retry(ctx, func() (schema.SymbolSpec, error) {
			spec, err := r.Verify(ctx, spec.Exchange, spec.Symbol)
			if errs.Is(err, errs.CodeInvalid) {
				return spec, backoff.Permanent(err)
			}
			return spec, err
		}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(verifyAttempts))
		return err
	})
	if err != nil {
		r.inflight.Delete(key)
		observability.Log().Debug("symbol re-verification skipped",
			observability.F("exchange", string(spec.Exchange)),
			observability.F("symbol", spec.Symbol),
			observability.Err(err))
	}
}

// Result is the per-symbol outcome of a bulk operation.
type Result struct {
	Symbol string
	Spec   schema.SymbolSpec
	Err    error
}

// OK reports whether the item succeeded.
func (r Result) OK() bool { return r.Err == nil }

// BulkValidate resolves every symbol concurrently. A failing symbol never affects the others.
func (r *Resolver) BulkValidate(ctx context.Context, typ schema.ExchangeType, symbols []string) []Result {
	return r.bulkRun(symbols, func(raw string) Result {
		venueSymbol, err := VenueSymbol(typ, raw)
		if err != nil {
			return Result{Symbol: raw, Err: err}
		}
		spec, err := r.Get(ctx, typ, venueSymbol)
		return Result{Symbol: raw, Spec: spec, Err: err}
	})
}

// BulkUpdateFromExchange re-verifies every symbol concurrently with per-symbol results.
func (r *Resolver) BulkUpdateFromExchange(ctx context.Context, typ schema.ExchangeType, symbols []string) []Result {
	return r.bulkRun(symbols, func(symbol string) Result {
		spec, err := r.Verify(ctx, typ, symbol)
		return Result{Symbol: symbol, Spec: spec, Err: err}
	})
}

func (r *Resolver) bulkRun(symbols []string, fn func(string) Result) []Result {
	mapper := iter.Mapper[string, Result]{MaxGoroutines: r.bulk}
	return mapper.Map(symbols, func(symbol *string) (res Result) {
		defer func() {
			if p := recover(); p != nil {
				res = Result{Symbol: *symbol, Err: errs.Validation("symbol lookup panicked", errs.WithField("symbol", *symbol))}
			}
		}()
		return fn(*symbol)
	})
}

// DisableInactiveSymbols deactivates specs not verified within olderThan and drops the cache.
func (r *Resolver) DisableInactiveSymbols(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = DefaultInactiveAfter
	}
	n, err := r.store.DeactivateVerifiedBefore(ctx, r.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.cache.Clear()
		observability.Log().Info("disabled inactive symbols", observability.F("count", n))
	}
	return n, nil
}

// NormalizeSymbol returns the venue's canonical symbol. Lookup failures fall back
// to a local transform instead of failing.
func (r *Resolver) NormalizeSymbol(ctx context.Context, typ schema.ExchangeType, symbol string) string {
	venueSymbol, err := VenueSymbol(typ, symbol)
	if err == nil {
		if spec, err := r.Get(ctx, typ, venueSymbol); err == nil {
			return spec.Symbol
		}
	}
	return LocalNormalize(symbol)
}
