package provider

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coachpo/tradeplane/errs"
	"github.com/coachpo/tradeplane/internal/domain/exchange"
	"github.com/coachpo/tradeplane/internal/domain/schema"
)

// VenueSettings tunes the clients built for one venue.
type VenueSettings struct {
	BaseURL     string
	Rate        float64
	HTTPTimeout time.Duration
	HTTPClient  *http.Client
	// OrderStream enables the private order-status stream where the venue supports one.
	OrderStream bool
	// StreamURL overrides the private stream endpoint.
	StreamURL string
}

// VenueConfig is what a factory receives to build one client.
type VenueConfig struct {
	Credentials schema.Credentials
	Settings    VenueSettings
	// Public builds a client restricted to unauthenticated market endpoints.
	Public bool
}

// Factory constructs a venue client.
type Factory func(ctx context.Context, cfg VenueConfig) (exchange.Client, error)

// Registry maintains client factories keyed by exchange type.
type Registry struct {
	mu        sync.RWMutex
	factories map[schema.ExchangeType]Factory
	settings  map[schema.ExchangeType]VenueSettings
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[schema.ExchangeType]Factory),
		settings:  make(map[schema.ExchangeType]VenueSettings),
	}
}

// Register registers a factory for the exchange type.
func (r *Registry) Register(typ schema.ExchangeType, factory Factory) {
	if factory == nil {
		panic("exchange factory required")
	}
	r.mu.Lock()
	r.factories[typ] = factory
	r.mu.Unlock()
}

// Configure sets the venue settings passed to future clients of typ.
func (r *Registry) Configure(typ schema.ExchangeType, settings VenueSettings) {
	r.mu.Lock()
	r.settings[typ] = settings
	r.mu.Unlock()
}

// Supported reports whether a factory is registered for typ.
func (r *Registry) Supported(typ schema.ExchangeType) bool {
	r.mu.RLock()
	_, ok := r.factories[typ]
	r.mu.RUnlock()
	return ok
}

// Create builds an authenticated client for the credentials.
func (r *Registry) Create(ctx context.Context, typ schema.ExchangeType, creds schema.Credentials) (exchange.Client, error) {
	return r.create(ctx, typ, VenueConfig{Credentials: creds})
}

// CreatePublic builds a client limited to public market data.
func (r *Registry) CreatePublic(ctx context.Context, typ schema.ExchangeType) (exchange.Client, error) {
	return r.create(ctx, typ, VenueConfig{Public: true})
}

func (r *Registry) create(ctx context.Context, typ schema.ExchangeType, cfg VenueConfig) (exchange.Client, error) {
	r.mu.RLock()
	factory, ok := r.factories[typ]
	cfg.Settings = r.settings[typ]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.Validation("unsupported exchange type", errs.WithField("exchange", string(typ)))
	}
	return factory(ctx, cfg)
}
