package provider

import (
	"context"
	"sync"

	"github.com/coachpo/tradeplane/internal/domain/exchange"
	"github.com/coachpo/tradeplane/internal/domain/schema"
)

// PublicSpecs performs live symbol lookups through unauthenticated clients, one per venue.
type PublicSpecs struct {
	registry *Registry

	mu      sync.Mutex
	clients map[schema.ExchangeType]exchange.Client
}

var _ exchange.SpecSource = (*PublicSpecs)(nil)

// NewPublicSpecs creates a spec source over the registry.
func NewPublicSpecs(reg *Registry) *PublicSpecs {
	return &PublicSpecs{registry: reg, clients: make(map[schema.ExchangeType]exchange.Client)}
}

// FetchSymbolSpec implements exchange.SpecSource.
func (p *PublicSpecs) FetchSymbolSpec(ctx context.Context, typ schema.ExchangeType, symbol string) (schema.SymbolSpec, error) {
	client, err := p.client(ctx, typ)
	if err != nil {
		return schema.SymbolSpec{}, err
	}
	return client.SymbolSpec(ctx, symbol)
}

func (p *PublicSpecs) client(ctx context.Context, typ schema.ExchangeType) (exchange.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[typ]; ok {
		return c, nil
	}
	c, err := p.registry.CreatePublic(ctx, typ)
	if err != nil {
		return nil, err
	}
	p.clients[typ] = c
	return c, nil
}

// Close releases the public clients.
func (p *PublicSpecs) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for typ, c := range p.clients {
		_ = c.Close()
		delete(p.clients, typ)
	}
}
