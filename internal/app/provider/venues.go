package provider

import (
	"context"
	"errors"

	"github.com/coachpo/tradeplane/internal/domain/exchange"
	"github.com/coachpo/tradeplane/internal/domain/schema"
	"github.com/coachpo/tradeplane/internal/infra/adapters/bitget"
	"github.com/coachpo/tradeplane/internal/infra/adapters/bybit"
	"github.com/coachpo/tradeplane/internal/infra/adapters/okx"
	"github.com/coachpo/tradeplane/internal/observability"
)

// NewDefaultRegistry registers the OKX, Bybit and Bitget clients.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(schema.ExchangeOKX, newOKX)
	r.Register(schema.ExchangeBybit, newBybit)
	r.Register(schema.ExchangeBitget, newBitget)
	return r
}

func newOKX(_ context.Context, cfg VenueConfig) (exchange.Client, error) {
	okxCfg := okx.Config{
		Credentials: cfg.Credentials,
		BaseURL:     cfg.Settings.BaseURL,
		Rate:        cfg.Settings.Rate,
		HTTPTimeout: cfg.Settings.HTTPTimeout,
		HTTPClient:  cfg.Settings.HTTPClient,
	}
	if cfg.Public {
		return okx.NewPublic(okxCfg)
	}
	client, err := okx.New(okxCfg)
	if err != nil {
		return nil, err
	}
	if !cfg.Settings.OrderStream {
		return client, nil
	}
	stream := okx.NewOrderStream(cfg.Settings.StreamURL, cfg.Credentials)
	client.AttachOrderStream(stream)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := stream.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			observability.Log().Warn("okx order stream stopped", observability.Err(err))
		}
	}()
	return &streamingClient{Client: client, stop: cancel, done: done}, nil
}

// streamingClient ties the lifetime of an order stream to its client.
type streamingClient struct {
	*okx.Client
	stop context.CancelFunc
	done chan struct{}
}

func (c *streamingClient) Close() error {
	c.stop()
	<-c.done
	return c.Client.Close()
}

func newBybit(_ context.Context, cfg VenueConfig) (exchange.Client, error) {
	bybitCfg := bybit.Config{
		Credentials: cfg.Credentials,
		BaseURL:     cfg.Settings.BaseURL,
		Rate:        cfg.Settings.Rate,
		HTTPTimeout: cfg.Settings.HTTPTimeout,
		HTTPClient:  cfg.Settings.HTTPClient,
	}
	if cfg.Public {
		return bybit.NewPublic(bybitCfg)
	}
	return bybit.New(bybitCfg)
}

func newBitget(_ context.Context, cfg VenueConfig) (exchange.Client, error) {
	bitgetCfg := bitget.Config{
		Credentials: cfg.Credentials,
		BaseURL:     cfg.Settings.BaseURL,
		Rate:        cfg.Settings.Rate,
		HTTPTimeout: cfg.Settings.HTTPTimeout,
		HTTPClient:  cfg.Settings.HTTPClient,
	}
	if cfg.Public {
		return bitget.NewPublic(bitgetCfg)
	}
	return bitget.New(bitgetCfg)
}
