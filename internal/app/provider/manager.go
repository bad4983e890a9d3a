// Package provider owns exchange client construction and the per-account instance pool.
package provider

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/tradeplane/errs"
	"github.com/coachpo/tradeplane/internal/domain/exchange"
	"github.com/coachpo/tradeplane/internal/domain/schema"
	"github.com/coachpo/tradeplane/internal/observability"
	"github.com/coachpo/tradeplane/internal/telemetry"
)

// DefaultIdleTimeout is how long an unused client stays pooled.
const DefaultIdleTimeout = time.Hour

// Manager hands out one client per account and evicts idle ones.
type Manager struct {
	registry    *Registry
	idleTimeout time.Duration
	now         func() time.Time

	mu        sync.Mutex
	instances map[string]*instance
}

type instance struct {
	client   exchange.Client
	exchange schema.ExchangeType
	apiKey   string
	lastUsed time.Time
}

// Option configures optional manager behaviour.
type Option func(*Manager)

// WithIdleTimeout overrides the idle eviction threshold.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.idleTimeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates an instance pool over the registry.
func NewManager(reg *Registry, opts ...Option) *Manager {
	if reg == nil {
		reg = NewDefaultRegistry()
	}
	m := &Manager{
		registry:    reg,
		idleTimeout: DefaultIdleTimeout,
		now:         time.Now,
		instances:   make(map[string]*instance),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Registry exposes the underlying factory registry.
func (m *Manager) Registry() *Registry { return m.registry }

// GetInstance returns the pooled client for the account, creating and connecting it on first use.
func (m *Manager) GetInstance(ctx context.Context, account schema.Account) (exchange.Client, error) {
	id := strings.TrimSpace(account.ID)
	if id == "" {
		return nil, errs.Validation("account id required")
	}
	if err := account.Credentials.Validate(account.Exchange); err != nil {
		return nil, err
	}
	if !m.registry.Supported(account.Exchange) {
		return nil, errs.Validation("unsupported exchange type",
			errs.WithField("exchange", string(account.Exchange)),
			errs.WithField("account_id", id))
	}

	m.mu.Lock()
	if inst, ok := m.instances[id]; ok && inst.exchange == account.Exchange && inst.apiKey == account.Credentials.APIKey {
		inst.lastUsed = m.now()
		m.mu.Unlock()
		return inst.client, nil
	}
	m.mu.Unlock()

	client, err := m.registry.Create(ctx, account.Exchange, account.Credentials)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	m.mu.Lock()
	stale, replaced := m.instances[id]
	if replaced && stale.exchange == account.Exchange && stale.apiKey == account.Credentials.APIKey {
		// Lost a creation race; keep the winner.
		stale.lastUsed = m.now()
		m.mu.Unlock()
		_ = client.Close()
		return stale.client, nil
	}
	m.instances[id] = &instance{
		client:   client,
		exchange: account.Exchange,
		apiKey:   account.Credentials.APIKey,
		lastUsed: m.now(),
	}
	m.mu.Unlock()

	if replaced {
		closeInstance(id, stale)
	}
	observability.Log().Info("exchange client created",
		observability.F("account_id", id),
		observability.F("exchange", string(account.Exchange)),
		observability.F("api_key", observability.RedactSecret(account.Credentials.APIKey)))
	return client, nil
}

// RemoveInstance closes and forgets the client of accountID.
func (m *Manager) RemoveInstance(accountID string) bool {
	m.mu.Lock()
	inst, ok := m.instances[accountID]
	delete(m.instances, accountID)
	m.mu.Unlock()
	if ok {
		closeInstance(accountID, inst)
	}
	return ok
}

// CleanupInstances evicts clients idle longer than the timeout as of now and reports how many went.
// The lock is held only for the scan; clients are closed after it is released.
func (m *Manager) CleanupInstances(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-m.idleTimeout)
	expired := make(map[string]*instance)
	m.mu.Lock()
	for id, inst := range m.instances {
		if inst.lastUsed.Before(cutoff) {
			expired[id] = inst
			delete(m.instances, id)
		}
	}
	m.mu.Unlock()

	perExchange := make(map[schema.ExchangeType]int)
	for id, inst := range expired {
		closeInstance(id, inst)
		perExchange[inst.exchange]++
	}
	for ex, n := range perExchange {
		telemetry.Engine().PoolEviction(ctx, string(ex), n)
	}
	if len(expired) > 0 {
		observability.Log().Info("evicted idle exchange clients", observability.F("count", len(expired)))
	}
	return len(expired)
}

// RunSweeper calls CleanupInstances every interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = m.idleTimeout / 4
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CleanupInstances(ctx, m.now())
		}
	}
}

// InstanceInfo describes a pooled client without exposing credentials.
type InstanceInfo struct {
	AccountID string
	Exchange  schema.ExchangeType
	APIKey    string
	LastUsed  time.Time
}

// Snapshot lists pooled clients ordered by account id with redacted keys.
func (m *Manager) Snapshot() []InstanceInfo {
	m.mu.Lock()
	out := make([]InstanceInfo, 0, len(m.instances))
	for id, inst := range m.instances {
		out = append(out, InstanceInfo{
			AccountID: id,
			Exchange:  inst.exchange,
			APIKey:    observability.RedactSecret(inst.apiKey),
			LastUsed:  inst.lastUsed,
		})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// Close releases every pooled client.
func (m *Manager) Close() {
	m.mu.Lock()
	instances := m.instances
	m.instances = make(map[string]*instance)
	m.mu.Unlock()
	for id, inst := range instances {
		closeInstance(id, inst)
	}
}

func closeInstance(id string, inst *instance) {
	if err := inst.client.Close(); err != nil {
		observability.Log().Warn("close exchange client",
			observability.F("account_id", id),
			observability.F("exchange", string(inst.exchange)),
			observability.Err(err))
	}
}
