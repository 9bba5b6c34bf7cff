// Package gateway builds and caches venue clients and assembles the fallback
// chain each run-loop fetches market data through.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"strategy-engine/internal/market"
	"strategy-engine/internal/store"
	"strategy-engine/internal/strategy"
)

var ErrGatewayUnhealthy = errors.New("venue is unhealthy")

// CredentialSource looks up credentials per exchange.
type CredentialSource interface {
	Credentials(ctx context.Context, exchange string) (store.Credential, error)
}

// CachedClient holds a venue client with health metadata.
type CachedClient struct {
	Provider  market.Provider
	Exchange  string
	CreatedAt time.Time
	LastUsed  time.Time
	HealthyAt time.Time
	Failures  int
}

// Config holds configuration for the Pool.
type Config struct {
	// Alternates are exchanges tried, in order, when a strategy's own venue fails.
	Alternates       []string
	Snapshots        []market.SnapshotSource
	Sink             market.SnapshotSink
	FailureThreshold int           // Consecutive failures before a venue is skipped
	CircuitTimeout   time.Duration // How long a failing venue is skipped
	AttemptTimeout   time.Duration // Bound on each venue fetch
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Alternates:       []string{"mexc", "binance"},
		FailureThreshold: 3,
		CircuitTimeout:   5 * time.Minute,
		AttemptTimeout:   30 * time.Second,
	}
}

// Pool caches one client per exchange and implements the run-loops' provider factory.
type Pool struct {
	mu      sync.Mutex
	clients map[string]*CachedClient

	config  Config
	creds   CredentialSource
	factory ClientFactory
	logger  zerolog.Logger
	now     func() time.Time
}

// NewPool creates a new Pool.
func NewPool(creds CredentialSource, factory ClientFactory, cfg Config, logger zerolog.Logger) *Pool {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.CircuitTimeout <= 0 {
		cfg.CircuitTimeout = DefaultConfig().CircuitTimeout
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultConfig().AttemptTimeout
	}
	return &Pool{
		clients: make(map[string]*CachedClient),
		config:  cfg,
		creds:   creds,
		factory: factory,
		logger:  logger.With().Str("component", "GatewayPool").Logger(),
		now:     time.Now,
	}
}

// Provider returns the fallback chain for a strategy record: its own exchange,
// then every configured alternate with usable credentials, then the snapshots.
func (p *Pool) Provider(ctx context.Context, cfg strategy.Config) (market.Provider, error) {
	exchange := strings.ToLower(cfg.Exchange)
	if exchange == "" {
		exchange = strings.ToLower(strategy.DefaultExchange)
	}

	primary, err := p.GetOrCreate(ctx, exchange)
	if err != nil {
		return nil, err
	}

	var alternates []market.Provider
	for _, name := range p.config.Alternates {
		name = strings.ToLower(name)
		if name == exchange {
			continue
		}
		alt, err := p.GetOrCreate(ctx, name)
		if err != nil {
			p.logger.Debug().Err(err).Str("exchange", name).Msg("alternate venue unavailable")
			continue
		}
		alternates = append(alternates, alt)
	}

	opts := []market.FallbackOption{
		market.WithAlternates(alternates...),
		market.WithSnapshots(p.config.Snapshots...),
		market.WithAttemptTimeout(p.config.AttemptTimeout),
	}
	if p.config.Sink != nil {
		opts = append(opts, market.WithSink(p.config.Sink))
	}
	return market.NewFallback(primary, p.logger, opts...), nil
}

// GetOrCreate returns the cached client for exchange or builds one from its credentials.
func (p *Pool) GetOrCreate(ctx context.Context, exchange string) (market.Provider, error) {
	exchange = strings.ToLower(exchange)

	p.mu.Lock()
	if cached, ok := p.clients[exchange]; ok {
		cached.LastUsed = p.now()
		p.mu.Unlock()
		return &tracked{Provider: cached.Provider, pool: p, exchange: exchange}, nil
	}
	p.mu.Unlock()

	cred, err := p.creds.Credentials(ctx, exchange)
	if err != nil {
		return nil, fmt.Errorf("credentials for %s: %w", exchange, err)
	}
	client, err := p.factory(cred, p.logger)
	if err != nil {
		return nil, fmt.Errorf("create client for %s: %w", exchange, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Another caller may have won the race; keep the first client.
	if cached, ok := p.clients[exchange]; ok {
		return &tracked{Provider: cached.Provider, pool: p, exchange: exchange}, nil
	}
	now := p.now()
	p.clients[exchange] = &CachedClient{
		Provider:  client,
		Exchange:  exchange,
		CreatedAt: now,
		LastUsed:  now,
		HealthyAt: now,
	}
	return &tracked{Provider: client, pool: p, exchange: exchange}, nil
}

// Remove drops a cached client so the next use rebuilds it from fresh credentials.
func (p *Pool) Remove(exchange string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.clients, strings.ToLower(exchange))
}

// RecordFailure records a failure for a venue.
func (p *Pool) RecordFailure(exchange string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cached, ok := p.clients[exchange]; ok {
		cached.Failures++
		if cached.Failures == p.config.FailureThreshold {
			p.logger.Warn().Str("exchange", exchange).Dur("skip_for", p.config.CircuitTimeout).Msg("venue marked unhealthy")
		}
	}
}

// RecordSuccess resets the failure counter.
func (p *Pool) RecordSuccess(exchange string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cached, ok := p.clients[exchange]; ok {
		cached.Failures = 0
		cached.HealthyAt = p.now()
	}
}

// healthy is false while a venue over the failure threshold is inside its circuit timeout.
func (p *Pool) healthy(exchange string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	cached, ok := p.clients[exchange]
	if !ok || cached.Failures < p.config.FailureThreshold {
		return true
	}
	return p.now().Sub(cached.HealthyAt) >= p.config.CircuitTimeout
}

// Stats returns current pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{
		TotalClients: len(p.clients),
		ByExchange:   make(map[string]int),
	}
	for _, cached := range p.clients {
		stats.ByExchange[cached.Exchange]++
		if cached.Failures >= p.config.FailureThreshold {
			stats.UnhealthyCount++
		}
	}
	return stats
}

// PoolStats contains pool statistics.
type PoolStats struct {
	TotalClients   int            `json:"total_clients"`
	ByExchange     map[string]int `json:"by_exchange"`
	UnhealthyCount int            `json:"unhealthy"`
}

// tracked feeds fetch outcomes back into the pool's circuit breaker.
type tracked struct {
	market.Provider
	pool     *Pool
	exchange string
}

func (t *tracked) FetchRecentBars(ctx context.Context, symbol, interval string, count int) ([]market.Bar, error) {
	if !t.pool.healthy(t.exchange) {
		return nil, fmt.Errorf("%w: %s", ErrGatewayUnhealthy, t.exchange)
	}
	bars, err := t.Provider.FetchRecentBars(ctx, symbol, interval, count)
	switch {
	case err == nil:
		t.pool.RecordSuccess(t.exchange)
	case errors.Is(err, market.ErrUnsupportedMarket), ctx.Err() != nil:
		// Not the venue's fault.
	default:
		t.pool.RecordFailure(t.exchange)
	}
	return bars, err
}
