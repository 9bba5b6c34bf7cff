package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"strategy-engine/internal/market"
	"strategy-engine/internal/strategy"
)

var epoch = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

// fakeProvider serves one bar per call at the current price.
type fakeProvider struct {
	mu        sync.Mutex
	price     float64
	prices    []float64
	calls     int
	failFirst int
	drift     int64
	// gate, when set, blocks fetches after the failing ones until closed.
	gate chan struct{}

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) FetchRecentBars(ctx context.Context, symbol, interval string, count int) ([]market.Bar, error) {
	n := p.inflight.Add(1)
	defer p.inflight.Add(-1)
	for {
		seen := p.maxInflight.Load()
		if n <= seen || p.maxInflight.CompareAndSwap(seen, n) {
			break
		}
	}

	p.mu.Lock()
	p.calls++
	call := p.calls
	failing := call <= p.failFirst
	gate := p.gate
	p.mu.Unlock()

	if failing {
		return nil, context.DeadlineExceeded
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	price := p.price
	if len(p.prices) > 0 {
		price = p.prices[0]
		if len(p.prices) > 1 {
			p.prices = p.prices[1:]
		}
	}
	ts := epoch.Add(time.Duration(call) * time.Minute)
	return []market.Bar{{Time: ts, Open: price, High: price, Low: price, Close: price, Volume: 1}}, nil
}

func (p *fakeProvider) ValidateSymbolAndInterval(_ context.Context, symbol, _ string) (string, error) {
	return symbol, nil
}

func (p *fakeProvider) SynchronizeClock(context.Context) (int64, error) { return p.drift, nil }

func (p *fakeProvider) setPrices(prices ...float64) {
	p.mu.Lock()
	p.prices = prices
	p.mu.Unlock()
}

type staticFactory struct{ p market.Provider }

func (f staticFactory) Provider(context.Context, strategy.Config) (market.Provider, error) {
	return f.p, nil
}

// scripted emits its actions in order, then ActionNone.
type scripted struct {
	mu      sync.Mutex
	actions []strategy.Action
}

func (s *scripted) ComputeIndicators(_ context.Context, bars []market.Bar) ([]strategy.Row, error) {
	rows := make([]strategy.Row, len(bars))
	for i, b := range bars {
		rows[i] = strategy.Row{Bar: b}
	}
	return rows, nil
}

func (s *scripted) Signal(context.Context, strategy.Row) (strategy.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.actions) == 0 {
		return strategy.ActionNone, nil
	}
	a := s.actions[0]
	s.actions = s.actions[1:]
	return a, nil
}

// scriptResolver hands each new task a fresh script.
type scriptResolver struct {
	mu      sync.Mutex
	actions []strategy.Action
	err     error
}

func (r *scriptResolver) Resolve(strategy.Config) (strategy.Source, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return &scripted{actions: append([]strategy.Action(nil), r.actions...)}, nil
}

func (r *scriptResolver) script(actions ...strategy.Action) {
	r.mu.Lock()
	r.actions = actions
	r.mu.Unlock()
}

type sourceFunc func(strategy.Config) (strategy.Source, error)

func (f sourceFunc) Resolve(cfg strategy.Config) (strategy.Source, error) { return f(cfg) }

// blockingSource blocks in Signal until its context is cancelled, then asks to buy.
type blockingSource struct {
	once    sync.Once
	entered chan struct{}
}

func (b *blockingSource) ComputeIndicators(_ context.Context, bars []market.Bar) ([]strategy.Row, error) {
	return []strategy.Row{{Bar: bars[len(bars)-1]}}, nil
}

func (b *blockingSource) Signal(ctx context.Context, _ strategy.Row) (strategy.Action, error) {
	b.once.Do(func() { close(b.entered) })
	<-ctx.Done()
	return strategy.ActionBuy, nil
}
