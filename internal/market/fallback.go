package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Fallback wraps a primary venue with alternate venues and snapshot sources.
// Fetches try the primary, then each alternate, then each snapshot. Validation
// and clock synchronization always go to the primary.
type Fallback struct {
	primary    Provider
	alternates []Provider
	snapshots  []SnapshotSource
	sink       SnapshotSink
	timeout    time.Duration
	logger     zerolog.Logger
}

// FallbackOption configures a Fallback.
type FallbackOption func(*Fallback)

// WithAlternates adds venues tried after the primary.
func WithAlternates(p ...Provider) FallbackOption {
	return func(f *Fallback) { f.alternates = append(f.alternates, p...) }
}

// WithSnapshots adds offline sources tried after every venue failed.
func WithSnapshots(s ...SnapshotSource) FallbackOption {
	return func(f *Fallback) { f.snapshots = append(f.snapshots, s...) }
}

// WithSink records every successful live fetch.
func WithSink(s SnapshotSink) FallbackOption {
	return func(f *Fallback) { f.sink = s }
}

// WithAttemptTimeout bounds each venue attempt on its own, so a venue that
// hangs leaves the rest of the chain its full budget.
func WithAttemptTimeout(d time.Duration) FallbackOption {
	return func(f *Fallback) { f.timeout = d }
}

func NewFallback(primary Provider, logger zerolog.Logger, opts ...FallbackOption) *Fallback {
	f := &Fallback{
		primary: primary,
		logger:  logger.With().Str("component", "MarketFallback").Str("primary", primary.Name()).Logger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Fallback) Name() string { return f.primary.Name() }

func (f *Fallback) ValidateSymbolAndInterval(ctx context.Context, symbol, interval string) (string, error) {
	return f.primary.ValidateSymbolAndInterval(ctx, symbol, interval)
}

func (f *Fallback) SynchronizeClock(ctx context.Context) (int64, error) {
	return f.primary.SynchronizeClock(ctx)
}

func (f *Fallback) FetchRecentBars(ctx context.Context, symbol, interval string, count int) ([]Bar, error) {
	venues := append([]Provider{f.primary}, f.alternates...)

	var lastErr error
	for _, p := range venues {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bars, err := f.attempt(ctx, p, symbol, interval, count)
		if err == nil && len(bars) == 0 {
			err = fmt.Errorf("%s returned no bars", p.Name())
		}
		if err != nil {
			if errors.Is(err, ErrUnsupportedMarket) && p == f.primary {
				return nil, err
			}
			f.logger.Warn().Err(err).Str("venue", p.Name()).Str("symbol", symbol).Str("interval", interval).Msg("fetch failed, trying next source")
			lastErr = err
			continue
		}
		if f.sink != nil {
			if err := f.sink.StoreBars(ctx, symbol, interval, bars); err != nil {
				f.logger.Warn().Err(err).Str("symbol", symbol).Msg("snapshot store failed")
			}
		}
		return bars, nil
	}

	for _, s := range f.snapshots {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bars, err := s.LoadBars(ctx, symbol, interval)
		if err != nil || len(bars) == 0 {
			if err != nil {
				lastErr = err
			}
			continue
		}
		f.logger.Info().Str("symbol", symbol).Str("interval", interval).Int("bars", len(bars)).Msg("serving bars from snapshot")
		return tail(bars, count), nil
	}

	if lastErr == nil {
		lastErr = errors.New("no sources configured")
	}
	return nil, fmt.Errorf("%w for %s %s: %v", ErrNoData, symbol, interval, lastErr)
}

func (f *Fallback) attempt(ctx context.Context, p Provider, symbol, interval string, count int) ([]Bar, error) {
	if f.timeout <= 0 {
		return p.FetchRecentBars(ctx, symbol, interval, count)
	}
	actx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	return p.FetchRecentBars(actx, symbol, interval, count)
}
