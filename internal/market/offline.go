package market

import (
	"context"
	"fmt"
)

// Offline serves bars from a snapshot source for local runs without venue access.
type Offline struct {
	Source SnapshotSource
}

func (o *Offline) Name() string { return "offline" }

func (o *Offline) FetchRecentBars(ctx context.Context, symbol, interval string, count int) ([]Bar, error) {
	bars, err := o.Source.LoadBars(ctx, symbol, interval)
	if err != nil {
		return nil, err
	}
	return tail(bars, count), nil
}

func (o *Offline) ValidateSymbolAndInterval(ctx context.Context, symbol, interval string) (string, error) {
	if _, err := o.Source.LoadBars(ctx, symbol, interval); err != nil {
		return "", fmt.Errorf("%w: %s %s: %v", ErrUnsupportedMarket, symbol, interval, err)
	}
	return symbol, nil
}

func (o *Offline) SynchronizeClock(context.Context) (int64, error) { return 0, nil }
