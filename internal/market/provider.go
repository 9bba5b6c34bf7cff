package market

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnsupportedMarket marks a symbol or interval the venue does not list.
	// It is a configuration error and is never masked by fallback sources.
	ErrUnsupportedMarket = errors.New("unsupported symbol or interval")
	// ErrClockDrift is returned when local and venue clocks disagree beyond the allowed limit.
	ErrClockDrift = errors.New("clock drift exceeds limit")
	// ErrNoData is returned when neither the venue nor any fallback produced bars.
	ErrNoData = errors.New("no market data available")
	// ErrInvalidBars marks OHLCV data that failed verification.
	ErrInvalidBars = errors.New("invalid ohlcv data")
)

// Bar is one OHLCV sample. Time is the bar open time.
type Bar struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Provider is the market data contract consumed by strategy run-loops.
type Provider interface {
	// Name identifies the venue in logs and error records.
	Name() string
	// FetchRecentBars returns up to count of the most recent bars, oldest first.
	FetchRecentBars(ctx context.Context, symbol, interval string, count int) ([]Bar, error)
	// ValidateSymbolAndInterval returns the venue spelling of symbol or ErrUnsupportedMarket.
	ValidateSymbolAndInterval(ctx context.Context, symbol, interval string) (string, error)
	// SynchronizeClock returns venue time minus local time in milliseconds.
	SynchronizeClock(ctx context.Context) (int64, error)
}

// SnapshotSource serves previously captured bars when live venues fail.
type SnapshotSource interface {
	LoadBars(ctx context.Context, symbol, interval string) ([]Bar, error)
}

// SnapshotSink records bars from a successful live fetch.
type SnapshotSink interface {
	StoreBars(ctx context.Context, symbol, interval string, bars []Bar) error
}

// Latest returns the last bar and false when bars is empty.
func Latest(bars []Bar) (Bar, bool) {
	if len(bars) == 0 {
		return Bar{}, false
	}
	return bars[len(bars)-1], true
}

func tail(bars []Bar, count int) []Bar {
	if count <= 0 || len(bars) <= count {
		return bars
	}
	return bars[len(bars)-count:]
}

// rows converts bars to the [ts_ms, o, h, l, c, v] layout used by snapshot stores.
func rows(bars []Bar) [][6]float64 {
	out := make([][6]float64, 0, len(bars))
	for _, b := range bars {
		out = append(out, [6]float64{float64(b.Time.UnixMilli()), b.Open, b.High, b.Low, b.Close, b.Volume})
	}
	return out
}

func fromRows(raw [][]float64) []Bar {
	out := make([]Bar, 0, len(raw))
	for _, r := range raw {
		if len(r) < 6 {
			continue
		}
		out = append(out, Bar{
			Time:   time.UnixMilli(int64(r[0])).UTC(),
			Open:   r[1],
			High:   r[2],
			Low:    r[3],
			Close:  r[4],
			Volume: r[5],
		})
	}
	return out
}
