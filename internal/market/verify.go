package market

import (
	"fmt"
	"sort"
)

// VerifyBars checks OHLCV data before it reaches a signal source. It returns a
// copy sorted by time with duplicate timestamps collapsed to the last occurrence.
func VerifyBars(bars []Bar) ([]Bar, error) {
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: empty bar set", ErrInvalidBars)
	}
	for i, b := range bars {
		if b.Open < 0 || b.High < 0 || b.Low < 0 || b.Close < 0 || b.Volume < 0 {
			return nil, fmt.Errorf("%w: negative value in bar %d (%s)", ErrInvalidBars, i, b.Time.Format("2006-01-02T15:04:05Z07:00"))
		}
		if b.Time.IsZero() {
			return nil, fmt.Errorf("%w: missing timestamp in bar %d", ErrInvalidBars, i)
		}
	}

	sorted := make([]Bar, len(bars))
	copy(sorted, bars)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

	out := sorted[:0]
	for _, b := range sorted {
		if n := len(out); n > 0 && out[n-1].Time.Equal(b.Time) {
			out[n-1] = b
			continue
		}
		out = append(out, b)
	}
	return out, nil
}
