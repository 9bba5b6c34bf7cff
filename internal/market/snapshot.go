package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"strategy-engine/internal/normalize"
)

// FileSnapshot reads bars from a JSON document shaped
// {"BTCUSDT": {"1m": [[ts_ms, o, h, l, c, v], ...]}}.
// The file is re-read on every call so operators can refresh it in place.
type FileSnapshot struct {
	path string
	mu   sync.Mutex
}

func NewFileSnapshot(path string) *FileSnapshot {
	return &FileSnapshot{path: path}
}

func (s *FileSnapshot) LoadBars(_ context.Context, symbol, interval string) ([]Bar, error) {
	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	for _, sym := range []string{symbol, normalize.Symbol(symbol)} {
		byInterval, ok := doc[sym]
		if !ok {
			continue
		}
		for _, iv := range []string{interval, normalize.Interval(interval)} {
			if raw, ok := byInterval[iv]; ok {
				return VerifyBars(fromRows(raw))
			}
		}
	}
	return nil, fmt.Errorf("no snapshot for %s %s", symbol, interval)
}

// StoreBars replaces the entry for symbol and interval, keeping other entries.
func (s *FileSnapshot) StoreBars(_ context.Context, symbol, interval string, bars []Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if doc == nil {
		doc = make(map[string]map[string][][]float64)
	}
	sym := normalize.Symbol(symbol)
	if doc[sym] == nil {
		doc[sym] = make(map[string][][]float64)
	}
	packed := make([][]float64, 0, len(bars))
	for _, r := range rows(bars) {
		packed = append(packed, r[:])
	}
	doc[sym][normalize.Interval(interval)] = packed

	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *FileSnapshot) read() (map[string]map[string][][]float64, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var doc map[string]map[string][][]float64
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return doc, nil
}
