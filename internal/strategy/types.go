package strategy

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"strategy-engine/internal/market"
)

// ErrUnknownSource is returned when a strategy record references logic that cannot be resolved.
var ErrUnknownSource = errors.New("unknown signal source")

// Mode is the operating mode of a strategy instance.
type Mode string

const (
	ModeDisabled Mode = "Disabled"
	ModeLive     Mode = "Live"
	ModePaper    Mode = "Paper"
	ModeAuto     Mode = "Auto"
)

// ParseMode accepts the canonical names case-insensitively, plus the legacy
// "Wylaczona" spelling for Disabled. An empty string is Disabled.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "disabled", "wylaczona", "wyłączona":
		return ModeDisabled, nil
	case "live":
		return ModeLive, nil
	case "paper":
		return ModePaper, nil
	case "auto":
		return ModeAuto, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

func (m *Mode) UnmarshalText(b []byte) error {
	parsed, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Active reports whether the mode owns a run-loop.
func (m Mode) Active() bool {
	return m == ModeLive || m == ModePaper || m == ModeAuto
}

// Namespace is the journal namespace a mode writes to.
func (m Mode) Namespace() string {
	switch m {
	case ModeLive:
		return "live"
	case ModePaper, ModeAuto:
		return "simulations"
	}
	return ""
}

// Key identifies a strategy instance.
type Key struct {
	Name   string
	Symbol string
}

func (k Key) String() string { return k.Name + "_" + k.Symbol }

// Config is one strategy record as shared with the editing surface.
type Config struct {
	Name       string         `json:"name" yaml:"name"`
	Symbol     string         `json:"symbol" yaml:"symbol"`
	Mode       Mode           `json:"mode" yaml:"mode"`
	Interval   string         `json:"interval" yaml:"interval"`
	Exchange   string         `json:"exchange" yaml:"exchange"`
	Parameters map[string]any `json:"parameters" yaml:"parameters"`
	FilePath   string         `json:"file_path" yaml:"file_path"`
}

func (c Config) Key() Key { return Key{Name: c.Name, Symbol: c.Symbol} }

// Action is the decision a signal source emits for the latest bar.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionNone Action = "none"
)

// ParseAction maps any unrecognised value to ActionNone.
func ParseAction(s string) Action {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return ActionBuy
	case "sell":
		return ActionSell
	}
	return ActionNone
}

// Row is one bar with the indicator values computed for it. Indicators that are
// undefined for the bar (for example a moving average before its window fills) are absent.
type Row struct {
	Bar    market.Bar
	Values map[string]float64
}

// Source is the contract pluggable strategy logic satisfies.
// An empty bar set yields no rows, and a zero Row yields ActionNone.
type Source interface {
	ComputeIndicators(ctx context.Context, bars []market.Bar) ([]Row, error)
	Signal(ctx context.Context, row Row) (Action, error)
}

func paramInt(params map[string]any, key string, def int) int {
	v, ok := params[key]
	if !ok {
		return def
	}
	var n int
	switch t := v.(type) {
	case int:
		n = t
	case int64:
		n = int(t)
	case float64:
		n = int(t)
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return def
		}
		n = parsed
	default:
		return def
	}
	if n <= 0 {
		return def
	}
	return n
}

func paramFloat(params map[string]any, key string, def float64) float64 {
	switch t := params[key].(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return f
		}
	}
	return def
}
