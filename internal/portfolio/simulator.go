// Package portfolio simulates a long-only, full-notional position driven by signals.
package portfolio

import (
	"time"

	"strategy-engine/internal/market"
	"strategy-engine/internal/strategy"
)

// State is a snapshot of one strategy instance's simulated book.
type State struct {
	InitialCapital float64
	Capital        float64
	Position       float64
	EntryPrice     float64
	EntryTime      time.Time
	Trades         []Trade
	Equity         []float64
}

// Simulator owns the State of exactly one (strategy, symbol) run-loop. It is not
// safe for concurrent use.
type Simulator struct {
	state State
}

// NewSimulator seeds the equity curve with the initial capital.
func NewSimulator(initialCapital float64) *Simulator {
	return &Simulator{state: State{
		InitialCapital: initialCapital,
		Capital:        initialCapital,
		Equity:         []float64{initialCapital},
	}}
}

// Advance applies one bar and signal. A buy while flat opens a position of
// capital/close; a sell while positioned realizes the profit. Everything else is
// a no-op. The current capital is appended to the equity curve on every call.
func (s *Simulator) Advance(bar market.Bar, action strategy.Action) (Trade, bool) {
	var (
		trade  Trade
		traded bool
	)
	st := &s.state

	switch {
	case action == strategy.ActionBuy && st.Position == 0 && bar.Close > 0:
		st.Position = st.Capital / bar.Close
		st.EntryPrice = bar.Close
		st.EntryTime = bar.Time
		trade = Trade{Side: SideBuy, Price: bar.Close, Time: bar.Time}
		traded = true
	case action == strategy.ActionSell && st.Position > 0:
		profit := st.Position * (bar.Close - st.EntryPrice)
		st.Capital += profit
		trade = Trade{
			Side:            SideSell,
			Price:           bar.Close,
			Time:            bar.Time,
			ProfitUSD:       profit,
			DurationMinutes: bar.Time.Sub(st.EntryTime).Minutes(),
		}
		st.Position = 0
		st.EntryPrice = 0
		st.EntryTime = time.Time{}
		traded = true
	}

	if traded {
		st.Trades = append(st.Trades, trade)
	}
	st.Equity = append(st.Equity, st.Capital)
	return trade, traded
}

// Restore replays previously journaled trades so a restarted run-loop continues
// where it stopped. Trades that break buy/sell alternation are skipped and
// counted in the returned value.
func (s *Simulator) Restore(trades []Trade) int {
	skipped := 0
	st := &s.state
	for _, t := range trades {
		switch {
		case t.Side == SideBuy && st.Position == 0 && t.Price > 0:
			st.Position = st.Capital / t.Price
			st.EntryPrice = t.Price
			st.EntryTime = t.Time
		case t.Side == SideSell && st.Position > 0:
			st.Capital += t.ProfitUSD
			st.Position = 0
			st.EntryPrice = 0
			st.EntryTime = time.Time{}
		default:
			skipped++
			continue
		}
		st.Trades = append(st.Trades, t)
		st.Equity = append(st.Equity, st.Capital)
	}
	return skipped
}

// State returns a copy of the current state.
func (s *Simulator) State() State {
	out := s.state
	out.Trades = append([]Trade(nil), s.state.Trades...)
	out.Equity = append([]float64(nil), s.state.Equity...)
	return out
}

// Trades returns the trade list without copying. Callers must not modify it.
func (s *Simulator) Trades() []Trade { return s.state.Trades }

// Equity returns the equity curve without copying. Callers must not modify it.
func (s *Simulator) Equity() []float64 { return s.state.Equity }

// OpenTrades lists the unmatched buy, if any.
func (s *Simulator) OpenTrades() []Trade {
	if s.state.Position == 0 {
		return []Trade{}
	}
	return []Trade{{Side: SideBuy, Price: s.state.EntryPrice, Time: s.state.EntryTime}}
}
