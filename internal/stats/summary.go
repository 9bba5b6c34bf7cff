// Package stats derives performance summaries from a trade list and equity curve.
package stats

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"strategy-engine/internal/portfolio"
)

// ProfitFactor serializes +Inf as the string "inf".
type ProfitFactor float64

func (p ProfitFactor) IsInf() bool { return math.IsInf(float64(p), 1) }

func (p ProfitFactor) MarshalJSON() ([]byte, error) {
	if p.IsInf() {
		return []byte(`"inf"`), nil
	}
	return json.Marshal(float64(p))
}

func (p *ProfitFactor) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if s == "inf" {
			*p = ProfitFactor(math.Inf(1))
			return nil
		}
		return fmt.Errorf("invalid profit factor %q", s)
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*p = ProfitFactor(f)
	return nil
}

func (p ProfitFactor) String() string {
	if p.IsInf() {
		return "inf"
	}
	return fmt.Sprintf("%.4f", float64(p))
}

// Summary is recomputed from scratch each cycle and overwritten on disk.
type Summary struct {
	Strategy               string       `json:"strategy"`
	Symbol                 string       `json:"symbol"`
	DaysActive             int          `json:"days_active"`
	NetProfit              float64      `json:"net_profit_usd"`
	MaxDrawdown            float64      `json:"max_drawdown_usd"`
	MaxProfit              float64      `json:"max_profit_usd"`
	TotalTrades            int          `json:"total_trades"`
	TotalTransactions      int          `json:"total_transactions"`
	Wins                   int          `json:"wins"`
	Losses                 int          `json:"losses"`
	WinRate                float64      `json:"winrate_pct"`
	AvgTradeProfitPct      float64      `json:"avg_profit_percentage"`
	ProfitPct              float64      `json:"profit_percentage"`
	ProfitFactor           ProfitFactor `json:"profit_factor"`
	AverageDurationMinutes float64      `json:"average_duration_minutes"`
	TotalDurationMinutes   float64      `json:"total_duration_minutes"`
	LastUpdated            time.Time    `json:"last_updated"`
}

// Summarize is pure: the same inputs always produce an identical Summary.
// Identity fields, DaysActive and LastUpdated are left for the caller.
func Summarize(trades []portfolio.Trade, equity []float64, initialCapital float64) Summary {
	var (
		s        Summary
		net      = decimal.Zero
		gains    = decimal.Zero
		losses   = decimal.Zero
		duration = decimal.Zero
		peak     = decimal.Zero
	)

	s.TotalTransactions = len(trades)
	s.TotalTrades = len(trades) / 2

	for _, t := range trades {
		if t.Side != portfolio.SideSell {
			continue
		}
		p := decimal.NewFromFloat(t.ProfitUSD)
		net = net.Add(p)
		if net.GreaterThan(peak) {
			peak = net
		}
		duration = duration.Add(decimal.NewFromFloat(t.DurationMinutes))
		switch p.Sign() {
		case 1:
			gains = gains.Add(p)
			s.Wins++
		case -1:
			losses = losses.Add(p.Abs())
		}
	}

	s.NetProfit = net.InexactFloat64()
	s.MaxProfit = peak.InexactFloat64()
	s.MaxDrawdown = MaxDrawdown(equity)
	s.TotalDurationMinutes = duration.InexactFloat64()
	s.ProfitFactor = profitFactor(gains, losses)

	if s.TotalTrades > 0 {
		s.Losses = s.TotalTrades - s.Wins
		closed := decimal.NewFromInt(int64(s.TotalTrades))
		s.WinRate = decimal.NewFromInt(int64(s.Wins)).Div(closed).Mul(decimal.NewFromInt(100)).InexactFloat64()
		s.AverageDurationMinutes = duration.Div(closed).InexactFloat64()
		if initialCapital > 0 {
			s.AvgTradeProfitPct = net.Div(closed).Div(decimal.NewFromFloat(initialCapital)).Mul(decimal.NewFromInt(100)).InexactFloat64()
		}
	}
	if initialCapital > 0 {
		s.ProfitPct = net.Div(decimal.NewFromFloat(initialCapital)).Mul(decimal.NewFromInt(100)).InexactFloat64()
	}
	return s
}

// profitFactor is gains/losses. With no losses it is 0 when there were no gains
// either, and +Inf otherwise.
func profitFactor(gains, losses decimal.Decimal) ProfitFactor {
	if losses.IsZero() {
		if gains.IsZero() {
			return 0
		}
		return ProfitFactor(math.Inf(1))
	}
	return ProfitFactor(gains.Div(losses).InexactFloat64())
}

// MaxDrawdown is the most negative gap between the running peak and the equity
// value. It is never positive.
func MaxDrawdown(equity []float64) float64 {
	if len(equity) == 0 {
		return 0
	}
	peak := equity[0]
	worst := 0.0
	for _, v := range equity {
		if v > peak {
			peak = v
		}
		if dd := v - peak; dd < worst {
			worst = dd
		}
	}
	return worst
}

// DaysActive counts whole days elapsed since activation.
func DaysActive(activatedAt, now time.Time) int {
	if activatedAt.IsZero() || now.Before(activatedAt) {
		return 0
	}
	return int(now.Sub(activatedAt) / (24 * time.Hour))
}
