package stats

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"strategy-engine/internal/portfolio"
)

// ErrVerification marks a reported summary that does not match its trade log.
var ErrVerification = errors.New("results verification failed")

// Epsilon is the tolerance used when comparing recomputed figures.
const Epsilon = 0.01

// Verify recomputes net profit, closed trades, win rate and profit factor from
// trades and compares them with reported. Mismatches wrap ErrVerification.
func Verify(reported Summary, trades []portfolio.Trade, initialCapital float64) error {
	got := Summarize(trades, nil, initialCapital)

	var problems []string
	if math.Abs(got.NetProfit-reported.NetProfit) > Epsilon {
		problems = append(problems, fmt.Sprintf("net profit %.4f != reported %.4f", got.NetProfit, reported.NetProfit))
	}
	if got.TotalTrades != reported.TotalTrades {
		problems = append(problems, fmt.Sprintf("closed trades %d != reported %d", got.TotalTrades, reported.TotalTrades))
	}
	if math.Abs(got.WinRate-reported.WinRate) > Epsilon {
		problems = append(problems, fmt.Sprintf("win rate %.4f != reported %.4f", got.WinRate, reported.WinRate))
	}
	if !profitFactorsMatch(got.ProfitFactor, reported.ProfitFactor) {
		problems = append(problems, fmt.Sprintf("profit factor %s != reported %s", got.ProfitFactor, reported.ProfitFactor))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrVerification, strings.Join(problems, "; "))
	}
	return nil
}

func profitFactorsMatch(a, b ProfitFactor) bool {
	if a.IsInf() || b.IsInf() {
		return a.IsInf() && b.IsInf()
	}
	return math.Abs(float64(a)-float64(b)) <= Epsilon
}
