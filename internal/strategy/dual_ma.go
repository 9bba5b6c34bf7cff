package strategy

import (
	"context"
	"math"

	"strategy-engine/internal/indicators"
	"strategy-engine/internal/market"
)

// DualMA compares a short and a long simple moving average of closes.
// It signals buy while short > long and sell while short < long.
type DualMA struct {
	Short int
	Long  int
}

// NewDualMA reads ma_short (default 10) and ma_long (default 20). Invalid values fall back to defaults.
func NewDualMA(params map[string]any) *DualMA {
	return &DualMA{
		Short: paramInt(params, "ma_short", 10),
		Long:  paramInt(params, "ma_long", 20),
	}
}

func (s *DualMA) ComputeIndicators(_ context.Context, bars []market.Bar) ([]Row, error) {
	if len(bars) == 0 {
		return nil, nil
	}
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	short := indicators.SMASeries(closes, s.Short)
	long := indicators.SMASeries(closes, s.Long)

	rows := make([]Row, len(bars))
	for i, b := range bars {
		values := make(map[string]float64, 2)
		if !math.IsNaN(short[i]) {
			values["ma_short"] = short[i]
		}
		if !math.IsNaN(long[i]) {
			values["ma_long"] = long[i]
		}
		rows[i] = Row{Bar: b, Values: values}
	}
	return rows, nil
}

func (s *DualMA) Signal(_ context.Context, row Row) (Action, error) {
	short, ok1 := row.Values["ma_short"]
	long, ok2 := row.Values["ma_long"]
	if !ok1 || !ok2 {
		return ActionNone, nil
	}
	switch {
	case short > long:
		return ActionBuy, nil
	case short < long:
		return ActionSell, nil
	}
	return ActionNone, nil
}
