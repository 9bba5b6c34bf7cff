package strategy

import (
	"context"
	"math"

	"strategy-engine/internal/indicators"
	"strategy-engine/internal/market"
)

// RSIReversal buys when RSI drops below the oversold threshold and sells above overbought.
type RSIReversal struct {
	Period     int
	Oversold   float64
	Overbought float64
}

// NewRSIReversal reads rsi_period (14), oversold (30) and overbought (70).
func NewRSIReversal(params map[string]any) *RSIReversal {
	return &RSIReversal{
		Period:     paramInt(params, "rsi_period", 14),
		Oversold:   paramFloat(params, "oversold", 30),
		Overbought: paramFloat(params, "overbought", 70),
	}
}

func (s *RSIReversal) ComputeIndicators(_ context.Context, bars []market.Bar) ([]Row, error) {
	if len(bars) == 0 {
		return nil, nil
	}
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	series := indicators.RSISeries(closes, s.Period)
	rows := make([]Row, len(bars))
	for i, b := range bars {
		values := map[string]float64{}
		if !math.IsNaN(series[i]) {
			values["rsi"] = series[i]
		}
		rows[i] = Row{Bar: b, Values: values}
	}
	return rows, nil
}

func (s *RSIReversal) Signal(_ context.Context, row Row) (Action, error) {
	rsi, ok := row.Values["rsi"]
	if !ok {
		return ActionNone, nil
	}
	if rsi < s.Oversold {
		return ActionBuy, nil
	}
	if rsi > s.Overbought {
		return ActionSell, nil
	}
	return ActionNone, nil
}
