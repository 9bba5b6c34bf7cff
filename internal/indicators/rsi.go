package indicators

import "math"

// RSI computes a basic Relative Strength Index over the last period changes without smoothing.
func RSI(values []float64, period int) float64 {
	if period <= 0 || len(values) < period+1 {
		return 0
	}

	gain := 0.0
	loss := 0.0
	for i := len(values) - period; i < len(values); i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			gain += change
		} else {
			loss -= change
		}
	}

	if loss == 0 {
		return 100
	}
	rs := gain / loss
	return 100 - (100 / (1 + rs))
}

// RSISeries returns RSI aligned with values; positions without period changes hold NaN.
func RSISeries(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	for i := range values {
		if period <= 0 || i < period {
			out[i] = math.NaN()
			continue
		}
		out[i] = RSI(values[:i+1], period)
	}
	return out
}
