// Package promotion holds the Auto to Live promotion settings and decision.
package promotion

// AutoSettings are the criteria an Auto-mode strategy must meet to go Live.
type AutoSettings struct {
	AutoDays       int     `json:"auto_days"`
	RequiredProfit float64 `json:"required_profit"`
}

// Settings mirrors promotion.json. The demotion fields are loaded and exposed
// but nothing evaluates them yet.
type Settings struct {
	Days               int          `json:"days"`
	PromotionThreshold float64      `json:"promotion_threshold"`
	PromotionIncrement float64      `json:"promotion_increment"`
	MaxTradePercent    float64      `json:"max_trade_percent"`
	DemotionThreshold  float64      `json:"demotion_threshold"`
	DemotionDecrement  float64      `json:"demotion_decrement"`
	Auto               AutoSettings `json:"auto_settings"`
}

// Defaults returns the settings used when promotion.json is absent.
func Defaults() Settings {
	return Settings{
		Days:               7,
		PromotionThreshold: 100,
		PromotionIncrement: 0.2,
		MaxTradePercent:    5,
		DemotionThreshold:  20,
		DemotionDecrement:  0.25,
		Auto: AutoSettings{
			AutoDays:       7,
			RequiredProfit: 50,
		},
	}
}

// ShouldPromote reports whether both the time and the profit criteria hold.
// profitPct is net profit as a percentage of start capital.
func ShouldPromote(auto AutoSettings, daysActive int, profitPct float64) bool {
	return daysActive >= auto.AutoDays && profitPct >= auto.RequiredProfit
}
