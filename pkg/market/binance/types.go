package market

import "strings"

// Kline represents a single candlestick as returned by Binance-compatible venues.
type Kline struct {
	OpenTime  int64   // 0: open time (ms)
	Open      float64 // 1
	High      float64 // 2
	Low       float64 // 3
	Close     float64 // 4
	Volume    float64 // 5: base asset volume
	CloseTime int64   // 6: close time (ms)
}

// Venue describes a Binance-compatible spot REST API.
type Venue struct {
	Name    string
	BaseURL string
	// Intervals maps canonical interval spellings to the venue's spelling.
	Intervals map[string]string
}

var (
	Binance = Venue{
		Name:    "binance",
		BaseURL: "https://api.binance.com",
		Intervals: map[string]string{
			"1m": "1m", "5m": "5m", "15m": "15m", "30m": "30m",
			"1h": "1h", "4h": "4h", "1d": "1d", "1w": "1w", "1mo": "1M",
		},
	}
	MEXC = Venue{
		Name:    "mexc",
		BaseURL: "https://api.mexc.com",
		Intervals: map[string]string{
			"1m": "1m", "5m": "5m", "15m": "15m", "30m": "30m",
			"1h": "60m", "4h": "4h", "1d": "1d", "1w": "1W", "1mo": "1M",
		},
	}
)

// VenueFor looks up a venue by exchange identifier, case-insensitively.
func VenueFor(exchange string) (Venue, bool) {
	switch strings.ToLower(exchange) {
	case "binance":
		return Binance, true
	case "mexc":
		return MEXC, true
	}
	return Venue{}, false
}
