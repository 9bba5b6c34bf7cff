// Package normalize maps user-entered symbol and interval spellings to the
// canonical forms used by providers, the journal, and the configuration store.
package normalize

import "strings"

var intervalAliases = map[string]string{
	"m1": "1m", "1min": "1m", "min1": "1m", "1m": "1m",
	"m5": "5m", "5min": "5m", "min5": "5m", "5m": "5m",
	"m15": "15m", "15min": "15m", "min15": "15m", "15m": "15m",
	"m30": "30m", "30min": "30m", "min30": "30m", "30m": "30m",
	"h1": "1h", "hour1": "1h", "1h": "1h",
	"h4": "4h", "hour4": "4h", "4h": "4h",
	"d1": "1d", "day1": "1d", "1d": "1d",
	"w1": "1w", "week1": "1w", "1w": "1w",
	"mo1": "1mo", "month1": "1mo", "1mo": "1mo",
}

// Symbol turns BTC/USDT or btc-usdt into BTCUSDT.
func Symbol(symbol string) string {
	s := strings.ReplaceAll(symbol, "/", "")
	s = strings.ReplaceAll(s, "-", "")
	return strings.ToUpper(s)
}

// Interval lowercases, strips spaces and resolves known aliases.
// Unknown spellings are returned in their cleaned form so the provider can reject them.
func Interval(interval string) string {
	s := strings.ToLower(strings.ReplaceAll(interval, " ", ""))
	if canonical, ok := intervalAliases[s]; ok {
		return canonical
	}
	return s
}

// PathSymbol is the directory-safe spelling of a symbol.
func PathSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "_")
}
