package portfolio

import (
	"encoding/json"
	"fmt"
	"time"
)

// TimeLayout renders trade timestamps as ISO-8601 with a numeric offset.
const TimeLayout = "2006-01-02T15:04:05.999999-07:00"

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Trade is one executed side of a round trip. Buys carry zero profit and duration.
type Trade struct {
	Side            Side
	Price           float64
	Time            time.Time
	ProfitUSD       float64
	DurationMinutes float64
}

type tradeJSON struct {
	Type            Side    `json:"type"`
	Price           float64 `json:"price"`
	Timestamp       string  `json:"timestamp"`
	ProfitUSD       float64 `json:"profit_usd"`
	DurationMinutes float64 `json:"duration_minutes"`
}

func (t Trade) MarshalJSON() ([]byte, error) {
	return json.Marshal(tradeJSON{
		Type:            t.Side,
		Price:           t.Price,
		Timestamp:       t.Time.Format(TimeLayout),
		ProfitUSD:       t.ProfitUSD,
		DurationMinutes: t.DurationMinutes,
	})
}

func (t *Trade) UnmarshalJSON(b []byte) error {
	var raw tradeJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	ts, err := parseTimestamp(raw.Timestamp)
	if err != nil {
		return err
	}
	if raw.Type != SideBuy && raw.Type != SideSell {
		return fmt.Errorf("unknown trade type %q", raw.Type)
	}
	*t = Trade{
		Side:            raw.Type,
		Price:           raw.Price,
		Time:            ts,
		ProfitUSD:       raw.ProfitUSD,
		DurationMinutes: raw.DurationMinutes,
	}
	return nil
}

// Identity is the de-duplication key for a trade: timestamp, price and side.
func (t Trade) Identity() string {
	return fmt.Sprintf("%d|%v|%s", t.Time.UnixNano(), t.Price, t.Side)
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid trade timestamp %q", s)
}
