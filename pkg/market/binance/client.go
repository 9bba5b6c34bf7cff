package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"strategy-engine/internal/market"
	"strategy-engine/internal/normalize"
	"strategy-engine/pkg/exchanges/common"
)

// Binance error codes that mean the request can never succeed as written.
const (
	codeInvalidInterval = -1120
	codeInvalidSymbol   = -1121
)

// Config configures a venue client.
type Config struct {
	Venue             Venue
	APIKey            string
	BaseURL           string // overrides Venue.BaseURL when set
	Timeout           time.Duration
	RequestsPerMinute int
}

// Client implements market.Provider for Binance-compatible spot venues.
type Client struct {
	venue    Venue
	http     *resty.Client
	limiter  *common.RateLimiter
	timeSync *common.TimeSync
	logger   zerolog.Logger

	symbolsMu sync.Mutex
	symbols   map[string]bool
}

// NewClient builds a REST client for cfg.Venue.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	base := cfg.Venue.BaseURL
	if cfg.BaseURL != "" {
		base = cfg.BaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	httpClient := resty.New()
	httpClient.SetBaseURL(base)
	httpClient.SetTimeout(timeout)
	if cfg.APIKey != "" {
		httpClient.SetHeader("X-MBX-APIKEY", cfg.APIKey)
	}

	logger = logger.With().Str("component", "VenueClient").Str("venue", cfg.Venue.Name).Logger()
	c := &Client{
		venue:   cfg.Venue,
		http:    httpClient,
		limiter: common.NewRateLimiter(cfg.RequestsPerMinute, logger),
		logger:  logger,
	}
	c.timeSync = common.NewTimeSync(c.GetServerTime, logger)
	return c
}

func (c *Client) Name() string { return c.venue.Name }

// GetKlines fetches the most recent klines for a venue-spelled symbol and interval.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	params := map[string]string{
		"symbol":   symbol,
		"interval": interval,
	}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}

	body, err := c.get(ctx, "/api/v3/klines", params)
	if err != nil {
		return nil, err
	}

	var raw [][]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%s klines decode: %w", c.venue.Name, err)
	}

	klines := make([]Kline, 0, len(raw))
	for _, item := range raw {
		if len(item) < 7 {
			continue
		}
		klines = append(klines, Kline{
			OpenTime:  toInt64(item[0]),
			Open:      toFloat(item[1]),
			High:      toFloat(item[2]),
			Low:       toFloat(item[3]),
			Close:     toFloat(item[4]),
			Volume:    toFloat(item[5]),
			CloseTime: toInt64(item[6]),
		})
	}
	return klines, nil
}

// GetServerTime fetches venue server time in milliseconds.
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	body, err := c.get(ctx, "/api/v3/time", nil)
	if err != nil {
		return 0, err
	}
	var resp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, err
	}
	return resp.ServerTime, nil
}

// Symbols returns the set of symbols listed by the venue. A successful listing is cached
// for the lifetime of the client.
func (c *Client) Symbols(ctx context.Context) (map[string]bool, error) {
	c.symbolsMu.Lock()
	defer c.symbolsMu.Unlock()
	if c.symbols != nil {
		return c.symbols, nil
	}

	body, err := c.get(ctx, "/api/v3/exchangeInfo", nil)
	if err != nil {
		return nil, err
	}
	var info struct {
		Symbols []struct {
			Symbol string `json:"symbol"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, err
	}
	symbols := make(map[string]bool, len(info.Symbols))
	for _, s := range info.Symbols {
		symbols[s.Symbol] = true
	}
	c.symbols = symbols
	return symbols, nil
}

func (c *Client) FetchRecentBars(ctx context.Context, symbol, interval string, count int) ([]market.Bar, error) {
	venueInterval, ok := c.venue.Intervals[normalize.Interval(interval)]
	if !ok {
		return nil, fmt.Errorf("%w: %s does not offer interval %q", market.ErrUnsupportedMarket, c.venue.Name, interval)
	}
	klines, err := c.GetKlines(ctx, normalize.Symbol(symbol), venueInterval, count)
	if err != nil {
		return nil, err
	}
	bars := make([]market.Bar, 0, len(klines))
	for _, k := range klines {
		bars = append(bars, market.Bar{
			Time:   time.UnixMilli(k.OpenTime).UTC(),
			Open:   k.Open,
			High:   k.High,
			Low:    k.Low,
			Close:  k.Close,
			Volume: k.Volume,
		})
	}
	return bars, nil
}

func (c *Client) ValidateSymbolAndInterval(ctx context.Context, symbol, interval string) (string, error) {
	if _, ok := c.venue.Intervals[normalize.Interval(interval)]; !ok {
		return "", fmt.Errorf("%w: %s does not offer interval %q", market.ErrUnsupportedMarket, c.venue.Name, interval)
	}
	canonical := normalize.Symbol(symbol)
	symbols, err := c.Symbols(ctx)
	if err != nil {
		return "", fmt.Errorf("%s exchange info: %w", c.venue.Name, err)
	}
	if !symbols[canonical] {
		return "", fmt.Errorf("%w: %s does not list %s", market.ErrUnsupportedMarket, c.venue.Name, canonical)
	}
	return canonical, nil
}

func (c *Client) SynchronizeClock(ctx context.Context) (int64, error) {
	return c.timeSync.Sync(ctx)
}

func (c *Client) get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req := c.http.R().SetContext(ctx)
	if len(params) > 0 {
		req.SetQueryParams(params)
	}
	resp, err := req.Get(path)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", c.venue.Name, path, err)
	}
	c.limiter.UpdateFromHeader(resp.Header().Get("X-MBX-USED-WEIGHT-1M"))

	if resp.StatusCode() != http.StatusOK {
		var apiErr struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		_ = json.Unmarshal(resp.Body(), &apiErr)
		if apiErr.Code == codeInvalidSymbol || apiErr.Code == codeInvalidInterval {
			return nil, fmt.Errorf("%w: %s: %s", market.ErrUnsupportedMarket, c.venue.Name, apiErr.Msg)
		}
		return nil, fmt.Errorf("%s %s status %d: %s", c.venue.Name, path, resp.StatusCode(), apiErr.Msg)
	}
	return resp.Body(), nil
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case json.Number:
		f, _ := t.Float64()
		return f
	case float64:
		return t
	default:
		return 0
	}
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case json.Number:
		i, _ := t.Int64()
		return i
	default:
		return 0
	}
}
