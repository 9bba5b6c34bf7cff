package db

import "time"

// StrategyInstance is one strategy record. Parameters holds the JSON-encoded map.
type StrategyInstance struct {
	Name       string
	Symbol     string
	Mode       string
	Interval   string
	Exchange   string
	Parameters string
	FilePath   string
	UpdatedAt  time.Time
}

// Activation tracks when a strategy instance first and last ran.
type Activation struct {
	Name       string
	Symbol     string
	StartDate  time.Time
	LastActive time.Time
}

// APIKey holds venue credentials and client limits.
type APIKey struct {
	Exchange          string
	APIKey            string
	APISecret         string
	Passphrase        string
	RateLimitRequests int
	TimeoutSeconds    int
}
