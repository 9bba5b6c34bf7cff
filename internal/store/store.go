// Package store is the authoritative strategy configuration: records and their
// modes, activation dates, start capital, promotion settings and venue credentials.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"strategy-engine/internal/promotion"
	"strategy-engine/internal/strategy"
)

var (
	ErrNotFound      = errors.New("strategy not found")
	ErrNoCredentials = errors.New("no credentials for exchange")
	ErrExists        = errors.New("strategy already exists")
)

// DefaultStartCapital applies to strategies without a recorded amount.
const DefaultStartCapital = 1000.0

// Credential is one entry of the venue credential list.
type Credential struct {
	Exchange          string `json:"exchange"`
	APIKey            string `json:"api_key"`
	APISecret         string `json:"api_secret"`
	Passphrase        string `json:"passphrase"`
	RateLimitRequests int    `json:"rate_limit_requests"`
	TimeoutSeconds    int    `json:"timeout_seconds"`
}

// DefaultCredential is an anonymous credential with the stock client limits.
func DefaultCredential(exchange string) Credential {
	return Credential{Exchange: strings.ToLower(exchange), RateLimitRequests: 1800, TimeoutSeconds: 30}
}

func (c Credential) withDefaults() Credential {
	d := DefaultCredential(c.Exchange)
	if c.RateLimitRequests <= 0 {
		c.RateLimitRequests = d.RateLimitRequests
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = d.TimeoutSeconds
	}
	c.Exchange = d.Exchange
	return c
}

// Timeout is the per-request deadline for the venue client.
func (c Credential) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Store is read fresh on every call; implementations never cache between calls.
type Store interface {
	Strategies(ctx context.Context) ([]strategy.Config, error)
	Strategy(ctx context.Context, key strategy.Key) (strategy.Config, error)
	CurrentMode(ctx context.Context, key strategy.Key) (strategy.Mode, error)
	// SetMode replaces the mode in a single write.
	SetMode(ctx context.Context, key strategy.Key, mode strategy.Mode) error
	Upsert(ctx context.Context, cfg strategy.Config) error
	// Remove deletes the record with its activation and start capital.
	Remove(ctx context.Context, key strategy.Key) error
	// Rename moves the record to another symbol, keeping every other field.
	// It returns ErrExists when the target key is taken.
	Rename(ctx context.Context, key strategy.Key, symbol string) error

	// Activate records the first activation time and refreshes the last one.
	// It returns the first activation time.
	Activate(ctx context.Context, key strategy.Key, now time.Time) (time.Time, error)
	// ActivatedAt returns ErrNotFound for a key that never ran.
	ActivatedAt(ctx context.Context, key strategy.Key) (time.Time, error)
	ClearActivation(ctx context.Context, key strategy.Key) error

	StartCapital(ctx context.Context, key strategy.Key) (float64, error)
	Promotion(ctx context.Context) (promotion.Settings, error)
	// Credentials returns ErrNoCredentials when the exchange has no entry.
	Credentials(ctx context.Context, exchange string) (Credential, error)
}
