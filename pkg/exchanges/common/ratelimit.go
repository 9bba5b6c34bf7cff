package common

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// RateLimiter paces requests to a venue and tracks the weight the venue reports back.
type RateLimiter struct {
	limiter       *rate.Limiter
	usedWeight    int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
	mu            sync.RWMutex
	logger        zerolog.Logger
}

// NewRateLimiter allows requestsPerMinute evenly over a one-minute window.
// A non-positive value disables pacing.
func NewRateLimiter(requestsPerMinute int, logger zerolog.Logger) *RateLimiter {
	lim := rate.NewLimiter(rate.Inf, 1)
	if requestsPerMinute > 0 {
		burst := requestsPerMinute / 60
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), burst)
	}
	return &RateLimiter{
		limiter:       lim,
		limit:         requestsPerMinute,
		resetInterval: time.Minute,
		lastReset:     time.Now(),
		logger:        logger,
	}
}

// Wait blocks until a request may be sent or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.limiter.Wait(ctx)
}

// UpdateFromHeader records the used weight from a venue response header.
func (rl *RateLimiter) UpdateFromHeader(headerValue string) {
	if headerValue == "" || rl.limit <= 0 {
		return
	}

	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if time.Since(rl.lastReset) >= rl.resetInterval {
		rl.usedWeight = 0
		rl.lastReset = time.Now()
	}
	rl.usedWeight = weight

	percentage := float64(rl.usedWeight) / float64(rl.limit) * 100
	if percentage >= 95 {
		rl.logger.Warn().Int("used", rl.usedWeight).Int("limit", rl.limit).Msg("rate limit critical")
	} else if percentage >= 80 {
		rl.logger.Info().Int("used", rl.usedWeight).Int("limit", rl.limit).Msg("rate limit warning")
	}
}

// Usage returns current usage information.
func (rl *RateLimiter) Usage() (used int, limit int, percentage float64) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	if rl.limit <= 0 || time.Since(rl.lastReset) >= rl.resetInterval {
		return 0, rl.limit, 0
	}
	return rl.usedWeight, rl.limit, float64(rl.usedWeight) / float64(rl.limit) * 100
}
