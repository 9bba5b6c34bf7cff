package common

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TimeSync measures the offset between a venue clock and the local clock.
type TimeSync struct {
	getServerTime func(ctx context.Context) (int64, error)
	now           func() time.Time
	offset        int64 // milliseconds, server - local
	lastSync      time.Time
	mu            sync.RWMutex
	logger        zerolog.Logger
}

func NewTimeSync(getServerTime func(ctx context.Context) (int64, error), logger zerolog.Logger) *TimeSync {
	return &TimeSync{
		getServerTime: getServerTime,
		now:           time.Now,
		logger:        logger,
	}
}

// Sync queries the venue and returns the new offset in milliseconds.
func (ts *TimeSync) Sync(ctx context.Context) (int64, error) {
	localBefore := ts.now().UnixMilli()
	serverTime, err := ts.getServerTime(ctx)
	if err != nil {
		return 0, err
	}
	localAfter := ts.now().UnixMilli()

	// Assume symmetric network latency.
	localTime := localBefore + (localAfter-localBefore)/2
	offset := serverTime - localTime

	ts.mu.Lock()
	ts.offset = offset
	ts.lastSync = ts.now()
	ts.mu.Unlock()

	ts.logger.Debug().Int64("offset_ms", offset).Int64("server", serverTime).Int64("local", localTime).Msg("time sync")
	return offset, nil
}

// Offset returns the last measured offset in milliseconds.
func (ts *TimeSync) Offset() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offset
}

// LastSync reports when the offset was last measured.
func (ts *TimeSync) LastSync() time.Time {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.lastSync
}
