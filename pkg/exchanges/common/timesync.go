package common

import (
	"context"
	"sync"
	"time"
)

// TimeSync measures the clock offset against an exchange server once per
// adapter lifetime and applies it to outgoing timestamps. Exchanges reject
// timestamps outside the receive window, so an unsynced local clock turns
// into spurious "invalid signature" rejections.
type TimeSync struct {
	getServerTime func(ctx context.Context) (int64, error)
	once          sync.Once
	mu            sync.RWMutex
	offset        int64 // milliseconds, server - local
}

// NewTimeSync creates a time synchronization guard.
func NewTimeSync(getServerTime func(ctx context.Context) (int64, error)) *TimeSync {
	return &TimeSync{getServerTime: getServerTime}
}

// EnsureSynced performs the one-time offset measurement. The attempt is
// made exactly once per adapter lifetime: if it fails, the adapter runs on
// the local clock (offset zero) from then on rather than adding a server
// round-trip to every signed call.
func (ts *TimeSync) EnsureSynced(ctx context.Context) {
	ts.once.Do(func() {
		localBefore := time.Now().UnixMilli()
		serverTime, err := ts.getServerTime(ctx)
		if err != nil {
			return
		}
		localAfter := time.Now().UnixMilli()

		// Assume network latency is symmetric.
		latency := (localAfter - localBefore) / 2

		ts.mu.Lock()
		ts.offset = serverTime - (localBefore + latency)
		ts.mu.Unlock()
	})
}

// Now returns current wall-clock milliseconds adjusted for server offset.
func (ts *TimeSync) Now() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return time.Now().UnixMilli() + ts.offset
}

// Offset returns the measured offset in milliseconds (0 before sync).
func (ts *TimeSync) Offset() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offset
}
