package common

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTimeSyncMeasuresOffset(t *testing.T) {
	const skew = int64(5000)
	calls := 0
	ts := NewTimeSync(func(ctx context.Context) (int64, error) {
		calls++
		return time.Now().UnixMilli() + skew, nil
	})

	ts.EnsureSynced(context.Background())
	ts.EnsureSynced(context.Background())
	if calls != 1 {
		t.Errorf("server time fetched %d times, want 1", calls)
	}

	off := ts.Offset()
	if off < skew-100 || off > skew+100 {
		t.Errorf("offset = %dms, want about %dms", off, skew)
	}

	now := ts.Now()
	want := time.Now().UnixMilli() + skew
	if now < want-100 || now > want+100 {
		t.Errorf("Now() = %d, want about %d", now, want)
	}
}

func TestTimeSyncFailedSyncFallsBackToLocalClock(t *testing.T) {
	calls := 0
	ts := NewTimeSync(func(ctx context.Context) (int64, error) {
		calls++
		return 0, errors.New("venue unreachable")
	})
	ts.EnsureSynced(context.Background())
	ts.EnsureSynced(context.Background())

	// One attempt per lifetime, success or not.
	if calls != 1 {
		t.Errorf("server time fetched %d times after failure, want 1", calls)
	}
	if ts.Offset() != 0 {
		t.Errorf("offset = %d after failed sync, want 0", ts.Offset())
	}
	local := time.Now().UnixMilli()
	if now := ts.Now(); now < local-100 || now > local+100 {
		t.Errorf("Now() = %d far from local clock %d", now, local)
	}
}
