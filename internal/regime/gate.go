package regime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"signal-engine/internal/events"
	"signal-engine/pkg/db"
)

const hardFallbackIndex = 50

// Gate aggregates sentiment and breadth into the current Snapshot. It never
// blocks signal processing on provider failure: every stage degrades to the
// next fallback and the very last resort is a constant, so Current cannot
// fail.
type Gate struct {
	sentiment SentimentProvider
	breadth   []BreadthProvider
	ttl       time.Duration

	bus *events.Bus
	db  *db.Database
	log zerolog.Logger

	snap       atomic.Value // Snapshot
	recomputeM sync.Mutex
	now        func() time.Time
}

// NewGate wires the provider chain. db and bus are optional (tests).
func NewGate(sentiment SentimentProvider, breadth []BreadthProvider, ttl time.Duration, bus *events.Bus, database *db.Database, log zerolog.Logger) *Gate {
	g := &Gate{
		sentiment: sentiment,
		breadth:   breadth,
		ttl:       ttl,
		bus:       bus,
		db:        database,
		log:       log,
		now:       time.Now,
	}
	return g
}

// Start runs the periodic background recomputation until ctx is canceled.
func (g *Gate) Start(ctx context.Context) {
	g.refresh(ctx)

	go func() {
		ticker := time.NewTicker(g.ttl)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.refresh(ctx)
			}
		}
	}()
}

// Current returns the regime snapshot, recomputing lazily when stale. When
// a stale snapshot exists and another goroutine is already recomputing, the
// stale snapshot is returned immediately rather than waiting on slow
// providers; only the very first call ever blocks.
func (g *Gate) Current(ctx context.Context) Snapshot {
	snap, ok := g.snap.Load().(Snapshot)
	if ok && g.now().Sub(snap.ComputedAt) < g.ttl {
		return snap
	}
	if ok {
		if g.recomputeM.TryLock() {
			defer g.recomputeM.Unlock()
			return g.refreshLocked(ctx)
		}
		return snap
	}
	return g.refresh(ctx)
}

// refresh recomputes and atomically publishes a new snapshot.
func (g *Gate) refresh(ctx context.Context) Snapshot {
	g.recomputeM.Lock()
	defer g.recomputeM.Unlock()

	// Another goroutine may have refreshed while we waited on the lock.
	if snap, ok := g.snap.Load().(Snapshot); ok && g.now().Sub(snap.ComputedAt) < g.ttl {
		return snap
	}
	return g.refreshLocked(ctx)
}

// refreshLocked does the actual recomputation; recomputeM must be held.
func (g *Gate) refreshLocked(ctx context.Context) Snapshot {
	snap := g.compute(ctx)
	g.snap.Store(snap)

	if g.bus != nil {
		g.bus.Publish(events.EventRegimeUpdated, snap)
		if snap.Degraded {
			g.bus.Publish(events.EventProviderDegraded, snap)
		}
	}
	if g.db != nil {
		if err := g.db.InsertRegimeSnapshot(ctx, db.RegimeSnapshotRow{
			SentimentIndex: snap.SentimentIndex,
			BreadthPct:     snap.BreadthPct,
			LongAllowed:    snap.LongAllowed,
			ShortAllowed:   snap.ShortAllowed,
			Degraded:       snap.Degraded,
			BreadthSource:  snap.BreadthSource,
			ComputedAt:     snap.ComputedAt,
		}); err != nil {
			g.log.Warn().Err(err).Msg("persist regime snapshot")
		}
	}

	g.log.Info().
		Int("sentiment", snap.SentimentIndex).
		Float64("breadth", snap.BreadthPct).
		Bool("long_allowed", snap.LongAllowed).
		Bool("short_allowed", snap.ShortAllowed).
		Bool("degraded", snap.Degraded).
		Str("breadth_source", snap.BreadthSource).
		Msg("regime recomputed")

	return snap
}

func (g *Gate) compute(ctx context.Context) Snapshot {
	snap := Snapshot{ComputedAt: g.now()}

	sentiment, sentimentOK := g.fetchSentiment(ctx)
	snap.SentimentIndex = sentiment
	snap.Degraded = !sentimentOK

	breadth, source := g.fetchBreadth(ctx)
	if source == "" {
		if sentimentOK {
			breadth = estimateBreadth(sentiment)
			source = "estimate"
		} else {
			breadth = hardFallbackIndex
			source = "fallback"
		}
		snap.Degraded = true
	}
	snap.BreadthPct = breadth
	snap.BreadthSource = source

	snap.LongAllowed, snap.ShortAllowed = policy(snap.SentimentIndex)
	return snap
}

func (g *Gate) fetchSentiment(ctx context.Context) (int, bool) {
	if g.sentiment == nil {
		return hardFallbackIndex, false
	}
	v, err := g.sentiment.Sentiment(ctx)
	if err != nil {
		g.log.Warn().Err(err).Str("provider", g.sentiment.Name()).Msg("sentiment provider failed")
		return hardFallbackIndex, false
	}
	return v, true
}

// fetchBreadth walks the provider chain in priority order; the first
// well-formed non-empty result wins. source is empty on exhaustion.
func (g *Gate) fetchBreadth(ctx context.Context) (float64, string) {
	for _, p := range g.breadth {
		v, err := p.Breadth(ctx)
		if err != nil {
			g.log.Warn().Err(err).Str("provider", p.Name()).Msg("breadth provider failed")
			continue
		}
		return v, p.Name()
	}
	return 0, ""
}
