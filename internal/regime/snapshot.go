// Package regime derives a market-wide directional permission from a
// sentiment index and a breadth measure, with ordered provider fallback.
package regime

import "time"

// Snapshot is an immutable view of the market regime. Readers always get a
// consistent whole snapshot; recomputation replaces it atomically.
type Snapshot struct {
	SentimentIndex int     // 0-100, 50 on hard fallback
	BreadthPct     float64 // 0-100, fraction of tracked assets up on 24h
	LongAllowed    bool
	ShortAllowed   bool
	Degraded       bool   // a fallback stage was engaged
	BreadthSource  string // provider name, "estimate", or "fallback"
	ComputedAt     time.Time
}

// Allows reports whether the snapshot permits the given direction.
func (s Snapshot) Allows(long bool) bool {
	if long {
		return s.LongAllowed
	}
	return s.ShortAllowed
}

// policy computes directional permissions from the sentiment index:
// extreme greed (>80) blocks new longs, extreme fear (<30) blocks new shorts.
func policy(sentiment int) (longAllowed, shortAllowed bool) {
	return sentiment <= 80, sentiment >= 30
}

// estimateBreadth maps the sentiment index onto a breadth estimate when
// every breadth provider has failed. Piecewise linear: fearful markets sit
// in the 30-40% band, neutral 40-60%, greedy 60-80%.
func estimateBreadth(sentiment int) float64 {
	idx := float64(sentiment)
	switch {
	case sentiment < 25:
		return 30 + idx*0.25
	case sentiment <= 75:
		return 40 + (idx-25)*0.4
	default:
		return 60 + (idx-75)*0.8
	}
}
