// Package risk turns a validated signal plus a user's balance into concrete
// order parameters. Every stored profile value is clamped to the admin
// bounds on use, so a drifted or hand-edited profile can never produce an
// out-of-range order.
package risk

import (
	"fmt"

	"signal-engine/internal/signal"
	"signal-engine/pkg/config"
	"signal-engine/pkg/db"
)

// Decline reasons recorded on orders that never reach an exchange.
const (
	ReasonInsufficientBalance = "INSUFFICIENT_BALANCE"
	ReasonMaxPositions        = "MAX_OPEN_POSITIONS"
	ReasonNoReferencePrice    = "NO_REFERENCE_PRICE"
)

// Declined explains why sizing refused to produce an order.
type Declined struct {
	Reason string
	Detail string
}

func (d *Declined) Error() string {
	return fmt.Sprintf("%s: %s", d.Reason, d.Detail)
}

// Decision is a fully sized order, ready for the exchange adapter.
type Decision struct {
	Notional   float64 // margin committed, quote currency
	Qty        float64 // base-asset quantity (notional x leverage / price)
	Leverage   int
	TPPct      float64 // percent move from entry that takes profit
	SLPct      float64 // percent move from entry that stops out
	TakeProfit float64 // absolute trigger price
	StopLoss   float64 // absolute trigger price
}

// Calculator applies the admin bounds to per-user profiles.
type Calculator struct {
	bounds     config.RiskBounds
	minBalance float64
}

// NewCalculator builds a Calculator from the configured bounds.
func NewCalculator(bounds config.RiskBounds, minBalance float64) *Calculator {
	return &Calculator{bounds: bounds, minBalance: minBalance}
}

// Profile fills in defaults for users without a stored profile and for
// zero-valued fields in a stored one.
func (c *Calculator) Profile(stored *db.RiskProfile) db.RiskProfile {
	p := db.RiskProfile{
		BalanceFraction:        c.bounds.BalanceFraction,
		Leverage:               c.bounds.DefaultLeverage,
		TPMultiplier:           c.bounds.DefaultTP,
		SLMultiplier:           c.bounds.DefaultSL,
		MaxConcurrentPositions: c.bounds.MaxOpenPositions,
	}
	if stored == nil {
		return p
	}
	p.UserID = stored.UserID
	if stored.BalanceFraction > 0 {
		p.BalanceFraction = stored.BalanceFraction
	}
	if stored.Leverage > 0 {
		p.Leverage = stored.Leverage
	}
	if stored.TPMultiplier > 0 {
		p.TPMultiplier = stored.TPMultiplier
	}
	if stored.SLMultiplier > 0 {
		p.SLMultiplier = stored.SLMultiplier
	}
	if stored.MaxConcurrentPositions > 0 {
		p.MaxConcurrentPositions = stored.MaxConcurrentPositions
	}
	return p
}

// Size computes order parameters for an open directive. A non-nil Declined
// means no order should be attempted for this user; it is never an
// infrastructure error.
func (c *Calculator) Size(sig signal.Signal, profile db.RiskProfile, balance float64, openPositions int) (Decision, *Declined) {
	if balance < c.minBalance {
		return Decision{}, &Declined{ReasonInsufficientBalance,
			fmt.Sprintf("balance %.2f below minimum %.2f", balance, c.minBalance)}
	}
	maxPos := profile.MaxConcurrentPositions
	if maxPos <= 0 {
		maxPos = c.bounds.MaxOpenPositions
	}
	if openPositions >= maxPos {
		return Decision{}, &Declined{ReasonMaxPositions,
			fmt.Sprintf("%d open positions at limit %d", openPositions, maxPos)}
	}
	if sig.Price <= 0 {
		return Decision{}, &Declined{ReasonNoReferencePrice, "signal carries no usable price"}
	}

	fraction := clamp(profile.BalanceFraction, 0.01, 1.0)
	if sig.Directive.IsStrong() && c.bounds.StrongFactor > 0 {
		fraction = clamp(fraction*c.bounds.StrongFactor, 0.01, 1.0)
	}
	leverage := clamp(profile.Leverage, 1, c.bounds.MaxLeverage)
	tpMult := clamp(profile.TPMultiplier, 0.1, c.bounds.MaxTP)
	slMult := clamp(profile.SLMultiplier, c.bounds.MinSL, c.bounds.MaxSL)

	d := Decision{
		Notional: balance * fraction,
		Leverage: int(leverage),
		TPPct:    leverage * tpMult,
		SLPct:    leverage * slMult,
	}
	d.Qty = d.Notional * leverage / sig.Price

	// Trigger prices sit tpPct/slPct away from entry in the trade's favor
	// and against it respectively.
	if sig.Directive.Long() {
		d.TakeProfit = sig.Price * (1 + d.TPPct/100)
		d.StopLoss = sig.Price * (1 - d.SLPct/100)
	} else {
		d.TakeProfit = sig.Price * (1 - d.TPPct/100)
		d.StopLoss = sig.Price * (1 + d.SLPct/100)
	}
	if d.StopLoss < 0 {
		d.StopLoss = 0
	}
	return d, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
