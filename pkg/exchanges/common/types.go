package common

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusFilled   OrderStatus = "FILLED"
	StatusRejected OrderStatus = "REJECTED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// Leg names for multi-leg placements.
const (
	LegEntry      = "entry"
	LegTakeProfit = "take_profit"
	LegStopLoss   = "stop_loss"
)

// OrderRequest captures an order intent to be sent to an exchange.
// TakeProfit and StopLoss are mandatory for entries; protective legs are
// placed alongside the entry and reported per leg.
type OrderRequest struct {
	Symbol     string
	Side       Side
	Qty        float64
	Leverage   int
	TakeProfit float64
	StopLoss   float64
	ReduceOnly bool // close orders: reduce position, no protective legs
	ClientID   string
}

// LegResult reports the outcome of one leg of a placement.
type LegResult struct {
	Leg             string
	OK              bool
	ExchangeOrderID string
	Err             string
}

// OrderResult returns the exchange ack. Legs always includes the entry;
// protective legs are present for non-reduce-only placements so the caller
// can decide whether to unwind on partial failure.
type OrderResult struct {
	ExchangeOrderID string
	Status          OrderStatus
	Legs            []LegResult
}

// PartialFailure reports whether the entry succeeded but a protective leg did not.
func (r OrderResult) PartialFailure() bool {
	entryOK := false
	legFailed := false
	for _, l := range r.Legs {
		if l.Leg == LegEntry {
			entryOK = l.OK
		} else if !l.OK {
			legFailed = true
		}
	}
	return entryOK && legFailed
}

// Balance is the tradeable quote balance on the venue.
type Balance struct {
	Asset     string
	Total     float64
	Available float64
}

// Position is an open position as reported by the venue.
type Position struct {
	Symbol        string
	Side          string // LONG or SHORT
	Qty           float64
	EntryPrice    float64
	MarkPrice     float64
	Leverage      int
	UnrealizedPnL float64
}
