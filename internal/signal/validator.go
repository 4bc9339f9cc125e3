package signal

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// RejectReason names why a signal was refused. Callers must be able to tell
// a regime block apart from a malformed or replayed alert.
type RejectReason string

const (
	ReasonMalformed     RejectReason = "MALFORMED"
	ReasonStale         RejectReason = "STALE"
	ReasonDuplicate     RejectReason = "DUPLICATE"
	ReasonRegimeBlocked RejectReason = "REGIME_BLOCKED"
)

// Rejection carries the reason and a human-readable detail.
type Rejection struct {
	Reason RejectReason
	Detail string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
}

// Validator normalizes and screens inbound alerts: vocabulary, symbol
// allow-list, freshness window, and a short (symbol, directive) dedup window.
type Validator struct {
	symbolPattern *regexp.Regexp
	freshness     time.Duration
	dedupWindow   time.Duration

	mu   sync.Mutex
	seen map[string]time.Time

	now func() time.Time
}

// NewValidator compiles the allow-list pattern and sets the windows.
func NewValidator(symbolPattern string, freshness, dedupWindow time.Duration) (*Validator, error) {
	re, err := regexp.Compile(symbolPattern)
	if err != nil {
		return nil, fmt.Errorf("compile symbol pattern: %w", err)
	}
	return &Validator{
		symbolPattern: re,
		freshness:     freshness,
		dedupWindow:   dedupWindow,
		seen:          make(map[string]time.Time),
		now:           time.Now,
	}, nil
}

// Validate screens a payload and returns the normalized signal. A non-nil
// Rejection means the alert must be refused with that reason; validation
// never returns a server-side error for caller mistakes.
func (v *Validator) Validate(p Payload, raw string) (Signal, *Rejection) {
	directive, ok := ParseDirective(p.Directive)
	if !ok {
		return Signal{}, &Rejection{ReasonMalformed, fmt.Sprintf("unknown directive %q", p.Directive)}
	}

	symbol := strings.ToUpper(strings.TrimSpace(p.Symbol))
	if symbol == "" || !v.symbolPattern.MatchString(symbol) {
		return Signal{}, &Rejection{ReasonMalformed, fmt.Sprintf("symbol %q not allowed", p.Symbol)}
	}

	sourceTS := time.UnixMilli(p.SourceTimestamp)
	now := v.now()
	if age := now.Sub(sourceTS); age > v.freshness {
		return Signal{}, &Rejection{ReasonStale, fmt.Sprintf("signal age %s exceeds %s", age.Round(time.Millisecond), v.freshness)}
	}

	key := symbol + "|" + string(directive)
	v.mu.Lock()
	if last, ok := v.seen[key]; ok && now.Sub(last) < v.dedupWindow {
		v.mu.Unlock()
		return Signal{}, &Rejection{ReasonDuplicate, fmt.Sprintf("(%s, %s) replayed within %s", symbol, directive, v.dedupWindow)}
	}
	v.seen[key] = now
	v.prune(now)
	v.mu.Unlock()

	return Signal{
		Symbol:     symbol,
		Directive:  directive,
		Price:      p.Price,
		Timeframe:  p.Timeframe,
		SourceTS:   sourceTS,
		RawPayload: raw,
		ReceivedAt: now,
	}, nil
}

// prune drops expired dedup entries; called under v.mu.
func (v *Validator) prune(now time.Time) {
	if len(v.seen) < 1024 {
		return
	}
	for k, t := range v.seen {
		if now.Sub(t) >= v.dedupWindow {
			delete(v.seen, k)
		}
	}
}
