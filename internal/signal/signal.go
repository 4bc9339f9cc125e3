// Package signal defines the inbound alert vocabulary and validation rules.
package signal

import (
	"strings"
	"time"
)

// Directive is the normalized intent of an inbound alert.
type Directive string

const (
	OpenLong        Directive = "OPEN_LONG"
	OpenLongStrong  Directive = "OPEN_LONG_STRONG"
	OpenShort       Directive = "OPEN_SHORT"
	OpenShortStrong Directive = "OPEN_SHORT_STRONG"
	CloseLong       Directive = "CLOSE_LONG"
	CloseShort      Directive = "CLOSE_SHORT"
	ConfirmLong     Directive = "CONFIRM_LONG"
	ConfirmShort    Directive = "CONFIRM_SHORT"
)

// aliases maps the vocabulary used by alert sources onto directives.
var aliases = map[string]Directive{
	"open_long":         OpenLong,
	"long":              OpenLong,
	"buy":               OpenLong,
	"open_long_strong":  OpenLongStrong,
	"strong_buy":        OpenLongStrong,
	"strong_long":       OpenLongStrong,
	"open_short":        OpenShort,
	"short":             OpenShort,
	"sell":              OpenShort,
	"open_short_strong": OpenShortStrong,
	"strong_sell":       OpenShortStrong,
	"strong_short":      OpenShortStrong,
	"close_long":        CloseLong,
	"exit_long":         CloseLong,
	"close_short":       CloseShort,
	"exit_short":        CloseShort,
	"confirm_long":      ConfirmLong,
	"confirm_short":     ConfirmShort,
}

// ParseDirective normalizes a raw directive string. ok is false when the
// value is outside the known vocabulary.
func ParseDirective(raw string) (Directive, bool) {
	d, ok := aliases[strings.ToLower(strings.TrimSpace(raw))]
	return d, ok
}

// IsOpen reports whether the directive opens a new position.
func (d Directive) IsOpen() bool {
	switch d {
	case OpenLong, OpenLongStrong, OpenShort, OpenShortStrong:
		return true
	}
	return false
}

// IsClose reports whether the directive closes an existing position.
func (d Directive) IsClose() bool {
	return d == CloseLong || d == CloseShort
}

// IsConfirm reports whether the directive re-affirms an existing position.
func (d Directive) IsConfirm() bool {
	return d == ConfirmLong || d == ConfirmShort
}

// IsStrong reports whether the directive carries extra conviction.
func (d Directive) IsStrong() bool {
	return d == OpenLongStrong || d == OpenShortStrong
}

// Long reports the direction the directive acts in.
func (d Directive) Long() bool {
	switch d {
	case OpenLong, OpenLongStrong, CloseLong, ConfirmLong:
		return true
	}
	return false
}

// Signal is a validated inbound alert.
type Signal struct {
	ID         string
	Symbol     string
	Directive  Directive
	Price      float64
	Timeframe  string
	SourceTS   time.Time
	RawPayload string
	ReceivedAt time.Time
}

// Payload is the webhook body sent by the alerting source.
// SourceTimestamp is unix milliseconds.
type Payload struct {
	Symbol          string  `json:"symbol" validate:"required"`
	Directive       string  `json:"directive" validate:"required"`
	Price           float64 `json:"price,omitempty"`
	Timeframe       string  `json:"timeframe,omitempty"`
	SourceTimestamp int64   `json:"source_timestamp" validate:"required,gt=0"`
}
