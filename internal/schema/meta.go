// Package schema defines the canonical event model shared by adapters,
// aggregators and the journal.
package schema

import (
	"strings"
)

// MarketType distinguishes spot and derivatives markets.
type MarketType string

const (
	// MarketSpot identifies spot markets.
	MarketSpot MarketType = "spot"
	// MarketFutures identifies perpetual/futures markets.
	MarketFutures MarketType = "futures"
	// MarketUnknown marks events whose market could not be classified.
	// Unknown is terminal for emission: no aggregate is published for it.
	MarketUnknown MarketType = "unknown"
)

// Side captures the direction of a trade or liquidation.
type Side string

const (
	// SideBuy indicates buy side fills.
	SideBuy Side = "Buy"
	// SideSell indicates sell side fills.
	SideSell Side = "Sell"
)

// ParseSide normalises a venue side field. Recognised inputs are
// buy/b/sell/s in any case; everything else reports ok=false.
func ParseSide(raw string) (Side, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "buy", "b":
		return SideBuy, true
	case "sell", "s":
		return SideSell, true
	default:
		return "", false
	}
}

// EventMeta is attached to every event on the bus.
//
// Invariants: TsEvent <= TsIngest + clock skew tolerance; CorrelationID is
// propagated unchanged through InheritMeta.
type EventMeta struct {
	TsEvent       int64   `json:"tsEvent"`
	TsIngest      int64   `json:"tsIngest"`
	TsExchange    *int64  `json:"tsExchange,omitempty"`
	Sequence      *uint64 `json:"sequence,omitempty"`
	Source        string  `json:"source"`
	StreamID      string  `json:"streamId"`
	CorrelationID string  `json:"correlationId"`
}

// InheritMeta derives a child meta from a parent, keeping the correlation
// chain and stream identity intact. Timestamps default to the parent's and
// may be overwritten by the caller.
func InheritMeta(parent EventMeta, source string) EventMeta {
	child := parent
	if strings.TrimSpace(source) != "" {
		child.Source = source
	}
	return child
}

// Int64Ptr is a convenience for optional meta fields.
func Int64Ptr(v int64) *int64 { return &v }

// Uint64Ptr is a convenience for optional meta fields.
func Uint64Ptr(v uint64) *uint64 { return &v }
