package engine

import (
	"fmt"
	"math"
)

// Instrument describes one property's tradable token. Immutable after creation.
// Supply is fixed at issuance; the secondary market only moves tokens between
// traders, never mints or burns.
type Instrument struct {
	ID          string
	TotalSupply int64
	TickSize    int64 // minimum price increment, in cents
	LotSize     int64 // minimum quantity increment, in tokens
}

func NewInstrument(id string, totalSupply, tickSize, lotSize int64) (Instrument, error) {
	if id == "" {
		return Instrument{}, &ValidationError{Reason: "instrument id is required"}
	}
	if totalSupply <= 0 {
		return Instrument{}, &ValidationError{Reason: "total supply must be positive"}
	}
	if tickSize <= 0 {
		return Instrument{}, &ValidationError{Reason: "tick size must be positive"}
	}
	if lotSize <= 0 {
		return Instrument{}, &ValidationError{Reason: "lot size must be positive"}
	}
	return Instrument{
		ID:          id,
		TotalSupply: totalSupply,
		TickSize:    tickSize,
		LotSize:     lotSize,
	}, nil
}

// ValidateOrder checks price/quantity against the instrument's tick and lot
// rules. Runs before any reservation, so a rejection here has no side effects.
func (ins Instrument) ValidateOrder(kind OrderKind, price, quantity int64) error {
	if quantity <= 0 {
		return &ValidationError{Reason: "quantity must be positive"}
	}
	if quantity%ins.LotSize != 0 {
		return &ValidationError{Reason: fmt.Sprintf("quantity must be a multiple of lot size %d", ins.LotSize)}
	}
	if kind == KindLimit {
		if price <= 0 {
			return &ValidationError{Reason: "price must be positive for LIMIT orders"}
		}
		if price%ins.TickSize != 0 {
			return &ValidationError{Reason: fmt.Sprintf("price must be a multiple of tick size %d", ins.TickSize)}
		}
		// edge case: price and quantity can each be valid while their product
		// wraps int64; a wrapped notional would pass every balance check
		if price > math.MaxInt64/quantity {
			return &ValidationError{Reason: "order notional exceeds the representable range"}
		}
	}
	return nil
}
