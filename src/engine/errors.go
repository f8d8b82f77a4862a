package engine

import "fmt"

// ValidationError rejects an order before any reservation is taken.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// UnknownInstrumentError rejects operations against an instrument that was
// never registered.
type UnknownInstrumentError struct {
	InstrumentID string
}

func (e *UnknownInstrumentError) Error() string {
	return fmt.Sprintf("unknown instrument %q", e.InstrumentID)
}

// NotFoundError is returned by cancellation and status queries for an order id
// that does not exist.
type NotFoundError struct {
	OrderID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("order %s not found", e.OrderID)
}

// ForbiddenError is returned when a cancellation requester is not the order's
// trader.
type ForbiddenError struct {
	OrderID   string
	Requester string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("trader %s may not cancel order %s", e.Requester, e.OrderID)
}

// AlreadyTerminalError is returned when cancelling an order that is already
// filled, cancelled, or expired.
type AlreadyTerminalError struct {
	OrderID string
	Status  OrderStatus
}

func (e *AlreadyTerminalError) Error() string {
	return fmt.Sprintf("order %s is already %s", e.OrderID, e.Status)
}

// HaltedError is returned while an instrument is out of service after an
// invariant violation; only operator intervention clears it.
type HaltedError struct {
	InstrumentID string
}

func (e *HaltedError) Error() string {
	return fmt.Sprintf("instrument %s is halted pending ledger verification", e.InstrumentID)
}
