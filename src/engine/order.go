package engine

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

type OrderKind string

const (
	KindLimit  OrderKind = "LIMIT"
	KindMarket OrderKind = "MARKET"
)

type OrderStatus string

const (
	StatusOpen        OrderStatus = "OPEN"
	StatusPartialFill OrderStatus = "PARTIALLY_FILLED"
	StatusFilled      OrderStatus = "FILLED"
	StatusCancelled   OrderStatus = "CANCELLED"
	StatusExpired     OrderStatus = "EXPIRED"
)

// IsTerminal reports whether no further transition is possible.
func (s OrderStatus) IsTerminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusExpired
}

// edge case: price stored as int64 in cents to avoid floating-point precision errors
type Order struct {
	ID             string
	InstrumentID   string
	TraderID       string
	Side           OrderSide
	Kind           OrderKind
	Price          int64 // cents per token; 0 for MARKET
	Quantity       int64
	FilledQuantity int64
	Status         OrderStatus
	CreatedAt      int64 // unix ms
	ExpiresAt      int64 // unix ms, 0 = never

	// Arrival sequence within the instrument, assigned by the lifecycle
	// manager. Breaks ties inside a price level (FIFO).
	Seq uint64

	// Cash still reserved for this order (buy side only). Kept equal to the
	// unfilled remainder's notional at the reserved rate so that cancellation
	// releases exactly what is still held.
	ReservedCash int64
}

func NewOrder(id, instrumentID, traderID string, side OrderSide, kind OrderKind, price, quantity, createdAt, expiresAt int64) *Order {
	return &Order{
		ID:           id,
		InstrumentID: instrumentID,
		TraderID:     traderID,
		Side:         side,
		Kind:         kind,
		Price:        price,
		Quantity:     quantity,
		Status:       StatusOpen,
		CreatedAt:    createdAt,
		ExpiresAt:    expiresAt,
	}
}

func (o *Order) RemainingQuantity() int64 {
	return o.Quantity - o.FilledQuantity
}

func (o *Order) IsFilled() bool {
	return o.FilledQuantity >= o.Quantity
}

// IsExpired reports whether the order's deadline has passed as of nowMs.
func (o *Order) IsExpired(nowMs int64) bool {
	return o.ExpiresAt > 0 && o.ExpiresAt <= nowMs
}

// Fill records an execution of quantity tokens and advances the status per the
// order lifecycle: the first partial fill moves OPEN -> PARTIALLY_FILLED, a
// fill to zero remaining moves to FILLED.
func (o *Order) Fill(quantity int64) {
	o.FilledQuantity += quantity
	if o.FilledQuantity >= o.Quantity {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartialFill
	}
}

type TradeStatus string

const (
	TradePending   TradeStatus = "PENDING"   // ledger-confirmed, settlement in flight
	TradeConfirmed TradeStatus = "CONFIRMED" // chain-confirmed by the settlement collaborator
	TradeReversed  TradeStatus = "REVERSED"  // permanent settlement failure, ledger compensated
)

// Trade is immutable once created except for its settlement status; reversal is
// the only path that undoes its ledger effects.
type Trade struct {
	ID           string
	Seq          uint64
	InstrumentID string
	MakerOrderID string
	TakerOrderID string
	BuyerID      string
	SellerID     string
	Price        int64
	Quantity     int64
	ExecutedAt   int64 // unix ms
	Status       TradeStatus
}

// tradeIDNamespace seeds deterministic trade ids: the same instrument and
// sequence number always yield the same id, so replay after a crash reproduces
// the ids the settlement collaborator already saw.
var tradeIDNamespace = uuid.MustParse("9f2c1a4e-6b3d-4f08-9a75-2e4d8c1b5a60")

func TradeID(instrumentID string, seq uint64) string {
	return uuid.NewSHA1(tradeIDNamespace, []byte(instrumentID+"/"+strconv.FormatUint(seq, 10))).String()
}

func NowMs() int64 {
	return time.Now().UnixMilli()
}
