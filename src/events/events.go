package events

import (
	"propex/src/engine"
)

type Type string

const (
	TypeOrderSubmitted Type = "ORDER_SUBMITTED"
	TypeOrderCancelled Type = "ORDER_CANCELLED"
	TypeOrderExpired   Type = "ORDER_EXPIRED"
	TypeTradeExecuted  Type = "TRADE_EXECUTED"
	TypeTradeConfirmed Type = "TRADE_CONFIRMED"
	TypeTradeReversed  Type = "TRADE_REVERSED"
)

// OrderRecord is the durable snapshot of an order carried by an event. It is a
// value copy: the live order keeps changing inside the instrument worker, the
// record does not.
type OrderRecord struct {
	ID             string `json:"id"`
	InstrumentID   string `json:"instrument_id"`
	TraderID       string `json:"trader_id"`
	Side           string `json:"side"`
	Kind           string `json:"kind"`
	Price          int64  `json:"price,omitempty"`
	Quantity       int64  `json:"quantity"`
	FilledQuantity int64  `json:"filled_quantity"`
	Status         string `json:"status"`
	CreatedAt      int64  `json:"created_at"`
	ExpiresAt      int64  `json:"expires_at,omitempty"`
	Seq            uint64 `json:"seq"`
}

func RecordOrder(o *engine.Order) *OrderRecord {
	return &OrderRecord{
		ID:             o.ID,
		InstrumentID:   o.InstrumentID,
		TraderID:       o.TraderID,
		Side:           string(o.Side),
		Kind:           string(o.Kind),
		Price:          o.Price,
		Quantity:       o.Quantity,
		FilledQuantity: o.FilledQuantity,
		Status:         string(o.Status),
		CreatedAt:      o.CreatedAt,
		ExpiresAt:      o.ExpiresAt,
		Seq:            o.Seq,
	}
}

// ToOrder rebuilds a live order from a submitted-order record for replay. Fill
// progress is not restored: replay re-runs the match, which reproduces it.
func (r *OrderRecord) ToOrder() *engine.Order {
	o := engine.NewOrder(r.ID, r.InstrumentID, r.TraderID,
		engine.OrderSide(r.Side), engine.OrderKind(r.Kind),
		r.Price, r.Quantity, r.CreatedAt, r.ExpiresAt)
	o.Seq = r.Seq
	return o
}

type TradeRecord struct {
	ID           string `json:"id"`
	Seq          uint64 `json:"seq"`
	InstrumentID string `json:"instrument_id"`
	MakerOrderID string `json:"maker_order_id"`
	TakerOrderID string `json:"taker_order_id"`
	BuyerID      string `json:"buyer_id"`
	SellerID     string `json:"seller_id"`
	Price        int64  `json:"price"`
	Quantity     int64  `json:"quantity"`
	ExecutedAt   int64  `json:"executed_at"`
}

func RecordTrade(t *engine.Trade) *TradeRecord {
	return &TradeRecord{
		ID:           t.ID,
		Seq:          t.Seq,
		InstrumentID: t.InstrumentID,
		MakerOrderID: t.MakerOrderID,
		TakerOrderID: t.TakerOrderID,
		BuyerID:      t.BuyerID,
		SellerID:     t.SellerID,
		Price:        t.Price,
		Quantity:     t.Quantity,
		ExecutedAt:   t.ExecutedAt,
	}
}

// Event is one entry of the durable order/trade stream. Seq is the
// instrument-local sequence of the order or trade the event concerns; the
// store assigns the global append index.
type Event struct {
	Type         Type         `json:"type"`
	InstrumentID string       `json:"instrument_id"`
	Seq          uint64       `json:"seq"`
	At           int64        `json:"at"` // unix ms
	Order        *OrderRecord `json:"order,omitempty"`
	Trade        *TradeRecord `json:"trade,omitempty"`
}
