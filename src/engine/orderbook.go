package engine

import (
	"github.com/google/btree"
)

// Price levels are kept in two btrees, bids sorted descending and asks
// ascending, so the best level on either side is always the tree minimum.
// Orders within a level are a FIFO slice (time priority at equal price).
type PriceLevel struct {
	Price  int64
	Orders []*Order
}

func (pl *PriceLevel) totalAmount() int64 {
	var total int64
	for _, o := range pl.Orders {
		total += o.RemainingQuantity()
	}
	return total
}

type bidLevelItem struct {
	level *PriceLevel
}

func (b *bidLevelItem) Less(than btree.Item) bool {
	return b.level.Price > than.(*bidLevelItem).level.Price
}

type askLevelItem struct {
	level *PriceLevel
}

func (a *askLevelItem) Less(than btree.Item) bool {
	return a.level.Price < than.(*askLevelItem).level.Price
}

// OrderBook holds the resting orders of one instrument. It is owned exclusively
// by that instrument's worker goroutine (see the market package) and is never
// touched by two goroutines, so it carries no locking of its own.
type OrderBook struct {
	InstrumentID string
	bids         *btree.BTree
	asks         *btree.BTree
	resting      map[string]*Order
}

func NewOrderBook(instrumentID string) *OrderBook {
	return &OrderBook{
		InstrumentID: instrumentID,
		bids:         btree.New(32),
		asks:         btree.New(32),
		resting:      make(map[string]*Order),
	}
}

func (ob *OrderBook) lookup(side OrderSide, price int64) *PriceLevel {
	if side == SideBuy {
		if item := ob.bids.Get(&bidLevelItem{level: &PriceLevel{Price: price}}); item != nil {
			return item.(*bidLevelItem).level
		}
		return nil
	}
	if item := ob.asks.Get(&askLevelItem{level: &PriceLevel{Price: price}}); item != nil {
		return item.(*askLevelItem).level
	}
	return nil
}

func (ob *OrderBook) deleteLevel(side OrderSide, price int64) {
	if side == SideBuy {
		ob.bids.Delete(&bidLevelItem{level: &PriceLevel{Price: price}})
	} else {
		ob.asks.Delete(&askLevelItem{level: &PriceLevel{Price: price}})
	}
}

// InsertResting places an order's remaining quantity at its price level,
// appending so arrival order within the level is preserved.
func (ob *OrderBook) InsertResting(order *Order) {
	ob.resting[order.ID] = order

	level := ob.lookup(order.Side, order.Price)
	if level == nil {
		level = &PriceLevel{Price: order.Price}
		if order.Side == SideBuy {
			ob.bids.ReplaceOrInsert(&bidLevelItem{level: level})
		} else {
			ob.asks.ReplaceOrInsert(&askLevelItem{level: level})
		}
	}
	level.Orders = append(level.Orders, order)
}

// Remove takes a resting order out of the book. Levels left with no orders are
// deleted, never kept as zero entries.
func (ob *OrderBook) Remove(orderID string) bool {
	order, exists := ob.resting[orderID]
	if !exists {
		return false
	}
	delete(ob.resting, orderID)

	level := ob.lookup(order.Side, order.Price)
	if level == nil {
		return false
	}
	for i, o := range level.Orders {
		if o.ID == orderID {
			level.Orders = append(level.Orders[:i], level.Orders[i+1:]...)
			break
		}
	}
	if len(level.Orders) == 0 {
		ob.deleteLevel(order.Side, order.Price)
	}
	return true
}

// Resting returns the resting order with the given id, if any.
func (ob *OrderBook) Resting(orderID string) (*Order, bool) {
	o, ok := ob.resting[orderID]
	return o, ok
}

func (ob *OrderBook) RestingCount() int {
	return len(ob.resting)
}

// RestingOrders returns the current resting orders in no particular order,
// for sweeps that must not mutate the book while walking it.
func (ob *OrderBook) RestingOrders() []*Order {
	out := make([]*Order, 0, len(ob.resting))
	for _, o := range ob.resting {
		out = append(out, o)
	}
	return out
}

func (ob *OrderBook) BestBid() (price, totalAmount int64, ok bool) {
	item := ob.bids.Min()
	if item == nil {
		return 0, 0, false
	}
	level := item.(*bidLevelItem).level
	return level.Price, level.totalAmount(), true
}

func (ob *OrderBook) BestAsk() (price, totalAmount int64, ok bool) {
	item := ob.asks.Min()
	if item == nil {
		return 0, 0, false
	}
	level := item.(*askLevelItem).level
	return level.Price, level.totalAmount(), true
}

// Spread is best ask minus best bid; undefined (ok=false) if either side is empty.
func (ob *OrderBook) Spread() (int64, bool) {
	bid, _, hasBid := ob.BestBid()
	ask, _, hasAsk := ob.BestAsk()
	if !hasBid || !hasAsk {
		return 0, false
	}
	return ask - bid, true
}

// MidPrice is the average of best bid and best ask.
func (ob *OrderBook) MidPrice() (int64, bool) {
	bid, _, hasBid := ob.BestBid()
	ask, _, hasAsk := ob.BestAsk()
	if !hasBid || !hasAsk {
		return 0, false
	}
	return (bid + ask) / 2, true
}

// DepthLevel is one aggregated price level of a book snapshot.
type DepthLevel struct {
	Price       int64
	TotalAmount int64
	OrderCount  int
}

// Depth returns the top N aggregated levels per side: bids highest-first, asks
// lowest-first.
func (ob *OrderBook) Depth(levels int) (bids, asks []DepthLevel) {
	bids = make([]DepthLevel, 0, levels)
	asks = make([]DepthLevel, 0, levels)

	ob.bids.Ascend(func(item btree.Item) bool {
		if len(bids) >= levels {
			return false
		}
		level := item.(*bidLevelItem).level
		bids = append(bids, DepthLevel{
			Price:       level.Price,
			TotalAmount: level.totalAmount(),
			OrderCount:  len(level.Orders),
		})
		return true
	})

	ob.asks.Ascend(func(item btree.Item) bool {
		if len(asks) >= levels {
			return false
		}
		level := item.(*askLevelItem).level
		asks = append(asks, DepthLevel{
			Price:       level.Price,
			TotalAmount: level.totalAmount(),
			OrderCount:  len(level.Orders),
		})
		return true
	})

	return bids, asks
}

// ascendOpposing walks the price levels a taker of the given side would match
// against, best first, stopping when fn returns false.
func (ob *OrderBook) ascendOpposing(takerSide OrderSide, fn func(*PriceLevel) bool) {
	if takerSide == SideBuy {
		ob.asks.Ascend(func(item btree.Item) bool {
			return fn(item.(*askLevelItem).level)
		})
	} else {
		ob.bids.Ascend(func(item btree.Item) bool {
			return fn(item.(*bidLevelItem).level)
		})
	}
}
