package engine

import (
	"fmt"
	"testing"
)

func restingOrder(id string, side OrderSide, price, quantity int64) *Order {
	return NewOrder(id, "PROP-1", "trader-"+id, side, KindLimit, price, quantity, NowMs(), 0)
}

func TestBestBidAndAsk(t *testing.T) {
	book := NewOrderBook("PROP-1")

	book.InsertResting(restingOrder("b1", SideBuy, 500, 10))
	book.InsertResting(restingOrder("b2", SideBuy, 520, 5))
	book.InsertResting(restingOrder("a1", SideSell, 540, 8))
	book.InsertResting(restingOrder("a2", SideSell, 530, 3))

	bid, amount, ok := book.BestBid()
	if !ok || bid != 520 || amount != 5 {
		t.Errorf("best bid = (%d, %d, %v), want (520, 5, true)", bid, amount, ok)
	}
	ask, amount, ok := book.BestAsk()
	if !ok || ask != 530 || amount != 3 {
		t.Errorf("best ask = (%d, %d, %v), want (530, 3, true)", ask, amount, ok)
	}

	spread, ok := book.Spread()
	if !ok || spread != 10 {
		t.Errorf("spread = (%d, %v), want (10, true)", spread, ok)
	}
	mid, ok := book.MidPrice()
	if !ok || mid != 525 {
		t.Errorf("mid = (%d, %v), want (525, true)", mid, ok)
	}
}

func TestSpreadUndefinedWithEmptySide(t *testing.T) {
	book := NewOrderBook("PROP-1")
	book.InsertResting(restingOrder("b1", SideBuy, 500, 10))

	if _, ok := book.Spread(); ok {
		t.Error("spread should be undefined with an empty ask side")
	}
	if _, ok := book.MidPrice(); ok {
		t.Error("mid price should be undefined with an empty ask side")
	}
}

func TestTimePriorityWithinLevel(t *testing.T) {
	book := NewOrderBook("PROP-1")
	book.InsertResting(restingOrder("first", SideSell, 500, 10))
	book.InsertResting(restingOrder("second", SideSell, 500, 10))

	var ids []string
	book.ascendOpposing(SideBuy, func(level *PriceLevel) bool {
		for _, o := range level.Orders {
			ids = append(ids, o.ID)
		}
		return true
	})
	if len(ids) != 2 || ids[0] != "first" || ids[1] != "second" {
		t.Errorf("level order = %v, want [first second]", ids)
	}
}

func TestRemoveDeletesEmptyLevel(t *testing.T) {
	book := NewOrderBook("PROP-1")
	book.InsertResting(restingOrder("a1", SideSell, 500, 10))

	if !book.Remove("a1") {
		t.Fatal("remove returned false for resting order")
	}
	if _, _, ok := book.BestAsk(); ok {
		t.Error("empty level must be deleted, not kept at zero")
	}
	if book.Remove("a1") {
		t.Error("second remove should report false")
	}
	if book.RestingCount() != 0 {
		t.Errorf("resting count = %d, want 0", book.RestingCount())
	}
}

func TestDepthAggregation(t *testing.T) {
	book := NewOrderBook("PROP-1")
	for i := 0; i < 5; i++ {
		price := int64(500 - i*10)
		book.InsertResting(restingOrder(fmt.Sprintf("b%d", i), SideBuy, price, 10))
		book.InsertResting(restingOrder(fmt.Sprintf("b%d-2", i), SideBuy, price, 5))
		book.InsertResting(restingOrder(fmt.Sprintf("a%d", i), SideSell, int64(510+i*10), 7))
	}

	bids, asks := book.Depth(3)
	if len(bids) != 3 || len(asks) != 3 {
		t.Fatalf("depth = (%d, %d) levels, want (3, 3)", len(bids), len(asks))
	}
	if bids[0].Price != 500 || bids[0].TotalAmount != 15 || bids[0].OrderCount != 2 {
		t.Errorf("top bid level = %+v, want {500 15 2}", bids[0])
	}
	if bids[1].Price != 490 {
		t.Errorf("bids must be highest-first, second level = %d", bids[1].Price)
	}
	if asks[0].Price != 510 || asks[0].TotalAmount != 7 || asks[0].OrderCount != 1 {
		t.Errorf("top ask level = %+v, want {510 7 1}", asks[0])
	}
	if asks[1].Price != 520 {
		t.Errorf("asks must be lowest-first, second level = %d", asks[1].Price)
	}
}

func TestDepthReflectsPartialFills(t *testing.T) {
	book := NewOrderBook("PROP-1")
	o := restingOrder("a1", SideSell, 500, 10)
	book.InsertResting(o)
	o.Fill(4)

	_, asks := book.Depth(1)
	if len(asks) != 1 || asks[0].TotalAmount != 6 {
		t.Errorf("ask depth = %+v, want remaining quantity 6", asks)
	}
}
