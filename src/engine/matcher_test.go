package engine

import (
	"errors"
	"testing"

	"propex/src/ledger"
)

type matchEnv struct {
	t       *testing.T
	ledger  *ledger.Ledger
	matcher *Matcher
	ins     Instrument
	book    *OrderBook
	seq     uint64
	now     int64
}

func newMatchEnv(t *testing.T) *matchEnv {
	t.Helper()
	l := ledger.New()
	return &matchEnv{
		t:       t,
		ledger:  l,
		matcher: NewMatcher(l),
		ins:     Instrument{ID: "PROP-1", TotalSupply: 1_000_000, TickSize: 1, LotSize: 1},
		book:    NewOrderBook("PROP-1"),
		now:     1_700_000_000_000,
	}
}

func (e *matchEnv) fund(traderID string, cash, tokens int64) {
	e.t.Helper()
	if cash > 0 {
		if err := e.ledger.Deposit(traderID, cash); err != nil {
			e.t.Fatalf("deposit for %s: %v", traderID, err)
		}
	}
	if tokens > 0 {
		if err := e.ledger.Grant(traderID, e.ins.ID, tokens); err != nil {
			e.t.Fatalf("grant for %s: %v", traderID, err)
		}
	}
}

func (e *matchEnv) nextSeq() uint64 {
	e.seq++
	return e.seq
}

func (e *matchEnv) submit(id, traderID string, side OrderSide, kind OrderKind, price, quantity int64) (*MatchResult, error) {
	e.t.Helper()
	o := NewOrder(id, e.ins.ID, traderID, side, kind, price, quantity, e.now, 0)
	return e.matcher.Process(e.ins, e.book, o, e.nextSeq, e.now)
}

func (e *matchEnv) mustSubmit(id, traderID string, side OrderSide, kind OrderKind, price, quantity int64) *MatchResult {
	e.t.Helper()
	res, err := e.submit(id, traderID, side, kind, price, quantity)
	if err != nil {
		e.t.Fatalf("submit %s: %v", id, err)
	}
	return res
}

func TestLimitOrdersCrossAtMakerPrice(t *testing.T) {
	e := newMatchEnv(t)
	e.fund("seller", 0, 100)
	e.fund("buyer", 100_000, 0)

	e.mustSubmit("s1", "seller", SideSell, KindLimit, 500, 10)
	// buyer willing to pay 520; trade must print at the resting 500
	res := e.mustSubmit("b1", "buyer", SideBuy, KindLimit, 520, 10)

	if len(res.Trades) != 1 {
		t.Fatalf("got %d trades, want 1", len(res.Trades))
	}
	trade := res.Trades[0]
	if trade.Price != 500 {
		t.Errorf("trade price = %d, want maker price 500", trade.Price)
	}
	if trade.BuyerID != "buyer" || trade.SellerID != "seller" {
		t.Errorf("trade parties = (%s, %s)", trade.BuyerID, trade.SellerID)
	}
	if res.Taker.Status != StatusFilled {
		t.Errorf("taker status = %s, want FILLED", res.Taker.Status)
	}

	// price improvement must be fully released: buyer paid 5000, reserves zero
	cash, reserved := e.ledger.Balance("buyer")
	if cash != 95_000 || reserved != 0 {
		t.Errorf("buyer balance = (%d, %d), want (95000, 0)", cash, reserved)
	}
	sellerCash, _ := e.ledger.Balance("seller")
	if sellerCash != 5000 {
		t.Errorf("seller cash = %d, want 5000", sellerCash)
	}
}

func TestPriceTimePriority(t *testing.T) {
	e := newMatchEnv(t)
	e.fund("s1", 0, 100)
	e.fund("s2", 0, 100)
	e.fund("s3", 0, 100)
	e.fund("buyer", 100_000, 0)

	e.mustSubmit("ask-510", "s1", SideSell, KindLimit, 510, 10)
	e.mustSubmit("ask-500-first", "s2", SideSell, KindLimit, 500, 10)
	e.mustSubmit("ask-500-second", "s3", SideSell, KindLimit, 500, 10)

	res := e.mustSubmit("b1", "buyer", SideBuy, KindLimit, 510, 15)

	if len(res.Trades) != 2 {
		t.Fatalf("got %d trades, want 2", len(res.Trades))
	}
	// best price first, then FIFO within the 500 level
	if res.Trades[0].MakerOrderID != "ask-500-first" || res.Trades[0].Quantity != 10 {
		t.Errorf("first trade = maker %s qty %d, want ask-500-first qty 10",
			res.Trades[0].MakerOrderID, res.Trades[0].Quantity)
	}
	if res.Trades[1].MakerOrderID != "ask-500-second" || res.Trades[1].Quantity != 5 {
		t.Errorf("second trade = maker %s qty %d, want ask-500-second qty 5",
			res.Trades[1].MakerOrderID, res.Trades[1].Quantity)
	}
	// 510 ask untouched
	if o, ok := e.book.Resting("ask-510"); !ok || o.FilledQuantity != 0 {
		t.Error("ask-510 must remain resting and unfilled")
	}
}

func TestPartialFillsAccumulate(t *testing.T) {
	e := newMatchEnv(t)
	e.fund("seller", 0, 100)
	e.fund("b1", 100_000, 0)
	e.fund("b2", 100_000, 0)

	e.mustSubmit("s1", "seller", SideSell, KindLimit, 500, 10)

	e.mustSubmit("buy-4", "b1", SideBuy, KindLimit, 500, 4)
	resting, ok := e.book.Resting("s1")
	if !ok {
		t.Fatal("s1 should still rest after partial fill")
	}
	if resting.Status != StatusPartialFill || resting.FilledQuantity != 4 {
		t.Errorf("after first fill: status=%s filled=%d, want PARTIALLY_FILLED 4", resting.Status, resting.FilledQuantity)
	}

	e.mustSubmit("buy-6", "b2", SideBuy, KindLimit, 500, 6)
	if resting.Status != StatusFilled || resting.FilledQuantity != 10 {
		t.Errorf("after second fill: status=%s filled=%d, want FILLED 10", resting.Status, resting.FilledQuantity)
	}
	if _, ok := e.book.Resting("s1"); ok {
		t.Error("filled order must leave the book")
	}
}

func TestNoSelfTrade(t *testing.T) {
	e := newMatchEnv(t)
	e.fund("alice", 100_000, 100)
	e.fund("bob", 0, 100)

	e.mustSubmit("alice-ask", "alice", SideSell, KindLimit, 500, 10)
	e.mustSubmit("bob-ask", "bob", SideSell, KindLimit, 500, 10)

	res := e.mustSubmit("alice-bid", "alice", SideBuy, KindLimit, 500, 10)

	if len(res.Trades) != 1 {
		t.Fatalf("got %d trades, want 1", len(res.Trades))
	}
	if res.Trades[0].MakerOrderID != "bob-ask" {
		t.Errorf("matched own order: maker = %s", res.Trades[0].MakerOrderID)
	}
	// alice's own ask stays resting, behind bob's in time but at the same price
	if _, ok := e.book.Resting("alice-ask"); !ok {
		t.Error("alice-ask must remain resting")
	}
}

func TestMarketBuySweepsAndCancelsRemainder(t *testing.T) {
	e := newMatchEnv(t)
	e.fund("s1", 0, 100)
	e.fund("s2", 0, 100)
	e.fund("buyer", 100_000, 0)

	e.mustSubmit("ask-500", "s1", SideSell, KindLimit, 500, 5)
	e.mustSubmit("ask-510", "s2", SideSell, KindLimit, 510, 5)

	res := e.mustSubmit("mkt", "buyer", SideBuy, KindMarket, 0, 15)

	if len(res.Trades) != 2 {
		t.Fatalf("got %d trades, want 2", len(res.Trades))
	}
	if res.Trades[0].Price != 500 || res.Trades[1].Price != 510 {
		t.Errorf("trade prices = (%d, %d), want (500, 510)", res.Trades[0].Price, res.Trades[1].Price)
	}
	// market orders never rest: the unfillable 5 is cancelled
	if res.Taker.Status != StatusCancelled {
		t.Errorf("taker status = %s, want CANCELLED", res.Taker.Status)
	}
	if res.Taker.FilledQuantity != 10 {
		t.Errorf("filled = %d, want 10", res.Taker.FilledQuantity)
	}
	if e.book.RestingCount() != 0 {
		t.Errorf("resting count = %d, want 0", e.book.RestingCount())
	}

	// reservation was the exact sweep cost and is fully consumed
	cash, reserved := e.ledger.Balance("buyer")
	if cash != 100_000-(5*500+5*510) || reserved != 0 {
		t.Errorf("buyer balance = (%d, %d), want (94950, 0)", cash, reserved)
	}
}

func TestMarketBuyAgainstEmptyBook(t *testing.T) {
	e := newMatchEnv(t)
	e.fund("buyer", 100_000, 0)

	res := e.mustSubmit("mkt", "buyer", SideBuy, KindMarket, 0, 10)
	if len(res.Trades) != 0 {
		t.Fatalf("got %d trades, want 0", len(res.Trades))
	}
	if res.Taker.Status != StatusCancelled {
		t.Errorf("taker status = %s, want CANCELLED", res.Taker.Status)
	}
	cash, reserved := e.ledger.Balance("buyer")
	if cash != 100_000 || reserved != 0 {
		t.Errorf("buyer balance = (%d, %d), want untouched", cash, reserved)
	}
}

func TestFractionalOwnershipScenario(t *testing.T) {
	// A lists 100 tokens at $5.00, B market-buys 40 of them.
	e := newMatchEnv(t)
	e.fund("A", 0, 100)
	e.fund("B", 50_000, 0)

	e.mustSubmit("a-ask", "A", SideSell, KindLimit, 500, 100)
	res := e.mustSubmit("b-mkt", "B", SideBuy, KindMarket, 0, 40)

	if len(res.Trades) != 1 || res.Trades[0].Price != 500 || res.Trades[0].Quantity != 40 {
		t.Fatalf("trades = %+v, want one 40 @ 500", res.Trades)
	}

	aCash, _ := e.ledger.Balance("A")
	aOwned, aReserved := e.ledger.Position("A", e.ins.ID)
	if aCash != 20_000 || aOwned != 60 || aReserved != 60 {
		t.Errorf("A state = cash %d owned %d reserved %d, want 20000/60/60", aCash, aOwned, aReserved)
	}

	bCash, bReserved := e.ledger.Balance("B")
	bOwned, _ := e.ledger.Position("B", e.ins.ID)
	if bCash != 30_000 || bReserved != 0 || bOwned != 40 {
		t.Errorf("B state = cash %d reserved %d owned %d, want 30000/0/40", bCash, bReserved, bOwned)
	}

	ask, ok := e.book.Resting("a-ask")
	if !ok || ask.RemainingQuantity() != 60 {
		t.Errorf("a-ask remaining = %v, want 60 resting", ask)
	}
}

func TestCancelReleasesExactRemainder(t *testing.T) {
	e := newMatchEnv(t)
	e.fund("seller", 0, 100)
	e.fund("buyer", 100_000, 0)

	e.mustSubmit("bid", "buyer", SideBuy, KindLimit, 500, 10)
	e.mustSubmit("ask", "seller", SideSell, KindLimit, 500, 4)

	bid, ok := e.book.Resting("bid")
	if !ok || bid.RemainingQuantity() != 6 {
		t.Fatalf("bid remaining = %v, want 6", bid)
	}

	if err := e.matcher.Cancel(e.book, bid); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if bid.Status != StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", bid.Status)
	}

	// 4 filled at 500 consumed 2000; cancelling releases the remaining 3000
	cash, reserved := e.ledger.Balance("buyer")
	if cash != 98_000 || reserved != 0 {
		t.Errorf("buyer balance = (%d, %d), want (98000, 0)", cash, reserved)
	}
}

func TestRejectionLeavesBookAndLedgerUntouched(t *testing.T) {
	e := newMatchEnv(t)
	e.fund("seller", 0, 100)
	e.fund("poor", 100, 0)

	e.mustSubmit("ask", "seller", SideSell, KindLimit, 500, 10)

	_, err := e.submit("bid", "poor", SideBuy, KindLimit, 500, 10)
	var insufficient *ledger.InsufficientBalanceError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientBalanceError, got %v", err)
	}

	if e.book.RestingCount() != 1 {
		t.Errorf("resting count = %d, want 1", e.book.RestingCount())
	}
	cash, reserved := e.ledger.Balance("poor")
	if cash != 100 || reserved != 0 {
		t.Errorf("poor balance = (%d, %d), want untouched", cash, reserved)
	}
}

func TestValidationRejections(t *testing.T) {
	e := newMatchEnv(t)
	e.ins.TickSize = 5
	e.ins.LotSize = 10
	e.fund("t", 100_000, 100)

	cases := []struct {
		name     string
		side     OrderSide
		kind     OrderKind
		price    int64
		quantity int64
	}{
		{"zero quantity", SideBuy, KindLimit, 500, 0},
		{"off-lot quantity", SideBuy, KindLimit, 500, 15},
		{"zero price limit", SideBuy, KindLimit, 0, 10},
		{"off-tick price", SideBuy, KindLimit, 503, 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.submit("o-"+tc.name, "t", tc.side, tc.kind, tc.price, tc.quantity)
			var validation *ValidationError
			if !errors.As(err, &validation) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestExpiredMakerRetiredLazily(t *testing.T) {
	e := newMatchEnv(t)
	e.fund("s1", 0, 100)
	e.fund("s2", 0, 100)
	e.fund("buyer", 100_000, 0)

	expiring := NewOrder("stale", e.ins.ID, "s1", SideSell, KindLimit, 500, 10, e.now, e.now+1000)
	if _, err := e.matcher.Process(e.ins, e.book, expiring, e.nextSeq, e.now); err != nil {
		t.Fatalf("submit stale: %v", err)
	}
	e.mustSubmit("live", "s2", SideSell, KindLimit, 500, 10)

	// advance past the deadline, then trade through the level
	e.now += 2000
	res := e.mustSubmit("bid", "buyer", SideBuy, KindLimit, 500, 10)

	if len(res.Expired) != 1 || res.Expired[0].ID != "stale" {
		t.Fatalf("expired = %+v, want [stale]", res.Expired)
	}
	if res.Expired[0].Status != StatusExpired {
		t.Errorf("stale status = %s, want EXPIRED", res.Expired[0].Status)
	}
	if len(res.Trades) != 1 || res.Trades[0].MakerOrderID != "live" {
		t.Fatalf("trades = %+v, want one against live", res.Trades)
	}

	// stale seller's token reservation released
	_, reserved := e.ledger.Position("s1", e.ins.ID)
	if reserved != 0 {
		t.Errorf("s1 reserved tokens = %d, want 0", reserved)
	}
}

func TestExpiresAtInPastRejected(t *testing.T) {
	e := newMatchEnv(t)
	e.fund("t", 100_000, 0)

	o := NewOrder("o", e.ins.ID, "t", SideBuy, KindLimit, 500, 10, e.now, e.now-1)
	_, err := e.matcher.Process(e.ins, e.book, o, e.nextSeq, e.now)
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestTradeIDDeterministic(t *testing.T) {
	a := TradeID("PROP-1", 7)
	b := TradeID("PROP-1", 7)
	if a != b {
		t.Errorf("same instrument and seq must yield the same id: %s vs %s", a, b)
	}
	if TradeID("PROP-1", 8) == a {
		t.Error("different seq must yield a different id")
	}
	if TradeID("PROP-2", 7) == a {
		t.Error("different instrument must yield a different id")
	}
}

func TestOverflowingNotionalRejected(t *testing.T) {
	e := newMatchEnv(t)
	e.fund("seller", 0, 100)
	e.fund("buyer", 100, 0)

	e.mustSubmit("s1", "seller", SideSell, KindLimit, 50, 10)

	// price * quantity wraps negative here; a wrapped notional would pass the
	// reservation check and drive reserved cash negative
	_, err := e.submit("b1", "buyer", SideBuy, KindLimit, 1<<61, 4)
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	cash, reserved := e.ledger.Balance("buyer")
	if cash != 100 || reserved != 0 {
		t.Errorf("buyer balance = (%d, %d), want (100, 0)", cash, reserved)
	}

	// the book is untouched: the resting ask still fills a normal buy
	res := e.mustSubmit("b2", "buyer", SideBuy, KindLimit, 50, 2)
	if len(res.Trades) != 1 || res.Trades[0].Price != 50 {
		t.Fatalf("trades after rejection = %+v", res.Trades)
	}
}

func TestMarketBuySweepCostOverflowRejected(t *testing.T) {
	e := newMatchEnv(t)
	e.fund("s1", 0, 10)
	e.fund("s2", 0, 10)
	e.fund("buyer", 1_000_000, 0)

	// each resting notional fits in int64 on its own, but their sum does not
	const p = int64(1) << 62
	e.mustSubmit("a1", "s1", SideSell, KindLimit, p, 1)
	e.mustSubmit("a2", "s2", SideSell, KindLimit, p, 1)

	_, err := e.submit("b1", "buyer", SideBuy, KindMarket, 0, 2)
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	cash, reserved := e.ledger.Balance("buyer")
	if cash != 1_000_000 || reserved != 0 {
		t.Errorf("buyer balance = (%d, %d), want (1000000, 0)", cash, reserved)
	}
	if resting := e.book.RestingOrders(); len(resting) != 2 {
		t.Errorf("resting orders after rejection = %d, want 2", len(resting))
	}
}
