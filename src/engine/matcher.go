package engine

import (
	"math"

	"propex/src/ledger"
)

// Matcher runs the continuous double auction for one incoming order against a
// book: price-time priority, trade price always the maker's price, self-trade
// makers skipped, expired makers lazily retired when touched. The caller (the
// instrument's single worker goroutine) guarantees exactly one Process or
// cancel runs at a time per book, which is what makes the reserve -> match ->
// settle -> book mutation sequence atomic.
type Matcher struct {
	ledger *ledger.Ledger
}

func NewMatcher(l *ledger.Ledger) *Matcher {
	return &Matcher{ledger: l}
}

// MatchResult is the outcome of processing one taker order.
type MatchResult struct {
	Taker   *Order
	Trades  []*Trade
	Expired []*Order // resting orders retired because their deadline passed
}

// Process validates and matches a taker order. On a validation or balance
// error the book and ledger are untouched. A non-nil error of type
// *ledger.InvariantViolationError means state may be inconsistent and the
// instrument must be halted by the caller.
func (m *Matcher) Process(ins Instrument, book *OrderBook, taker *Order, nextSeq func() uint64, nowMs int64) (*MatchResult, error) {
	if err := ins.ValidateOrder(taker.Kind, taker.Price, taker.Quantity); err != nil {
		return nil, err
	}
	if taker.ExpiresAt > 0 && taker.ExpiresAt <= nowMs {
		return nil, &ValidationError{Reason: "expires_at is in the past"}
	}

	// Reserve the full remaining quantity/notional up front, before the book
	// is touched. Market buys reserve the exact cost of sweeping the book for
	// the fillable quantity; the sweep and the match run inside the same
	// serialized command, so the book cannot change in between.
	switch {
	case taker.Side == SideSell:
		if err := m.ledger.ReserveTokens(taker.TraderID, ins.ID, taker.Quantity); err != nil {
			return nil, err
		}
	case taker.Kind == KindLimit:
		notional := taker.Price * taker.Quantity
		if err := m.ledger.ReserveCash(taker.TraderID, notional); err != nil {
			return nil, err
		}
		taker.ReservedCash = notional
	default: // market buy
		_, cost, ok := m.sweepCost(book, taker, nowMs)
		if !ok {
			return nil, &ValidationError{Reason: "order notional exceeds the representable range"}
		}
		if cost > 0 {
			if err := m.ledger.ReserveCash(taker.TraderID, cost); err != nil {
				return nil, err
			}
		}
		taker.ReservedCash = cost
	}

	result := &MatchResult{Taker: taker, Trades: make([]*Trade, 0)}

	for taker.RemainingQuantity() > 0 {
		maker, expired := m.findMaker(book, taker, nowMs)
		for _, o := range expired {
			if err := m.expireResting(book, o, result); err != nil {
				return result, err
			}
		}
		if maker == nil {
			break
		}

		quantity := taker.RemainingQuantity()
		if rem := maker.RemainingQuantity(); rem < quantity {
			quantity = rem
		}
		// Price improvement always favors the resting order.
		price := maker.Price

		var buyOrder, sellOrder *Order
		if taker.Side == SideBuy {
			buyOrder, sellOrder = taker, maker
		} else {
			buyOrder, sellOrder = maker, taker
		}

		seq := nextSeq()
		trade := &Trade{
			ID:           TradeID(ins.ID, seq),
			Seq:          seq,
			InstrumentID: ins.ID,
			MakerOrderID: maker.ID,
			TakerOrderID: taker.ID,
			BuyerID:      buyOrder.TraderID,
			SellerID:     sellOrder.TraderID,
			Price:        price,
			Quantity:     quantity,
			ExecutedAt:   nowMs,
			Status:       TradePending,
		}

		if err := m.ledger.SettleTrade(buyOrder.TraderID, sellOrder.TraderID, ins.ID, price, quantity); err != nil {
			return result, err
		}

		// A buy taker whose limit beats the maker's price reserved more than
		// the trade consumed; give the improvement back immediately so the
		// order's reservation stays equal to limit * remaining. The product is
		// bounded by the taker's validated notional, so it cannot wrap.
		if buyOrder == taker && taker.Kind == KindLimit && taker.Price > price {
			if err := m.ledger.ReleaseCash(taker.TraderID, (taker.Price-price)*quantity); err != nil {
				return result, err
			}
		}
		if buyOrder.Kind == KindLimit {
			buyOrder.ReservedCash -= buyOrder.Price * quantity
		} else {
			buyOrder.ReservedCash -= price * quantity
		}

		taker.Fill(quantity)
		maker.Fill(quantity)
		if maker.IsFilled() {
			book.Remove(maker.ID)
		}

		result.Trades = append(result.Trades, trade)
	}

	if taker.RemainingQuantity() > 0 {
		if taker.Kind == KindMarket {
			// Market orders never rest: cancel the remainder and release
			// whatever reservation still backs it.
			if err := m.ReleaseRemainder(taker); err != nil {
				return result, err
			}
			taker.Status = StatusCancelled
		} else {
			book.InsertResting(taker)
		}
	}

	return result, nil
}

// findMaker locates the resting order the taker should match next: the
// earliest order at the best opposing price that satisfies the taker's limit,
// skipping the taker's own orders. Expired orders encountered on the way are
// returned for retirement; the book is not mutated here because the walk runs
// inside a btree iteration.
func (m *Matcher) findMaker(book *OrderBook, taker *Order, nowMs int64) (maker *Order, expired []*Order) {
	book.ascendOpposing(taker.Side, func(level *PriceLevel) bool {
		if taker.Kind == KindLimit {
			if taker.Side == SideBuy && level.Price > taker.Price {
				return false
			}
			if taker.Side == SideSell && level.Price < taker.Price {
				return false
			}
		}
		for _, o := range level.Orders {
			if o.IsExpired(nowMs) {
				expired = append(expired, o)
				continue
			}
			// edge case: never match a trader against their own resting order
			if o.TraderID == taker.TraderID {
				continue
			}
			maker = o
			return false
		}
		return true
	})
	return maker, expired
}

// sweepCost walks the opposing side and prices out how much of the taker's
// market-buy quantity the book can fill, honoring the same eligibility rules
// the match itself will apply. ok is false when the summed cost would wrap
// int64; each per-order term fits because resting orders passed validation,
// but the sum across levels has no such bound.
func (m *Matcher) sweepCost(book *OrderBook, taker *Order, nowMs int64) (fillable, cost int64, ok bool) {
	need := taker.Quantity
	ok = true
	book.ascendOpposing(taker.Side, func(level *PriceLevel) bool {
		for _, o := range level.Orders {
			if o.IsExpired(nowMs) || o.TraderID == taker.TraderID {
				continue
			}
			q := o.RemainingQuantity()
			if q > need {
				q = need
			}
			add := q * level.Price
			if add > math.MaxInt64-cost {
				ok = false
				return false
			}
			fillable += q
			cost += add
			need -= q
			if need == 0 {
				return false
			}
		}
		return true
	})
	return fillable, cost, ok
}

// ReleaseRemainder releases the reservation backing an order's unfilled
// remainder. Used on cancellation, expiry, and the non-resting remainder of a
// market order. Exactly the remainder is released, never the original amount.
func (m *Matcher) ReleaseRemainder(o *Order) error {
	if o.Side == SideSell {
		remaining := o.RemainingQuantity()
		if remaining == 0 {
			return nil
		}
		return m.ledger.ReleaseTokens(o.TraderID, o.InstrumentID, remaining)
	}
	if o.ReservedCash == 0 {
		return nil
	}
	err := m.ledger.ReleaseCash(o.TraderID, o.ReservedCash)
	if err == nil {
		o.ReservedCash = 0
	}
	return err
}

func (m *Matcher) expireResting(book *OrderBook, o *Order, result *MatchResult) error {
	if err := m.Expire(book, o); err != nil {
		return err
	}
	result.Expired = append(result.Expired, o)
	return nil
}

// Cancel removes an order from the book (if resting) and releases the unfilled
// remainder's reservation. The caller has already checked ownership and
// terminal status.
func (m *Matcher) Cancel(book *OrderBook, o *Order) error {
	if err := m.ReleaseRemainder(o); err != nil {
		return err
	}
	book.Remove(o.ID)
	o.Status = StatusCancelled
	return nil
}

// Expire retires a resting order whose deadline passed, with the same release
// semantics as cancellation.
func (m *Matcher) Expire(book *OrderBook, o *Order) error {
	if err := m.ReleaseRemainder(o); err != nil {
		return err
	}
	book.Remove(o.ID)
	o.Status = StatusExpired
	return nil
}
