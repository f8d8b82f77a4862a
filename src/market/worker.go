package market

import (
	"fmt"
	"sync"

	"propex/src/engine"
	"propex/src/events"
	"propex/src/ledger"
	"propex/src/settlement"
)

// worker owns one instrument's order book, order index, and trade history.
// Everything it touches (except the ledger, which has its own per-trader
// locks) is mutated only on its goroutine, one command at a time.
type worker struct {
	m          *Manager
	instrument engine.Instrument
	book       *engine.OrderBook
	orders     map[string]*engine.Order
	byTrader   map[string][]*engine.Order
	trades     map[string]*engine.Trade
	seq        uint64
	cmds       chan func(*worker)

	haltMu     sync.RWMutex
	halted     bool
	haltReason string
}

func newWorker(m *Manager, ins engine.Instrument) *worker {
	return &worker{
		m:          m,
		instrument: ins,
		book:       engine.NewOrderBook(ins.ID),
		orders:     make(map[string]*engine.Order),
		byTrader:   make(map[string][]*engine.Order),
		trades:     make(map[string]*engine.Trade),
		cmds:       make(chan func(*worker), m.opts.QueueSize),
	}
}

func (w *worker) run() {
	defer w.m.wg.Done()
	for {
		select {
		case <-w.m.stop:
			return
		case cmd := <-w.cmds:
			cmd(w)
		}
	}
}

// tryEnqueue is for periodic/background commands that can be retried on the
// next tick; it never blocks.
func (w *worker) tryEnqueue(fn func(*worker)) {
	select {
	case w.cmds <- fn:
	default:
		w.m.log.Warn().
			Str("instrument_id", w.instrument.ID).
			Msg("Command queue full, background command skipped")
	}
}

func (w *worker) isHalted() bool {
	w.haltMu.RLock()
	defer w.haltMu.RUnlock()
	return w.halted
}

// halt takes the instrument out of service after an invariant violation or a
// durability failure. Only Manager.Resume clears it.
func (w *worker) halt(cause error, orderID, tradeID string) {
	w.haltMu.Lock()
	w.halted = true
	w.haltReason = cause.Error()
	w.haltMu.Unlock()

	w.m.log.Error().
		Err(cause).
		Str("instrument_id", w.instrument.ID).
		Str("order_id", orderID).
		Str("trade_id", tradeID).
		Msg("INVARIANT VIOLATION: instrument halted, operator intervention required")
}

// nextSeq hands monotonically increasing instrument-local sequence numbers to
// the matcher for trade numbering.
func (w *worker) nextSeq() uint64 {
	w.seq++
	return w.seq
}

// append durably writes the event and then publishes it to subscribers. A
// failed append halts the instrument: state that cannot be made durable must
// not be acknowledged.
func (w *worker) append(e events.Event) bool {
	if _, err := w.m.eventLog.Append(e); err != nil {
		w.halt(err, "", "")
		return false
	}
	w.m.bus.Publish(e)
	return true
}

// submit runs the full accept path: match, persist, publish, dispatch. During
// replay the persistence and side effects are suppressed and the recorded
// submission time is used, so the rebuilt state is byte-for-byte the original.
func (w *worker) submit(order *engine.Order, nowMs int64, replay bool) (*SubmitResult, error) {
	if w.isHalted() {
		return nil, &engine.HaltedError{InstrumentID: w.instrument.ID}
	}

	w.seq++
	order.Seq = w.seq

	result, err := w.m.matcher.Process(w.instrument, w.book, order, w.nextSeq, nowMs)
	if err != nil {
		switch err.(type) {
		case *engine.ValidationError, *ledger.InsufficientBalanceError:
			// Rejected before any mutation; give the sequence number back so
			// accepted orders stay densely numbered across restarts.
			w.seq--
			return nil, err
		default:
			w.halt(err, order.ID, "")
			return nil, err
		}
	}

	w.orders[order.ID] = order
	w.byTrader[order.TraderID] = append(w.byTrader[order.TraderID], order)
	w.m.indexOrder(order.ID, w.instrument.ID)
	for _, t := range result.Trades {
		w.trades[t.ID] = t
	}

	if !replay {
		if !w.append(events.Event{
			Type:         events.TypeOrderSubmitted,
			InstrumentID: w.instrument.ID,
			Seq:          order.Seq,
			At:           nowMs,
			Order:        events.RecordOrder(order),
		}) {
			return nil, &engine.HaltedError{InstrumentID: w.instrument.ID}
		}
		for _, t := range result.Trades {
			if !w.append(events.Event{
				Type:         events.TypeTradeExecuted,
				InstrumentID: w.instrument.ID,
				Seq:          t.Seq,
				At:           nowMs,
				Trade:        events.RecordTrade(t),
			}) {
				return nil, &engine.HaltedError{InstrumentID: w.instrument.ID}
			}
		}
		for _, o := range result.Expired {
			if !w.append(events.Event{
				Type:         events.TypeOrderExpired,
				InstrumentID: w.instrument.ID,
				Seq:          o.Seq,
				At:           nowMs,
				Order:        events.RecordOrder(o),
			}) {
				return nil, &engine.HaltedError{InstrumentID: w.instrument.ID}
			}
		}
		for _, t := range result.Trades {
			w.m.dispatchTrade(t)
		}

		w.m.log.Info().
			Str("order_id", order.ID).
			Str("instrument_id", w.instrument.ID).
			Str("trader_id", order.TraderID).
			Str("side", string(order.Side)).
			Str("kind", string(order.Kind)).
			Int64("price", order.Price).
			Int64("quantity", order.Quantity).
			Int64("filled_quantity", order.FilledQuantity).
			Str("status", string(order.Status)).
			Int("trades", len(result.Trades)).
			Msg("Order processed")
	}

	out := &SubmitResult{Order: *order, Trades: make([]engine.Trade, 0, len(result.Trades))}
	for _, t := range result.Trades {
		out.Trades = append(out.Trades, *t)
	}
	return out, nil
}

func (w *worker) cancel(orderID, requester string, nowMs int64) (engine.Order, error) {
	if w.isHalted() {
		return engine.Order{}, &engine.HaltedError{InstrumentID: w.instrument.ID}
	}

	o, ok := w.orders[orderID]
	if !ok {
		return engine.Order{}, &engine.NotFoundError{OrderID: orderID}
	}
	if o.TraderID != requester {
		return engine.Order{}, &engine.ForbiddenError{OrderID: orderID, Requester: requester}
	}
	if o.Status.IsTerminal() {
		return *o, &engine.AlreadyTerminalError{OrderID: orderID, Status: o.Status}
	}

	// edge case: a past-deadline order is implicitly expired the moment it is
	// touched; the cancel then finds it terminal
	if o.IsExpired(nowMs) {
		if err := w.m.matcher.Expire(w.book, o); err != nil {
			w.halt(err, orderID, "")
			return engine.Order{}, err
		}
		if !w.append(events.Event{
			Type:         events.TypeOrderExpired,
			InstrumentID: w.instrument.ID,
			Seq:          o.Seq,
			At:           nowMs,
			Order:        events.RecordOrder(o),
		}) {
			return engine.Order{}, &engine.HaltedError{InstrumentID: w.instrument.ID}
		}
		return *o, &engine.AlreadyTerminalError{OrderID: orderID, Status: o.Status}
	}

	if err := w.m.matcher.Cancel(w.book, o); err != nil {
		w.halt(err, orderID, "")
		return engine.Order{}, err
	}
	if !w.append(events.Event{
		Type:         events.TypeOrderCancelled,
		InstrumentID: w.instrument.ID,
		Seq:          o.Seq,
		At:           nowMs,
		Order:        events.RecordOrder(o),
	}) {
		return engine.Order{}, &engine.HaltedError{InstrumentID: w.instrument.ID}
	}

	w.m.log.Info().
		Str("order_id", orderID).
		Str("instrument_id", w.instrument.ID).
		Int64("released_remainder", o.Quantity-o.FilledQuantity).
		Msg("Order cancelled")
	return *o, nil
}

// sweepExpired retires every resting order whose deadline has passed.
func (w *worker) sweepExpired(nowMs int64) {
	if w.isHalted() {
		return
	}
	for _, o := range w.book.RestingOrders() {
		if !o.IsExpired(nowMs) {
			continue
		}
		if err := w.m.matcher.Expire(w.book, o); err != nil {
			w.halt(err, o.ID, "")
			return
		}
		if !w.append(events.Event{
			Type:         events.TypeOrderExpired,
			InstrumentID: w.instrument.ID,
			Seq:          o.Seq,
			At:           nowMs,
			Order:        events.RecordOrder(o),
		}) {
			return
		}
		w.m.log.Info().
			Str("order_id", o.ID).
			Str("instrument_id", w.instrument.ID).
			Msg("Order expired")
	}
}

func (w *worker) applySettlementResult(r settlement.Result) {
	if w.isHalted() {
		// The trade stays PENDING in the log; it will be re-dispatched after
		// the operator resumes and the service restarts.
		return
	}
	t, ok := w.trades[r.TradeID]
	if !ok || t.Status != engine.TradePending {
		return
	}
	nowMs := engine.NowMs()

	if r.Confirmed {
		t.Status = engine.TradeConfirmed
		w.append(events.Event{
			Type:         events.TypeTradeConfirmed,
			InstrumentID: w.instrument.ID,
			Seq:          t.Seq,
			At:           nowMs,
			Trade:        events.RecordTrade(t),
		})
		return
	}

	if err := w.m.ledger.ReverseTrade(t.BuyerID, t.SellerID, t.InstrumentID, t.Price, t.Quantity); err != nil {
		w.halt(err, "", t.ID)
		return
	}
	t.Status = engine.TradeReversed
	w.append(events.Event{
		Type:         events.TypeTradeReversed,
		InstrumentID: w.instrument.ID,
		Seq:          t.Seq,
		At:           nowMs,
		Trade:        events.RecordTrade(t),
	})
	w.m.log.Warn().
		Str("trade_id", t.ID).
		Str("instrument_id", w.instrument.ID).
		Str("reason", r.Reason).
		Msg("Trade reversed after permanent settlement failure")
}

// replay applies one recorded event during recovery. Submissions re-run the
// matcher with the recorded timestamp, which regenerates the same trades and
// sequence numbers; the other event types fix up state the re-run cannot see.
func (w *worker) replay(e events.Event) {
	switch e.Type {
	case events.TypeOrderSubmitted:
		order := e.Order.ToOrder()
		w.seq = e.Seq - 1
		if _, err := w.submit(order, e.At, true); err != nil {
			w.halt(fmt.Errorf("replay of order %s failed: %w", order.ID, err), order.ID, "")
		}
	case events.TypeTradeExecuted:
		if _, ok := w.trades[e.Trade.ID]; !ok {
			w.halt(fmt.Errorf("replayed trade %s was not regenerated by the match re-run", e.Trade.ID), "", e.Trade.ID)
		}
	case events.TypeOrderCancelled:
		o, ok := w.orders[e.Order.ID]
		if !ok || o.Status.IsTerminal() {
			return
		}
		if err := w.m.matcher.Cancel(w.book, o); err != nil {
			w.halt(err, o.ID, "")
		}
	case events.TypeOrderExpired:
		o, ok := w.orders[e.Order.ID]
		if !ok || o.Status.IsTerminal() {
			return
		}
		if err := w.m.matcher.Expire(w.book, o); err != nil {
			w.halt(err, o.ID, "")
		}
	case events.TypeTradeConfirmed:
		if t, ok := w.trades[e.Trade.ID]; ok {
			t.Status = engine.TradeConfirmed
		}
	case events.TypeTradeReversed:
		t, ok := w.trades[e.Trade.ID]
		if !ok || t.Status == engine.TradeReversed {
			return
		}
		if err := w.m.ledger.ReverseTrade(t.BuyerID, t.SellerID, t.InstrumentID, t.Price, t.Quantity); err != nil {
			w.halt(err, "", t.ID)
			return
		}
		t.Status = engine.TradeReversed
	}
}

func (w *worker) snapshot(depth int) BookView {
	bids, asks := w.book.Depth(depth)
	view := BookView{
		InstrumentID: w.instrument.ID,
		Bids:         bids,
		Asks:         asks,
	}
	view.BestBid, _, view.HasBestBid = w.book.BestBid()
	view.BestAsk, _, view.HasBestAsk = w.book.BestAsk()
	view.Spread, view.HasSpread = w.book.Spread()
	view.MidPrice, view.HasMidPrice = w.book.MidPrice()
	return view
}
