package market

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"propex/src/engine"
	"propex/src/events"
	"propex/src/ledger"
	"propex/src/settlement"
	"propex/src/store"
)

type Options struct {
	QueueSize     int           // per-instrument command queue depth
	SubmitTimeout time.Duration // how long callers wait for a command response
	SweepInterval time.Duration // period of the expiry sweep; 0 disables it
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.SubmitTimeout <= 0 {
		o.SubmitTimeout = 5 * time.Second
	}
	return o
}

// Manager owns the order and trade lifecycle. Every instrument gets one worker
// goroutine consuming an ordered command queue; submits, cancels, queries, and
// settlement results for that instrument all run on it, which is what makes
// the matching engine's multi-step mutation atomic without multi-object locks.
type Manager struct {
	log        zerolog.Logger
	ledger     *ledger.Ledger
	matcher    *engine.Matcher
	eventLog   *store.EventLog
	bus        *events.Bus
	dispatcher *settlement.Dispatcher
	opts       Options

	mu         sync.RWMutex
	workers    map[string]*worker
	orderIndex map[string]string // order id -> instrument id

	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
}

func NewManager(log zerolog.Logger, l *ledger.Ledger, eventLog *store.EventLog, bus *events.Bus, dispatcher *settlement.Dispatcher, opts Options) *Manager {
	return &Manager{
		log:        log,
		ledger:     l,
		matcher:    engine.NewMatcher(l),
		eventLog:   eventLog,
		bus:        bus,
		dispatcher: dispatcher,
		opts:       opts.withDefaults(),
		workers:    make(map[string]*worker),
		orderIndex: make(map[string]string),
		stop:       make(chan struct{}),
	}
}

func (m *Manager) Ledger() *ledger.Ledger {
	return m.ledger
}

// RegisterInstrument creates the instrument's book and worker. Must be called
// before Recover/Start; instruments are immutable once registered.
func (m *Manager) RegisterInstrument(ins engine.Instrument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return &engine.ValidationError{Reason: "instruments cannot be registered after start"}
	}
	if _, exists := m.workers[ins.ID]; exists {
		return &engine.ValidationError{Reason: "instrument already registered: " + ins.ID}
	}
	m.workers[ins.ID] = newWorker(m, ins)
	return nil
}

// Instrument returns a registered instrument's definition.
func (m *Manager) Instrument(id string) (engine.Instrument, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[id]
	if !ok {
		return engine.Instrument{}, false
	}
	return w.instrument, true
}

// Instruments lists all registered instruments.
func (m *Manager) Instruments() []engine.Instrument {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]engine.Instrument, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w.instrument)
	}
	return out
}

func (m *Manager) worker(instrumentID string) (*worker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[instrumentID]
	return w, ok
}

// Recover replays the durable event log to rebuild books, open orders, ledger
// reservations, and trade settlement state. Runs before Start, so commands are
// applied directly without worker goroutines. observe, if non-nil, sees every
// replayed event (used to warm the statistics aggregator).
func (m *Manager) Recover(observe func(events.Event)) error {
	err := m.eventLog.Replay(func(e events.Event) error {
		w, ok := m.worker(e.InstrumentID)
		if !ok {
			m.log.Warn().
				Str("instrument_id", e.InstrumentID).
				Str("event_type", string(e.Type)).
				Msg("Skipping event for unregistered instrument")
			return nil
		}
		w.replay(e)
		if observe != nil {
			observe(e)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Trades still pending after replay were never confirmed or reversed;
	// dispatch is idempotent by trade id, so pushing them again is safe.
	redispatched := 0
	m.mu.RLock()
	for _, w := range m.workers {
		for _, t := range w.trades {
			if t.Status == engine.TradePending {
				m.dispatchTrade(t)
				redispatched++
			}
		}
	}
	m.mu.RUnlock()

	m.log.Info().
		Uint64("events", m.eventLog.Len()).
		Int("pending_trades_redispatched", redispatched).
		Msg("Event log replay complete")
	return nil
}

// Start launches the worker goroutines, the expiry sweeper, and the settlement
// result loop.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	workers := make([]*worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	for _, w := range workers {
		m.wg.Add(1)
		go w.run()
	}

	if m.opts.SweepInterval > 0 {
		m.wg.Add(1)
		go m.sweepLoop()
	}

	m.wg.Add(1)
	go m.settlementLoop()
}

// Close stops the workers and background loops. The event log and bus are
// owned by the caller.
func (m *Manager) Close() {
	close(m.stop)
	m.wg.Wait()
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.mu.RLock()
			workers := make([]*worker, 0, len(m.workers))
			for _, w := range m.workers {
				workers = append(workers, w)
			}
			m.mu.RUnlock()
			for _, w := range workers {
				w.tryEnqueue(func(w *worker) {
					w.sweepExpired(engine.NowMs())
				})
			}
		}
	}
}

func (m *Manager) settlementLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stop:
			return
		case r := <-m.dispatcher.Results():
			w, ok := m.worker(r.InstrumentID)
			if !ok {
				m.log.Error().
					Str("trade_id", r.TradeID).
					Str("instrument_id", r.InstrumentID).
					Msg("Settlement result for unknown instrument")
				continue
			}
			// edge case: the dispatcher emits each result exactly once, so a
			// full command queue must block delivery rather than drop it and
			// strand the trade PENDING until restart
			result := r
			select {
			case w.cmds <- func(w *worker) { w.applySettlementResult(result) }:
			case <-m.stop:
				return
			}
		}
	}
}

func (m *Manager) dispatchTrade(t *engine.Trade) {
	m.dispatcher.Dispatch(settlement.TransferInstruction{
		TradeID:      t.ID,
		InstrumentID: t.InstrumentID,
		BuyerID:      t.BuyerID,
		SellerID:     t.SellerID,
		Price:        t.Price,
		Quantity:     t.Quantity,
	})
}

// exec runs fn on the instrument's worker and waits for completion, bounded by
// ctx. On ctx expiry the command may still execute later; the caller must
// re-query state rather than assume either outcome.
func (m *Manager) exec(ctx context.Context, instrumentID string, fn func(*worker)) error {
	w, ok := m.worker(instrumentID)
	if !ok {
		return &engine.UnknownInstrumentError{InstrumentID: instrumentID}
	}

	done := make(chan struct{})
	cmd := func(w *worker) {
		fn(w)
		close(done)
	}

	select {
	case w.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stop:
		return context.Canceled
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stop:
		return context.Canceled
	}
}

// SubmitRequest is a validated order submission handed to the manager.
type SubmitRequest struct {
	InstrumentID string
	TraderID     string
	Side         engine.OrderSide
	Kind         engine.OrderKind
	Price        int64
	Quantity     int64
	ExpiresAt    int64
}

// SubmitResult is a point-in-time copy of the submission outcome; the live
// order keeps evolving inside the worker.
type SubmitResult struct {
	Order  engine.Order
	Trades []engine.Trade
}

func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if req.TraderID == "" {
		return nil, &engine.ValidationError{Reason: "trader_id is required"}
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.SubmitTimeout)
	defer cancel()

	order := engine.NewOrder(uuid.New().String(), req.InstrumentID, req.TraderID,
		req.Side, req.Kind, req.Price, req.Quantity, engine.NowMs(), req.ExpiresAt)

	var (
		res  *SubmitResult
		serr error
	)
	if err := m.exec(ctx, req.InstrumentID, func(w *worker) {
		res, serr = w.submit(order, engine.NowMs(), false)
	}); err != nil {
		return nil, err
	}
	return res, serr
}

// Cancel cancels the unfilled remainder of an order on behalf of requester.
func (m *Manager) Cancel(ctx context.Context, orderID, requester string) (engine.Order, error) {
	m.mu.RLock()
	instrumentID, ok := m.orderIndex[orderID]
	m.mu.RUnlock()
	if !ok {
		return engine.Order{}, &engine.NotFoundError{OrderID: orderID}
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.SubmitTimeout)
	defer cancel()

	var (
		res  engine.Order
		cerr error
	)
	if err := m.exec(ctx, instrumentID, func(w *worker) {
		res, cerr = w.cancel(orderID, requester, engine.NowMs())
	}); err != nil {
		return engine.Order{}, err
	}
	return res, cerr
}

// Order returns a snapshot of one order's current state.
func (m *Manager) Order(ctx context.Context, orderID string) (engine.Order, error) {
	m.mu.RLock()
	instrumentID, ok := m.orderIndex[orderID]
	m.mu.RUnlock()
	if !ok {
		return engine.Order{}, &engine.NotFoundError{OrderID: orderID}
	}

	var (
		res  engine.Order
		qerr error
	)
	if err := m.exec(ctx, instrumentID, func(w *worker) {
		o, exists := w.orders[orderID]
		if !exists {
			qerr = &engine.NotFoundError{OrderID: orderID}
			return
		}
		res = *o
	}); err != nil {
		return engine.Order{}, err
	}
	return res, qerr
}

// TraderOrders returns snapshots of a trader's orders on one instrument,
// newest first, including terminal ones (fill progress display).
func (m *Manager) TraderOrders(ctx context.Context, instrumentID, traderID string) ([]engine.Order, error) {
	var res []engine.Order
	if err := m.exec(ctx, instrumentID, func(w *worker) {
		orders := w.byTrader[traderID]
		res = make([]engine.Order, 0, len(orders))
		for i := len(orders) - 1; i >= 0; i-- {
			res = append(res, *orders[i])
		}
	}); err != nil {
		return nil, err
	}
	return res, nil
}

// BookView is an aggregated depth snapshot plus derived prices.
type BookView struct {
	InstrumentID string
	Bids         []engine.DepthLevel
	Asks         []engine.DepthLevel
	BestBid      int64
	HasBestBid   bool
	BestAsk      int64
	HasBestAsk   bool
	Spread       int64
	HasSpread    bool
	MidPrice     int64
	HasMidPrice  bool
}

// BookSnapshot returns the top-N levels per side with best/spread/mid.
func (m *Manager) BookSnapshot(ctx context.Context, instrumentID string, depth int) (BookView, error) {
	var view BookView
	if err := m.exec(ctx, instrumentID, func(w *worker) {
		view = w.snapshot(depth)
	}); err != nil {
		return BookView{}, err
	}
	return view, nil
}

// Quote returns just the book-derived prices, used by the statistics endpoint.
func (m *Manager) Quote(ctx context.Context, instrumentID string) (BookView, error) {
	return m.BookSnapshot(ctx, instrumentID, 1)
}

// Halted reports whether an instrument is out of service after an invariant
// violation.
func (m *Manager) Halted(instrumentID string) (bool, string) {
	w, ok := m.worker(instrumentID)
	if !ok {
		return false, ""
	}
	w.haltMu.RLock()
	defer w.haltMu.RUnlock()
	return w.halted, w.haltReason
}

// HaltedInstruments lists instruments currently out of service.
func (m *Manager) HaltedInstruments() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, w := range m.workers {
		w.haltMu.RLock()
		if w.halted {
			out = append(out, id)
		}
		w.haltMu.RUnlock()
	}
	return out
}

// Resume clears an instrument's halt after an operator has verified ledger
// integrity.
func (m *Manager) Resume(ctx context.Context, instrumentID string) error {
	return m.exec(ctx, instrumentID, func(w *worker) {
		w.haltMu.Lock()
		w.halted = false
		w.haltReason = ""
		w.haltMu.Unlock()
		m.log.Warn().
			Str("instrument_id", instrumentID).
			Msg("Instrument resumed by operator")
	})
}

func (m *Manager) indexOrder(orderID, instrumentID string) {
	m.mu.Lock()
	m.orderIndex[orderID] = instrumentID
	m.mu.Unlock()
}
