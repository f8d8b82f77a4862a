package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TransferInstruction asks the on-chain collaborator to move quantity tokens
// from seller to buyer and price*quantity cash the other way. Keyed by trade
// id: the collaborator must treat repeated dispatches of the same trade id as
// one transfer.
type TransferInstruction struct {
	TradeID      string
	InstrumentID string
	BuyerID      string
	SellerID     string
	Price        int64
	Quantity     int64
}

// PermanentError is the collaborator's explicit signal that the transfer will
// never succeed and the trade must be compensated. Any other error is treated
// as transient and retried.
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string {
	return "permanent settlement failure: " + e.Reason
}

// ChainClient is the external collaborator executing irreversible on-chain
// transfers. Implementations must be idempotent per trade id: the dispatcher
// retries after timeouts without knowing whether the previous attempt landed.
type ChainClient interface {
	Transfer(ctx context.Context, ins TransferInstruction) error
}

// Result reports the final fate of one dispatched trade.
type Result struct {
	TradeID      string
	InstrumentID string
	Confirmed    bool
	Reason       string // set when Confirmed is false
}

// Dispatcher pushes confirmed trades to the chain client asynchronously. The
// matching path never blocks on it: Dispatch enqueues and returns. Transient
// failures are retried with capped exponential backoff; an explicit
// PermanentError produces a failed Result, which the lifecycle manager turns
// into a compensating ledger reversal.
type Dispatcher struct {
	client         ChainClient
	log            zerolog.Logger
	queue          chan TransferInstruction
	results        chan Result
	attemptTimeout time.Duration
	initialBackoff time.Duration
	maxBackoff     time.Duration

	mu         sync.Mutex
	dispatched map[string]bool

	stop chan struct{}
	wg   sync.WaitGroup
}

type Options struct {
	QueueSize      int
	AttemptTimeout time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func NewDispatcher(client ChainClient, log zerolog.Logger, opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 10 * time.Second
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	return &Dispatcher{
		client:         client,
		log:            log,
		queue:          make(chan TransferInstruction, opts.QueueSize),
		results:        make(chan Result, opts.QueueSize),
		attemptTimeout: opts.AttemptTimeout,
		initialBackoff: opts.InitialBackoff,
		maxBackoff:     opts.MaxBackoff,
		dispatched:     make(map[string]bool),
		stop:           make(chan struct{}),
	}
}

func (d *Dispatcher) Start(workers int) {
	if workers <= 0 {
		workers = 2
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
}

// Dispatch enqueues a trade for on-chain settlement. Dispatching the same
// trade id twice is a no-op, so replay after restart is safe.
func (d *Dispatcher) Dispatch(ins TransferInstruction) {
	d.mu.Lock()
	if d.dispatched[ins.TradeID] {
		d.mu.Unlock()
		return
	}
	d.dispatched[ins.TradeID] = true
	d.mu.Unlock()

	select {
	case d.queue <- ins:
	default:
		// edge case: queue full; hand off without blocking the caller
		go func() {
			select {
			case d.queue <- ins:
			case <-d.stop:
			}
		}()
	}
}

// Results delivers one Result per dispatched trade, confirmed or permanently
// failed. The lifecycle manager consumes this channel.
func (d *Dispatcher) Results() <-chan Result {
	return d.results
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stop:
			return
		case ins := <-d.queue:
			d.settle(ins)
		}
	}
}

func (d *Dispatcher) settle(ins TransferInstruction) {
	backoff := d.initialBackoff
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), d.attemptTimeout)
		err := d.client.Transfer(ctx, ins)
		cancel()

		if err == nil {
			d.log.Info().
				Str("trade_id", ins.TradeID).
				Str("instrument_id", ins.InstrumentID).
				Int("attempts", attempt).
				Msg("Trade chain-confirmed")
			d.deliver(Result{TradeID: ins.TradeID, InstrumentID: ins.InstrumentID, Confirmed: true})
			return
		}

		if perm, ok := err.(*PermanentError); ok {
			d.log.Error().
				Str("trade_id", ins.TradeID).
				Str("instrument_id", ins.InstrumentID).
				Str("reason", perm.Reason).
				Msg("Permanent settlement failure, trade will be reversed")
			d.deliver(Result{
				TradeID:      ins.TradeID,
				InstrumentID: ins.InstrumentID,
				Confirmed:    false,
				Reason:       perm.Reason,
			})
			return
		}

		d.log.Warn().
			Err(err).
			Str("trade_id", ins.TradeID).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("Transient settlement failure, retrying")

		select {
		case <-d.stop:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
	}
}

func (d *Dispatcher) deliver(r Result) {
	select {
	case d.results <- r:
	case <-d.stop:
	}
}

func (d *Dispatcher) Close() {
	close(d.stop)
	d.wg.Wait()
}

// LoggingClient is the development stand-in for the on-chain collaborator: it
// accepts every transfer and logs it.
type LoggingClient struct {
	Log zerolog.Logger
}

func (c *LoggingClient) Transfer(_ context.Context, ins TransferInstruction) error {
	c.Log.Debug().
		Str("trade_id", ins.TradeID).
		Str("buyer", ins.BuyerID).
		Str("seller", ins.SellerID).
		Int64("price", ins.Price).
		Int64("quantity", ins.Quantity).
		Msg("Simulated on-chain transfer")
	return nil
}
