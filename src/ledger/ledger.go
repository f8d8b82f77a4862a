package ledger

import (
	"fmt"
	"sync"
)

// InsufficientBalanceError means a reservation could not be taken. No mutation
// has happened when it is returned.
type InsufficientBalanceError struct {
	TraderID  string
	Resource  string // "cash" or "tokens"
	Requested int64
	Available int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s for trader %s: requested %d, available %d",
		e.Resource, e.TraderID, e.Requested, e.Available)
}

// InvariantViolationError means the ledger detected a state that the matching
// path's atomicity guarantees should have made impossible (negative reserve,
// over-release). It is fatal for the affected instrument, never user-facing.
type InvariantViolationError struct {
	Detail string
}

func (e *InvariantViolationError) Error() string {
	return "ledger invariant violation: " + e.Detail
}

type position struct {
	Owned    int64
	Reserved int64
}

// account carries one trader's cash and per-instrument token holdings. Each
// account has its own mutex (held only for the duration of a single ledger
// call) because a trader's cash is contended across instrument workers.
type account struct {
	mu           sync.Mutex
	id           string
	cash         int64
	reservedCash int64
	positions    map[string]*position
}

func (a *account) pos(instrumentID string) *position {
	p, ok := a.positions[instrumentID]
	if !ok {
		p = &position{}
		a.positions[instrumentID] = p
	}
	return p
}

// Ledger is the sole owner of balance truth: per-trader cash/reserved cash and
// per (trader, instrument) owned/reserved tokens. All operations keep the
// invariants available_cash >= 0 and available_tokens >= 0; any operation that
// would break them either fails without mutating (reservations) or reports an
// InvariantViolationError (releases and settlement, which must never fail when
// the matching path is correct).
type Ledger struct {
	mu       sync.Mutex
	accounts map[string]*account
}

func New() *Ledger {
	return &Ledger{accounts: make(map[string]*account)}
}

func (l *Ledger) account(traderID string) *account {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[traderID]
	if !ok {
		a = &account{id: traderID, positions: make(map[string]*position)}
		l.accounts[traderID] = a
	}
	return a
}

// Deposit credits cash to a trader. Used to apply opening balances from the
// external balance source; negative amounts model withdrawals and must not
// drive the available balance negative.
func (l *Ledger) Deposit(traderID string, amount int64) error {
	a := l.account(traderID)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cash+amount < a.reservedCash {
		return &InsufficientBalanceError{
			TraderID:  traderID,
			Resource:  "cash",
			Requested: -amount,
			Available: a.cash - a.reservedCash,
		}
	}
	a.cash += amount
	return nil
}

// Grant credits tokens of one instrument to a trader (opening holdings from
// the balance source or primary issuance).
func (l *Ledger) Grant(traderID, instrumentID string, quantity int64) error {
	a := l.account(traderID)
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.pos(instrumentID)
	if p.Owned+quantity < p.Reserved {
		return &InsufficientBalanceError{
			TraderID:  traderID,
			Resource:  "tokens",
			Requested: -quantity,
			Available: p.Owned - p.Reserved,
		}
	}
	p.Owned += quantity
	return nil
}

// ReserveCash earmarks notional for an open buy order. Atomic check-and-
// increment: on failure nothing is mutated.
func (l *Ledger) ReserveCash(traderID string, notional int64) error {
	// edge case: a non-positive notional means an upstream computation wrapped;
	// letting it through would drive reservedCash negative
	if notional <= 0 {
		return &InvariantViolationError{
			Detail: fmt.Sprintf("non-positive cash reservation %d for trader %s", notional, traderID),
		}
	}
	a := l.account(traderID)
	a.mu.Lock()
	defer a.mu.Unlock()
	available := a.cash - a.reservedCash
	if notional > available {
		return &InsufficientBalanceError{
			TraderID:  traderID,
			Resource:  "cash",
			Requested: notional,
			Available: available,
		}
	}
	a.reservedCash += notional
	return nil
}

// ReleaseCash gives back reserved notional (cancellation, expiry, price
// improvement). Over-releasing is a programming error, not a user condition.
func (l *Ledger) ReleaseCash(traderID string, notional int64) error {
	if notional <= 0 {
		return &InvariantViolationError{
			Detail: fmt.Sprintf("non-positive cash release %d for trader %s", notional, traderID),
		}
	}
	a := l.account(traderID)
	a.mu.Lock()
	defer a.mu.Unlock()
	if notional > a.reservedCash {
		return &InvariantViolationError{
			Detail: fmt.Sprintf("release of %d cash exceeds reserved %d for trader %s",
				notional, a.reservedCash, traderID),
		}
	}
	a.reservedCash -= notional
	return nil
}

// ReserveTokens earmarks tokens for an open sell order.
func (l *Ledger) ReserveTokens(traderID, instrumentID string, quantity int64) error {
	if quantity <= 0 {
		return &InvariantViolationError{
			Detail: fmt.Sprintf("non-positive token reservation %d for trader %s on %s", quantity, traderID, instrumentID),
		}
	}
	a := l.account(traderID)
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.pos(instrumentID)
	available := p.Owned - p.Reserved
	if quantity > available {
		return &InsufficientBalanceError{
			TraderID:  traderID,
			Resource:  "tokens",
			Requested: quantity,
			Available: available,
		}
	}
	p.Reserved += quantity
	return nil
}

// ReleaseTokens gives back reserved tokens for the unfilled remainder of a
// cancelled or expired sell order.
func (l *Ledger) ReleaseTokens(traderID, instrumentID string, quantity int64) error {
	if quantity <= 0 {
		return &InvariantViolationError{
			Detail: fmt.Sprintf("non-positive token release %d for trader %s on %s", quantity, traderID, instrumentID),
		}
	}
	a := l.account(traderID)
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.pos(instrumentID)
	if quantity > p.Reserved {
		return &InvariantViolationError{
			Detail: fmt.Sprintf("release of %d tokens exceeds reserved %d for trader %s on %s",
				quantity, p.Reserved, traderID, instrumentID),
		}
	}
	p.Reserved -= quantity
	return nil
}

// SettleTrade applies the filled quantity's balance movements: seller loses
// owned+reserved tokens, buyer gains owned tokens; buyer loses cash and
// reserved cash by price*quantity, seller gains cash. The caller (matching
// engine) invokes this inside the instrument's single-writer command, so the
// Order/Trade mutation and this call form one atomic unit.
func (l *Ledger) SettleTrade(buyerID, sellerID, instrumentID string, price, quantity int64) error {
	if buyerID == sellerID {
		return &InvariantViolationError{Detail: "self-trade reached settlement for trader " + buyerID}
	}
	buyer := l.account(buyerID)
	seller := l.account(sellerID)

	// edge case: lock both accounts in id order so two instrument workers
	// settling the same pair of traders cannot deadlock
	first, second := buyer, seller
	if first.id > second.id {
		first, second = second, first
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	notional := price * quantity
	sp := seller.pos(instrumentID)

	if sp.Reserved < quantity || sp.Owned < quantity {
		return &InvariantViolationError{
			Detail: fmt.Sprintf("seller %s has owned=%d reserved=%d, cannot settle quantity %d of %s",
				sellerID, sp.Owned, sp.Reserved, quantity, instrumentID),
		}
	}
	if buyer.reservedCash < notional || buyer.cash < notional {
		return &InvariantViolationError{
			Detail: fmt.Sprintf("buyer %s has cash=%d reserved=%d, cannot settle notional %d",
				buyerID, buyer.cash, buyer.reservedCash, notional),
		}
	}

	sp.Owned -= quantity
	sp.Reserved -= quantity
	buyer.pos(instrumentID).Owned += quantity
	buyer.reservedCash -= notional
	buyer.cash -= notional
	seller.cash += notional
	return nil
}

// ReverseTrade compensates a settled trade after the settlement collaborator
// reports permanent failure. It is the only path that undoes SettleTrade. The
// buyer may have committed the tokens elsewhere in the meantime; if the
// reversal cannot be applied without breaking an invariant, the error is fatal
// for the instrument.
func (l *Ledger) ReverseTrade(buyerID, sellerID, instrumentID string, price, quantity int64) error {
	buyer := l.account(buyerID)
	seller := l.account(sellerID)

	first, second := buyer, seller
	if first.id > second.id {
		first, second = second, first
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	notional := price * quantity
	bp := buyer.pos(instrumentID)

	if bp.Owned-bp.Reserved < quantity {
		return &InvariantViolationError{
			Detail: fmt.Sprintf("buyer %s has only %d available tokens of %s, cannot reverse quantity %d",
				buyerID, bp.Owned-bp.Reserved, instrumentID, quantity),
		}
	}
	if seller.cash-seller.reservedCash < notional {
		return &InvariantViolationError{
			Detail: fmt.Sprintf("seller %s has only %d available cash, cannot reverse notional %d",
				sellerID, seller.cash-seller.reservedCash, notional),
		}
	}

	bp.Owned -= quantity
	seller.pos(instrumentID).Owned += quantity
	seller.cash -= notional
	buyer.cash += notional
	return nil
}

// Balance reports a trader's cash position.
func (l *Ledger) Balance(traderID string) (cash, reserved int64) {
	a := l.account(traderID)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cash, a.reservedCash
}

// Position reports a trader's token holding on one instrument.
func (l *Ledger) Position(traderID, instrumentID string) (owned, reserved int64) {
	a := l.account(traderID)
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.pos(instrumentID)
	return p.Owned, p.Reserved
}

// TotalOwned sums owned tokens of one instrument across all traders. Used by
// conservation checks: it must equal the circulating supply no matter what
// sequence of trades ran.
func (l *Ledger) TotalOwned(instrumentID string) int64 {
	l.mu.Lock()
	accounts := make([]*account, 0, len(l.accounts))
	for _, a := range l.accounts {
		accounts = append(accounts, a)
	}
	l.mu.Unlock()

	var total int64
	for _, a := range accounts {
		a.mu.Lock()
		if p, ok := a.positions[instrumentID]; ok {
			total += p.Owned
		}
		a.mu.Unlock()
	}
	return total
}
