package ledger

import (
	"errors"
	"sync"
	"testing"
)

func TestReserveCashInsufficient(t *testing.T) {
	l := New()
	if err := l.Deposit("alice", 1000); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if err := l.ReserveCash("alice", 600); err != nil {
		t.Fatalf("first reserve: %v", err)
	}

	err := l.ReserveCash("alice", 500)
	var insufficient *InsufficientBalanceError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientBalanceError, got %v", err)
	}
	if insufficient.Available != 400 {
		t.Errorf("available = %d, want 400", insufficient.Available)
	}

	// edge case: failed reservation must not mutate anything
	cash, reserved := l.Balance("alice")
	if cash != 1000 || reserved != 600 {
		t.Errorf("balance after failed reserve = (%d, %d), want (1000, 600)", cash, reserved)
	}
}

func TestReserveTokensInsufficient(t *testing.T) {
	l := New()
	if err := l.Grant("bob", "PROP-1", 50); err != nil {
		t.Fatalf("grant: %v", err)
	}

	if err := l.ReserveTokens("bob", "PROP-1", 50); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	var insufficient *InsufficientBalanceError
	if err := l.ReserveTokens("bob", "PROP-1", 1); !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientBalanceError, got %v", err)
	}
}

func TestWithdrawalCannotBreakReservation(t *testing.T) {
	l := New()
	if err := l.Deposit("alice", 1000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := l.ReserveCash("alice", 800); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	var insufficient *InsufficientBalanceError
	if err := l.Deposit("alice", -300); !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientBalanceError, got %v", err)
	}
	if err := l.Deposit("alice", -200); err != nil {
		t.Fatalf("withdrawal within available: %v", err)
	}
}

func TestOverReleaseIsInvariantViolation(t *testing.T) {
	l := New()
	_ = l.Deposit("alice", 1000)
	_ = l.ReserveCash("alice", 300)

	var violation *InvariantViolationError
	if err := l.ReleaseCash("alice", 400); !errors.As(err, &violation) {
		t.Fatalf("expected InvariantViolationError, got %v", err)
	}
	if err := l.ReleaseTokens("alice", "PROP-1", 1); !errors.As(err, &violation) {
		t.Fatalf("expected InvariantViolationError, got %v", err)
	}
}

func TestSettleTradeMovesBothLegs(t *testing.T) {
	l := New()
	_ = l.Deposit("buyer", 10000)
	_ = l.Grant("seller", "PROP-1", 100)
	if err := l.ReserveCash("buyer", 4000); err != nil {
		t.Fatalf("reserve cash: %v", err)
	}
	if err := l.ReserveTokens("seller", "PROP-1", 40); err != nil {
		t.Fatalf("reserve tokens: %v", err)
	}

	if err := l.SettleTrade("buyer", "seller", "PROP-1", 100, 40); err != nil {
		t.Fatalf("settle: %v", err)
	}

	cash, reserved := l.Balance("buyer")
	if cash != 6000 || reserved != 0 {
		t.Errorf("buyer balance = (%d, %d), want (6000, 0)", cash, reserved)
	}
	owned, _ := l.Position("buyer", "PROP-1")
	if owned != 40 {
		t.Errorf("buyer owned = %d, want 40", owned)
	}

	cash, _ = l.Balance("seller")
	if cash != 4000 {
		t.Errorf("seller cash = %d, want 4000", cash)
	}
	owned, reservedTokens := l.Position("seller", "PROP-1")
	if owned != 60 || reservedTokens != 0 {
		t.Errorf("seller position = (%d, %d), want (60, 0)", owned, reservedTokens)
	}

	if total := l.TotalOwned("PROP-1"); total != 100 {
		t.Errorf("total owned = %d, want 100 (supply must be conserved)", total)
	}
}

func TestSettleTradeRejectsSelfTrade(t *testing.T) {
	l := New()
	var violation *InvariantViolationError
	if err := l.SettleTrade("alice", "alice", "PROP-1", 100, 1); !errors.As(err, &violation) {
		t.Fatalf("expected InvariantViolationError, got %v", err)
	}
}

func TestSettleTradeWithoutReservationFails(t *testing.T) {
	l := New()
	_ = l.Deposit("buyer", 10000)
	_ = l.Grant("seller", "PROP-1", 100)

	var violation *InvariantViolationError
	if err := l.SettleTrade("buyer", "seller", "PROP-1", 100, 40); !errors.As(err, &violation) {
		t.Fatalf("expected InvariantViolationError, got %v", err)
	}
}

func TestReverseTradeUndoesSettlement(t *testing.T) {
	l := New()
	_ = l.Deposit("buyer", 10000)
	_ = l.Grant("seller", "PROP-1", 100)
	_ = l.ReserveCash("buyer", 4000)
	_ = l.ReserveTokens("seller", "PROP-1", 40)
	if err := l.SettleTrade("buyer", "seller", "PROP-1", 100, 40); err != nil {
		t.Fatalf("settle: %v", err)
	}

	if err := l.ReverseTrade("buyer", "seller", "PROP-1", 100, 40); err != nil {
		t.Fatalf("reverse: %v", err)
	}

	cash, _ := l.Balance("buyer")
	if cash != 10000 {
		t.Errorf("buyer cash after reversal = %d, want 10000", cash)
	}
	owned, _ := l.Position("seller", "PROP-1")
	if owned != 100 {
		t.Errorf("seller owned after reversal = %d, want 100", owned)
	}
}

func TestReverseTradeFailsWhenTokensCommitted(t *testing.T) {
	l := New()
	_ = l.Deposit("buyer", 10000)
	_ = l.Grant("seller", "PROP-1", 100)
	_ = l.ReserveCash("buyer", 4000)
	_ = l.ReserveTokens("seller", "PROP-1", 40)
	if err := l.SettleTrade("buyer", "seller", "PROP-1", 100, 40); err != nil {
		t.Fatalf("settle: %v", err)
	}

	// buyer has since reserved the bought tokens for a sell order
	if err := l.ReserveTokens("buyer", "PROP-1", 40); err != nil {
		t.Fatalf("reserve bought tokens: %v", err)
	}

	var violation *InvariantViolationError
	if err := l.ReverseTrade("buyer", "seller", "PROP-1", 100, 40); !errors.As(err, &violation) {
		t.Fatalf("expected InvariantViolationError, got %v", err)
	}
}

func TestConcurrentSettlementsConserveSupply(t *testing.T) {
	l := New()
	traders := []string{"a", "b", "c", "d"}
	for _, id := range traders {
		_ = l.Deposit(id, 1_000_000)
		_ = l.Grant(id, "PROP-1", 1000)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		buyer := traders[i]
		seller := traders[(i+1)%len(traders)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if err := l.ReserveCash(buyer, 100); err != nil {
					continue
				}
				if err := l.ReserveTokens(seller, "PROP-1", 1); err != nil {
					_ = l.ReleaseCash(buyer, 100)
					continue
				}
				if err := l.SettleTrade(buyer, seller, "PROP-1", 100, 1); err != nil {
					t.Errorf("settle: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	if total := l.TotalOwned("PROP-1"); total != 4000 {
		t.Errorf("total owned = %d, want 4000", total)
	}
}

func TestNonPositiveAmountsAreInvariantViolations(t *testing.T) {
	l := New()
	if err := l.Deposit("alice", 1000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := l.Grant("alice", "PROP-1", 10); err != nil {
		t.Fatalf("grant: %v", err)
	}

	// a zero or wrapped-negative amount means an upstream computation is
	// broken; it must never reach the balance arithmetic
	var violation *InvariantViolationError
	if err := l.ReserveCash("alice", -5); !errors.As(err, &violation) {
		t.Errorf("ReserveCash(-5) = %v, want InvariantViolationError", err)
	}
	if err := l.ReserveCash("alice", 0); !errors.As(err, &violation) {
		t.Errorf("ReserveCash(0) = %v, want InvariantViolationError", err)
	}
	if err := l.ReleaseCash("alice", -5); !errors.As(err, &violation) {
		t.Errorf("ReleaseCash(-5) = %v, want InvariantViolationError", err)
	}
	if err := l.ReserveTokens("alice", "PROP-1", -1); !errors.As(err, &violation) {
		t.Errorf("ReserveTokens(-1) = %v, want InvariantViolationError", err)
	}
	if err := l.ReleaseTokens("alice", "PROP-1", 0); !errors.As(err, &violation) {
		t.Errorf("ReleaseTokens(0) = %v, want InvariantViolationError", err)
	}

	cash, reserved := l.Balance("alice")
	if cash != 1000 || reserved != 0 {
		t.Errorf("balance after rejected operations = (%d, %d), want (1000, 0)", cash, reserved)
	}
	owned, reservedTokens := l.Position("alice", "PROP-1")
	if owned != 10 || reservedTokens != 0 {
		t.Errorf("position after rejected operations = (%d, %d), want (10, 0)", owned, reservedTokens)
	}
}
