package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/example/fuel-dispatch/internal/models"
	"github.com/example/fuel-dispatch/internal/money"
	"github.com/example/fuel-dispatch/internal/storage"
)

func newTestLedger(t *testing.T, balance, limit money.Amount) (*Ledger, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	err := store.UpsertStation(context.Background(), models.FuelStation{
		ID:                "s1",
		CODCurrentBalance: balance,
		CODBalanceLimit:   limit,
	})
	if err != nil {
		t.Fatal(err)
	}
	return New(store, store, 0), store
}

func TestCreditUpdatesRunningBalance(t *testing.T) {
	l, store := newTestLedger(t, 0, 50000)
	ctx := context.Background()

	e1, err := l.Credit(ctx, "s1", 500, "req-1")
	if err != nil {
		t.Fatal(err)
	}
	if e1.RunningBalance != 500 {
		t.Fatalf("expected 500, got %d", e1.RunningBalance)
	}
	e2, err := l.Credit(ctx, "s1", 300, "req-2")
	if err != nil {
		t.Fatal(err)
	}
	if e2.RunningBalance != 800 {
		t.Fatalf("expected 800, got %d", e2.RunningBalance)
	}

	s, err := store.GetStation(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if s.CODCurrentBalance != e2.RunningBalance {
		t.Fatalf("station balance %d != last running balance %d", s.CODCurrentBalance, e2.RunningBalance)
	}
}

func TestCreditSameReferenceReturnsRecordedEntry(t *testing.T) {
	l, store := newTestLedger(t, 0, 50000)
	ctx := context.Background()

	first, err := l.Credit(ctx, "s1", 500, "req-1")
	if err != nil {
		t.Fatal(err)
	}
	again, err := l.Credit(ctx, "s1", 500, "req-1")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != first.ID {
		t.Fatalf("replayed credit created entry %s, want %s", again.ID, first.ID)
	}
	entries, _ := store.LedgerEntries(ctx, "s1")
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	s, _ := store.GetStation(ctx, "s1")
	if s.CODCurrentBalance != 500 {
		t.Fatalf("balance moved on replay: %d", s.CODCurrentBalance)
	}
}

func TestCreditLimitExceeded(t *testing.T) {
	l, store := newTestLedger(t, 49800, 50000)
	ctx := context.Background()

	if _, err := l.Credit(ctx, "s1", 500, "req-1"); !errors.Is(err, ErrCODLimitExceeded) {
		t.Fatalf("expected ErrCODLimitExceeded, got %v", err)
	}
	// the failed call must leave no entry and no balance change
	entries, err := l.Trail(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries, got %d", len(entries))
	}
	s, _ := store.GetStation(ctx, "s1")
	if s.CODCurrentBalance != 49800 {
		t.Fatalf("balance must be unchanged, got %d", s.CODCurrentBalance)
	}
}

func TestCreditAtExactLimit(t *testing.T) {
	l, _ := newTestLedger(t, 49500, 50000)
	if _, err := l.Credit(context.Background(), "s1", 500, "req-1"); err != nil {
		t.Fatalf("credit to the exact limit must pass, got %v", err)
	}
}

func TestDebitInsufficientBalance(t *testing.T) {
	l, _ := newTestLedger(t, 200, 50000)
	ctx := context.Background()

	if _, err := l.Debit(ctx, "s1", 300, "payout-1"); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	e, err := l.Debit(ctx, "s1", 200, "payout-2")
	if err != nil {
		t.Fatal(err)
	}
	if e.RunningBalance != 0 {
		t.Fatalf("expected 0, got %d", e.RunningBalance)
	}
}

func TestDebitTolerance(t *testing.T) {
	store := storage.NewMemoryStore()
	_ = store.UpsertStation(context.Background(), models.FuelStation{ID: "s1", CODCurrentBalance: 100, CODBalanceLimit: 50000})
	l := New(store, store, 50)

	if _, err := l.Debit(context.Background(), "s1", 150, "payout"); err != nil {
		t.Fatalf("debit within tolerance should pass, got %v", err)
	}
	if _, err := l.Debit(context.Background(), "s1", 100, "payout"); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestBalanceConsistencyAfterSequence(t *testing.T) {
	l, store := newTestLedger(t, 0, 100000)
	ctx := context.Background()

	ops := []struct {
		credit bool
		amount money.Amount
	}{
		{true, 500}, {true, 700}, {false, 300}, {true, 100}, {false, 1000},
	}
	for _, op := range ops {
		var err error
		if op.credit {
			_, err = l.Credit(ctx, "s1", op.amount, "ref")
		} else {
			_, err = l.Debit(ctx, "s1", op.amount, "ref")
		}
		if err != nil {
			t.Fatal(err)
		}
	}
	entries, err := l.Trail(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != len(ops) {
		t.Fatalf("expected %d entries, got %d", len(ops), len(entries))
	}
	last := entries[len(entries)-1]
	s, _ := store.GetStation(ctx, "s1")
	if s.CODCurrentBalance != last.RunningBalance {
		t.Fatalf("station balance %d != last running balance %d", s.CODCurrentBalance, last.RunningBalance)
	}
	if s.CODCurrentBalance != 0 {
		t.Fatalf("expected 0 after sequence, got %d", s.CODCurrentBalance)
	}
}

func TestConcurrentCreditsOneWinner(t *testing.T) {
	// two racing credits for the last slice of capacity: exactly one wins
	l, store := newTestLedger(t, 49000, 50000)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = l.Credit(ctx, "s1", 800, "race")
		}(i)
	}
	wg.Wait()

	var failures int
	for _, err := range errs {
		if errors.Is(err, ErrCODLimitExceeded) {
			failures++
		} else if err != nil {
			t.Fatal(err)
		}
	}
	if failures != 1 {
		t.Fatalf("expected exactly one loser, got %d", failures)
	}
	s, _ := store.GetStation(ctx, "s1")
	if s.CODCurrentBalance != 49800 {
		t.Fatalf("expected 49800, got %d", s.CODCurrentBalance)
	}
}
