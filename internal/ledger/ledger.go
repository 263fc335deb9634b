package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/fuel-dispatch/internal/models"
	"github.com/example/fuel-dispatch/internal/money"
	"github.com/example/fuel-dispatch/internal/observability"
	"github.com/example/fuel-dispatch/internal/storage"
)

var (
	// ErrCODLimitExceeded means a credit would push the station past its
	// configured COD exposure cap.
	ErrCODLimitExceeded = errors.New("cod limit exceeded")
	// ErrInsufficientBalance means a debit would drive the running balance
	// below zero past the configured tolerance.
	ErrInsufficientBalance = errors.New("insufficient ledger balance")
)

// Ledger tracks per-station COD exposure. Every call appends one immutable
// entry whose RunningBalance is authoritative and is mirrored onto the
// station's live cod_current_balance in the same critical section. A
// per-station mutex closes the race between the resolver's capacity
// pre-check and the commit here.
type Ledger struct {
	Store     storage.StationStore
	Entries   storage.LedgerStore
	Tolerance money.Amount
	Clock     func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(stations storage.StationStore, entries storage.LedgerStore, tolerance money.Amount) *Ledger {
	return &Ledger{Store: stations, Entries: entries, Tolerance: tolerance, Clock: time.Now, locks: make(map[string]*sync.Mutex)}
}

// Credit increases the station's COD exposure. It re-validates the limit
// atomically, failing with ErrCODLimitExceeded when the post-entry balance
// would exceed cod_balance_limit. A non-empty reference makes the credit
// idempotent: a second credit with the same reference returns the recorded
// entry without moving the balance, so settlement replays never double-apply.
func (l *Ledger) Credit(ctx context.Context, stationID string, amount money.Amount, reference string) (models.CODLedgerEntry, error) {
	unlock := l.lock(stationID)
	defer unlock()

	if reference != "" {
		entries, err := l.Entries.LedgerEntries(ctx, stationID)
		if err != nil {
			return models.CODLedgerEntry{}, fmt.Errorf("load ledger entries: %w", err)
		}
		for _, e := range entries {
			if e.Direction == models.LedgerCredit && e.Reference == reference {
				return e, nil
			}
		}
	}

	s, err := l.Store.GetStation(ctx, stationID)
	if err != nil {
		return models.CODLedgerEntry{}, fmt.Errorf("load station: %w", err)
	}
	next := s.CODCurrentBalance + amount
	if next > s.CODBalanceLimit {
		observability.LedgerRejections.WithLabelValues("limit_exceeded").Inc()
		return models.CODLedgerEntry{}, ErrCODLimitExceeded
	}
	return l.apply(ctx, stationID, models.LedgerCredit, amount, next, reference)
}

// Debit records a payout or collection settlement reducing the balance. It
// fails with ErrInsufficientBalance when the result would go below zero past
// the tolerance.
func (l *Ledger) Debit(ctx context.Context, stationID string, amount money.Amount, reference string) (models.CODLedgerEntry, error) {
	unlock := l.lock(stationID)
	defer unlock()

	s, err := l.Store.GetStation(ctx, stationID)
	if err != nil {
		return models.CODLedgerEntry{}, fmt.Errorf("load station: %w", err)
	}
	next := s.CODCurrentBalance - amount
	if next < -l.Tolerance {
		observability.LedgerRejections.WithLabelValues("insufficient_balance").Inc()
		return models.CODLedgerEntry{}, ErrInsufficientBalance
	}
	return l.apply(ctx, stationID, models.LedgerDebit, amount, next, reference)
}

// Trail returns the station's entries in append order.
func (l *Ledger) Trail(ctx context.Context, stationID string) ([]models.CODLedgerEntry, error) {
	return l.Entries.LedgerEntries(ctx, stationID)
}

func (l *Ledger) apply(ctx context.Context, stationID string, dir models.LedgerDirection, amount, running money.Amount, reference string) (models.CODLedgerEntry, error) {
	e := models.CODLedgerEntry{
		ID:             uuid.NewString(),
		FuelStationID:  stationID,
		Direction:      dir,
		Amount:         amount,
		RunningBalance: running,
		Reference:      reference,
		Status:         "recorded",
		CreatedAt:      l.now(),
	}
	if err := l.Entries.AppendLedgerEntry(ctx, e); err != nil {
		return models.CODLedgerEntry{}, fmt.Errorf("append ledger entry: %w", err)
	}
	if err := l.Store.SetCODBalance(ctx, stationID, running); err != nil {
		return models.CODLedgerEntry{}, fmt.Errorf("update station balance: %w", err)
	}
	observability.CODBalance.WithLabelValues(stationID).Set(float64(running))
	return e, nil
}

func (l *Ledger) lock(stationID string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks[stationID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[stationID] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (l *Ledger) now() time.Time {
	if l.Clock != nil {
		return l.Clock()
	}
	return time.Now()
}
