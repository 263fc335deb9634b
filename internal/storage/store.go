package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/fuel-dispatch/internal/models"
	"github.com/example/fuel-dispatch/internal/money"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrSettlementExists is the idempotence guard: at most one settlement
	// per service request.
	ErrSettlementExists = errors.New("settlement already exists")
	// ErrInsufficientStock means the station cannot cover the requested litres.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrStockConflict signals a lost race on a station row; callers retry a
	// bounded number of times before excluding the station.
	ErrStockConflict = errors.New("concurrent stock conflict")
)

// RequestStore persists service requests.
type RequestStore interface {
	SaveRequest(ctx context.Context, r *models.ServiceRequest) error
	GetRequest(ctx context.Context, id string) (models.ServiceRequest, error)
	UpdateRequest(ctx context.Context, r *models.ServiceRequest) error
}

// StationStore persists stations and serializes stock/COD mutations per
// station (single-writer per station row).
type StationStore interface {
	UpsertStation(ctx context.Context, s models.FuelStation) error
	GetStation(ctx context.Context, id string) (models.FuelStation, error)
	// ReserveStock atomically decrements stock for one fuel type; at most
	// one of two racing reservations for the last litres wins.
	ReserveStock(ctx context.Context, stationID string, ft models.FuelType, litres float64) error
	// ReleaseStock returns a reservation after a rejection or cancellation.
	ReleaseStock(ctx context.Context, stationID string, ft models.FuelType, litres float64) error
	SetCODBalance(ctx context.Context, stationID string, balance money.Amount) error
	AddEarnings(ctx context.Context, stationID string, earned, pending money.Amount) error
}

// WorkerStore persists worker payout balances.
type WorkerStore interface {
	GetWorker(ctx context.Context, id string) (models.Worker, error)
	// AddWorkerPending credits the worker's pending balance and lifetime
	// earnings, creating the row on first credit.
	AddWorkerPending(ctx context.Context, workerID string, amount money.Amount) error
}

// AssignmentStore persists assignments.
type AssignmentStore interface {
	SaveAssignment(ctx context.Context, a *models.Assignment) error
	GetAssignment(ctx context.Context, id string) (models.Assignment, error)
	UpdateAssignment(ctx context.Context, a *models.Assignment) error
	ActiveAssignmentForRequest(ctx context.Context, requestID string) (models.Assignment, error)
	// RejectedStations is the exclusion set accumulated over reassignments.
	RejectedStations(ctx context.Context, requestID string) ([]string, error)
}

// CacheStore is the write-through durability layer behind the assignment
// cache. Entries are inserted and flipped invalid, never deleted.
type CacheStore interface {
	SaveCacheEntry(ctx context.Context, e models.CacheEntry) error
	UpdateCacheEntry(ctx context.Context, e models.CacheEntry) error
}

// SettlementStore persists settlements with a uniqueness constraint on
// service request id.
type SettlementStore interface {
	CreateSettlement(ctx context.Context, s *models.Settlement) error
	GetSettlementByRequest(ctx context.Context, requestID string) (models.Settlement, error)
	UpdateSettlementStatus(ctx context.Context, id string, status models.SettlementStatus) error
	MarkSettlementApplied(ctx context.Context, id string, at time.Time) error
}

// LedgerStore appends immutable COD ledger entries.
type LedgerStore interface {
	AppendLedgerEntry(ctx context.Context, e models.CODLedgerEntry) error
	LedgerEntries(ctx context.Context, stationID string) ([]models.CODLedgerEntry, error)
}

// AuditStore appends immutable audit records.
type AuditStore interface {
	AppendAudit(ctx context.Context, rec models.AuditRecord) error
	AuditTrail(ctx context.Context, entityType, entityID string) ([]models.AuditRecord, error)
}

// Store is the full persistence surface used by the dispatcher wiring.
type Store interface {
	RequestStore
	StationStore
	WorkerStore
	AssignmentStore
	CacheStore
	SettlementStore
	LedgerStore
	AuditStore
}
