package storage

import (
	"context"
	"sync"
	"time"

	"github.com/example/fuel-dispatch/internal/models"
	"github.com/example/fuel-dispatch/internal/money"
)

// MemoryStore is the in-process implementation of Store. A single mutex
// serializes station mutations, which gives the at-most-one-winner guarantee
// for stock and COD reservations for free.
type MemoryStore struct {
	mu          sync.RWMutex
	requests    map[string]models.ServiceRequest
	stations    map[string]models.FuelStation
	assignments map[string]models.Assignment
	workers     map[string]models.Worker
	cache       map[string]models.CacheEntry
	settlements map[string]models.Settlement // keyed by service request id
	ledger      map[string][]models.CODLedgerEntry
	audit       []models.AuditRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:    make(map[string]models.ServiceRequest),
		stations:    make(map[string]models.FuelStation),
		assignments: make(map[string]models.Assignment),
		workers:     make(map[string]models.Worker),
		cache:       make(map[string]models.CacheEntry),
		settlements: make(map[string]models.Settlement),
		ledger:      make(map[string][]models.CODLedgerEntry),
	}
}

func (m *MemoryStore) SaveRequest(ctx context.Context, r *models.ServiceRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.ID] = *r
	return nil
}

func (m *MemoryStore) GetRequest(ctx context.Context, id string) (models.ServiceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return models.ServiceRequest{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryStore) UpdateRequest(ctx context.Context, r *models.ServiceRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; !ok {
		return ErrNotFound
	}
	m.requests[r.ID] = *r
	return nil
}

func (m *MemoryStore) UpsertStation(ctx context.Context, s models.FuelStation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stations[s.ID] = s
	return nil
}

func (m *MemoryStore) GetStation(ctx context.Context, id string) (models.FuelStation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stations[id]
	if !ok {
		return models.FuelStation{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) ReserveStock(ctx context.Context, stationID string, ft models.FuelType, litres float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stations[stationID]
	if !ok {
		return ErrNotFound
	}
	if s.Stock(ft) < litres {
		return ErrInsufficientStock
	}
	stock := make(map[models.FuelType]float64, len(s.StockLitres))
	for k, v := range s.StockLitres {
		stock[k] = v
	}
	stock[ft] -= litres
	s.StockLitres = stock
	m.stations[stationID] = s
	return nil
}

func (m *MemoryStore) ReleaseStock(ctx context.Context, stationID string, ft models.FuelType, litres float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stations[stationID]
	if !ok {
		return ErrNotFound
	}
	stock := make(map[models.FuelType]float64, len(s.StockLitres))
	for k, v := range s.StockLitres {
		stock[k] = v
	}
	stock[ft] += litres
	s.StockLitres = stock
	m.stations[stationID] = s
	return nil
}

func (m *MemoryStore) SetCODBalance(ctx context.Context, stationID string, balance money.Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stations[stationID]
	if !ok {
		return ErrNotFound
	}
	s.CODCurrentBalance = balance
	m.stations[stationID] = s
	return nil
}

func (m *MemoryStore) AddEarnings(ctx context.Context, stationID string, earned, pending money.Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stations[stationID]
	if !ok {
		return ErrNotFound
	}
	s.TotalEarnings += earned
	s.PendingPayout += pending
	m.stations[stationID] = s
	return nil
}

func (m *MemoryStore) GetWorker(ctx context.Context, id string) (models.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[id]
	if !ok {
		return models.Worker{}, ErrNotFound
	}
	return w, nil
}

func (m *MemoryStore) AddWorkerPending(ctx context.Context, workerID string, amount money.Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.workers[workerID]
	w.ID = workerID
	w.PendingBalance += amount
	w.TotalEarned += amount
	m.workers[workerID] = w
	return nil
}

func (m *MemoryStore) SaveAssignment(ctx context.Context, a *models.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments[a.ID] = *a
	return nil
}

func (m *MemoryStore) GetAssignment(ctx context.Context, id string) (models.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assignments[id]
	if !ok {
		return models.Assignment{}, ErrNotFound
	}
	return a, nil
}

func (m *MemoryStore) UpdateAssignment(ctx context.Context, a *models.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assignments[a.ID]; !ok {
		return ErrNotFound
	}
	m.assignments[a.ID] = *a
	return nil
}

func (m *MemoryStore) ActiveAssignmentForRequest(ctx context.Context, requestID string) (models.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.assignments {
		if a.ServiceRequestID == requestID && a.Status.Active() {
			return a, nil
		}
	}
	return models.Assignment{}, ErrNotFound
}

func (m *MemoryStore) RejectedStations(ctx context.Context, requestID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, a := range m.assignments {
		if a.ServiceRequestID == requestID && a.Status == models.AssignmentRejected {
			out = append(out, a.FuelStationID)
		}
	}
	return out, nil
}

func (m *MemoryStore) SaveCacheEntry(ctx context.Context, e models.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[e.ID] = e
	return nil
}

func (m *MemoryStore) UpdateCacheEntry(ctx context.Context, e models.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cache[e.ID]; !ok {
		return ErrNotFound
	}
	m.cache[e.ID] = e
	return nil
}

func (m *MemoryStore) CreateSettlement(ctx context.Context, s *models.Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.settlements[s.ServiceRequestID]; ok {
		return ErrSettlementExists
	}
	m.settlements[s.ServiceRequestID] = *s
	return nil
}

func (m *MemoryStore) GetSettlementByRequest(ctx context.Context, requestID string) (models.Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.settlements[requestID]
	if !ok {
		return models.Settlement{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) UpdateSettlementStatus(ctx context.Context, id string, status models.SettlementStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, s := range m.settlements {
		if s.ID == id {
			s.Status = status
			m.settlements[key] = s
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) MarkSettlementApplied(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, s := range m.settlements {
		if s.ID == id {
			t := at
			s.SettledAt = &t
			m.settlements[key] = s
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) AppendLedgerEntry(ctx context.Context, e models.CODLedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledger[e.FuelStationID] = append(m.ledger[e.FuelStationID], e)
	return nil
}

func (m *MemoryStore) LedgerEntries(ctx context.Context, stationID string) ([]models.CODLedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.ledger[stationID]
	out := make([]models.CODLedgerEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (m *MemoryStore) AppendAudit(ctx context.Context, rec models.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, rec)
	return nil
}

func (m *MemoryStore) AuditTrail(ctx context.Context, entityType, entityID string) ([]models.AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.AuditRecord
	for _, rec := range m.audit {
		if rec.EntityType == entityType && rec.EntityID == entityID {
			out = append(out, rec)
		}
	}
	return out, nil
}
