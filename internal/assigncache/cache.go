package assigncache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/fuel-dispatch/internal/geo"
	"github.com/example/fuel-dispatch/internal/models"
	"github.com/example/fuel-dispatch/internal/storage"
)

// ErrMiss is returned by Lookup when no valid, fresh entry exists for the
// (worker, request) pair.
var ErrMiss = errors.New("cache miss")

// Reasons recorded on invalidation.
const (
	ReasonSuperseded    = "superseded"
	ReasonRejected      = "rejected"
	ReasonCancelled     = "cancelled"
	ReasonStationClosed = "station_closed"
	ReasonStockLost     = "stock_lost"
)

// Cache is the assignment cache: the resolver's last decision per
// (worker, request) pair. Invalidation is event-driven; there is no TTL.
// Correctness depends on station mutators calling InvalidateStation.
// Entries are marked invalid, never removed, and every write goes through
// the backing store so history survives restarts.
type Cache struct {
	mu      sync.Mutex
	store   storage.CacheStore
	entries map[string]*models.CacheEntry // by entry id
	byPair  map[pairKey]string            // current valid entry per pair

	// StalenessMeters is the worker-movement threshold beyond which a hit
	// is treated as stale.
	StalenessMeters float64
	Clock           func() time.Time
}

type pairKey struct{ workerID, requestID string }

func New(store storage.CacheStore, stalenessMeters float64) *Cache {
	return &Cache{
		store:           store,
		entries:         make(map[string]*models.CacheEntry),
		byPair:          make(map[pairKey]string),
		StalenessMeters: stalenessMeters,
		Clock:           time.Now,
	}
}

// Lookup returns the cached entry for the pair if it is valid and the worker
// has not moved past the staleness threshold since it was computed.
func (c *Cache) Lookup(workerID, requestID string, loc models.Coord) (models.CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byPair[pairKey{workerID, requestID}]
	if !ok {
		return models.CacheEntry{}, ErrMiss
	}
	e := c.entries[id]
	if e == nil || !e.Valid {
		return models.CacheEntry{}, ErrMiss
	}
	if geo.HaversineMeters(loc, e.WorkerLoc) > c.StalenessMeters {
		return models.CacheEntry{}, ErrMiss
	}
	return *e, nil
}

// Store inserts a new valid entry. A prior valid entry for the same pair is
// marked invalid with reason "superseded" in the same critical section, so
// no two valid entries ever coexist for one pair.
func (c *Cache) Store(ctx context.Context, e models.CacheEntry) (models.CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.Valid = true
	if e.AssignedAt.IsZero() {
		e.AssignedAt = c.Clock()
	}
	key := pairKey{e.WorkerID, e.ServiceRequestID}
	if prevID, ok := c.byPair[key]; ok {
		if prev := c.entries[prevID]; prev != nil && prev.Valid {
			if err := c.invalidateLocked(ctx, prev, ReasonSuperseded); err != nil {
				return models.CacheEntry{}, err
			}
		}
	}
	if err := c.store.SaveCacheEntry(ctx, e); err != nil {
		return models.CacheEntry{}, fmt.Errorf("save cache entry: %w", err)
	}
	stored := e
	c.entries[e.ID] = &stored
	c.byPair[key] = e.ID
	return e, nil
}

// Invalidate flips one entry invalid, keeping the row for audit replay.
func (c *Cache) Invalidate(ctx context.Context, entryID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[entryID]
	if !ok {
		return storage.ErrNotFound
	}
	if !e.Valid {
		return nil
	}
	return c.invalidateLocked(ctx, e, reason)
}

// InvalidatePair invalidates the current valid entry for a (worker, request)
// pair, if any.
func (c *Cache) InvalidatePair(ctx context.Context, workerID, requestID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byPair[pairKey{workerID, requestID}]
	if !ok {
		return nil
	}
	e := c.entries[id]
	if e == nil || !e.Valid {
		return nil
	}
	return c.invalidateLocked(ctx, e, reason)
}

// InvalidateStation invalidates every valid entry pointing at a station.
// Station mutators (closure, stock loss) call this; it is the event-driven
// half of the cache contract.
func (c *Cache) InvalidateStation(ctx context.Context, stationID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.Valid && e.FuelStationID == stationID {
			if err := c.invalidateLocked(ctx, e, reason); err != nil {
				return err
			}
		}
	}
	return nil
}

// Entry returns an entry by id, valid or not.
func (c *Cache) Entry(id string) (models.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return models.CacheEntry{}, false
	}
	return *e, true
}

func (c *Cache) invalidateLocked(ctx context.Context, e *models.CacheEntry, reason string) error {
	now := c.Clock()
	e.Valid = false
	e.InvalidatedAt = &now
	e.InvalidReason = reason
	if err := c.store.UpdateCacheEntry(ctx, *e); err != nil {
		return fmt.Errorf("invalidate cache entry: %w", err)
	}
	return nil
}
