package assigncache

import (
	"context"
	"errors"
	"testing"

	"github.com/example/fuel-dispatch/internal/models"
	"github.com/example/fuel-dispatch/internal/storage"
)

func newTestCache() *Cache {
	return New(storage.NewMemoryStore(), 200)
}

func TestLookupHitWithinThreshold(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()
	loc := models.Coord{Lat: 12.90, Lng: 77.60}
	e, err := c.Store(ctx, models.CacheEntry{WorkerID: "w1", ServiceRequestID: "r1", FuelStationID: "s1", WorkerLoc: loc, DistanceKm: 1.2})
	if err != nil {
		t.Fatal(err)
	}
	// ~55 m north of stored location
	got, err := c.Lookup("w1", "r1", models.Coord{Lat: 12.9005, Lng: 77.60})
	if err != nil {
		t.Fatalf("expected hit, got %v", err)
	}
	if got.ID != e.ID || got.FuelStationID != "s1" {
		t.Fatalf("wrong entry returned: %+v", got)
	}
}

func TestLookupMissBeyondThreshold(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()
	loc := models.Coord{Lat: 12.90, Lng: 77.60}
	if _, err := c.Store(ctx, models.CacheEntry{WorkerID: "w1", ServiceRequestID: "r1", FuelStationID: "s1", WorkerLoc: loc}); err != nil {
		t.Fatal(err)
	}
	// ~550 m away
	if _, err := c.Lookup("w1", "r1", models.Coord{Lat: 12.905, Lng: 77.60}); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss, got %v", err)
	}
}

func TestLookupMissUnknownPair(t *testing.T) {
	c := newTestCache()
	if _, err := c.Lookup("w1", "r1", models.Coord{}); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss, got %v", err)
	}
}

func TestStoreSupersedesPriorEntry(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()
	loc := models.Coord{Lat: 12.90, Lng: 77.60}
	first, err := c.Store(ctx, models.CacheEntry{WorkerID: "w1", ServiceRequestID: "r1", FuelStationID: "s1", WorkerLoc: loc})
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Store(ctx, models.CacheEntry{WorkerID: "w1", ServiceRequestID: "r1", FuelStationID: "s2", WorkerLoc: loc})
	if err != nil {
		t.Fatal(err)
	}
	old, ok := c.Entry(first.ID)
	if !ok {
		t.Fatal("superseded entry must be retained")
	}
	if old.Valid {
		t.Fatal("no two valid entries may coexist for one pair")
	}
	if old.InvalidReason != ReasonSuperseded {
		t.Fatalf("expected reason superseded, got %q", old.InvalidReason)
	}
	if old.InvalidatedAt == nil {
		t.Fatal("invalidation timestamp missing")
	}
	got, err := c.Lookup("w1", "r1", loc)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != second.ID {
		t.Fatalf("lookup should return the new entry, got %s", got.ID)
	}
}

func TestInvalidateRetainsHistory(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()
	loc := models.Coord{Lat: 12.90, Lng: 77.60}
	e, err := c.Store(ctx, models.CacheEntry{WorkerID: "w1", ServiceRequestID: "r1", FuelStationID: "s1", WorkerLoc: loc})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Invalidate(ctx, e.ID, ReasonRejected); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Lookup("w1", "r1", loc); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected miss after invalidation, got %v", err)
	}
	got, ok := c.Entry(e.ID)
	if !ok || got.Valid || got.InvalidReason != ReasonRejected {
		t.Fatalf("entry must be retained invalid with reason, got %+v", got)
	}
}

func TestInvalidateStation(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()
	loc := models.Coord{Lat: 12.90, Lng: 77.60}
	if _, err := c.Store(ctx, models.CacheEntry{WorkerID: "w1", ServiceRequestID: "r1", FuelStationID: "s1", WorkerLoc: loc}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Store(ctx, models.CacheEntry{WorkerID: "w2", ServiceRequestID: "r2", FuelStationID: "s1", WorkerLoc: loc}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Store(ctx, models.CacheEntry{WorkerID: "w3", ServiceRequestID: "r3", FuelStationID: "s2", WorkerLoc: loc}); err != nil {
		t.Fatal(err)
	}
	if err := c.InvalidateStation(ctx, "s1", ReasonStationClosed); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Lookup("w1", "r1", loc); !errors.Is(err, ErrMiss) {
		t.Fatal("s1 entries should be invalid")
	}
	if _, err := c.Lookup("w2", "r2", loc); !errors.Is(err, ErrMiss) {
		t.Fatal("s1 entries should be invalid")
	}
	if _, err := c.Lookup("w3", "r3", loc); err != nil {
		t.Fatal("s2 entry should survive")
	}
}
