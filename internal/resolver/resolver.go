package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/example/fuel-dispatch/internal/geo"
	"github.com/example/fuel-dispatch/internal/models"
	"github.com/example/fuel-dispatch/internal/money"
	"github.com/example/fuel-dispatch/internal/storage"
)

// ErrNoEligibleStation means no candidate in the index passed filtering.
// The caller decides whether to widen the search or surface no-coverage.
var ErrNoEligibleStation = errors.New("no eligible station")

// Candidate is the resolver's decision: a station plus the haversine
// distance used for ranking.
type Candidate struct {
	Station    models.FuelStation
	DistanceKm float64
}

// Service picks the nearest eligible station for a request. It has no side
// effects; creating the assignment record is the caller's job.
type Service struct {
	Geo      geo.Geo
	Stations storage.StationStore
	TopK     int
}

// Resolve queries the K nearest stations not in the exclusion set and
// returns the first one passing every eligibility predicate, in ascending
// distance order with ties broken on lowest station id.
func (s *Service) Resolve(ctx context.Context, req models.ServiceRequest, excluded map[string]bool, set models.PlatformSettings) (Candidate, error) {
	topK := s.TopK
	if topK <= 0 {
		topK = set.ResolverTopK
	}
	if topK <= 0 {
		topK = 8
	}
	// over-fetch so exclusions do not shrink the candidate window
	cands := s.Geo.Nearby(req.Location.Lat, req.Location.Lng, topK+len(excluded))
	// backends may not tie-break identically; re-sort for determinism
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].DistanceKm != cands[j].DistanceKm {
			return cands[i].DistanceKm < cands[j].DistanceKm
		}
		return cands[i].Station.ID < cands[j].Station.ID
	})

	seen := 0
	for _, c := range cands {
		if excluded[c.Station.ID] {
			continue
		}
		if seen++; seen > topK {
			break
		}
		station := c.Station
		// the index may lag; check the authoritative record when available
		if s.Stations != nil {
			if fresh, err := s.Stations.GetStation(ctx, station.ID); err == nil {
				station = fresh
			} else if !errors.Is(err, storage.ErrNotFound) {
				return Candidate{}, fmt.Errorf("load station %s: %w", station.ID, err)
			}
		}
		if !Eligible(station, req, set) {
			continue
		}
		dist := geo.HaversineKm(req.Location.Lat, req.Location.Lng, station.Location.Lat, station.Location.Lng)
		return Candidate{Station: station, DistanceKm: dist}, nil
	}
	return Candidate{}, ErrNoEligibleStation
}

// Eligible is the station eligibility filter: open, verified or trusted,
// stocked for the request, and within COD exposure capacity for COD orders.
func Eligible(s models.FuelStation, req models.ServiceRequest, set models.PlatformSettings) bool {
	if !s.Open {
		return false
	}
	if !s.Verified && !s.PlatformTrustFlag {
		return false
	}
	if s.Stock(req.FuelType) < req.Litres {
		return false
	}
	if req.IsCOD {
		if !s.CODEnabled {
			return false
		}
		if s.CODCurrentBalance+EstimateCODAmount(s, req, set) > s.CODBalanceLimit {
			return false
		}
	}
	return true
}

// EstimateCODAmount is the cash the worker would collect: fuel at the
// station's price plus the flat delivery fee. The ledger re-validates the
// exact amount atomically at collection time.
func EstimateCODAmount(s models.FuelStation, req models.ServiceRequest, set models.PlatformSettings) money.Amount {
	fuel := money.FromFloat(float64(s.Price(req.FuelType)) * req.Litres)
	return fuel + set.DeliveryFeeBase
}
