package geo

import (
	"math"
	"sync"
	"time"

	"github.com/example/fuel-dispatch/internal/models"
)

// Near is one nearest-neighbor result with the ranking distance attached.
type Near struct {
	Station    models.FuelStation
	DistanceKm float64
}

// Geo is the minimal interface required by the resolver and handlers.
// Nearby returns up to limit stations in ascending distance order; it does
// not apply eligibility rules, that is the resolver's job.
type Geo interface {
	Nearby(lat, lng float64, limit int) []Near
	Upsert(s models.FuelStation)
	Remove(id string)
}

type Index struct {
	mu       sync.RWMutex
	stations map[string]models.FuelStation
}

func NewIndex() *Index {
	return &Index{stations: make(map[string]models.FuelStation)}
}

func (g *Index) Upsert(s models.FuelStation) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s.Updated = time.Now()
	g.stations[s.ID] = s
}

func (g *Index) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.stations, id)
}

// Get returns a station snapshot by id.
func (g *Index) Get(id string) (models.FuelStation, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.stations[id]
	return s, ok
}

// naive scan; in prod use geo-hash or H3
func (g *Index) Nearby(lat, lng float64, limit int) []Near {
	g.mu.RLock()
	defer g.mu.RUnlock()
	arr := make([]Near, 0, len(g.stations))
	for _, s := range g.stations {
		dist := HaversineKm(lat, lng, s.Location.Lat, s.Location.Lng)
		arr = append(arr, Near{Station: s, DistanceKm: dist})
	}
	// partial selection sort for top-N; ties break on lowest station id so
	// results are reproducible across runs
	n := limit
	if n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if less(arr[j], arr[minIdx]) {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	return arr[:n]
}

func less(a, b Near) bool {
	if a.DistanceKm != b.DistanceKm {
		return a.DistanceKm < b.DistanceKm
	}
	return a.Station.ID < b.Station.ID
}

// HaversineKm is the great-circle distance in kilometers.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	const R = 6371.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// HaversineMeters is the great-circle distance in meters; the assignment
// cache uses it for its staleness threshold.
func HaversineMeters(a, b models.Coord) float64 {
	return HaversineKm(a.Lat, a.Lng, b.Lat, b.Lng) * 1000
}
