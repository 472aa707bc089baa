package geo

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/example/freelance-dispatch/internal/models"
)

// Index answers "which online freelancers of this category are near here".
type Index interface {
	Upsert(ctx context.Context, f models.Freelancer) error
	Nearby(ctx context.Context, category string, at models.Coord, radiusKm float64, limit int) ([]models.Candidate, error)
}

// MemoryIndex keeps last-known locations in process.
type MemoryIndex struct {
	mu          sync.RWMutex
	freelancers map[string]models.Freelancer
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{freelancers: make(map[string]models.Freelancer)}
}

func (g *MemoryIndex) Upsert(_ context.Context, f models.Freelancer) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if f.Updated.IsZero() {
		f.Updated = time.Now()
	}
	g.freelancers[f.ID] = f
	return nil
}

// Nearby scans every freelancer; results are nearest first. limit <= 0 means
// no cap.
func (g *MemoryIndex) Nearby(_ context.Context, category string, at models.Coord, radiusKm float64, limit int) ([]models.Candidate, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	arr := make([]models.Candidate, 0)
	for _, f := range g.freelancers {
		if !f.Online || f.Category != category {
			continue
		}
		km := Haversine(at.Lat, at.Lon, f.Loc.Lat, f.Loc.Lon) / 1000
		if km > radiusKm {
			continue
		}
		arr = append(arr, models.Candidate{FreelancerID: f.ID, Loc: f.Loc, DistanceKm: km})
	}
	n := limit
	if n <= 0 || n > len(arr) {
		n = len(arr)
	}
	// partial selection sort for top-N, ties broken by id
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if closer(arr[j], arr[minIdx]) {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	return arr[:n], nil
}

func closer(a, b models.Candidate) bool {
	if a.DistanceKm != b.DistanceKm {
		return a.DistanceKm < b.DistanceKm
	}
	return a.FreelancerID < b.FreelancerID
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
