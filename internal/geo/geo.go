package geo

import (
	"context"
	"math"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// EarthRadiusKm is the mean Earth radius used by DistanceKm.
const EarthRadiusKm = 6371.0

// DistanceKm returns the great-circle distance between two points using the
// haversine formula. Coordinates must already be validated.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

// Between is DistanceKm over two coords.
func Between(a, b models.Coord) float64 {
	return DistanceKm(a.Lat, a.Lon, b.Lat, b.Lon)
}

// ValidCoord reports whether lat/lon are finite decimal degrees in range.
func ValidCoord(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// Locator is a spatial index of last known driver positions. The matcher uses
// it to narrow the store query; the store stays authoritative.
type Locator interface {
	Upsert(ctx context.Context, driverID string, c models.Coord) error
	Remove(ctx context.Context, driverID string) error
	Within(ctx context.Context, lat, lon, radiusKm float64) ([]string, error)
}

// Index is an in-process Locator.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.Coord
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.Coord)}
}

func (g *Index) Upsert(_ context.Context, driverID string, c models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[driverID] = c
	return nil
}

func (g *Index) Remove(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, driverID)
	return nil
}

// naive scan; in prod use geo-hash or Redis
func (g *Index) Within(_ context.Context, lat, lon, radiusKm float64) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0)
	for id, c := range g.drivers {
		if DistanceKm(lat, lon, c.Lat, c.Lon) <= radiusKm {
			out = append(out, id)
		}
	}
	return out, nil
}
