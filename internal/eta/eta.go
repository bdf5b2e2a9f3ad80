package eta

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// DefaultSpeedMps is roughly 29 km/h, a typical urban average.
const DefaultSpeedMps = 8.0

// DefaultMaxEntries bounds the cache when NewCache is used.
const DefaultMaxEntries = 10000

// Client returns a driving-time estimate between two points.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// Cache memoizes pickup ETAs keyed by rounded coordinates.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]cacheEntry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

type cacheEntry struct {
	seconds float64
	expires time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{entries: make(map[string]cacheEntry), ttl: ttl, maxEntries: DefaultMaxEntries, now: time.Now}
}

// cacheKey rounds to four decimals (about 11 m) so a slowly moving
// driver keeps hitting the same entry.
func cacheKey(a, b models.Coord) string {
	return fmt.Sprintf("%.4f,%.4f>%.4f,%.4f", a.Lat, a.Lon, b.Lat, b.Lon)
}

func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := cacheKey(a, b)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok {
		return 0, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, k)
		return 0, false
	}
	return e.seconds, true
}

func (c *Cache) Set(a, b models.Coord, seconds float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if len(c.entries) >= c.maxEntries {
		c.pruneLocked(now)
	}
	if len(c.entries) >= c.maxEntries {
		return
	}
	c.entries[cacheKey(a, b)] = cacheEntry{seconds: seconds, expires: now.Add(c.ttl)}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) pruneLocked(now time.Time) {
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}
}

// Naive is straight-line distance over a constant speed.
func Naive(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	return geo.Between(from, to) * 1000 / speedMps
}

// Estimator resolves ETAs through the cache, then the routing client, then
// the naive estimate. It never fails.
type Estimator struct {
	Client   Client // optional
	Cache    *Cache // optional
	SpeedMps float64
}

func (e *Estimator) Seconds(ctx context.Context, from, to models.Coord) float64 {
	if e.Cache != nil {
		if v, ok := e.Cache.Get(from, to); ok {
			return v
		}
	}
	if e.Client != nil {
		v, err := e.Client.EstimateSeconds(ctx, from, to)
		if err == nil {
			if e.Cache != nil {
				e.Cache.Set(from, to, v)
			}
			return v
		}
		observability.CollaboratorFallbacks.WithLabelValues("eta").Inc()
	}
	return Naive(from, to, e.SpeedMps)
}
