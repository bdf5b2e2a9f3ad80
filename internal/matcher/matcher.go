package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	DefaultMaxDistanceKm = 5.0
	DefaultLimit         = 5
	DefaultRerankTimeout = 2 * time.Second
	DefaultETATimeout    = time.Second
)

// DriverSource is the slice of the store the matcher reads from.
type DriverSource interface {
	ListAvailableDrivers(ctx context.Context, f storage.DriverFilter) ([]models.Driver, error)
}

// RerankInput carries the filtered, distance-sorted set and the richer
// signals a reranker may use.
type RerankInput struct {
	PickupLat  float64           `json:"pickupLat"`
	PickupLon  float64           `json:"pickupLon"`
	Limit      int               `json:"limit"`
	Candidates []RerankCandidate `json:"candidates"`
}

type RerankCandidate struct {
	DriverID       string    `json:"driverId"`
	DistanceKm     float64   `json:"distanceKm"`
	Rating         float64   `json:"rating"`
	CompletedRides int       `json:"completedRides"`
	LastSeen       time.Time `json:"lastSeen"`
}

// Reranker returns driver ids in preferred order. Output is advisory: ids it
// invents are ignored.
type Reranker interface {
	Rerank(ctx context.Context, in RerankInput) ([]string, error)
}

type Candidate struct {
	Driver     models.Driver `json:"driver"`
	DistanceKm float64       `json:"distanceKm"`
	ETASeconds float64       `json:"etaSeconds"`
}

type Service struct {
	Drivers DriverSource
	// Locator narrows the store query to drivers the geo index places within
	// the radius. Optional; an index error falls back to the full scan.
	Locator       geo.Locator
	Reranker      Reranker // optional
	RerankTimeout time.Duration
	Vehicle       models.VehicleClass // empty means any class
	ETA           *eta.Estimator      // optional
	// ETATimeout bounds the whole ETA pass. Candidates still unresolved at
	// the deadline get the straight-line estimate.
	ETATimeout time.Duration
	Logger     *slog.Logger
}

// FindNearestDrivers returns at most limit available drivers within
// maxDistanceKm of the pickup. Non-positive maxDistanceKm or limit use the
// defaults. An empty result is not an error.
func (s *Service) FindNearestDrivers(ctx context.Context, lat, lon, maxDistanceKm float64, limit int) ([]Candidate, error) {
	return s.find(ctx, lat, lon, maxDistanceKm, limit, s.Vehicle)
}

// FindNearestDriversFor is FindNearestDrivers restricted to one vehicle class.
func (s *Service) FindNearestDriversFor(ctx context.Context, lat, lon, maxDistanceKm float64, limit int, class models.VehicleClass) ([]Candidate, error) {
	return s.find(ctx, lat, lon, maxDistanceKm, limit, class)
}

func (s *Service) find(ctx context.Context, lat, lon, maxDistanceKm float64, limit int, class models.VehicleClass) ([]Candidate, error) {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	if maxDistanceKm <= 0 {
		maxDistanceKm = DefaultMaxDistanceKm
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	pickup := models.Coord{Lat: lat, Lon: lon}
	filter := storage.DriverFilter{Vehicle: class, Near: &pickup, RadiusKm: maxDistanceKm}
	if s.Locator != nil {
		ids, err := s.Locator.Within(ctx, lat, lon, maxDistanceKm)
		if err != nil {
			s.logger().Warn("geo prefilter failed, scanning store", "err", err)
		} else {
			filter.IDs = ids
			if filter.IDs == nil {
				filter.IDs = []string{}
			}
		}
	}

	drivers, err := s.Drivers.ListAvailableDrivers(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("%w: list drivers: %v", apperrors.ErrDependencyUnavailable, err)
	}

	all := make([]Candidate, 0, len(drivers))
	for _, d := range drivers {
		if !d.Available || !d.Active || d.Loc == nil {
			continue
		}
		dist := geo.Between(*d.Loc, pickup)
		if dist > maxDistanceKm {
			continue
		}
		all = append(all, Candidate{Driver: d, DistanceKm: dist})
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].DistanceKm == all[j].DistanceKm {
			return all[i].Driver.ID < all[j].Driver.ID
		}
		return all[i].DistanceKm < all[j].DistanceKm
	})

	out := s.rerank(ctx, pickup, all, limit)
	if s.ETA != nil {
		s.fillETA(ctx, pickup, out)
	}
	observability.MatchCandidates.Observe(float64(len(out)))
	return out, nil
}

// rerank orders sorted by the reranker's preference, falling back to the
// distance order. The result never holds more than limit entries.
func (s *Service) rerank(ctx context.Context, pickup models.Coord, sorted []Candidate, limit int) []Candidate {
	if s.Reranker == nil || len(sorted) < 2 {
		return truncate(sorted, limit)
	}
	timeout := s.RerankTimeout
	if timeout <= 0 {
		timeout = DefaultRerankTimeout
	}
	in := RerankInput{PickupLat: pickup.Lat, PickupLon: pickup.Lon, Limit: limit, Candidates: make([]RerankCandidate, len(sorted))}
	for i, c := range sorted {
		in.Candidates[i] = RerankCandidate{
			DriverID:       c.Driver.ID,
			DistanceKm:     c.DistanceKm,
			Rating:         c.Driver.Rating,
			CompletedRides: c.Driver.CompletedRides,
			LastSeen:       c.Driver.LastSeen,
		}
	}

	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	type result struct {
		ids []string
		err error
	}
	done := make(chan result, 1)
	go func() {
		ids, err := s.Reranker.Rerank(rctx, in)
		done <- result{ids, err}
	}()
	var res result
	select {
	case res = <-done:
	case <-rctx.Done():
		res.err = rctx.Err()
	}
	if res.err == nil && len(res.ids) == 0 {
		res.err = errors.New("empty ranking")
	}
	if res.err != nil {
		observability.CollaboratorFallbacks.WithLabelValues("rerank").Inc()
		s.logger().Warn("rerank skipped, using distance order",
			"err", fmt.Errorf("%w: %v", apperrors.ErrExternalDegraded, res.err))
		return truncate(sorted, limit)
	}
	return merge(sorted, res.ids, limit)
}

// fillETA resolves candidate ETAs concurrently under one deadline.
func (s *Service) fillETA(ctx context.Context, pickup models.Coord, out []Candidate) {
	if len(out) == 0 {
		return
	}
	timeout := s.ETATimeout
	if timeout <= 0 {
		timeout = DefaultETATimeout
	}
	ectx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		i       int
		seconds float64
	}
	done := make(chan result, len(out))
	for i := range out {
		from := *out[i].Driver.Loc
		go func(i int) {
			done <- result{i, s.ETA.Seconds(ectx, from, pickup)}
		}(i)
	}
	resolved := make([]bool, len(out))
	for n := 0; n < len(out); n++ {
		select {
		case r := <-done:
			out[r.i].ETASeconds = r.seconds
			resolved[r.i] = true
		case <-ectx.Done():
			missing := 0
			for i := range out {
				if !resolved[i] {
					out[i].ETASeconds = eta.Naive(*out[i].Driver.Loc, pickup, s.ETA.SpeedMps)
					missing++
				}
			}
			observability.CollaboratorFallbacks.WithLabelValues("eta").Add(float64(missing))
			s.logger().Warn("eta deadline reached, using straight-line estimate", "missing", missing)
			return
		}
	}
}

// merge keeps ranked ids that exist in sorted, once each, then pads with the
// remaining candidates in distance order.
func merge(sorted []Candidate, ranked []string, limit int) []Candidate {
	byID := make(map[string]int, len(sorted))
	for i, c := range sorted {
		byID[c.Driver.ID] = i
	}
	used := make(map[int]bool, len(sorted))
	out := make([]Candidate, 0, limit)
	for _, id := range ranked {
		if len(out) == limit {
			return out
		}
		i, ok := byID[id]
		if !ok || used[i] {
			continue
		}
		used[i] = true
		out = append(out, sorted[i])
	}
	for i, c := range sorted {
		if len(out) == limit {
			break
		}
		if !used[i] {
			out = append(out, c)
		}
	}
	return out
}

func truncate(c []Candidate, limit int) []Candidate {
	if len(c) > limit {
		c = c[:limit]
	}
	return c
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
