package matcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

var pickup = models.Coord{Lat: -4.3217, Lon: 15.3125}

// driverAt places a driver roughly km kilometres north of the pickup.
func driverAt(id string, km float64) models.Driver {
	return models.Driver{
		ID: id, Available: true, Active: true, Vehicle: models.VehicleStandard,
		Loc: &models.Coord{Lat: pickup.Lat + km/111.195, Lon: pickup.Lon},
	}
}

func seeded(t *testing.T, drivers ...models.Driver) *storage.MemoryStore {
	t.Helper()
	s := storage.NewMemoryStore()
	for _, d := range drivers {
		if err := s.UpsertDriver(context.Background(), d); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func ids(c []Candidate) []string {
	out := make([]string, len(c))
	for i := range c {
		out[i] = c[i].Driver.ID
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type fixedRanker struct {
	ids []string
	err error
}

func (f fixedRanker) Rerank(context.Context, RerankInput) ([]string, error) { return f.ids, f.err }

type hangingRanker struct{}

func (hangingRanker) Rerank(ctx context.Context, _ RerankInput) ([]string, error) {
	time.Sleep(time.Second)
	return []string{"c"}, nil
}

type failingSource struct{}

func (failingSource) ListAvailableDrivers(context.Context, storage.DriverFilter) ([]models.Driver, error) {
	return nil, errors.New("db down")
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestFindNearestDriversDistanceOrder(t *testing.T) {
	busy := driverAt("busy", 0.1)
	busy.Available = false
	inactive := driverAt("inactive", 0.1)
	inactive.Active = false
	store := seeded(t, driverAt("c", 3), driverAt("a", 1), driverAt("far", 7), driverAt("b", 2), busy, inactive,
		models.Driver{ID: "ghost", Available: true, Active: true})
	s := &Service{Drivers: store, Logger: quiet()}

	got, err := s.FindNearestDrivers(context.Background(), pickup.Lat, pickup.Lon, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !equal(ids(got), []string{"a", "b", "c"}) {
		t.Fatalf("unexpected order %v", ids(got))
	}
	for _, c := range got {
		if c.DistanceKm > DefaultMaxDistanceKm || !c.Driver.Available {
			t.Fatalf("candidate %+v should have been filtered", c)
		}
	}

	got, _ = s.FindNearestDrivers(context.Background(), pickup.Lat, pickup.Lon, 10, 2)
	if !equal(ids(got), []string{"a", "b"}) {
		t.Fatalf("expected limit 2, got %v", ids(got))
	}
}

func TestFindNearestDriversEmpty(t *testing.T) {
	s := &Service{Drivers: seeded(t, driverAt("far", 9)), Logger: quiet()}
	got, err := s.FindNearestDrivers(context.Background(), pickup.Lat, pickup.Lon, 5, 5)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", got)
	}
}

func TestFindNearestDriversStoreFailure(t *testing.T) {
	s := &Service{Drivers: failingSource{}, Logger: quiet()}
	if _, err := s.FindNearestDrivers(context.Background(), 0, 0, 5, 5); !errors.Is(err, apperrors.ErrDependencyUnavailable) {
		t.Fatalf("expected dependency unavailable, got %v", err)
	}
}

func TestFindNearestDriversVehicleClass(t *testing.T) {
	moto := driverAt("moto", 1)
	moto.Vehicle = models.VehicleMoto
	s := &Service{Drivers: seeded(t, driverAt("car", 2), moto), Logger: quiet()}
	got, _ := s.FindNearestDriversFor(context.Background(), pickup.Lat, pickup.Lon, 5, 5, models.VehicleMoto)
	if !equal(ids(got), []string{"moto"}) {
		t.Fatalf("expected only moto, got %v", ids(got))
	}
}

func TestRerankerOrderIsSanitized(t *testing.T) {
	store := seeded(t, driverAt("a", 1), driverAt("b", 2), driverAt("c", 3), driverAt("d", 4))
	cases := []struct {
		name   string
		ranker Reranker
		limit  int
		want   []string
	}{
		{"reorders", fixedRanker{ids: []string{"c", "a", "b", "d"}}, 4, []string{"c", "a", "b", "d"}},
		{"drops unknown and duplicate", fixedRanker{ids: []string{"zz", "d", "d", "b"}}, 4, []string{"d", "b", "a", "c"}},
		{"pads short output", fixedRanker{ids: []string{"c"}}, 3, []string{"c", "a", "b"}},
		{"truncates to limit", fixedRanker{ids: []string{"d", "c", "b", "a"}}, 2, []string{"d", "c"}},
		{"error falls back", fixedRanker{err: errors.New("boom")}, 3, []string{"a", "b", "c"}},
		{"empty falls back", fixedRanker{ids: []string{}}, 3, []string{"a", "b", "c"}},
		{"timeout falls back", hangingRanker{}, 3, []string{"a", "b", "c"}},
	}
	for _, tc := range cases {
		s := &Service{Drivers: store, Reranker: tc.ranker, RerankTimeout: 30 * time.Millisecond, Logger: quiet()}
		start := time.Now()
		got, err := s.FindNearestDrivers(context.Background(), pickup.Lat, pickup.Lon, 5, tc.limit)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if !equal(ids(got), tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, ids(got))
		}
		if time.Since(start) > 500*time.Millisecond {
			t.Fatalf("%s: reranker wait was not bounded", tc.name)
		}
	}
}

func TestLocatorPrefilter(t *testing.T) {
	store := seeded(t, driverAt("a", 1), driverAt("b", 2))
	idx := geo.NewIndex()
	_ = idx.Upsert(context.Background(), "b", *driverAt("b", 2).Loc)
	s := &Service{Drivers: store, Locator: idx, Logger: quiet()}
	got, _ := s.FindNearestDrivers(context.Background(), pickup.Lat, pickup.Lon, 5, 5)
	if !equal(ids(got), []string{"b"}) {
		t.Fatalf("expected locator to narrow to b, got %v", ids(got))
	}

	empty := &Service{Drivers: store, Locator: geo.NewIndex(), Logger: quiet()}
	got, _ = empty.FindNearestDrivers(context.Background(), pickup.Lat, pickup.Lon, 5, 5)
	if len(got) != 0 {
		t.Fatalf("empty index should yield no candidates, got %v", ids(got))
	}
}

func TestCandidatesCarryETA(t *testing.T) {
	s := &Service{Drivers: seeded(t, driverAt("a", 1)), ETA: &eta.Estimator{SpeedMps: 10}, Logger: quiet()}
	got, _ := s.FindNearestDrivers(context.Background(), pickup.Lat, pickup.Lon, 5, 5)
	if len(got) != 1 || got[0].ETASeconds < 90 || got[0].ETASeconds > 110 {
		t.Fatalf("expected ~100s ETA, got %+v", got)
	}
}

type slowETA struct{ delay time.Duration }

func (s slowETA) EstimateSeconds(context.Context, models.Coord, models.Coord) (float64, error) {
	time.Sleep(s.delay)
	return 1, nil
}

type constETA float64

func (c constETA) EstimateSeconds(context.Context, models.Coord, models.Coord) (float64, error) {
	return float64(c), nil
}

func TestETAPassIsBoundedAsAWhole(t *testing.T) {
	drivers := []models.Driver{driverAt("a", 1), driverAt("b", 1.5), driverAt("c", 2), driverAt("d", 2.5), driverAt("e", 3)}
	s := &Service{
		Drivers:    seeded(t, drivers...),
		ETA:        &eta.Estimator{Client: slowETA{delay: time.Second}, SpeedMps: 10},
		ETATimeout: 50 * time.Millisecond,
		Logger:     quiet(),
	}
	start := time.Now()
	got, err := s.FindNearestDrivers(context.Background(), pickup.Lat, pickup.Lon, 5, 5)
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("eta pass took %v with a 50ms budget", elapsed)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 candidates, got %d", len(got))
	}
	for _, c := range got {
		want := eta.Naive(*c.Driver.Loc, pickup, 10)
		if c.ETASeconds != want {
			t.Fatalf("%s: expected straight-line %v, got %v", c.Driver.ID, want, c.ETASeconds)
		}
	}
}

func TestETAPassUsesClientWhenFast(t *testing.T) {
	s := &Service{
		Drivers: seeded(t, driverAt("a", 1), driverAt("b", 2)),
		ETA:     &eta.Estimator{Client: constETA(42), SpeedMps: 10},
		Logger:  quiet(),
	}
	got, _ := s.FindNearestDrivers(context.Background(), pickup.Lat, pickup.Lon, 5, 5)
	if len(got) != 2 || got[0].ETASeconds != 42 || got[1].ETASeconds != 42 {
		t.Fatalf("expected client ETAs, got %+v", got)
	}
}

func TestHTTPReranker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"driverIds":["b","a"]}`))
	}))
	defer srv.Close()
	got, err := NewHTTPReranker(srv.URL, "", time.Second).Rerank(context.Background(), RerankInput{})
	if err != nil {
		t.Fatal(err)
	}
	if !equal(got, []string{"b", "a"}) {
		t.Fatalf("unexpected ids %v", got)
	}
}
