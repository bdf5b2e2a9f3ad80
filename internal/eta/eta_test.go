package eta

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type fakeClient struct {
	v     float64
	err   error
	calls int
}

func (f *fakeClient) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	f.calls++
	return f.v, f.err
}

func TestEstimatorFallsBackToNaive(t *testing.T) {
	e := &Estimator{Client: &fakeClient{err: errors.New("down")}, SpeedMps: 10}
	from := models.Coord{Lat: 0, Lon: 0}
	to := models.Coord{Lat: 0.01, Lon: 0}
	got := e.Seconds(context.Background(), from, to)
	want := Naive(from, to, 10)
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("expected naive %f, got %f", want, got)
	}
	// 0.01 deg of latitude is ~1.112 km
	if got < 110 || got > 112 {
		t.Fatalf("naive eta = %f, want ~111s", got)
	}
}

func TestNaiveDefaultsSpeed(t *testing.T) {
	from, to := models.Coord{}, models.Coord{Lat: 0.01}
	if Naive(from, to, 0) != Naive(from, to, DefaultSpeedMps) {
		t.Fatalf("zero speed should use the default")
	}
}

func TestEstimatorUsesCache(t *testing.T) {
	fc := &fakeClient{v: 120}
	e := &Estimator{Client: fc, Cache: NewCache(time.Minute)}
	from := models.Coord{Lat: 1, Lon: 1}
	to := models.Coord{Lat: 1.01, Lon: 1}
	for i := 0; i < 3; i++ {
		if got := e.Seconds(context.Background(), from, to); got != 120 {
			t.Fatalf("expected 120, got %f", got)
		}
	}
	if fc.calls != 1 {
		t.Fatalf("expected a single client call, got %d", fc.calls)
	}
}

func TestCacheExpires(t *testing.T) {
	now := time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC)
	c := NewCache(time.Minute)
	c.now = func() time.Time { return now }
	a, b := models.Coord{Lat: 1}, models.Coord{Lat: 2}
	c.Set(a, b, 5)
	if v, ok := c.Get(a, b); !ok || v != 5 {
		t.Fatalf("expected a hit, got %v %v", v, ok)
	}
	now = now.Add(time.Minute)
	if _, ok := c.Get(a, b); ok {
		t.Fatalf("expected entry to expire")
	}
}

func TestCacheIsBounded(t *testing.T) {
	now := time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC)
	c := NewCache(time.Minute)
	c.now = func() time.Time { return now }
	c.maxEntries = 2
	c.Set(models.Coord{Lat: 1}, models.Coord{}, 1)
	c.Set(models.Coord{Lat: 2}, models.Coord{}, 2)
	c.Set(models.Coord{Lat: 3}, models.Coord{}, 3)
	if c.Len() != 2 {
		t.Fatalf("len = %d, want 2", c.Len())
	}
	// once the old entries expire there is room again
	now = now.Add(2 * time.Minute)
	c.Set(models.Coord{Lat: 3}, models.Coord{}, 3)
	if v, ok := c.Get(models.Coord{Lat: 3}, models.Coord{}); !ok || v != 3 {
		t.Fatalf("expected new entry after prune")
	}
}

func TestOSRMClient(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"duration":321.5}]}`))
	}))
	defer srv.Close()
	c := NewOSRMClient(srv.URL+"/", time.Second)
	got, err := c.EstimateSeconds(context.Background(), models.Coord{Lat: -4.3, Lon: 15.3}, models.Coord{Lat: -4.4, Lon: 15.2})
	if err != nil {
		t.Fatal(err)
	}
	if got != 321.5 {
		t.Fatalf("expected 321.5, got %f", got)
	}
	if !strings.HasPrefix(path, "/route/v1/driving/15.300000,-4.300000;") {
		t.Fatalf("unexpected path %s", path)
	}
}

func TestOSRMClientNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"NoRoute","message":"Impossible route"}`))
	}))
	defer srv.Close()
	_, err := NewOSRMClient(srv.URL, time.Second).EstimateSeconds(context.Background(), models.Coord{}, models.Coord{Lat: 1})
	if err == nil || !strings.Contains(err.Error(), "NoRoute") {
		t.Fatalf("err = %v", err)
	}
}
