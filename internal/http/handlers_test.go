package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/storage"
)

type recordedLocations struct{ got []models.DriverLocation }

func (r *recordedLocations) PublishLocation(_ context.Context, loc models.DriverLocation) error {
	r.got = append(r.got, loc)
	return nil
}

type env struct {
	srv       *httptest.Server
	verifier  *auth.Verifier
	store     *storage.MemoryStore
	bus       *dispatch.Bus
	locations *recordedLocations
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	_ = store.UpsertDriver(context.Background(), models.Driver{
		ID: "d1", Available: true, Active: true, Vehicle: models.VehicleStandard,
		Loc: &models.Coord{Lat: -4.3200, Lon: 15.3125},
	})
	ws := dispatch.NewWSRegistry()
	bus := dispatch.NewBus(dispatch.BusOptions{Backoff: time.Millisecond, Logger: logger}, ws)
	svc := rides.NewService(store,
		&matcher.Service{Drivers: store, Logger: logger},
		pricing.NewCalculator(nil, nil, 0, time.UTC, logger),
		bus, rides.Options{Logger: logger})
	verifier := auth.NewVerifier("test-secret", "ride-dispatch")
	locs := &recordedLocations{}
	s := NewServer(Deps{
		Rides: svc, Auth: verifier, WS: ws, Locations: locs, Logger: logger,
		Checks: []Check{{Name: "store", Fn: store.Ping}},
	})
	srv := httptest.NewServer(s)
	t.Cleanup(func() {
		srv.Close()
		_ = bus.Close(context.Background())
	})
	return &env{srv: srv, verifier: verifier, store: store, bus: bus, locations: locs}
}

func (e *env) token(t *testing.T, role models.Role, id string) string {
	t.Helper()
	tok, err := e.verifier.Sign(models.Actor{Role: role, ID: id}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (e *env) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, e.srv.URL+path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

var trip = map[string]any{
	"pickupLat": -4.3217, "pickupLon": 15.3125, "pickupAddress": "Gombe",
	"destinationLat": -4.40, "destinationLon": 15.30, "destinationAddress": "Limete",
	"paymentMethod": "CASH",
}

func TestRideLifecycleOverHTTP(t *testing.T) {
	e := newEnv(t)
	client := e.token(t, models.RoleClient, "c1")
	driver := e.token(t, models.RoleDriver, "d1")

	resp, body := e.do(t, "POST", "/api/rides/request", client, trip)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("request: status %d body %v", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("missing request id header")
	}
	ride := body["ride"].(map[string]any)
	id := ride["id"].(string)
	if ride["status"] != "REQUESTED" || body["candidates"].(float64) != 1 {
		t.Fatalf("unexpected request response %v", body)
	}

	if resp, body = e.do(t, "POST", "/api/rides/"+id+"/start", driver, nil); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("start by unassigned driver: %d %v", resp.StatusCode, body)
	}
	for _, step := range []struct{ path, status string }{
		{"accept", "ACCEPTED"}, {"arrived", "ARRIVED"}, {"start", "IN_PROGRESS"}, {"complete", "COMPLETED"},
	} {
		resp, body = e.do(t, "POST", "/api/rides/"+id+"/"+step.path, driver, nil)
		if resp.StatusCode != http.StatusOK || body["status"] != step.status {
			t.Fatalf("%s: status %d body %v", step.path, resp.StatusCode, body)
		}
	}
	if resp, _ = e.do(t, "POST", "/api/rides/"+id+"/cancel", client, map[string]string{"reason": "late"}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("cancel after complete should be 400, got %d", resp.StatusCode)
	}

	resp, body = e.do(t, "GET", "/api/rides/"+id, client, nil)
	if resp.StatusCode != http.StatusOK || body["finalPrice"] == nil {
		t.Fatalf("get: status %d body %v", resp.StatusCode, body)
	}
	resp, body = e.do(t, "GET", "/api/rides?limit=5", driver, nil)
	if resp.StatusCode != http.StatusOK || body["total"].(float64) != 1 {
		t.Fatalf("list: status %d body %v", resp.StatusCode, body)
	}
}

func TestErrorMapping(t *testing.T) {
	e := newEnv(t)
	client := e.token(t, models.RoleClient, "c1")
	driver := e.token(t, models.RoleDriver, "d1")

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		want   int
	}{
		{"no token", "POST", "/api/rides/request", "", trip, http.StatusUnauthorized},
		{"bad token", "POST", "/api/rides/request", "nope", trip, http.StatusUnauthorized},
		{"driver requests", "POST", "/api/rides/request", driver, trip, http.StatusForbidden},
		{"bad body", "POST", "/api/rides/request", client, "not an object", http.StatusBadRequest},
		{"missing address", "POST", "/api/rides/request", client, map[string]any{"pickupLat": 1, "pickupLon": 1, "destinationLat": 1, "destinationLon": 1, "paymentMethod": "CASH"}, http.StatusBadRequest},
		{"unknown ride", "GET", "/api/rides/nope", client, nil, http.StatusNotFound},
		{"bad limit", "GET", "/api/rides?limit=-1", client, nil, http.StatusBadRequest},
	}
	for _, c := range cases {
		resp, body := e.do(t, c.method, c.path, c.token, c.body)
		if resp.StatusCode != c.want {
			t.Fatalf("%s: expected %d, got %d %v", c.name, c.want, resp.StatusCode, body)
		}
		if body["error"] == nil {
			t.Fatalf("%s: expected error body, got %v", c.name, body)
		}
	}
}

func TestRequestWithoutDriversIs404(t *testing.T) {
	e := newEnv(t)
	far := map[string]any{}
	for k, v := range trip {
		far[k] = v
	}
	far["pickupLat"], far["pickupLon"] = 48.85, 2.35
	resp, body := e.do(t, "POST", "/api/rides/request", e.token(t, models.RoleClient, "c1"), far)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %v", resp.StatusCode, body)
	}
	if !strings.Contains(body["error"].(string), "no drivers available") {
		t.Fatalf("unexpected error %v", body)
	}
}

func TestEstimateEndpoint(t *testing.T) {
	e := newEnv(t)
	resp, body := e.do(t, "POST", "/api/rides/estimate", e.token(t, models.RoleClient, "c1"), map[string]any{
		"pickupLat": 0, "pickupLon": 0, "destinationLat": 0, "destinationLon": 0.1, "vehicleClass": "MOTO",
	})
	if resp.StatusCode != http.StatusOK || body["price"].(float64) < 3000 {
		t.Fatalf("unexpected estimate %d %v", resp.StatusCode, body)
	}
}

func TestDriverEndpoints(t *testing.T) {
	e := newEnv(t)
	driver := e.token(t, models.RoleDriver, "d1")
	resp, _ := e.do(t, "POST", "/internal/drivers/d1/location", driver, map[string]float64{"latitude": -4.33, "longitude": 15.31})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("location: %d", resp.StatusCode)
	}
	if len(e.locations.got) != 1 || e.locations.got[0].DriverID != "d1" {
		t.Fatalf("location not forwarded: %+v", e.locations.got)
	}
	if resp, _ = e.do(t, "POST", "/internal/drivers/d2/location", driver, map[string]float64{"latitude": 1, "longitude": 1}); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign location update: %d", resp.StatusCode)
	}
	if resp, _ = e.do(t, "POST", "/internal/drivers/d1/location", driver, map[string]float64{"latitude": 1}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("partial location: %d", resp.StatusCode)
	}

	admin := e.token(t, models.RoleAdmin, "ops")
	resp, body := e.do(t, "PUT", "/internal/drivers/d9", admin, map[string]any{"latitude": -4.3, "longitude": 15.3, "isAvailable": true, "vehicleClass": "SUV"})
	if resp.StatusCode != http.StatusOK || body["vehicleClass"] != "SUV" {
		t.Fatalf("upsert: %d %v", resp.StatusCode, body)
	}
	// the response uses the same field names the request does
	for _, key := range []string{"isAvailable", "isActive", "averageRating", "location"} {
		if _, ok := body[key]; !ok {
			t.Fatalf("driver response lacks %q: %v", key, body)
		}
	}
	if body["isAvailable"] != true {
		t.Fatalf("driver not available: %v", body)
	}
}

func TestRideJSONUsesCamelCase(t *testing.T) {
	e := newEnv(t)
	client := e.token(t, models.RoleClient, "c1")
	resp, body := e.do(t, "POST", "/api/rides/request", client, trip)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("request: %d %v", resp.StatusCode, body)
	}
	ride := body["ride"].(map[string]any)
	for _, key := range []string{"clientId", "estimatedPrice", "distanceKm", "paymentMethod", "paymentStatus", "requestedAt", "vehicleClass"} {
		if _, ok := ride[key]; !ok {
			t.Fatalf("ride lacks %q: %v", key, ride)
		}
	}
	if _, ok := ride["estimated_price"]; ok {
		t.Fatalf("snake_case key leaked: %v", ride)
	}
}

// cancelChunked posts body to the cancel route with chunked framing, so the
// server sees ContentLength -1 even when nothing follows.
func (e *env) cancelChunked(t *testing.T, id, token, body string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest("POST", e.srv.URL+"/api/rides/"+id+"/cancel", strings.NewReader(body))
	req.ContentLength = -1
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp
}

func TestCancelAcceptsEmptyChunkedBody(t *testing.T) {
	e := newEnv(t)
	client := e.token(t, models.RoleClient, "c1")
	resp, body := e.do(t, "POST", "/api/rides/request", client, trip)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("request: %d %v", resp.StatusCode, body)
	}
	id := body["ride"].(map[string]any)["id"].(string)

	if resp := e.cancelChunked(t, id, client, "{"); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body should be 400, got %d", resp.StatusCode)
	}
	if resp := e.cancelChunked(t, id, client, ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("empty chunked cancel should succeed, got %d", resp.StatusCode)
	}
	ride, err := e.store.GetRide(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if ride.Status != models.StatusCancelled || ride.CancelReason != rides.ReasonDefaultCancel {
		t.Fatalf("unexpected ride after cancel: status=%s reason=%q", ride.Status, ride.CancelReason)
	}
}

func TestHealthAndReady(t *testing.T) {
	e := newEnv(t)
	for _, path := range []string{"/healthz", "/ready", "/metrics"} {
		resp, err := http.Get(e.srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: %d", path, resp.StatusCode)
		}
	}
}

func TestReadyReportsFailingCheck(t *testing.T) {
	s := NewServer(Deps{
		Auth: auth.NewVerifier("x", ""), WS: dispatch.NewWSRegistry(),
		Rides:  rides.NewService(storage.NewMemoryStore(), nil, nil, nil, rides.Options{}),
		Checks: []Check{{Name: "redis", Fn: func(context.Context) error { return errors.New("down") }}},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest("GET", "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "redis") {
		t.Fatalf("unexpected ready response %d %s", rec.Code, rec.Body.String())
	}
}

func TestWebsocketReceivesRideEvents(t *testing.T) {
	e := newEnv(t)
	driverTok := e.token(t, models.RoleDriver, "d1")
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?token=" + driverTok
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// the session registers after the handshake returns
	time.Sleep(50 * time.Millisecond)
	resp, body := e.do(t, "POST", "/api/rides/request", e.token(t, models.RoleClient, "c1"), trip)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("request: %d %v", resp.StatusCode, body)
	}

	var env dispatch.Envelope
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatal(err)
	}
	if env.Channel != "driver:d1" || env.Event != rides.EventRequested {
		t.Fatalf("unexpected envelope %+v", env)
	}

	if _, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(e.srv.URL, "http")+"/ws", nil); err == nil {
		t.Fatalf("unauthenticated websocket should be refused")
	}
}
