package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/rides"
)

// LocationPublisher forwards accepted driver positions downstream.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, loc models.DriverLocation) error
}

// Check is a named readiness check.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

type Deps struct {
	Rides     *rides.Service
	Auth      *auth.Verifier
	WS        *dispatch.WSRegistry
	Locations LocationPublisher // optional
	Checks    []Check
	Logger    *slog.Logger
}

type Server struct {
	rides     *rides.Service
	auth      *auth.Verifier
	ws        *dispatch.WSRegistry
	locations LocationPublisher
	checks    []Check
	logger    *slog.Logger
	mux       *mux.Router
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	s := &Server{
		rides:     d.Rides,
		auth:      d.Auth,
		ws:        d.WS,
		locations: d.Locations,
		checks:    d.Checks,
		logger:    d.Logger,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS).Methods("GET")

	api := s.mux.PathPrefix("/api").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/rides/request", s.handleRequest).Methods("POST")
	api.HandleFunc("/rides/estimate", s.handleEstimate).Methods("POST")
	api.HandleFunc("/rides", s.handleList).Methods("GET")
	api.HandleFunc("/rides/{id}", s.handleGet).Methods("GET")
	api.HandleFunc("/rides/{id}/accept", s.transition(s.rides.Accept)).Methods("POST")
	api.HandleFunc("/rides/{id}/arrived", s.transition(s.rides.Arrived)).Methods("POST")
	api.HandleFunc("/rides/{id}/start", s.transition(s.rides.Start)).Methods("POST")
	api.HandleFunc("/rides/{id}/complete", s.transition(s.rides.Complete)).Methods("POST")
	api.HandleFunc("/rides/{id}/cancel", s.handleCancel).Methods("POST")

	internal := s.mux.PathPrefix("/internal").Subrouter()
	internal.Use(s.authMiddleware)
	internal.HandleFunc("/drivers/{id}", s.handleUpsertDriver).Methods("PUT")
	internal.HandleFunc("/drivers/{id}/location", s.handleDriverLocation).Methods("POST")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type requestResponse struct {
	Ride       *models.Ride `json:"ride"`
	Candidates int          `json:"candidates"`
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	var in rides.RequestInput
	if !s.decode(w, r, &in) {
		return
	}
	ride, cands, err := s.rides.Request(r.Context(), actorFrom(r.Context()), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, requestResponse{Ride: ride, Candidates: len(cands)})
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var in rides.EstimateInput
	if !s.decode(w, r, &in) {
		return
	}
	q, err := s.rides.Estimate(r.Context(), actorFrom(r.Context()), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	ride, err := s.rides.Get(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := rides.ListQuery{Status: models.RideStatus(r.URL.Query().Get("status"))}
	var err error
	if q.Limit, err = intParam(r, "limit"); err != nil {
		s.writeError(w, r, err)
		return
	}
	if q.Offset, err = intParam(r, "offset"); err != nil {
		s.writeError(w, r, err)
		return
	}
	page, err := s.rides.List(r.Context(), actorFrom(r.Context()), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type transitionFunc func(ctx context.Context, actor models.Actor, rideID string) (*models.Ride, error)

func (s *Server) transition(fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ride, err := fn(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ride)
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if !s.decodeOptional(w, r, &body) {
		return
	}
	ride, err := s.rides.Cancel(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"], body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleUpsertDriver(w http.ResponseWriter, r *http.Request) {
	var in rides.DriverInput
	if !s.decode(w, r, &in) {
		return
	}
	d, err := s.rides.UpsertDriver(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"], in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	if body.Latitude == nil || body.Longitude == nil {
		s.writeError(w, r, fmt.Errorf("%w: latitude and longitude are required", apperrors.ErrValidation))
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.rides.UpdateDriverLocation(r.Context(), actorFrom(r.Context()), id, *body.Latitude, *body.Longitude); err != nil {
		s.writeError(w, r, err)
		return
	}
	// publish to kafka if configured
	if s.locations != nil {
		loc := models.DriverLocation{DriverID: id, Loc: models.Coord{Lat: *body.Latitude, Lon: *body.Longitude}, At: time.Now().UTC()}
		if err := s.locations.PublishLocation(r.Context(), loc); err != nil {
			s.logger.Warn("location publish failed", "driver_id", id, "err", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for _, c := range s.checks {
		if err := c.Fn(ctx); err != nil {
			failed[c.Name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

var upgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}

// handleWS subscribes the caller to its own channel. Browsers cannot set
// headers on the upgrade request, so the token may also come as ?token=.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	header := r.Header.Get("Authorization")
	if header == "" && r.URL.Query().Get("token") != "" {
		header = "Bearer " + r.URL.Query().Get("token")
	}
	actor, err := s.auth.Actor(header)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	channel := actor.Channel()
	session := s.ws.Add(channel, conn)
	s.logger.Info("websocket connected", "channel", channel)
	go func() {
		defer func() {
			s.ws.Remove(channel, session)
			_ = conn.Close()
			s.logger.Info("websocket disconnected", "channel", channel)
		}()
		conn.SetReadLimit(1024)
		for {
			// inbound frames are ignored; reading surfaces the close
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: invalid JSON body: %v", apperrors.ErrValidation, err))
		return false
	}
	return true
}

// decodeOptional is decode for endpoints whose body may be empty, however
// it is framed.
func (s *Server) decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, r, fmt.Errorf("%w: invalid JSON body: %v", apperrors.ErrValidation, err))
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	msg := err.Error()
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		status = http.StatusUnauthorized
	case status >= 500:
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "err", err)
		msg = http.StatusText(status)
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func intParam(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", apperrors.ErrValidation, key)
	}
	return n, nil
}
