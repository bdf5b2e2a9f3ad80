package rides

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	ReasonNoDrivers      = "no drivers available"
	ReasonMatchingFailed = "matching unavailable"
	ReasonDefaultCancel  = "cancelled by user"
	ReasonRequestExpired = "request expired"
	DefaultListLimit     = 10
	MaxListLimit         = 100
	maxCancelAttempts    = 3
	staleBatchSize       = 100
)

// Matcher finds candidate drivers for a pickup.
type Matcher interface {
	FindNearestDriversFor(ctx context.Context, lat, lon, maxDistanceKm float64, limit int, class models.VehicleClass) ([]matcher.Candidate, error)
}

// Pricer quotes a fare.
type Pricer interface {
	Estimate(ctx context.Context, distanceKm float64, class models.VehicleClass, at time.Time) (pricing.Quote, error)
}

type Options struct {
	MatchRadiusKm float64
	MatchLimit    int
	// Locator mirrors driver positions for the matcher's prefilter. Optional.
	Locator geo.Locator
	Now     func() time.Time
	Logger  *slog.Logger
}

// Service runs the ride lifecycle. Every status change goes through the
// store's compare-and-swap, and events are published only after it commits.
type Service struct {
	store   storage.Store
	matcher Matcher
	pricer  Pricer
	bus     Publisher
	locator geo.Locator
	radius  float64
	limit   int
	now     func() time.Time
	logger  *slog.Logger
}

func NewService(store storage.Store, m Matcher, p Pricer, bus Publisher, opts Options) *Service {
	s := &Service{
		store:   store,
		matcher: m,
		pricer:  p,
		bus:     bus,
		locator: opts.Locator,
		radius:  opts.MatchRadiusKm,
		limit:   opts.MatchLimit,
		now:     opts.Now,
		logger:  opts.Logger,
	}
	if s.bus == nil {
		s.bus = nopPublisher{}
	}
	if s.radius <= 0 {
		s.radius = matcher.DefaultMaxDistanceKm
	}
	if s.limit <= 0 {
		s.limit = matcher.DefaultLimit
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

type RequestInput struct {
	PickupLat          float64              `json:"pickupLat"`
	PickupLon          float64              `json:"pickupLon"`
	PickupAddress      string               `json:"pickupAddress"`
	DestinationLat     float64              `json:"destinationLat"`
	DestinationLon     float64              `json:"destinationLon"`
	DestinationAddress string               `json:"destinationAddress"`
	PaymentMethod      models.PaymentMethod `json:"paymentMethod"`
	VehicleClass       models.VehicleClass  `json:"vehicleClass,omitempty"`
}

func (in *RequestInput) validate() error {
	var problems []string
	if !geo.ValidCoord(in.PickupLat, in.PickupLon) {
		problems = append(problems, "pickup coordinates are invalid")
	}
	if !geo.ValidCoord(in.DestinationLat, in.DestinationLon) {
		problems = append(problems, "destination coordinates are invalid")
	}
	if strings.TrimSpace(in.PickupAddress) == "" {
		problems = append(problems, "pickupAddress is required")
	}
	if strings.TrimSpace(in.DestinationAddress) == "" {
		problems = append(problems, "destinationAddress is required")
	}
	if !in.PaymentMethod.Valid() {
		problems = append(problems, "paymentMethod must be CASH, WALLET or MOBILE_MONEY")
	}
	if in.VehicleClass == "" {
		in.VehicleClass = models.VehicleStandard
	}
	if !in.VehicleClass.Valid() {
		problems = append(problems, "vehicleClass is unknown")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", apperrors.ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// Request creates a ride for the client and offers it to the nearest
// drivers. When nobody qualifies the ride is cancelled straight away and
// the cancelled ride is returned together with ErrNoDriversAvailable.
func (s *Service) Request(ctx context.Context, actor models.Actor, in RequestInput) (*models.Ride, []matcher.Candidate, error) {
	if actor.Role != models.RoleClient {
		return nil, nil, s.fail("request", fmt.Errorf("%w: only clients can request rides", apperrors.ErrForbidden))
	}
	if err := in.validate(); err != nil {
		return nil, nil, s.fail("request", err)
	}
	active, err := s.store.FindActiveRideForClient(ctx, actor.ID)
	if err != nil {
		return nil, nil, s.fail("request", err)
	}
	if active != nil {
		return nil, nil, s.fail("request", fmt.Errorf("%w: client already has an active ride", apperrors.ErrInvalidState))
	}

	now := s.now()
	pickup := models.Location{Latitude: in.PickupLat, Longitude: in.PickupLon, Address: in.PickupAddress}
	dest := models.Location{Latitude: in.DestinationLat, Longitude: in.DestinationLon, Address: in.DestinationAddress}
	distance := geo.Between(pickup.Coord(), dest.Coord())
	quote, err := s.pricer.Estimate(ctx, distance, in.VehicleClass, now)
	if err != nil {
		return nil, nil, s.fail("request", err)
	}

	ride := &models.Ride{
		ID:             uuid.NewString(),
		ClientID:       actor.ID,
		Status:         models.StatusRequested,
		Pickup:         pickup,
		Destination:    dest,
		Vehicle:        in.VehicleClass,
		EstimatedPrice: quote.Price,
		DistanceKm:     distance,
		PaymentMethod:  in.PaymentMethod,
		PaymentStatus:  models.PaymentPending,
		RequestedAt:    now,
	}
	if err := s.store.CreateRide(ctx, ride); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			err = fmt.Errorf("%w: client already has an active ride", apperrors.ErrInvalidState)
		}
		return nil, nil, s.fail("request", err)
	}

	candidates, err := s.matcher.FindNearestDriversFor(ctx, in.PickupLat, in.PickupLon, s.radius, s.limit, in.VehicleClass)
	if err != nil {
		cancelled := s.cancelUnmatched(ctx, ride, ReasonMatchingFailed)
		return cancelled, nil, s.fail("request", err)
	}
	if len(candidates) == 0 {
		cancelled := s.cancelUnmatched(ctx, ride, ReasonNoDrivers)
		return cancelled, []matcher.Candidate{}, s.fail("request", fmt.Errorf("%w: no driver within %.1f km", apperrors.ErrNoDriversAvailable, s.radius))
	}

	for _, c := range candidates {
		s.bus.Publish(models.DriverChannel(c.Driver.ID), EventRequested, RequestedEvent{
			RideID:         ride.ID,
			Pickup:         pickup,
			Destination:    dest,
			Distance:       distance,
			EstimatedPrice: ride.EstimatedPrice,
			PickupKm:       c.DistanceKm,
			PickupETA:      c.ETASeconds,
		})
	}
	s.ok("request")
	s.logger.Info("ride requested", "ride_id", ride.ID, "client_id", actor.ID, "candidates", len(candidates), "price", ride.EstimatedPrice)
	return ride, candidates, nil
}

// cancelUnmatched moves a fresh ride to CANCELLED. A failure here is logged
// and the last known ride returned; the caller already reports an error.
func (s *Service) cancelUnmatched(ctx context.Context, ride *models.Ride, reason string) *models.Ride {
	now := s.now()
	out, err := s.store.UpdateRideStatus(ctx, ride.ID, models.StatusRequested, storage.RideUpdate{
		Status:       models.StatusCancelled,
		CancelledAt:  &now,
		CancelReason: reason,
		CancelledBy:  models.RoleSystem,
	})
	if err != nil {
		s.logger.Error("cancel unmatched ride", "ride_id", ride.ID, "err", err)
		return ride
	}
	return out
}

type EstimateInput struct {
	PickupLat      float64             `json:"pickupLat"`
	PickupLon      float64             `json:"pickupLon"`
	DestinationLat float64             `json:"destinationLat"`
	DestinationLon float64             `json:"destinationLon"`
	VehicleClass   models.VehicleClass `json:"vehicleClass,omitempty"`
}

// Estimate quotes a trip without creating anything.
func (s *Service) Estimate(ctx context.Context, actor models.Actor, in EstimateInput) (pricing.Quote, error) {
	if actor.Role != models.RoleClient && actor.Role != models.RoleAdmin {
		return pricing.Quote{}, fmt.Errorf("%w: only clients can request estimates", apperrors.ErrForbidden)
	}
	if !geo.ValidCoord(in.PickupLat, in.PickupLon) || !geo.ValidCoord(in.DestinationLat, in.DestinationLon) {
		return pricing.Quote{}, fmt.Errorf("%w: coordinates are invalid", apperrors.ErrValidation)
	}
	if in.VehicleClass == "" {
		in.VehicleClass = models.VehicleStandard
	}
	d := geo.DistanceKm(in.PickupLat, in.PickupLon, in.DestinationLat, in.DestinationLon)
	return s.pricer.Estimate(ctx, d, in.VehicleClass, s.now())
}

// Get returns a ride visible to the actor: its client, its driver, or an admin.
func (s *Service) Get(ctx context.Context, actor models.Actor, rideID string) (*models.Ride, error) {
	ride, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if actor.Role != models.RoleAdmin && !ride.IsParty(actor) {
		return nil, fmt.Errorf("%w: ride %s", apperrors.ErrForbidden, rideID)
	}
	return ride, nil
}

type ListQuery struct {
	Status models.RideStatus
	Limit  int
	Offset int
}

type Page struct {
	Rides  []models.Ride `json:"rides"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// List pages through the actor's rides, newest first. Admins see every ride.
func (s *Service) List(ctx context.Context, actor models.Actor, q ListQuery) (Page, error) {
	if q.Status != "" && !q.Status.Valid() {
		return Page{}, fmt.Errorf("%w: unknown status %q", apperrors.ErrValidation, q.Status)
	}
	if q.Limit <= 0 {
		q.Limit = DefaultListLimit
	}
	if q.Limit > MaxListLimit {
		q.Limit = MaxListLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	rq := storage.RideQuery{Status: q.Status, Limit: q.Limit, Offset: q.Offset}
	switch actor.Role {
	case models.RoleClient:
		rq.ClientID = actor.ID
	case models.RoleDriver:
		rq.DriverID = actor.ID
	case models.RoleAdmin:
	default:
		return Page{}, fmt.Errorf("%w: unknown role", apperrors.ErrForbidden)
	}
	rides, total, err := s.store.ListRides(ctx, rq)
	if err != nil {
		return Page{}, err
	}
	return Page{Rides: rides, Total: total, Limit: q.Limit, Offset: q.Offset}, nil
}

func (s *Service) ok(transition string) {
	observability.RideTransitions.WithLabelValues(transition, "ok").Inc()
}

func (s *Service) fail(transition string, err error) error {
	outcome := "error"
	switch {
	case errors.Is(err, apperrors.ErrValidation):
		outcome = "invalid_input"
	case errors.Is(err, apperrors.ErrForbidden):
		outcome = "forbidden"
	case errors.Is(err, apperrors.ErrNotFound):
		outcome = "not_found"
	case errors.Is(err, apperrors.ErrInvalidState):
		outcome = "invalid_state"
	case errors.Is(err, apperrors.ErrNoDriversAvailable):
		outcome = "no_drivers"
	}
	observability.RideTransitions.WithLabelValues(transition, outcome).Inc()
	return err
}
