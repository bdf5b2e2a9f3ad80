package storage

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Store is the persistence contract consumed by the ride lifecycle. Every
// method that changes ride status is a single atomic unit.
type Store interface {
	RideStore
	DriverStore
	Ping(ctx context.Context) error
}

type RideStore interface {
	// CreateRide inserts r. It fails with apperrors.ErrConflict when the
	// client already has an active ride.
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	// UpdateRideStatus is a compare-and-swap on (id, expected). The driver
	// availability change in upd, if any, commits or fails together with it.
	UpdateRideStatus(ctx context.Context, id string, expected models.RideStatus, upd RideUpdate) (*models.Ride, error)
	// FindActiveRideForClient returns nil, nil when the client has no active ride.
	FindActiveRideForClient(ctx context.Context, clientID string) (*models.Ride, error)
	// FindActiveRideForDriver returns nil, nil when the driver has no active ride.
	FindActiveRideForDriver(ctx context.Context, driverID string) (*models.Ride, error)
	ListRides(ctx context.Context, q RideQuery) ([]models.Ride, int, error)
	ListStaleRequested(ctx context.Context, before time.Time, limit int) ([]models.Ride, error)
}

type DriverStore interface {
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	ListAvailableDrivers(ctx context.Context, f DriverFilter) ([]models.Driver, error)
	// UpsertDriver creates d or updates its profile fields. IsAvailable is
	// written only when the driver is created; use SetDriverAvailability
	// afterwards.
	UpsertDriver(ctx context.Context, d models.Driver) error
	// SetDriverAvailability sets isAvailable. Turning it on fails with
	// apperrors.ErrConflict while the driver holds an active ride; the check
	// and the write are one atomic unit.
	SetDriverAvailability(ctx context.Context, id string, available bool) error
	UpdateDriverLocation(ctx context.Context, id string, c models.Coord, at time.Time) error
}

// RideUpdate lists the fields a transition writes. Zero values are left untouched.
type RideUpdate struct {
	Status          models.RideStatus
	DriverID        string
	AcceptedAt      *time.Time
	ArrivedAt       *time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	CancelledAt     *time.Time
	FinalPrice      *int64
	DurationMinutes *int
	PaymentStatus   models.PaymentStatus
	CancelReason    string
	CancelledBy     models.Role
	Driver          *Availability
}

// Availability flips a driver's isAvailable flag inside a ride update.
type Availability struct {
	DriverID  string
	Available bool
	// RequireFlip fails the whole update with ErrConflict unless the flag
	// currently holds the opposite value.
	RequireFlip bool
}

// DriverFilter narrows ListAvailableDrivers. Only available, active drivers
// with a known location are ever returned.
type DriverFilter struct {
	Vehicle models.VehicleClass // empty means any
	// IDs restricts the result to these drivers when non-nil.
	IDs []string
	// Near and RadiusKm allow a coarse bounding-box prefilter; callers still
	// compute exact distances.
	Near     *models.Coord
	RadiusKm float64
}

type RideQuery struct {
	ClientID string
	DriverID string
	Status   models.RideStatus
	Limit    int
	Offset   int
}
