package rides

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// DriverInput is the mutable part of a driver record. Nil fields keep their
// current value.
type DriverInput struct {
	Latitude  *float64            `json:"latitude,omitempty"`
	Longitude *float64            `json:"longitude,omitempty"`
	Available *bool               `json:"isAvailable,omitempty"`
	Active    *bool               `json:"isActive,omitempty"`
	Rating    *float64            `json:"averageRating,omitempty"`
	Vehicle   models.VehicleClass `json:"vehicleClass,omitempty"`
}

// UpsertDriver creates or updates a driver. Drivers may only touch their own
// record; admins any. A driver with an active ride cannot go available.
func (s *Service) UpsertDriver(ctx context.Context, actor models.Actor, driverID string, in DriverInput) (*models.Driver, error) {
	if !canManageDriver(actor, driverID) {
		return nil, fmt.Errorf("%w: cannot manage driver %s", apperrors.ErrForbidden, driverID)
	}
	if (in.Latitude == nil) != (in.Longitude == nil) {
		return nil, fmt.Errorf("%w: latitude and longitude go together", apperrors.ErrValidation)
	}
	if in.Latitude != nil && !geo.ValidCoord(*in.Latitude, *in.Longitude) {
		return nil, fmt.Errorf("%w: coordinates are invalid", apperrors.ErrValidation)
	}
	if in.Rating != nil && (*in.Rating < 0 || *in.Rating > 5) {
		return nil, fmt.Errorf("%w: averageRating must be within 0..5", apperrors.ErrValidation)
	}
	if in.Vehicle != "" && !in.Vehicle.Valid() {
		return nil, fmt.Errorf("%w: vehicleClass is unknown", apperrors.ErrValidation)
	}

	d, err := s.store.GetDriver(ctx, driverID)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		d = &models.Driver{ID: driverID, Active: true, Vehicle: models.VehicleStandard}
	case err != nil:
		return nil, err
	}
	if in.Latitude != nil {
		d.Loc = &models.Coord{Lat: *in.Latitude, Lon: *in.Longitude}
		d.LastSeen = s.now()
	}
	if in.Active != nil {
		d.Active = *in.Active
	}
	if in.Rating != nil {
		d.Rating = *in.Rating
	}
	if in.Vehicle != "" {
		d.Vehicle = in.Vehicle
	}
	// The store keeps availability of an existing driver as it is, so an
	// accept that lands in between is never overwritten.
	if err := s.store.UpsertDriver(ctx, *d); err != nil {
		return nil, err
	}
	if in.Available != nil {
		err := s.store.SetDriverAvailability(ctx, driverID, *in.Available)
		if errors.Is(err, apperrors.ErrConflict) {
			err = fmt.Errorf("%w: driver has an active ride", apperrors.ErrInvalidState)
		}
		if err != nil {
			return nil, err
		}
	}
	out, err := s.store.GetDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	s.syncLocator(ctx, out)
	return out, nil
}

// UpdateDriverLocation records a position report for the driver.
func (s *Service) UpdateDriverLocation(ctx context.Context, actor models.Actor, driverID string, lat, lon float64) error {
	if !canManageDriver(actor, driverID) {
		return fmt.Errorf("%w: cannot report location for driver %s", apperrors.ErrForbidden, driverID)
	}
	if !geo.ValidCoord(lat, lon) {
		return fmt.Errorf("%w: coordinates are invalid", apperrors.ErrValidation)
	}
	c := models.Coord{Lat: lat, Lon: lon}
	if err := s.store.UpdateDriverLocation(ctx, driverID, c, s.now()); err != nil {
		return err
	}
	if s.locator != nil {
		if err := s.locator.Upsert(ctx, driverID, c); err != nil {
			s.logger.Warn("geo index update failed", "driver_id", driverID, "err", err)
		}
	}
	observability.DriverLocationUpdates.Inc()
	return nil
}

// syncLocator keeps the geo index limited to drivers that can be matched.
func (s *Service) syncLocator(ctx context.Context, d *models.Driver) {
	if s.locator == nil {
		return
	}
	var err error
	if d.Active && d.Loc != nil {
		err = s.locator.Upsert(ctx, d.ID, *d.Loc)
	} else {
		err = s.locator.Remove(ctx, d.ID)
	}
	if err != nil {
		s.logger.Warn("geo index update failed", "driver_id", d.ID, "err", err)
	}
}

func canManageDriver(actor models.Actor, driverID string) bool {
	return actor.Role == models.RoleAdmin || (actor.Role == models.RoleDriver && actor.ID == driverID)
}
