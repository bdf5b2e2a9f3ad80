package rides

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// Accept assigns the ride to the calling driver. Of several concurrent
// accepts exactly one wins; the rest get ErrInvalidState.
func (s *Service) Accept(ctx context.Context, actor models.Actor, rideID string) (*models.Ride, error) {
	if actor.Role != models.RoleDriver {
		return nil, s.fail("accept", fmt.Errorf("%w: only drivers can accept rides", apperrors.ErrForbidden))
	}
	driver, err := s.store.GetDriver(ctx, actor.ID)
	if err != nil {
		return nil, s.fail("accept", err)
	}
	ride, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, s.fail("accept", err)
	}
	if ride.Status != models.StatusRequested {
		return nil, s.fail("accept", errNoLongerAvailable)
	}
	if !driver.Available || !driver.Active {
		return nil, s.fail("accept", fmt.Errorf("%w: driver is not available", apperrors.ErrInvalidState))
	}
	busy, err := s.store.FindActiveRideForDriver(ctx, driver.ID)
	if err != nil {
		return nil, s.fail("accept", err)
	}
	if busy != nil {
		return nil, s.fail("accept", fmt.Errorf("%w: driver already has an active ride", apperrors.ErrInvalidState))
	}

	now := s.now()
	updated, err := s.store.UpdateRideStatus(ctx, rideID, models.StatusRequested, storage.RideUpdate{
		Status:     models.StatusAccepted,
		DriverID:   driver.ID,
		AcceptedAt: &now,
		Driver:     &storage.Availability{DriverID: driver.ID, Available: false, RequireFlip: true},
	})
	if errors.Is(err, apperrors.ErrConflict) {
		// Either the ride moved on or the driver got busy in between.
		if cur, gerr := s.store.GetRide(ctx, rideID); gerr == nil && cur.Status == models.StatusRequested {
			err = fmt.Errorf("%w: driver is not available", apperrors.ErrInvalidState)
		} else {
			err = errNoLongerAvailable
		}
	}
	if err != nil {
		return nil, s.fail("accept", err)
	}

	driver.Available = false
	s.bus.Publish(models.ClientChannel(updated.ClientID), EventAccepted, AcceptedEvent{
		RideID: updated.ID, Driver: *driver, AcceptedAt: now,
	})
	s.ok("accept")
	s.logger.Info("ride accepted", "ride_id", updated.ID, "driver_id", driver.ID)
	return updated, nil
}

var errNoLongerAvailable = fmt.Errorf("%w: ride no longer available", apperrors.ErrInvalidState)

// Arrived records that the assigned driver reached the pickup.
func (s *Service) Arrived(ctx context.Context, actor models.Actor, rideID string) (*models.Ride, error) {
	ride, err := s.ownedByDriver(ctx, "arrived", actor, rideID, models.StatusAccepted)
	if err != nil {
		return nil, err
	}
	now := s.now()
	updated, err := s.commit(ctx, "arrived", ride, storage.RideUpdate{Status: models.StatusArrived, ArrivedAt: &now})
	if err != nil {
		return nil, err
	}
	s.bus.Publish(models.ClientChannel(updated.ClientID), EventDriverArrived, ArrivedEvent{RideID: updated.ID, ArrivedAt: now})
	s.ok("arrived")
	return updated, nil
}

// Start begins the trip once the driver has arrived.
func (s *Service) Start(ctx context.Context, actor models.Actor, rideID string) (*models.Ride, error) {
	ride, err := s.ownedByDriver(ctx, "start", actor, rideID, models.StatusArrived)
	if err != nil {
		return nil, err
	}
	now := s.now()
	updated, err := s.commit(ctx, "start", ride, storage.RideUpdate{Status: models.StatusInProgress, StartedAt: &now})
	if err != nil {
		return nil, err
	}
	s.bus.Publish(models.ClientChannel(updated.ClientID), EventStarted, StartedEvent{RideID: updated.ID, StartedAt: now})
	s.ok("start")
	return updated, nil
}

// Complete ends the trip, charges the estimated price and frees the driver.
func (s *Service) Complete(ctx context.Context, actor models.Actor, rideID string) (*models.Ride, error) {
	ride, err := s.ownedByDriver(ctx, "complete", actor, rideID, models.StatusInProgress)
	if err != nil {
		return nil, err
	}
	now := s.now()
	started := now
	if ride.StartedAt != nil {
		started = *ride.StartedAt
	}
	duration := int(math.Round(now.Sub(started).Minutes()))
	if duration < 0 {
		duration = 0
	}
	final := ride.EstimatedPrice
	upd := storage.RideUpdate{
		Status:          models.StatusCompleted,
		CompletedAt:     &now,
		DurationMinutes: &duration,
		FinalPrice:      &final,
		Driver:          &storage.Availability{DriverID: ride.DriverID, Available: true},
	}
	if ride.PaymentMethod == models.PaymentWallet {
		upd.PaymentStatus = models.PaymentCompleted
	}
	updated, err := s.commit(ctx, "complete", ride, upd)
	if err != nil {
		return nil, err
	}
	s.bus.Publish(models.ClientChannel(updated.ClientID), EventCompleted, CompletedEvent{
		RideID: updated.ID, CompletedAt: now, Duration: duration, FinalPrice: final,
	})
	s.ok("complete")
	s.logger.Info("ride completed", "ride_id", updated.ID, "driver_id", updated.DriverID, "duration_minutes", duration)
	return updated, nil
}

// Cancel is open to either party while the ride is not terminal. A
// concurrent transition that lands first is retried against the new status.
func (s *Service) Cancel(ctx context.Context, actor models.Actor, rideID, reason string) (*models.Ride, error) {
	if actor.Role != models.RoleClient && actor.Role != models.RoleDriver {
		return nil, s.fail("cancel", fmt.Errorf("%w: only the ride's client or driver can cancel", apperrors.ErrForbidden))
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = ReasonDefaultCancel
	}
	for attempt := 0; attempt < maxCancelAttempts; attempt++ {
		ride, err := s.store.GetRide(ctx, rideID)
		if err != nil {
			return nil, s.fail("cancel", err)
		}
		if !ride.IsParty(actor) {
			return nil, s.fail("cancel", fmt.Errorf("%w: not a party to ride %s", apperrors.ErrForbidden, rideID))
		}
		if ride.Status.Terminal() {
			return nil, s.fail("cancel", fmt.Errorf("%w: ride is already %s", apperrors.ErrInvalidState, ride.Status))
		}
		now := s.now()
		upd := storage.RideUpdate{
			Status:       models.StatusCancelled,
			CancelledAt:  &now,
			CancelReason: reason,
			CancelledBy:  actor.Role,
		}
		if ride.DriverID != "" {
			upd.Driver = &storage.Availability{DriverID: ride.DriverID, Available: true}
		}
		updated, err := s.store.UpdateRideStatus(ctx, rideID, ride.Status, upd)
		if errors.Is(err, apperrors.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, s.fail("cancel", err)
		}
		s.notifyCancelled(updated, actor.Role)
		s.ok("cancel")
		s.logger.Info("ride cancelled", "ride_id", updated.ID, "by", actor.Role, "reason", reason)
		return updated, nil
	}
	return nil, s.fail("cancel", fmt.Errorf("%w: ride %s kept changing, try again", apperrors.ErrInvalidState, rideID))
}

// notifyCancelled tells the party that did not cancel.
func (s *Service) notifyCancelled(r *models.Ride, by models.Role) {
	ev := CancelledEvent{RideID: r.ID, CancelledBy: by, Reason: r.CancelReason}
	if by != models.RoleClient {
		s.bus.Publish(models.ClientChannel(r.ClientID), EventCancelled, ev)
	}
	if by != models.RoleDriver && r.DriverID != "" {
		s.bus.Publish(models.DriverChannel(r.DriverID), EventCancelled, ev)
	}
}

// ownedByDriver loads the ride and runs the checks shared by the driver-only
// transitions, in order: role, existence, ownership, status.
func (s *Service) ownedByDriver(ctx context.Context, transition string, actor models.Actor, rideID string, want models.RideStatus) (*models.Ride, error) {
	if actor.Role != models.RoleDriver {
		return nil, s.fail(transition, fmt.Errorf("%w: only drivers can %s a ride", apperrors.ErrForbidden, transition))
	}
	ride, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, s.fail(transition, err)
	}
	if ride.DriverID != actor.ID {
		return nil, s.fail(transition, fmt.Errorf("%w: ride %s is not assigned to this driver", apperrors.ErrForbidden, rideID))
	}
	if ride.Status != want {
		return nil, s.fail(transition, fmt.Errorf("%w: ride is %s, expected %s", apperrors.ErrInvalidState, ride.Status, want))
	}
	return ride, nil
}

func (s *Service) commit(ctx context.Context, transition string, ride *models.Ride, upd storage.RideUpdate) (*models.Ride, error) {
	updated, err := s.store.UpdateRideStatus(ctx, ride.ID, ride.Status, upd)
	if errors.Is(err, apperrors.ErrConflict) {
		err = fmt.Errorf("%w: ride changed concurrently", apperrors.ErrInvalidState)
	}
	if err != nil {
		return nil, s.fail(transition, err)
	}
	return updated, nil
}
