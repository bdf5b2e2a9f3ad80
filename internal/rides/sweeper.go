package rides

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// ExpireStale cancels REQUESTED rides older than ttl and returns how many it
// cancelled. Rides accepted in the meantime are left alone.
func (s *Service) ExpireStale(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := s.now().Add(-ttl)
	stale, err := s.store.ListStaleRequested(ctx, cutoff, staleBatchSize)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range stale {
		now := s.now()
		updated, err := s.store.UpdateRideStatus(ctx, r.ID, models.StatusRequested, storage.RideUpdate{
			Status:       models.StatusCancelled,
			CancelledAt:  &now,
			CancelReason: ReasonRequestExpired,
			CancelledBy:  models.RoleSystem,
		})
		if errors.Is(err, apperrors.ErrConflict) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
		s.ok("expire")
		s.notifyCancelled(updated, models.RoleSystem)
	}
	return n, nil
}

// Sweeper periodically expires unanswered ride requests.
type Sweeper struct {
	Service  *Service
	TTL      time.Duration
	Interval time.Duration
	Logger   *slog.Logger
}

// Run blocks until ctx is done.
func (sw *Sweeper) Run(ctx context.Context) {
	interval := sw.Interval
	if interval <= 0 {
		interval = sw.TTL / 4
	}
	if interval < time.Second {
		interval = time.Second
	}
	logger := sw.Logger
	if logger == nil {
		logger = slog.Default()
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := sw.Service.ExpireStale(ctx, sw.TTL)
			if err != nil {
				logger.Error("expire stale rides", "err", err)
				continue
			}
			if n > 0 {
				logger.Info("expired stale ride requests", "count", n)
			}
		}
	}
}
