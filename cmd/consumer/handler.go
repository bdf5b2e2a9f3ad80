package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// RedisUpdater is the subset of redis operations the consumer needs.
type RedisUpdater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	_, err := r.c.GeoAdd(ctx, key, loc).Result()
	return err
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	_, err := r.c.HSet(ctx, key, values).Result()
	return err
}

// locationStore is satisfied by storage.Store.
type locationStore interface {
	UpdateDriverLocation(ctx context.Context, id string, c models.Coord, at time.Time) error
}

type handler struct {
	redis  RedisUpdater
	store  locationStore // optional
	geoKey string
	logger *slog.Logger
}

// decodeLocation parses and validates one message from the location topic.
func decodeLocation(raw []byte) (models.DriverLocation, error) {
	var loc models.DriverLocation
	if err := json.Unmarshal(raw, &loc); err != nil {
		return loc, fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
	}
	if loc.DriverID == "" {
		return loc, fmt.Errorf("%w: driverId is required", apperrors.ErrValidation)
	}
	if !geo.ValidCoord(loc.Loc.Lat, loc.Loc.Lon) {
		return loc, fmt.Errorf("%w: coordinates out of range", apperrors.ErrValidation)
	}
	if loc.At.IsZero() {
		loc.At = time.Now().UTC()
	}
	return loc, nil
}

func (h *handler) handle(ctx context.Context, raw []byte) {
	loc, err := decodeLocation(raw)
	if err != nil {
		msgsInvalid.Inc()
		h.logger.Warn("invalid message", "err", err)
		return
	}

	if err := updateRedisWithRetry(ctx, h.redis, h.geoKey, loc, 3, 200*time.Millisecond); err != nil {
		redisErrors.Inc()
		h.logger.Error("redis update failed", "driver_id", loc.DriverID, "err", err)
	} else {
		redisUpdates.Inc()
	}

	if h.store == nil {
		return
	}
	if err := h.store.UpdateDriverLocation(ctx, loc.DriverID, loc.Loc, loc.At); err != nil {
		storeErrors.Inc()
		if errors.Is(err, apperrors.ErrNotFound) {
			h.logger.Warn("location for unknown driver", "driver_id", loc.DriverID)
			return
		}
		h.logger.Error("store update failed", "driver_id", loc.DriverID, "err", err)
	}
}

// updateRedisWithRetry writes the geo entry and its metadata hash, backing
// off between attempts.
func updateRedisWithRetry(ctx context.Context, rc RedisUpdater, key string, loc models.DriverLocation, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		err = rc.GeoAdd(ctx, key, &redis.GeoLocation{Longitude: loc.Loc.Lon, Latitude: loc.Loc.Lat, Name: loc.DriverID})
		if err != nil {
			continue
		}
		err = rc.HSet(ctx, geo.MetaKey(loc.DriverID), map[string]interface{}{
			"lat":     strconv.FormatFloat(loc.Loc.Lat, 'f', 6, 64),
			"lon":     strconv.FormatFloat(loc.Loc.Lon, 'f', 6, 64),
			"updated": loc.At.UTC().Format(time.RFC3339),
		})
		if err == nil {
			return nil
		}
	}
	return err
}
