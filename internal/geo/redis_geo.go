package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisGeo implements Locator using Redis GEO commands. Driver metadata is
// kept in a side hash so operators can inspect last-seen times.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, driverID string, c models.Coord) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: c.Lon, Latitude: c.Lat, Name: driverID}).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, MetaKey(driverID), map[string]interface{}{
		"lat":     strconv.FormatFloat(c.Lat, 'f', 6, 64),
		"lon":     strconv.FormatFloat(c.Lon, 'f', 6, 64),
		"updated": time.Now().UTC().Format(time.RFC3339),
	}).Err()
}

func (r *RedisGeo) Remove(ctx context.Context, driverID string) error {
	if err := r.client.ZRem(ctx, r.key, driverID).Err(); err != nil {
		return err
	}
	return r.client.Del(ctx, MetaKey(driverID)).Err()
}

// redisEarthRadiusKm is the sphere Redis GEO measures on. It is larger than
// EarthRadiusKm, so a driver at exactly radiusKm by Between is slightly
// farther by Redis.
const redisEarthRadiusKm = 6372.7975608

// geohashSlackKm covers the 52-bit geohash quantisation of stored points.
const geohashSlackKm = 0.001

// searchRadiusKm widens radiusKm so the GEO prefilter never drops a driver
// that Between places inside the radius. Callers re-filter exactly.
func searchRadiusKm(radiusKm float64) float64 {
	return radiusKm*redisEarthRadiusKm/EarthRadiusKm + geohashSlackKm
}

func (r *RedisGeo) Within(ctx context.Context, lat, lon, radiusKm float64) ([]string, error) {
	res, err := r.client.GeoSearch(ctx, r.key, &redis.GeoSearchQuery{
		Longitude:  lon,
		Latitude:   lat,
		Radius:     searchRadiusKm(radiusKm),
		RadiusUnit: "km",
		Sort:       "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *RedisGeo) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func MetaKey(id string) string { return "driver:meta:" + id }
