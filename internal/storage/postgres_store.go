package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: postgres ping: %v", apperrors.ErrDependencyUnavailable, err)
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: postgres ping: %v", apperrors.ErrDependencyUnavailable, err)
	}
	return nil
}

// Migrate applies the embedded schema files in lexical order. Every file is
// idempotent so Migrate may run on each start.
func (p *PostgresStore) Migrate(ctx context.Context) ([]string, error) {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile(name)
		if err != nil {
			return nil, err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return nil, fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return names, nil
}

const rideCols = `id, client_id, driver_id, status, pickup_lat, pickup_lon, pickup_address, dest_lat, dest_lon, dest_address,
	vehicle_class, estimated_price, final_price, distance_km, duration_minutes, payment_method, payment_status,
	requested_at, accepted_at, arrived_at, started_at, completed_at, cancelled_at, cancel_reason, cancelled_by`

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(s scanner) (*models.Ride, error) {
	var (
		r                                         models.Ride
		driverID, cancelReason, cancelledBy       sql.NullString
		finalPrice                                sql.NullInt64
		duration                                  sql.NullInt32
		accepted, arrived, started, done, dropped sql.NullTime
	)
	err := s.Scan(&r.ID, &r.ClientID, &driverID, &r.Status,
		&r.Pickup.Latitude, &r.Pickup.Longitude, &r.Pickup.Address,
		&r.Destination.Latitude, &r.Destination.Longitude, &r.Destination.Address,
		&r.Vehicle, &r.EstimatedPrice, &finalPrice, &r.DistanceKm, &duration, &r.PaymentMethod, &r.PaymentStatus,
		&r.RequestedAt, &accepted, &arrived, &started, &done, &dropped, &cancelReason, &cancelledBy)
	if err != nil {
		return nil, err
	}
	r.DriverID = driverID.String
	r.CancelReason = cancelReason.String
	r.CancelledBy = models.Role(cancelledBy.String)
	if finalPrice.Valid {
		v := finalPrice.Int64
		r.FinalPrice = &v
	}
	if duration.Valid {
		v := int(duration.Int32)
		r.DurationMinutes = &v
	}
	r.AcceptedAt = timePtr(accepted)
	r.ArrivedAt = timePtr(arrived)
	r.StartedAt = timePtr(started)
	r.CompletedAt = timePtr(done)
	r.CancelledAt = timePtr(dropped)
	return &r, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// mapErr converts driver errors into the core's error kinds.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", apperrors.ErrNotFound, op)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation: an active-ride index rejected the write
			return fmt.Errorf("%w: %s: %s", apperrors.ErrConflict, op, pqErr.Constraint)
		case "22P02": // invalid_text_representation, e.g. a malformed uuid
			return fmt.Errorf("%w: %s", apperrors.ErrNotFound, op)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%w: %s: %s", apperrors.ErrNotFound, op, pqErr.Constraint)
		}
	}
	return fmt.Errorf("%w: %s: %v", apperrors.ErrDependencyUnavailable, op, err)
}

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides (id, client_id, driver_id, status, pickup_lat, pickup_lon, pickup_address,
		dest_lat, dest_lon, dest_address, vehicle_class, estimated_price, distance_km, payment_method, payment_status, requested_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		r.ID, r.ClientID, nullIfEmpty(r.DriverID), string(r.Status), r.Pickup.Latitude, r.Pickup.Longitude, r.Pickup.Address,
		r.Destination.Latitude, r.Destination.Longitude, r.Destination.Address, string(r.Vehicle), r.EstimatedPrice,
		r.DistanceKm, string(r.PaymentMethod), string(r.PaymentStatus), r.RequestedAt)
	return mapErr("create ride", err)
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideCols+` FROM rides WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr("ride "+id, err)
	}
	return r, nil
}

const updateRideSQL = `UPDATE rides SET
	status = $3,
	driver_id = COALESCE($4, driver_id),
	accepted_at = COALESCE(accepted_at, $5),
	arrived_at = COALESCE(arrived_at, $6),
	started_at = COALESCE(started_at, $7),
	completed_at = COALESCE(completed_at, $8),
	cancelled_at = COALESCE(cancelled_at, $9),
	final_price = COALESCE($10, final_price),
	duration_minutes = COALESCE($11, duration_minutes),
	payment_status = COALESCE($12, payment_status),
	cancel_reason = COALESCE($13, cancel_reason),
	cancelled_by = COALESCE($14, cancelled_by),
	updated_at = now()
WHERE id = $1 AND status = $2
RETURNING ` + rideCols

func (p *PostgresStore) UpdateRideStatus(ctx context.Context, id string, expected models.RideStatus, upd RideUpdate) (*models.Ride, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapErr("begin", err)
	}
	defer tx.Rollback()

	r, err := scanRide(tx.QueryRowContext(ctx, updateRideSQL,
		id, string(expected), string(upd.Status), nullIfEmpty(upd.DriverID),
		upd.AcceptedAt, upd.ArrivedAt, upd.StartedAt, upd.CompletedAt, upd.CancelledAt,
		upd.FinalPrice, upd.DurationMinutes, nullIfEmpty(string(upd.PaymentStatus)),
		nullIfEmpty(upd.CancelReason), nullIfEmpty(string(upd.CancelledBy))))
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM rides WHERE id = $1)`, id).Scan(&exists); err != nil {
			return nil, mapErr("ride "+id, err)
		}
		if !exists {
			return nil, fmt.Errorf("%w: ride %s", apperrors.ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: ride %s is no longer %s", apperrors.ErrConflict, id, expected)
	}
	if err != nil {
		return nil, mapErr("update ride "+id, err)
	}

	if a := upd.Driver; a != nil {
		q := `UPDATE drivers SET is_available = $2, updated_at = now() WHERE id = $1`
		if a.RequireFlip {
			q += ` AND is_available <> $2`
		}
		res, err := tx.ExecContext(ctx, q, a.DriverID, a.Available)
		if err != nil {
			return nil, mapErr("driver availability", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, fmt.Errorf("%w: driver %s availability unchanged", apperrors.ErrConflict, a.DriverID)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, mapErr("commit", err)
	}
	return r, nil
}

func (p *PostgresStore) findActive(ctx context.Context, column, id string, statuses []models.RideStatus) (*models.Ride, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx,
		`SELECT `+rideCols+` FROM rides WHERE `+column+` = $1 AND status = ANY($2) ORDER BY requested_at DESC LIMIT 1`,
		id, pq.Array(statusStrings(statuses))))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr("active ride", err)
	}
	return r, nil
}

func statusStrings(statuses []models.RideStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func (p *PostgresStore) FindActiveRideForClient(ctx context.Context, clientID string) (*models.Ride, error) {
	return p.findActive(ctx, "client_id", clientID, models.ClientActive)
}

func (p *PostgresStore) FindActiveRideForDriver(ctx context.Context, driverID string) (*models.Ride, error) {
	return p.findActive(ctx, "driver_id", driverID, models.DriverActive)
}

func (p *PostgresStore) ListRides(ctx context.Context, q RideQuery) ([]models.Ride, int, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if q.ClientID != "" {
		add("client_id = $%d", q.ClientID)
	}
	if q.DriverID != "" {
		add("driver_id = $%d", q.DriverID)
	}
	if q.Status != "" {
		add("status = $%d", string(q.Status))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rides`+clause, args...).Scan(&total); err != nil {
		return nil, 0, mapErr("count rides", err)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}
	args = append(args, limit, q.Offset)
	rows, err := p.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM rides%s ORDER BY requested_at DESC, id LIMIT $%d OFFSET $%d`, rideCols, clause, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, mapErr("list rides", err)
	}
	defer rows.Close()
	out := make([]models.Ride, 0, limit)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, 0, mapErr("scan ride", err)
		}
		out = append(out, *r)
	}
	return out, total, mapErr("list rides", rows.Err())
}

func (p *PostgresStore) ListStaleRequested(ctx context.Context, before time.Time, limit int) ([]models.Ride, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+rideCols+` FROM rides WHERE status = 'REQUESTED' AND requested_at < $1 ORDER BY requested_at LIMIT $2`,
		before, limit)
	if err != nil {
		return nil, mapErr("stale rides", err)
	}
	defer rows.Close()
	out := make([]models.Ride, 0)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, mapErr("scan ride", err)
		}
		out = append(out, *r)
	}
	return out, mapErr("stale rides", rows.Err())
}

const driverCols = `d.id, d.latitude, d.longitude, d.is_available, d.is_active, d.average_rating, d.vehicle_class, d.last_seen_at,
	(SELECT COUNT(*) FROM rides r WHERE r.driver_id = d.id AND r.status = 'COMPLETED')`

func scanDriver(s scanner) (*models.Driver, error) {
	var (
		d        models.Driver
		lat, lon sql.NullFloat64
		seen     sql.NullTime
	)
	if err := s.Scan(&d.ID, &lat, &lon, &d.Available, &d.Active, &d.Rating, &d.Vehicle, &seen, &d.CompletedRides); err != nil {
		return nil, err
	}
	if lat.Valid && lon.Valid {
		d.Loc = &models.Coord{Lat: lat.Float64, Lon: lon.Float64}
	}
	if seen.Valid {
		d.LastSeen = seen.Time
	}
	return &d, nil
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	d, err := scanDriver(p.db.QueryRowContext(ctx, `SELECT `+driverCols+` FROM drivers d WHERE d.id = $1`, id))
	if err != nil {
		return nil, mapErr("driver "+id, err)
	}
	return d, nil
}

func (p *PostgresStore) ListAvailableDrivers(ctx context.Context, f DriverFilter) ([]models.Driver, error) {
	var ids any
	if f.IDs != nil {
		ids = pq.Array(f.IDs)
	}
	var latMin, latMax, lonMin, lonMax any
	if f.Near != nil && f.RadiusKm > 0 {
		// one degree of latitude is ~111.2km; pad a little so the box never clips
		dLat := f.RadiusKm/111.0 + 0.01
		latMin, latMax = f.Near.Lat-dLat, f.Near.Lat+dLat
		if cos := math.Cos(f.Near.Lat * math.Pi / 180); cos > 0.01 {
			dLon := f.RadiusKm/(111.0*cos) + 0.01
			if f.Near.Lon-dLon >= -180 && f.Near.Lon+dLon <= 180 {
				lonMin, lonMax = f.Near.Lon-dLon, f.Near.Lon+dLon
			}
		}
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+driverCols+` FROM drivers d
		WHERE d.is_available AND d.is_active AND d.latitude IS NOT NULL AND d.longitude IS NOT NULL
		AND ($1 = '' OR d.vehicle_class = $1)
		AND ($2::text[] IS NULL OR d.id = ANY($2::text[]))
		AND ($3::double precision IS NULL OR d.latitude BETWEEN $3 AND $4)
		AND ($5::double precision IS NULL OR d.longitude BETWEEN $5 AND $6)
		ORDER BY d.id`,
		string(f.Vehicle), ids, latMin, latMax, lonMin, lonMax)
	if err != nil {
		return nil, mapErr("available drivers", err)
	}
	defer rows.Close()
	out := make([]models.Driver, 0)
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, mapErr("scan driver", err)
		}
		out = append(out, *d)
	}
	return out, mapErr("available drivers", rows.Err())
}

func (p *PostgresStore) UpsertDriver(ctx context.Context, d models.Driver) error {
	var lat, lon any
	if d.Loc != nil {
		lat, lon = d.Loc.Lat, d.Loc.Lon
	}
	// is_available is left alone on conflict: ride transitions own it.
	_, err := p.db.ExecContext(ctx, `INSERT INTO drivers (id, latitude, longitude, is_available, is_active, average_rating, vehicle_class)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			latitude = COALESCE(EXCLUDED.latitude, drivers.latitude),
			longitude = COALESCE(EXCLUDED.longitude, drivers.longitude),
			is_active = EXCLUDED.is_active,
			average_rating = EXCLUDED.average_rating,
			vehicle_class = EXCLUDED.vehicle_class,
			updated_at = now()`,
		d.ID, lat, lon, d.Available, d.Active, d.Rating, string(d.Vehicle))
	return mapErr("upsert driver", err)
}

// SetDriverAvailability locks the driver row before looking at rides. An
// accept updates its ride first and the driver row second, so one that is
// in flight either commits before the lock is granted, and is seen by the
// rides query, or queues behind it and applies its guarded flip afterwards.
func (p *PostgresStore) SetDriverAvailability(ctx context.Context, id string, available bool) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr("begin", err)
	}
	defer tx.Rollback()

	var current bool
	err = tx.QueryRowContext(ctx, `SELECT is_available FROM drivers WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: driver %s", apperrors.ErrNotFound, id)
	}
	if err != nil {
		return mapErr("lock driver", err)
	}
	if available {
		var busy bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM rides WHERE driver_id = $1 AND status = ANY($2))`,
			id, pq.Array(statusStrings(models.DriverActive))).Scan(&busy); err != nil {
			return mapErr("active ride", err)
		}
		if busy {
			return fmt.Errorf("%w: driver %s has an active ride", apperrors.ErrConflict, id)
		}
	}
	if current != available {
		if _, err := tx.ExecContext(ctx,
			`UPDATE drivers SET is_available = $2, updated_at = now() WHERE id = $1`, id, available); err != nil {
			return mapErr("driver availability", err)
		}
	}
	return mapErr("commit", tx.Commit())
}

func (p *PostgresStore) UpdateDriverLocation(ctx context.Context, id string, c models.Coord, at time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE drivers SET latitude = $2, longitude = $3, last_seen_at = $4, updated_at = now() WHERE id = $1`,
		id, c.Lat, c.Lon, at)
	if err != nil {
		return mapErr("driver location", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: driver %s", apperrors.ErrNotFound, id)
	}
	return nil
}
