package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore keeps rides and drivers in process. A single mutex makes every
// method atomic, which is what UpdateRideStatus needs for its CAS.
type MemoryStore struct {
	mu      sync.RWMutex
	rides   map[string]*models.Ride
	drivers map[string]*models.Driver
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.Ride), drivers: make(map[string]*models.Driver)}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) CreateRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return fmt.Errorf("%w: ride %s exists", apperrors.ErrConflict, r.ID)
	}
	if m.activeForClient(r.ClientID) != nil {
		return fmt.Errorf("%w: client %s has an active ride", apperrors.ErrConflict, r.ClientID)
	}
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, fmt.Errorf("%w: ride %s", apperrors.ErrNotFound, id)
	}
	return r.Clone(), nil
}

func (m *MemoryStore) UpdateRideStatus(_ context.Context, id string, expected models.RideStatus, upd RideUpdate) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, fmt.Errorf("%w: ride %s", apperrors.ErrNotFound, id)
	}
	if r.Status != expected {
		return nil, fmt.Errorf("%w: ride %s is %s, expected %s", apperrors.ErrConflict, id, r.Status, expected)
	}
	if upd.DriverID != "" && upd.Status.ActiveForDriver() {
		if other := m.activeForDriver(upd.DriverID); other != nil && other.ID != id {
			return nil, fmt.Errorf("%w: driver %s has an active ride", apperrors.ErrConflict, upd.DriverID)
		}
	}
	var d *models.Driver
	if upd.Driver != nil {
		d, ok = m.drivers[upd.Driver.DriverID]
		if !ok {
			return nil, fmt.Errorf("%w: driver %s", apperrors.ErrNotFound, upd.Driver.DriverID)
		}
		if upd.Driver.RequireFlip && d.Available == upd.Driver.Available {
			return nil, fmt.Errorf("%w: driver %s availability already %t", apperrors.ErrConflict, d.ID, d.Available)
		}
	}

	// all checks passed; nothing below can fail
	next := r.Clone()
	applyUpdate(next, upd)
	m.rides[id] = next
	if d != nil {
		d.Available = upd.Driver.Available
	}
	return next.Clone(), nil
}

func applyUpdate(r *models.Ride, upd RideUpdate) {
	if upd.Status != "" {
		r.Status = upd.Status
	}
	if upd.DriverID != "" {
		r.DriverID = upd.DriverID
	}
	setOnce(&r.AcceptedAt, upd.AcceptedAt)
	setOnce(&r.ArrivedAt, upd.ArrivedAt)
	setOnce(&r.StartedAt, upd.StartedAt)
	setOnce(&r.CompletedAt, upd.CompletedAt)
	setOnce(&r.CancelledAt, upd.CancelledAt)
	if upd.FinalPrice != nil {
		v := *upd.FinalPrice
		r.FinalPrice = &v
	}
	if upd.DurationMinutes != nil {
		v := *upd.DurationMinutes
		r.DurationMinutes = &v
	}
	if upd.PaymentStatus != "" {
		r.PaymentStatus = upd.PaymentStatus
	}
	if upd.CancelReason != "" {
		r.CancelReason = upd.CancelReason
	}
	if upd.CancelledBy != "" {
		r.CancelledBy = upd.CancelledBy
	}
}

func setOnce(dst **time.Time, v *time.Time) {
	if v == nil || *dst != nil {
		return
	}
	t := *v
	*dst = &t
}

func (m *MemoryStore) FindActiveRideForClient(_ context.Context, clientID string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeForClient(clientID).Clone(), nil
}

func (m *MemoryStore) FindActiveRideForDriver(_ context.Context, driverID string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeForDriver(driverID).Clone(), nil
}

func (m *MemoryStore) activeForClient(clientID string) *models.Ride {
	for _, r := range m.rides {
		if r.ClientID == clientID && r.Status.ActiveForClient() {
			return r
		}
	}
	return nil
}

func (m *MemoryStore) activeForDriver(driverID string) *models.Ride {
	for _, r := range m.rides {
		if r.DriverID == driverID && r.Status.ActiveForDriver() {
			return r
		}
	}
	return nil
}

func (m *MemoryStore) ListRides(_ context.Context, q RideQuery) ([]models.Ride, int, error) {
	m.mu.RLock()
	matched := make([]models.Ride, 0)
	for _, r := range m.rides {
		if q.ClientID != "" && r.ClientID != q.ClientID {
			continue
		}
		if q.DriverID != "" && r.DriverID != q.DriverID {
			continue
		}
		if q.Status != "" && r.Status != q.Status {
			continue
		}
		matched = append(matched, *r.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].RequestedAt.Equal(matched[j].RequestedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].RequestedAt.After(matched[j].RequestedAt)
	})
	total := len(matched)
	if q.Offset >= total {
		return []models.Ride{}, total, nil
	}
	end := total
	if q.Limit > 0 && q.Offset+q.Limit < end {
		end = q.Offset + q.Limit
	}
	return matched[q.Offset:end], total, nil
}

func (m *MemoryStore) ListStaleRequested(_ context.Context, before time.Time, limit int) ([]models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Ride, 0)
	for _, r := range m.rides {
		if r.Status == models.StatusRequested && r.RequestedAt.Before(before) {
			out = append(out, *r.Clone())
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) GetDriver(_ context.Context, id string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, fmt.Errorf("%w: driver %s", apperrors.ErrNotFound, id)
	}
	out := m.withStats(d)
	return &out, nil
}

func (m *MemoryStore) ListAvailableDrivers(_ context.Context, f DriverFilter) ([]models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var allowed map[string]bool
	if f.IDs != nil {
		allowed = make(map[string]bool, len(f.IDs))
		for _, id := range f.IDs {
			allowed[id] = true
		}
	}
	out := make([]models.Driver, 0)
	for _, d := range m.drivers {
		if !d.Available || !d.Active || d.Loc == nil {
			continue
		}
		if f.Vehicle != "" && d.Vehicle != f.Vehicle {
			continue
		}
		if allowed != nil && !allowed[d.ID] {
			continue
		}
		out = append(out, m.withStats(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// withStats copies d and fills in the completed ride count.
func (m *MemoryStore) withStats(d *models.Driver) models.Driver {
	out := *d
	if d.Loc != nil {
		c := *d.Loc
		out.Loc = &c
	}
	out.CompletedRides = 0
	for _, r := range m.rides {
		if r.DriverID == d.ID && r.Status == models.StatusCompleted {
			out.CompletedRides++
		}
	}
	return out
}

func (m *MemoryStore) UpsertDriver(_ context.Context, d models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := d
	if d.Loc != nil {
		loc := *d.Loc
		c.Loc = &loc
	}
	if existing, ok := m.drivers[d.ID]; ok {
		// availability belongs to the ride transitions and SetDriverAvailability
		c.Available = existing.Available
		if c.Loc == nil {
			c.Loc = existing.Loc
		}
		if c.LastSeen.IsZero() {
			c.LastSeen = existing.LastSeen
		}
	}
	m.drivers[d.ID] = &c
	return nil
}

func (m *MemoryStore) SetDriverAvailability(_ context.Context, id string, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return fmt.Errorf("%w: driver %s", apperrors.ErrNotFound, id)
	}
	if available && m.activeForDriver(id) != nil {
		return fmt.Errorf("%w: driver %s has an active ride", apperrors.ErrConflict, id)
	}
	d.Available = available
	return nil
}

func (m *MemoryStore) UpdateDriverLocation(_ context.Context, id string, c models.Coord, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return fmt.Errorf("%w: driver %s", apperrors.ErrNotFound, id)
	}
	loc := c
	d.Loc = &loc
	d.LastSeen = at
	return nil
}
