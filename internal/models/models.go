package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Location is a coordinate with the human readable address the client typed.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   string  `json:"address"`
}

func (l Location) Coord() Coord { return Coord{Lat: l.Latitude, Lon: l.Longitude} }

type RideStatus string

const (
	StatusRequested  RideStatus = "REQUESTED"
	StatusAccepted   RideStatus = "ACCEPTED"
	StatusArrived    RideStatus = "ARRIVED"
	StatusInProgress RideStatus = "IN_PROGRESS"
	StatusCompleted  RideStatus = "COMPLETED"
	StatusCancelled  RideStatus = "CANCELLED"
)

// Terminal reports whether no further transition may leave s.
func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// ClientActive lists the statuses that count against the one-active-ride-per-client rule.
var ClientActive = []RideStatus{StatusRequested, StatusAccepted, StatusArrived, StatusInProgress}

// DriverActive lists the statuses that count against the one-active-ride-per-driver rule.
var DriverActive = []RideStatus{StatusAccepted, StatusArrived, StatusInProgress}

func (s RideStatus) ActiveForClient() bool { return contains(ClientActive, s) }
func (s RideStatus) ActiveForDriver() bool { return contains(DriverActive, s) }

func (s RideStatus) Valid() bool {
	switch s {
	case StatusRequested, StatusAccepted, StatusArrived, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

func contains(set []RideStatus, s RideStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

type PaymentMethod string

const (
	PaymentCash        PaymentMethod = "CASH"
	PaymentWallet      PaymentMethod = "WALLET"
	PaymentMobileMoney PaymentMethod = "MOBILE_MONEY"
)

func (p PaymentMethod) Valid() bool {
	return p == PaymentCash || p == PaymentWallet || p == PaymentMobileMoney
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentRefunded  PaymentStatus = "REFUNDED"
)

type VehicleClass string

const (
	VehicleStandard VehicleClass = "STANDARD"
	VehiclePremium  VehicleClass = "PREMIUM"
	VehicleSUV      VehicleClass = "SUV"
	VehicleMoto     VehicleClass = "MOTO"
)

func (v VehicleClass) Valid() bool {
	switch v {
	case VehicleStandard, VehiclePremium, VehicleSUV, VehicleMoto:
		return true
	}
	return false
}

type Role string

const (
	RoleClient Role = "CLIENT"
	RoleDriver Role = "DRIVER"
	RoleAdmin  Role = "ADMIN"
	// RoleSystem marks transitions the service performs on its own, such as
	// expiring an unanswered request.
	RoleSystem Role = "SYSTEM"
)

// Actor is the authenticated caller of a lifecycle operation. ID is the
// client id for RoleClient and the driver id for RoleDriver.
type Actor struct {
	Role Role   `json:"role"`
	ID   string `json:"id"`
}

// Channel is the notification channel the actor listens on, e.g. "driver:42".
func (a Actor) Channel() string {
	switch a.Role {
	case RoleClient:
		return ClientChannel(a.ID)
	case RoleDriver:
		return DriverChannel(a.ID)
	}
	return "admin:" + a.ID
}

func ClientChannel(id string) string { return "client:" + id }
func DriverChannel(id string) string { return "driver:" + id }

type Driver struct {
	ID             string       `json:"id"`
	Loc            *Coord       `json:"location,omitempty"` // nil when unknown
	Available      bool         `json:"isAvailable"`
	Active         bool         `json:"isActive"`
	Rating         float64      `json:"averageRating"` // 0..5
	Vehicle        VehicleClass `json:"vehicleClass"`
	CompletedRides int          `json:"completedRides"`
	LastSeen       time.Time    `json:"lastSeenAt"`
}

type Ride struct {
	ID              string        `json:"id"`
	ClientID        string        `json:"clientId"`
	DriverID        string        `json:"driverId,omitempty"`
	Status          RideStatus    `json:"status"`
	Pickup          Location      `json:"pickup"`
	Destination     Location      `json:"destination"`
	Vehicle         VehicleClass  `json:"vehicleClass"`
	EstimatedPrice  int64         `json:"estimatedPrice"`
	FinalPrice      *int64        `json:"finalPrice,omitempty"`
	DistanceKm      float64       `json:"distanceKm"`
	DurationMinutes *int          `json:"durationMinutes,omitempty"`
	PaymentMethod   PaymentMethod `json:"paymentMethod"`
	PaymentStatus   PaymentStatus `json:"paymentStatus"`
	RequestedAt     time.Time     `json:"requestedAt"`
	AcceptedAt      *time.Time    `json:"acceptedAt,omitempty"`
	ArrivedAt       *time.Time    `json:"arrivedAt,omitempty"`
	StartedAt       *time.Time    `json:"startedAt,omitempty"`
	CompletedAt     *time.Time    `json:"completedAt,omitempty"`
	CancelledAt     *time.Time    `json:"cancelledAt,omitempty"`
	CancelReason    string        `json:"cancelReason,omitempty"`
	CancelledBy     Role          `json:"cancelledBy,omitempty"`
}

// Clone returns a deep copy so stores can hand out rides without aliasing.
func (r *Ride) Clone() *Ride {
	if r == nil {
		return nil
	}
	c := *r
	c.FinalPrice = cloneInt64(r.FinalPrice)
	c.DurationMinutes = cloneInt(r.DurationMinutes)
	c.AcceptedAt = cloneTime(r.AcceptedAt)
	c.ArrivedAt = cloneTime(r.ArrivedAt)
	c.StartedAt = cloneTime(r.StartedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.CancelledAt = cloneTime(r.CancelledAt)
	return &c
}

// IsParty reports whether the actor is the ride's client or assigned driver.
func (r *Ride) IsParty(a Actor) bool {
	switch a.Role {
	case RoleClient:
		return r.ClientID == a.ID
	case RoleDriver:
		return r.DriverID != "" && r.DriverID == a.ID
	}
	return false
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// DriverLocation is the message shape carried on the location topic.
type DriverLocation struct {
	DriverID string    `json:"driverId"`
	Loc      Coord     `json:"location"`
	At       time.Time `json:"at"`
}
