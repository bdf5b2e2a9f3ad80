package rides

import (
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	EventRequested     = "ride:requested"
	EventAccepted      = "ride:accepted"
	EventDriverArrived = "ride:driver_arrived"
	EventStarted       = "ride:started"
	EventCompleted     = "ride:completed"
	EventCancelled     = "ride:cancelled"
)

// Publisher delivers an event to a channel such as "driver:42". It must not
// block on delivery; failures are the publisher's concern.
type Publisher interface {
	Publish(channel, event string, payload any)
}

type RequestedEvent struct {
	RideID         string          `json:"rideId"`
	Pickup         models.Location `json:"pickup"`
	Destination    models.Location `json:"destination"`
	Distance       float64         `json:"distance"`
	EstimatedPrice int64           `json:"estimatedPrice"`
	PickupKm       float64         `json:"pickupDistanceKm"`
	PickupETA      float64         `json:"pickupEtaSeconds,omitempty"`
}

type AcceptedEvent struct {
	RideID     string        `json:"rideId"`
	Driver     models.Driver `json:"driver"`
	AcceptedAt time.Time     `json:"acceptedAt"`
}

type ArrivedEvent struct {
	RideID    string    `json:"rideId"`
	ArrivedAt time.Time `json:"arrivedAt"`
}

type StartedEvent struct {
	RideID    string    `json:"rideId"`
	StartedAt time.Time `json:"startedAt"`
}

type CompletedEvent struct {
	RideID      string    `json:"rideId"`
	CompletedAt time.Time `json:"completedAt"`
	Duration    int       `json:"duration"`
	FinalPrice  int64     `json:"finalPrice"`
}

type CancelledEvent struct {
	RideID      string      `json:"rideId"`
	CancelledBy models.Role `json:"cancelledBy"`
	Reason      string      `json:"reason"`
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, string, any) {}
