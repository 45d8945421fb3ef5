// Package events announces committed rental transitions to other services.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	RentalStarted Kind = "rental.started"
	RentalEnded   Kind = "rental.ended"
)

// Event describes one committed checkout or return.
type Event struct {
	Kind      Kind      `json:"kind"`
	RentalID  uuid.UUID `json:"rentalId"`
	RiderID   string    `json:"riderId"`
	BikeID    uuid.UUID `json:"bikeId"`
	StationID uuid.UUID `json:"stationId"`
	At        time.Time `json:"at"`
	// DistanceKM is set on RentalEnded when both stations have coordinates.
	DistanceKM *float64 `json:"distanceKm,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
