// Package ledger is the system of record for bikes, stations and rentals.
//
// Every rental transition runs inside a Tx. Row locks taken through a Tx are held
// until Commit or Rollback, and the writes of a Tx become visible to readers all
// at once on Commit or not at all.
package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/semanticallynull/fleetstate-backend/bike"
	"github.com/semanticallynull/fleetstate-backend/rental"
	"github.com/semanticallynull/fleetstate-backend/station"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrBusy is returned when a lock could not be acquired in time.
	ErrBusy = errors.New("resource busy")
	// ErrTxDone is returned by operations on a committed, rolled back or expired Tx.
	ErrTxDone = errors.New("transaction already finished")
	// ErrIntegrity is returned when a commit would leave two open rentals for the
	// same bike or rider.
	ErrIntegrity = errors.New("integrity violation")
)

// Reader is the read side of the ledger. Reads never observe a partially
// applied transition.
type Reader interface {
	Bike(ctx context.Context, id uuid.UUID) (bike.Bike, error)
	BikeByLabel(ctx context.Context, label string) (bike.Bike, error)
	Bikes(ctx context.Context, stationID *uuid.UUID) ([]bike.Bike, error)
	Station(ctx context.Context, id uuid.UUID) (station.Station, error)
	Stations(ctx context.Context) ([]station.Station, error)
	Rental(ctx context.Context, id uuid.UUID) (rental.Rental, error)
	RentalsByRider(ctx context.Context, riderID string) ([]rental.Rental, error)
	CurrentRental(ctx context.Context, riderID string) (rental.Rental, error)
}

type Store interface {
	Reader
	// Begin opens a transition scope. The Tx is aborted when ctx is done.
	Begin(ctx context.Context) (Tx, error)
}

// Tx is an exclusive transition scope. Lock* methods block until the lock is
// granted or the store's lock timeout passes, in which case they return ErrBusy.
type Tx interface {
	LockRider(ctx context.Context, riderID string) error
	LockBike(ctx context.Context, id uuid.UUID) (bike.Bike, error)
	LockStation(ctx context.Context, id uuid.UUID) (station.Station, error)
	// Station reads a station without locking it.
	Station(ctx context.Context, id uuid.UUID) (station.Station, error)

	OpenRentalByBike(ctx context.Context, bikeID uuid.UUID) (rental.Rental, error)
	OpenRentalByRider(ctx context.Context, riderID string) (rental.Rental, error)
	InsertRental(ctx context.Context, r rental.Rental) error
	FinishRental(ctx context.Context, r rental.Rental) error

	SaveBike(ctx context.Context, b bike.Bike) error
	SetAvailable(ctx context.Context, stationID uuid.UUID, n int) error

	Commit() error
	Rollback() error
}
