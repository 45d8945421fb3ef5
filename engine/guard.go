package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/semanticallynull/fleetstate-backend/bike"
	"github.com/semanticallynull/fleetstate-backend/ledger"
	"github.com/semanticallynull/fleetstate-backend/rental"
)

// guard decides whether a transition may proceed. It reads only through the
// transition's Tx, so the bike it approves stays locked until that Tx ends.
type guard struct {
	tx ledger.Tx
}

// CanCheckout locks the bike and checks it is docked, ready and at stationID.
func (g guard) CanCheckout(ctx context.Context, bikeID, stationID uuid.UUID) (bike.Bike, error) {
	b, err := g.tx.LockBike(ctx, bikeID)
	if errors.Is(err, ledger.ErrNotFound) {
		return bike.Bike{}, fmt.Errorf("%w: %s", ErrBikeNotFound, bikeID)
	}
	if err != nil {
		return bike.Bike{}, err
	}

	if !b.Available() {
		return b, fmt.Errorf("%w: %s is %s", ErrBikeNotAvailable, b.Label, b.Status())
	}
	if !b.DockedAt(stationID) {
		return b, fmt.Errorf("%w: %s is docked at %s", ErrStationMismatch, b.Label, b.StationID())
	}
	return b, nil
}

// CanReturn locks the bike and its open rental and checks that rental belongs
// to riderID.
func (g guard) CanReturn(ctx context.Context, bikeID uuid.UUID, riderID string) (bike.Bike, rental.Rental, error) {
	b, err := g.tx.LockBike(ctx, bikeID)
	if errors.Is(err, ledger.ErrNotFound) {
		return bike.Bike{}, rental.Rental{}, ErrNoActiveRental
	}
	if err != nil {
		return bike.Bike{}, rental.Rental{}, err
	}

	open, err := g.tx.OpenRentalByBike(ctx, bikeID)
	if errors.Is(err, ledger.ErrNotFound) {
		return b, rental.Rental{}, ErrNoActiveRental
	}
	if err != nil {
		return b, rental.Rental{}, err
	}
	if open.RiderID != riderID {
		return b, rental.Rental{}, ErrNoActiveRental
	}

	if in, ok := b.State.(bike.InUse); !ok || in.RiderID != riderID {
		return b, rental.Rental{}, fmt.Errorf("%w: rental %s is open but bike %s is %s",
			ledger.ErrIntegrity, open.ID, b.Label, b.Status())
	}
	return b, open, nil
}
