package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/semanticallynull/fleetstate-backend/ledger"
	"github.com/semanticallynull/fleetstate-backend/station"
)

// accountant keeps station counters in step with docked bikes. It works inside
// the transition's Tx so the counter changes commit with the bike.
type accountant struct {
	tx ledger.Tx
	// ceiling turns returns beyond a station's capacity into ErrStationFull.
	ceiling bool
}

func (a accountant) lock(ctx context.Context, stationID uuid.UUID) (station.Station, error) {
	s, err := a.tx.LockStation(ctx, stationID)
	if errors.Is(err, ledger.ErrNotFound) {
		return station.Station{}, fmt.Errorf("%w: %s", ErrStationNotFound, stationID)
	}
	return s, err
}

// Decrement releases one bike from the station. A zero counter means the ledger
// is already inconsistent and the transition must abort.
func (a accountant) Decrement(ctx context.Context, stationID uuid.UUID) error {
	s, err := a.lock(ctx, stationID)
	if err != nil {
		return err
	}
	if s.AvailableBikes <= 0 {
		return fmt.Errorf("%w: %s", ErrCapacityUnderflow, s.Name)
	}
	return a.tx.SetAvailable(ctx, stationID, s.AvailableBikes-1)
}

// Increment docks one bike at the station.
func (a accountant) Increment(ctx context.Context, stationID uuid.UUID) error {
	s, err := a.lock(ctx, stationID)
	if err != nil {
		return err
	}
	if a.ceiling && s.Capacity != nil && s.AvailableBikes >= *s.Capacity {
		return fmt.Errorf("%w: %s has %d docks", ErrStationFull, s.Name, *s.Capacity)
	}
	return a.tx.SetAvailable(ctx, stationID, s.AvailableBikes+1)
}
