package rental

import (
	"database/sql"
	"math"
	"time"

	"github.com/google/uuid"
)

// Rental is one checkout-to-return episode. It is created open at checkout,
// closed once at return and never changed after that.
type Rental struct {
	ID             uuid.UUID       `db:"id"`
	RiderID        string          `db:"rider_id"`
	BikeID         uuid.UUID       `db:"bike_id"`
	StartStationID uuid.UUID       `db:"start_station_id"`
	StartedAt      time.Time       `db:"started_at"`
	EndStationID   *uuid.UUID      `db:"end_station_id"`
	EndedAt        sql.NullTime    `db:"ended_at"`
	DistanceKM     sql.NullFloat64 `db:"distance_km"`
}

// Open reports whether the bike has not been returned yet.
func (r Rental) Open() bool {
	return !r.EndedAt.Valid
}

// Minutes is the billed duration, rounded up to the next whole minute.
func (r Rental) Minutes() int {
	if !r.EndedAt.Valid {
		return 0
	}
	return int(math.Ceil(r.EndedAt.Time.Sub(r.StartedAt).Minutes()))
}
