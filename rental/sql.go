package rental

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

var ErrNotFound = errors.New("rental not found")

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{
		db: db,
	}
}

const columns = `id, rider_id, bike_id, start_station_id, started_at, end_station_id, ended_at, distance_km`

func (r *Repository) GetRental(ctx context.Context, id uuid.UUID) (Rental, error) {
	var rental Rental
	err := r.db.GetContext(ctx, &rental, getRental, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Rental{}, ErrNotFound
	}
	return rental, err
}

const getRental = `SELECT ` + columns + ` FROM rentals WHERE id = $1`

// GetByRider returns a rider's rentals, most recent first.
func (r *Repository) GetByRider(ctx context.Context, riderID string) ([]Rental, error) {
	var rentals []Rental
	err := r.db.SelectContext(ctx, &rentals, getByRider, riderID)
	return rentals, err
}

const getByRider = `SELECT ` + columns + ` FROM rentals WHERE rider_id = $1 ORDER BY started_at DESC`

func (r *Repository) Current(ctx context.Context, riderID string) (Rental, error) {
	var rental Rental
	err := r.db.GetContext(ctx, &rental, getCurrent, riderID)
	if errors.Is(err, sql.ErrNoRows) {
		return Rental{}, ErrNotFound
	}
	return rental, err
}

const getCurrent = `SELECT ` + columns + ` FROM rentals WHERE rider_id = $1 AND ended_at IS NULL`

// OpenByBike locks the open rental of a bike, if any.
func OpenByBike(ctx context.Context, tx sqlx.QueryerContext, bikeID uuid.UUID) (Rental, error) {
	var rental Rental
	err := sqlx.GetContext(ctx, tx, &rental, openByBike, bikeID)
	if errors.Is(err, sql.ErrNoRows) {
		return Rental{}, ErrNotFound
	}
	return rental, err
}

const openByBike = `SELECT ` + columns + ` FROM rentals WHERE bike_id = $1 AND ended_at IS NULL FOR UPDATE`

// OpenByRider locks the open rental of a rider, if any.
func OpenByRider(ctx context.Context, tx sqlx.QueryerContext, riderID string) (Rental, error) {
	var rental Rental
	err := sqlx.GetContext(ctx, tx, &rental, openByRider, riderID)
	if errors.Is(err, sql.ErrNoRows) {
		return Rental{}, ErrNotFound
	}
	return rental, err
}

const openByRider = `SELECT ` + columns + ` FROM rentals WHERE rider_id = $1 AND ended_at IS NULL FOR UPDATE`

func Insert(ctx context.Context, tx sqlx.ExecerContext, r Rental) error {
	_, err := tx.ExecContext(ctx, insertRental, r.ID, r.RiderID, r.BikeID, r.StartStationID, r.StartedAt)
	return err
}

const insertRental = `
INSERT INTO rentals (id, rider_id, bike_id, start_station_id, started_at)
VALUES ($1, $2, $3, $4, $5)
`

// Finish fills the end fields of an open rental. A rental that is already
// closed is left untouched and reported as not found.
func Finish(ctx context.Context, tx sqlx.ExecerContext, r Rental) error {
	res, err := tx.ExecContext(ctx, finishRental, r.ID, r.EndStationID, r.EndedAt, r.DistanceKM)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const finishRental = `
UPDATE rentals
SET end_station_id = $2, ended_at = $3, distance_km = $4
WHERE id = $1 AND ended_at IS NULL
`
