package station

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

var ErrNotFound = errors.New("station not found")

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{
		db: db,
	}
}

const columns = `id, name, address, location, type, status, available_bikes, capacity`

func (r *Repository) GetStations(ctx context.Context) ([]Station, error) {
	var stations []Station
	err := r.db.SelectContext(ctx, &stations, getStations)
	return stations, err
}

const getStations = `SELECT ` + columns + ` FROM stations ORDER BY name`

func (r *Repository) GetStation(ctx context.Context, id uuid.UUID) (Station, error) {
	return GetStation(ctx, r.db, id)
}

// GetStation reads a station without locking it.
func GetStation(ctx context.Context, q sqlx.QueryerContext, id uuid.UUID) (Station, error) {
	var station Station
	err := sqlx.GetContext(ctx, q, &station, getStation, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Station{}, ErrNotFound
	}
	return station, err
}

const getStation = `SELECT ` + columns + ` FROM stations WHERE id = $1`

// LockStation reads a station and holds its row lock until tx ends. The lock
// is NO KEY UPDATE so it does not wait on the KEY SHARE locks that inserts of
// rows referencing the station take.
func LockStation(ctx context.Context, tx sqlx.QueryerContext, id uuid.UUID) (Station, error) {
	var station Station
	err := sqlx.GetContext(ctx, tx, &station, lockStation, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Station{}, ErrNotFound
	}
	return station, err
}

const lockStation = `SELECT ` + columns + ` FROM stations WHERE id = $1 FOR NO KEY UPDATE`

// SetAvailable overwrites the available bike counter of a locked station.
func SetAvailable(ctx context.Context, tx sqlx.ExecerContext, id uuid.UUID, n int) error {
	res, err := tx.ExecContext(ctx, setAvailable, id, n)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

const setAvailable = `UPDATE stations SET available_bikes = $2 WHERE id = $1`
