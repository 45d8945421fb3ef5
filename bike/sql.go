package bike

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

var ErrNotFound = errors.New("bike not found")

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

type row struct {
	ID          uuid.UUID  `db:"id"`
	Label       string     `db:"label"`
	DisplayName *string    `db:"display_name"`
	Status      Status     `db:"status"`
	LockStatus  LockStatus `db:"lock_status"`
	StationID   *uuid.UUID `db:"station_id"`
	RiderID     *string    `db:"rider_id"`
}

func (r row) toBike() (Bike, error) {
	state, err := FromColumns(r.Status, r.LockStatus, r.StationID, r.RiderID)
	if err != nil {
		return Bike{}, err
	}
	return Bike{
		ID:          r.ID,
		Label:       r.Label,
		DisplayName: r.DisplayName,
		State:       state,
	}, nil
}

func toBikes(rows []row) ([]Bike, error) {
	bikes := make([]Bike, 0, len(rows))
	for _, r := range rows {
		b, err := r.toBike()
		if err != nil {
			return nil, err
		}
		bikes = append(bikes, b)
	}
	return bikes, nil
}

const columns = `id, label, display_name, status, lock_status, station_id, rider_id`

// GetBikes fetches all bikes, or only those parked at stationID when it is set.
func (r *Repository) GetBikes(ctx context.Context, stationID *uuid.UUID) ([]Bike, error) {
	var rows []row
	var err error
	if stationID != nil {
		err = r.db.SelectContext(ctx, &rows, getBikesByStation, *stationID)
	} else {
		err = r.db.SelectContext(ctx, &rows, getBikes)
	}
	if err != nil {
		return nil, err
	}
	return toBikes(rows)
}

const getBikes = `SELECT ` + columns + ` FROM bikes ORDER BY label`

const getBikesByStation = `SELECT ` + columns + ` FROM bikes WHERE station_id = $1 ORDER BY label`

// GetBike fetches a bike by its scannable label.
func (r *Repository) GetBike(ctx context.Context, label string) (Bike, error) {
	var rw row
	err := r.db.GetContext(ctx, &rw, getBike, label)
	if errors.Is(err, sql.ErrNoRows) {
		return Bike{}, ErrNotFound
	}
	if err != nil {
		return Bike{}, err
	}
	return rw.toBike()
}

const getBike = `SELECT ` + columns + ` FROM bikes WHERE label = $1`

// GetBikeByID fetches a bike by its UUID.
func (r *Repository) GetBikeByID(ctx context.Context, id uuid.UUID) (Bike, error) {
	var rw row
	err := r.db.GetContext(ctx, &rw, getBikeByID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Bike{}, ErrNotFound
	}
	if err != nil {
		return Bike{}, err
	}
	return rw.toBike()
}

const getBikeByID = `SELECT ` + columns + ` FROM bikes WHERE id = $1`

// LockBike reads a bike and holds its row lock until tx ends.
func LockBike(ctx context.Context, tx sqlx.QueryerContext, id uuid.UUID) (Bike, error) {
	var rw row
	err := sqlx.GetContext(ctx, tx, &rw, lockBike, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Bike{}, ErrNotFound
	}
	if err != nil {
		return Bike{}, err
	}
	return rw.toBike()
}

const lockBike = `SELECT ` + columns + ` FROM bikes WHERE id = $1 FOR UPDATE`

// SaveState writes the bike's state columns.
func SaveState(ctx context.Context, tx sqlx.ExecerContext, b Bike) error {
	status, lock, stationID, riderID := Columns(b.State)
	if status == "" {
		return ErrInvalidState
	}
	res, err := tx.ExecContext(ctx, saveState, b.ID, status, lock, stationID, riderID)
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

const saveState = `
UPDATE bikes
SET status = $2, lock_status = $3, station_id = $4, rider_id = $5, updated_at = now()
WHERE id = $1
`
