package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/semanticallynull/fleetstate-backend/bike"
	"github.com/semanticallynull/fleetstate-backend/rental"
	"github.com/semanticallynull/fleetstate-backend/station"
)

// Schema creates the tables the Postgres store expects.
//
//go:embed schema.sql
var Schema string

// Postgres is a Store backed by row locks in PostgreSQL.
type Postgres struct {
	db          *sqlx.DB
	bikes       *bike.Repository
	stations    *station.Repository
	rentals     *rental.Repository
	lockTimeout time.Duration
}

// NewPostgres returns a Store on db. Lock waits longer than lockTimeout fail with
// ErrBusy; zero waits forever.
func NewPostgres(db *sqlx.DB, lockTimeout time.Duration) *Postgres {
	return &Postgres{
		db:          db,
		bikes:       bike.NewRepository(db),
		stations:    station.NewRepository(db),
		rentals:     rental.NewRepository(db),
		lockTimeout: lockTimeout,
	}
}

// ApplySchema runs Schema against the database.
func (p *Postgres) ApplySchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, Schema)
	return err
}

func (p *Postgres) Bike(ctx context.Context, id uuid.UUID) (bike.Bike, error) {
	b, err := p.bikes.GetBikeByID(ctx, id)
	return b, mapErr(err)
}

func (p *Postgres) BikeByLabel(ctx context.Context, label string) (bike.Bike, error) {
	b, err := p.bikes.GetBike(ctx, label)
	return b, mapErr(err)
}

func (p *Postgres) Bikes(ctx context.Context, stationID *uuid.UUID) ([]bike.Bike, error) {
	bikes, err := p.bikes.GetBikes(ctx, stationID)
	return bikes, mapErr(err)
}

func (p *Postgres) Station(ctx context.Context, id uuid.UUID) (station.Station, error) {
	s, err := p.stations.GetStation(ctx, id)
	return s, mapErr(err)
}

func (p *Postgres) Stations(ctx context.Context) ([]station.Station, error) {
	stations, err := p.stations.GetStations(ctx)
	return stations, mapErr(err)
}

func (p *Postgres) Rental(ctx context.Context, id uuid.UUID) (rental.Rental, error) {
	r, err := p.rentals.GetRental(ctx, id)
	return r, mapErr(err)
}

func (p *Postgres) RentalsByRider(ctx context.Context, riderID string) ([]rental.Rental, error) {
	rentals, err := p.rentals.GetByRider(ctx, riderID)
	return rentals, mapErr(err)
}

func (p *Postgres) CurrentRental(ctx context.Context, riderID string) (rental.Rental, error) {
	r, err := p.rentals.Current(ctx, riderID)
	return r, mapErr(err)
}

func (p *Postgres) Begin(ctx context.Context) (Tx, error) {
	tx, err := p.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, mapErr(err)
	}

	if p.lockTimeout > 0 {
		// SET does not take bind parameters.
		_, err = tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", p.lockTimeout.Milliseconds()))
		if err != nil {
			_ = tx.Rollback()
			return nil, mapErr(err)
		}
	}

	return &pgTx{tx: tx}, nil
}

type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) LockRider(ctx context.Context, riderID string) error {
	_, err := t.tx.ExecContext(ctx, lockRider, riderID)
	return mapErr(err)
}

const lockRider = `SELECT pg_advisory_xact_lock(hashtextextended('rider:' || $1, 0))`

func (t *pgTx) LockBike(ctx context.Context, id uuid.UUID) (bike.Bike, error) {
	b, err := bike.LockBike(ctx, t.tx, id)
	return b, mapErr(err)
}

func (t *pgTx) LockStation(ctx context.Context, id uuid.UUID) (station.Station, error) {
	s, err := station.LockStation(ctx, t.tx, id)
	return s, mapErr(err)
}

func (t *pgTx) Station(ctx context.Context, id uuid.UUID) (station.Station, error) {
	s, err := station.GetStation(ctx, t.tx, id)
	return s, mapErr(err)
}

func (t *pgTx) OpenRentalByBike(ctx context.Context, bikeID uuid.UUID) (rental.Rental, error) {
	r, err := rental.OpenByBike(ctx, t.tx, bikeID)
	return r, mapErr(err)
}

func (t *pgTx) OpenRentalByRider(ctx context.Context, riderID string) (rental.Rental, error) {
	r, err := rental.OpenByRider(ctx, t.tx, riderID)
	return r, mapErr(err)
}

func (t *pgTx) InsertRental(ctx context.Context, r rental.Rental) error {
	return mapErr(rental.Insert(ctx, t.tx, r))
}

func (t *pgTx) FinishRental(ctx context.Context, r rental.Rental) error {
	return mapErr(rental.Finish(ctx, t.tx, r))
}

func (t *pgTx) SaveBike(ctx context.Context, b bike.Bike) error {
	return mapErr(bike.SaveState(ctx, t.tx, b))
}

func (t *pgTx) SetAvailable(ctx context.Context, stationID uuid.UUID, n int) error {
	return mapErr(station.SetAvailable(ctx, t.tx, stationID, n))
}

func (t *pgTx) Commit() error {
	return mapErr(t.tx.Commit())
}

func (t *pgTx) Rollback() error {
	return mapErr(t.tx.Rollback())
}

// Postgres error codes, see https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
)

func mapErr(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, sql.ErrNoRows),
		errors.Is(err, bike.ErrNotFound),
		errors.Is(err, station.ErrNotFound),
		errors.Is(err, rental.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, sql.ErrTxDone):
		return fmt.Errorf("%w: %w", ErrTxDone, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeLockNotAvailable, codeDeadlockDetected, codeSerializationFailure:
			return fmt.Errorf("%w: %w", ErrBusy, err)
		case codeUniqueViolation:
			return fmt.Errorf("%w: %w", ErrIntegrity, err)
		}
	}

	return err
}
