// Package engine runs checkouts and returns as single atomic transitions over
// the ledger.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/semanticallynull/fleetstate-backend/bike"
	"github.com/semanticallynull/fleetstate-backend/events"
	"github.com/semanticallynull/fleetstate-backend/internal/geo"
	"github.com/semanticallynull/fleetstate-backend/ledger"
	"github.com/semanticallynull/fleetstate-backend/rental"
)

type Config struct {
	// HoldTimeout bounds how long one attempt may hold its locks. An attempt that
	// runs over is rolled back and reported as busy.
	HoldTimeout time.Duration
	// MaxRetries is how many more attempts are made after lock contention.
	MaxRetries uint
	// RetryInterval is the first wait between attempts; later waits grow.
	RetryInterval time.Duration
	// EnforceCapacity rejects returns to a station already at its capacity.
	EnforceCapacity bool
}

func DefaultConfig() Config {
	return Config{
		HoldTimeout:   5 * time.Second,
		MaxRetries:    3,
		RetryInterval: 50 * time.Millisecond,
	}
}

type Engine struct {
	store     ledger.Store
	cfg       Config
	publisher events.Publisher
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *metrics
	now       func() time.Time
}

type Option func(*Engine)

func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithRegistry registers the engine's metrics with reg.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(e *Engine) { e.metrics.register(reg) }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(store ledger.Store, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		cfg:       cfg,
		publisher: events.Nop{},
		logger:    slog.Default(),
		tracer:    otel.Tracer("github.com/semanticallynull/fleetstate-backend/engine"),
		metrics:   newMetrics(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type CheckoutRequest struct {
	RiderID   string
	BikeID    uuid.UUID
	StationID uuid.UUID
}

type ReturnRequest struct {
	RiderID string
	BikeID  uuid.UUID
	// StationID is where the bike is being docked.
	StationID uuid.UUID
}

func validate(riderID string, bikeID, stationID uuid.UUID) error {
	switch {
	case strings.TrimSpace(riderID) == "":
		return fmt.Errorf("%w: rider is required", ErrInvalidRequest)
	case bikeID == uuid.Nil:
		return fmt.Errorf("%w: bikeId is required", ErrInvalidRequest)
	case stationID == uuid.Nil:
		return fmt.Errorf("%w: stationId is required", ErrInvalidRequest)
	}
	return nil
}

// Checkout takes a docked bike out of a station for a rider and returns the new
// open rental.
func (e *Engine) Checkout(ctx context.Context, req CheckoutRequest) (rental.Rental, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Checkout", trace.WithAttributes(
		attribute.String("rider.id", req.RiderID),
		attribute.String("bike.id", req.BikeID.String()),
		attribute.String("station.id", req.StationID.String()),
	))
	defer span.End()

	r, err := e.run(ctx, "checkout", func() error {
		return validate(req.RiderID, req.BikeID, req.StationID)
	}, func(ctx context.Context, tx ledger.Tx) (rental.Rental, error) {
		return e.checkout(ctx, tx, req)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(CodeOf(err)))
		return rental.Rental{}, err
	}

	span.SetAttributes(attribute.String("rental.id", r.ID.String()))
	e.logger.InfoContext(ctx, "bike checked out",
		"rentalId", r.ID, "bikeId", r.BikeID, "stationId", r.StartStationID, "riderId", r.RiderID)
	e.publish(ctx, events.Event{
		Kind:      events.RentalStarted,
		RentalID:  r.ID,
		RiderID:   r.RiderID,
		BikeID:    r.BikeID,
		StationID: r.StartStationID,
		At:        r.StartedAt,
	})
	return r, nil
}

func (e *Engine) checkout(ctx context.Context, tx ledger.Tx, req CheckoutRequest) (rental.Rental, error) {
	if err := tx.LockRider(ctx, req.RiderID); err != nil {
		return rental.Rental{}, err
	}

	b, err := guard{tx: tx}.CanCheckout(ctx, req.BikeID, req.StationID)
	if err != nil {
		return rental.Rental{}, err
	}

	open, err := tx.OpenRentalByRider(ctx, req.RiderID)
	if err == nil {
		return rental.Rental{}, fmt.Errorf("%w: rental %s", ErrRiderHasActiveRental, open.ID)
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return rental.Rental{}, err
	}

	r := rental.Rental{
		ID:             uuid.New(),
		RiderID:        req.RiderID,
		BikeID:         b.ID,
		StartStationID: req.StationID,
		StartedAt:      e.now().UTC(),
	}
	if err := tx.InsertRental(ctx, r); err != nil {
		return rental.Rental{}, err
	}

	b.State = bike.InUse{RiderID: req.RiderID}
	if err := tx.SaveBike(ctx, b); err != nil {
		return rental.Rental{}, err
	}

	if err := (accountant{tx: tx, ceiling: e.cfg.EnforceCapacity}).Decrement(ctx, req.StationID); err != nil {
		return rental.Rental{}, err
	}
	return r, nil
}

// Return docks a rented bike at a station and closes the rider's rental.
func (e *Engine) Return(ctx context.Context, req ReturnRequest) (rental.Rental, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Return", trace.WithAttributes(
		attribute.String("rider.id", req.RiderID),
		attribute.String("bike.id", req.BikeID.String()),
		attribute.String("station.id", req.StationID.String()),
	))
	defer span.End()

	r, err := e.run(ctx, "return", func() error {
		return validate(req.RiderID, req.BikeID, req.StationID)
	}, func(ctx context.Context, tx ledger.Tx) (rental.Rental, error) {
		return e.checkin(ctx, tx, req)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(CodeOf(err)))
		return rental.Rental{}, err
	}

	span.SetAttributes(attribute.String("rental.id", r.ID.String()))
	e.logger.InfoContext(ctx, "bike returned",
		"rentalId", r.ID, "bikeId", r.BikeID, "stationId", req.StationID, "riderId", r.RiderID,
		"minutes", r.Minutes())

	ev := events.Event{
		Kind:      events.RentalEnded,
		RentalID:  r.ID,
		RiderID:   r.RiderID,
		BikeID:    r.BikeID,
		StationID: req.StationID,
		At:        r.EndedAt.Time,
	}
	if r.DistanceKM.Valid {
		ev.DistanceKM = &r.DistanceKM.Float64
	}
	e.publish(ctx, ev)
	return r, nil
}

func (e *Engine) checkin(ctx context.Context, tx ledger.Tx, req ReturnRequest) (rental.Rental, error) {
	if err := tx.LockRider(ctx, req.RiderID); err != nil {
		return rental.Rental{}, err
	}

	b, open, err := guard{tx: tx}.CanReturn(ctx, req.BikeID, req.RiderID)
	if err != nil {
		return rental.Rental{}, err
	}

	end, err := tx.Station(ctx, req.StationID)
	if errors.Is(err, ledger.ErrNotFound) {
		return rental.Rental{}, fmt.Errorf("%w: %s", ErrStationNotFound, req.StationID)
	}
	if err != nil {
		return rental.Rental{}, err
	}

	open.EndStationID = &req.StationID
	open.EndedAt = sql.NullTime{Time: e.now().UTC(), Valid: true}

	start, err := tx.Station(ctx, open.StartStationID)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return rental.Rental{}, err
	}
	if err == nil && start.Location.Valid && end.Location.Valid {
		open.DistanceKM = sql.NullFloat64{
			Float64: geo.DistanceKM(start.Lat(), start.Lng(), end.Lat(), end.Lng()),
			Valid:   true,
		}
	}

	if err := tx.FinishRental(ctx, open); err != nil {
		return rental.Rental{}, err
	}

	b.State = bike.Docked{StationID: req.StationID}
	if err := tx.SaveBike(ctx, b); err != nil {
		return rental.Rental{}, err
	}

	if err := (accountant{tx: tx, ceiling: e.cfg.EnforceCapacity}).Increment(ctx, req.StationID); err != nil {
		return rental.Rental{}, err
	}
	return open, nil
}

type transition func(ctx context.Context, tx ledger.Tx) (rental.Rental, error)

// run validates, then attempts fn until it commits, fails for a reason other
// than contention, or runs out of retries.
func (e *Engine) run(ctx context.Context, op string, check func() error, fn transition) (rental.Rental, error) {
	start := time.Now()
	r, err := e.retry(ctx, op, check, fn)
	e.metrics.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	code := CodeOf(err)
	if code == "" {
		code = "OK"
	}
	e.metrics.transitions.WithLabelValues(op, string(code)).Inc()
	return r, err
}

func (e *Engine) retry(ctx context.Context, op string, check func() error, fn transition) (rental.Rental, error) {
	if err := check(); err != nil {
		return rental.Rental{}, err
	}

	b := backoff.NewExponentialBackOff()
	if e.cfg.RetryInterval > 0 {
		b.InitialInterval = e.cfg.RetryInterval
	}

	r, err := backoff.Retry(ctx, func() (rental.Rental, error) {
		r, err := e.attempt(ctx, fn)
		if err != nil && !errors.Is(err, ledger.ErrBusy) {
			return r, backoff.Permanent(err)
		}
		return r, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(e.cfg.MaxRetries+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.metrics.retries.WithLabelValues(op).Inc()
			e.logger.WarnContext(ctx, "retrying contended transition", "op", op, "error", err, "next", next)
		}),
	)

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	return r, err
}

// attempt runs fn in one Tx and commits it. Nothing fn wrote survives an error.
func (e *Engine) attempt(ctx context.Context, fn transition) (rental.Rental, error) {
	holdCtx, cancel := ctx, context.CancelFunc(func() {})
	if e.cfg.HoldTimeout > 0 {
		holdCtx, cancel = context.WithTimeout(ctx, e.cfg.HoldTimeout)
	}
	defer cancel()

	tx, err := e.store.Begin(holdCtx)
	if err != nil {
		return rental.Rental{}, holdErr(ctx, holdCtx, err)
	}
	defer tx.Rollback()

	r, err := fn(holdCtx, tx)
	if err != nil {
		return rental.Rental{}, holdErr(ctx, holdCtx, err)
	}

	if err := tx.Commit(); err != nil {
		return rental.Rental{}, holdErr(ctx, holdCtx, err)
	}
	return r, nil
}

// holdErr reports an attempt that ran out of hold time, rather than one the
// caller abandoned, as busy.
func holdErr(parent, hold context.Context, err error) error {
	if parent.Err() == nil && hold.Err() != nil && !errors.Is(err, ledger.ErrBusy) {
		return fmt.Errorf("%w: transition exceeded its hold timeout: %w", ledger.ErrBusy, err)
	}
	return err
}

func (e *Engine) publish(ctx context.Context, ev events.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.logger.ErrorContext(ctx, "failed to publish rental event",
			"kind", ev.Kind, "rentalId", ev.RentalID, "error", err)
	}
}
