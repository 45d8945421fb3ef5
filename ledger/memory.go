package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/semanticallynull/fleetstate-backend/bike"
	"github.com/semanticallynull/fleetstate-backend/rental"
	"github.com/semanticallynull/fleetstate-backend/station"
)

// Memory is an in-process Store used in tests and dev mode when no database is
// configured. Locks are per key with the same timeout semantics as the Postgres
// store, and committed writes are published under a single mutex.
type Memory struct {
	// BeforeCommit, when set, is called before a Tx publishes its writes. A non-nil
	// error aborts the commit. It exists to simulate storage failures.
	BeforeCommit func() error

	mu       sync.RWMutex
	bikes    map[uuid.UUID]bike.Bike
	stations map[uuid.UUID]station.Station
	rentals  map[uuid.UUID]rental.Rental
	order    []uuid.UUID

	locks       *keyedLocks
	lockTimeout time.Duration
}

func NewMemory(lockTimeout time.Duration) *Memory {
	return &Memory{
		bikes:       make(map[uuid.UUID]bike.Bike),
		stations:    make(map[uuid.UUID]station.Station),
		rentals:     make(map[uuid.UUID]rental.Rental),
		locks:       newKeyedLocks(),
		lockTimeout: lockTimeout,
	}
}

// PutStation provisions or replaces a station.
func (m *Memory) PutStation(s station.Station) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stations[s.ID] = s
}

// PutBike provisions or replaces a bike. Station counters are not touched.
func (m *Memory) PutBike(b bike.Bike) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bikes[b.ID] = b
}

// Snapshot is a consistent copy of everything in the store.
type Snapshot struct {
	Bikes    map[uuid.UUID]bike.Bike
	Stations map[uuid.UUID]station.Station
	Rentals  []rental.Rental
}

func (m *Memory) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Snapshot{
		Bikes:    make(map[uuid.UUID]bike.Bike, len(m.bikes)),
		Stations: make(map[uuid.UUID]station.Station, len(m.stations)),
		Rentals:  make([]rental.Rental, 0, len(m.order)),
	}
	for id, b := range m.bikes {
		s.Bikes[id] = b
	}
	for id, st := range m.stations {
		s.Stations[id] = st
	}
	for _, id := range m.order {
		s.Rentals = append(s.Rentals, m.rentals[id])
	}
	return s
}

func (m *Memory) Bike(_ context.Context, id uuid.UUID) (bike.Bike, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.bikes[id]
	if !ok {
		return bike.Bike{}, fmt.Errorf("%w: bike %s", ErrNotFound, id)
	}
	return b, nil
}

func (m *Memory) BikeByLabel(_ context.Context, label string) (bike.Bike, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, b := range m.bikes {
		if b.Label == label {
			return b, nil
		}
	}
	return bike.Bike{}, fmt.Errorf("%w: bike %s", ErrNotFound, label)
}

func (m *Memory) Bikes(_ context.Context, stationID *uuid.UUID) ([]bike.Bike, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bikes := make([]bike.Bike, 0, len(m.bikes))
	for _, b := range m.bikes {
		if stationID != nil {
			sid := b.StationID()
			if sid == nil || *sid != *stationID {
				continue
			}
		}
		bikes = append(bikes, b)
	}
	sort.Slice(bikes, func(i, j int) bool { return bikes[i].Label < bikes[j].Label })
	return bikes, nil
}

func (m *Memory) Station(_ context.Context, id uuid.UUID) (station.Station, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.stations[id]
	if !ok {
		return station.Station{}, fmt.Errorf("%w: station %s", ErrNotFound, id)
	}
	return s, nil
}

func (m *Memory) Stations(_ context.Context) ([]station.Station, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stations := make([]station.Station, 0, len(m.stations))
	for _, s := range m.stations {
		stations = append(stations, s)
	}
	sort.Slice(stations, func(i, j int) bool { return stations[i].Name < stations[j].Name })
	return stations, nil
}

func (m *Memory) Rental(_ context.Context, id uuid.UUID) (rental.Rental, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rentals[id]
	if !ok {
		return rental.Rental{}, fmt.Errorf("%w: rental %s", ErrNotFound, id)
	}
	return r, nil
}

func (m *Memory) RentalsByRider(_ context.Context, riderID string) ([]rental.Rental, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var rentals []rental.Rental
	for i := len(m.order) - 1; i >= 0; i-- {
		r := m.rentals[m.order[i]]
		if r.RiderID == riderID {
			rentals = append(rentals, r)
		}
	}
	return rentals, nil
}

func (m *Memory) CurrentRental(_ context.Context, riderID string) (rental.Rental, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.rentals {
		if r.RiderID == riderID && r.Open() {
			return r, nil
		}
	}
	return rental.Rental{}, fmt.Errorf("%w: no open rental for %s", ErrNotFound, riderID)
}

func (m *Memory) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t := &memTx{
		m:        m,
		ctx:      ctx,
		held:     make(map[string]struct{}),
		bikes:    make(map[uuid.UUID]bike.Bike),
		stations: make(map[uuid.UUID]station.Station),
		rentals:  make(map[uuid.UUID]rental.Rental),
	}
	// A holder that outlives its context loses its locks.
	t.mu.Lock()
	t.stopAbort = context.AfterFunc(ctx, func() { _ = t.Rollback() })
	t.mu.Unlock()
	return t, nil
}

type memTx struct {
	m   *Memory
	ctx context.Context

	mu        sync.Mutex
	done      bool
	held      map[string]struct{}
	stopAbort func() bool

	// staged writes, published on Commit
	bikes    map[uuid.UUID]bike.Bike
	stations map[uuid.UUID]station.Station
	rentals  map[uuid.UUID]rental.Rental
}

func (t *memTx) lock(ctx context.Context, key string) error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return ErrTxDone
	}
	if _, ok := t.held[key]; ok {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if err := t.m.locks.acquire(ctx, key, t.m.lockTimeout); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		t.m.locks.release(key)
		return ErrTxDone
	}
	t.held[key] = struct{}{}
	return nil
}

func (t *memTx) LockRider(ctx context.Context, riderID string) error {
	return t.lock(ctx, "rider:"+riderID)
}

func (t *memTx) LockBike(ctx context.Context, id uuid.UUID) (bike.Bike, error) {
	if err := t.lock(ctx, "bike:"+id.String()); err != nil {
		return bike.Bike{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return bike.Bike{}, ErrTxDone
	}
	b, ok := t.bike(id)
	if !ok {
		return bike.Bike{}, fmt.Errorf("%w: bike %s", ErrNotFound, id)
	}
	return b, nil
}

func (t *memTx) LockStation(ctx context.Context, id uuid.UUID) (station.Station, error) {
	if err := t.lock(ctx, "station:"+id.String()); err != nil {
		return station.Station{}, err
	}
	return t.Station(ctx, id)
}

func (t *memTx) Station(_ context.Context, id uuid.UUID) (station.Station, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return station.Station{}, ErrTxDone
	}
	s, ok := t.station(id)
	if !ok {
		return station.Station{}, fmt.Errorf("%w: station %s", ErrNotFound, id)
	}
	return s, nil
}

func (t *memTx) OpenRentalByBike(_ context.Context, bikeID uuid.UUID) (rental.Rental, error) {
	return t.findOpen(func(r rental.Rental) bool { return r.BikeID == bikeID })
}

func (t *memTx) OpenRentalByRider(_ context.Context, riderID string) (rental.Rental, error) {
	return t.findOpen(func(r rental.Rental) bool { return r.RiderID == riderID })
}

func (t *memTx) findOpen(match func(rental.Rental) bool) (rental.Rental, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return rental.Rental{}, ErrTxDone
	}

	for _, r := range t.mergedRentals() {
		if r.Open() && match(r) {
			return r, nil
		}
	}
	return rental.Rental{}, fmt.Errorf("%w: no open rental", ErrNotFound)
}

func (t *memTx) InsertRental(_ context.Context, r rental.Rental) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxDone
	}
	if _, ok := t.rental(r.ID); ok {
		return fmt.Errorf("%w: rental %s already exists", ErrIntegrity, r.ID)
	}
	t.rentals[r.ID] = r
	return nil
}

func (t *memTx) FinishRental(_ context.Context, r rental.Rental) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxDone
	}
	existing, ok := t.rental(r.ID)
	if !ok || !existing.Open() {
		return fmt.Errorf("%w: open rental %s", ErrNotFound, r.ID)
	}
	existing.EndStationID = r.EndStationID
	existing.EndedAt = r.EndedAt
	existing.DistanceKM = r.DistanceKM
	t.rentals[r.ID] = existing
	return nil
}

func (t *memTx) SaveBike(_ context.Context, b bike.Bike) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxDone
	}
	existing, ok := t.bike(b.ID)
	if !ok {
		return fmt.Errorf("%w: bike %s", ErrNotFound, b.ID)
	}
	existing.State = b.State
	t.bikes[b.ID] = existing
	return nil
}

func (t *memTx) SetAvailable(_ context.Context, stationID uuid.UUID, n int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxDone
	}
	s, ok := t.station(stationID)
	if !ok {
		return fmt.Errorf("%w: station %s", ErrNotFound, stationID)
	}
	s.AvailableBikes = n
	t.stations[stationID] = s
	return nil
}

func (t *memTx) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxDone
	}
	defer t.finish()

	if err := t.ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrTxDone, err)
	}
	if t.m.BeforeCommit != nil {
		if err := t.m.BeforeCommit(); err != nil {
			return err
		}
		if err := t.ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrTxDone, err)
		}
	}

	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	if err := t.checkOpenRentals(); err != nil {
		return err
	}

	for id, b := range t.bikes {
		t.m.bikes[id] = b
	}
	for id, s := range t.stations {
		t.m.stations[id] = s
	}
	for id, r := range t.rentals {
		if _, ok := t.m.rentals[id]; !ok {
			t.m.order = append(t.m.order, id)
		}
		t.m.rentals[id] = r
	}
	return nil
}

func (t *memTx) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxDone
	}
	t.finish()
	return nil
}

// finish drops staged writes and releases every lock. t.mu must be held.
func (t *memTx) finish() {
	t.done = true
	t.bikes, t.stations, t.rentals = nil, nil, nil
	for key := range t.held {
		t.m.locks.release(key)
	}
	t.held = nil
	if t.stopAbort != nil {
		t.stopAbort()
	}
}

// checkOpenRentals refuses a commit that would leave two open rentals for one
// bike or one rider. t.m.mu must be held.
func (t *memTx) checkOpenRentals() error {
	bikes := make(map[uuid.UUID]bool)
	riders := make(map[string]bool)
	for _, r := range t.mergedRentalsLocked() {
		if !r.Open() {
			continue
		}
		if bikes[r.BikeID] {
			return fmt.Errorf("%w: bike %s has two open rentals", ErrIntegrity, r.BikeID)
		}
		if riders[r.RiderID] {
			return fmt.Errorf("%w: rider %s has two open rentals", ErrIntegrity, r.RiderID)
		}
		bikes[r.BikeID] = true
		riders[r.RiderID] = true
	}
	return nil
}

func (t *memTx) bike(id uuid.UUID) (bike.Bike, bool) {
	if b, ok := t.bikes[id]; ok {
		return b, true
	}
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	b, ok := t.m.bikes[id]
	return b, ok
}

func (t *memTx) station(id uuid.UUID) (station.Station, bool) {
	if s, ok := t.stations[id]; ok {
		return s, true
	}
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	s, ok := t.m.stations[id]
	return s, ok
}

func (t *memTx) rental(id uuid.UUID) (rental.Rental, bool) {
	if r, ok := t.rentals[id]; ok {
		return r, true
	}
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	r, ok := t.m.rentals[id]
	return r, ok
}

func (t *memTx) mergedRentals() []rental.Rental {
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	return t.mergedRentalsLocked()
}

// mergedRentalsLocked is committed rentals overlaid with staged ones. t.m.mu must
// be held.
func (t *memTx) mergedRentalsLocked() []rental.Rental {
	out := make([]rental.Rental, 0, len(t.m.rentals)+len(t.rentals))
	for id, r := range t.m.rentals {
		if staged, ok := t.rentals[id]; ok {
			r = staged
		}
		out = append(out, r)
	}
	for id, r := range t.rentals {
		if _, ok := t.m.rentals[id]; !ok {
			out = append(out, r)
		}
	}
	return out
}
