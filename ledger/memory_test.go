package ledger

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/semanticallynull/fleetstate-backend/bike"
	"github.com/semanticallynull/fleetstate-backend/rental"
	"github.com/semanticallynull/fleetstate-backend/station"
)

func seed(t *testing.T, lockTimeout time.Duration) (*Memory, bike.Bike, station.Station) {
	t.Helper()

	m := NewMemory(lockTimeout)
	s := station.Station{ID: uuid.New(), Name: "Dock", Status: station.Active, AvailableBikes: 1}
	b := bike.Bike{ID: uuid.New(), Label: "BIKE-001", State: bike.Docked{StationID: s.ID}}
	m.PutStation(s)
	m.PutBike(b)
	return m, b, s
}

func TestMemory_LockTimeoutReturnsBusy(t *testing.T) {
	m, b, _ := seed(t, 20*time.Millisecond)
	ctx := context.Background()

	holder, err := m.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer holder.Rollback()
	if _, err := holder.LockBike(ctx, b.ID); err != nil {
		t.Fatalf("lock bike: %v", err)
	}

	waiter, err := m.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer waiter.Rollback()

	_, err = waiter.LockBike(ctx, b.ID)
	if !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
}

func TestMemory_RollbackReleasesLocks(t *testing.T) {
	m, b, _ := seed(t, 50*time.Millisecond)
	ctx := context.Background()

	first, _ := m.Begin(ctx)
	if _, err := first.LockBike(ctx, b.ID); err != nil {
		t.Fatalf("lock bike: %v", err)
	}
	if err := first.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	second, _ := m.Begin(ctx)
	if _, err := second.LockBike(ctx, b.ID); err != nil {
		t.Errorf("expected lock to be free after rollback, got %v", err)
	}
	_ = second.Rollback()
	if n := m.locks.size(); n != 0 {
		t.Errorf("expected no lock slots after rollback, got %d", n)
	}
}

func TestMemory_ExpiredHolderLosesLocks(t *testing.T) {
	m, b, _ := seed(t, time.Second)

	holdCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	stalled, _ := m.Begin(holdCtx)
	if _, err := stalled.LockBike(holdCtx, b.ID); err != nil {
		t.Fatalf("lock bike: %v", err)
	}

	ctx := context.Background()
	waiter, _ := m.Begin(ctx)
	defer waiter.Rollback()
	if _, err := waiter.LockBike(ctx, b.ID); err != nil {
		t.Fatalf("expected waiter to get the lock once the holder expired, got %v", err)
	}

	if err := stalled.Commit(); !errors.Is(err, ErrTxDone) {
		t.Errorf("expected ErrTxDone committing an expired tx, got %v", err)
	}
}

func TestMemory_WritesInvisibleUntilCommit(t *testing.T) {
	m, b, s := seed(t, time.Second)
	ctx := context.Background()

	tx, _ := m.Begin(ctx)
	locked, err := tx.LockBike(ctx, b.ID)
	if err != nil {
		t.Fatalf("lock bike: %v", err)
	}
	locked.State = bike.InUse{RiderID: "rider-1"}
	if err := tx.SaveBike(ctx, locked); err != nil {
		t.Fatalf("save bike: %v", err)
	}
	if err := tx.SetAvailable(ctx, s.ID, 0); err != nil {
		t.Fatalf("set available: %v", err)
	}

	got, _ := m.Bike(ctx, b.ID)
	if !got.Available() {
		t.Errorf("expected readers to see the committed state before commit")
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, _ = m.Bike(ctx, b.ID)
	if got.Available() {
		t.Errorf("expected bike to be in use after commit")
	}
	st, _ := m.Station(ctx, s.ID)
	if st.AvailableBikes != 0 {
		t.Errorf("expected counter 0, got %d", st.AvailableBikes)
	}
}

func TestMemory_FailedCommitDiscardsWrites(t *testing.T) {
	m, b, s := seed(t, time.Second)
	m.BeforeCommit = func() error { return errors.New("disk on fire") }
	ctx := context.Background()

	tx, _ := m.Begin(ctx)
	if err := tx.SetAvailable(ctx, s.ID, 0); err != nil {
		t.Fatalf("set available: %v", err)
	}
	if err := tx.Commit(); err == nil {
		t.Fatalf("expected commit to fail")
	}

	st, _ := m.Station(ctx, s.ID)
	if st.AvailableBikes != 1 {
		t.Errorf("expected counter to stay 1, got %d", st.AvailableBikes)
	}

	m.BeforeCommit = nil
	next, _ := m.Begin(ctx)
	defer next.Rollback()
	if _, err := next.LockBike(ctx, b.ID); err != nil {
		t.Errorf("expected locks to be released after a failed commit, got %v", err)
	}
}

func TestMemory_RejectsSecondOpenRentalForBike(t *testing.T) {
	m, b, s := seed(t, time.Second)
	ctx := context.Background()

	for i, rider := range []string{"rider-1", "rider-2"} {
		tx, _ := m.Begin(ctx)
		err := tx.InsertRental(ctx, rental.Rental{
			ID:             uuid.New(),
			RiderID:        rider,
			BikeID:         b.ID,
			StartStationID: s.ID,
			StartedAt:      time.Now(),
		})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		err = tx.Commit()
		if i == 0 && err != nil {
			t.Fatalf("first commit: %v", err)
		}
		if i == 1 && !errors.Is(err, ErrIntegrity) {
			t.Errorf("expected ErrIntegrity, got %v", err)
		}
	}

	if n := len(m.Snapshot().Rentals); n != 1 {
		t.Errorf("expected 1 rental, got %d", n)
	}
}

func TestMemory_FinishRentalOnlyOnce(t *testing.T) {
	m, b, s := seed(t, time.Second)
	ctx := context.Background()
	r := rental.Rental{ID: uuid.New(), RiderID: "rider-1", BikeID: b.ID, StartStationID: s.ID, StartedAt: time.Now()}

	tx, _ := m.Begin(ctx)
	_ = tx.InsertRental(ctx, r)
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	closed := r
	closed.EndStationID = &s.ID
	closed.EndedAt.Time, closed.EndedAt.Valid = time.Now(), true

	tx, _ = m.Begin(ctx)
	if err := tx.FinishRental(ctx, closed); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx, _ = m.Begin(ctx)
	defer tx.Rollback()
	if err := tx.FinishRental(ctx, closed); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound finishing a closed rental, got %v", err)
	}
}

func TestMemory_Seed(t *testing.T) {
	f, err := os.Open("testdata/seed.json")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	m := NewMemory(time.Second)
	if err := m.Seed(f); err != nil {
		t.Fatalf("seed: %v", err)
	}
	ctx := context.Background()

	seven, err := m.Station(ctx, uuid.MustParse("7a1c3f0e-2b4d-4e8a-9f61-0c5d2e7b8a17"))
	if err != nil {
		t.Fatalf("station 7: %v", err)
	}
	if seven.AvailableBikes != 2 || seven.Capacity == nil || *seven.Capacity != 20 || !seven.Location.Valid {
		t.Errorf("unexpected station 7 %+v", seven)
	}
	nine, err := m.Station(ctx, uuid.MustParse("9b2d4e1f-3c5e-4f9b-8a72-1d6e3f8c9b29"))
	if err != nil {
		t.Fatalf("station 9: %v", err)
	}
	if nine.AvailableBikes != 0 || nine.Type != station.Private {
		t.Errorf("expected a private station with only an out of service bike, got %+v", nine)
	}

	b, err := m.BikeByLabel(ctx, "BIKE-42")
	if err != nil {
		t.Fatalf("BIKE-42: %v", err)
	}
	if b.ID != uuid.MustParse("4242a0b1-c2d3-4e5f-8a6b-7c8d9e0f4242") || !b.DockedAt(seven.ID) {
		t.Errorf("unexpected BIKE-42 %+v", b)
	}
	b, err = m.BikeByLabel(ctx, "BIKE-43")
	if err != nil {
		t.Fatalf("BIKE-43: %v", err)
	}
	if b.ID == uuid.Nil {
		t.Errorf("expected a generated id for BIKE-43")
	}
	b, err = m.BikeByLabel(ctx, "BIKE-44")
	if err != nil {
		t.Fatalf("BIKE-44: %v", err)
	}
	if b.Status() != bike.StatusOutOfService {
		t.Errorf("expected BIKE-44 out of service, got %s", b.Status())
	}
}

func TestMemory_SeedRejects(t *testing.T) {
	station7 := uuid.NewString()
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown field", `{"stations": [], "docks": []}`},
		{"unknown station", `{"bikes": [{"label": "BIKE-1", "stationId": "` + uuid.NewString() + `"}]}`},
		{"duplicate label", `{"stations": [{"id": "` + station7 + `", "name": "7"}], "bikes": [
			{"label": "BIKE-1", "stationId": "` + station7 + `"},
			{"label": "BIKE-1", "stationId": "` + station7 + `"}]}`},
		{"missing label", `{"stations": [{"id": "` + station7 + `", "name": "7"}], "bikes": [{"stationId": "` + station7 + `"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMemory(time.Second)
			if err := m.Seed(strings.NewReader(tt.doc)); !errors.Is(err, ErrInvalidSeed) {
				t.Errorf("expected ErrInvalidSeed, got %v", err)
			}
			if n := len(m.Snapshot().Stations); n != 0 {
				t.Errorf("expected nothing provisioned, got %d stations", n)
			}
		})
	}
}
