package billing

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/semanticallynull/fleetstate-backend/customer"
	"github.com/semanticallynull/fleetstate-backend/rental"
)

func TestPrices_TaxIncluded(t *testing.T) {
	p := DefaultPrices()

	tests := []struct {
		amount int64
		want   int64
	}{
		{0, 0},
		{100, 12},
		{15, 2},
		{150, 18},
	}
	for _, tt := range tests {
		if got := p.TaxIncluded(tt.amount); got != tt.want {
			t.Errorf("TaxIncluded(%d): expected %d, got %d", tt.amount, tt.want, got)
		}
	}
}

func TestPrices_Lines(t *testing.T) {
	lines := DefaultPrices().Lines(13)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if *lines[0].Amount != 100 {
		t.Errorf("expected unlock fee 100, got %d", *lines[0].Amount)
	}
	if *lines[1].Amount != 195 {
		t.Errorf("expected 195 for 13 minutes, got %d", *lines[1].Amount)
	}
	if *lines[1].Description != "Ride - 13 minutes" {
		t.Errorf("unexpected description %q", *lines[1].Description)
	}
	tax := lines[1].TaxAmounts[0]
	if *tax.Amount+*tax.TaxableAmount != 195 {
		t.Errorf("expected tax and taxable amount to sum to 195, got %d + %d", *tax.Amount, *tax.TaxableAmount)
	}
}

type fakeCustomers struct {
	customers map[string]*customer.Customer
	created   []string
}

func (f *fakeCustomers) GetCustomerByAuth0ID(_ context.Context, id string) (*customer.Customer, error) {
	if c, ok := f.customers[id]; ok {
		return c, nil
	}
	return nil, customer.ErrNotFound
}

func (f *fakeCustomers) CreateCustomer(_ context.Context, id string) (*customer.Customer, error) {
	f.created = append(f.created, id)
	return &customer.Customer{ID: uuid.New(), Auth0ID: id}, nil
}

func closedRental(rider string) rental.Rental {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return rental.Rental{
		ID:        uuid.New(),
		RiderID:   rider,
		BikeID:    uuid.New(),
		StartedAt: start,
		EndedAt:   sql.NullTime{Time: start.Add(10 * time.Minute), Valid: true},
	}
}

func TestStripe_ChargeWithoutPaymentMethod(t *testing.T) {
	customers := &fakeCustomers{customers: map[string]*customer.Customer{
		"known": {ID: uuid.New(), Auth0ID: "known"},
	}}
	s := NewStripe(customers, DefaultPrices(), slog.Default())
	ctx := context.Background()

	if err := s.Charge(ctx, closedRental("known")); !errors.Is(err, ErrNoPaymentMethod) {
		t.Errorf("expected ErrNoPaymentMethod, got %v", err)
	}

	if err := s.Charge(ctx, closedRental("new")); !errors.Is(err, ErrNoPaymentMethod) {
		t.Errorf("expected ErrNoPaymentMethod, got %v", err)
	}
	if len(customers.created) != 1 || customers.created[0] != "new" {
		t.Errorf("expected unknown rider to be registered, got %v", customers.created)
	}
}

func TestStripe_ChargeRejectsOpenRental(t *testing.T) {
	s := NewStripe(&fakeCustomers{}, DefaultPrices(), slog.Default())
	r := closedRental("u1")
	r.EndedAt = sql.NullTime{}

	if err := s.Charge(context.Background(), r); !errors.Is(err, ErrRentalOpen) {
		t.Errorf("expected ErrRentalOpen, got %v", err)
	}
}
