// Package billing charges riders for completed rentals.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/invoice"

	"github.com/semanticallynull/fleetstate-backend/customer"
	"github.com/semanticallynull/fleetstate-backend/rental"
)

var (
	ErrNoPaymentMethod = errors.New("rider has no payment method on file")
	ErrRentalOpen      = errors.New("rental has not ended")
)

// Charger bills a closed rental. It runs after the return has committed, so a
// failure here never undoes the return.
type Charger interface {
	Charge(ctx context.Context, r rental.Rental) error
}

type Customers interface {
	GetCustomerByAuth0ID(ctx context.Context, auth0ID string) (*customer.Customer, error)
	CreateCustomer(ctx context.Context, auth0ID string) (*customer.Customer, error)
}

// Prices are in the smallest currency unit and include VAT.
type Prices struct {
	Unlock    int64
	PerMinute int64
	// VATPercent is the inclusive tax rate applied to every line.
	VATPercent float64
}

func DefaultPrices() Prices {
	return Prices{Unlock: 100, PerMinute: 15, VATPercent: 13.5}
}

// Stripe invoices each rental to the rider's Stripe customer and pays it with
// their default payment method. stripe.Key must be set.
type Stripe struct {
	customers Customers
	prices    Prices
	logger    *slog.Logger
}

func NewStripe(customers Customers, prices Prices, logger *slog.Logger) *Stripe {
	return &Stripe{customers: customers, prices: prices, logger: logger}
}

func (s *Stripe) Charge(ctx context.Context, r rental.Rental) error {
	if r.Open() {
		return fmt.Errorf("%w: %s", ErrRentalOpen, r.ID)
	}

	cust, err := s.customers.GetCustomerByAuth0ID(ctx, r.RiderID)
	if errors.Is(err, customer.ErrNotFound) {
		if _, err := s.customers.CreateCustomer(ctx, r.RiderID); err != nil {
			return fmt.Errorf("failed to register customer: %w", err)
		}
		return fmt.Errorf("%w: %s", ErrNoPaymentMethod, r.RiderID)
	}
	if err != nil {
		return fmt.Errorf("failed to get customer: %w", err)
	}
	if !cust.StripeID.Valid {
		return fmt.Errorf("%w: %s", ErrNoPaymentMethod, r.RiderID)
	}

	inParams := &stripe.InvoiceParams{
		Customer: stripe.String(cust.StripeID.String),
		Metadata: map[string]string{
			"rental_id": r.ID.String(),
			"bike_id":   r.BikeID.String(),
		},
	}
	inParams.Context = ctx
	inParams.SetIdempotencyKey("rental-" + r.ID.String())
	in, err := invoice.New(inParams)
	if err != nil {
		return fmt.Errorf("failed to create invoice: %w", err)
	}

	ilParams := &stripe.InvoiceAddLinesParams{
		Lines: s.prices.Lines(r.Minutes()),
	}
	ilParams.Context = ctx
	if _, err := invoice.AddLines(in.ID, ilParams); err != nil {
		return fmt.Errorf("failed to add lines to invoice: %w", err)
	}

	fParams := &stripe.InvoiceFinalizeInvoiceParams{}
	fParams.Context = ctx
	if _, err := invoice.FinalizeInvoice(in.ID, fParams); err != nil {
		return fmt.Errorf("failed to finalize invoice: %w", err)
	}

	pParams := &stripe.InvoicePayParams{}
	pParams.Context = ctx
	if _, err := invoice.Pay(in.ID, pParams); err != nil {
		return fmt.Errorf("failed to pay invoice: %w", err)
	}

	s.logger.InfoContext(ctx, "rental invoiced", "rentalId", r.ID, "invoiceId", in.ID, "minutes", r.Minutes())
	return nil
}

// Lines is the unlock fee plus the per-minute charge for a ride of mins minutes.
func (p Prices) Lines(mins int) []*stripe.InvoiceAddLinesLineParams {
	return []*stripe.InvoiceAddLinesLineParams{
		p.line(p.Unlock, "Ride Unlock"),
		p.line(p.PerMinute*int64(mins), fmt.Sprintf("Ride - %d minutes", mins)),
	}
}

func (p Prices) line(amount int64, description string) *stripe.InvoiceAddLinesLineParams {
	tax := p.TaxIncluded(amount)
	return &stripe.InvoiceAddLinesLineParams{
		Amount:      stripe.Int64(amount),
		Description: stripe.String(description),
		TaxAmounts: []*stripe.InvoiceAddLinesLineTaxAmountParams{
			{
				Amount:        stripe.Int64(tax),
				TaxableAmount: stripe.Int64(amount - tax),
				TaxRateData: &stripe.InvoiceAddLinesLineTaxAmountTaxRateDataParams{
					Percentage:  stripe.Float64(p.VATPercent),
					Description: stripe.String("VAT - Reduced Rate"),
					DisplayName: stripe.String(fmt.Sprintf("VAT - Reduced Rate (%g%%)", p.VATPercent)),
					Inclusive:   stripe.Bool(true),
				},
			},
		},
	}
}

// TaxIncluded is the VAT portion of a VAT-inclusive amount, rounded to the
// nearest unit.
func (p Prices) TaxIncluded(amount int64) int64 {
	if amount <= 0 || p.VATPercent <= 0 {
		return 0
	}
	net := float64(amount) * 100 / (100 + p.VATPercent)
	return amount - int64(net+0.5)
}
