package customer

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{
		db: db,
	}
}

var ErrNotFound = errors.New("customer not found")

func (r *Repository) GetCustomerByAuth0ID(ctx context.Context, auth0ID string) (*Customer, error) {
	var customer Customer
	err := r.db.GetContext(ctx, &customer, getCustomerByAuth0IDQuery, auth0ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}

		return nil, err
	}
	return &customer, nil
}

const getCustomerByAuth0IDQuery = `SELECT id, auth0_id, stripe_id, email, name, created_at
FROM customers WHERE auth0_id = $1`

// CreateCustomer registers auth0ID, or returns the existing row if it is
// already known.
func (r *Repository) CreateCustomer(ctx context.Context, auth0ID string) (*Customer, error) {
	var customer Customer
	err := r.db.GetContext(ctx, &customer, createCustomerQuery, uuid.New(), auth0ID)
	if err != nil {
		return nil, err
	}
	return &customer, nil
}

const createCustomerQuery = `INSERT INTO customers (id, auth0_id) VALUES ($1, $2)
ON CONFLICT (auth0_id) DO UPDATE SET auth0_id = EXCLUDED.auth0_id
RETURNING id, auth0_id, stripe_id, email, name, created_at`
