package lead

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested lead does not exist.
var ErrNotFound = errors.New("lead: not found")

// Reader abstracts lead lookups for the packet lifecycle.
type Reader interface {
	GetByID(ctx context.Context, id string) (Lead, error)
}

// Repository provides read access to lead records.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches a lead by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Lead, error) {
	const query = `
		SELECT id, owner_name, phone, email, property_address, case_number,
		       excess_funds_amount::text, estimated_equity::text, created_at, updated_at
		FROM leads
		WHERE id = $1
	`

	var l Lead
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&l.ID,
		&l.OwnerName,
		&l.Phone,
		&l.Email,
		&l.PropertyAddress,
		&l.CaseNumber,
		&l.ExcessFundsAmount,
		&l.EstimatedEquity,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lead{}, ErrNotFound
		}
		return Lead{}, fmt.Errorf("lead: query by id: %w", err)
	}

	return l, nil
}
