package pharmacist

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads pharmacist profiles from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// LoadSnapshot implements Source.
func (r *Repository) LoadSnapshot(ctx context.Context, vendorID uuid.UUID) (Snapshot, error) {
	s := Snapshot{ID: vendorID}
	err := r.pool.QueryRow(ctx, `SELECT business_name, address, gstin, license_number, phone, COALESCE(email, '')
FROM pharmacists WHERE id = $1`, vendorID).
		Scan(&s.Name, &s.Address, &s.TaxID, &s.LicenseNumber, &s.Phone, &s.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("pharmacist: load snapshot: %w", err)
	}
	return s, nil
}
