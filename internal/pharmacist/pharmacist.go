// Package pharmacist resolves the pharmacist profile that is printed on every
// invoice. Profiles are owned by the onboarding service; this package only
// reads them and keeps a short lived Redis copy.
package pharmacist

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound indicates the vendor has no profile.
var ErrNotFound = errors.New("pharmacist: not found")

// Snapshot is the vendor data copied onto an invoice at creation time.
type Snapshot struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	Address       string    `json:"address"`
	TaxID         string    `json:"tax_id"`
	LicenseNumber string    `json:"license_number"`
	Phone         string    `json:"phone"`
	Email         string    `json:"email,omitempty"`
}

// Source loads snapshots from the system of record.
type Source interface {
	LoadSnapshot(ctx context.Context, vendorID uuid.UUID) (Snapshot, error)
}
