package invoice

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrNotFound indicates the invoice does not exist.
	ErrNotFound = errors.New("invoice: not found")
	// ErrForbidden indicates the invoice belongs to another vendor.
	ErrForbidden = errors.New("invoice: forbidden")
	// ErrStatusConflict indicates a concurrent status change won.
	ErrStatusConflict = errors.New("invoice: status changed concurrently")
	// ErrHoldsMissing indicates the attempt's stock holds were released before
	// the invoice could commit.
	ErrHoldsMissing = errors.New("invoice: stock holds missing")
)

// ValidationError rejects a request before any side effect. Line is 1-based
// and zero when the failure is not tied to an item.
type ValidationError struct {
	Field  string
	Line   int
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("invoice: items[%d].%s: %s", e.Line, e.Field, e.Reason)
	}
	return fmt.Sprintf("invoice: %s: %s", e.Field, e.Reason)
}

// InsufficientStockError names the line whose reservation was refused. Any
// reservation taken for earlier lines has been released.
type InsufficientStockError struct {
	ProductID uuid.UUID
	Line      int
	Requested int64
	Err       error
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("invoice: line %d product %s (qty %d): %v", e.Line, e.ProductID, e.Requested, e.Err)
}

func (e *InsufficientStockError) Unwrap() error { return e.Err }

// AllocationError reports that no invoice number could be obtained.
type AllocationError struct {
	Err error
}

func (e *AllocationError) Error() string {
	return "invoice: number allocation failed: " + e.Err.Error()
}

func (e *AllocationError) Unwrap() error { return e.Err }

// PersistenceError reports that the invoice document could not be written.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string { return "invoice: persist failed: " + e.Err.Error() }

func (e *PersistenceError) Unwrap() error { return e.Err }

// InvalidTransitionError rejects a status change outside the allowed table.
type InvalidTransitionError struct {
	From   Status
	To     Status
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invoice: cannot move from %s to %s: %s", e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("invoice: cannot move from %s to %s", e.From, e.To)
}
