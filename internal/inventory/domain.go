package inventory

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Product is a stock keeping unit owned by a single vendor.
type Product struct {
	ID          uuid.UUID       `json:"id"`
	VendorID    uuid.UUID       `json:"vendor_id"`
	Name        string          `json:"name"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Stock       int64           `json:"stock"`
	BatchNumber string          `json:"batch_number"`
	ExpiryDate  time.Time       `json:"expiry_date"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// ExpiredOn reports whether the product can no longer be sold on day.
func (p Product) ExpiredOn(day time.Time) bool {
	return !p.ExpiryDate.IsZero() && dateOnly(p.ExpiryDate).Before(dateOnly(day))
}

// Reservation is the outcome of a successful stock decrement. The product
// fields are snapshotted by the same write that took the stock.
type Reservation struct {
	ProductID   uuid.UUID
	Quantity    int64
	Remaining   int64
	Name        string
	UnitPrice   decimal.Decimal
	BatchNumber string
	ExpiryDate  time.Time
}

// Hold names the stock taken for one line of an invoice attempt. The
// decrement and its hold are written by the same statement; a hold is either
// released back to stock or consumed by the committed invoice, never both.
type Hold struct {
	AttemptID uuid.UUID
	Line      int
}

// Released is the stock returned from a hold.
type Released struct {
	ProductID uuid.UUID
	Quantity  int64
	Remaining int64
}

// CreateProductInput describes a new product listing.
type CreateProductInput struct {
	Name        string          `json:"name" validate:"required,max=200"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Stock       int64           `json:"stock" validate:"gte=0"`
	BatchNumber string          `json:"batch_number" validate:"max=64"`
	ExpiryDate  string          `json:"expiry_date" validate:"required,datetime=2006-01-02"`
}

// RestockInput adds quantity to an existing product.
type RestockInput struct {
	Quantity int64 `json:"quantity" validate:"gt=0"`
}

// ListFilter narrows product listings.
type ListFilter struct {
	Search  string
	Page    int
	PerPage int
}

var (
	// ErrInsufficientStock indicates the product exists but holds less than requested.
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrProductNotFound indicates no such product for the vendor.
	ErrProductNotFound = errors.New("inventory: product not found")
	// ErrProductExpired indicates the product batch is past its expiry date.
	ErrProductExpired = errors.New("inventory: product expired")
	// ErrHoldNotFound indicates nothing is held under the hold: it was never
	// taken, was already released, or was consumed by a committed invoice.
	ErrHoldNotFound = errors.New("inventory: stock hold not found")
	// ErrInvalidQuantity indicates a non-positive quantity.
	ErrInvalidQuantity = errors.New("inventory: quantity must be positive")
	// ErrInvalidProduct indicates malformed product attributes.
	ErrInvalidProduct = errors.New("inventory: invalid product")
	// ErrInvalidUnitPrice indicates a negative price.
	ErrInvalidUnitPrice = errors.New("inventory: unit price must be >= 0")
)

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
