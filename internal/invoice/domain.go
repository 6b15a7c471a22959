package invoice

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/medbazaar/medbazaar/internal/pharmacist"
	"github.com/medbazaar/medbazaar/internal/tax"
)

// Status enumerates invoice lifecycle states.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusPending   Status = "PENDING"
	StatusPaid      Status = "PAID"
	StatusCancelled Status = "CANCELLED"
	StatusOverdue   Status = "OVERDUE"
)

// transitions lists the only status changes allowed after creation.
var transitions = map[Status][]Status{
	StatusDraft:   {StatusPending},
	StatusPending: {StatusPaid, StatusCancelled, StatusOverdue},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPending, StatusPaid, StatusCancelled, StatusOverdue:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Address is a postal address printed on the invoice.
type Address struct {
	Line1      string `json:"line1" validate:"required,max=200"`
	Line2      string `json:"line2,omitempty" validate:"max=200"`
	City       string `json:"city" validate:"required,max=100"`
	State      string `json:"state" validate:"required,max=100"`
	PostalCode string `json:"postal_code" validate:"required,max=20"`
	Country    string `json:"country" validate:"required,max=100"`
}

// Customer identifies the buyer.
type Customer struct {
	Name  string `json:"name" validate:"required,max=200"`
	Phone string `json:"phone" validate:"required,max=32"`
	Email string `json:"email,omitempty" validate:"omitempty,email"`
	TaxID string `json:"tax_id,omitempty" validate:"max=32"`
}

// LineItem is one sold product. Product attributes are snapshots taken when
// the stock was reserved.
type LineItem struct {
	ProductID   uuid.UUID       `json:"product_id"`
	ProductName string          `json:"product_name"`
	BatchNumber string          `json:"batch_number,omitempty"`
	ExpiryDate  *time.Time      `json:"expiry_date,omitempty"`
	Quantity    int64           `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Discount    decimal.Decimal `json:"discount"`
	Rates       tax.Rates       `json:"tax_rates"`
	Amounts     tax.LineAmounts `json:"amounts"`
}

// PaymentTerms are supplied at creation.
type PaymentTerms struct {
	DueDate *time.Time `json:"due_date,omitempty"`
	Method  string     `json:"method,omitempty"`
	Notes   string     `json:"notes,omitempty"`
}

// PaymentRecord is attached when an invoice is marked paid.
type PaymentRecord struct {
	Method    string          `json:"method" validate:"required,max=50"`
	Reference string          `json:"reference,omitempty" validate:"max=100"`
	Amount    decimal.Decimal `json:"amount"`
	PaidAt    time.Time       `json:"paid_at" validate:"required"`
}

// Invoice is the immutable sales document. Only Status, Payment and UpdatedAt
// change after creation.
type Invoice struct {
	ID              uuid.UUID           `json:"id"`
	Number          string              `json:"invoice_number"`
	VendorID        uuid.UUID           `json:"vendor_id"`
	Vendor          pharmacist.Snapshot `json:"vendor"`
	Customer        Customer            `json:"customer"`
	Items           []LineItem          `json:"items"`
	BillingAddress  Address             `json:"billing_address"`
	ShippingAddress Address             `json:"shipping_address"`
	Totals          tax.Totals          `json:"totals"`
	Status          Status              `json:"status"`
	IssueDate       time.Time           `json:"issue_date"`
	Terms           PaymentTerms        `json:"payment_terms"`
	Payment         *PaymentRecord      `json:"payment,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`

	// AttemptID names the stock holds this invoice consumes when it commits.
	AttemptID uuid.UUID `json:"-"`
}

// Summary is the list projection of an invoice.
type Summary struct {
	ID           uuid.UUID       `json:"id"`
	Number       string          `json:"invoice_number"`
	CustomerName string          `json:"customer_name"`
	CustomerTel  string          `json:"customer_phone"`
	GrandTotal   decimal.Decimal `json:"grand_total"`
	Status       Status          `json:"status"`
	IssueDate    time.Time       `json:"issue_date"`
	DueDate      *time.Time      `json:"due_date,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ListFilter narrows invoice listings.
type ListFilter struct {
	Status  Status
	From    *time.Time
	To      *time.Time
	Search  string
	Page    int
	PerPage int
}
