package invoice

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/medbazaar/medbazaar/internal/tax"
)

// CreateItemRequest is one requested line.
type CreateItemRequest struct {
	ProductID uuid.UUID       `json:"product_id" validate:"required"`
	Quantity  int64           `json:"quantity" validate:"gt=0"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Discount  decimal.Decimal `json:"discount"`
	CGSTRate  decimal.Decimal `json:"cgst_rate"`
	SGSTRate  decimal.Decimal `json:"sgst_rate"`
	IGSTRate  decimal.Decimal `json:"igst_rate"`
}

func (r CreateItemRequest) lineInput() tax.LineInput {
	return tax.LineInput{
		UnitPrice: r.UnitPrice,
		Quantity:  r.Quantity,
		Discount:  r.Discount,
		Rates:     tax.Rates{CGST: r.CGSTRate, SGST: r.SGSTRate, IGST: r.IGSTRate},
	}
}

// CreateInvoiceRequest carries everything needed to issue an invoice.
type CreateInvoiceRequest struct {
	Customer        Customer            `json:"customer" validate:"required"`
	Items           []CreateItemRequest `json:"items" validate:"required,min=1,dive"`
	BillingAddress  Address             `json:"billing_address" validate:"required"`
	ShippingAddress *Address            `json:"shipping_address,omitempty" validate:"omitempty"`
	ShippingCharge  decimal.Decimal     `json:"shipping_charge"`
	Status          Status              `json:"status,omitempty" validate:"omitempty,oneof=DRAFT PENDING"`
	DueDate         string              `json:"due_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	PaymentMethod   string              `json:"payment_method,omitempty" validate:"max=50"`
	Notes           string              `json:"notes,omitempty" validate:"max=1000"`
}

// UpdateStatusRequest moves an invoice to a new status.
type UpdateStatusRequest struct {
	Status  Status         `json:"status" validate:"required,oneof=PENDING PAID CANCELLED OVERDUE"`
	Payment *PaymentRecord `json:"payment,omitempty" validate:"omitempty"`
}

// validateCreate checks structure with the validator and money rules with the
// tax package. It touches no storage.
func validateCreate(v *validator.Validate, req CreateInvoiceRequest) error {
	if err := v.Struct(req); err != nil {
		return translateValidation(err)
	}
	if err := tax.CheckMoney("shipping_charge", req.ShippingCharge); err != nil {
		return &ValidationError{Field: "shipping_charge", Reason: err.Error()}
	}
	for i, item := range req.Items {
		if err := item.lineInput().Validate(); err != nil {
			return &ValidationError{Field: lineField(err), Line: i + 1, Reason: err.Error()}
		}
	}
	return nil
}

func lineField(err error) string {
	var ferr *tax.FieldError
	if errors.As(err, &ferr) {
		return ferr.Field
	}
	return "amount"
}

func translateValidation(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Field: "request", Reason: err.Error()}
	}
	fe := fieldErrs[0]
	verr := &ValidationError{Field: fe.Field(), Reason: fmt.Sprintf("failed %s", fe.Tag())}
	// Item errors surface as CreateInvoiceRequest.items[2].quantity.
	if i := strings.Index(fe.Namespace(), "items["); i >= 0 {
		var idx int
		if n, _ := fmt.Sscanf(fe.Namespace()[i:], "items[%d]", &idx); n == 1 {
			verr.Line = idx + 1
		}
	}
	return verr
}

// parseDueDate reads a calendar date as UTC midnight, the form DATE columns
// scan back as.
func parseDueDate(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	d, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, &ValidationError{Field: "due_date", Reason: "must be YYYY-MM-DD"}
	}
	return &d, nil
}
