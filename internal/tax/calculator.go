// Package tax computes GST line and invoice amounts in exact decimal
// arithmetic.
//
// Rounding is half-up (half away from zero; every amount here is
// non-negative) and is applied once per output field: a tax component is
// rounded from its exact value, and the line total is the sum of the rounded
// taxable amount and rounded components, so a printed line always adds up.
package tax

import (
	"errors"

	"github.com/shopspring/decimal"
)

// MoneyPlaces is the number of decimal places kept on monetary outputs.
const MoneyPlaces int32 = 2

var (
	// ErrInvalidQuantity indicates a non-positive quantity.
	ErrInvalidQuantity = errors.New("tax: quantity must be positive")
	// ErrNegativeAmount indicates a negative price, discount or charge.
	ErrNegativeAmount = errors.New("tax: amount must not be negative")
	// ErrInvalidRate indicates a rate outside 0..100.
	ErrInvalidRate = errors.New("tax: rate must be between 0 and 100")
	// ErrDiscountExceedsGross indicates a discount larger than price x quantity.
	ErrDiscountExceedsGross = errors.New("tax: discount exceeds line amount")
	// ErrTooPrecise indicates an amount or rate with more than two decimal places.
	ErrTooPrecise = errors.New("tax: at most 2 decimal places allowed")
)

// RatePlaces is the number of decimal places accepted on a tax rate.
const RatePlaces int32 = 2

// FieldError ties an input error to the offending field.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string { return e.Field + ": " + e.Err.Error() }

func (e *FieldError) Unwrap() error { return e.Err }

// CheckMoney rejects negative amounts and amounts finer than a paisa, so
// gross, discount and taxable stay exact and the stored inputs match the
// priced ones.
func CheckMoney(field string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return &FieldError{Field: field, Err: ErrNegativeAmount}
	}
	if !amount.Equal(amount.Round(MoneyPlaces)) {
		return &FieldError{Field: field, Err: ErrTooPrecise}
	}
	return nil
}

func checkRate(field string, rate decimal.Decimal) error {
	if rate.IsNegative() || rate.GreaterThan(hundred) {
		return &FieldError{Field: field, Err: ErrInvalidRate}
	}
	if !rate.Equal(rate.Round(RatePlaces)) {
		return &FieldError{Field: field, Err: ErrTooPrecise}
	}
	return nil
}

var hundred = decimal.NewFromInt(100)

// Rates groups the GST components applied to one taxable base.
type Rates struct {
	CGST decimal.Decimal `json:"cgst"`
	SGST decimal.Decimal `json:"sgst"`
	IGST decimal.Decimal `json:"igst"`
}

// LineInput is the raw input for a single invoice line.
type LineInput struct {
	UnitPrice decimal.Decimal
	Quantity  int64
	Discount  decimal.Decimal
	Rates     Rates
}

// LineAmounts holds the derived amounts for a line, rounded for output.
type LineAmounts struct {
	Gross    decimal.Decimal `json:"gross"`
	Discount decimal.Decimal `json:"discount"`
	Taxable  decimal.Decimal `json:"taxable_amount"`
	CGST     decimal.Decimal `json:"cgst_amount"`
	SGST     decimal.Decimal `json:"sgst_amount"`
	IGST     decimal.Decimal `json:"igst_amount"`
	Total    decimal.Decimal `json:"line_total"`
}

// Tax returns the sum of the tax components.
func (a LineAmounts) Tax() decimal.Decimal {
	return a.CGST.Add(a.SGST).Add(a.IGST)
}

// Validate checks the input without computing anything.
func (in LineInput) Validate() error {
	if in.Quantity <= 0 {
		return &FieldError{Field: "quantity", Err: ErrInvalidQuantity}
	}
	if err := CheckMoney("unit_price", in.UnitPrice); err != nil {
		return err
	}
	if err := CheckMoney("discount", in.Discount); err != nil {
		return err
	}
	if err := checkRate("cgst_rate", in.Rates.CGST); err != nil {
		return err
	}
	if err := checkRate("sgst_rate", in.Rates.SGST); err != nil {
		return err
	}
	if err := checkRate("igst_rate", in.Rates.IGST); err != nil {
		return err
	}
	gross := in.UnitPrice.Mul(decimal.NewFromInt(in.Quantity))
	if in.Discount.GreaterThan(gross) {
		return &FieldError{Field: "discount", Err: ErrDiscountExceedsGross}
	}
	return nil
}

// CalculateLine derives taxable amount, tax components and line total.
func CalculateLine(in LineInput) (LineAmounts, error) {
	if err := in.Validate(); err != nil {
		return LineAmounts{}, err
	}
	gross := in.UnitPrice.Mul(decimal.NewFromInt(in.Quantity))
	taxable := gross.Sub(in.Discount)

	out := LineAmounts{
		Gross:    round(gross),
		Discount: round(in.Discount),
		Taxable:  round(taxable),
		CGST:     round(component(taxable, in.Rates.CGST)),
		SGST:     round(component(taxable, in.Rates.SGST)),
		IGST:     round(component(taxable, in.Rates.IGST)),
	}
	out.Total = out.Taxable.Add(out.Tax())
	return out, nil
}

func component(base, rate decimal.Decimal) decimal.Decimal {
	if rate.IsZero() {
		return decimal.Zero
	}
	return base.Mul(rate).Div(hundred)
}

func round(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}
