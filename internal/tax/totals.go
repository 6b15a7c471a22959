package tax

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrGrandTotalPlaces indicates a grand total precision outside 0..MoneyPlaces.
var ErrGrandTotalPlaces = errors.New("tax: grand total places out of range")

// Totals are the invoice level aggregates.
type Totals struct {
	Subtotal      decimal.Decimal `json:"subtotal"`
	TotalDiscount decimal.Decimal `json:"total_discount"`
	TotalCGST     decimal.Decimal `json:"total_cgst"`
	TotalSGST     decimal.Decimal `json:"total_sgst"`
	TotalIGST     decimal.Decimal `json:"total_igst"`
	TotalTax      decimal.Decimal `json:"total_tax"`
	Shipping      decimal.Decimal `json:"shipping_charge"`
	RoundOff      decimal.Decimal `json:"round_off"`
	GrandTotal    decimal.Decimal `json:"grand_total"`
}

// Unrounded returns subtotal - discount + tax + shipping.
func (t Totals) Unrounded() decimal.Decimal {
	return t.Subtotal.Sub(t.TotalDiscount).Add(t.TotalTax).Add(t.Shipping)
}

// Reconciles reports whether GrandTotal - Unrounded equals RoundOff.
func (t Totals) Reconciles() bool {
	return t.GrandTotal.Sub(t.Unrounded()).Equal(t.RoundOff)
}

// Summarise folds line amounts into invoice totals. grandTotalPlaces controls
// the precision of the charged amount; 0 rounds to whole currency units.
func Summarise(lines []LineAmounts, shipping decimal.Decimal, grandTotalPlaces int32) (Totals, error) {
	if grandTotalPlaces < 0 || grandTotalPlaces > MoneyPlaces {
		return Totals{}, fmt.Errorf("%w: %d", ErrGrandTotalPlaces, grandTotalPlaces)
	}
	if err := CheckMoney("shipping_charge", shipping); err != nil {
		return Totals{}, err
	}
	t := Totals{
		Subtotal:      decimal.Zero,
		TotalDiscount: decimal.Zero,
		TotalCGST:     decimal.Zero,
		TotalSGST:     decimal.Zero,
		TotalIGST:     decimal.Zero,
		Shipping:      shipping,
	}
	for _, l := range lines {
		t.Subtotal = t.Subtotal.Add(l.Gross)
		t.TotalDiscount = t.TotalDiscount.Add(l.Discount)
		t.TotalCGST = t.TotalCGST.Add(l.CGST)
		t.TotalSGST = t.TotalSGST.Add(l.SGST)
		t.TotalIGST = t.TotalIGST.Add(l.IGST)
	}
	t.TotalTax = t.TotalCGST.Add(t.TotalSGST).Add(t.TotalIGST)

	unrounded := t.Unrounded()
	t.GrandTotal = unrounded.Round(grandTotalPlaces)
	t.RoundOff = t.GrandTotal.Sub(unrounded)
	return t, nil
}
