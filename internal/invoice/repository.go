package invoice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medbazaar/medbazaar/internal/platform/db"
	"github.com/medbazaar/medbazaar/internal/tax"
)

// RepositoryPort abstracts repository usage for the query service.
type RepositoryPort interface {
	Get(ctx context.Context, id uuid.UUID) (*Invoice, error)
	List(ctx context.Context, vendorID uuid.UUID, filter ListFilter, limit, offset int) ([]Summary, int, error)
	UpdateStatus(ctx context.Context, id, vendorID uuid.UUID, from, to Status, payment *PaymentRecord) (time.Time, error)
	MarkOverdue(ctx context.Context, today time.Time) (int64, error)
}

// Repository persists invoices in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert writes the invoice header and all items in one transaction and
// consumes the stock holds taken by the attempt. The invoice only commits
// while every one of its holds is still in place.
func (r *Repository) Insert(ctx context.Context, inv *Invoice) error {
	vendorJSON, err := json.Marshal(inv.Vendor)
	if err != nil {
		return err
	}
	billingJSON, err := json.Marshal(inv.BillingAddress)
	if err != nil {
		return err
	}
	shippingJSON, err := json.Marshal(inv.ShippingAddress)
	if err != nil {
		return err
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		t := inv.Totals
		_, err := tx.Exec(ctx, `INSERT INTO invoices (
	id, invoice_number, vendor_id, vendor_snapshot,
	customer_name, customer_phone, customer_email, customer_tax_id,
	billing_address, shipping_address,
	subtotal, total_discount, total_cgst, total_sgst, total_igst, total_tax,
	shipping_charge, round_off, grand_total,
	status, issue_date, due_date, payment_method, notes, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21::date,$22::date,$23,$24,$25,$26)`,
			inv.ID, inv.Number, inv.VendorID, vendorJSON,
			inv.Customer.Name, inv.Customer.Phone, inv.Customer.Email, inv.Customer.TaxID,
			billingJSON, shippingJSON,
			t.Subtotal, t.TotalDiscount, t.TotalCGST, t.TotalSGST, t.TotalIGST, t.TotalTax,
			t.Shipping, t.RoundOff, t.GrandTotal,
			string(inv.Status), inv.IssueDate, inv.Terms.DueDate, inv.Terms.Method, inv.Terms.Notes, inv.CreatedAt, inv.UpdatedAt)
		if err != nil {
			if db.IsUniqueViolation(err, "invoices_invoice_number_key") {
				return fmt.Errorf("invoice: number %s already used: %w", inv.Number, err)
			}
			return fmt.Errorf("invoice: insert header: %w", err)
		}
		for i, item := range inv.Items {
			a := item.Amounts
			_, err := tx.Exec(ctx, `INSERT INTO invoice_items (
	invoice_id, line_no, product_id, product_name, batch_number, expiry_date,
	quantity, unit_price, discount, cgst_rate, sgst_rate, igst_rate,
	gross, taxable_amount, cgst_amount, sgst_amount, igst_amount, line_total
) VALUES ($1,$2,$3,$4,$5,$6::date,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
				inv.ID, i+1, item.ProductID, item.ProductName, item.BatchNumber, item.ExpiryDate,
				item.Quantity, item.UnitPrice, item.Discount, item.Rates.CGST, item.Rates.SGST, item.Rates.IGST,
				a.Gross, a.Taxable, a.CGST, a.SGST, a.IGST, a.Total)
			if err != nil {
				return fmt.Errorf("invoice: insert line %d: %w", i+1, err)
			}
		}
		tag, err := tx.Exec(ctx, `DELETE FROM stock_holds WHERE attempt_id = $1 AND vendor_id = $2`, inv.AttemptID, inv.VendorID)
		if err != nil {
			return fmt.Errorf("invoice: consume stock holds: %w", err)
		}
		if tag.RowsAffected() != int64(len(inv.Items)) {
			return fmt.Errorf("%w: found %d of %d", ErrHoldsMissing, tag.RowsAffected(), len(inv.Items))
		}
		return nil
	})
}

// Exists reports whether an invoice with id has been committed.
func (r *Repository) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM invoices WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("invoice: exists: %w", err)
	}
	return exists, nil
}

// Get loads an invoice with its items regardless of owner.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	var (
		inv                                   Invoice
		status                                string
		vendorJSON, billingJSON, shippingJSON []byte
		paymentJSON                           []byte
	)
	t := &inv.Totals
	err := r.pool.QueryRow(ctx, `SELECT id, invoice_number, vendor_id, vendor_snapshot,
	customer_name, customer_phone, customer_email, customer_tax_id,
	billing_address, shipping_address,
	subtotal, total_discount, total_cgst, total_sgst, total_igst, total_tax,
	shipping_charge, round_off, grand_total,
	status, issue_date, due_date, payment_method, notes, payment, created_at, updated_at
FROM invoices WHERE id = $1`, id).Scan(
		&inv.ID, &inv.Number, &inv.VendorID, &vendorJSON,
		&inv.Customer.Name, &inv.Customer.Phone, &inv.Customer.Email, &inv.Customer.TaxID,
		&billingJSON, &shippingJSON,
		&t.Subtotal, &t.TotalDiscount, &t.TotalCGST, &t.TotalSGST, &t.TotalIGST, &t.TotalTax,
		&t.Shipping, &t.RoundOff, &t.GrandTotal,
		&status, &inv.IssueDate, &inv.Terms.DueDate, &inv.Terms.Method, &inv.Terms.Notes, &paymentJSON, &inv.CreatedAt, &inv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("invoice: get: %w", err)
	}
	inv.Status = Status(status)
	if err := json.Unmarshal(vendorJSON, &inv.Vendor); err != nil {
		return nil, fmt.Errorf("invoice: decode vendor snapshot: %w", err)
	}
	if err := json.Unmarshal(billingJSON, &inv.BillingAddress); err != nil {
		return nil, fmt.Errorf("invoice: decode billing address: %w", err)
	}
	if err := json.Unmarshal(shippingJSON, &inv.ShippingAddress); err != nil {
		return nil, fmt.Errorf("invoice: decode shipping address: %w", err)
	}
	if len(paymentJSON) > 0 {
		inv.Payment = &PaymentRecord{}
		if err := json.Unmarshal(paymentJSON, inv.Payment); err != nil {
			return nil, fmt.Errorf("invoice: decode payment: %w", err)
		}
	}

	rows, err := r.pool.Query(ctx, `SELECT product_id, product_name, batch_number, expiry_date,
	quantity, unit_price, discount, cgst_rate, sgst_rate, igst_rate,
	gross, taxable_amount, cgst_amount, sgst_amount, igst_amount, line_total
FROM invoice_items WHERE invoice_id = $1 ORDER BY line_no`, id)
	if err != nil {
		return nil, fmt.Errorf("invoice: get items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var item LineItem
		var a tax.LineAmounts
		if err := rows.Scan(&item.ProductID, &item.ProductName, &item.BatchNumber, &item.ExpiryDate,
			&item.Quantity, &item.UnitPrice, &item.Discount, &item.Rates.CGST, &item.Rates.SGST, &item.Rates.IGST,
			&a.Gross, &a.Taxable, &a.CGST, &a.SGST, &a.IGST, &a.Total); err != nil {
			return nil, err
		}
		a.Discount = item.Discount
		item.Amounts = a
		inv.Items = append(inv.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &inv, nil
}

// List returns a page of a vendor's invoices, newest first.
func (r *Repository) List(ctx context.Context, vendorID uuid.UUID, filter ListFilter, limit, offset int) ([]Summary, int, error) {
	where := []string{"vendor_id = $1"}
	args := []any{vendorID}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		where = append(where, fmt.Sprintf("issue_date >= $%d::date", len(args)))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		where = append(where, fmt.Sprintf("issue_date <= $%d::date", len(args)))
	}
	if s := strings.TrimSpace(filter.Search); s != "" {
		args = append(args, "%"+s+"%")
		n := len(args)
		where = append(where, fmt.Sprintf("(customer_name ILIKE $%d OR customer_phone ILIKE $%d OR invoice_number ILIKE $%d)", n, n, n))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM invoices WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("invoice: count: %w", err)
	}
	args = append(args, limit, offset)
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT id, invoice_number, customer_name, customer_phone, grand_total, status, issue_date, due_date, created_at
FROM invoices WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("invoice: list: %w", err)
	}
	defer rows.Close()
	var out []Summary
	for rows.Next() {
		var s Summary
		var status string
		if err := rows.Scan(&s.ID, &s.Number, &s.CustomerName, &s.CustomerTel, &s.GrandTotal, &status, &s.IssueDate, &s.DueDate, &s.CreatedAt); err != nil {
			return nil, 0, err
		}
		s.Status = Status(status)
		out = append(out, s)
	}
	return out, total, rows.Err()
}

// UpdateStatus applies a compare-and-set on the previous status.
func (r *Repository) UpdateStatus(ctx context.Context, id, vendorID uuid.UUID, from, to Status, payment *PaymentRecord) (time.Time, error) {
	var paymentJSON []byte
	if payment != nil {
		raw, err := json.Marshal(payment)
		if err != nil {
			return time.Time{}, err
		}
		paymentJSON = raw
	}
	var updatedAt time.Time
	err := r.pool.QueryRow(ctx, `UPDATE invoices SET status = $1, payment = COALESCE($2::jsonb, payment), updated_at = NOW()
WHERE id = $3 AND vendor_id = $4 AND status = $5 RETURNING updated_at`,
		string(to), paymentJSON, id, vendorID, string(from)).Scan(&updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, ErrStatusConflict
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("invoice: update status: %w", err)
	}
	return updatedAt, nil
}

// MarkOverdue moves every PENDING invoice whose due date is before today.
func (r *Repository) MarkOverdue(ctx context.Context, today time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE invoices SET status = 'OVERDUE', updated_at = NOW()
WHERE status = 'PENDING' AND due_date IS NOT NULL AND due_date < $1::date`, today)
	if err != nil {
		return 0, fmt.Errorf("invoice: mark overdue: %w", err)
	}
	return tag.RowsAffected(), nil
}
