package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository persists products in PostgreSQL.
type Repository struct {
	db dbtx
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

const productColumns = `id, vendor_id, name, unit_price, stock, batch_number, expiry_date, created_at, updated_at`

// Decrement takes qty units in a single conditional write and records them
// under hold in the same statement. The row is only read afterwards to
// explain a refusal.
func (r *Repository) Decrement(ctx context.Context, hold Hold, vendorID, productID uuid.UUID, qty int64, today time.Time) (Reservation, error) {
	res := Reservation{ProductID: productID, Quantity: qty}
	err := r.db.QueryRow(ctx, `WITH taken AS (
	UPDATE products
	SET stock = stock - $3, updated_at = NOW()
	WHERE id = $1 AND vendor_id = $2 AND stock >= $3 AND expiry_date >= $4::date
	RETURNING id, vendor_id, stock, name, unit_price, batch_number, expiry_date
), held AS (
	INSERT INTO stock_holds (attempt_id, line_no, vendor_id, product_id, quantity)
	SELECT $5, $6, vendor_id, id, $3 FROM taken
)
SELECT stock, name, unit_price, batch_number, expiry_date FROM taken`,
		productID, vendorID, qty, today, hold.AttemptID, hold.Line).Scan(&res.Remaining, &res.Name, &res.UnitPrice, &res.BatchNumber, &res.ExpiryDate)
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, fmt.Errorf("inventory: decrement stock: %w", err)
	}
	return Reservation{}, r.classifyRefusal(ctx, vendorID, productID, today)
}

// ReleaseHold deletes the hold and puts its units back in one statement.
func (r *Repository) ReleaseHold(ctx context.Context, vendorID uuid.UUID, hold Hold) (Released, error) {
	var out Released
	err := r.db.QueryRow(ctx, `WITH freed AS (
	DELETE FROM stock_holds
	WHERE attempt_id = $1 AND line_no = $2 AND vendor_id = $3
	RETURNING vendor_id, product_id, quantity
)
UPDATE products p
SET stock = p.stock + f.quantity, updated_at = NOW()
FROM freed f
WHERE p.id = f.product_id AND p.vendor_id = f.vendor_id
RETURNING p.id, f.quantity, p.stock`, hold.AttemptID, hold.Line, vendorID).Scan(&out.ProductID, &out.Quantity, &out.Remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return Released{}, ErrHoldNotFound
	}
	if err != nil {
		return Released{}, fmt.Errorf("inventory: release hold: %w", err)
	}
	return out, nil
}

// ReleaseStale returns every hold created before cutoff to stock and reports
// how many holds were freed.
func (r *Repository) ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error) {
	var freed int64
	err := r.db.QueryRow(ctx, `WITH freed AS (
	DELETE FROM stock_holds WHERE created_at < $1
	RETURNING vendor_id, product_id, quantity
), per_product AS (
	SELECT vendor_id, product_id, SUM(quantity) AS quantity FROM freed GROUP BY vendor_id, product_id
), restored AS (
	UPDATE products p
	SET stock = p.stock + pp.quantity, updated_at = NOW()
	FROM per_product pp
	WHERE p.id = pp.product_id AND p.vendor_id = pp.vendor_id
	RETURNING p.id
)
SELECT COUNT(*) FROM freed`, cutoff).Scan(&freed)
	if err != nil {
		return 0, fmt.Errorf("inventory: release stale holds: %w", err)
	}
	return freed, nil
}

func (r *Repository) classifyRefusal(ctx context.Context, vendorID, productID uuid.UUID, today time.Time) error {
	var p Product
	err := r.db.QueryRow(ctx, `SELECT stock, expiry_date FROM products WHERE id = $1 AND vendor_id = $2`, productID, vendorID).
		Scan(&p.Stock, &p.ExpiryDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrProductNotFound
	}
	if err != nil {
		return fmt.Errorf("inventory: classify refusal: %w", err)
	}
	if p.ExpiredOn(today) {
		return ErrProductExpired
	}
	// A concurrent restock may have landed after the refusal; the write still lost.
	return ErrInsufficientStock
}

// Increment adds qty units back and returns the new stock.
func (r *Repository) Increment(ctx context.Context, vendorID, productID uuid.UUID, qty int64) (int64, error) {
	var remaining int64
	err := r.db.QueryRow(ctx, `UPDATE products SET stock = stock + $3, updated_at = NOW()
WHERE id = $1 AND vendor_id = $2 RETURNING stock`, productID, vendorID, qty).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrProductNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("inventory: increment stock: %w", err)
	}
	return remaining, nil
}

// Insert stores a new product and fills the generated timestamps.
func (r *Repository) Insert(ctx context.Context, p *Product) error {
	return r.db.QueryRow(ctx, `INSERT INTO products (id, vendor_id, name, unit_price, stock, batch_number, expiry_date)
VALUES ($1, $2, $3, $4, $5, $6, $7::date)
RETURNING created_at, updated_at`,
		p.ID, p.VendorID, p.Name, p.UnitPrice, p.Stock, p.BatchNumber, p.ExpiryDate).Scan(&p.CreatedAt, &p.UpdatedAt)
}

// Get loads a product owned by vendorID.
func (r *Repository) Get(ctx context.Context, vendorID, productID uuid.UUID) (Product, error) {
	row := r.db.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1 AND vendor_id = $2`, productID, vendorID)
	p, err := scanProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, ErrProductNotFound
	}
	return p, err
}

// List returns one page of a vendor's products ordered by name.
func (r *Repository) List(ctx context.Context, vendorID uuid.UUID, filter ListFilter, limit, offset int) ([]Product, int, error) {
	where := []string{"vendor_id = $1"}
	args := []any{vendorID}
	if s := strings.TrimSpace(filter.Search); s != "" {
		args = append(args, "%"+s+"%")
		where = append(where, fmt.Sprintf("(name ILIKE $%d OR batch_number ILIKE $%d)", len(args), len(args)))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM products WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("inventory: count products: %w", err)
	}

	args = append(args, limit, offset)
	rows, err := r.db.Query(ctx, fmt.Sprintf(`SELECT %s FROM products WHERE %s ORDER BY name, id LIMIT $%d OFFSET $%d`,
		productColumns, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("inventory: list products: %w", err)
	}
	defer rows.Close()

	var products []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, 0, err
		}
		products = append(products, p)
	}
	return products, total, rows.Err()
}

func scanProduct(row pgx.Row) (Product, error) {
	var p Product
	err := row.Scan(&p.ID, &p.VendorID, &p.Name, &p.UnitPrice, &p.Stock, &p.BatchNumber, &p.ExpiryDate, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}
