package sequence

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresCounter keeps one row per day in invoice_sequences.
type PostgresCounter struct {
	pool *pgxpool.Pool
}

// NewPostgresCounter constructs the counter.
func NewPostgresCounter(pool *pgxpool.Pool) *PostgresCounter {
	return &PostgresCounter{pool: pool}
}

// Increment runs a single upsert; concurrent callers serialize on the row.
// It runs outside the invoice transaction so the number is burned if the
// invoice is never written.
func (c *PostgresCounter) Increment(ctx context.Context, dayKey string) (int64, error) {
	var value int64
	err := c.pool.QueryRow(ctx, `INSERT INTO invoice_sequences (day_key, value) VALUES ($1, 1)
ON CONFLICT (day_key) DO UPDATE SET value = invoice_sequences.value + 1, updated_at = NOW()
RETURNING value`, dayKey).Scan(&value)
	return value, err
}
