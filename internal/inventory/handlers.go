package inventory

import "context"

// LowStockHandler receives low stock signals, typically by enqueueing a job.
type LowStockHandler interface {
	HandleLowStock(ctx context.Context, evt LowStockEvent) error
}
