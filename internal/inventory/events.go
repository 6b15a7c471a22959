package inventory

import "github.com/google/uuid"

// LowStockEvent signals that a sale left a product at or below the threshold.
type LowStockEvent struct {
	VendorID  uuid.UUID `json:"vendor_id"`
	ProductID uuid.UUID `json:"product_id"`
	Name      string    `json:"name"`
	Remaining int64     `json:"remaining"`
}
