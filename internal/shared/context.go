package shared

import (
	"context"

	"github.com/google/uuid"
)

type vendorContextKey struct{}

// ContextWithVendor stores the authenticated vendor id in context.
func ContextWithVendor(ctx context.Context, vendorID uuid.UUID) context.Context {
	return context.WithValue(ctx, vendorContextKey{}, vendorID)
}

// VendorFromContext extracts the authenticated vendor id from context.
func VendorFromContext(ctx context.Context) (uuid.UUID, error) {
	id, ok := ctx.Value(vendorContextKey{}).(uuid.UUID)
	if !ok || id == uuid.Nil {
		return uuid.Nil, ErrVendorMissing
	}
	return id, nil
}
