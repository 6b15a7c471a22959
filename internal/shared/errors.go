package shared

import "errors"

// ErrVendorMissing occurs when a request reaches the core without an authenticated vendor.
var ErrVendorMissing = errors.New("vendor identity missing")
