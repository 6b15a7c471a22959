package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/medbazaar/medbazaar/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	Decrement(ctx context.Context, hold Hold, vendorID, productID uuid.UUID, qty int64, today time.Time) (Reservation, error)
	ReleaseHold(ctx context.Context, vendorID uuid.UUID, hold Hold) (Released, error)
	ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error)
	Increment(ctx context.Context, vendorID, productID uuid.UUID, qty int64) (int64, error)
	Insert(ctx context.Context, p *Product) error
	Get(ctx context.Context, vendorID, productID uuid.UUID) (Product, error)
	List(ctx context.Context, vendorID uuid.UUID, filter ListFilter, limit, offset int) ([]Product, int, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ReservationRecorder observes reservation outcomes.
type ReservationRecorder interface {
	StockReservation(outcome string)
}

// Service coordinates inventory operations.
type Service struct {
	repo      RepositoryPort
	audit     AuditPort
	lowStock  LowStockHandler
	metrics   ReservationRecorder
	logger    *slog.Logger
	location  *time.Location
	threshold int64
	now       func() time.Time
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	Location          *time.Location
	LowStockThreshold int64
	Metrics           ReservationRecorder
	Clock             func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, lowStock LowStockHandler, cfg ServiceConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Service{
		repo:      repo,
		audit:     audit,
		lowStock:  lowStock,
		metrics:   cfg.Metrics,
		logger:    logger,
		location:  loc,
		threshold: cfg.LowStockThreshold,
		now:       now,
	}
}

// TryReserve atomically takes quantity units of a vendor's product and
// records them under hold.
func (s *Service) TryReserve(ctx context.Context, hold Hold, vendorID, productID uuid.UUID, quantity int64) (Reservation, error) {
	if quantity <= 0 {
		return Reservation{}, ErrInvalidQuantity
	}
	if hold.AttemptID == uuid.Nil || hold.Line <= 0 {
		return Reservation{}, fmt.Errorf("inventory: invalid hold %s/%d", hold.AttemptID, hold.Line)
	}
	res, err := s.repo.Decrement(ctx, hold, vendorID, productID, quantity, s.now().In(s.location))
	s.recordOutcome(err)
	if err != nil {
		return Reservation{}, err
	}
	return res, nil
}

// Release returns the units recorded under hold. It is safe to call more
// than once and after an ambiguous TryReserve: ErrHoldNotFound means there is
// nothing to give back.
func (s *Service) Release(ctx context.Context, vendorID uuid.UUID, hold Hold) (Released, error) {
	return s.repo.ReleaseHold(ctx, vendorID, hold)
}

// ReleaseStaleHolds frees holds older than olderThan. Attempts finish long
// before that, so such holds belong to attempts whose compensation was lost.
func (s *Service) ReleaseStaleHolds(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("inventory: stale hold age must be positive, got %s", olderThan)
	}
	n, err := s.repo.ReleaseStale(ctx, s.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Warn("released stale stock holds", slog.Int64("holds", n))
	}
	return n, nil
}

// Restock adds purchased stock to a product.
func (s *Service) Restock(ctx context.Context, vendorID, productID uuid.UUID, input RestockInput) (Product, error) {
	if input.Quantity <= 0 {
		return Product{}, ErrInvalidQuantity
	}
	remaining, err := s.repo.Increment(ctx, vendorID, productID, input.Quantity)
	if err != nil {
		return Product{}, err
	}
	s.recordAudit(ctx, vendorID, "inventory:restock", productID, map[string]any{
		"qty":       input.Quantity,
		"remaining": remaining,
	})
	return s.repo.Get(ctx, vendorID, productID)
}

// CreateProduct registers a product for the vendor.
func (s *Service) CreateProduct(ctx context.Context, vendorID uuid.UUID, input CreateProductInput) (Product, error) {
	if input.UnitPrice.IsNegative() {
		return Product{}, ErrInvalidUnitPrice
	}
	if input.Stock < 0 {
		return Product{}, ErrInvalidQuantity
	}
	expiry, err := time.Parse(time.DateOnly, input.ExpiryDate)
	if err != nil {
		return Product{}, fmt.Errorf("%w: expiry date %q", ErrInvalidProduct, input.ExpiryDate)
	}
	p := Product{
		ID:          uuid.New(),
		VendorID:    vendorID,
		Name:        strings.TrimSpace(input.Name),
		UnitPrice:   input.UnitPrice,
		Stock:       input.Stock,
		BatchNumber: strings.TrimSpace(input.BatchNumber),
		ExpiryDate:  expiry,
	}
	if p.Name == "" {
		return Product{}, fmt.Errorf("%w: name required", ErrInvalidProduct)
	}
	if err := s.repo.Insert(ctx, &p); err != nil {
		return Product{}, fmt.Errorf("inventory: insert product: %w", err)
	}
	s.recordAudit(ctx, vendorID, "inventory:create", p.ID, map[string]any{
		"name":  p.Name,
		"stock": p.Stock,
		"batch": p.BatchNumber,
	})
	return p, nil
}

// GetProduct loads one of the vendor's products.
func (s *Service) GetProduct(ctx context.Context, vendorID, productID uuid.UUID) (Product, error) {
	return s.repo.Get(ctx, vendorID, productID)
}

// ListProducts returns a page of the vendor's products.
func (s *Service) ListProducts(ctx context.Context, vendorID uuid.UUID, filter ListFilter) ([]Product, shared.Pagination, error) {
	page, perPage := shared.NormalizePage(filter.Page, filter.PerPage)
	products, total, err := s.repo.List(ctx, vendorID, filter, perPage, (page-1)*perPage)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return products, shared.NewPagination(page, perPage, total), nil
}

// NotifyLowStock forwards reservations that left stock at or below the
// configured threshold. Failures are logged and never returned.
func (s *Service) NotifyLowStock(ctx context.Context, vendorID uuid.UUID, reservations []Reservation) {
	if s.lowStock == nil {
		return
	}
	for _, res := range reservations {
		if res.Remaining > s.threshold {
			continue
		}
		evt := LowStockEvent{VendorID: vendorID, ProductID: res.ProductID, Name: res.Name, Remaining: res.Remaining}
		if err := s.lowStock.HandleLowStock(ctx, evt); err != nil {
			s.logger.Warn("low stock notification failed",
				slog.String("product_id", res.ProductID.String()),
				slog.Any("error", err))
		}
	}
}

func (s *Service) recordOutcome(err error) {
	if s.metrics == nil {
		return
	}
	switch {
	case err == nil:
		s.metrics.StockReservation("reserved")
	case errors.Is(err, ErrInsufficientStock):
		s.metrics.StockReservation("insufficient")
	case errors.Is(err, ErrProductNotFound):
		s.metrics.StockReservation("not_found")
	case errors.Is(err, ErrProductExpired):
		s.metrics.StockReservation("expired")
	default:
		s.metrics.StockReservation("error")
	}
}

func (s *Service) recordAudit(ctx context.Context, vendorID uuid.UUID, action string, productID uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		VendorID: vendorID,
		Action:   action,
		Entity:   "product",
		EntityID: productID.String(),
		Meta:     meta,
	}); err != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}
