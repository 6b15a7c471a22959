package invoice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/medbazaar/medbazaar/internal/platform/httpx"
	"github.com/medbazaar/medbazaar/internal/shared"
	"github.com/medbazaar/medbazaar/internal/tax"
)

// Service answers invoice reads and applies status changes. It never touches
// stock or recomputes amounts.
type Service struct {
	repo      RepositoryPort
	audit     AuditPort
	logger    *slog.Logger
	validator *validator.Validate
	location  *time.Location
	now       func() time.Time
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	Location *time.Location
	Clock    func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, cfg ServiceConfig, logger *slog.Logger) *Service {
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
	return &Service{repo: repo, audit: audit, logger: logger, validator: httpx.NewValidator(), location: loc, now: now}
}

// ListInvoices returns a page of the vendor's invoice summaries.
func (s *Service) ListInvoices(ctx context.Context, vendorID uuid.UUID, filter ListFilter) ([]Summary, shared.Pagination, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, shared.Pagination{}, &ValidationError{Field: "status", Reason: "unknown status"}
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return nil, shared.Pagination{}, &ValidationError{Field: "to", Reason: "must not be before from"}
	}
	page, perPage := shared.NormalizePage(filter.Page, filter.PerPage)
	items, total, err := s.repo.List(ctx, vendorID, filter, perPage, (page-1)*perPage)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return items, shared.NewPagination(page, perPage, total), nil
}

// GetInvoice loads an invoice owned by vendorID.
func (s *Service) GetInvoice(ctx context.Context, vendorID, invoiceID uuid.UUID) (*Invoice, error) {
	inv, err := s.repo.Get(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.VendorID != vendorID {
		return nil, ErrForbidden
	}
	return inv, nil
}

// UpdateStatus moves an invoice along the allowed transition table. The write
// only applies if the status is still the one that was read.
func (s *Service) UpdateStatus(ctx context.Context, vendorID, invoiceID uuid.UUID, req UpdateStatusRequest) (*Invoice, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, translateValidation(err)
	}
	inv, err := s.GetInvoice(ctx, vendorID, invoiceID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(inv.Status, req.Status) {
		return nil, &InvalidTransitionError{From: inv.Status, To: req.Status}
	}
	if req.Payment != nil && req.Status != StatusPaid {
		return nil, &ValidationError{Field: "payment", Reason: "only allowed when marking paid"}
	}
	if req.Status == StatusOverdue && !s.pastDue(inv) {
		return nil, &InvalidTransitionError{From: inv.Status, To: req.Status, Reason: "due date has not passed"}
	}
	payment := req.Payment
	if payment != nil {
		if err := tax.CheckMoney("payment.amount", payment.Amount); err != nil {
			return nil, &ValidationError{Field: "payment.amount", Reason: err.Error()}
		}
		if payment.Amount.IsZero() {
			p := *payment
			p.Amount = inv.Totals.GrandTotal
			payment = &p
		}
	}

	updatedAt, err := s.repo.UpdateStatus(ctx, invoiceID, vendorID, inv.Status, req.Status, payment)
	if err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return nil, fmt.Errorf("%w: expected %s", ErrStatusConflict, inv.Status)
		}
		return nil, err
	}
	previous := inv.Status
	inv.Status = req.Status
	inv.UpdatedAt = updatedAt
	if payment != nil {
		inv.Payment = payment
	}
	s.recordAudit(ctx, inv, previous)
	return inv, nil
}

// MarkOverdue flips every PENDING invoice whose due date passed before now.
func (s *Service) MarkOverdue(ctx context.Context, now time.Time) (int64, error) {
	local := now.In(s.location)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
	n, err := s.repo.MarkOverdue(ctx, today)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("invoices marked overdue", slog.Int64("count", n))
	}
	return n, nil
}

func (s *Service) pastDue(inv *Invoice) bool {
	if inv.Terms.DueDate == nil {
		return false
	}
	local := s.now().In(s.location)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
	y, m, d := inv.Terms.DueDate.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Before(today)
}

func (s *Service) recordAudit(ctx context.Context, inv *Invoice, previous Status) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		VendorID: inv.VendorID,
		Action:   "invoice:status",
		Entity:   "invoice",
		EntityID: inv.ID.String(),
		Meta:     map[string]any{"from": string(previous), "to": string(inv.Status)},
	}); err != nil {
		s.logger.Warn("audit record failed", slog.Any("error", err))
	}
}
