package invoice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/medbazaar/medbazaar/internal/inventory"
	"github.com/medbazaar/medbazaar/internal/pharmacist"
	"github.com/medbazaar/medbazaar/internal/platform/httpx"
	"github.com/medbazaar/medbazaar/internal/shared"
	"github.com/medbazaar/medbazaar/internal/tax"
)

// StockPort is the inventory surface the coordinator needs.
type StockPort interface {
	TryReserve(ctx context.Context, hold inventory.Hold, vendorID, productID uuid.UUID, quantity int64) (inventory.Reservation, error)
	Release(ctx context.Context, vendorID uuid.UUID, hold inventory.Hold) (inventory.Released, error)
	NotifyLowStock(ctx context.Context, vendorID uuid.UUID, reservations []inventory.Reservation)
}

// NumberAllocator hands out invoice numbers.
type NumberAllocator interface {
	Next(ctx context.Context, at time.Time) (string, error)
}

// VendorDirectory resolves vendor snapshots.
type VendorDirectory interface {
	Snapshot(ctx context.Context, vendorID uuid.UUID) (pharmacist.Snapshot, error)
}

// IdempotencyPort claims client supplied request keys.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// StockRelease describes a compensation that must be retried in background.
type StockRelease struct {
	AttemptID uuid.UUID `json:"attempt_id"`
	Line      int       `json:"line"`
	VendorID  uuid.UUID `json:"vendor_id"`
	ProductID uuid.UUID `json:"product_id"`
	Quantity  int64     `json:"quantity"`
}

// Dispatcher hands work to the background worker.
type Dispatcher interface {
	EnqueueStockRelease(ctx context.Context, release StockRelease) error
	EnqueueInvoiceMail(ctx context.Context, inv *Invoice) error
}

// MetricsPort records coordinator outcomes.
type MetricsPort interface {
	InvoiceCreated(status string, elapsed time.Duration)
	InvoiceAborted(stage, reason string)
	ReleaseFailed()
}

// CoordinatorConfig tunes the create flow.
type CoordinatorConfig struct {
	CreateTimeout       time.Duration
	CompensationTimeout time.Duration
	GrandTotalPlaces    int32
	Location            *time.Location
	Clock               func() time.Time
}

// CoordinatorDeps groups collaborators. Idempotency, Dispatcher, Audit and
// Metrics are optional.
type CoordinatorDeps struct {
	Stock       StockPort
	Numbers     NumberAllocator
	Vendors     VendorDirectory
	Store       Writer
	Idempotency IdempotencyPort
	Dispatcher  Dispatcher
	Audit       AuditPort
	Metrics     MetricsPort
	Logger      *slog.Logger
}

// Writer persists a fully built invoice atomically. Exists settles whether an
// Insert that returned an error committed anyway.
type Writer interface {
	Insert(ctx context.Context, inv *Invoice) error
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
}

// Coordinator runs invoice creation as a compensated sequence of steps: stock
// reservations are undone unless the invoice document is committed.
type Coordinator struct {
	deps      CoordinatorDeps
	cfg       CoordinatorConfig
	validator *validator.Validate
	logger    *slog.Logger
}

// NewCoordinator builds a Coordinator.
func NewCoordinator(deps CoordinatorDeps, cfg CoordinatorConfig) *Coordinator {
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = 10 * time.Second
	}
	if cfg.CompensationTimeout <= 0 {
		cfg.CompensationTimeout = 5 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{deps: deps, cfg: cfg, validator: httpx.NewValidator(), logger: logger}
}

type stage string

const (
	stageStarted         stage = "started"
	stageItemsValidated  stage = "items_validated"
	stageStockReserved   stage = "stock_reserved"
	stageTotalsComputed  stage = "totals_computed"
	stageNumberAllocated stage = "number_allocated"
	stagePersisted       stage = "persisted"
	stageAborted         stage = "aborted"
)

type attempt struct {
	id       uuid.UUID
	vendorID uuid.UUID
	stage    stage
	undo     undoStack
	logger   *slog.Logger
}

func (a *attempt) advance(next stage) {
	a.logger.Debug("invoice attempt advanced", slog.String("from", string(a.stage)), slog.String("to", string(next)))
	a.stage = next
}

// CreateInvoice validates the request, reserves stock for every line, prices
// the lines, allocates a number and writes the invoice in one transaction.
// On any failure every reservation taken so far is released.
func (c *Coordinator) CreateInvoice(ctx context.Context, vendorID uuid.UUID, idempotencyKey string, req CreateInvoiceRequest) (*Invoice, error) {
	started := c.cfg.Clock()
	att := &attempt{id: uuid.New(), vendorID: vendorID, stage: stageStarted}
	att.logger = c.logger.With(slog.String("attempt_id", att.id.String()), slog.String("vendor_id", vendorID.String()))

	if err := validateCreate(c.validator, req); err != nil {
		c.abort(ctx, att, err)
		return nil, err
	}
	dueDate, err := parseDueDate(req.DueDate)
	if err != nil {
		c.abort(ctx, att, err)
		return nil, err
	}
	att.advance(stageItemsValidated)

	claimedKey := ""
	if key := strings.TrimSpace(idempotencyKey); key != "" && c.deps.Idempotency != nil {
		scoped := vendorID.String() + ":" + key
		if err := c.deps.Idempotency.CheckAndInsert(ctx, scoped, "invoice"); err != nil {
			c.abort(ctx, att, err)
			return nil, err
		}
		claimedKey = scoped
	}

	runCtx, cancel := context.WithTimeout(ctx, c.cfg.CreateTimeout)
	defer cancel()

	inv, reservations, err := c.run(runCtx, att, req, dueDate)
	if err != nil {
		if ctxErr := runCtx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("invoice: aborted at %s: %w (%v)", att.stage, ctxErr, err)
		}
		c.abort(ctx, att, err)
		if claimedKey != "" {
			if delErr := c.deps.Idempotency.Delete(context.WithoutCancel(ctx), claimedKey); delErr != nil {
				att.logger.Warn("release idempotency key failed", slog.Any("error", delErr))
			}
		}
		return nil, err
	}

	c.afterCommit(context.WithoutCancel(ctx), att, inv, reservations, started)
	return inv, nil
}

func (c *Coordinator) run(ctx context.Context, att *attempt, req CreateInvoiceRequest, dueDate *time.Time) (*Invoice, []inventory.Reservation, error) {
	vendor, err := c.deps.Vendors.Snapshot(ctx, att.vendorID)
	if err != nil {
		return nil, nil, fmt.Errorf("invoice: vendor profile: %w", err)
	}

	reservations := make([]inventory.Reservation, 0, len(req.Items))
	for i, item := range req.Items {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		hold := inventory.Hold{AttemptID: att.id, Line: i + 1}
		res, err := c.deps.Stock.TryReserve(ctx, hold, att.vendorID, item.ProductID, item.Quantity)
		if err != nil {
			if isReservationRefusal(err) {
				return nil, nil, &InsufficientStockError{ProductID: item.ProductID, Line: i + 1, Requested: item.Quantity, Err: err}
			}
			// The decrement may have landed before the error reached us.
			c.pushRelease(att, hold, item)
			return nil, nil, fmt.Errorf("invoice: reserve line %d: %w", i+1, err)
		}
		reservations = append(reservations, res)
		c.pushRelease(att, hold, item)
	}
	att.advance(stageStockReserved)

	items := make([]LineItem, len(req.Items))
	amounts := make([]tax.LineAmounts, len(req.Items))
	for i, item := range req.Items {
		line, err := tax.CalculateLine(item.lineInput())
		if err != nil {
			return nil, nil, &ValidationError{Field: lineField(err), Line: i + 1, Reason: err.Error()}
		}
		res := reservations[i]
		items[i] = LineItem{
			ProductID:   item.ProductID,
			ProductName: res.Name,
			BatchNumber: res.BatchNumber,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			Discount:    item.Discount,
			Rates:       tax.Rates{CGST: item.CGSTRate, SGST: item.SGSTRate, IGST: item.IGSTRate},
			Amounts:     line,
		}
		if !res.ExpiryDate.IsZero() {
			expiry := res.ExpiryDate
			items[i].ExpiryDate = &expiry
		}
		amounts[i] = line
	}
	totals, err := tax.Summarise(amounts, req.ShippingCharge, c.cfg.GrandTotalPlaces)
	if err != nil {
		if errors.Is(err, tax.ErrGrandTotalPlaces) {
			return nil, nil, fmt.Errorf("invoice: totals: %w", err)
		}
		return nil, nil, &ValidationError{Field: "shipping_charge", Reason: err.Error()}
	}
	att.advance(stageTotalsComputed)

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	now := c.cfg.Clock()
	number, err := c.deps.Numbers.Next(ctx, now)
	if err != nil {
		return nil, nil, &AllocationError{Err: err}
	}
	att.advance(stageNumberAllocated)

	status := req.Status
	if status == "" {
		status = StatusPending
	}
	shipping := req.BillingAddress
	if req.ShippingAddress != nil {
		shipping = *req.ShippingAddress
	}
	// Calendar dates are kept as UTC midnight of the local day.
	local := now.In(c.cfg.Location)
	inv := &Invoice{
		ID:              uuid.New(),
		Number:          number,
		VendorID:        att.vendorID,
		Vendor:          vendor,
		Customer:        req.Customer,
		Items:           items,
		BillingAddress:  req.BillingAddress,
		ShippingAddress: shipping,
		Totals:          totals,
		Status:          status,
		IssueDate:       time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC),
		Terms:           PaymentTerms{DueDate: dueDate, Method: req.PaymentMethod, Notes: req.Notes},
		CreatedAt:       now.UTC(),
		UpdatedAt:       now.UTC(),
		AttemptID:       att.id,
	}

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if err := c.deps.Store.Insert(ctx, inv); err != nil {
		if !c.committed(ctx, att, inv) {
			return nil, nil, &PersistenceError{Err: err}
		}
		att.logger.Warn("invoice insert reported an error after commit", slog.Any("error", err))
	}
	att.advance(stagePersisted)
	return inv, reservations, nil
}

// committed checks, outside the request deadline, whether an Insert that
// failed from the client's view landed on the server.
func (c *Coordinator) committed(ctx context.Context, att *attempt, inv *Invoice) bool {
	checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CompensationTimeout)
	defer cancel()
	ok, err := c.deps.Store.Exists(checkCtx, inv.ID)
	if err != nil {
		att.logger.Warn("invoice commit check failed", slog.Any("error", err))
		return false
	}
	return ok
}

// pushRelease records the compensation for one line's hold. A release that
// fails is handed to the worker so stock still converges.
func (c *Coordinator) pushRelease(att *attempt, hold inventory.Hold, item CreateItemRequest) {
	att.undo.push(fmt.Sprintf("release:%d", hold.Line), func(ctx context.Context) error {
		_, err := c.deps.Stock.Release(ctx, att.vendorID, hold)
		if err == nil || errors.Is(err, inventory.ErrHoldNotFound) {
			return nil
		}
		att.logger.Error("stock release failed",
			slog.Int("line", hold.Line),
			slog.String("product_id", item.ProductID.String()),
			slog.Int64("quantity", item.Quantity),
			slog.Any("error", err))
		if c.deps.Metrics != nil {
			c.deps.Metrics.ReleaseFailed()
		}
		if c.deps.Dispatcher != nil {
			release := StockRelease{AttemptID: att.id, Line: hold.Line, VendorID: att.vendorID, ProductID: item.ProductID, Quantity: item.Quantity}
			if qErr := c.deps.Dispatcher.EnqueueStockRelease(ctx, release); qErr != nil {
				att.logger.Error("enqueue stock release failed", slog.Any("error", qErr))
				return errors.Join(err, qErr)
			}
		}
		return err
	})
}

func (c *Coordinator) abort(ctx context.Context, att *attempt, cause error) {
	failedAt := att.stage
	if att.undo.len() > 0 {
		compCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CompensationTimeout)
		if err := att.undo.run(compCtx); err != nil {
			att.logger.Error("compensation incomplete", slog.Any("error", err))
		}
		cancel()
	}
	att.advance(stageAborted)
	reason := abortReason(cause)
	if c.deps.Metrics != nil {
		c.deps.Metrics.InvoiceAborted(string(failedAt), reason)
	}
	level := slog.LevelWarn
	if reason == "validation" || reason == "insufficient_stock" {
		level = slog.LevelInfo
	}
	att.logger.Log(ctx, level, "invoice creation aborted",
		slog.String("stage", string(failedAt)),
		slog.String("reason", reason),
		slog.Any("error", cause))
}

func (c *Coordinator) afterCommit(ctx context.Context, att *attempt, inv *Invoice, reservations []inventory.Reservation, started time.Time) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.InvoiceCreated(string(inv.Status), c.cfg.Clock().Sub(started))
	}
	if c.deps.Audit != nil {
		if err := c.deps.Audit.Record(ctx, shared.AuditLog{
			VendorID: inv.VendorID,
			Action:   "invoice:create",
			Entity:   "invoice",
			EntityID: inv.ID.String(),
			Meta: map[string]any{
				"invoice_number": inv.Number,
				"grand_total":    inv.Totals.GrandTotal.String(),
				"items":          len(inv.Items),
				"attempt_id":     att.id.String(),
			},
		}); err != nil {
			att.logger.Warn("audit record failed", slog.Any("error", err))
		}
	}
	if inv.Customer.Email != "" && c.deps.Dispatcher != nil {
		if err := c.deps.Dispatcher.EnqueueInvoiceMail(ctx, inv); err != nil {
			att.logger.Warn("enqueue invoice mail failed", slog.Any("error", err))
		}
	}
	c.deps.Stock.NotifyLowStock(ctx, inv.VendorID, reservations)
	att.logger.Info("invoice created",
		slog.String("invoice_id", inv.ID.String()),
		slog.String("invoice_number", inv.Number),
		slog.String("grand_total", inv.Totals.GrandTotal.String()))
}

func isReservationRefusal(err error) bool {
	return errors.Is(err, inventory.ErrInsufficientStock) ||
		errors.Is(err, inventory.ErrProductNotFound) ||
		errors.Is(err, inventory.ErrProductExpired)
}

func abortReason(err error) string {
	var (
		verr *ValidationError
		serr *InsufficientStockError
		aerr *AllocationError
		perr *PersistenceError
	)
	switch {
	case errors.As(err, &verr):
		return "validation"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &serr):
		return "insufficient_stock"
	case errors.As(err, &aerr):
		return "allocation"
	case errors.As(err, &perr):
		return "persistence"
	case errors.Is(err, shared.ErrIdempotencyConflict):
		return "duplicate"
	case errors.Is(err, pharmacist.ErrNotFound):
		return "vendor"
	default:
		return "error"
	}
}
