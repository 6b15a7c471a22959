package invoice

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/medbazaar/medbazaar/internal/inventory"
	"github.com/medbazaar/medbazaar/internal/pharmacist"
	"github.com/medbazaar/medbazaar/internal/platform/httpx"
	"github.com/medbazaar/medbazaar/internal/shared"
)

// IdempotencyHeader carries the client supplied retry key.
const IdempotencyHeader = "Idempotency-Key"

// Handler wires HTTP endpoints for invoices.
type Handler struct {
	logger      *slog.Logger
	coordinator *Coordinator
	service     *Service
	location    *time.Location
}

// NewHandler constructs invoice handler.
func NewHandler(logger *slog.Logger, coordinator *Coordinator, service *Service, loc *time.Location) *Handler {
	if loc == nil {
		loc = time.UTC
	}
	return &Handler{logger: logger, coordinator: coordinator, service: service, location: loc}
}

// MountRoutes registers invoice routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	r.Get("/{id}", h.handleGet)
	r.Put("/{id}/status", h.handleUpdateStatus)
}

type listResponse struct {
	Data       []Summary         `json:"data"`
	Pagination shared.Pagination `json:"pagination"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	vendorID, ok := h.vendor(w, r)
	if !ok {
		return
	}
	var req CreateInvoiceRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	inv, err := h.coordinator.CreateInvoice(r.Context(), vendorID, r.Header.Get(IdempotencyHeader), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/invoices/"+inv.ID.String())
	httpx.JSON(w, http.StatusCreated, inv)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	vendorID, ok := h.vendor(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := ListFilter{Status: Status(q.Get("status")), Search: q.Get("q")}
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.PerPage, _ = strconv.Atoi(q.Get("per_page"))
	for _, p := range []struct {
		name   string
		target **time.Time
	}{{"from", &filter.From}, {"to", &filter.To}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		d, err := time.ParseInLocation(time.DateOnly, raw, h.location)
		if err != nil {
			h.writeError(w, &ValidationError{Field: p.name, Reason: "must be YYYY-MM-DD"})
			return
		}
		*p.target = &d
	}
	items, pagination, err := h.service.ListInvoices(r.Context(), vendorID, filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if items == nil {
		items = []Summary{}
	}
	httpx.JSON(w, http.StatusOK, listResponse{Data: items, Pagination: pagination})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	vendorID, ok := h.vendor(w, r)
	if !ok {
		return
	}
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	inv, err := h.service.GetInvoice(r.Context(), vendorID, id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	vendorID, ok := h.vendor(w, r)
	if !ok {
		return
	}
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	var req UpdateStatusRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	inv, err := h.service.UpdateStatus(r.Context(), vendorID, id, req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) vendor(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	vendorID, err := shared.VendorFromContext(r.Context())
	if err != nil {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
		return uuid.Nil, false
	}
	return vendorID, true
}

func (h *Handler) invoiceID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteProblem(w, httpx.ProblemDetail{Title: "Invalid Invoice", Status: http.StatusBadRequest, Detail: "invoice id must be a uuid", Field: "id"})
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var (
		verr *ValidationError
		serr *InsufficientStockError
		aerr *AllocationError
		perr *PersistenceError
		terr *InvalidTransitionError
	)
	switch {
	case errors.As(err, &verr):
		p := httpx.ProblemDetail{Title: "Validation Failed", Status: http.StatusBadRequest, Detail: err.Error(), Code: "validation", Field: verr.Field}
		if verr.Line > 0 {
			line := verr.Line
			p.Line = &line
		}
		httpx.WriteProblem(w, p)
	case errors.Is(err, context.DeadlineExceeded):
		httpx.WriteProblem(w, httpx.ProblemDetail{Title: "Timeout", Status: http.StatusGatewayTimeout, Detail: "invoice creation did not finish in time; no stock was taken", Code: "deadline"})
	case errors.As(err, &serr):
		line := serr.Line
		p := httpx.ProblemDetail{Status: http.StatusConflict, Detail: err.Error(), Line: &line, ProductID: serr.ProductID.String()}
		switch {
		case errors.Is(err, inventory.ErrProductNotFound):
			p.Title, p.Status, p.Code = "Product Not Found", http.StatusNotFound, "product_not_found"
		case errors.Is(err, inventory.ErrProductExpired):
			p.Title, p.Code = "Product Expired", "product_expired"
		default:
			p.Title, p.Code = "Insufficient Stock", "insufficient_stock"
		}
		httpx.WriteProblem(w, p)
	case errors.As(err, &aerr):
		h.logger.Error("invoice number allocation failed", slog.Any("error", err))
		httpx.WriteProblem(w, httpx.ProblemDetail{Title: "Allocation Failed", Status: http.StatusServiceUnavailable, Detail: "invoice number could not be allocated; retry later", Code: "allocation"})
	case errors.As(err, &perr):
		h.logger.Error("invoice persistence failed", slog.Any("error", err))
		httpx.WriteProblem(w, httpx.ProblemDetail{Title: "Persistence Failed", Status: http.StatusInternalServerError, Code: "persistence"})
	case errors.As(err, &terr):
		httpx.WriteProblem(w, httpx.ProblemDetail{Title: "Invalid Transition", Status: http.StatusConflict, Detail: err.Error(), Code: "invalid_transition", Field: "status"})
	case errors.Is(err, ErrStatusConflict):
		httpx.WriteProblem(w, httpx.ProblemDetail{Title: "Conflict", Status: http.StatusConflict, Detail: err.Error(), Code: "status_conflict"})
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.WriteProblem(w, httpx.ProblemDetail{Title: "Duplicate Request", Status: http.StatusConflict, Detail: err.Error(), Code: "idempotency"})
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrForbidden):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, pharmacist.ErrNotFound):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "vendor profile missing")
	default:
		h.logger.Error("invoice request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
