package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/medbazaar/medbazaar/internal/jobs"
	"github.com/medbazaar/medbazaar/internal/pharmacist"
)

// VendorDirectory resolves the vendor to alert.
type VendorDirectory interface {
	Snapshot(ctx context.Context, vendorID uuid.UUID) (pharmacist.Snapshot, error)
}

// LowStockJob tells a vendor that a product is running out.
type LowStockJob struct {
	Vendors  VendorDirectory
	Notifier *Notifier
	Mailer   Mailer
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// Handle processes TaskLowStock.
func (j *LowStockJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Vendors == nil || j.Notifier == nil || j.Mailer == nil {
		return errors.New("low stock: handler not configured")
	}
	var payload LowStockPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	metrics := metricsOrDefault(j.Metrics)
	tracker := metrics.Track(TaskLowStock)
	defer func() { err = tracker.End(err) }()

	logger := jobLogger(j.Logger, TaskLowStock).With(
		slog.String("vendor_id", payload.VendorID.String()),
		slog.String("product_id", payload.ProductID.String()),
		slog.Int64("remaining", payload.Remaining),
	)
	logger.Warn("product low on stock", slog.String("name", payload.Name))
	metrics.AddLowStock(1)

	vendor, err := j.Vendors.Snapshot(ctx, payload.VendorID)
	if errors.Is(err, pharmacist.ErrNotFound) {
		return asynq.SkipRetry
	}
	if err != nil {
		return err
	}
	if vendor.Email == "" {
		return nil
	}
	return j.Mailer.Send(ctx, j.Notifier.LowStockMail(vendor, payload))
}
