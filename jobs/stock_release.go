package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/medbazaar/medbazaar/internal/inventory"
	jobmetrics "github.com/medbazaar/medbazaar/internal/jobs"
)

// StockReleaser returns the units recorded under a hold.
type StockReleaser interface {
	Release(ctx context.Context, vendorID uuid.UUID, hold inventory.Hold) (inventory.Released, error)
}

// StockReleaseJob retries compensations that failed while an invoice attempt
// was aborting. asynq keeps retrying with backoff until the release lands.
type StockReleaseJob struct {
	Releaser StockReleaser
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewStockReleaseJob constructs the handler.
func NewStockReleaseJob(releaser StockReleaser, logger *slog.Logger, metrics *jobmetrics.Metrics) *StockReleaseJob {
	return &StockReleaseJob{Releaser: releaser, Logger: logger, Metrics: metrics}
}

// Handle executes one release.
func (j *StockReleaseJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Releaser == nil {
		return errors.New("stock release: handler not configured")
	}
	var payload StockReleasePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.AttemptID == uuid.Nil || payload.Line <= 0 {
		return fmt.Errorf("stock release: hold %s/%d: %w", payload.AttemptID, payload.Line, asynq.SkipRetry)
	}
	tracker := metricsOrDefault(j.Metrics).Track(TaskStockRelease)
	defer func() { err = tracker.End(err) }()

	logger := jobLogger(j.Logger, TaskStockRelease).With(
		slog.String("attempt_id", payload.AttemptID.String()),
		slog.Int("line", payload.Line),
		slog.String("product_id", payload.ProductID.String()),
		slog.Int64("qty", payload.Quantity),
	)
	released, err := j.Releaser.Release(ctx, payload.VendorID, inventory.Hold{AttemptID: payload.AttemptID, Line: payload.Line})
	switch {
	case errors.Is(err, inventory.ErrHoldNotFound):
		logger.Info("stock hold already settled")
		return nil
	case err != nil:
		logger.Warn("stock release retry failed", slog.Any("error", err))
		return err
	}
	logger.Info("stock released", slog.Int64("released", released.Quantity), slog.Int64("remaining", released.Remaining))
	return nil
}
