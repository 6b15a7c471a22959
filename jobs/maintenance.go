package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/medbazaar/medbazaar/internal/jobs"
)

// OverdueMarker flips past-due pending invoices to OVERDUE.
type OverdueMarker interface {
	MarkOverdue(ctx context.Context, now time.Time) (int64, error)
}

// MarkOverdueJob runs the scheduled overdue sweep.
type MarkOverdueJob struct {
	Invoices OverdueMarker
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	clock    func() time.Time
}

// NewMarkOverdueJob constructs the sweep handler.
func NewMarkOverdueJob(invoices OverdueMarker, logger *slog.Logger, metrics *jobmetrics.Metrics) *MarkOverdueJob {
	return &MarkOverdueJob{Invoices: invoices, Logger: logger, Metrics: metrics, clock: time.Now}
}

// Handle processes TaskMarkOverdue.
func (j *MarkOverdueJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Invoices == nil {
		return errors.New("mark overdue: handler not configured")
	}
	var payload MarkOverduePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	now := j.now()
	if payload.At != nil {
		now = *payload.At
	}
	metrics := metricsOrDefault(j.Metrics)
	tracker := metrics.Track(TaskMarkOverdue)
	defer func() { err = tracker.End(err) }()

	n, err := j.Invoices.MarkOverdue(ctx, now)
	if err != nil {
		jobLogger(j.Logger, TaskMarkOverdue).Error("overdue sweep failed", slog.Any("error", err))
		return err
	}
	metrics.AddOverdue(n)
	jobLogger(j.Logger, TaskMarkOverdue).Info("overdue sweep complete", slog.Int64("updated", n))
	return nil
}

func (j *MarkOverdueJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now()
}

// KeyPruner removes idempotency keys older than a retention window.
type KeyPruner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// IdempotencyCleanupJob prunes idempotency keys so the table stays small.
type IdempotencyCleanupJob struct {
	Keys    KeyPruner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// Handle processes TaskIdempotencyCleanup.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Keys == nil {
		return errors.New("idempotency cleanup: handler not configured")
	}
	var payload IdempotencyCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Retention <= 0 {
		payload.Retention = 72 * time.Hour
	}
	tracker := metricsOrDefault(j.Metrics).Track(TaskIdempotencyCleanup)
	defer func() { err = tracker.End(err) }()

	n, err := j.Keys.Cleanup(ctx, payload.Retention)
	if err != nil {
		return err
	}
	jobLogger(j.Logger, TaskIdempotencyCleanup).Info("idempotency keys pruned", slog.Int64("deleted", n))
	return nil
}

// HoldSweeper frees stock holds left behind by attempts that never finished.
type HoldSweeper interface {
	ReleaseStaleHolds(ctx context.Context, olderThan time.Duration) (int64, error)
}

// StaleHoldJob is the backstop for compensations that were lost together
// with their retry task.
type StaleHoldJob struct {
	Holds   HoldSweeper
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// Handle processes TaskReleaseStaleHolds.
func (j *StaleHoldJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Holds == nil {
		return errors.New("stale holds: handler not configured")
	}
	var payload ReleaseStaleHoldsPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.OlderThan <= 0 {
		return fmt.Errorf("stale holds: age %s: %w", payload.OlderThan, asynq.SkipRetry)
	}
	tracker := metricsOrDefault(j.Metrics).Track(TaskReleaseStaleHolds)
	defer func() { err = tracker.End(err) }()

	n, err := j.Holds.ReleaseStaleHolds(ctx, payload.OlderThan)
	if err != nil {
		jobLogger(j.Logger, TaskReleaseStaleHolds).Error("stale hold sweep failed", slog.Any("error", err))
		return err
	}
	jobLogger(j.Logger, TaskReleaseStaleHolds).Info("stale hold sweep complete", slog.Int64("released", n))
	return nil
}
