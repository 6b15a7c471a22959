package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueCritical carries stock compensation retries ahead of everything else.
	QueueCritical = "critical"

	// TaskTypeSendEmail is the task type for sending transactional emails.
	TaskTypeSendEmail = "mail:send"
	// TaskStockRelease retries a stock release that failed during an aborted invoice.
	TaskStockRelease = "inventory:release"
	// TaskLowStock notifies a vendor that a product is running out.
	TaskLowStock = "inventory:low-stock"
	// TaskMarkOverdue moves past-due pending invoices to OVERDUE.
	TaskMarkOverdue = "invoice:mark-overdue"
	// TaskIdempotencyCleanup prunes expired idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
	// TaskReleaseStaleHolds returns stock held by attempts that never finished.
	TaskReleaseStaleHolds = "inventory:release-stale"
)

// SendEmailPayload describes the information required to send an email.
type SendEmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// StockReleasePayload names the hold to release. ProductID and Quantity are
// carried for logs; the hold itself records what was taken.
type StockReleasePayload struct {
	AttemptID uuid.UUID `json:"attempt_id"`
	Line      int       `json:"line"`
	VendorID  uuid.UUID `json:"vendor_id"`
	ProductID uuid.UUID `json:"product_id"`
	Quantity  int64     `json:"quantity"`
}

// LowStockPayload reports the remaining quantity after a sale.
type LowStockPayload struct {
	VendorID  uuid.UUID `json:"vendor_id"`
	ProductID uuid.UUID `json:"product_id"`
	Name      string    `json:"name"`
	Remaining int64     `json:"remaining"`
}

// MarkOverduePayload is empty for scheduled runs; At overrides the clock.
type MarkOverduePayload struct {
	At *time.Time `json:"at,omitempty"`
}

// ReleaseStaleHoldsPayload sets the age after which a hold is abandoned.
type ReleaseStaleHoldsPayload struct {
	OlderThan time.Duration `json:"older_than"`
}

// IdempotencyCleanupPayload sets how long claimed keys are kept.
type IdempotencyCleanupPayload struct {
	Retention time.Duration `json:"retention"`
}

// NewSendEmailTask constructs an Asynq task.
func NewSendEmailTask(payload SendEmailPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data), nil
}

// NewStockReleaseTask builds a release retry. Each (attempt, line) hold is
// enqueued at most once.
func NewStockReleaseTask(payload StockReleasePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStockRelease, data,
		asynq.Queue(QueueCritical),
		asynq.MaxRetry(25),
		asynq.TaskID(stockReleaseTaskID(payload)),
	), nil
}

func stockReleaseTaskID(payload StockReleasePayload) string {
	return fmt.Sprintf("release:%s:%d", payload.AttemptID, payload.Line)
}

// NewLowStockTask builds a low-stock notification.
func NewLowStockTask(payload LowStockPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLowStock, data, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}

// NewMarkOverdueTask builds the overdue sweep task used by the scheduler.
func NewMarkOverdueTask() (*asynq.Task, error) {
	data, err := json.Marshal(MarkOverduePayload{})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskMarkOverdue, data, asynq.Queue(QueueDefault)), nil
}

// NewIdempotencyCleanupTask builds the key pruning task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(IdempotencyCleanupPayload{Retention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data, asynq.Queue(QueueDefault)), nil
}

// NewReleaseStaleHoldsTask builds the abandoned hold sweep.
func NewReleaseStaleHoldsTask(olderThan time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(ReleaseStaleHoldsPayload{OlderThan: olderThan})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReleaseStaleHolds, data, asynq.Queue(QueueCritical)), nil
}
