package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/medbazaar/medbazaar/internal/inventory"
	"github.com/medbazaar/medbazaar/internal/pharmacist"
)

type enqueued struct {
	task *asynq.Task
	opts []asynq.Option
}

type fakeEnqueuer struct {
	mu     sync.Mutex
	tasks  []enqueued
	err    error
	closed bool
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, enqueued{task: task, opts: opts})
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

func (f *fakeEnqueuer) Close() error {
	f.closed = true
	return nil
}

type fakeReleaser struct {
	calls []inventory.Hold
	err   error
}

func (f *fakeReleaser) Release(_ context.Context, _ uuid.UUID, hold inventory.Hold) (inventory.Released, error) {
	f.calls = append(f.calls, hold)
	if f.err != nil {
		return inventory.Released{}, f.err
	}
	return inventory.Released{Quantity: 2, Remaining: 12}, nil
}

type fakeSweeper struct {
	olderThan time.Duration
	n         int64
	err       error
}

func (f *fakeSweeper) ReleaseStaleHolds(_ context.Context, olderThan time.Duration) (int64, error) {
	f.olderThan = olderThan
	return f.n, f.err
}

type recordingMailer struct {
	sent []SendEmailPayload
	err  error
}

func (m *recordingMailer) Send(_ context.Context, msg SendEmailPayload) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

type staticVendors struct {
	snapshot pharmacist.Snapshot
	err      error
}

func (v staticVendors) Snapshot(_ context.Context, vendorID uuid.UUID) (pharmacist.Snapshot, error) {
	if v.err != nil {
		return pharmacist.Snapshot{}, v.err
	}
	s := v.snapshot
	s.ID = vendorID
	return s, nil
}

type fakeMarker struct {
	at time.Time
	n  int64
}

func (m *fakeMarker) MarkOverdue(_ context.Context, now time.Time) (int64, error) {
	m.at = now
	return m.n, nil
}

type fakeInspector struct {
	infos map[string]*asynq.QueueInfo
	err   error
}

func (f fakeInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	info, ok := f.infos[queue]
	if !ok {
		return nil, asynq.ErrQueueNotFound
	}
	return info, nil
}
