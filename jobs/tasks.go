package jobs

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"

	"github.com/authcore-io/authcore/internal/audit"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeAuditDeliver carries a batched audit event to the sink.
	TaskTypeAuditDeliver = "audit:deliver"
	// TaskTypeElevationSweep expires stale permission elevations.
	TaskTypeElevationSweep = "elevation:sweep"
)

// AuditDeliverPayload wraps a single audit event for queued delivery.
type AuditDeliverPayload struct {
	Event audit.Event `json:"event"`
}

// NewAuditDeliverTask constructs an Asynq task.
func NewAuditDeliverTask(payload AuditDeliverPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeAuditDeliver, data, asynq.MaxRetry(5)), nil
}

// NewElevationSweepTask constructs the periodic sweep task.
func NewElevationSweepTask() *asynq.Task {
	return asynq.NewTask(TaskTypeElevationSweep, nil)
}

// AuditEnqueuer submits audit events to the queue. It satisfies the
// emitter's Enqueuer contract.
type AuditEnqueuer struct {
	client *asynq.Client
}

// NewAuditEnqueuer constructs an AuditEnqueuer on a shared asynq client.
func NewAuditEnqueuer(client *asynq.Client) *AuditEnqueuer {
	return &AuditEnqueuer{client: client}
}

// EnqueueAuditEvent queues one event for background delivery.
func (a *AuditEnqueuer) EnqueueAuditEvent(ctx context.Context, e audit.Event) error {
	task, err := NewAuditDeliverTask(AuditDeliverPayload{Event: e})
	if err != nil {
		return err
	}
	_, err = a.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault))
	return err
}

// Close releases the underlying client.
func (a *AuditEnqueuer) Close() error {
	return a.client.Close()
}
