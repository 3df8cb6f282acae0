// Package queue schedules delivery jobs for signed documents.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// DeliverDocumentTask is scheduled when a finalized document is emailed.
	DeliverDocumentTask = "document:deliver"
)

// DeliverPayload is serialized into the task payload so the worker knows
// which document to deliver and where.
type DeliverPayload struct {
	DocumentID string `json:"document_id"`
	OwnerID    string `json:"owner_id"`
	Recipient  string `json:"recipient"`
}

// Enqueuer abstracts the asynq client so handlers can be tested without
// a live Redis connection.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Scheduler wraps an asynq client behind the delivery-queue surface the
// HTTP layer depends on.
type Scheduler struct {
	client Enqueuer
}

// NewScheduler constructs a delivery scheduler.
func NewScheduler(client Enqueuer) *Scheduler {
	return &Scheduler{client: client}
}

// EnqueueDeliver schedules a delivery job for a signed document.
func (s *Scheduler) EnqueueDeliver(ctx context.Context, payload DeliverPayload) error {
	return EnqueueDeliver(ctx, s.client, payload)
}

// EnqueueDeliver enqueues a signed-document delivery job.
func EnqueueDeliver(ctx context.Context, client Enqueuer, payload DeliverPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(DeliverDocumentTask, data)
	if _, err := client.EnqueueContext(ctx, task, asynq.MaxRetry(5)); err != nil {
		return fmt.Errorf("enqueue deliver task: %w", err)
	}
	return nil
}
