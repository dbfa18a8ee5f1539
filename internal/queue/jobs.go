package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// SweepIntakeTask deletes crash-orphaned intake objects. Scheduled
	// periodically and enqueued once at API startup.
	SweepIntakeTask = "intake:sweep"
)

// SweepPayload carries the grace window so old tasks keep their original
// policy even if config changes between enqueue and execution.
type SweepPayload struct {
	GraceSeconds int64 `json:"grace_seconds"`
}

// NewSweepTask builds the sweep task for scheduler registration.
func NewSweepTask(payload SweepPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(SweepIntakeTask, data), nil
}

// EnqueueSweep enqueues one sweep run.
func EnqueueSweep(ctx context.Context, client *asynq.Client, payload SweepPayload) error {
	task, err := NewSweepTask(payload)
	if err != nil {
		return err
	}
	if _, err := client.EnqueueContext(ctx, task, asynq.MaxRetry(3)); err != nil {
		return fmt.Errorf("enqueue sweep task: %w", err)
	}
	return nil
}
