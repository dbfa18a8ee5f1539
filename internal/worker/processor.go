package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/clarimed/billscan/internal/ephemeral"
	"github.com/clarimed/billscan/internal/queue"
)

// Processor is plugged into the asynq worker loop.
type Processor struct {
	store        *ephemeral.Store
	defaultGrace time.Duration
	log          *slog.Logger
}

// NewProcessor constructs a worker processor.
func NewProcessor(store *ephemeral.Store, defaultGrace time.Duration, log *slog.Logger) *Processor {
	return &Processor{store: store, defaultGrace: defaultGrace, log: log}
}

// Handler registers the sweep job handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.SweepIntakeTask, p.handleSweep)
	return mux
}

func (p *Processor) handleSweep(ctx context.Context, task *asynq.Task) error {
	var payload queue.SweepPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	grace := time.Duration(payload.GraceSeconds) * time.Second
	if grace <= 0 {
		grace = p.defaultGrace
	}
	removed, err := p.store.Sweep(ctx, grace)
	if err != nil {
		p.log.Error("sweep failed", "error", err)
		return err
	}
	p.log.Info("sweep completed", "removed", removed, "grace", grace)
	return nil
}
