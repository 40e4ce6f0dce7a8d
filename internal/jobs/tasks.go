package jobs

import (
	"context"
	"fmt"
	"time"

	"collections-dialer/pkg/logger"

	"github.com/hibiken/asynq"
)

const (
	// QueueName is the asynq queue the dialer's maintenance tasks run on.
	QueueName = "dialer_maintenance"

	TypeReconcile = "dialer:reconcile"
)

// NewReconcileTask builds the periodic reconciliation task. It carries no
// payload and is never retried; the next tick covers a failed run.
func NewReconcileTask() *asynq.Task {
	return asynq.NewTask(TypeReconcile, nil, asynq.Queue(QueueName), asynq.MaxRetry(0))
}

// ProcessTask implements asynq.Handler.
func (r *Reconciler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	ctx = logger.With(ctx, logger.From(ctx).With("task", t.Type()))
	_, err := r.Run(ctx)
	return err
}

// RegisterHandlers wires the dialer's task handlers into mux.
func RegisterHandlers(mux *asynq.ServeMux, r *Reconciler) {
	mux.Handle(TypeReconcile, r)
}

// NewServer builds the worker server for the maintenance queue.
func NewServer(opt asynq.RedisConnOpt, concurrency int) *asynq.Server {
	if concurrency <= 0 {
		concurrency = 1
	}
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{QueueName: 1},
	})
}

// NewScheduler enqueues the reconciliation task on cronspec, e.g. "@every 1m".
// Overlapping ticks are collapsed while a run is still pending.
func NewScheduler(opt asynq.RedisConnOpt, cronspec string) (*asynq.Scheduler, error) {
	if cronspec == "" {
		return nil, fmt.Errorf("jobs: reconcile schedule is required")
	}
	s := asynq.NewScheduler(opt, &asynq.SchedulerOpts{Location: time.UTC})
	if _, err := s.Register(cronspec, NewReconcileTask(), asynq.Unique(time.Minute)); err != nil {
		return nil, fmt.Errorf("jobs: register reconcile: %w", err)
	}
	return s, nil
}
