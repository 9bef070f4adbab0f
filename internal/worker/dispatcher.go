package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"crowdswap/settler/internal/metrics"
	"crowdswap/settler/internal/models"
	"crowdswap/settler/internal/store"
)

// Dispatcher polls the store for due tasks and feeds them to the
// orchestrator workers. An in-flight set guarantees a task is never
// handled by two workers at once.
type Dispatcher struct {
	tasks    store.TaskStore
	metrics  *metrics.Metrics
	logger   *zap.Logger
	interval time.Duration
	batch    int

	ready chan *models.SettlementTask

	mu       sync.Mutex
	inflight map[int64]struct{}
}

// NewDispatcher creates a dispatcher with the given poll cadence and
// queue depth.
func NewDispatcher(tasks store.TaskStore, m *metrics.Metrics, interval time.Duration, queueSize int, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		tasks:    tasks,
		metrics:  m,
		logger:   logger.Named("dispatcher"),
		interval: interval,
		batch:    queueSize,
		ready:    make(chan *models.SettlementTask, queueSize),
		inflight: make(map[int64]struct{}),
	}
}

// Ready returns the channel of tasks awaiting orchestration.
func (d *Dispatcher) Ready() <-chan *models.SettlementTask {
	return d.ready
}

// Release marks a task as no longer in flight. Called by the worker that
// finished handling it.
func (d *Dispatcher) Release(id int64) {
	d.mu.Lock()
	delete(d.inflight, id)
	d.mu.Unlock()
}

// Run starts the dispatch polling loop.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("Dispatcher started", zap.Duration("poll_interval", d.interval))

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	// Initial poll
	d.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Dispatcher stopping")
			close(d.ready)
			return
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

func (d *Dispatcher) poll(ctx context.Context) {
	due, err := d.tasks.DueTasks(ctx, time.Now(), d.batch)
	if err != nil {
		d.logger.Error("Failed to load due tasks", zap.Error(err))
		return
	}

	for i := range due {
		task := &due[i]

		d.mu.Lock()
		if _, busy := d.inflight[task.ID]; busy {
			d.mu.Unlock()
			continue
		}
		d.inflight[task.ID] = struct{}{}
		d.mu.Unlock()

		select {
		case d.ready <- task:
		case <-ctx.Done():
			d.Release(task.ID)
			return
		default:
			// Workers saturated; the task stays due and is picked up
			// on a later poll.
			d.Release(task.ID)
			d.logger.Warn("Worker queue full, deferring task",
				zap.String("task_id", task.TaskID))
		}
	}

	if d.metrics != nil {
		failed, err := d.tasks.CountByStatus(ctx, models.TaskStatusFailed)
		if err == nil {
			d.metrics.SetFailedTasks(failed)
		}
	}
}
