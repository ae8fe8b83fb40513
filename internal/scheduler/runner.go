package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Task is a function run on a fixed interval
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Runner runs periodic tasks in background goroutines
type Runner struct {
	tasks  []Task
	logger *slog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a task runner
func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{logger: logger}
}

// Add registers a task. Call before Start.
func (r *Runner) Add(task Task) {
	r.tasks = append(r.tasks, task)
}

// Start launches one loop per task. A task with a non-positive interval is
// disabled.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	for _, task := range r.tasks {
		if task.Interval <= 0 {
			r.logger.Info("task is disabled", slog.String("task", task.Name))
			continue
		}

		r.logger.Info("starting task",
			slog.String("task", task.Name),
			slog.Duration("interval", task.Interval),
		)

		r.wg.Add(1)
		go r.run(ctx, task)
	}
}

// Stop cancels every loop and waits for running tasks to return
func (r *Runner) Stop() {
	if r.cancel == nil {
		return
	}

	r.logger.Info("stopping task runner")
	r.cancel()
	r.wg.Wait()
	r.logger.Info("task runner stopped")
}

// run is the loop of a single task
func (r *Runner) run(ctx context.Context, task Task) {
	defer r.wg.Done()

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.execute(ctx, task)
		}
	}
}

// execute runs one iteration; a failing task keeps its schedule
func (r *Runner) execute(ctx context.Context, task Task) {
	start := time.Now()
	if err := task.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		r.logger.Warn("task failed",
			slog.String("task", task.Name),
			slog.String("error", err.Error()),
		)
		return
	}

	r.logger.Debug("task finished",
		slog.String("task", task.Name),
		slog.Duration("duration", time.Since(start)),
	)
}
