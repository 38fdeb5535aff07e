package scheduler

import (
	"context"
	"sync"
	"time"

	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// TaskFunc is a periodic unit of work. A returned error marks the run failed
// in metrics but never stops the schedule.
type TaskFunc func(ctx context.Context) error

type task struct {
	name     string
	interval time.Duration
	fn       TaskFunc
}

// Scheduler runs named tasks on fixed intervals. Every task gets its own
// ticker goroutine so a slow task never delays the others. Registration is
// explicit: what runs in the background is visible in one place at startup.
type Scheduler struct {
	tasks  []task
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewScheduler creates an empty scheduler
func NewScheduler() *Scheduler {
	return &Scheduler{logger: util.GetLogger()}
}

// Add registers a task. Must be called before Start.
func (s *Scheduler) Add(name string, interval time.Duration, fn TaskFunc) {
	s.tasks = append(s.tasks, task{name: name, interval: interval, fn: fn})
}

// Start launches one goroutine per task and returns immediately. Tasks run
// until ctx is cancelled; use Wait for drain on shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.run(ctx, t)
	}
	s.logger.Info("Scheduler started", zap.Int("tasks", len(s.tasks)))
}

// Wait blocks until all task goroutines have exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, t task) {
	defer s.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduled task stopped", zap.String("task", t.name))
			return
		case <-ticker.C:
			if err := t.fn(ctx); err != nil {
				util.ScheduledTaskRunsTotal.WithLabelValues(t.name, "error").Inc()
				s.logger.Error("Scheduled task failed",
					zap.String("task", t.name),
					zap.Error(err))
				continue
			}
			util.ScheduledTaskRunsTotal.WithLabelValues(t.name, "ok").Inc()
		}
	}
}
