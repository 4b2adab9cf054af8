// Package scheduler runs the periodic background tasks of a lanepool
// process: the pending-item sweep, the lifecycle clock and webhook dispatch.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"lanepool/internal/logging"
	"lanepool/internal/metrics"
)

var (
	ErrUnknownTask = errors.New("unknown task")
	ErrRunning     = errors.New("scheduler already running")
)

// Task is a named unit of periodic work.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type taskState struct {
	Task
	busy atomic.Bool
}

// Runner owns a set of tasks. Each task has at most one run in flight;
// a tick that arrives while the previous one is still running is skipped.
type Runner struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	tasks   []*taskState
	byName  map[string]*taskState
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func New(logger *zap.Logger, m *metrics.Metrics, tasks ...Task) *Runner {
	r := &Runner{Logger: logging.OrNop(logger), Metrics: m, byName: make(map[string]*taskState)}
	for _, t := range tasks {
		st := &taskState{Task: t}
		r.tasks = append(r.tasks, st)
		r.byName[t.Name] = st
	}
	return r
}

// Tick runs task name once, synchronously. It reports ran=false when a run
// of the same task is already in flight.
func (r *Runner) Tick(ctx context.Context, name string) (ran bool, err error) {
	st, ok := r.byName[name]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return r.run(ctx, st)
}

func (r *Runner) run(ctx context.Context, st *taskState) (bool, error) {
	if !st.busy.CompareAndSwap(false, true) {
		r.Logger.Debug("task still running; tick skipped", zap.String("task", st.Name))
		return false, nil
	}
	defer st.busy.Store(false)
	started := time.Now()
	err := st.Run(ctx)
	r.Metrics.TaskRan(st.Name, time.Since(started).Seconds())
	if err != nil {
		r.Logger.Error("task failed", zap.String("task", st.Name), zap.Error(err))
	}
	return true, err
}

// Start launches one ticker loop per task. Ticks stop when ctx ends or
// Shutdown is called.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.started = true
	for _, st := range r.tasks {
		if st.Interval <= 0 {
			r.Logger.Warn("task disabled; non-positive interval", zap.String("task", st.Name))
			continue
		}
		r.wg.Add(1)
		go r.loop(ctx, st)
	}
	r.Logger.Info("scheduler started", zap.Int("tasks", len(r.tasks)))
	return nil
}

func (r *Runner) loop(ctx context.Context, st *taskState) {
	defer r.wg.Done()
	ticker := time.NewTicker(st.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// in-flight ticks finish on their own context
			_, _ = r.run(context.WithoutCancel(ctx), st)
		}
	}
}

// Shutdown stops accepting ticks and waits for in-flight runs, or for ctx.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	cancel := r.cancel
	started := r.started
	r.started = false
	r.mu.Unlock()
	if !started {
		return nil
	}
	cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.Logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
