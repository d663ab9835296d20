package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"gaswatcher/internal/metrics"
)

var (
	// ErrBusy is returned when a run of the same job is still in flight. The run is dropped, not queued.
	ErrBusy = errors.New("scheduler: job already running")
	// ErrPanic wraps a panic recovered from a job run.
	ErrPanic = errors.New("scheduler: job panicked")
)

// Guard 保证同一任务不会并发执行。
type Guard struct {
	name    string
	running atomic.Bool
}

// NewGuard returns a guard for the named job.
func NewGuard(name string) *Guard {
	return &Guard{name: name}
}

// Busy reports whether a run currently holds the guard.
func (g *Guard) Busy() bool { return g.running.Load() }

// TryRun executes fn synchronously unless the job is already running, in which case it returns ErrBusy.
func (g *Guard) TryRun(ctx context.Context, fn func(ctx context.Context) error) error {
	if !g.tryAcquire() {
		return ErrBusy
	}
	defer g.release()
	return g.run(ctx, fn)
}

func (g *Guard) tryAcquire() bool {
	if g.running.CompareAndSwap(false, true) {
		return true
	}
	metrics.JobSkipped.WithLabelValues(g.name).Inc()
	return false
}

func (g *Guard) release() {
	g.running.Store(false)
}

// run 捕获 panic，转换为本次执行的错误。
func (g *Guard) run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	start := time.Now()
	status := "ok"
	defer func() {
		if r := recover(); r != nil {
			status = "panic"
			err = fmt.Errorf("%w: %s: %v\n%s", ErrPanic, g.name, r, debug.Stack())
		}
		metrics.JobRuns.WithLabelValues(g.name, status).Inc()
		metrics.JobDuration.WithLabelValues(g.name).Observe(time.Since(start).Seconds())
	}()

	err = fn(ctx)
	if err != nil {
		status = "error"
	}
	return err
}
