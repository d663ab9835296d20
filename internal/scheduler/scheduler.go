package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every aligned interval.
type TickFunc func(ctx context.Context, bucket time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Name         string
	Interval     time.Duration
	AlignToStart bool
	// Offset shifts aligned boundaries, e.g. -8h puts daily buckets on midnight UTC+8.
	Offset       time.Duration
	StartupDelay time.Duration
	// Guard is shared with on-demand runs of the same job. Nil creates a private one.
	Guard *Guard
}

// Scheduler drives aligned execution of one job with skip-if-busy semantics.
type Scheduler struct {
	opts   Options
	guard  *Guard
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	if opts.Name == "" {
		opts.Name = "job"
	}
	guard := opts.Guard
	if guard == nil {
		guard = NewGuard(opts.Name)
	}
	return &Scheduler{
		opts:   opts,
		guard:  guard,
		logger: logger.With().Str("component", "scheduler").Str("job", opts.Name).Logger(),
	}
}

// Run blocks, dispatching the tick function at each aligned interval until ctx is cancelled.
// Ticks run in their own goroutine so a slow tick never delays the clock; a tick that fires
// while the previous one is still running is dropped. Run waits for in-flight ticks before returning.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	defer s.wg.Wait()

	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	next := s.nextTick(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = s.nextTick(time.Now().UTC())
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_bucket", next).Msg("waiting for next bucket")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			timer.Stop()
		}

		s.Dispatch(ctx, s.bucketStart(next), tick)
		next = next.Add(s.opts.Interval)
	}
}

// Dispatch starts one tick in the background. It returns false without running anything when the
// previous tick is still in flight.
func (s *Scheduler) Dispatch(ctx context.Context, bucket time.Time, tick TickFunc) bool {
	if !s.guard.tryAcquire() {
		s.logger.Warn().Time("bucket", bucket).Msg("上一次执行尚未结束，跳过本次 tick")
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.guard.release()

		s.logger.Info().Time("bucket", bucket).Msg("executing scheduled tick")
		err := s.guard.run(ctx, func(ctx context.Context) error { return tick(ctx, bucket) })
		switch {
		case err == nil:
		case errors.Is(err, ErrPanic):
			s.logger.Error().Err(err).Time("bucket", bucket).Msg("tick panicked, recovered")
		default:
			s.logger.Error().Err(err).Time("bucket", bucket).Msg("tick execution failed")
		}
	}()
	return true
}

// Wait blocks until every dispatched tick has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := s.bucketStart(now)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Add(-s.opts.Offset).Truncate(s.opts.Interval).Add(s.opts.Offset)
}
