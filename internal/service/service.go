package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"gaswatcher/internal/config"
	"gaswatcher/internal/scheduler"
	"gaswatcher/internal/storage"
)

const (
	JobAlerts      = "alerts"
	JobPredictions = "predictions"
)

var (
	// ErrStoreFailure wraps record store reads and writes that failed.
	ErrStoreFailure = errors.New("service: record store failure")
	// ErrNoPredictions means the day had no entries; no leaderboard is written.
	ErrNoPredictions = errors.New("service: no predictions for day")
	// ErrAlreadyScored means the day already has a leaderboard; it is only replaced on request.
	ErrAlreadyScored = errors.New("service: day already scored")
	// ErrLockHeld means another replica is running the same job.
	ErrLockHeld = errors.New("service: advisory lock held elsewhere")
)

// Service drives the alert evaluator and the prediction scorer on independent clocks.
type Service struct {
	cfg       config.SchedulerConfig
	evaluator *Evaluator
	scorer    *Scorer
	loc       *time.Location
	guards    map[string]*scheduler.Guard
	logger    zerolog.Logger
}

// New constructs the service. loc defines contest day boundaries.
func New(cfg config.SchedulerConfig, evaluator *Evaluator, scorer *Scorer, loc *time.Location, logger zerolog.Logger) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		cfg:       cfg,
		evaluator: evaluator,
		scorer:    scorer,
		loc:       loc,
		guards: map[string]*scheduler.Guard{
			JobAlerts:      scheduler.NewGuard(JobAlerts),
			JobPredictions: scheduler.NewGuard(JobPredictions),
		},
		logger: logger.With().Str("component", "service").Logger(),
	}
}

// Run blocks until ctx is cancelled. A failing tick of one job never stops the other.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	started := 0

	if s.cfg.Alerts.Enabled {
		sched := scheduler.New(scheduler.Options{
			Name:         JobAlerts,
			Interval:     s.cfg.Alerts.Interval,
			AlignToStart: s.cfg.Alerts.AlignToBucket,
			StartupDelay: s.cfg.Alerts.StartupDelay,
			Guard:        s.guards[JobAlerts],
		}, s.logger)
		g.Go(func() error { return sched.Run(ctx, s.alertTick) })
		started++
	}

	if s.cfg.Predictions.Enabled {
		sched := scheduler.New(scheduler.Options{
			Name:         JobPredictions,
			Interval:     s.cfg.Predictions.Interval,
			AlignToStart: s.cfg.Predictions.AlignToBucket,
			Offset:       s.dayOffset(time.Now()),
			StartupDelay: s.cfg.Predictions.StartupDelay,
			Guard:        s.guards[JobPredictions],
		}, s.logger)
		g.Go(func() error { return sched.Run(ctx, s.predictionTick) })
		started++
	}

	if started == 0 {
		return fmt.Errorf("no scheduled job enabled")
	}
	s.logger.Info().Int("jobs", started).Str("timezone", s.loc.String()).Msg("service started")

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// EvaluateAlertsOnce runs the evaluator now. It returns scheduler.ErrBusy when a tick is in flight.
func (s *Service) EvaluateAlertsOnce(ctx context.Context) (EvaluationSummary, error) {
	var summary EvaluationSummary
	err := s.guards[JobAlerts].TryRun(ctx, func(ctx context.Context) error {
		var runErr error
		summary, runErr = s.evaluator.RunOnce(ctx)
		return runErr
	})
	return summary, err
}

// ScoreDay scores day now, e.g. to re-run after a price outage. A settled day returns
// ErrAlreadyScored unless force is set.
func (s *Service) ScoreDay(ctx context.Context, day string, force bool) (storage.LeaderboardResult, error) {
	var result storage.LeaderboardResult
	err := s.guards[JobPredictions].TryRun(ctx, func(ctx context.Context) error {
		var runErr error
		if force {
			result, runErr = s.scorer.Rescore(ctx, day)
		} else {
			result, runErr = s.scorer.RunOnce(ctx, day)
		}
		return runErr
	})
	return result, err
}

// Busy reports whether the named job is running.
func (s *Service) Busy(job string) bool {
	g, ok := s.guards[job]
	return ok && g.Busy()
}

// Today returns the contest day containing t.
func (s *Service) Today(t time.Time) string {
	return DayOf(t, s.loc)
}

// DayBefore returns the contest day that ended at boundary.
func (s *Service) DayBefore(boundary time.Time) string {
	return DayOf(boundary.Add(-time.Nanosecond), s.loc)
}

// LastClosedDay returns the most recent contest day that has fully ended at now.
func (s *Service) LastClosedDay(now time.Time) string {
	local := now.In(s.loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)
	return s.DayBefore(midnight)
}

// DayOf formats t as a contest day in loc.
func DayOf(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(storage.DayLayout)
}

func (s *Service) alertTick(ctx context.Context, _ time.Time) error {
	_, err := s.evaluator.RunOnce(ctx)
	return err
}

func (s *Service) predictionTick(ctx context.Context, bucket time.Time) error {
	day := s.DayBefore(bucket)
	_, err := s.scorer.RunOnce(ctx, day)
	switch {
	case errors.Is(err, ErrNoPredictions), errors.Is(err, ErrLockHeld), errors.Is(err, ErrAlreadyScored):
		return nil
	case err != nil:
		return fmt.Errorf("score %s: %w", day, err)
	}
	return nil
}

// dayOffset moves daily buckets onto local midnight. The offset is taken once at startup.
func (s *Service) dayOffset(now time.Time) time.Duration {
	_, seconds := now.In(s.loc).Zone()
	return -time.Duration(seconds) * time.Second
}

func acquireLock(ctx context.Context, locker storage.AdvisoryLocker, key int64) (func(), bool, error) {
	if key == 0 || locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := locker.TryAdvisoryLock(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
