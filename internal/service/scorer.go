package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"gaswatcher/internal/alerting"
	"gaswatcher/internal/fetcher"
	"gaswatcher/internal/metrics"
	"gaswatcher/internal/storage"
)

// ContestStore is the part of the record store the scorer needs.
type ContestStore interface {
	storage.PredictionStore
	storage.LeaderboardStore
}

// ScorerOptions tune a scoring run.
type ScorerOptions struct {
	Winners        int
	MaxConcurrency int
	LockKey        int64
}

// Scorer settles one contest day.
type Scorer struct {
	source   fetcher.Source
	store    ContestStore
	notifier alerting.Notifier
	locker   storage.AdvisoryLocker
	opts     ScorerOptions
	logger   zerolog.Logger
}

// NewScorer wires the scorer. locker is optional.
func NewScorer(source fetcher.Source, store ContestStore, notifier alerting.Notifier, locker storage.AdvisoryLocker, opts ScorerOptions, logger zerolog.Logger) *Scorer {
	if opts.Winners <= 0 {
		opts.Winners = 3
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}
	return &Scorer{
		source:   source,
		store:    store,
		notifier: notifier,
		locker:   locker,
		opts:     opts,
		logger:   logger.With().Str("component", "prediction_scorer").Logger(),
	}
}

// RunOnce scores day. A day that already has a leaderboard is left alone (ErrAlreadyScored).
// A price fetch failure aborts before anything is written; no entries means no leaderboard
// (ErrNoPredictions). Winner notifications are isolated from each other and from the leaderboard write.
func (s *Scorer) RunOnce(ctx context.Context, day string) (storage.LeaderboardResult, error) {
	return s.score(ctx, day, false)
}

// Rescore scores day even if it was settled before, replacing the stored leaderboard and
// notifying the winners again. The settlement price is whatever the providers report now.
func (s *Scorer) Rescore(ctx context.Context, day string) (storage.LeaderboardResult, error) {
	return s.score(ctx, day, true)
}

func (s *Scorer) score(ctx context.Context, day string, force bool) (storage.LeaderboardResult, error) {
	if _, err := time.Parse(storage.DayLayout, day); err != nil {
		return storage.LeaderboardResult{}, fmt.Errorf("invalid day %q: %w", day, err)
	}
	logger := s.logger.With().Str("day", day).Bool("force", force).Logger()

	unlock, proceed, err := acquireLock(ctx, s.locker, s.opts.LockKey)
	if err != nil {
		return storage.LeaderboardResult{}, err
	}
	if !proceed {
		logger.Debug().Msg("skip scoring because advisory lock held elsewhere")
		return storage.LeaderboardResult{}, ErrLockHeld
	}
	if unlock != nil {
		defer unlock()
	}

	if !force {
		existing, err := s.store.GetLeaderboard(ctx, day)
		switch {
		case err == nil:
			logger.Info().Str("settlement_usd", existing.SettlementPrice.String()).Msg("该日已结算，跳过")
			return existing, fmt.Errorf("%w: %s", ErrAlreadyScored, day)
		case !errors.Is(err, storage.ErrNotFound):
			return storage.LeaderboardResult{}, fmt.Errorf("%w: get leaderboard %s: %w", ErrStoreFailure, day, err)
		}
	}

	reading, err := s.source.Fetch(ctx, fetcher.KindPrice)
	if err != nil {
		logger.Error().Err(err).Msg("价格获取失败，本日结算中止，需要手动重跑")
		return storage.LeaderboardResult{}, err
	}

	entries, err := s.store.ListPredictions(ctx, day)
	if err != nil {
		return storage.LeaderboardResult{}, fmt.Errorf("%w: list predictions %s: %w", ErrStoreFailure, day, err)
	}
	if len(entries) == 0 {
		logger.Info().Msg("no predictions found")
		return storage.LeaderboardResult{}, fmt.Errorf("%w: %s", ErrNoPredictions, day)
	}

	result := Rank(day, reading.PriceUSD, entries, s.opts.Winners)
	if err := s.store.UpsertLeaderboard(ctx, result); err != nil {
		return storage.LeaderboardResult{}, fmt.Errorf("%w: upsert leaderboard %s: %w", ErrStoreFailure, day, err)
	}
	metrics.LeaderboardParticipants.Set(float64(result.TotalParticipants))

	byID := make(map[string]storage.PredictionEntry, len(entries))
	for _, e := range entries {
		byID[e.SubscriberID] = e
	}

	var failures atomic.Int32
	var g errgroup.Group
	g.SetLimit(s.opts.MaxConcurrency)
	for _, w := range result.Winners {
		entry := byID[w.SubscriberID]
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					failures.Add(1)
					metrics.NotificationsFailed.WithLabelValues(string(alerting.KindPredictionResult)).Inc()
					logger.Error().Str("panic", fmt.Sprint(r)).Bytes("stack", debug.Stack()).Str("subscriber", w.SubscriberID).Msg("result notification panicked")
				}
			}()
			req := alerting.NotificationRequest{
				Target: alerting.Target{
					ChatID:      entry.DeliveryTarget,
					Group:       entry.Scope == storage.ScopeGroup,
					DisplayName: entry.DisplayName,
				},
				Kind: alerting.KindPredictionResult,
				Prediction: &alerting.PredictionPayload{
					SubscriberID:      w.SubscriberID,
					Day:               day,
					Rank:              w.Rank,
					Guess:             w.Guess,
					SettlementPrice:   result.SettlementPrice,
					Difference:        w.AbsoluteDifference,
					TotalParticipants: result.TotalParticipants,
				},
			}
			if err := s.notifier.Notify(ctx, req); err != nil {
				failures.Add(1)
				metrics.NotificationsFailed.WithLabelValues(string(alerting.KindPredictionResult)).Inc()
				logger.Error().Err(err).Str("subscriber", w.SubscriberID).Str("target", entry.DeliveryTarget).Int("rank", w.Rank).Msg("failed to send result")
				return nil
			}
			metrics.NotificationsSent.WithLabelValues(string(alerting.KindPredictionResult)).Inc()
			return nil
		})
	}
	_ = g.Wait()

	logger.Info().
		Str("settlement_usd", result.SettlementPrice.String()).
		Str("source", reading.Source).
		Int("participants", result.TotalParticipants).
		Int("winners", len(result.Winners)).
		Int32("delivery_failures", failures.Load()).
		Msg("daily prediction results calculated")
	return result, nil
}
