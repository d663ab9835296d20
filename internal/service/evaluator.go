package service

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"gaswatcher/internal/alerting"
	"gaswatcher/internal/fetcher"
	"gaswatcher/internal/metrics"
	"gaswatcher/internal/storage"
)

// Marker records that a subscription's notification was already submitted.
// Implemented by dedup.Deduplicator.
type Marker interface {
	AlertKey(subscriberID string, createdAt time.Time) string
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

// EvaluatorOptions tune a tick.
type EvaluatorOptions struct {
	MaxConcurrency int
	LockKey        int64
}

// EvaluationSummary reports what one tick did.
type EvaluationSummary struct {
	Skipped          bool
	Reading          fetcher.Reading
	Evaluated        int
	Triggered        int
	Notified         int
	Deduplicated     int
	Deactivated      int
	DeliveryFailures int
	StoreFailures    int
}

// Evaluator compares active subscriptions against one gas reading per tick.
type Evaluator struct {
	source   fetcher.Source
	store    storage.SubscriptionStore
	notifier alerting.Notifier
	marker   Marker
	locker   storage.AdvisoryLocker
	opts     EvaluatorOptions
	logger   zerolog.Logger
}

// NewEvaluator wires the evaluator. marker and locker are optional.
func NewEvaluator(source fetcher.Source, store storage.SubscriptionStore, notifier alerting.Notifier, marker Marker, locker storage.AdvisoryLocker, opts EvaluatorOptions, logger zerolog.Logger) *Evaluator {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}
	return &Evaluator{
		source:   source,
		store:    store,
		notifier: notifier,
		marker:   marker,
		locker:   locker,
		opts:     opts,
		logger:   logger.With().Str("component", "alert_evaluator").Logger(),
	}
}

// RunOnce fetches gas once and evaluates every active subscription against that reading.
// A fetch failure makes the tick a no-op. Per-subscription failures are counted, not returned.
func (e *Evaluator) RunOnce(ctx context.Context) (EvaluationSummary, error) {
	unlock, proceed, err := acquireLock(ctx, e.locker, e.opts.LockKey)
	if err != nil {
		return EvaluationSummary{}, err
	}
	if !proceed {
		e.logger.Debug().Msg("skip tick because advisory lock held elsewhere")
		return EvaluationSummary{Skipped: true}, nil
	}
	if unlock != nil {
		defer unlock()
	}

	reading, err := e.source.Fetch(ctx, fetcher.KindGasOracle)
	if err != nil {
		e.logger.Warn().Err(err).Msg("gas 数据不可用，本轮跳过")
		return EvaluationSummary{}, err
	}

	subs, err := e.store.ListActiveSubscriptions(ctx)
	if err != nil {
		return EvaluationSummary{Reading: reading}, fmt.Errorf("%w: list active subscriptions: %w", ErrStoreFailure, err)
	}
	metrics.SubscriptionsActive.Set(float64(len(subs)))

	summary := EvaluationSummary{Reading: reading, Evaluated: len(subs)}
	var mu sync.Mutex
	record := func(fn func(s *EvaluationSummary)) {
		mu.Lock()
		fn(&summary)
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(e.opts.MaxConcurrency)
	for _, sub := range subs {
		g.Go(func() error {
			e.evaluate(ctx, reading, sub, record)
			return nil
		})
	}
	_ = g.Wait()

	e.logger.Info().
		Str("standard_gwei", reading.Gas.Standard.String()).
		Str("source", reading.Source).
		Int("evaluated", summary.Evaluated).
		Int("triggered", summary.Triggered).
		Int("notified", summary.Notified).
		Int("deactivated", summary.Deactivated).
		Int("delivery_failures", summary.DeliveryFailures).
		Int("store_failures", summary.StoreFailures).
		Msg("alert evaluation finished")
	return summary, nil
}

func (e *Evaluator) evaluate(ctx context.Context, reading fetcher.Reading, sub storage.AlertSubscription, record func(func(*EvaluationSummary))) {
	if !reading.Gas.Standard.LessThan(sub.Threshold) {
		return
	}
	record(func(s *EvaluationSummary) { s.Triggered++ })
	metrics.AlertsTriggered.Inc()

	logger := e.logger.With().
		Str("subscriber", sub.SubscriberID).
		Str("target", sub.DeliveryTarget).
		Str("threshold", sub.Threshold.String()).
		Logger()

	// panic 只影响当前订阅：通知前算投递失败，之后算存储失败
	delivered := false
	defer func() {
		if r := recover(); r != nil {
			if !delivered {
				metrics.NotificationsFailed.WithLabelValues(string(alerting.KindAlertTriggered)).Inc()
			}
			record(func(s *EvaluationSummary) {
				if delivered {
					s.StoreFailures++
				} else {
					s.DeliveryFailures++
				}
			})
			logger.Error().Str("panic", fmt.Sprint(r)).Bytes("stack", debug.Stack()).Msg("subscription evaluation panicked")
		}
	}()

	key := ""
	alreadySent := false
	if e.marker != nil {
		key = e.marker.AlertKey(sub.SubscriberID, sub.CreatedAt)
		seen, err := e.marker.Seen(ctx, key)
		if err != nil {
			// 读取失败时照常发送，宁可重复不可遗漏
			logger.Warn().Err(err).Msg("dedup lookup failed, sending anyway")
		}
		alreadySent = seen && err == nil
	}

	if alreadySent {
		delivered = true
		record(func(s *EvaluationSummary) { s.Deduplicated++ })
		metrics.AlertsDeduplicated.Inc()
		logger.Info().Msg("notification already submitted on an earlier tick, deactivating only")
	} else {
		req := alerting.NotificationRequest{
			Target: alerting.Target{
				ChatID:      sub.DeliveryTarget,
				Group:       sub.Scope == storage.ScopeGroup,
				DisplayName: sub.DisplayName,
			},
			Kind: alerting.KindAlertTriggered,
			Alert: &alerting.AlertPayload{
				SubscriberID: sub.SubscriberID,
				StandardGas:  reading.Gas.Standard,
				Threshold:    sub.Threshold,
				ObservedAt:   reading.FetchedAt,
				Source:       reading.Source,
			},
		}
		if err := e.notifier.Notify(ctx, req); err != nil {
			record(func(s *EvaluationSummary) { s.DeliveryFailures++ })
			metrics.NotificationsFailed.WithLabelValues(string(alerting.KindAlertTriggered)).Inc()
			logger.Error().Err(err).Msg("failed to send alert, subscription stays active")
			return
		}
		delivered = true
		record(func(s *EvaluationSummary) { s.Notified++ })
		metrics.NotificationsSent.WithLabelValues(string(alerting.KindAlertTriggered)).Inc()

		if e.marker != nil {
			if err := e.marker.Mark(ctx, key); err != nil {
				logger.Warn().Err(err).Msg("failed to record dedup marker")
			}
		}
	}

	if err := e.store.DeactivateSubscription(ctx, sub.SubscriberID); err != nil {
		record(func(s *EvaluationSummary) { s.StoreFailures++ })
		logger.Error().Err(fmt.Errorf("%w: %w", ErrStoreFailure, err)).Msg("failed to deactivate subscription")
		return
	}
	record(func(s *EvaluationSummary) { s.Deactivated++ })
	metrics.AlertsDeactivated.Inc()
}
