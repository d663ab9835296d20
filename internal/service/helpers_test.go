package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"gaswatcher/internal/alerting"
	"gaswatcher/internal/config"
	"gaswatcher/internal/fetcher"
	"gaswatcher/internal/storage"
)

type stubSource struct {
	mu       sync.Mutex
	readings map[fetcher.Kind]fetcher.Reading
	err      error
	calls    int
	block    chan struct{}
	entered  chan struct{}
}

func newGasSource(standard string) *stubSource {
	std := decimal.RequireFromString(standard)
	return &stubSource{readings: map[fetcher.Kind]fetcher.Reading{
		fetcher.KindGasOracle: {
			Kind:      fetcher.KindGasOracle,
			Gas:       fetcher.GasOracle{Safe: std.Sub(decimal.NewFromFloat(0.5)).Abs(), Standard: std, Fast: std.Add(decimal.NewFromInt(1))},
			FetchedAt: time.Date(2025, 1, 2, 10, 5, 0, 0, time.UTC),
			Source:    "stub",
		},
	}}
}

func newPriceSource(usd string) *stubSource {
	return &stubSource{readings: map[fetcher.Kind]fetcher.Reading{
		fetcher.KindPrice: {
			Kind:      fetcher.KindPrice,
			PriceUSD:  decimal.RequireFromString(usd),
			FetchedAt: time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC),
			Source:    "stub",
		},
	}}
}

func (s *stubSource) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *stubSource) Fetch(ctx context.Context, kind fetcher.Kind) (fetcher.Reading, error) {
	s.mu.Lock()
	s.calls++
	err := s.err
	reading, ok := s.readings[kind]
	block, entered := s.block, s.entered
	s.entered = nil
	s.mu.Unlock()

	if entered != nil {
		close(entered)
	}
	if block != nil {
		<-block
	}
	if err != nil {
		return fetcher.Reading{}, err
	}
	if !ok {
		return fetcher.Reading{}, fmt.Errorf("%w: no stub for %s", fetcher.ErrFetchFailure, kind)
	}
	return reading, nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	sent    []alerting.NotificationRequest
	failOn  map[string]bool
	panicOn map[string]bool
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{failOn: make(map[string]bool), panicOn: make(map[string]bool)}
}

func (n *recordingNotifier) Notify(_ context.Context, req alerting.NotificationRequest) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.panicOn[req.Target.ChatID] {
		panic("telegram client blew up")
	}
	if n.failOn[req.Target.ChatID] {
		return fmt.Errorf("%w: chat %s unreachable", alerting.ErrDelivery, req.Target.ChatID)
	}
	n.sent = append(n.sent, req)
	return nil
}

func (n *recordingNotifier) requests() []alerting.NotificationRequest {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]alerting.NotificationRequest(nil), n.sent...)
}

// flakyStore fails selected writes on top of the in-memory store.
type flakyStore struct {
	*storage.MemoryStore
	mu              sync.Mutex
	failDeactivate  bool
	failList        bool
	failLeaderboard bool
	panicDeactivate map[string]bool
}

var errInjected = errors.New("injected store failure")

func (f *flakyStore) ListActiveSubscriptions(ctx context.Context) ([]storage.AlertSubscription, error) {
	f.mu.Lock()
	fail := f.failList
	f.mu.Unlock()
	if fail {
		return nil, errInjected
	}
	return f.MemoryStore.ListActiveSubscriptions(ctx)
}

func (f *flakyStore) DeactivateSubscription(ctx context.Context, id string) error {
	f.mu.Lock()
	fail := f.failDeactivate
	explode := f.panicDeactivate[id]
	f.mu.Unlock()
	if explode {
		panic("store driver blew up")
	}
	if fail {
		return errInjected
	}
	return f.MemoryStore.DeactivateSubscription(ctx, id)
}

func (f *flakyStore) UpsertLeaderboard(ctx context.Context, r storage.LeaderboardResult) error {
	f.mu.Lock()
	fail := f.failLeaderboard
	f.mu.Unlock()
	if fail {
		return errInjected
	}
	return f.MemoryStore.UpsertLeaderboard(ctx, r)
}

type mapMarker struct {
	mu   sync.Mutex
	keys map[string]bool
	err  error
}

func newMapMarker() *mapMarker { return &mapMarker{keys: make(map[string]bool)} }

func (m *mapMarker) AlertKey(id string, createdAt time.Time) string {
	return fmt.Sprintf("alert:%s:%d", id, createdAt.UnixNano())
}

func (m *mapMarker) Seen(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	return m.keys[key], nil
}

func (m *mapMarker) Mark(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = true
	return nil
}

type fakeLocker struct {
	acquired bool
	unlocked int
}

func (l *fakeLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	if !l.acquired {
		return nil, false, nil
	}
	return func() { l.unlocked++ }, true, nil
}

func putSubscription(store storage.SubscriptionStore, id, threshold string) {
	err := store.UpsertSubscription(context.Background(), storage.AlertSubscription{
		SubscriberID:   id,
		DeliveryTarget: id,
		Scope:          storage.ScopePrivate,
		Threshold:      decimal.RequireFromString(threshold),
		Active:         true,
		CreatedAt:      time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC),
		DisplayName:    id,
	})
	if err != nil {
		panic(err)
	}
}

func putPrediction(store storage.PredictionStore, day, id, guess string, at time.Time) {
	err := store.UpsertPrediction(context.Background(), storage.PredictionEntry{
		Day:            day,
		SubscriberID:   id,
		Guess:          decimal.RequireFromString(guess),
		RecordedAt:     at,
		DeliveryTarget: "chat-" + id,
		Scope:          storage.ScopePrivate,
		DisplayName:    id,
	})
	if err != nil {
		panic(err)
	}
}

func nopLogger() zerolog.Logger { return zerolog.Nop() }

func testSchedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		Alerts:      config.JobConfig{Enabled: true, Interval: 5 * time.Minute, AlignToBucket: true},
		Predictions: config.JobConfig{Enabled: true, Interval: 24 * time.Hour, AlignToBucket: true},
	}
}
