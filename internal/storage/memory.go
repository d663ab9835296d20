package storage

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process RecordStore. It backs the "memory" driver and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	subscriptions map[string]AlertSubscription
	predictions   map[string]map[string]PredictionEntry
	leaderboards  map[string]LeaderboardResult
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subscriptions: make(map[string]AlertSubscription),
		predictions:   make(map[string]map[string]PredictionEntry),
		leaderboards:  make(map[string]LeaderboardResult),
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
func (m *MemoryStore) Close()                     {}

func (m *MemoryStore) UpsertSubscription(_ context.Context, sub AlertSubscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = nowUTC()
	}
	m.mu.Lock()
	m.subscriptions[sub.SubscriberID] = sub
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetSubscription(_ context.Context, subscriberID string) (AlertSubscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subscriptions[subscriberID]
	if !ok {
		return AlertSubscription{}, ErrNotFound
	}
	return sub, nil
}

func (m *MemoryStore) ListActiveSubscriptions(context.Context) ([]AlertSubscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AlertSubscription, 0, len(m.subscriptions))
	for _, sub := range m.subscriptions {
		if sub.Active {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubscriberID < out[j].SubscriberID })
	return out, nil
}

func (m *MemoryStore) DeactivateSubscription(_ context.Context, subscriberID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[subscriberID]
	if !ok {
		return ErrNotFound
	}
	sub.Active = false
	m.subscriptions[subscriberID] = sub
	return nil
}

func (m *MemoryStore) UpsertPrediction(_ context.Context, entry PredictionEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = nowUTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	day, ok := m.predictions[entry.Day]
	if !ok {
		day = make(map[string]PredictionEntry)
		m.predictions[entry.Day] = day
	}
	day[entry.SubscriberID] = entry
	return nil
}

func (m *MemoryStore) ListPredictions(_ context.Context, day string) ([]PredictionEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PredictionEntry, 0, len(m.predictions[day]))
	for _, entry := range m.predictions[day] {
		out = append(out, entry)
	}
	return out, nil
}

func (m *MemoryStore) UpsertLeaderboard(_ context.Context, result LeaderboardResult) error {
	m.mu.Lock()
	m.leaderboards[result.Day] = cloneLeaderboard(result)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetLeaderboard(_ context.Context, day string) (LeaderboardResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result, ok := m.leaderboards[day]
	if !ok {
		return LeaderboardResult{}, ErrNotFound
	}
	return cloneLeaderboard(result), nil
}

func (m *MemoryStore) ListLeaderboards(_ context.Context, from, to string) ([]LeaderboardResult, error) {
	from, to = sortDays(from, to)
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]LeaderboardResult, 0)
	for day, result := range m.leaderboards {
		if day >= from && day <= to {
			out = append(out, cloneLeaderboard(result))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day < out[j].Day })
	return out, nil
}

func cloneLeaderboard(r LeaderboardResult) LeaderboardResult {
	r.Entries = append([]RankedEntry(nil), r.Entries...)
	r.Winners = append([]RankedEntry(nil), r.Winners...)
	return r
}

var _ RecordStore = (*MemoryStore)(nil)
