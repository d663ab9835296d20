package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"gaswatcher/internal/alerting"
	"gaswatcher/internal/fetcher"
	"gaswatcher/internal/scheduler"
	"gaswatcher/internal/storage"
)

const testDay = "2025-01-02"

func newTestScorer(source fetcher.Source, store ContestStore, notifier alerting.Notifier) *Scorer {
	return NewScorer(source, store, notifier, nil, ScorerOptions{Winners: 3, MaxConcurrency: 2}, nopLogger())
}

func TestRankTieBreaksOnRecordedAt(t *testing.T) {
	base := time.Date(2025, 1, 2, 8, 0, 0, 0, time.UTC)
	entries := []storage.PredictionEntry{
		{SubscriberID: "u1", Guess: decimal.NewFromInt(3000), RecordedAt: base.Add(time.Hour)},
		{SubscriberID: "u2", Guess: decimal.NewFromInt(3100), RecordedAt: base},
		{SubscriberID: "u3", Guess: decimal.NewFromInt(2900), RecordedAt: base.Add(30 * time.Minute)},
	}

	result := Rank(testDay, decimal.NewFromInt(3050), entries, 3)

	want := []string{"u2", "u1", "u3"}
	for i, id := range want {
		if result.Entries[i].SubscriberID != id {
			t.Fatalf("position %d = %s, want %s (%+v)", i, result.Entries[i].SubscriberID, id, result.Entries)
		}
		if result.Entries[i].Rank != i+1 {
			t.Fatalf("rank of %s = %d", id, result.Entries[i].Rank)
		}
	}
	if !result.Entries[0].AbsoluteDifference.Equal(decimal.NewFromInt(50)) || !result.Entries[2].AbsoluteDifference.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("unexpected differences: %+v", result.Entries)
	}
	if len(result.Winners) != 3 || result.TotalParticipants != 3 {
		t.Fatalf("top-3 should be all three: %+v", result)
	}
}

func TestRankIsIdempotent(t *testing.T) {
	base := time.Date(2025, 1, 2, 8, 0, 0, 0, time.UTC)
	entries := []storage.PredictionEntry{
		{SubscriberID: "a", Guess: decimal.RequireFromString("3049.5"), RecordedAt: base},
		{SubscriberID: "b", Guess: decimal.RequireFromString("3050.5"), RecordedAt: base},
		{SubscriberID: "c", Guess: decimal.NewFromInt(2000), RecordedAt: base.Add(time.Minute)},
		{SubscriberID: "d", Guess: decimal.NewFromInt(4100), RecordedAt: base.Add(2 * time.Minute)},
		{SubscriberID: "e", Guess: decimal.NewFromInt(3050), RecordedAt: base.Add(3 * time.Minute)},
	}
	reversed := make([]storage.PredictionEntry, len(entries))
	for i := range entries {
		reversed[len(entries)-1-i] = entries[i]
	}

	price := decimal.NewFromInt(3050)
	first := Rank(testDay, price, entries, 3)
	second := Rank(testDay, price, reversed, 3)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("recomputation differs:\n%+v\n%+v", first, second)
	}
	// a 与 b 差值相同且时间相同，按 subscriber id 决定
	if first.Entries[0].SubscriberID != "e" || first.Entries[1].SubscriberID != "a" || first.Entries[2].SubscriberID != "b" {
		t.Fatalf("unexpected order: %+v", first.Entries)
	}
}

func TestRankLimitsWinners(t *testing.T) {
	entries := []storage.PredictionEntry{
		{SubscriberID: "a", Guess: decimal.NewFromInt(1)},
		{SubscriberID: "b", Guess: decimal.NewFromInt(2)},
	}
	result := Rank(testDay, decimal.NewFromInt(2), entries, 3)
	if len(result.Winners) != 2 {
		t.Fatalf("winners should be capped by participants, got %d", len(result.Winners))
	}
}

func TestScorerWritesLeaderboardAndNotifiesWinners(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	base := time.Date(2025, 1, 2, 8, 0, 0, 0, time.UTC)
	putPrediction(store, testDay, "u1", "3000", base.Add(time.Hour))
	putPrediction(store, testDay, "u2", "3100", base)
	putPrediction(store, testDay, "u3", "2900", base.Add(2*time.Hour))
	putPrediction(store, testDay, "u4", "2500", base)
	putPrediction(store, "2025-01-03", "u9", "3050", base.Add(24*time.Hour))
	notifier := newRecordingNotifier()

	result, err := newTestScorer(newPriceSource("3050"), store, notifier).RunOnce(ctx, testDay)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if result.TotalParticipants != 4 || len(result.Winners) != 3 {
		t.Fatalf("unexpected result: %+v", result)
	}

	stored, err := store.GetLeaderboard(ctx, testDay)
	if err != nil {
		t.Fatalf("leaderboard should be stored: %v", err)
	}
	if !reflect.DeepEqual(stored, result) {
		t.Fatalf("stored leaderboard differs from returned one")
	}

	sent := notifier.requests()
	if len(sent) != 3 {
		t.Fatalf("expected 3 winner notifications, got %d", len(sent))
	}
	ranks := map[string]int{}
	for _, req := range sent {
		if req.Kind != alerting.KindPredictionResult {
			t.Fatalf("unexpected kind %s", req.Kind)
		}
		ranks[req.Target.ChatID] = req.Prediction.Rank
		if !req.Prediction.SettlementPrice.Equal(decimal.NewFromInt(3050)) {
			t.Fatalf("settlement price missing from payload: %+v", req.Prediction)
		}
	}
	if ranks["chat-u2"] != 1 || ranks["chat-u1"] != 2 || ranks["chat-u3"] != 3 {
		t.Fatalf("unexpected ranks: %v", ranks)
	}
	if _, ok := ranks["chat-u4"]; ok {
		t.Fatal("4th place must not be notified")
	}
}

func TestScorerFetchFailureThenManualRerun(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	base := time.Date(2025, 1, 2, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		putPrediction(store, testDay, fmt.Sprintf("u%d", i), fmt.Sprintf("%d", 3000+i*20), base.Add(time.Duration(i)*time.Minute))
	}
	source := newPriceSource("3050")
	source.setErr(fmt.Errorf("%w: price: all down", fetcher.ErrFetchFailure))
	notifier := newRecordingNotifier()
	scorer := newTestScorer(source, store, notifier)

	if _, err := scorer.RunOnce(ctx, testDay); !errors.Is(err, fetcher.ErrFetchFailure) {
		t.Fatalf("want ErrFetchFailure, got %v", err)
	}
	if _, err := store.GetLeaderboard(ctx, testDay); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("no leaderboard may be written on fetch failure, got %v", err)
	}
	if len(notifier.requests()) != 0 {
		t.Fatal("no notifications on fetch failure")
	}

	source.setErr(nil)
	result, err := scorer.RunOnce(ctx, testDay)
	if err != nil {
		t.Fatalf("manual re-run: %v", err)
	}
	// 3040 与 3060 差值都为 10，3040 记录更早
	if result.Entries[0].SubscriberID != "u2" || result.Entries[1].SubscriberID != "u3" {
		t.Fatalf("unexpected ranking after re-run: %+v", result.Entries)
	}
	if result.TotalParticipants != 5 {
		t.Fatalf("participants = %d", result.TotalParticipants)
	}
	entries, _ := store.ListPredictions(ctx, testDay)
	if len(entries) != 5 {
		t.Fatal("entries must be left untouched")
	}
}

func TestScorerNoPredictions(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	_, err := newTestScorer(newPriceSource("3050"), store, newRecordingNotifier()).RunOnce(ctx, testDay)
	if !errors.Is(err, ErrNoPredictions) {
		t.Fatalf("want ErrNoPredictions, got %v", err)
	}
	if _, err := store.GetLeaderboard(ctx, testDay); !errors.Is(err, storage.ErrNotFound) {
		t.Fatal("empty day must not produce a leaderboard")
	}
}

func TestScorerDeliveryFailureIsolated(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	base := time.Date(2025, 1, 2, 8, 0, 0, 0, time.UTC)
	putPrediction(store, testDay, "u1", "3050", base)
	putPrediction(store, testDay, "u2", "3060", base)
	putPrediction(store, testDay, "u3", "3070", base)
	notifier := newRecordingNotifier()
	notifier.failOn["chat-u1"] = true

	if _, err := newTestScorer(newPriceSource("3050"), store, notifier).RunOnce(ctx, testDay); err != nil {
		t.Fatalf("delivery failure must not fail the run: %v", err)
	}
	if got := len(notifier.requests()); got != 2 {
		t.Fatalf("other winners should still be notified, got %d", got)
	}
	if _, err := store.GetLeaderboard(ctx, testDay); err != nil {
		t.Fatalf("leaderboard write must survive delivery failure: %v", err)
	}
}

func TestScorerLeaderboardWriteFailure(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore(), failLeaderboard: true}
	putPrediction(store, testDay, "u1", "3050", time.Now())
	notifier := newRecordingNotifier()

	_, err := newTestScorer(newPriceSource("3050"), store, notifier).RunOnce(context.Background(), testDay)
	if !errors.Is(err, ErrStoreFailure) {
		t.Fatalf("want ErrStoreFailure, got %v", err)
	}
	if len(notifier.requests()) != 0 {
		t.Fatal("winners must not be notified when the leaderboard was not written")
	}
}

func TestScorerKeepsSettledDay(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	base := time.Date(2025, 1, 2, 8, 0, 0, 0, time.UTC)
	putPrediction(store, testDay, "u1", "3000", base)
	putPrediction(store, testDay, "u2", "3100", base.Add(time.Minute))
	notifier := newRecordingNotifier()

	first, err := newTestScorer(newPriceSource("3050"), store, notifier).RunOnce(ctx, testDay)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	sent := len(notifier.requests())

	// 之后价格已变化，重跑不能覆盖历史结果
	later := newTestScorer(newPriceSource("4200"), store, notifier)
	again, err := later.RunOnce(ctx, testDay)
	if !errors.Is(err, ErrAlreadyScored) {
		t.Fatalf("want ErrAlreadyScored, got %v", err)
	}
	if !reflect.DeepEqual(again, first) {
		t.Fatalf("settled leaderboard should be returned unchanged: %+v", again)
	}
	stored, _ := store.GetLeaderboard(ctx, testDay)
	if !stored.SettlementPrice.Equal(decimal.NewFromInt(3050)) {
		t.Fatalf("stored settlement overwritten: %s", stored.SettlementPrice)
	}
	if got := len(notifier.requests()); got != sent {
		t.Fatalf("winners notified again: %d -> %d", sent, got)
	}

	forced, err := later.Rescore(ctx, testDay)
	if err != nil {
		t.Fatalf("Rescore: %v", err)
	}
	if !forced.SettlementPrice.Equal(decimal.NewFromInt(4200)) || forced.Entries[0].SubscriberID != "u2" {
		t.Fatalf("forced re-score should use the new price: %+v", forced)
	}
	if got := len(notifier.requests()); got != sent+2 {
		t.Fatalf("forced re-score should notify winners, got %d", got)
	}
}

func TestServiceScoreDayForce(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	putPrediction(store, testDay, "u1", "3000", time.Now())
	scorer := newTestScorer(newPriceSource("3050"), store, newRecordingNotifier())
	svc := New(testSchedulerConfig(), nil, scorer, time.UTC, nopLogger())

	if _, err := svc.ScoreDay(ctx, testDay, false); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ScoreDay(ctx, testDay, false); !errors.Is(err, ErrAlreadyScored) {
		t.Fatalf("want ErrAlreadyScored, got %v", err)
	}
	if _, err := svc.ScoreDay(ctx, testDay, true); err != nil {
		t.Fatalf("forced: %v", err)
	}
	// 定时任务遇到已结算的日子不算失败
	if err := svc.predictionTick(ctx, time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("tick on settled day: %v", err)
	}
}

func TestScorerContainsNotifierPanic(t *testing.T) {
	store := storage.NewMemoryStore()
	base := time.Date(2025, 1, 2, 8, 0, 0, 0, time.UTC)
	putPrediction(store, testDay, "u1", "3050", base)
	putPrediction(store, testDay, "u2", "3060", base)
	putPrediction(store, testDay, "u3", "3070", base)
	notifier := newRecordingNotifier()
	notifier.panicOn["chat-u1"] = true
	svc := New(testSchedulerConfig(), nil, newTestScorer(newPriceSource("3050"), store, notifier), time.UTC, nopLogger())

	result, err := svc.ScoreDay(context.Background(), testDay, false)
	if err != nil {
		t.Fatalf("a panicking delivery must not fail the run: %v", err)
	}
	if len(result.Winners) != 3 {
		t.Fatalf("winners = %d", len(result.Winners))
	}
	if got := len(notifier.requests()); got != 2 {
		t.Fatalf("other winners should still be notified, got %d", got)
	}
	if svc.Busy(JobPredictions) {
		t.Fatal("guard must be released")
	}
}

func TestScorerRejectsBadDay(t *testing.T) {
	_, err := newTestScorer(newPriceSource("1"), storage.NewMemoryStore(), newRecordingNotifier()).RunOnce(context.Background(), "yesterday")
	if err == nil {
		t.Fatal("invalid day should be rejected")
	}
}

func TestServiceOnDemandRunsShareGuard(t *testing.T) {
	store := storage.NewMemoryStore()
	putSubscription(store, "u1", "10")
	source := newGasSource("2")
	source.block = make(chan struct{})
	source.entered = make(chan struct{})
	entered := source.entered
	notifier := newRecordingNotifier()

	evaluator := newTestEvaluator(source, store, notifier, nil)
	scorer := newTestScorer(newPriceSource("3050"), store, notifier)
	svc := New(testSchedulerConfig(), evaluator, scorer, time.UTC, nopLogger())

	done := make(chan error, 1)
	go func() {
		_, err := svc.EvaluateAlertsOnce(context.Background())
		done <- err
	}()
	<-entered

	if !svc.Busy(JobAlerts) {
		t.Fatal("alerts job should be busy")
	}
	if _, err := svc.EvaluateAlertsOnce(context.Background()); !errors.Is(err, scheduler.ErrBusy) {
		t.Fatalf("overlapping run should be skipped, got %v", err)
	}
	// 另一个任务不受影响
	putPrediction(store, testDay, "p1", "3000", time.Now())
	if _, err := svc.ScoreDay(context.Background(), testDay, false); err != nil {
		t.Fatalf("predictions job must run independently: %v", err)
	}

	close(source.block)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
	alerts := 0
	for _, req := range notifier.requests() {
		if req.Kind == alerting.KindAlertTriggered {
			alerts++
		}
	}
	if alerts != 1 {
		t.Fatalf("skipped run must not be replayed, got %d alerts", alerts)
	}
}

func TestDayBefore(t *testing.T) {
	svc := New(testSchedulerConfig(), nil, nil, time.UTC, nopLogger())
	if got := svc.DayBefore(time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC)); got != testDay {
		t.Fatalf("DayBefore = %s, want %s", got, testDay)
	}

	loc := time.FixedZone("UTC+8", 8*3600)
	svc = New(testSchedulerConfig(), nil, nil, loc, nopLogger())
	boundary := time.Date(2025, 1, 2, 16, 0, 0, 0, time.UTC) // 2025-01-03 00:00 UTC+8
	if got := svc.DayBefore(boundary); got != testDay {
		t.Fatalf("DayBefore = %s, want %s", got, testDay)
	}
	if got := svc.dayOffset(boundary); got != -8*time.Hour {
		t.Fatalf("dayOffset = %s", got)
	}
	if got := svc.Today(boundary); got != "2025-01-03" {
		t.Fatalf("Today = %s", got)
	}
}

func TestLastClosedDay(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	svc := New(testSchedulerConfig(), nil, nil, loc, nopLogger())
	// 2025-01-03 01:30 UTC+8
	if got := svc.LastClosedDay(time.Date(2025, 1, 2, 17, 30, 0, 0, time.UTC)); got != testDay {
		t.Fatalf("LastClosedDay = %s, want %s", got, testDay)
	}
	// 2025-01-02 07:59 UTC+8
	if got := svc.LastClosedDay(time.Date(2025, 1, 1, 23, 59, 0, 0, time.UTC)); got != "2025-01-01" {
		t.Fatalf("LastClosedDay = %s", got)
	}
}
