package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"gaswatcher/internal/config"
)

const (
	alertsCollection       = "alerts"
	predictionsCollection  = "predictions"
	leaderboardsCollection = "leaderboards"
)

// alerts/{subscriberId}
type alertDoc struct {
	UserID       string    `firestore:"user_id"`
	ChatID       string    `firestore:"chat_id"`
	Scope        string    `firestore:"scope,omitempty"`
	GasThreshold float64   `firestore:"gas_threshold"`
	Active       bool      `firestore:"active"`
	CreatedAt    time.Time `firestore:"created_at"`
	Username     string    `firestore:"username"`
}

// predictions/{day}/predictions/{subscriberId}
type predictionDoc struct {
	UserID    string    `firestore:"user_id"`
	ChatID    string    `firestore:"chat_id"`
	Scope     string    `firestore:"scope,omitempty"`
	Guess     float64   `firestore:"guess"`
	Timestamp time.Time `firestore:"timestamp"`
	Username  string    `firestore:"username"`
}

type rankedDoc struct {
	Rank       int       `firestore:"rank"`
	UserID     string    `firestore:"user_id"`
	Username   string    `firestore:"username"`
	Guess      string    `firestore:"guess"`
	Diff       string    `firestore:"diff"`
	RecordedAt time.Time `firestore:"recorded_at"`
}

// leaderboards/{day}
type leaderboardDoc struct {
	Date              string      `firestore:"date"`
	ActualPrice       float64     `firestore:"actualPrice"`
	SettlementPrice   string      `firestore:"settlementPrice"`
	Entries           []rankedDoc `firestore:"entries"`
	Winners           []rankedDoc `firestore:"winners"`
	TotalParticipants int         `firestore:"totalParticipants"`
}

// FirestoreStore is a RecordStore over the alerts / predictions / leaderboards collections.
type FirestoreStore struct {
	client *firestore.Client
}

// NewFirestoreStore dials Firestore with the configured project and optional credentials file.
func NewFirestoreStore(ctx context.Context, cfg config.FirestoreConfig) (*FirestoreStore, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("store.firestore.project_id is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}
	return &FirestoreStore{client: client}, nil
}

// Close releases the client.
func (f *FirestoreStore) Close() {
	if f == nil || f.client == nil {
		return
	}
	_ = f.client.Close()
}

// Ping reads at most one leaderboard document.
func (f *FirestoreStore) Ping(ctx context.Context) error {
	client, err := f.getClient()
	if err != nil {
		return err
	}
	iter := client.Collection(leaderboardsCollection).Limit(1).Documents(ctx)
	defer iter.Stop()
	if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return fmt.Errorf("ping firestore: %w", err)
	}
	return nil
}

func (f *FirestoreStore) getClient() (*firestore.Client, error) {
	if f == nil || f.client == nil {
		return nil, ErrNotConfigured
	}
	return f.client, nil
}

func (f *FirestoreStore) UpsertSubscription(ctx context.Context, sub AlertSubscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	client, err := f.getClient()
	if err != nil {
		return err
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = nowUTC()
	}
	doc := alertDoc{
		UserID:       sub.SubscriberID,
		ChatID:       sub.DeliveryTarget,
		Scope:        string(sub.Scope),
		GasThreshold: sub.Threshold.InexactFloat64(),
		Active:       sub.Active,
		CreatedAt:    sub.CreatedAt,
		Username:     sub.DisplayName,
	}
	if _, err := client.Collection(alertsCollection).Doc(sub.SubscriberID).Set(ctx, doc); err != nil {
		return fmt.Errorf("set alert %s: %w", sub.SubscriberID, err)
	}
	return nil
}

func (f *FirestoreStore) GetSubscription(ctx context.Context, subscriberID string) (AlertSubscription, error) {
	client, err := f.getClient()
	if err != nil {
		return AlertSubscription{}, err
	}
	snap, err := client.Collection(alertsCollection).Doc(subscriberID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return AlertSubscription{}, ErrNotFound
	}
	if err != nil {
		return AlertSubscription{}, fmt.Errorf("get alert %s: %w", subscriberID, err)
	}
	var doc alertDoc
	if err := snap.DataTo(&doc); err != nil {
		return AlertSubscription{}, fmt.Errorf("decode alert %s: %w", subscriberID, err)
	}
	return doc.toModel(snap.Ref.ID), nil
}

func (f *FirestoreStore) ListActiveSubscriptions(ctx context.Context) ([]AlertSubscription, error) {
	client, err := f.getClient()
	if err != nil {
		return nil, err
	}
	iter := client.Collection(alertsCollection).Where("active", "==", true).Documents(ctx)
	defer iter.Stop()

	subs := make([]AlertSubscription, 0)
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("query active alerts: %w", err)
		}
		var doc alertDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode alert %s: %w", snap.Ref.ID, err)
		}
		subs = append(subs, doc.toModel(snap.Ref.ID))
	}
	return subs, nil
}

func (f *FirestoreStore) DeactivateSubscription(ctx context.Context, subscriberID string) error {
	client, err := f.getClient()
	if err != nil {
		return err
	}
	_, err = client.Collection(alertsCollection).Doc(subscriberID).Update(ctx, []firestore.Update{
		{Path: "active", Value: false},
	})
	if status.Code(err) == codes.NotFound {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("deactivate alert %s: %w", subscriberID, err)
	}
	return nil
}

func (f *FirestoreStore) UpsertPrediction(ctx context.Context, entry PredictionEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	client, err := f.getClient()
	if err != nil {
		return err
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = nowUTC()
	}
	doc := predictionDoc{
		UserID:    entry.SubscriberID,
		ChatID:    entry.DeliveryTarget,
		Scope:     string(entry.Scope),
		Guess:     entry.Guess.InexactFloat64(),
		Timestamp: entry.RecordedAt,
		Username:  entry.DisplayName,
	}
	ref := client.Collection(predictionsCollection).Doc(entry.Day).Collection(predictionsCollection).Doc(entry.SubscriberID)
	if _, err := ref.Set(ctx, doc); err != nil {
		return fmt.Errorf("set prediction %s/%s: %w", entry.Day, entry.SubscriberID, err)
	}
	return nil
}

func (f *FirestoreStore) ListPredictions(ctx context.Context, day string) ([]PredictionEntry, error) {
	client, err := f.getClient()
	if err != nil {
		return nil, err
	}
	iter := client.Collection(predictionsCollection).Doc(day).Collection(predictionsCollection).Documents(ctx)
	defer iter.Stop()

	entries := make([]PredictionEntry, 0)
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("query predictions %s: %w", day, err)
		}
		var doc predictionDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode prediction %s/%s: %w", day, snap.Ref.ID, err)
		}
		entries = append(entries, PredictionEntry{
			Day:            day,
			SubscriberID:   snap.Ref.ID,
			Guess:          decimal.NewFromFloat(doc.Guess),
			RecordedAt:     doc.Timestamp,
			DeliveryTarget: doc.ChatID,
			Scope:          scopeOf(doc.Scope, doc.ChatID, firstNonEmpty(doc.UserID, snap.Ref.ID)),
			DisplayName:    doc.Username,
		})
	}
	return entries, nil
}

func (f *FirestoreStore) UpsertLeaderboard(ctx context.Context, result LeaderboardResult) error {
	client, err := f.getClient()
	if err != nil {
		return err
	}
	doc := leaderboardDoc{
		Date:              result.Day,
		ActualPrice:       result.SettlementPrice.InexactFloat64(),
		SettlementPrice:   result.SettlementPrice.String(),
		Entries:           toRankedDocs(result.Entries),
		Winners:           toRankedDocs(result.Winners),
		TotalParticipants: result.TotalParticipants,
	}
	if _, err := client.Collection(leaderboardsCollection).Doc(result.Day).Set(ctx, doc); err != nil {
		return fmt.Errorf("set leaderboard %s: %w", result.Day, err)
	}
	return nil
}

func (f *FirestoreStore) GetLeaderboard(ctx context.Context, day string) (LeaderboardResult, error) {
	client, err := f.getClient()
	if err != nil {
		return LeaderboardResult{}, err
	}
	snap, err := client.Collection(leaderboardsCollection).Doc(day).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return LeaderboardResult{}, ErrNotFound
	}
	if err != nil {
		return LeaderboardResult{}, fmt.Errorf("get leaderboard %s: %w", day, err)
	}
	return decodeLeaderboard(snap)
}

func (f *FirestoreStore) ListLeaderboards(ctx context.Context, from, to string) ([]LeaderboardResult, error) {
	client, err := f.getClient()
	if err != nil {
		return nil, err
	}
	from, to = sortDays(from, to)
	iter := client.Collection(leaderboardsCollection).
		Where("date", ">=", from).
		Where("date", "<=", to).
		OrderBy("date", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	results := make([]LeaderboardResult, 0)
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("query leaderboards: %w", err)
		}
		result, err := decodeLeaderboard(snap)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, nil
}

func (d alertDoc) toModel(id string) AlertSubscription {
	subscriberID := d.UserID
	if subscriberID == "" {
		subscriberID = id
	}
	return AlertSubscription{
		SubscriberID:   subscriberID,
		DeliveryTarget: d.ChatID,
		Scope:          scopeOf(d.Scope, d.ChatID, subscriberID),
		Threshold:      decimal.NewFromFloat(d.GasThreshold),
		Active:         d.Active,
		CreatedAt:      d.CreatedAt,
		DisplayName:    d.Username,
	}
}

// 旧文档没有 scope 字段：chat_id 与 user_id 不同说明是在群里设置的
func scopeOf(raw, chatID, userID string) Scope {
	if s := Scope(raw); s.Valid() {
		return s
	}
	if chatID != "" && chatID != userID {
		return ScopeGroup
	}
	return ScopePrivate
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func decodeLeaderboard(snap *firestore.DocumentSnapshot) (LeaderboardResult, error) {
	var doc leaderboardDoc
	if err := snap.DataTo(&doc); err != nil {
		return LeaderboardResult{}, fmt.Errorf("decode leaderboard %s: %w", snap.Ref.ID, err)
	}

	price := decimal.NewFromFloat(doc.ActualPrice)
	if doc.SettlementPrice != "" {
		parsed, err := decimal.NewFromString(doc.SettlementPrice)
		if err != nil {
			return LeaderboardResult{}, fmt.Errorf("parse settlement price %s: %w", snap.Ref.ID, err)
		}
		price = parsed
	}

	entries, err := fromRankedDocs(doc.Entries)
	if err != nil {
		return LeaderboardResult{}, err
	}
	winners, err := fromRankedDocs(doc.Winners)
	if err != nil {
		return LeaderboardResult{}, err
	}

	day := doc.Date
	if day == "" {
		day = snap.Ref.ID
	}
	return LeaderboardResult{
		Day:               day,
		SettlementPrice:   price,
		Entries:           entries,
		Winners:           winners,
		TotalParticipants: doc.TotalParticipants,
	}, nil
}

func toRankedDocs(entries []RankedEntry) []rankedDoc {
	out := make([]rankedDoc, 0, len(entries))
	for _, e := range entries {
		out = append(out, rankedDoc{
			Rank:       e.Rank,
			UserID:     e.SubscriberID,
			Username:   e.DisplayName,
			Guess:      e.Guess.String(),
			Diff:       e.AbsoluteDifference.String(),
			RecordedAt: e.RecordedAt,
		})
	}
	return out
}

func fromRankedDocs(docs []rankedDoc) ([]RankedEntry, error) {
	out := make([]RankedEntry, 0, len(docs))
	for _, d := range docs {
		guess, err := decimal.NewFromString(d.Guess)
		if err != nil {
			return nil, fmt.Errorf("parse ranked guess for %s: %w", d.UserID, err)
		}
		diff, err := decimal.NewFromString(d.Diff)
		if err != nil {
			return nil, fmt.Errorf("parse ranked diff for %s: %w", d.UserID, err)
		}
		out = append(out, RankedEntry{
			Rank:               d.Rank,
			SubscriberID:       d.UserID,
			DisplayName:        d.Username,
			Guess:              guess,
			AbsoluteDifference: diff,
			RecordedAt:         d.RecordedAt,
		})
	}
	return out, nil
}

var _ RecordStore = (*FirestoreStore)(nil)
