package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"gaswatcher/internal/config"
)

var (
	// ErrNotConfigured indicates the storage backend was not initialised.
	ErrNotConfigured = errors.New("storage: backend not configured")
	// ErrNotFound is returned by single-record reads when the key does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

// SubscriptionStore persists alert subscriptions keyed by subscriber.
type SubscriptionStore interface {
	UpsertSubscription(ctx context.Context, sub AlertSubscription) error
	GetSubscription(ctx context.Context, subscriberID string) (AlertSubscription, error)
	ListActiveSubscriptions(ctx context.Context) ([]AlertSubscription, error)
	// DeactivateSubscription flips active to false; it never deletes the record.
	DeactivateSubscription(ctx context.Context, subscriberID string) error
}

// PredictionStore persists guesses keyed by (day, subscriber).
type PredictionStore interface {
	UpsertPrediction(ctx context.Context, entry PredictionEntry) error
	ListPredictions(ctx context.Context, day string) ([]PredictionEntry, error)
}

// LeaderboardStore persists scored days keyed by day.
type LeaderboardStore interface {
	UpsertLeaderboard(ctx context.Context, result LeaderboardResult) error
	GetLeaderboard(ctx context.Context, day string) (LeaderboardResult, error)
	// ListLeaderboards returns days in [from, to], ascending.
	ListLeaderboards(ctx context.Context, from, to string) ([]LeaderboardResult, error)
}

// RecordStore aggregates the three record sets behind one backend.
type RecordStore interface {
	SubscriptionStore
	PredictionStore
	LeaderboardStore
	Ping(ctx context.Context) error
	Close()
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

func sortDays(from, to string) (string, string) {
	if to < from {
		return to, from
	}
	return from, to
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
