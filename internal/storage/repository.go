package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	upsertSubscriptionSQL = `INSERT INTO alert_subscriptions (
        subscriber_id,
        delivery_target,
        scope,
        threshold,
        active,
        created_at,
        display_name
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (subscriber_id) DO UPDATE
    SET
        delivery_target = EXCLUDED.delivery_target,
        scope           = EXCLUDED.scope,
        threshold       = EXCLUDED.threshold,
        active          = EXCLUDED.active,
        created_at      = EXCLUDED.created_at,
        display_name    = EXCLUDED.display_name,
        updated_at      = now();`

	selectSubscriptionColumns = `SELECT
        subscriber_id,
        delivery_target,
        scope,
        threshold::text,
        active,
        created_at,
        display_name
    FROM alert_subscriptions`

	getSubscriptionSQL = selectSubscriptionColumns + `
    WHERE subscriber_id = $1;`

	listActiveSubscriptionsSQL = selectSubscriptionColumns + `
    WHERE active
    ORDER BY created_at, subscriber_id;`

	deactivateSubscriptionSQL = `UPDATE alert_subscriptions
    SET active = false, updated_at = now()
    WHERE subscriber_id = $1;`

	upsertPredictionSQL = `INSERT INTO prediction_entries (
        day,
        subscriber_id,
        guess,
        recorded_at,
        delivery_target,
        scope,
        display_name
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (day, subscriber_id) DO UPDATE
    SET
        guess           = EXCLUDED.guess,
        recorded_at     = EXCLUDED.recorded_at,
        delivery_target = EXCLUDED.delivery_target,
        scope           = EXCLUDED.scope,
        display_name    = EXCLUDED.display_name;`

	listPredictionsSQL = `SELECT
        day,
        subscriber_id,
        guess::text,
        recorded_at,
        delivery_target,
        scope,
        display_name
    FROM prediction_entries
    WHERE day = $1
    ORDER BY recorded_at, subscriber_id;`

	upsertLeaderboardSQL = `INSERT INTO leaderboards (
        day,
        settlement_price,
        entries,
        winners,
        total_participants
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    ON CONFLICT (day) DO UPDATE
    SET
        settlement_price   = EXCLUDED.settlement_price,
        entries            = EXCLUDED.entries,
        winners            = EXCLUDED.winners,
        total_participants = EXCLUDED.total_participants,
        updated_at         = now();`

	selectLeaderboardColumns = `SELECT
        day,
        settlement_price::text,
        entries,
        winners,
        total_participants
    FROM leaderboards`

	getLeaderboardSQL = selectLeaderboardColumns + `
    WHERE day = $1;`

	listLeaderboardsSQL = selectLeaderboardColumns + `
    WHERE day >= $1
      AND day <= $2
    ORDER BY day;`

	pingSQL = `SELECT 1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Store is the PostgreSQL RecordStore.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	var one int
	if err := pool.QueryRow(ctx, pingSQL).Scan(&one); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	session := pooledLockSession{conn: conn}
	unlock := func() { releaseAdvisoryLock(session, key) }
	return unlock, true, nil
}

// lockSession is the connection that holds a session-level advisory lock.
type lockSession interface {
	Unlock(ctx context.Context, key int64) error
	Release()
	Discard(ctx context.Context)
}

type pooledLockSession struct {
	conn *pgxpool.Conn
}

func (p pooledLockSession) Unlock(ctx context.Context, key int64) error {
	_, err := p.conn.Exec(ctx, advisoryUnlockSQL, key)
	return err
}

func (p pooledLockSession) Release() { p.conn.Release() }

func (p pooledLockSession) Discard(ctx context.Context) {
	_ = p.conn.Hijack().Close(ctx)
}

// releaseAdvisoryLock 解锁失败时不能把连接还给连接池：会话仍然存活，锁会一直被持有。
// 关闭会话让服务端回收锁。
func releaseAdvisoryLock(session lockSession, key int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := session.Unlock(ctx, key); err != nil {
		session.Discard(ctx)
		return
	}
	session.Release()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertSubscription creates or overwrites the subscriber's alert.
func (s *Store) UpsertSubscription(ctx context.Context, sub AlertSubscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	createdAt := sub.CreatedAt
	if createdAt.IsZero() {
		createdAt = nowUTC()
	}

	if _, err := pool.Exec(ctx, upsertSubscriptionSQL,
		sub.SubscriberID,
		sub.DeliveryTarget,
		string(sub.Scope),
		sub.Threshold.String(),
		sub.Active,
		createdAt,
		sub.DisplayName,
	); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// GetSubscription loads one subscription, active or not.
func (s *Store) GetSubscription(ctx context.Context, subscriberID string) (AlertSubscription, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertSubscription{}, err
	}

	sub, err := scanSubscription(pool.QueryRow(ctx, getSubscriptionSQL, subscriberID))
	if errors.Is(err, pgx.ErrNoRows) {
		return AlertSubscription{}, ErrNotFound
	}
	if err != nil {
		return AlertSubscription{}, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

// ListActiveSubscriptions lists every subscription with active = true.
func (s *Store) ListActiveSubscriptions(ctx context.Context) ([]AlertSubscription, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listActiveSubscriptionsSQL)
	if err != nil {
		return nil, fmt.Errorf("list active subscriptions: %w", err)
	}
	defer rows.Close()

	subs := make([]AlertSubscription, 0)
	for rows.Next() {
		sub, scanErr := scanSubscription(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		subs = append(subs, sub)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return subs, nil
}

// DeactivateSubscription marks the subscription inactive.
func (s *Store) DeactivateSubscription(ctx context.Context, subscriberID string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, err := pool.Exec(ctx, deactivateSubscriptionSQL, subscriberID)
	if err != nil {
		return fmt.Errorf("deactivate subscription: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertPrediction creates or overwrites a guess for (day, subscriber).
func (s *Store) UpsertPrediction(ctx context.Context, entry PredictionEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	recordedAt := entry.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = nowUTC()
	}

	if _, err := pool.Exec(ctx, upsertPredictionSQL,
		entry.Day,
		entry.SubscriberID,
		entry.Guess.String(),
		recordedAt,
		entry.DeliveryTarget,
		string(entry.Scope),
		entry.DisplayName,
	); err != nil {
		return fmt.Errorf("upsert prediction: %w", err)
	}
	return nil
}

// ListPredictions lists every guess recorded for day.
func (s *Store) ListPredictions(ctx context.Context, day string) ([]PredictionEntry, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listPredictionsSQL, day)
	if err != nil {
		return nil, fmt.Errorf("list predictions: %w", err)
	}
	defer rows.Close()

	entries := make([]PredictionEntry, 0)
	for rows.Next() {
		var (
			entry    PredictionEntry
			guessStr string
			scope    string
		)
		if err := rows.Scan(
			&entry.Day,
			&entry.SubscriberID,
			&guessStr,
			&entry.RecordedAt,
			&entry.DeliveryTarget,
			&scope,
			&entry.DisplayName,
		); err != nil {
			return nil, err
		}
		guess, err := decimal.NewFromString(guessStr)
		if err != nil {
			return nil, fmt.Errorf("parse guess: %w", err)
		}
		entry.Guess = guess
		entry.Scope = Scope(scope)
		entries = append(entries, entry)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return entries, nil
}

// UpsertLeaderboard writes the day's result, replacing any previous computation.
func (s *Store) UpsertLeaderboard(ctx context.Context, result LeaderboardResult) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	entries, err := json.Marshal(result.Entries)
	if err != nil {
		return fmt.Errorf("encode leaderboard entries: %w", err)
	}
	winners, err := json.Marshal(result.Winners)
	if err != nil {
		return fmt.Errorf("encode leaderboard winners: %w", err)
	}

	if _, err := pool.Exec(ctx, upsertLeaderboardSQL,
		result.Day,
		result.SettlementPrice.String(),
		entries,
		winners,
		result.TotalParticipants,
	); err != nil {
		return fmt.Errorf("upsert leaderboard: %w", err)
	}
	return nil
}

// GetLeaderboard loads the result of a scored day.
func (s *Store) GetLeaderboard(ctx context.Context, day string) (LeaderboardResult, error) {
	pool, err := s.getPool()
	if err != nil {
		return LeaderboardResult{}, err
	}

	rows, err := pool.Query(ctx, getLeaderboardSQL, day)
	if err != nil {
		return LeaderboardResult{}, fmt.Errorf("get leaderboard: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return LeaderboardResult{}, rows.Err()
		}
		return LeaderboardResult{}, ErrNotFound
	}
	return scanLeaderboard(rows)
}

// ListLeaderboards lists scored days in [from, to].
func (s *Store) ListLeaderboards(ctx context.Context, from, to string) ([]LeaderboardResult, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	from, to = sortDays(from, to)
	rows, err := pool.Query(ctx, listLeaderboardsSQL, from, to)
	if err != nil {
		return nil, fmt.Errorf("list leaderboards: %w", err)
	}
	defer rows.Close()

	results := make([]LeaderboardResult, 0)
	for rows.Next() {
		result, scanErr := scanLeaderboard(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		results = append(results, result)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return results, nil
}

func scanSubscription(row pgx.Row) (AlertSubscription, error) {
	var (
		sub          AlertSubscription
		scope        string
		thresholdStr string
	)
	if err := row.Scan(
		&sub.SubscriberID,
		&sub.DeliveryTarget,
		&scope,
		&thresholdStr,
		&sub.Active,
		&sub.CreatedAt,
		&sub.DisplayName,
	); err != nil {
		return AlertSubscription{}, err
	}

	threshold, err := decimal.NewFromString(thresholdStr)
	if err != nil {
		return AlertSubscription{}, fmt.Errorf("parse threshold: %w", err)
	}
	sub.Threshold = threshold
	sub.Scope = Scope(scope)
	return sub, nil
}

func scanLeaderboard(rows pgx.Rows) (LeaderboardResult, error) {
	var (
		result     LeaderboardResult
		priceStr   string
		entriesRaw []byte
		winnersRaw []byte
	)
	if err := rows.Scan(
		&result.Day,
		&priceStr,
		&entriesRaw,
		&winnersRaw,
		&result.TotalParticipants,
	); err != nil {
		return LeaderboardResult{}, err
	}

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return LeaderboardResult{}, fmt.Errorf("parse settlement price: %w", err)
	}
	result.SettlementPrice = price

	if err := json.Unmarshal(entriesRaw, &result.Entries); err != nil {
		return LeaderboardResult{}, fmt.Errorf("decode leaderboard entries: %w", err)
	}
	if err := json.Unmarshal(winnersRaw, &result.Winners); err != nil {
		return LeaderboardResult{}, fmt.Errorf("decode leaderboard winners: %w", err)
	}
	return result, nil
}

var (
	_ RecordStore    = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
