package storage

import (
	"context"
	"fmt"
)

const migrationSQL = `
CREATE TABLE IF NOT EXISTS alert_subscriptions (
    subscriber_id   TEXT PRIMARY KEY,
    delivery_target TEXT NOT NULL,
    scope           TEXT NOT NULL DEFAULT 'private',
    threshold       NUMERIC(20, 9) NOT NULL CHECK (threshold > 0 AND threshold <= 1000),
    active          BOOLEAN NOT NULL DEFAULT true,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    display_name    TEXT NOT NULL DEFAULT '',
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS alert_subscriptions_active_idx
    ON alert_subscriptions (active) WHERE active;

CREATE TABLE IF NOT EXISTS prediction_entries (
    day             TEXT NOT NULL,
    subscriber_id   TEXT NOT NULL,
    guess           NUMERIC(20, 8) NOT NULL CHECK (guess >= 1),
    recorded_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    delivery_target TEXT NOT NULL,
    scope           TEXT NOT NULL DEFAULT 'private',
    display_name    TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (day, subscriber_id)
);

CREATE TABLE IF NOT EXISTS leaderboards (
    day                TEXT PRIMARY KEY,
    settlement_price   NUMERIC(20, 8) NOT NULL,
    entries            JSONB NOT NULL DEFAULT '[]'::jsonb,
    winners            JSONB NOT NULL DEFAULT '[]'::jsonb,
    total_participants INTEGER NOT NULL DEFAULT 0,
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Migrate creates the schema if it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, migrationSQL); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}
