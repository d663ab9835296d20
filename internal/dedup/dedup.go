package dedup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduplicator remembers which alert subscriptions already had a notification submitted.
type Deduplicator struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// New creates a Deduplicator backed by Redis.
func New(redisURL, password, prefix string, ttl time.Duration) (*Deduplicator, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	if password != "" {
		opts.Password = password
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &Deduplicator{rdb: rdb, prefix: strings.TrimSuffix(prefix, ":"), ttl: ttl}, nil
}

// Close shuts down the Redis connection.
func (d *Deduplicator) Close() error {
	return d.rdb.Close()
}

// AlertKey identifies one lifetime of a subscription: re-setting the alert changes createdAt
// and therefore the key.
func (d *Deduplicator) AlertKey(subscriberID string, createdAt time.Time) string {
	key := fmt.Sprintf("alert:%s:%d", subscriberID, createdAt.UTC().UnixNano())
	if d.prefix == "" {
		return key
	}
	return d.prefix + ":" + key
}

// Seen reports whether key was marked. Errors are returned so the caller can fail open.
func (d *Deduplicator) Seen(ctx context.Context, key string) (bool, error) {
	exists, err := d.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

// Mark records key with the configured TTL (0 = no expiry).
func (d *Deduplicator) Mark(ctx context.Context, key string) error {
	return d.rdb.Set(ctx, key, "1", d.ttl).Err()
}
