package dedup

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestDedup(t *testing.T, ttl time.Duration) (*Deduplicator, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	d, err := New("redis://"+mr.Addr(), "", "gaswatcher", ttl)
	if err != nil {
		mr.Close()
		t.Fatalf("New: %v", err)
	}
	return d, mr
}

func TestSeenNewKey(t *testing.T) {
	d, mr := setupTestDedup(t, 0)
	defer mr.Close()
	defer d.Close()

	seen, err := d.Seen(context.Background(), "gaswatcher:alert:1:1")
	if err != nil || seen {
		t.Fatalf("new key should not be seen, seen=%v err=%v", seen, err)
	}
}

func TestMarkAndSeen(t *testing.T) {
	d, mr := setupTestDedup(t, time.Hour)
	defer mr.Close()
	defer d.Close()

	ctx := context.Background()
	key := d.AlertKey("42", time.Unix(1700000000, 0))
	if err := d.Mark(ctx, key); err != nil {
		t.Fatalf("Mark: %v", err)
	}
	seen, err := d.Seen(ctx, key)
	if err != nil || !seen {
		t.Fatalf("key should be seen after Mark, seen=%v err=%v", seen, err)
	}

	mr.FastForward(2 * time.Hour)
	seen, _ = d.Seen(ctx, key)
	if seen {
		t.Fatal("marker should expire after TTL")
	}
}

func TestAlertKeyChangesWithCreatedAt(t *testing.T) {
	d, mr := setupTestDedup(t, 0)
	defer mr.Close()
	defer d.Close()

	first := d.AlertKey("42", time.Unix(1700000000, 0))
	second := d.AlertKey("42", time.Unix(1700000300, 0))
	if first == second {
		t.Fatal("re-set alert must get a new key")
	}
	if !strings.HasPrefix(first, "gaswatcher:alert:42:") {
		t.Fatalf("unexpected key %q", first)
	}
}

func TestSeenReportsRedisFailure(t *testing.T) {
	d, mr := setupTestDedup(t, 0)
	defer d.Close()

	// 模拟 Redis 不可用
	mr.Close()

	seen, err := d.Seen(context.Background(), "any:key")
	if err == nil {
		t.Fatal("Seen should surface the redis error so callers can fail open")
	}
	if seen {
		t.Error("Seen must not claim a marker on error")
	}
}
