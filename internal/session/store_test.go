package session

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestStore connects to a local Redis and removes test keys before and
// after the test. Requires Redis on localhost:6379; skipped otherwise.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	patterns := []string{ConnPrefix + "test_*", UserConnsPrefix + "test_*", LastSeenPrefix + "test_*"}
	clean := func() {
		for _, p := range patterns {
			iter := client.Scan(ctx, 0, p, 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewStoreWithClient(client, "test-server")
}

func TestConnectAndDisconnect(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Connect(ctx, "test_c1", "test_u1", "127.0.0.1:5000"); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if err := s.Connect(ctx, "test_c2", "test_u1", "127.0.0.1:5001"); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	rec, err := s.client.HGetAll(ctx, ConnPrefix+"test_c1").Result()
	if err != nil {
		t.Fatalf("HGetAll() error: %v", err)
	}
	if rec["user_id"] != "test_u1" || rec["server"] != "test-server" || rec["remote_addr"] != "127.0.0.1:5000" {
		t.Errorf("unexpected record %v", rec)
	}

	ids, _ := s.client.SMembers(ctx, UserConnsPrefix+"test_u1").Result()
	if len(ids) != 2 {
		t.Fatalf("connection set = %v, want 2 ids", ids)
	}

	if err := s.Disconnect(ctx, "test_c1", "test_u1"); err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}
	if n, _ := s.client.Exists(ctx, ConnPrefix+"test_c1").Result(); n != 0 {
		t.Error("record survived disconnect")
	}
	ids, _ = s.client.SMembers(ctx, UserConnsPrefix+"test_u1").Result()
	if len(ids) != 1 || ids[0] != "test_c2" {
		t.Fatalf("connection set after disconnect = %v", ids)
	}
}

func TestRefreshExtendsTTL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Connect(ctx, "test_c4", "test_u4", ""); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{ConnPrefix + "test_c4", UserConnsPrefix + "test_u4"} {
		s.client.Expire(ctx, key, time.Minute)
	}

	if err := s.Refresh(ctx, "test_c4", "test_u4"); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	for _, key := range []string{ConnPrefix + "test_c4", UserConnsPrefix + "test_u4"} {
		ttl, _ := s.client.TTL(ctx, key).Result()
		if ttl <= time.Minute {
			t.Errorf("TTL(%s) = %v, want close to %v", key, ttl, ConnTTL)
		}
	}
}

func TestLastSeen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.LastSeen(ctx, "test_nobody"); ok || err != nil {
		t.Fatalf("LastSeen() for unknown user = %v, %v", ok, err)
	}

	before := time.Now().Add(-time.Second)
	if err := s.Connect(ctx, "test_c3", "test_u3", ""); err != nil {
		t.Fatal(err)
	}
	seen, ok, err := s.LastSeen(ctx, "test_u3")
	if err != nil || !ok {
		t.Fatalf("LastSeen() = %v, %v", ok, err)
	}
	if seen.Before(before) {
		t.Errorf("LastSeen() = %v, expected after %v", seen, before)
	}
}
