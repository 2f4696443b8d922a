package dedup

import (
	"testing"
	"time"
)

func newTestCache(ttl time.Duration, maxKeys int) (*Cache, *time.Time) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(ttl, maxKeys)
	c.nowFn = func() time.Time { return now }
	return c, &now
}

func TestAllowSuppressesWithinTTL(t *testing.T) {
	c, now := newTestCache(time.Minute, 10)

	if ok, _ := c.Allow("k"); !ok {
		t.Fatal("first hit must be allowed")
	}
	for i := 0; i < 3; i++ {
		if ok, _ := c.Allow("k"); ok {
			t.Fatalf("hit %d within TTL was allowed", i)
		}
	}

	*now = now.Add(time.Minute)
	ok, suppressed := c.Allow("k")
	if !ok || suppressed != 3 {
		t.Fatalf("Allow() after TTL = %v, %d; want true, 3", ok, suppressed)
	}
}

func TestAllowWhenFull(t *testing.T) {
	c, _ := newTestCache(time.Minute, 1)
	c.Allow("a")

	for i := 0; i < 2; i++ {
		if ok, _ := c.Allow("b"); !ok {
			t.Fatal("keys beyond capacity are always allowed")
		}
	}
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}
}

func TestTrim(t *testing.T) {
	c, now := newTestCache(time.Minute, 10)
	c.Allow("old")
	*now = now.Add(50 * time.Second)
	c.Allow("new")
	*now = now.Add(20 * time.Second)

	if removed := c.Trim(); removed != 1 {
		t.Fatalf("Trim() = %d, want 1", removed)
	}
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}
}
