package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func TestLimiterBurstThenRefill(t *testing.T) {
	clock := newFakeClock()
	l := newLimiterWithClock(10, 3, clock.Now)

	for i := 0; i < 3; i++ {
		if !l.Allow() {
			t.Fatalf("call %d should be allowed within burst", i)
		}
	}
	if l.Allow() {
		t.Error("call beyond burst should be rejected")
	}

	clock.Advance(100 * time.Millisecond)
	if !l.Allow() {
		t.Error("one token should have been refilled after 100ms at 10/s")
	}
}

func TestLimiterAllowN(t *testing.T) {
	clock := newFakeClock()
	l := newLimiterWithClock(1, 5, clock.Now)

	if !l.AllowN(5) {
		t.Fatal("AllowN(5) should drain a full bucket")
	}
	if l.AllowN(1) {
		t.Error("bucket should be empty")
	}
}

func TestFixedWindowAdmitsExactlyLimit(t *testing.T) {
	clock := newFakeClock()
	f := NewFixedWindowWithClock(clock.Now)
	window := time.Minute

	for i := 0; i < 5; i++ {
		if !f.Allow("conn-1", 5, window) {
			t.Fatalf("call %d should be admitted", i+1)
		}
		clock.Advance(time.Second)
	}
	if f.Allow("conn-1", 5, window) {
		t.Error("6th call inside the window should be rejected")
	}

	// Exactly W after the start is still inside the window.
	clock.t = clock.t.Add(window - 5*time.Second)
	if f.Allow("conn-1", 5, window) {
		t.Error("call at exactly windowStart+W should still be rejected")
	}

	clock.Advance(time.Millisecond)
	if !f.Allow("conn-1", 5, window) {
		t.Error("call strictly after W should start a new window")
	}
	for i := 0; i < 4; i++ {
		if !f.Allow("conn-1", 5, window) {
			t.Fatalf("call %d of new window should be admitted", i+2)
		}
	}
	if f.Allow("conn-1", 5, window) {
		t.Error("new window should also cap at the limit")
	}
}

func TestFixedWindowKeysAreIndependent(t *testing.T) {
	clock := newFakeClock()
	f := NewFixedWindowWithClock(clock.Now)

	if !f.Allow("a", 1, time.Minute) {
		t.Fatal("first call for a should be admitted")
	}
	if f.Allow("a", 1, time.Minute) {
		t.Error("second call for a should be rejected")
	}
	if !f.Allow("b", 1, time.Minute) {
		t.Error("b has its own window")
	}
	if f.Len() != 2 {
		t.Errorf("Expected 2 tracked keys, got %d", f.Len())
	}

	f.Forget("a")
	if !f.Allow("a", 1, time.Minute) {
		t.Error("forgotten key should start fresh")
	}
}

func TestFixedWindowZeroLimit(t *testing.T) {
	f := NewFixedWindow()
	if f.Allow("k", 0, time.Minute) {
		t.Error("zero limit should never admit")
	}
}

func TestFixedWindowKeyedAdapter(t *testing.T) {
	f := NewFixedWindow()
	k := f.Keyed()

	ok, err := k.Allow(context.Background(), "x", 1, time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected admission, got ok=%v err=%v", ok, err)
	}
	ok, err = k.Allow(context.Background(), "x", 1, time.Minute)
	if err != nil || ok {
		t.Fatalf("expected rejection, got ok=%v err=%v", ok, err)
	}
}

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	store, err := NewRedisStore(context.Background(), "redis://"+s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, s
}

func TestRedisStoreAdmitsExactlyLimit(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		ok, err := store.Allow(ctx, "createRoom:alice", 10, time.Hour)
		if err != nil {
			t.Fatalf("Allow failed: %v", err)
		}
		if !ok {
			t.Fatalf("call %d should be admitted", i+1)
		}
	}

	ok, err := store.Allow(ctx, "createRoom:alice", 10, time.Hour)
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if ok {
		t.Error("11th call should be rejected")
	}
}

func TestRedisStoreWindowExpires(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	if ok, _ := store.Allow(ctx, "k", 1, time.Minute); !ok {
		t.Fatal("first call should be admitted")
	}
	if ok, _ := store.Allow(ctx, "k", 1, time.Minute); ok {
		t.Fatal("second call should be rejected")
	}

	if ttl := s.TTL("ratelimit:k"); ttl <= 0 {
		t.Errorf("window key should carry a TTL, got %v", ttl)
	}

	s.FastForward(time.Minute + time.Second)

	if ok, _ := store.Allow(ctx, "k", 1, time.Minute); !ok {
		t.Error("call after expiry should be admitted")
	}
}

func TestRedisStoreRepairsKeyWithoutExpiry(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	// A counter left at the limit with no TTL must not lock the key out.
	if err := s.Set("ratelimit:createRoom:alice", "10"); err != nil {
		t.Fatalf("seed key: %v", err)
	}

	ok, err := store.Allow(ctx, "createRoom:alice", 10, time.Hour)
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if ok {
		t.Error("call over the limit should be rejected")
	}
	if ttl := s.TTL("ratelimit:createRoom:alice"); ttl <= 0 {
		t.Fatalf("key should have been given a TTL, got %v", ttl)
	}

	s.FastForward(time.Hour + time.Second)

	ok, err = store.Allow(ctx, "createRoom:alice", 10, time.Hour)
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if !ok {
		t.Error("call after expiry should be admitted")
	}
}

func TestRedisStoreKeepsWindowStart(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	store.Allow(ctx, "k", 3, time.Minute)
	s.FastForward(40 * time.Second)
	store.Allow(ctx, "k", 3, time.Minute)

	// The second hit must not push the expiry out.
	if ttl := s.TTL("ratelimit:k"); ttl > 20*time.Second {
		t.Errorf("window expiry was extended, TTL %v", ttl)
	}
}

func TestRedisStoreForget(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	store.Allow(ctx, "room:r1", 1, time.Hour)
	if err := store.Forget(ctx, "room:r1"); err != nil {
		t.Fatalf("Forget failed: %v", err)
	}
	if s.Exists("ratelimit:room:r1") {
		t.Error("key should be deleted")
	}
}

func TestRedisStoreUnavailable(t *testing.T) {
	store, s := setupTestRedis(t)
	s.Close()

	if _, err := store.Allow(context.Background(), "k", 1, time.Minute); err == nil {
		t.Error("expected an error when redis is down")
	}
}
