package ttlcache

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestCache_Expiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New[string, int](5*time.Second, 0, clock)

	c.Set("proj-1", 1)
	if v, ok := c.Get("proj-1"); !ok || v != 1 {
		t.Fatalf("Get = %d, %v", v, ok)
	}

	clock.Advance(4 * time.Second)
	if !c.Has("proj-1") {
		t.Fatal("entry expired early")
	}

	clock.Advance(time.Second)
	if c.Has("proj-1") {
		t.Fatal("entry should expire exactly at its TTL")
	}
}

func TestCache_SetRefreshesTTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New[string, int](10*time.Second, 0, clock)

	c.Set("p", 1)
	clock.Advance(8 * time.Second)
	c.Set("p", 2)
	// Refreshed at t=8s, so still alive at t=16s.
	clock.Advance(8 * time.Second)
	if v, ok := c.Get("p"); !ok || v != 2 {
		t.Fatalf("expected refreshed entry, got %d, %v", v, ok)
	}
	clock.Advance(2 * time.Second)
	if c.Has("p") {
		t.Fatal("entry should expire 10s after the last Set")
	}
}

func TestCache_SetIfAbsent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New[string, struct{}](time.Minute, 0, clock)

	if !c.SetIfAbsent("msg-1", struct{}{}) {
		t.Fatal("first insert should succeed")
	}
	if c.SetIfAbsent("msg-1", struct{}{}) {
		t.Fatal("duplicate insert inside window should be refused")
	}
	clock.Advance(time.Minute)
	if !c.SetIfAbsent("msg-1", struct{}{}) {
		t.Fatal("insert after window should succeed")
	}
}

func TestCache_CapacityEvictsSoonestExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New[string, int](time.Minute, 2, clock)

	c.Set("a", 1)
	clock.Advance(time.Second)
	c.Set("b", 2)
	clock.Advance(time.Second)
	c.Set("c", 3)

	if c.Has("a") {
		t.Error("oldest entry should have been evicted")
	}
	if !c.Has("b") || !c.Has("c") {
		t.Error("newer entries should survive")
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
}

func TestCache_PurgeAndDelete(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New[int, string](time.Second, 0, clock)
	c.Set(1, "x")
	c.Set(2, "y")
	c.Delete(2)

	clock.Advance(2 * time.Second)
	if n := c.Purge(); n != 1 {
		t.Fatalf("Purge removed %d, want 1", n)
	}
	if c.Len() != 0 {
		t.Fatalf("expected empty cache")
	}
}
