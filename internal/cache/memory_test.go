package cache

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemory_ImplementsStore(_ *testing.T) {
	var _ Store = (*Memory)(nil)
}

func TestMemory_SetAndGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(10)
	_ = m.Set(ctx, "key1", []byte("resp-1"), time.Minute)

	got, ok, err := m.Get(ctx, "key1")
	if err != nil || !ok {
		t.Fatalf("expected cache hit, got ok=%v err=%v", ok, err)
	}
	if string(got) != "resp-1" {
		t.Errorf("expected resp-1, got %s", got)
	}
}

func TestMemory_TTLExpiration(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	m := NewMemory(10, WithStoreClock(clock.Now))
	_ = m.Set(ctx, "key1", []byte("v"), 10*time.Second)

	clock.Advance(10 * time.Second)
	if _, ok, _ := m.Get(ctx, "key1"); ok {
		t.Error("expected miss after TTL")
	}
	if m.Len() != 0 {
		t.Errorf("expected expired entry to be dropped, len=%d", m.Len())
	}
}

func TestMemory_LRUEviction(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(2)
	_ = m.Set(ctx, "a", []byte("a"), 0)
	_ = m.Set(ctx, "b", []byte("b"), 0)
	_ = m.Set(ctx, "c", []byte("c"), 0) // should evict "a"

	if _, ok, _ := m.Get(ctx, "a"); ok {
		t.Error("expected 'a' to be evicted")
	}
	if _, ok, _ := m.Get(ctx, "b"); !ok {
		t.Error("expected 'b' to be present")
	}
	if _, ok, _ := m.Get(ctx, "c"); !ok {
		t.Error("expected 'c' to be present")
	}
}

func TestMemory_LRUAccessOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(2)
	_ = m.Set(ctx, "a", []byte("a"), 0)
	_ = m.Set(ctx, "b", []byte("b"), 0)

	_, _, _ = m.Get(ctx, "a") // "b" is now least recently used

	_ = m.Set(ctx, "c", []byte("c"), 0)

	if _, ok, _ := m.Get(ctx, "a"); !ok {
		t.Error("expected 'a' to be present (recently accessed)")
	}
	if _, ok, _ := m.Get(ctx, "b"); ok {
		t.Error("expected 'b' to be evicted (LRU)")
	}
}

func TestMemory_DelCountsValuesAndSets(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(10)
	_ = m.Set(ctx, "v", []byte("x"), 0)
	_ = m.SAdd(ctx, "s", "a", "b")

	n, err := m.Del(ctx, "v", "s", "missing")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("del = %d, want 2", n)
	}
}

func TestMemory_Sets(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(10)
	_ = m.SAdd(ctx, "tag", "k2", "k1", "k1")

	members, _ := m.SMembers(ctx, "tag")
	if len(members) != 2 || members[0] != "k1" || members[1] != "k2" {
		t.Fatalf("members = %v", members)
	}
	_ = m.SRem(ctx, "tag", "k1", "k2")
	if keys, _ := m.Keys(ctx, "tag"); len(keys) != 0 {
		t.Errorf("expected empty set to disappear, keys=%v", keys)
	}
}

func TestMemory_KeysGlob(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(10)
	for _, k := range []string{"fixtures:today", "fixtures:tomorrow", "leagues:all"} {
		_ = m.Set(ctx, k, []byte(k), 0)
	}
	keys, err := m.Keys(ctx, "fixtures:*")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || keys[0] != "fixtures:today" || keys[1] != "fixtures:tomorrow" {
		t.Errorf("keys = %v", keys)
	}
}

func TestMemory_Concurrent(_ *testing.T) {
	ctx := context.Background()
	m := NewMemory(100)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := string(rune('a' + i%26))
			_ = m.Set(ctx, key, []byte(key), time.Minute)
			_, _, _ = m.Get(ctx, key)
			_ = m.SAdd(ctx, "all", key)
			_, _ = m.Keys(ctx, "*")
		}(i)
	}
	wg.Wait()
}
