package cache_test

import (
	"sync"
	"testing"
	"time"

	"github.com/GTJasonMK/AnyRounterTool/internal/infra/cache"
)

func TestStore_SetAndGet(t *testing.T) {
	c := cache.New[string](0)

	c.Set("key1", "value1")
	val, ok := c.Get("key1")
	if !ok {
		t.Fatal("expected key to exist")
	}
	if val != "value1" {
		t.Errorf("expected 'value1', got '%s'", val)
	}
}

func TestStore_GetMiss(t *testing.T) {
	c := cache.New[string](0)

	if _, ok := c.Get("nonexistent"); ok {
		t.Fatal("expected miss for nonexistent key")
	}
}

func TestStore_Expiration(t *testing.T) {
	c := cache.New[string](50 * time.Millisecond)
	defer c.Close()

	c.Set("key1", "value1")
	time.Sleep(100 * time.Millisecond)

	if _, ok := c.Get("key1"); ok {
		t.Fatal("expected entry to be expired")
	}
}

func TestStore_NoTTLNeverExpires(t *testing.T) {
	c := cache.New[int](0)
	c.Set("k", 1)
	time.Sleep(10 * time.Millisecond)

	if _, ok := c.Get("k"); !ok {
		t.Fatal("expected entry without ttl to persist")
	}
}

func TestStore_Delete(t *testing.T) {
	c := cache.New[string](0)

	c.Set("key1", "value1")
	c.Delete("key1")

	if _, ok := c.Get("key1"); ok {
		t.Fatal("expected key to be deleted")
	}
}

func TestStore_UpdateIsAtomic(t *testing.T) {
	c := cache.New[int](0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Update("counter", func(cur int, _ bool) (int, bool) { return cur + 1, true })
		}()
	}
	wg.Wait()

	got, _ := c.Get("counter")
	if got != 50 {
		t.Fatalf("expected 50, got %d", got)
	}
}

func TestStore_UpdateSkipsWhenNotKept(t *testing.T) {
	c := cache.New[int](0)
	c.Update("absent", func(cur int, exists bool) (int, bool) { return 7, exists })

	if _, ok := c.Get("absent"); ok {
		t.Fatal("expected update to be skipped for missing key")
	}
}

func TestStore_SnapshotOrderedByKey(t *testing.T) {
	c := cache.New[string](0)
	c.Set("b", "B")
	c.Set("a", "A")
	c.Set("c", "C")

	snap := c.Snapshot()
	if len(snap) != 3 || snap[0] != "A" || snap[1] != "B" || snap[2] != "C" {
		t.Fatalf("unexpected snapshot %v", snap)
	}
	if c.Len() != 3 {
		t.Fatalf("expected len 3, got %d", c.Len())
	}
}
