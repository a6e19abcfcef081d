// filename: internal/automation/state/store_test.go
package state

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/autoops/autoops/internal/common/config"
)

func exerciseStore(t *testing.T, store Store) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	entry, err := store.Get(ctx, "r1/c1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !entry.IsZero() {
		t.Fatalf("Expected zero entry for unknown key, got %+v", entry)
	}

	if err := store.Put(ctx, "r1/c1", Entry{BecameTrue: now}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Put(ctx, "r1/c2", Entry{LastFired: now.Add(time.Second)}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Put(ctx, "r2/c1", Entry{BecameTrue: now}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	entry, _ = store.Get(ctx, "r1/c1")
	if !entry.BecameTrue.Equal(now) || !entry.LastFired.IsZero() {
		t.Errorf("Unexpected entry after put: %+v", entry)
	}

	// Сброс одной метки не трогает другую
	if err := store.Put(ctx, "r1/c2", Entry{LastFired: now.Add(time.Second), BecameTrue: now}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Put(ctx, "r1/c2", Entry{LastFired: now.Add(time.Second)}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	entry, _ = store.Get(ctx, "r1/c2")
	if !entry.BecameTrue.IsZero() || !entry.LastFired.Equal(now.Add(time.Second)) {
		t.Errorf("Unexpected entry after partial reset: %+v", entry)
	}

	if err := store.DeletePrefix(ctx, "r1/"); err != nil {
		t.Fatalf("DeletePrefix failed: %v", err)
	}
	for _, key := range []string{"r1/c1", "r1/c2"} {
		entry, _ = store.Get(ctx, key)
		if !entry.IsZero() {
			t.Errorf("Expected %s to be removed", key)
		}
	}
	entry, _ = store.Get(ctx, "r2/c1")
	if entry.IsZero() {
		t.Error("DeletePrefix removed a key of another rule")
	}

	if err := store.Delete(ctx, "r2/c1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	entry, _ = store.Get(ctx, "r2/c1")
	if !entry.IsZero() {
		t.Error("Expected r2/c1 to be removed")
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStore_PutZeroDeletes(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_ = store.Put(ctx, "r/c", Entry{BecameTrue: time.Now()})
	_ = store.Put(ctx, "r/c", Entry{})

	if n := store.Stats()["entries"]; n != 0 {
		t.Errorf("Expected 0 entries, got %v", n)
	}
}

func TestMemoryStore_ConcurrentAccess(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("r%d/c", i%4)
			_ = store.Put(ctx, key, Entry{BecameTrue: time.Now()})
			_, _ = store.Get(ctx, key)
		}(i)
	}
	wg.Wait()

	if n := store.Stats()["entries"]; n != 4 {
		t.Errorf("Expected 4 entries, got %v", n)
	}
}

func TestRedisStore(t *testing.T) {
	host := os.Getenv("AUTOOPS_TEST_REDIS_HOST")
	if host == "" {
		t.Skip("AUTOOPS_TEST_REDIS_HOST not set, skipping Redis test")
	}

	store, err := NewRedisStore(config.RedisConfig{
		Host:      host,
		Port:      6379,
		Timeout:   2 * time.Second,
		KeyPrefix: fmt.Sprintf("autoops-test-%d:", time.Now().UnixNano()),
	})
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer store.Close()

	exerciseStore(t, store)
}
