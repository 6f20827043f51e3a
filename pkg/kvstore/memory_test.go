package kvstore

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"
)

func TestMemorySetGetDelete(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	if err := m.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := m.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v, %v", got, ok, err)
	}
	if string(got) != "v" {
		t.Fatalf("value = %q, want v", got)
	}
	if err := m.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Fatal("key survived Delete")
	}
}

func TestMemoryTTLExpiry(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	if err := m.Set(ctx, "short", []byte("v"), 10*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok, _ := m.Get(ctx, "short"); !ok {
		t.Fatal("key missing before expiry")
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok, _ := m.Get(ctx, "short"); ok {
		t.Fatal("key survived its TTL")
	}
}

func TestMemoryUpdateSerializes(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	// Concurrent increments on one key; a lost update would leave the
	// counter short.
	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.Update(ctx, "counter", 0, func(old []byte, found bool) ([]byte, error) {
				cur := 0
				if found {
					cur, _ = strconv.Atoi(string(old))
				}
				return []byte(strconv.Itoa(cur + 1)), nil
			})
			if err != nil {
				t.Errorf("Update: %v", err)
			}
		}()
	}
	wg.Wait()

	got, ok, _ := m.Get(ctx, "counter")
	if !ok || string(got) != strconv.Itoa(n) {
		t.Fatalf("counter = %q, %v; want %d", got, ok, n)
	}
}

func TestMemoryUpdateErrorAborts(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	if err := m.Set(ctx, "k", []byte("v1"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	err := m.Update(ctx, "k", 0, func([]byte, bool) ([]byte, error) {
		return nil, context.Canceled
	})
	if err == nil {
		t.Fatal("Update swallowed the callback error")
	}
	got, _, _ := m.Get(ctx, "k")
	if string(got) != "v1" {
		t.Fatalf("value = %q, want v1 after aborted update", got)
	}
}

func TestMemoryRewriteExtendsTTL(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	if err := m.Set(ctx, "k", []byte("v1"), 10*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := m.Set(ctx, "k", []byte("v2"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	got, ok, _ := m.Get(ctx, "k")
	if !ok || string(got) != "v2" {
		t.Fatalf("Get after rewrite = %q, %v; want v2, true", got, ok)
	}
}
