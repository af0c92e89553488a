package syncutil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestKeyedMutex_LockUnlock(t *testing.T) {
	m := NewKeyedMutex()
	unlock, err := m.Lock(context.Background(), []byte("escrow-1"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	unlock()

	// Re-acquire after release.
	unlock, err = m.Lock(context.Background(), []byte("escrow-1"))
	if err != nil {
		t.Fatalf("re-lock failed: %v", err)
	}
	unlock()
}

func TestKeyedMutex_MutualExclusion(t *testing.T) {
	m := NewKeyedMutex()
	key := []byte("counter")

	counter := 0
	var wg sync.WaitGroup
	const n = 100
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(context.Background(), key)
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			counter++
			unlock()
		}()
	}
	wg.Wait()

	if counter != n {
		t.Fatalf("expected %d, got %d", n, counter)
	}
}

func TestKeyedMutex_ContextCancelled(t *testing.T) {
	m := NewKeyedMutex()
	unlock, _ := m.Lock(context.Background(), []byte("held"))
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Lock(ctx, []byte("held")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestKeyedMutex_WaiterProceedsAfterUnlock(t *testing.T) {
	m := NewKeyedMutex()
	unlock, _ := m.Lock(context.Background(), []byte("k"))

	acquired := make(chan struct{})
	go func() {
		u, err := m.Lock(context.Background(), []byte("k"))
		if err != nil {
			return
		}
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second goroutine acquired lock before first released")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter did not acquire lock after release")
	}
}
