package refstore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAcquireOneSerializesAccess(t *testing.T) {
	m := NewLockManager()
	var counter int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := m.AcquireOne("refs/heads/main")
			if err != nil {
				t.Errorf("AcquireOne: %v", err)
				return
			}
			defer h.Release()
			cur := atomic.AddInt32(&counter, 1)
			if cur != 1 {
				t.Errorf("overlapping critical section, counter=%d", cur)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&counter, -1)
		}()
	}
	wg.Wait()
}

func TestAcquireMultiDeduplicatesAndOrders(t *testing.T) {
	m := NewLockManager()
	h, err := m.AcquireMulti(context.Background(), []string{"refs/heads/b", "refs/heads/a", "refs/heads/a"})
	if err != nil {
		t.Fatalf("AcquireMulti: %v", err)
	}
	if len(h.names) != 2 {
		t.Fatalf("len(names) = %d, want 2", len(h.names))
	}
	if h.names[0] != "refs/heads/a" || h.names[1] != "refs/heads/b" {
		t.Fatalf("names = %v, want sorted [a b]", h.names)
	}
	h.Release()
}

func TestAcquireMultiNoDeadlockOnOverlappingSets(t *testing.T) {
	m := NewLockManager()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			h, err := m.AcquireMulti(context.Background(), []string{"refs/heads/a", "refs/heads/b"})
			if err != nil {
				t.Errorf("AcquireMulti: %v", err)
				return
			}
			h.Release()
		}()
		go func() {
			defer wg.Done()
			h, err := m.AcquireMulti(context.Background(), []string{"refs/heads/b", "refs/heads/c"})
			if err != nil {
				t.Errorf("AcquireMulti: %v", err)
				return
			}
			h.Release()
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("deadlock: overlapping multi-ref acquisitions did not complete")
	}
}

func TestAcquireMultiReleasesOnContextCancel(t *testing.T) {
	m := NewLockManager()
	held, err := m.AcquireOne("refs/heads/a")
	if err != nil {
		t.Fatalf("AcquireOne: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = m.AcquireMulti(ctx, []string{"refs/heads/a", "refs/heads/z"})
	if err == nil {
		t.Fatal("expected AcquireMulti to fail while refs/heads/a is held")
	}
	held.Release()

	h2, err := m.AcquireMulti(context.Background(), []string{"refs/heads/a", "refs/heads/z"})
	if err != nil {
		t.Fatalf("AcquireMulti after release: %v", err)
	}
	h2.Release()
}
