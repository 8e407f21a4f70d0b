package refstore

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/brineport/gitcellar/internal/githash"
)

// LockManager owns one weighted semaphore (weight 1) per normalized ref
// path, created lazily. A side mutex guards creation so concurrent
// first-touches of the same ref path never race on map insertion.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*semaphore.Weighted
}

// NewLockManager returns an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]*semaphore.Weighted)}
}

func (m *LockManager) semFor(name string) *semaphore.Weighted {
	m.mu.Lock()
	defer m.mu.Unlock()
	sem, ok := m.locks[name]
	if !ok {
		sem = semaphore.NewWeighted(1)
		m.locks[name] = sem
	}
	return sem
}

// Handle releases a single ref's lock.
type Handle struct {
	sem *semaphore.Weighted
}

// Release releases the held lock. Safe to call at most once.
func (h *Handle) Release() { h.sem.Release(1) }

// AcquireOne acquires name's lock, blocking until available.
func (m *LockManager) AcquireOne(name string) (*Handle, error) {
	return m.AcquireOneContext(context.Background(), name)
}

// AcquireOneContext acquires name's lock, cancellation-aware.
func (m *LockManager) AcquireOneContext(ctx context.Context, name string) (*Handle, error) {
	sem := m.semFor(name)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return &Handle{sem: sem}, nil
}

// MultiHandle holds locks across several ref paths, acquired in a fixed
// global order to avoid deadlocking against another multi-ref acquirer
// whose ref sets overlap.
type MultiHandle struct {
	store *Store
	names []string
	held  []*Handle
}

// Release releases every lock held by the handle, in reverse
// acquisition order. Idempotent.
func (h *MultiHandle) Release() {
	for i := len(h.held) - 1; i >= 0; i-- {
		h.held[i].Release()
	}
	h.held = nil
}

// WriteWithValidation performs a CAS-guarded write for name, which must
// be one of the ref paths this handle locked.
func (h *MultiHandle) WriteWithValidation(name string, expectedOld *githash.Hash, newValue *githash.Hash) error {
	found := false
	for _, n := range h.names {
		if n == name {
			found = true
			break
		}
	}
	if !found {
		return errNotLocked(name)
	}
	return h.store.writeLocked(name, expectedOld, newValue)
}

// AcquireMulti deduplicates names, sorts them into a global
// byte-lexicographic order, and acquires each lock in turn. If
// acquisition fails partway (including context cancellation), every
// already-acquired lock is released before returning the error.
func (m *LockManager) AcquireMulti(ctx context.Context, names []string) (*MultiHandle, error) {
	dedup := make(map[string]struct{}, len(names))
	var unique []string
	for _, n := range names {
		if _, ok := dedup[n]; ok {
			continue
		}
		dedup[n] = struct{}{}
		unique = append(unique, n)
	}
	sort.Strings(unique)

	h := &MultiHandle{names: unique}
	for _, n := range unique {
		handle, err := m.AcquireOneContext(ctx, n)
		if err != nil {
			h.Release()
			return nil, err
		}
		h.held = append(h.held, handle)
	}
	return h, nil
}

// AcquireMulti on a Store is the store-bound convenience form used by the
// receive-pack path: it both acquires the locks and binds the returned
// handle's WriteWithValidation to this store.
func (s *Store) AcquireMulti(ctx context.Context, names []string) (*MultiHandle, error) {
	h, err := s.locks.AcquireMulti(ctx, names)
	if err != nil {
		return nil, err
	}
	h.store = s
	return h, nil
}

type notLockedError string

func (e notLockedError) Error() string {
	return "refstore: " + string(e) + " was not locked by this handle"
}

func errNotLocked(name string) error { return notLockedError(name) }
