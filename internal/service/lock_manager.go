package service

import (
	"context"
	"sort"
	"sync"
	"time"

	cerrors "github.com/devrev/pairdb/cache-node/internal/errors"
)

type keyLock struct {
	sem  chan struct{}
	refs int
}

// LockManager hands out exclusive per-key locks. The primary owner takes them
// before applying a write so operations on one key are serialized.
type LockManager struct {
	mu      sync.Mutex
	locks   map[string]*keyLock
	timeout time.Duration
}

// NewLockManager creates a lock manager whose acquisitions give up after timeout
func NewLockManager(timeout time.Duration) *LockManager {
	return &LockManager{
		locks:   make(map[string]*keyLock),
		timeout: timeout,
	}
}

// Lock acquires the lock of key and returns its release function
func (m *LockManager) Lock(ctx context.Context, key string) (func(), error) {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	return m.acquire(ctx, key)
}

// LockAll acquires the locks of every key in ascending key order, so two
// batches over overlapping keys cannot deadlock. On failure nothing stays locked.
func (m *LockManager) LockAll(ctx context.Context, keys []string) (func(), error) {
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	releases := make([]func(), 0, len(sorted))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	prev := ""
	for i, key := range sorted {
		if i > 0 && key == prev {
			continue
		}
		prev = key
		release, err := m.acquire(ctx, key)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

func (m *LockManager) acquire(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.sem
				m.unref(key, l)
			})
		}, nil
	case <-ctx.Done():
		m.unref(key, l)
		return nil, cerrors.LockTimeout(key)
	}
}

func (m *LockManager) unref(key string, l *keyLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}

// Held returns the number of keys with a holder or waiter
func (m *LockManager) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
