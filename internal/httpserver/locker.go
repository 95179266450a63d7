package httpserver

import (
	"context"
	"sync"
	"time"
)

// Locker is the subset of cache.Redis used for short-lived guards. Unlock
// only releases a key still held under the same token.
type Locker interface {
	TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, token string) error
}

type heldLock struct {
	token   string
	expires time.Time
}

// memoryLocker guards a single process when Redis is not configured.
type memoryLocker struct {
	mu   sync.Mutex
	held map[string]heldLock
	now  func() time.Time
}

func newMemoryLocker() *memoryLocker {
	return &memoryLocker{held: map[string]heldLock{}, now: time.Now}
}

func (m *memoryLocker) TryLock(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if h, ok := m.held[key]; ok && now.Before(h.expires) {
		return false, nil
	}
	m.held[key] = heldLock{token: token, expires: now.Add(ttl)}
	return true, nil
}

func (m *memoryLocker) Unlock(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.held[key]; ok && h.token == token {
		delete(m.held, key)
	}
	return nil
}
