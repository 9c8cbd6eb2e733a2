package presence

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	token   string
	expires time.Time
}

// MemoryTracker implements Tracker in-process with the same TTL contract as
// the Redis tracker. Suitable for single-process deployments and tests.
type MemoryTracker struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemory builds an in-process tracker.
func NewMemory(ttl time.Duration) *MemoryTracker {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &MemoryTracker{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (t *MemoryTracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

func (t *MemoryTracker) SetOnline(_ context.Context, userID, token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[userID] = memoryEntry{token: token, expires: t.now().Add(t.ttl)}
	return nil
}

func (t *MemoryTracker) Refresh(_ context.Context, userID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[userID]
	if !ok || !e.expires.After(t.now()) {
		return nil
	}
	e.expires = t.now().Add(t.ttl)
	t.entries[userID] = e
	return nil
}

func (t *MemoryTracker) SetOffline(_ context.Context, userID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, userID)
	return nil
}

func (t *MemoryTracker) IsOnline(_ context.Context, userID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[userID]
	if !ok {
		return false, nil
	}
	if !e.expires.After(t.now()) {
		delete(t.entries, userID)
		return false, nil
	}
	return true, nil
}
