package events

import (
	"context"
	"sync"
	"time"
)

// IdempotencyIndex maps client idempotency keys to task IDs so a
// re-submission returns the prior task instead of starting a new one.
type IdempotencyIndex interface {
	// Claim records key -> taskID unless the key is already held, in
	// which case the holder's task ID is returned with false.
	Claim(ctx context.Context, key, taskID string) (string, bool)

	// Release frees a claimed key after a submission that never produced
	// a task, so a retry of the same key is not pinned to a dead ID.
	Release(ctx context.Context, key string)
}

type idemEntry struct {
	taskID   string
	storedAt time.Time
}

// MemoryIdempotencyIndex is the single-process index.
type MemoryIdempotencyIndex struct {
	ttl     time.Duration
	mu      sync.Mutex
	entries map[string]idemEntry
}

// NewMemoryIdempotencyIndex creates an index whose claims expire after
// ttl (default 24h).
func NewMemoryIdempotencyIndex(ttl time.Duration) *MemoryIdempotencyIndex {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryIdempotencyIndex{
		ttl:     ttl,
		entries: make(map[string]idemEntry),
	}
}

// Claim implements IdempotencyIndex.
func (x *MemoryIdempotencyIndex) Claim(ctx context.Context, key, taskID string) (string, bool) {
	now := time.Now()

	x.mu.Lock()
	defer x.mu.Unlock()
	if len(x.entries) > 4096 {
		x.sweepLocked(now)
	}
	if entry, ok := x.entries[key]; ok && now.Sub(entry.storedAt) < x.ttl {
		return entry.taskID, false
	}
	x.entries[key] = idemEntry{taskID: taskID, storedAt: now}
	return taskID, true
}

// Release implements IdempotencyIndex.
func (x *MemoryIdempotencyIndex) Release(ctx context.Context, key string) {
	x.mu.Lock()
	delete(x.entries, key)
	x.mu.Unlock()
}

func (x *MemoryIdempotencyIndex) sweepLocked(now time.Time) {
	for key, entry := range x.entries {
		if now.Sub(entry.storedAt) >= x.ttl {
			delete(x.entries, key)
		}
	}
}
