// Package kv provides the shared key/value primitives the coordination
// protocol needs: conditional-set-if-absent with TTL, read, refresh, and
// compare-and-delete. Two implementations exist: an in-process store for
// tests and single-instance runs, and a NATS JetStream bucket for
// replicated deployments.
package kv

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Key builders for the coordination namespace.
func OwnerKey(contestID int64) string {
	return fmt.Sprintf("debate:owner:%d", contestID)
}

func RecoveryLockKey(contestID int64) string {
	return fmt.Sprintf("debate:recovery_lock:%d", contestID)
}

func AttachmentKey(botID int64) string {
	return fmt.Sprintf("bot:connected:%d", botID)
}

// Store is the minimal contract required for safety: SetIfAbsent is the
// only atomic primitive; everything else tolerates the single-writer
// invariant each key carries.
type Store interface {
	// SetIfAbsent writes key=value with the given TTL only if the key is
	// currently absent (or expired). Returns true when the write won.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Get returns the current value. ok is false for absent or expired keys.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Refresh extends the TTL only if the current value equals expect.
	Refresh(ctx context.Context, key, expect string, ttl time.Duration) (bool, error)

	// CompareAndDelete removes the key only if its value equals expect.
	CompareAndDelete(ctx context.Context, key, expect string) (bool, error)
}

// Memory is an in-process Store. Expiry is enforced on read.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memEntry
	clock   func() time.Time
}

type memEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memEntry), clock: time.Now}
}

// SetClock overrides the time source. Test hook.
func (m *Memory) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

func (m *Memory) live(key string) (memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if m.clock().After(e.expiresAt) {
		delete(m.entries, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *Memory) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.entries[key] = memEntry{value: value, expiresAt: m.clock().Add(ttl)}
	return true, nil
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Refresh(_ context.Context, key, expect string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok || e.value != expect {
		return false, nil
	}
	m.entries[key] = memEntry{value: e.value, expiresAt: m.clock().Add(ttl)}
	return true, nil
}

func (m *Memory) CompareAndDelete(_ context.Context, key, expect string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok || e.value != expect {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}
