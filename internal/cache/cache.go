// Package cache stores computed read models. Writers invalidate a whole
// namespace at once by bumping its version, so stale keys simply age out.
package cache

import (
	"context"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// Cache is a namespaced JSON cache. Values are read and written against
// the namespace version observed before computing them, so a value computed
// across an Invalidate is never served.
type Cache interface {
	// Version is the current namespace version.
	Version(ctx context.Context) (int64, error)
	// Get decodes the value stored for key at version into dst and reports
	// whether it was found.
	Get(ctx context.Context, version int64, key string, dst any) (bool, error)
	// Set stores v for key at version. Writes for an outdated version are
	// never visible to readers of the current one.
	Set(ctx context.Context, version int64, key string, v any) error
	// Invalidate drops every key in the namespace.
	Invalidate(ctx context.Context) error
}

// Noop never stores anything.
type Noop struct{}

func (Noop) Version(context.Context) (int64, error)                { return 0, nil }
func (Noop) Get(context.Context, int64, string, any) (bool, error) { return false, nil }
func (Noop) Set(context.Context, int64, string, any) error         { return nil }
func (Noop) Invalidate(context.Context) error                      { return nil }

// Memory is a process-local cache with a fixed TTL.
type Memory struct {
	mu         sync.Mutex
	ttl        time.Duration
	generation int64
	entries    map[string]memoryEntry
	now        func() time.Time
}

type memoryEntry struct {
	payload []byte
	expires time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{ttl: ttl, entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *Memory) Version(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation, nil
}

func (m *Memory) Get(_ context.Context, version int64, key string, dst any) (bool, error) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if version != m.generation {
		ok = false
	}
	if ok && m.ttl > 0 && m.now().After(e.expires) {
		delete(m.entries, key)
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(e.payload, dst)
}

func (m *Memory) Set(_ context.Context, version int64, key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if version != m.generation {
		return nil
	}
	m.entries[key] = memoryEntry{payload: payload, expires: m.now().Add(m.ttl)}
	return nil
}

func (m *Memory) Invalidate(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation++
	clear(m.entries)
	return nil
}

// Len is the number of live entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
