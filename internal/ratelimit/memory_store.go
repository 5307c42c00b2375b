package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	start time.Time
	count int
}

// MemoryStore keeps windows in a map guarded by one mutex.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]window
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]window)}
}

func (m *MemoryStore) Incr(_ context.Context, key string, now time.Time, size time.Duration) (int, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok || now.Sub(w.start) > size {
		w = window{start: now}
	}
	w.count++
	m.windows[key] = w

	return w.count, size - now.Sub(w.start), nil
}

func (m *MemoryStore) Sweep(_ context.Context, now time.Time, size time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k, w := range m.windows {
		if now.Sub(w.start) > size {
			delete(m.windows, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of tracked windows.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}
