package store

import (
	"context"
	"sync"
)

// Memory is an in-process Backend. Its contents end with the process.
type Memory struct {
	mu   sync.RWMutex
	vals map[string]string
}

func NewMemory() *Memory {
	return &Memory{vals: make(map[string]string)}
}

func (m *Memory) Get(_ context.Context, keys ...string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := m.vals[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (m *Memory) Put(_ context.Context, set map[string]string, remove ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range remove {
		delete(m.vals, k)
	}
	for k, v := range set {
		m.vals[k] = v
	}
	return nil
}

func (m *Memory) Close() error { return nil }
