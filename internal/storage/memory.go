package storage

import (
	"context"
	"sync"
)

// Memory is a bounded in-process history ring.
type Memory struct {
	mu     sync.Mutex
	max    int
	items  []Execution
	closed bool
}

func NewMemory(limit int) *Memory {
	if limit <= 0 {
		limit = 1000
	}
	return &Memory{max: limit}
}

func (m *Memory) AppendExecution(ctx context.Context, e Execution) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.items = append(m.items, e)
	if len(m.items) > m.max {
		m.items = append(m.items[:0:0], m.items[len(m.items)-m.max:]...)
	}
	return nil
}

func (m *Memory) Recent(ctx context.Context, q Query) ([]Execution, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	return newestFirst(m.items, q), nil
}

func (m *Memory) Stats(ctx context.Context, hookID string) (HookStats, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	return statsOf(hookID, m.items), nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// newestFirst filters items (stored oldest first) and returns up to
// q.Limit matches, newest first.
func newestFirst(items []Execution, q Query) []Execution {
	limit := q.limit()
	out := make([]Execution, 0, min(limit, len(items)))
	for i := len(items) - 1; i >= 0 && len(out) < limit; i-- {
		if q.match(items[i]) {
			out = append(out, items[i])
		}
	}
	return out
}
