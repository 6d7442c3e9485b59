package store

import (
	"sort"
	"sync"
)

// Memory is an in-memory store.
type Memory struct {
	entries map[uint64]*Entry
	mu      sync.RWMutex
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[uint64]*Entry)}
}

func clone(e *Entry) *Entry {
	c := *e
	c.Value = append([]byte(nil), e.Value...)
	return &c
}

// Save stores a copy of e.
func (m *Memory) Save(e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.ID] = clone(e)
	return nil
}

// Load returns a copy of the entry for id.
func (m *Memory) Load(id uint64) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(e), nil
}

// Delete removes id.
func (m *Memory) Delete(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

// All returns copies of every entry, oldest first.
func (m *Memory) All() ([]*Entry, error) {
	m.mu.RLock()
	out := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, clone(e))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Updated.Before(out[j].Updated) })
	return out, nil
}

// Clear removes all entries.
func (m *Memory) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[uint64]*Entry)
	return nil
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}
