package store

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-memory CacheStore. Entries live until the process exits or
// their partition is deleted.
type Memory struct {
	mu         sync.RWMutex
	partitions map[string]map[Key]*Response
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{partitions: make(map[string]map[Key]*Response)}
}

// Open implements CacheStore.
func (m *Memory) Open(_ context.Context, name string) (Partition, error) {
	return &memoryPartition{store: m, name: name}, nil
}

// Match implements CacheStore. Partitions are searched in name order.
func (m *Memory) Match(_ context.Context, key Key, opts ...MatchOption) (*Response, error) {
	o := ApplyMatchOptions(opts)

	m.mu.RLock()
	defer m.mu.RUnlock()

	if o.Partition != "" {
		return m.lookup(o.Partition, key)
	}
	for _, name := range m.sortedNames() {
		if resp, err := m.lookup(name, key); err == nil {
			return resp, nil
		}
	}
	return nil, ErrNotFound
}

// lookup must be called with mu held.
func (m *Memory) lookup(partition string, key Key) (*Response, error) {
	entries, ok := m.partitions[partition]
	if !ok {
		return nil, ErrNotFound
	}
	resp, ok := entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return resp.Clone(), nil
}

// sortedNames must be called with mu held.
func (m *Memory) sortedNames() []string {
	names := make([]string, 0, len(m.partitions))
	for name := range m.partitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Keys implements CacheStore.
func (m *Memory) Keys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedNames(), nil
}

// Delete implements CacheStore.
func (m *Memory) Delete(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.partitions[name]
	delete(m.partitions, name)
	return ok, nil
}

// DeleteAllExcept implements CacheStore.
func (m *Memory) DeleteAllExcept(ctx context.Context, keep ...string) ([]string, error) {
	return DeleteAllExcept(ctx, m, keep...)
}

// Stats implements CacheStore.
func (m *Memory) Stats(_ context.Context) ([]PartitionStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make([]PartitionStats, 0, len(m.partitions))
	for _, name := range m.sortedNames() {
		ps := PartitionStats{Name: name}
		for _, resp := range m.partitions[name] {
			ps.Entries++
			ps.BodyBytes += int64(len(resp.Body))
		}
		stats = append(stats, ps)
	}
	return stats, nil
}

type memoryPartition struct {
	store *Memory
	name  string
}

func (p *memoryPartition) Name() string { return p.name }

func (p *memoryPartition) Put(_ context.Context, key Key, resp *Response) error {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()

	entries, ok := p.store.partitions[p.name]
	if !ok {
		entries = make(map[Key]*Response)
		p.store.partitions[p.name] = entries
	}
	entries[key] = resp
	return nil
}

func (p *memoryPartition) Match(_ context.Context, key Key) (*Response, error) {
	p.store.mu.RLock()
	defer p.store.mu.RUnlock()
	return p.store.lookup(p.name, key)
}

// Compile-time interface checks
var (
	_ CacheStore = (*Memory)(nil)
	_ Partition  = (*memoryPartition)(nil)
)
