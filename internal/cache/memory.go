package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStorage はプロセス内メモリでパーティションを保持するStorage実装。
type MemoryStorage struct {
	mu         sync.RWMutex
	order      []string
	partitions map[string]*memoryPartition
}

// NewMemoryStorage は空のMemoryStorageを生成する。
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{partitions: make(map[string]*memoryPartition)}
}

// Open は名前付きパーティションを開く。
func (s *MemoryStorage) Open(_ context.Context, name string) (Partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.partitions[name]; ok {
		return p, nil
	}
	p := &memoryPartition{name: name, entries: make(map[string]*Entry)}
	s.partitions[name] = p
	s.order = append(s.order, name)
	return p, nil
}

// Names は作成順にパーティション名を返す。
func (s *MemoryStorage) Names(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, len(s.order))
	copy(names, s.order)
	return names, nil
}

// Delete はパーティションを削除する。
func (s *MemoryStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.partitions[name]; !ok {
		return false, nil
	}
	delete(s.partitions, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}

// Match は作成順に全パーティションを探索する。
func (s *MemoryStorage) Match(ctx context.Context, key string) (*Entry, error) {
	s.mu.RLock()
	parts := make([]*memoryPartition, 0, len(s.order))
	for _, n := range s.order {
		parts = append(parts, s.partitions[n])
	}
	s.mu.RUnlock()

	for _, p := range parts {
		e, err := p.Match(ctx, key)
		if err != nil {
			return nil, err
		}
		if e != nil {
			return e, nil
		}
	}
	return nil, nil
}

// Evict は古いエントリを削除する。
func (s *MemoryStorage) Evict(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.RLock()
	parts := make([]*memoryPartition, 0, len(s.partitions))
	for _, p := range s.partitions {
		parts = append(parts, p)
	}
	s.mu.RUnlock()

	var removed int64
	for _, p := range parts {
		removed += p.evict(olderThan)
	}
	return removed, nil
}

type memoryPartition struct {
	name    string
	mu      sync.RWMutex
	entries map[string]*Entry
}

func (p *memoryPartition) Name() string { return p.name }

func (p *memoryPartition) Put(_ context.Context, entry *Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[entry.Key] = entry
	return nil
}

func (p *memoryPartition) Match(_ context.Context, key string) (*Entry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.entries[key], nil
}

func (p *memoryPartition) Keys(_ context.Context) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	keys := make([]string, 0, len(p.entries))
	for k := range p.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (p *memoryPartition) evict(olderThan time.Time) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var removed int64
	for k, e := range p.entries {
		if e.StoredAt.Before(olderThan) {
			delete(p.entries, k)
			removed++
		}
	}
	return removed
}

// compile-time interface check
var _ Storage = (*MemoryStorage)(nil)
