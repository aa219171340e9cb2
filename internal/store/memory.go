package store

import (
	"context"
	"slices"
	"sync"

	"github.com/roach88/substrate/internal/ident"
	"github.com/roach88/substrate/internal/value"
)

// Memory keeps values in process memory.
type Memory struct {
	mu     sync.RWMutex
	data   map[string]map[uint64]value.Value
	nextID uint64
}

// NewMemory creates an empty memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[uint64]value.Value)}
}

func (m *Memory) NewID(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := m.nextID
	m.nextID++
	return formatKey(k), nil
}

func (m *Memory) Set(_ context.Context, id ident.ID, v value.Value) error {
	ns, k, err := keyOf(id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	bucket := m.data[ns]
	next, err := applySet(bucket[k], id, v)
	if err != nil {
		return err
	}
	if bucket == nil {
		bucket = make(map[uint64]value.Value)
		m.data[ns] = bucket
	}
	bucket[k] = next
	m.nextID = advance(m.nextID, k)
	return nil
}

func (m *Memory) GetFull(_ context.Context, id ident.ID) (value.Value, error) {
	ns, k, err := keyOf(id)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	root := m.data[ns][k]
	m.mu.RUnlock()

	return getFull(root, id)
}

func (m *Memory) GetRaw(_ context.Context, id ident.ID) ([]byte, error) {
	ns, k, err := keyOf(id)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	root := m.data[ns][k]
	m.mu.RUnlock()

	return getRaw(root, id)
}

func (m *Memory) FirstID(_ context.Context, ns string) (uint64, bool, error) {
	keys := m.sortedKeys(ns)
	if len(keys) == 0 {
		return 0, false, nil
	}
	return keys[0], true, nil
}

func (m *Memory) NextID(_ context.Context, ns string, prev uint64) (uint64, bool, error) {
	keys := m.sortedKeys(ns)
	i, found := slices.BinarySearch(keys, prev)
	if found {
		i++
	}
	if i >= len(keys) {
		return 0, false, nil
	}
	return keys[i], true, nil
}

func (m *Memory) sortedKeys(ns string) []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]uint64, 0, len(m.data[ns]))
	for k := range m.data[ns] {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Close is a no-op; the data is discarded with the store.
func (m *Memory) Close() error {
	return nil
}
