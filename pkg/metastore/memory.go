package metastore

import (
	"context"
	"slices"
	"sort"
	"sync"
)

// Memory is an in-process Backend.
type Memory struct {
	mu         sync.RWMutex
	namespaces map[string]*memNamespace
}

type memNamespace struct {
	keys   []string
	values map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{namespaces: map[string]*memNamespace{}}
}

func (m *Memory) CreateNamespace(ctx context.Context, ns string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.namespaces[ns]; ok {
		return ErrNamespaceExists
	}
	m.namespaces[ns] = &memNamespace{values: map[string][]byte{}}
	return nil
}

func (m *Memory) DeleteNamespace(ctx context.Context, ns string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.namespaces[ns]; !ok {
		return ErrNamespaceNotFound
	}
	delete(m.namespaces, ns)
	return nil
}

func (m *Memory) NamespaceExists(ctx context.Context, ns string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.namespaces[ns]
	return ok, nil
}

func (m *Memory) Get(ctx context.Context, ns, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.namespaces[ns]
	if !ok {
		return nil, ErrNamespaceNotFound
	}
	v, ok := n.values[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return slices.Clone(v), nil
}

func (m *Memory) Put(ctx context.Context, ns, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.namespaces[ns]
	if !ok {
		return ErrNamespaceNotFound
	}
	if _, exists := n.values[key]; !exists {
		i := sort.SearchStrings(n.keys, key)
		n.keys = slices.Insert(n.keys, i, key)
	}
	n.values[key] = slices.Clone(value)
	return nil
}

func (m *Memory) Delete(ctx context.Context, ns, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.namespaces[ns]
	if !ok {
		return ErrNamespaceNotFound
	}
	if _, exists := n.values[key]; !exists {
		return ErrKeyNotFound
	}
	delete(n.values, key)
	i := sort.SearchStrings(n.keys, key)
	n.keys = slices.Delete(n.keys, i, i+1)
	return nil
}

func (m *Memory) Scan(ctx context.Context, ns, start string, fn ScanFunc) error {
	return scanBatches(ctx, start, func(from string, after bool, limit int) ([]entry, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		n, ok := m.namespaces[ns]
		if !ok {
			return nil, ErrNamespaceNotFound
		}
		i := sort.SearchStrings(n.keys, from)
		if after && i < len(n.keys) && n.keys[i] == from {
			i++
		}
		var out []entry
		for ; i < len(n.keys) && len(out) < limit; i++ {
			k := n.keys[i]
			out = append(out, entry{key: k, value: slices.Clone(n.values[k])})
		}
		return out, nil
	}, fn)
}

func (m *Memory) Close() error {
	return nil
}
