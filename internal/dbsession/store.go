package dbsession

import (
	"sort"
	"sync"
)

// MemoryStore is a process-local ConnectionStringStore
type MemoryStore struct {
	mu      sync.RWMutex
	strings map[string]string
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{strings: make(map[string]string)}
}

func (m *MemoryStore) PutConnectionString(key, connectionString string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings[key] = connectionString
	return nil
}

func (m *MemoryStore) ConnectionString(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.strings[key]
	return s, ok, nil
}

func (m *MemoryStore) ListConnectionKeys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.strings))
	for k := range m.strings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
