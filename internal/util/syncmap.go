package util

import "sync"

func NewSyncMap[K comparable, V any]() SyncMap[K, V] {
	return SyncMap[K, V]{m: map[K]V{}}
}

// SyncMap is a map guarded by a RWMutex. The zero value is not usable; create
// one with NewSyncMap.
type SyncMap[K comparable, V any] struct {
	m  map[K]V
	mu sync.RWMutex
}

func (m *SyncMap[K, V]) Get(k K) V {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.m[k]
}

func (m *SyncMap[K, V]) GetCheck(k K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.m[k]
	return v, ok
}

// GetOrLoad returns the value stored under k, calling load to produce it when
// absent. Only successful loads are stored. Concurrent callers for the same
// missing key may each call load.
func (m *SyncMap[K, V]) GetOrLoad(k K, load func() (V, error)) (V, error) {
	if v, ok := m.GetCheck(k); ok {
		return v, nil
	}
	v, err := load()
	if err != nil {
		return v, err
	}
	m.Set(k, v)
	return v, nil
}

func (m *SyncMap[K, V]) Set(k K, v V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[k] = v
}

func (m *SyncMap[K, V]) Delete(k K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.m, k)
}

func (m *SyncMap[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.m)
}

func (m *SyncMap[K, V]) Keys() []K {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]K, 0, len(m.m))
	for k := range m.m {
		keys = append(keys, k)
	}
	return keys
}

func (m *SyncMap[K, V]) Values() []V {
	m.mu.RLock()
	defer m.mu.RUnlock()
	values := make([]V, 0, len(m.m))
	for _, v := range m.m {
		values = append(values, v)
	}
	return values
}
