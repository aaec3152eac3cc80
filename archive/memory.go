package archive

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Memory holds objects in a map.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) Put(_ context.Context, key string, body []byte, _ string) error {
	k, err := cleanKey(key)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[k]; ok {
		return fmt.Errorf("archive object %s already exists", k)
	}
	m.objects[k] = slices.Clone(body)
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	k, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	body, ok := m.objects[k]
	if !ok {
		return nil, notFound(k)
	}
	return slices.Clone(body), nil
}
