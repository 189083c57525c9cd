package mapping

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/steveyegge/trackbridge/internal/types"
)

type mappingKey struct {
	jobID, stepName, externalID string
}

type dataKey struct {
	jobID, key string
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu       sync.RWMutex
	mappings map[mappingKey]string
	data     map[dataKey][]byte
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mappings: make(map[mappingKey]string),
		data:     make(map[dataKey][]byte),
	}
}

// StoreMapping implements Store.
func (m *MemoryStore) StoreMapping(_ context.Context, jobID, stepName string, pairs []types.MappingPair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range pairs {
		if p.ExternalID == "" || p.InternalID == "" {
			return fmt.Errorf("mapping %s/%s: external and internal ids are required", jobID, stepName)
		}
		m.mappings[mappingKey{jobID, stepName, p.ExternalID}] = p.InternalID
	}
	return nil
}

// GetMapping implements Store.
func (m *MemoryStore) GetMapping(_ context.Context, jobID, stepName, externalID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.mappings[mappingKey{jobID, stepName, externalID}]
	return id, ok, nil
}

// RetrieveMapping implements Store.
func (m *MemoryStore) RetrieveMapping(_ context.Context, jobID, stepName string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string)
	for k, v := range m.mappings {
		if k.jobID == jobID && k.stepName == stepName {
			out[k.externalID] = v
		}
	}
	return out, nil
}

// LookupMapping implements Store.
func (m *MemoryStore) LookupMapping(_ context.Context, jobID, stepName string, externalIDs []string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(externalIDs))
	for _, ext := range externalIDs {
		if v, ok := m.mappings[mappingKey{jobID, stepName, ext}]; ok {
			out[ext] = v
		}
	}
	return out, nil
}

// StoreData implements Store.
func (m *MemoryStore) StoreData(_ context.Context, jobID, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[dataKey{jobID, key}] = raw
	return nil
}

// RetrieveData implements Store.
func (m *MemoryStore) RetrieveData(_ context.Context, jobID, key string, out any) (bool, error) {
	m.mu.RLock()
	raw, ok := m.data[dataKey{jobID, key}]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

// Len returns the number of mappings, for tests.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.mappings)
}
