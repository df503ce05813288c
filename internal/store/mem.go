package store

import (
	"fmt"
	"sort"
	"sync"
)

// MemStore is an in-memory Store used by tests and one-shot runs
type MemStore struct {
	mu       sync.RWMutex
	docs     map[string][]byte
	siblings map[string]map[string][]byte
}

// NewMemStore returns an empty in-memory store
func NewMemStore() *MemStore {
	return &MemStore{
		docs:     make(map[string][]byte),
		siblings: make(map[string]map[string][]byte),
	}
}

func (m *MemStore) Get(docID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.docs[docID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, docID)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemStore) Put(docID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[docID] = append([]byte(nil), data...)
	return nil
}

func (m *MemStore) Delete(docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, docID)
	return nil
}

func (m *MemStore) List() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.docs))
	for id := range m.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemStore) PutSibling(docID, from string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.siblings[docID] == nil {
		m.siblings[docID] = make(map[string][]byte)
	}
	m.siblings[docID][from] = append([]byte(nil), data...)
	return nil
}

func (m *MemStore) Siblings(docID string) ([]Sibling, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Sibling
	for from, data := range m.siblings[docID] {
		out = append(out, Sibling{From: from, Data: append([]byte(nil), data...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].From < out[j].From })
	return out, nil
}

func (m *MemStore) DropSiblings(docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.siblings, docID)
	return nil
}
