package statestore

import (
	"context"
	"sync"

	"github.com/ghalamif/aegisbridge/internal/ports"
)

// Memory is an in-process StateStore. Tables come into existence on first write.
type Memory struct {
	mu     sync.RWMutex
	tables map[string]map[string][]byte

	// Loads and Replaces count calls, for tests asserting single-call writes.
	Loads    int
	Replaces int
}

func NewMemory() *Memory {
	return &Memory{tables: make(map[string]map[string][]byte)}
}

func (m *Memory) Load(_ context.Context, table string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Loads++
	t, ok := m.tables[table]
	if !ok {
		return nil, ports.ErrTableNotFound
	}
	out := make(map[string][]byte, len(t))
	for k, v := range t {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func (m *Memory) Store(_ context.Context, table string, entries map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[table]
	if !ok {
		t = make(map[string][]byte, len(entries))
		m.tables[table] = t
	}
	for k, v := range entries {
		t[k] = append([]byte(nil), v...)
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, table string, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[table]
	if !ok {
		return nil
	}
	for _, k := range keys {
		delete(t, k)
	}
	return nil
}

func (m *Memory) Replace(_ context.Context, table string, entries map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Replaces++
	t := make(map[string][]byte, len(entries))
	for k, v := range entries {
		t[k] = append([]byte(nil), v...)
	}
	m.tables[table] = t
	return nil
}

// Keys lists the keys of a table, nil when it does not exist.
func (m *Memory) Keys(table string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[table]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(t))
	for k := range t {
		out = append(out, k)
	}
	return out
}

func (m *Memory) Close() error { return nil }

var _ ports.StateStore = (*Memory)(nil)
