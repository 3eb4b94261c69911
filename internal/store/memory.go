package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Repository. Nothing survives the process.
type Memory struct {
	mu       sync.Mutex
	records  map[string]map[string]Record
	settings map[string]string
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		records:  make(map[string]map[string]Record),
		settings: make(map[string]string),
	}
}

func (m *Memory) Load(_ context.Context, namespace string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := make([]Record, 0, len(m.records[namespace]))
	for _, rec := range m.records[namespace] {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
	return records, nil
}

func (m *Memory) Store(_ context.Context, namespace, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ns, ok := m.records[namespace]
	if !ok {
		ns = make(map[string]Record)
		m.records[namespace] = ns
	}
	ns[key] = Record{Key: key, Value: value, UpdatedAt: time.Now()}
	return nil
}

func (m *Memory) Remove(_ context.Context, namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records[namespace], key)
	return nil
}

func (m *Memory) RemoveAll(_ context.Context, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, namespace)
	return nil
}

func (m *Memory) GetSetting(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.settings[key]
	return value, ok, nil
}

func (m *Memory) PutSetting(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}

func (m *Memory) DeleteSetting(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.settings, key)
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
