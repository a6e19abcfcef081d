// filename: internal/automation/state/memory.go
package state

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Entry временные метки одного экземпляра условия // v1.0
type Entry struct {
	// BecameTrue момент, с которого предикат непрерывно истинен
	BecameTrue time.Time `json:"became_true"`
	// LastFired момент последнего запуска выполнения этим условием
	LastFired time.Time `json:"last_fired"`
}

// IsZero возвращает true, если у записи нет ни одной метки // v1.0
func (e Entry) IsZero() bool {
	return e.BecameTrue.IsZero() && e.LastFired.IsZero()
}

// Store хранилище состояния условий; ключ имеет вид "ruleID/conditionID" // v1.0
type Store interface {
	Get(ctx context.Context, key string) (Entry, error)
	Put(ctx context.Context, key string, entry Entry) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	Stats() map[string]interface{}
}

// MemoryStore реализует Store в памяти процесса // v1.0
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore создает новое хранилище в памяти // v1.0
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]Entry),
	}
}

// Get возвращает запись или пустую запись, если ее нет // v1.0
func (m *MemoryStore) Get(_ context.Context, key string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[key], nil
}

// Put сохраняет запись; пустая запись удаляет ключ // v1.0
func (m *MemoryStore) Put(_ context.Context, key string, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.IsZero() {
		delete(m.entries, key)
		return nil
	}
	m.entries[key] = entry
	return nil
}

// Delete удаляет запись // v1.0
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// DeletePrefix удаляет все записи правила // v1.0
func (m *MemoryStore) DeletePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			delete(m.entries, key)
		}
	}
	return nil
}

// Stats возвращает статистику хранилища // v1.0
func (m *MemoryStore) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	holding, cooling := 0, 0
	for _, e := range m.entries {
		if !e.BecameTrue.IsZero() {
			holding++
		}
		if !e.LastFired.IsZero() {
			cooling++
		}
	}
	return map[string]interface{}{
		"type":     "memory",
		"entries":  len(m.entries),
		"holding":  holding,
		"cooldown": cooling,
	}
}
