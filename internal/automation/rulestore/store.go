// filename: internal/automation/rulestore/store.go
package rulestore

import (
	"context"
	"sort"
	"sync"

	"github.com/autoops/autoops/internal/common/errors"
	"github.com/autoops/autoops/internal/models"
)

// Store хранилище определений правил // v1.0
type Store interface {
	SaveRule(ctx context.Context, rule *models.Rule) error
	GetRule(ctx context.Context, id string) (*models.Rule, error)
	ListRules(ctx context.Context) ([]*models.Rule, error)
	DeleteRule(ctx context.Context, id string) error
}

// TemplateStore хранилище заготовок правил // v1.0
type TemplateStore interface {
	SaveTemplate(ctx context.Context, tpl *models.Template) error
	GetTemplate(ctx context.Context, id string) (*models.Template, error)
	ListTemplates(ctx context.Context) ([]*models.Template, error)
}

// MemoryStore хранит правила и заготовки в памяти процесса // v1.0
type MemoryStore struct {
	mu        sync.RWMutex
	rules     map[string]*models.Rule
	templates map[string]*models.Template
}

// NewMemoryStore создает хранилище в памяти // v1.0
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules:     make(map[string]*models.Rule),
		templates: make(map[string]*models.Template),
	}
}

// SaveRule сохраняет копию правила // v1.0
func (m *MemoryStore) SaveRule(_ context.Context, rule *models.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[rule.ID] = rule.Clone()
	return nil
}

// GetRule возвращает копию правила // v1.0
func (m *MemoryStore) GetRule(_ context.Context, id string) (*models.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rule, ok := m.rules[id]
	if !ok {
		return nil, errors.RuleNotFound(id)
	}
	return rule.Clone(), nil
}

// ListRules возвращает правила по убыванию приоритета, затем по идентификатору // v1.0
func (m *MemoryStore) ListRules(_ context.Context) ([]*models.Rule, error) {
	m.mu.RLock()
	out := make([]*models.Rule, 0, len(m.rules))
	for _, rule := range m.rules {
		out = append(out, rule.Clone())
	}
	m.mu.RUnlock()

	SortRules(out)
	return out, nil
}

// DeleteRule удаляет правило // v1.0
func (m *MemoryStore) DeleteRule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return errors.RuleNotFound(id)
	}
	delete(m.rules, id)
	return nil
}

// SaveTemplate сохраняет заготовку // v1.0
func (m *MemoryStore) SaveTemplate(_ context.Context, tpl *models.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *tpl
	clone.Rule = *tpl.Rule.Clone()
	m.templates[tpl.ID] = &clone
	return nil
}

// GetTemplate возвращает заготовку // v1.0
func (m *MemoryStore) GetTemplate(_ context.Context, id string) (*models.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tpl, ok := m.templates[id]
	if !ok {
		return nil, errors.NotFoundError("template", id)
	}
	clone := *tpl
	clone.Rule = *tpl.Rule.Clone()
	return &clone, nil
}

// ListTemplates возвращает заготовки по идентификатору // v1.0
func (m *MemoryStore) ListTemplates(_ context.Context) ([]*models.Template, error) {
	m.mu.RLock()
	out := make([]*models.Template, 0, len(m.templates))
	for _, tpl := range m.templates {
		clone := *tpl
		clone.Rule = *tpl.Rule.Clone()
		out = append(out, &clone)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SortRules упорядочивает правила: выше приоритет раньше, ничьи по идентификатору
func SortRules(rules []*models.Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}
