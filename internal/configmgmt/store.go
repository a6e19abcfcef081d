// filename: internal/configmgmt/store.go
package configmgmt

import (
	"context"
	"sort"
	"sync"

	"github.com/autoops/autoops/internal/common/errors"
	"github.com/autoops/autoops/internal/models"
)

// Store хранилище файлов, изменений и правил соответствия // v1.0
type Store interface {
	SaveFile(ctx context.Context, file *models.ConfigurationFile) error
	GetFile(ctx context.Context, id string) (*models.ConfigurationFile, error)
	// ListFiles возвращает файлы сервера; пустой serverID означает все файлы
	ListFiles(ctx context.Context, serverID string) ([]*models.ConfigurationFile, error)

	SaveChange(ctx context.Context, change *models.ConfigChange) error
	GetChange(ctx context.Context, id string) (*models.ConfigChange, error)
	ListChanges(ctx context.Context, fileID string) ([]*models.ConfigChange, error)

	SaveComplianceRule(ctx context.Context, rule *models.ComplianceRule) error
	ListComplianceRules(ctx context.Context) ([]*models.ComplianceRule, error)
	DeleteComplianceRule(ctx context.Context, id string) error

	// ReplaceViolations заменяет нарушения файла результатом последней проверки
	ReplaceViolations(ctx context.Context, fileID string, violations []models.Violation) error
	ListViolations(ctx context.Context, fileID string) ([]models.Violation, error)
}

// MemoryStore хранилище в памяти // v1.0
type MemoryStore struct {
	mu         sync.RWMutex
	files      map[string]models.ConfigurationFile
	changes    map[string]models.ConfigChange
	rules      map[string]models.ComplianceRule
	violations map[string][]models.Violation
}

// NewMemoryStore создает хранилище в памяти // v1.0
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files:      make(map[string]models.ConfigurationFile),
		changes:    make(map[string]models.ConfigChange),
		rules:      make(map[string]models.ComplianceRule),
		violations: make(map[string][]models.Violation),
	}
}

func (m *MemoryStore) SaveFile(_ context.Context, file *models.ConfigurationFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[file.ID] = *file
	return nil
}

func (m *MemoryStore) GetFile(_ context.Context, id string) (*models.ConfigurationFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	file, ok := m.files[id]
	if !ok {
		return nil, errors.NotFoundError("config file", id)
	}
	return &file, nil
}

func (m *MemoryStore) ListFiles(_ context.Context, serverID string) ([]*models.ConfigurationFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.ConfigurationFile, 0, len(m.files))
	for _, file := range m.files {
		if serverID != "" && file.ServerID != serverID {
			continue
		}
		f := file
		out = append(out, &f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServerID != out[j].ServerID {
			return out[i].ServerID < out[j].ServerID
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}

func (m *MemoryStore) SaveChange(_ context.Context, change *models.ConfigChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *change
	c.Approvals = append([]models.Approval(nil), change.Approvals...)
	m.changes[change.ID] = c
	return nil
}

func (m *MemoryStore) GetChange(_ context.Context, id string) (*models.ConfigChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	change, ok := m.changes[id]
	if !ok {
		return nil, errors.NotFoundError("config change", id)
	}
	change.Approvals = append([]models.Approval(nil), change.Approvals...)
	return &change, nil
}

func (m *MemoryStore) ListChanges(_ context.Context, fileID string) ([]*models.ConfigChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.ConfigChange
	for _, change := range m.changes {
		if fileID != "" && change.FileID != fileID {
			continue
		}
		c := change
		c.Approvals = append([]models.Approval(nil), change.Approvals...)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) SaveComplianceRule(_ context.Context, rule *models.ComplianceRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[rule.ID] = *rule
	return nil
}

func (m *MemoryStore) ListComplianceRules(_ context.Context) ([]*models.ComplianceRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.ComplianceRule, 0, len(m.rules))
	for _, rule := range m.rules {
		r := rule
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DeleteComplianceRule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return errors.NotFoundError("compliance rule", id)
	}
	delete(m.rules, id)
	return nil
}

func (m *MemoryStore) ReplaceViolations(_ context.Context, fileID string, violations []models.Violation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(violations) == 0 {
		delete(m.violations, fileID)
		return nil
	}
	m.violations[fileID] = append([]models.Violation(nil), violations...)
	return nil
}

func (m *MemoryStore) ListViolations(_ context.Context, fileID string) ([]models.Violation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if fileID != "" {
		return append([]models.Violation(nil), m.violations[fileID]...), nil
	}
	var out []models.Violation
	for _, vs := range m.violations {
		out = append(out, vs...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FileID != out[j].FileID {
			return out[i].FileID < out[j].FileID
		}
		if out[i].RuleID != out[j].RuleID {
			return out[i].RuleID < out[j].RuleID
		}
		return out[i].Line < out[j].Line
	})
	return out, nil
}
