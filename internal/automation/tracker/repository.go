// filename: internal/automation/tracker/repository.go
package tracker

import (
	"context"
	"sort"
	"sync"

	"github.com/autoops/autoops/internal/common/errors"
	"github.com/autoops/autoops/internal/models"
)

// Filter параметры выборки выполнений // v1.0
type Filter struct {
	RuleID   string
	Statuses []models.ExecutionStatus
	Limit    int
}

func (f Filter) matches(e *models.Execution) bool {
	if f.RuleID != "" && e.RuleID != f.RuleID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if e.Status == s {
			return true
		}
	}
	return false
}

// Repository долговременное хранилище записей выполнений // v1.0
type Repository interface {
	Save(ctx context.Context, exec *models.Execution) error
	Get(ctx context.Context, id string) (*models.Execution, error)
	List(ctx context.Context, filter Filter) ([]*models.Execution, error)
}

// MemoryRepository хранит копии выполнений в памяти // v1.0
type MemoryRepository struct {
	mu         sync.RWMutex
	executions map[string]*models.Execution
}

// NewMemoryRepository создает репозиторий в памяти // v1.0
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		executions: make(map[string]*models.Execution),
	}
}

// Save сохраняет копию выполнения // v1.0
func (r *MemoryRepository) Save(_ context.Context, exec *models.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executions[exec.ID] = exec.Clone()
	return nil
}

// Get возвращает копию выполнения // v1.0
func (r *MemoryRepository) Get(_ context.Context, id string) (*models.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executions[id]
	if !ok {
		return nil, errors.ExecutionNotFound(id)
	}
	return exec.Clone(), nil
}

// List возвращает выполнения, новые первыми // v1.0
func (r *MemoryRepository) List(_ context.Context, filter Filter) ([]*models.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Execution
	for _, exec := range r.executions {
		if filter.matches(exec) {
			out = append(out, exec.Clone())
		}
	}
	sortNewestFirst(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func sortNewestFirst(list []*models.Execution) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID > list[j].ID
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}
