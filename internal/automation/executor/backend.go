// filename: internal/automation/executor/backend.go
package executor

import (
	"context"
	"time"

	"github.com/autoops/autoops/internal/common/errors"
	"github.com/autoops/autoops/internal/models"
)

// OperationRequest запрос к бэкенду операций для одного действия на одной цели // v1.0
type OperationRequest struct {
	ExecutionID string                 `json:"execution_id"`
	RuleID      string                 `json:"rule_id"`
	ActionID    string                 `json:"action_id"`
	Type        models.ActionType      `json:"type"`
	Target      models.Target          `json:"target"`
	Params      map[string]interface{} `json:"params,omitempty"`
	Attempt     int                    `json:"attempt"`
	Timeout     time.Duration          `json:"timeout"`
	Rollback    bool                   `json:"rollback,omitempty"`
}

// OperationResult ответ бэкенда // v1.0
type OperationResult struct {
	Success bool                   `json:"success"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	Error   string                 `json:"error,omitempty"`
	Metrics []models.Metric        `json:"metrics,omitempty"`
}

// Backend выполняет операцию над целью // v1.0
type Backend interface {
	Execute(ctx context.Context, req OperationRequest) (OperationResult, error)
}

// BackendFunc адаптер функции к Backend
type BackendFunc func(ctx context.Context, req OperationRequest) (OperationResult, error)

// Execute вызывает функцию // v1.0
func (f BackendFunc) Execute(ctx context.Context, req OperationRequest) (OperationResult, error) {
	return f(ctx, req)
}

// Mux направляет запросы по типу действия, остальное уходит в бэкенд по умолчанию // v1.0
type Mux struct {
	fallback Backend
	routes   map[models.ActionType]Backend
}

// NewMux создает маршрутизатор бэкендов // v1.0
func NewMux(fallback Backend) *Mux {
	return &Mux{
		fallback: fallback,
		routes:   make(map[models.ActionType]Backend),
	}
}

// Handle регистрирует бэкенд для типов действий // v1.0
func (m *Mux) Handle(backend Backend, types ...models.ActionType) *Mux {
	for _, t := range types {
		m.routes[t] = backend
	}
	return m
}

// Execute выбирает бэкенд по типу действия // v1.0
func (m *Mux) Execute(ctx context.Context, req OperationRequest) (OperationResult, error) {
	if b, ok := m.routes[req.Type]; ok {
		return b.Execute(ctx, req)
	}
	if m.fallback == nil {
		return OperationResult{}, errors.New(errors.ErrorCodeUnsupportedAction,
			"no backend handles action type "+string(req.Type))
	}
	return m.fallback.Execute(ctx, req)
}
