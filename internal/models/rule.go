// filename: internal/models/rule.go
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// RuleCategory категория правила автоматизации
type RuleCategory string

const (
	CategoryMaintenance RuleCategory = "maintenance"
	CategoryPerformance RuleCategory = "performance"
	CategorySecurity    RuleCategory = "security"
	CategoryBackup      RuleCategory = "backup"
	CategoryScaling     RuleCategory = "scaling"
	CategoryMonitoring  RuleCategory = "monitoring"
)

// ActionType тип шага ремедиации
type ActionType string

const (
	ActionRestart      ActionType = "restart"
	ActionScale        ActionType = "scale"
	ActionBackup       ActionType = "backup"
	ActionUpdateConfig ActionType = "update_config"
	ActionNotify       ActionType = "notify"
	ActionRunScript    ActionType = "run_script"
	ActionHealthCheck  ActionType = "health_check"
)

// LogicOp логика объединения соседних условий
type LogicOp string

const (
	LogicAnd LogicOp = "and"
	LogicOr  LogicOp = "or"
)

// Rule представляет правило автоматизации // v1.0
type Rule struct {
	ID          string         `json:"id" yaml:"id" db:"id"`
	Name        string         `json:"name" yaml:"name" db:"name"`
	Description string         `json:"description,omitempty" yaml:"description"`
	Version     int            `json:"version" yaml:"version" db:"version"`
	Category    RuleCategory   `json:"category" yaml:"category"`
	Enabled     bool           `json:"enabled" yaml:"enabled" db:"enabled"`
	Priority    int            `json:"priority" yaml:"priority"`
	Conditions  ConditionGroup `json:"conditions" yaml:"conditions"`
	Actions     []Action       `json:"actions" yaml:"actions"`
	Schedule    Schedule       `json:"schedule" yaml:"schedule"`
	Targets     []Target       `json:"targets" yaml:"targets"`
	Settings    RuleSettings   `json:"settings" yaml:"settings"`
	Stats       RuleStats      `json:"stats" yaml:"-"`
	TemplateID  string         `json:"template_id,omitempty" yaml:"template_id"`
	CreatedAt   time.Time      `json:"created_at" yaml:"-" db:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" yaml:"-" db:"updated_at"`
}

// ConditionGroup дерево условий, соединенных and/or // v1.0
type ConditionGroup struct {
	Logic      LogicOp          `json:"logic" yaml:"logic"`
	Conditions []Condition      `json:"conditions,omitempty" yaml:"conditions"`
	Groups     []ConditionGroup `json:"groups,omitempty" yaml:"groups"`
}

// Condition вычисляемый предикат над снимком состояния // v1.0
type Condition struct {
	ID       string        `json:"id" yaml:"id"`
	Field    string        `json:"field" yaml:"field"`
	Operator string        `json:"operator" yaml:"operator"`
	Value    interface{}   `json:"value,omitempty" yaml:"value"`
	Duration time.Duration `json:"duration,omitempty" yaml:"duration"`
	Cooldown time.Duration `json:"cooldown,omitempty" yaml:"cooldown"`
}

// Action шаг ремедиации // v1.0
type Action struct {
	ID             string                 `json:"id" yaml:"id"`
	Type           ActionType             `json:"type" yaml:"type"`
	Params         map[string]interface{} `json:"params,omitempty" yaml:"params"`
	Order          int                    `json:"order" yaml:"order"`
	DependsOn      []string               `json:"depends_on,omitempty" yaml:"depends_on"`
	Timeout        time.Duration          `json:"timeout,omitempty" yaml:"timeout"`
	RetryOnFailure bool                   `json:"retry_on_failure" yaml:"retry_on_failure"`
	Rollback       *Action                `json:"rollback,omitempty" yaml:"rollback"`
}

// Target сервер, кластер или сервис, к которому применяются действия // v1.0
type Target struct {
	ID     string            `json:"id" yaml:"id"`
	Kind   string            `json:"kind" yaml:"kind"`
	Name   string            `json:"name" yaml:"name"`
	Labels map[string]string `json:"labels,omitempty" yaml:"labels"`
}

// RuleSettings настройки выполнения правила // v1.0
type RuleSettings struct {
	MaxRetries        int           `json:"max_retries" yaml:"max_retries"`
	RetryDelay        time.Duration `json:"retry_delay" yaml:"retry_delay"`
	Timeout           time.Duration `json:"timeout" yaml:"timeout"`
	RollbackOnFailure bool          `json:"rollback_on_failure" yaml:"rollback_on_failure"`
	RequireApproval   bool          `json:"require_approval" yaml:"require_approval"`
	Approvers         []string      `json:"approvers,omitempty" yaml:"approvers"`
	NotifyOnFailure   bool          `json:"notify_on_failure" yaml:"notify_on_failure"`
	NotifyChannels    []string      `json:"notify_channels,omitempty" yaml:"notify_channels"`
	AllowConcurrent   bool          `json:"allow_concurrent" yaml:"allow_concurrent"`
}

// RuleStats агрегированная статистика правила // v1.0
type RuleStats struct {
	TotalExecutions      int64         `json:"total_executions"`
	SuccessfulExecutions int64         `json:"successful_executions"`
	FailedExecutions     int64         `json:"failed_executions"`
	AverageExecutionTime time.Duration `json:"average_execution_time"`
	LastExecution        *time.Time    `json:"last_execution,omitempty"`
	NextExecution        *time.Time    `json:"next_execution,omitempty"`
}

// Record учитывает завершенное выполнение (скользящее среднее длительности) // v1.0
func (s *RuleStats) Record(success bool, duration time.Duration, endedAt time.Time) {
	s.TotalExecutions++
	if success {
		s.SuccessfulExecutions++
	} else {
		s.FailedExecutions++
	}
	n := time.Duration(s.TotalExecutions)
	s.AverageExecutionTime += (duration - s.AverageExecutionTime) / n
	ended := endedAt
	s.LastExecution = &ended
}

// NewRule создает новое правило // v1.0
func NewRule(id, name string, category RuleCategory) *Rule {
	now := time.Now()
	return &Rule{
		ID:        id,
		Name:      name,
		Version:   1,
		Category:  category,
		Enabled:   true,
		Schedule:  Schedule{Type: ScheduleManual, Enabled: true},
		Settings:  RuleSettings{MaxRetries: 3, RetryDelay: 5 * time.Second, Timeout: 10 * time.Minute},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ToJSON возвращает правило в JSON формате // v1.0
func (r *Rule) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// UpdateVersion увеличивает версию правила // v1.0
func (r *Rule) UpdateVersion() {
	r.Version++
	r.UpdatedAt = time.Now()
}

// Enable включает правило // v1.0
func (r *Rule) Enable() {
	r.Enabled = true
	r.UpdatedAt = time.Now()
}

// Disable отключает правило, не трогая расписание и статистику // v1.0
func (r *Rule) Disable() {
	r.Enabled = false
	r.UpdatedAt = time.Now()
}

// ActionByID ищет действие по идентификатору // v1.0
func (r *Rule) ActionByID(id string) (*Action, bool) {
	for i := range r.Actions {
		if r.Actions[i].ID == id {
			return &r.Actions[i], true
		}
	}
	return nil, false
}

// Validate проверяет обязательные поля правила // v1.0
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule ID is required")
	}
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if !IsValidCategory(r.Category) {
		return fmt.Errorf("invalid category: %s", r.Category)
	}
	if r.Settings.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("rule must declare at least one action")
	}
	return nil
}

// Clone создает глубокую копию правила // v1.0
func (r *Rule) Clone() *Rule {
	clone := *r
	clone.Conditions = r.Conditions.clone()
	clone.Actions = CloneActions(r.Actions)
	clone.Targets = make([]Target, len(r.Targets))
	for i, t := range r.Targets {
		clone.Targets[i] = t
		if t.Labels != nil {
			clone.Targets[i].Labels = make(map[string]string, len(t.Labels))
			for k, v := range t.Labels {
				clone.Targets[i].Labels[k] = v
			}
		}
	}
	clone.Settings.Approvers = append([]string(nil), r.Settings.Approvers...)
	clone.Settings.NotifyChannels = append([]string(nil), r.Settings.NotifyChannels...)
	clone.Schedule = r.Schedule.clone()
	if r.Stats.LastExecution != nil {
		t := *r.Stats.LastExecution
		clone.Stats.LastExecution = &t
	}
	if r.Stats.NextExecution != nil {
		t := *r.Stats.NextExecution
		clone.Stats.NextExecution = &t
	}
	return &clone
}

func (g ConditionGroup) clone() ConditionGroup {
	out := ConditionGroup{Logic: g.Logic}
	if g.Conditions != nil {
		out.Conditions = append([]Condition(nil), g.Conditions...)
	}
	for _, sub := range g.Groups {
		out.Groups = append(out.Groups, sub.clone())
	}
	return out
}

// Walk обходит все условия дерева // v1.0
func (g ConditionGroup) Walk(fn func(c Condition)) {
	for _, c := range g.Conditions {
		fn(c)
	}
	for _, sub := range g.Groups {
		sub.Walk(fn)
	}
}

// IsEmpty проверяет, что в дереве нет ни одного условия // v1.0
func (g ConditionGroup) IsEmpty() bool {
	empty := true
	g.Walk(func(Condition) { empty = false })
	return empty
}

// CloneActions копирует список действий вместе с параметрами и откатами // v1.0
func CloneActions(actions []Action) []Action {
	if actions == nil {
		return nil
	}
	out := make([]Action, len(actions))
	for i, a := range actions {
		out[i] = a.Clone()
	}
	return out
}

// Clone копирует действие // v1.0
func (a Action) Clone() Action {
	out := a
	if a.Params != nil {
		out.Params = make(map[string]interface{}, len(a.Params))
		for k, v := range a.Params {
			out.Params[k] = v
		}
	}
	out.DependsOn = append([]string(nil), a.DependsOn...)
	if a.Rollback != nil {
		rb := a.Rollback.Clone()
		out.Rollback = &rb
	}
	return out
}

// SupportedCategories поддерживаемые категории // v1.0
var SupportedCategories = []RuleCategory{
	CategoryMaintenance, CategoryPerformance, CategorySecurity,
	CategoryBackup, CategoryScaling, CategoryMonitoring,
}

// SupportedActionTypes поддерживаемые типы действий // v1.0
var SupportedActionTypes = []ActionType{
	ActionRestart, ActionScale, ActionBackup, ActionUpdateConfig,
	ActionNotify, ActionRunScript, ActionHealthCheck,
}

// IsValidCategory проверяет валидность категории // v1.0
func IsValidCategory(c RuleCategory) bool {
	for _, s := range SupportedCategories {
		if s == c {
			return true
		}
	}
	return false
}

// IsValidActionType проверяет валидность типа действия // v1.0
func IsValidActionType(t ActionType) bool {
	for _, s := range SupportedActionTypes {
		if s == t {
			return true
		}
	}
	return false
}
