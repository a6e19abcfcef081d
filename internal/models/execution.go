// filename: internal/models/execution.go
package models

import (
	"encoding/json"
	"time"
)

// ExecutionStatus статус выполнения правила
type ExecutionStatus string

const (
	ExecutionPending    ExecutionStatus = "pending"
	ExecutionRunning    ExecutionStatus = "running"
	ExecutionCompleted  ExecutionStatus = "completed"
	ExecutionFailed     ExecutionStatus = "failed"
	ExecutionCancelled  ExecutionStatus = "cancelled"
	ExecutionRolledBack ExecutionStatus = "rolled_back"
)

// IsTerminal возвращает true для финальных статусов // v1.0
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionRolledBack:
		return true
	}
	return false
}

// TriggerKind источник запуска выполнения
type TriggerKind string

const (
	TriggerSchedule  TriggerKind = "schedule"
	TriggerCondition TriggerKind = "condition"
	TriggerManual    TriggerKind = "manual"
	TriggerCascade   TriggerKind = "cascade"
	TriggerRollback  TriggerKind = "rollback"
)

// UnitStatus статус цели или действия внутри выполнения
type UnitStatus string

const (
	UnitPending   UnitStatus = "pending"
	UnitRunning   UnitStatus = "running"
	UnitCompleted UnitStatus = "completed"
	UnitFailed    UnitStatus = "failed"
	UnitSkipped   UnitStatus = "skipped"
)

// IsDone возвращает true, если единица работы больше не изменится // v1.0
func (s UnitStatus) IsDone() bool {
	return s == UnitCompleted || s == UnitFailed || s == UnitSkipped
}

// LogLevel уровень записи журнала выполнения
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// ApprovalStatus статус согласования
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Execution одно выполнение правила // v1.0
type Execution struct {
	ID                  string             `json:"id"`
	RuleID              string             `json:"rule_id"`
	RuleName            string             `json:"rule_name"`
	RuleVersion         int                `json:"rule_version"`
	Status              ExecutionStatus    `json:"status"`
	Trigger             TriggerKind        `json:"trigger"`
	TriggeredBy         string             `json:"triggered_by"`
	CreatedAt           time.Time          `json:"created_at"`
	StartedAt           *time.Time         `json:"started_at,omitempty"`
	EndedAt             *time.Time         `json:"ended_at,omitempty"`
	Targets             []ExecutionTarget  `json:"targets"`
	Actions             []ExecutionAction  `json:"actions"`
	Logs                []ExecutionLog     `json:"logs"`
	Error               string             `json:"error,omitempty"`
	RollbackExecutionID string             `json:"rollback_execution_id,omitempty"`
	RollbackOf          string             `json:"rollback_of,omitempty"`
	Approvals           []Approval         `json:"approvals,omitempty"`
	Metrics             []Metric           `json:"metrics,omitempty"`
	ActionSnapshot      []Action           `json:"action_snapshot"`
	Settings            RuleSettings       `json:"settings"`
}

// ExecutionTarget результат выполнения на одной цели // v1.0
type ExecutionTarget struct {
	Target    Target     `json:"target"`
	Status    UnitStatus `json:"status"`
	Error     string     `json:"error,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// ExecutionAction результат одного действия на одной цели // v1.0
type ExecutionAction struct {
	ActionID  string                 `json:"action_id"`
	TargetID  string                 `json:"target_id"`
	Type      ActionType             `json:"type"`
	Status    UnitStatus             `json:"status"`
	Attempts  int                    `json:"attempts"`
	Error     string                 `json:"error,omitempty"`
	StartedAt *time.Time             `json:"started_at,omitempty"`
	EndedAt   *time.Time             `json:"ended_at,omitempty"`
	Result    map[string]interface{} `json:"result,omitempty"`
}

// ExecutionLog запись журнала; журнал только дописывается // v1.0
type ExecutionLog struct {
	Seq       int       `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Component string    `json:"component"`
	TargetID  string    `json:"target_id,omitempty"`
	ActionID  string    `json:"action_id,omitempty"`
	Message   string    `json:"message"`
}

// Approval решение одного согласующего // v1.0
type Approval struct {
	ID          string         `json:"id"`
	Approver    string         `json:"approver"`
	Status      ApprovalStatus `json:"status"`
	Comment     string         `json:"comment,omitempty"`
	RequestedAt time.Time      `json:"requested_at"`
	DecidedAt   *time.Time     `json:"decided_at,omitempty"`
}

// Metric числовое наблюдение, снятое во время выполнения
type Metric struct {
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Duration возвращает длительность выполнения или 0, если оно не завершено // v1.0
func (e *Execution) Duration() time.Duration {
	if e.StartedAt == nil || e.EndedAt == nil {
		return 0
	}
	return e.EndedAt.Sub(*e.StartedAt)
}

// FindAction возвращает запись действия для пары (действие, цель) // v1.0
func (e *Execution) FindAction(actionID, targetID string) (*ExecutionAction, bool) {
	for i := range e.Actions {
		if e.Actions[i].ActionID == actionID && e.Actions[i].TargetID == targetID {
			return &e.Actions[i], true
		}
	}
	return nil, false
}

// FindTarget возвращает запись цели по идентификатору // v1.0
func (e *Execution) FindTarget(targetID string) (*ExecutionTarget, bool) {
	for i := range e.Targets {
		if e.Targets[i].Target.ID == targetID {
			return &e.Targets[i], true
		}
	}
	return nil, false
}

// AllApproved проверяет, что все согласования получены // v1.0
func (e *Execution) AllApproved() bool {
	if len(e.Approvals) == 0 {
		return false
	}
	for _, a := range e.Approvals {
		if a.Status != ApprovalApproved {
			return false
		}
	}
	return true
}

// ToJSON возвращает выполнение в JSON формате // v1.0
func (e *Execution) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// Clone создает глубокую копию выполнения для читателей // v1.0
func (e *Execution) Clone() *Execution {
	clone := *e
	clone.StartedAt = cloneTime(e.StartedAt)
	clone.EndedAt = cloneTime(e.EndedAt)

	clone.Targets = make([]ExecutionTarget, len(e.Targets))
	for i, t := range e.Targets {
		t.StartedAt = cloneTime(t.StartedAt)
		t.EndedAt = cloneTime(t.EndedAt)
		clone.Targets[i] = t
	}

	clone.Actions = make([]ExecutionAction, len(e.Actions))
	for i, a := range e.Actions {
		a.StartedAt = cloneTime(a.StartedAt)
		a.EndedAt = cloneTime(a.EndedAt)
		if a.Result != nil {
			res := make(map[string]interface{}, len(a.Result))
			for k, v := range a.Result {
				res[k] = v
			}
			a.Result = res
		}
		clone.Actions[i] = a
	}

	clone.Logs = append([]ExecutionLog(nil), e.Logs...)
	clone.Metrics = append([]Metric(nil), e.Metrics...)

	clone.Approvals = make([]Approval, len(e.Approvals))
	for i, a := range e.Approvals {
		a.DecidedAt = cloneTime(a.DecidedAt)
		clone.Approvals[i] = a
	}

	clone.ActionSnapshot = CloneActions(e.ActionSnapshot)
	clone.Settings.Approvers = append([]string(nil), e.Settings.Approvers...)
	clone.Settings.NotifyChannels = append([]string(nil), e.Settings.NotifyChannels...)
	return &clone
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
