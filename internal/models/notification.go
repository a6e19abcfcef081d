// filename: internal/models/notification.go
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Severity уровень важности уведомления
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notification уведомление оператору о событии автоматизации
type Notification struct {
	ID          string                 `json:"id"`
	TS          time.Time              `json:"ts"`
	RuleID      string                 `json:"rule_id,omitempty"`
	RuleName    string                 `json:"rule_name,omitempty"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	TargetID    string                 `json:"target_id,omitempty"`
	Category    string                 `json:"category,omitempty"`
	Severity    Severity               `json:"severity"`
	Title       string                 `json:"title"`
	Message     string                 `json:"message"`
	Channels    []string               `json:"channels,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
}

// NewNotification создает уведомление // v1.0
func NewNotification(severity Severity, title, message string) *Notification {
	return &Notification{
		ID:       uuid.New().String(),
		TS:       time.Now(),
		Severity: severity,
		Title:    title,
		Message:  message,
	}
}

// ExecutionFailedNotification уведомление о неудачном выполнении правила // v1.0
func ExecutionFailedNotification(exec *Execution) *Notification {
	n := NewNotification(SeverityCritical,
		"Automation rule "+exec.RuleName+" "+string(exec.Status),
		exec.Error)
	n.RuleID = exec.RuleID
	n.RuleName = exec.RuleName
	n.ExecutionID = exec.ID
	n.Channels = append([]string(nil), exec.Settings.NotifyChannels...)
	n.Payload = map[string]interface{}{
		"status":                exec.Status,
		"trigger":               exec.Trigger,
		"rollback_execution_id": exec.RollbackExecutionID,
	}
	return n
}

// IsHighPriority проверяет, является ли уведомление критичным // v1.0
func (n *Notification) IsHighPriority() bool {
	return n.Severity == SeverityCritical
}

// ToJSON возвращает уведомление в JSON формате // v1.0
func (n *Notification) ToJSON() ([]byte, error) {
	return json.Marshal(n)
}
