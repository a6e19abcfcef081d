// filename: internal/models/configfile.go
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ConfigFormat формат конфигурационного файла
type ConfigFormat string

const (
	FormatYAML       ConfigFormat = "yaml"
	FormatJSON       ConfigFormat = "json"
	FormatProperties ConfigFormat = "properties"
	FormatINI        ConfigFormat = "ini"
)

// ChangeStatus статус предложенного изменения
type ChangeStatus string

const (
	ChangePending  ChangeStatus = "pending"
	ChangeApproved ChangeStatus = "approved"
	ChangeRejected ChangeStatus = "rejected"
	ChangeApplied  ChangeStatus = "applied"
)

// PatternMode режим проверки шаблона соответствия
type PatternMode string

const (
	MustMatch    PatternMode = "must_match"
	MustNotMatch PatternMode = "must_not_match"
)

// ConfigurationFile управляемый конфигурационный файл сервера // v1.0
type ConfigurationFile struct {
	ID        string       `json:"id" db:"id"`
	ServerID  string       `json:"server_id" db:"server_id"`
	Path      string       `json:"path" db:"path" validate:"required"`
	Format    ConfigFormat `json:"format" db:"format" validate:"required,oneof=yaml json properties ini"`
	Content   string       `json:"content" db:"content"`
	Hash      string       `json:"hash" db:"hash"`
	Locked    bool         `json:"locked" db:"locked"`
	Version   int          `json:"version" db:"version"`
	UpdatedBy string       `json:"updated_by,omitempty" db:"updated_by"`
	CreatedAt time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt time.Time    `json:"updated_at" db:"updated_at"`
}

// ConfigChange предложенное изменение содержимого файла // v1.0
type ConfigChange struct {
	ID          string       `json:"id" db:"id"`
	FileID      string       `json:"file_id" db:"file_id"`
	BaseHash    string       `json:"base_hash" db:"base_hash"`
	NewContent  string       `json:"new_content" db:"new_content"`
	Description string       `json:"description,omitempty" db:"description"`
	Author      string       `json:"author" db:"author"`
	Status      ChangeStatus `json:"status" db:"status"`
	Approvals   []Approval   `json:"approvals,omitempty"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
	AppliedAt   *time.Time   `json:"applied_at,omitempty" db:"applied_at"`
}

// ComplianceRule проверка содержимого файлов по регулярным выражениям // v1.0
type ComplianceRule struct {
	ID          string       `json:"id" db:"id"`
	Name        string       `json:"name" db:"name" validate:"required"`
	Description string       `json:"description,omitempty" db:"description"`
	PathGlob    string       `json:"path_glob" db:"path_glob"`
	Format      ConfigFormat `json:"format,omitempty" db:"format"`
	Pattern     string       `json:"pattern" db:"pattern" validate:"required"`
	Mode        PatternMode  `json:"mode" db:"mode" validate:"required,oneof=must_match must_not_match"`
	Severity    string       `json:"severity" db:"severity"`
	Enabled     bool         `json:"enabled" db:"enabled"`
}

// Violation зафиксированное нарушение правила соответствия // v1.0
type Violation struct {
	ID         string    `json:"id" db:"id"`
	RuleID     string    `json:"rule_id" db:"rule_id"`
	FileID     string    `json:"file_id" db:"file_id"`
	FileHash   string    `json:"file_hash" db:"file_hash"`
	Line       int       `json:"line,omitempty" db:"line"`
	Message    string    `json:"message" db:"message"`
	Severity   string    `json:"severity" db:"severity"`
	DetectedAt time.Time `json:"detected_at" db:"detected_at"`
}

// HashContent вычисляет sha256 содержимого // v1.0
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
