// filename: internal/configmgmt/manager.go
package configmgmt

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/autoops/autoops/internal/automation/executor"
	"github.com/autoops/autoops/internal/common/errors"
	"github.com/autoops/autoops/internal/common/logging"
	"github.com/autoops/autoops/internal/models"
)

// ChangeRequest предложение изменить содержимое файла // v1.0
type ChangeRequest struct {
	// BaseHash хэш содержимого, от которого построено изменение
	BaseHash    string   `json:"base_hash" validate:"required"`
	Content     string   `json:"content"`
	Description string   `json:"description"`
	Approvers   []string `json:"approvers"`
}

// Manager управляет конфигурационными файлами серверов // v1.0
type Manager struct {
	store    Store
	backend  executor.Backend
	validate *validator.Validate
	logger   *logging.Logger
	now      func() time.Time

	// mu сериализует изменения файлов, чтобы проверка хэша и запись были атомарны
	mu sync.Mutex
}

// NewManager создает менеджер; backend доставляет примененное содержимое на сервер и может быть nil // v1.0
func NewManager(store Store, backend executor.Backend, logger *logging.Logger) *Manager {
	return &Manager{
		store:    store,
		backend:  backend,
		validate: validator.New(),
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock подменяет источник времени // v1.0
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

func (m *Manager) structError(err error) error {
	if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
		fe := verrs[0]
		return errors.ValidationError(strings.ToLower(fe.Field()), fmt.Sprintf("failed on %q", fe.Tag()))
	}
	return errors.Wrap(err, errors.ErrorCodeValidation, "validation failed")
}

// RegisterFile берет файл под управление // v1.0
func (m *Manager) RegisterFile(ctx context.Context, file *models.ConfigurationFile, user string) (*models.ConfigurationFile, error) {
	if err := m.validate.Struct(file); err != nil {
		return nil, m.structError(err)
	}
	if err := ValidateContent(file.Format, file.Content); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.store.ListFiles(ctx, file.ServerID)
	if err != nil {
		return nil, err
	}
	for _, f := range existing {
		if f.Path == file.Path {
			return nil, errors.ConflictError("config file", fmt.Sprintf("%s is already managed on %s", file.Path, file.ServerID))
		}
	}

	now := m.now()
	if file.ID == "" {
		file.ID = uuid.New().String()
	}
	file.Hash = models.HashContent(file.Content)
	file.Version = 1
	file.UpdatedBy = user
	file.CreatedAt = now
	file.UpdatedAt = now
	if err := m.store.SaveFile(ctx, file); err != nil {
		return nil, err
	}

	m.logger.WithField("file_id", file.ID).
		WithField("server_id", file.ServerID).
		WithField("path", file.Path).
		Info("Config file registered")

	if _, err := m.scanFile(ctx, file); err != nil {
		m.logger.WithField("file_id", file.ID).WithError(err).Warn("Compliance scan failed")
	}
	return file, nil
}

// GetFile возвращает файл // v1.0
func (m *Manager) GetFile(ctx context.Context, id string) (*models.ConfigurationFile, error) {
	return m.store.GetFile(ctx, id)
}

// ListFiles возвращает файлы сервера или все файлы // v1.0
func (m *Manager) ListFiles(ctx context.Context, serverID string) ([]*models.ConfigurationFile, error) {
	return m.store.ListFiles(ctx, serverID)
}

// SetLocked блокирует или разблокирует файл; заблокированный файл нельзя менять // v1.0
func (m *Manager) SetLocked(ctx context.Context, fileID string, locked bool, user string) (*models.ConfigurationFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := m.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if file.Locked == locked {
		return file, nil
	}
	file.Locked = locked
	file.UpdatedBy = user
	file.UpdatedAt = m.now()
	if err := m.store.SaveFile(ctx, file); err != nil {
		return nil, err
	}
	m.logger.WithField("file_id", fileID).WithField("locked", locked).WithField("user", user).Info("Config file lock changed")
	return file, nil
}

// ProposeChange создает изменение; без согласующих оно сразу одобрено // v1.0
func (m *Manager) ProposeChange(ctx context.Context, fileID string, req ChangeRequest, author string) (*models.ConfigChange, error) {
	if err := m.validate.Struct(req); err != nil {
		return nil, m.structError(err)
	}

	file, err := m.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if file.Locked {
		return nil, errors.Newf(errors.ErrorCodeConfigLocked, "config file %s is locked", file.Path)
	}
	if req.BaseHash != file.Hash {
		return nil, hashMismatch(file, req.BaseHash)
	}
	if err := ValidateContent(file.Format, req.Content); err != nil {
		return nil, err
	}

	now := m.now()
	change := &models.ConfigChange{
		ID:          uuid.New().String(),
		FileID:      fileID,
		BaseHash:    req.BaseHash,
		NewContent:  req.Content,
		Description: req.Description,
		Author:      author,
		Status:      models.ChangePending,
		CreatedAt:   now,
	}
	seen := make(map[string]bool)
	for _, approver := range req.Approvers {
		if approver == "" || seen[approver] {
			continue
		}
		seen[approver] = true
		change.Approvals = append(change.Approvals, models.Approval{
			ID:          uuid.New().String(),
			Approver:    approver,
			Status:      models.ApprovalPending,
			RequestedAt: now,
		})
	}
	if len(change.Approvals) == 0 {
		change.Status = models.ChangeApproved
	}
	if err := m.store.SaveChange(ctx, change); err != nil {
		return nil, err
	}

	m.logger.WithField("change_id", change.ID).
		WithField("file_id", fileID).
		WithField("author", author).
		WithField("approvers", len(change.Approvals)).
		Info("Config change proposed")
	return change, nil
}

func hashMismatch(file *models.ConfigurationFile, base string) error {
	return errors.Newf(errors.ErrorCodeConfigHashMismatch, "config file %s changed since the change was prepared", file.Path).
		AddDetail("current_hash", file.Hash).
		AddDetail("base_hash", base)
}

// DecideChange записывает решение согласующего. Отказ отклоняет изменение,
// одобрение всеми согласующими переводит его в approved // v1.0
func (m *Manager) DecideChange(ctx context.Context, changeID, approver string, approve bool, comment string) (*models.ConfigChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	change, err := m.store.GetChange(ctx, changeID)
	if err != nil {
		return nil, err
	}
	if change.Status != models.ChangePending {
		return nil, errors.Newf(errors.ErrorCodeApprovalDecided, "change %s is already %s", changeID, change.Status)
	}

	var slot *models.Approval
	for i := range change.Approvals {
		if change.Approvals[i].Approver == approver {
			slot = &change.Approvals[i]
			break
		}
	}
	if slot == nil {
		return nil, errors.Newf(errors.ErrorCodeApproverNotListed, "%s is not an approver of change %s", approver, changeID)
	}
	if slot.Status != models.ApprovalPending {
		return nil, errors.Newf(errors.ErrorCodeApprovalDecided, "%s already decided on change %s", approver, changeID)
	}

	now := m.now()
	slot.Comment = comment
	slot.DecidedAt = &now
	if approve {
		slot.Status = models.ApprovalApproved
	} else {
		slot.Status = models.ApprovalRejected
		change.Status = models.ChangeRejected
	}
	if change.Status == models.ChangePending && allApproved(change.Approvals) {
		change.Status = models.ChangeApproved
	}
	if err := m.store.SaveChange(ctx, change); err != nil {
		return nil, err
	}

	m.logger.WithField("change_id", changeID).
		WithField("approver", approver).
		WithField("approve", approve).
		WithField("status", change.Status).
		Info("Config change decision recorded")
	return change, nil
}

func allApproved(approvals []models.Approval) bool {
	for _, a := range approvals {
		if a.Status != models.ApprovalApproved {
			return false
		}
	}
	return true
}

// ApplyChange записывает одобренное изменение в файл. Изменение отвергается, если файл
// заблокирован или его хэш отличается от базового хэша изменения // v1.0
func (m *Manager) ApplyChange(ctx context.Context, changeID, user string) (*models.ConfigurationFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	change, err := m.store.GetChange(ctx, changeID)
	if err != nil {
		return nil, err
	}
	if change.Status != models.ChangeApproved {
		return nil, errors.Newf(errors.ErrorCodeInvalidTransition, "change %s is %s, only approved changes can be applied", changeID, change.Status)
	}
	file, err := m.store.GetFile(ctx, change.FileID)
	if err != nil {
		return nil, err
	}
	if file.Locked {
		return nil, errors.Newf(errors.ErrorCodeConfigLocked, "config file %s is locked", file.Path)
	}
	if file.Hash != change.BaseHash {
		return nil, hashMismatch(file, change.BaseHash)
	}

	newHash := models.HashContent(change.NewContent)
	if err := m.push(ctx, file, change, newHash); err != nil {
		return nil, err
	}

	now := m.now()
	file.Content = change.NewContent
	file.Hash = newHash
	file.Version++
	file.UpdatedBy = user
	file.UpdatedAt = now
	if err := m.store.SaveFile(ctx, file); err != nil {
		return nil, err
	}
	change.Status = models.ChangeApplied
	change.AppliedAt = &now
	if err := m.store.SaveChange(ctx, change); err != nil {
		return nil, err
	}

	m.logger.WithField("change_id", changeID).
		WithField("file_id", file.ID).
		WithField("version", file.Version).
		WithField("user", user).
		Info("Config change applied")

	if _, err := m.scanFile(ctx, file); err != nil {
		m.logger.WithField("file_id", file.ID).WithError(err).Warn("Compliance scan failed")
	}
	return file, nil
}

func (m *Manager) push(ctx context.Context, file *models.ConfigurationFile, change *models.ConfigChange, hash string) error {
	if m.backend == nil || file.ServerID == "" {
		return nil
	}
	res, err := m.backend.Execute(ctx, executor.OperationRequest{
		ExecutionID: change.ID,
		ActionID:    "config_apply",
		Type:        models.ActionUpdateConfig,
		Target:      models.Target{ID: file.ServerID, Kind: "server"},
		Params: map[string]interface{}{
			"path":    file.Path,
			"format":  string(file.Format),
			"content": change.NewContent,
			"hash":    hash,
		},
		Attempt: 1,
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorCodeActionFailed, "failed to push config to server")
	}
	if !res.Success {
		return errors.Newf(errors.ErrorCodeActionFailed, "server rejected config: %s", res.Error)
	}
	return nil
}

// ListChanges возвращает изменения файла, новые первыми // v1.0
func (m *Manager) ListChanges(ctx context.Context, fileID string) ([]*models.ConfigChange, error) {
	return m.store.ListChanges(ctx, fileID)
}

// GetChange возвращает изменение // v1.0
func (m *Manager) GetChange(ctx context.Context, id string) (*models.ConfigChange, error) {
	return m.store.GetChange(ctx, id)
}

// AddComplianceRule проверяет и сохраняет правило соответствия // v1.0
func (m *Manager) AddComplianceRule(ctx context.Context, rule *models.ComplianceRule) (*models.ComplianceRule, error) {
	if err := m.validate.Struct(rule); err != nil {
		return nil, m.structError(err)
	}
	if _, err := regexp.Compile(rule.Pattern); err != nil {
		return nil, errors.ValidationError("pattern", err.Error())
	}
	if rule.PathGlob != "" {
		if _, err := path.Match(rule.PathGlob, ""); err != nil {
			return nil, errors.ValidationError("path_glob", err.Error())
		}
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if rule.Severity == "" {
		rule.Severity = string(models.SeverityWarning)
	}
	if err := m.store.SaveComplianceRule(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// ComplianceRules возвращает правила соответствия // v1.0
func (m *Manager) ComplianceRules(ctx context.Context) ([]*models.ComplianceRule, error) {
	return m.store.ListComplianceRules(ctx)
}

// DeleteComplianceRule удаляет правило соответствия // v1.0
func (m *Manager) DeleteComplianceRule(ctx context.Context, id string) error {
	return m.store.DeleteComplianceRule(ctx, id)
}

// Violations возвращает нарушения файла или всех файлов // v1.0
func (m *Manager) Violations(ctx context.Context, fileID string) ([]models.Violation, error) {
	return m.store.ListViolations(ctx, fileID)
}

// Scan проверяет все файлы по правилам соответствия // v1.0
func (m *Manager) Scan(ctx context.Context) ([]models.Violation, error) {
	files, err := m.store.ListFiles(ctx, "")
	if err != nil {
		return nil, err
	}
	var all []models.Violation
	for _, file := range files {
		found, err := m.scanFile(ctx, file)
		if err != nil {
			return nil, err
		}
		all = append(all, found...)
	}
	m.logger.WithField("files", len(files)).WithField("violations", len(all)).Info("Compliance scan completed")
	return all, nil
}

func (m *Manager) scanFile(ctx context.Context, file *models.ConfigurationFile) ([]models.Violation, error) {
	rules, err := m.store.ListComplianceRules(ctx)
	if err != nil {
		return nil, err
	}
	found := CheckCompliance(file, rules, m.now())
	if err := m.store.ReplaceViolations(ctx, file.ID, found); err != nil {
		return nil, err
	}
	return found, nil
}

// CheckCompliance проверяет содержимое файла по правилам без сохранения результата // v1.0
func CheckCompliance(file *models.ConfigurationFile, rules []*models.ComplianceRule, now time.Time) []models.Violation {
	var out []models.Violation
	for _, rule := range rules {
		if !rule.Enabled || !ruleApplies(rule, file) {
			continue
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			continue
		}
		violation := func(line int, msg string) models.Violation {
			return models.Violation{
				ID:         uuid.New().String(),
				RuleID:     rule.ID,
				FileID:     file.ID,
				FileHash:   file.Hash,
				Line:       line,
				Message:    msg,
				Severity:   rule.Severity,
				DetectedAt: now,
			}
		}

		switch rule.Mode {
		case models.MustMatch:
			if !re.MatchString(file.Content) {
				out = append(out, violation(0, fmt.Sprintf("%s: required pattern %q not found", rule.Name, rule.Pattern)))
			}
		case models.MustNotMatch:
			for i, line := range strings.Split(file.Content, "\n") {
				if re.MatchString(line) {
					out = append(out, violation(i+1, fmt.Sprintf("%s: forbidden pattern %q found", rule.Name, rule.Pattern)))
				}
			}
		}
	}
	return out
}

func ruleApplies(rule *models.ComplianceRule, file *models.ConfigurationFile) bool {
	if rule.Format != "" && rule.Format != file.Format {
		return false
	}
	if rule.PathGlob == "" {
		return true
	}
	if ok, _ := path.Match(rule.PathGlob, file.Path); ok {
		return true
	}
	ok, _ := path.Match(rule.PathGlob, path.Base(file.Path))
	return ok
}
