// filename: internal/adminapi/routes/configs.go
package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/autoops/autoops/internal/common/logging"
	"github.com/autoops/autoops/internal/configmgmt"
	"github.com/autoops/autoops/internal/models"
)

// ConfigsHandler обработчик управления конфигурационными файлами // v1.0
type ConfigsHandler struct {
	logger  *logging.Logger
	manager *configmgmt.Manager
}

// RegisterFileRequest запрос на взятие файла под управление
type RegisterFileRequest struct {
	ServerID string              `json:"server_id" validate:"required"`
	Path     string              `json:"path" validate:"required"`
	Format   models.ConfigFormat `json:"format" validate:"required"`
	Content  string              `json:"content"`
}

// NewConfigsHandler создает обработчик // v1.0
func NewConfigsHandler(logger *logging.Logger, manager *configmgmt.Manager) *ConfigsHandler {
	return &ConfigsHandler{logger: logger, manager: manager}
}

// GetFiles возвращает файлы; фильтр server_id // v1.0
func (h *ConfigsHandler) GetFiles(c *gin.Context) {
	files, err := h.manager.ListFiles(c.Request.Context(), c.Query("server_id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if files == nil {
		files = []*models.ConfigurationFile{}
	}
	c.JSON(http.StatusOK, gin.H{"files": files, "total": len(files)})
}

// RegisterFile берет файл под управление // v1.0
func (h *ConfigsHandler) RegisterFile(c *gin.Context) {
	var req RegisterFileRequest
	if err := bindJSON(c, &req); err != nil {
		respondError(c, h.logger, err)
		return
	}
	file, err := h.manager.RegisterFile(c.Request.Context(), &models.ConfigurationFile{
		ServerID: req.ServerID,
		Path:     req.Path,
		Format:   req.Format,
		Content:  req.Content,
	}, currentUser(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, file)
}

// GetFile возвращает файл // v1.0
func (h *ConfigsHandler) GetFile(c *gin.Context) {
	file, err := h.manager.GetFile(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, file)
}

// LockFile блокирует файл // v1.0
func (h *ConfigsHandler) LockFile(c *gin.Context) {
	h.setLocked(c, true)
}

// UnlockFile снимает блокировку // v1.0
func (h *ConfigsHandler) UnlockFile(c *gin.Context) {
	h.setLocked(c, false)
}

func (h *ConfigsHandler) setLocked(c *gin.Context, locked bool) {
	file, err := h.manager.SetLocked(c.Request.Context(), c.Param("id"), locked, currentUser(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, file)
}

// GetChanges возвращает изменения файла // v1.0
func (h *ConfigsHandler) GetChanges(c *gin.Context) {
	changes, err := h.manager.ListChanges(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if changes == nil {
		changes = []*models.ConfigChange{}
	}
	c.JSON(http.StatusOK, gin.H{"changes": changes, "total": len(changes)})
}

// ProposeChange предлагает новое содержимое файла // v1.0
func (h *ConfigsHandler) ProposeChange(c *gin.Context) {
	var req configmgmt.ChangeRequest
	if err := bindJSON(c, &req); err != nil {
		respondError(c, h.logger, err)
		return
	}
	change, err := h.manager.ProposeChange(c.Request.Context(), c.Param("id"), req, currentUser(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, change)
}

// GetChange возвращает изменение // v1.0
func (h *ConfigsHandler) GetChange(c *gin.Context) {
	change, err := h.manager.GetChange(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, change)
}

// ApproveChange одобряет изменение от имени пользователя запроса // v1.0
func (h *ConfigsHandler) ApproveChange(c *gin.Context) {
	h.decide(c, true)
}

// RejectChange отклоняет изменение // v1.0
func (h *ConfigsHandler) RejectChange(c *gin.Context) {
	h.decide(c, false)
}

func (h *ConfigsHandler) decide(c *gin.Context, approve bool) {
	var req DecisionRequest
	if c.Request.ContentLength > 0 {
		if err := bindJSON(c, &req); err != nil {
			respondError(c, h.logger, err)
			return
		}
	}
	change, err := h.manager.DecideChange(c.Request.Context(), c.Param("id"), currentUser(c), approve, req.Comment)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, change)
}

// ApplyChange применяет одобренное изменение // v1.0
func (h *ConfigsHandler) ApplyChange(c *gin.Context) {
	file, err := h.manager.ApplyChange(c.Request.Context(), c.Param("id"), currentUser(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, file)
}

// GetComplianceRules возвращает правила соответствия // v1.0
func (h *ConfigsHandler) GetComplianceRules(c *gin.Context) {
	rules, err := h.manager.ComplianceRules(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if rules == nil {
		rules = []*models.ComplianceRule{}
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules, "total": len(rules)})
}

// CreateComplianceRule добавляет правило соответствия // v1.0
func (h *ConfigsHandler) CreateComplianceRule(c *gin.Context) {
	rule := models.ComplianceRule{Enabled: true}
	if err := bindJSON(c, &rule); err != nil {
		respondError(c, h.logger, err)
		return
	}
	saved, err := h.manager.AddComplianceRule(c.Request.Context(), &rule)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, saved)
}

// DeleteComplianceRule удаляет правило соответствия // v1.0
func (h *ConfigsHandler) DeleteComplianceRule(c *gin.Context) {
	if err := h.manager.DeleteComplianceRule(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Scan проверяет все файлы // v1.0
func (h *ConfigsHandler) Scan(c *gin.Context) {
	violations, err := h.manager.Scan(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if violations == nil {
		violations = []models.Violation{}
	}
	c.JSON(http.StatusOK, gin.H{"violations": violations, "total": len(violations)})
}

// GetViolations возвращает нарушения; фильтр file_id // v1.0
func (h *ConfigsHandler) GetViolations(c *gin.Context) {
	violations, err := h.manager.Violations(c.Request.Context(), c.Query("file_id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if violations == nil {
		violations = []models.Violation{}
	}
	c.JSON(http.StatusOK, gin.H{"violations": violations, "total": len(violations)})
}
