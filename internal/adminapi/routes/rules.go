// filename: internal/adminapi/routes/rules.go
package routes

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gopkg.in/yaml.v3"

	"github.com/autoops/autoops/internal/automation"
	"github.com/autoops/autoops/internal/automation/dsl"
	"github.com/autoops/autoops/internal/common/errors"
	"github.com/autoops/autoops/internal/common/logging"
	"github.com/autoops/autoops/internal/models"
)

// RulesHandler обработчик для работы с правилами автоматизации // v1.0
type RulesHandler struct {
	logger *logging.Logger
	engine *automation.Engine
}

// NewRulesHandler создает новый обработчик правил // v1.0
func NewRulesHandler(logger *logging.Logger, engine *automation.Engine) *RulesHandler {
	return &RulesHandler{logger: logger, engine: engine}
}

// GetRules возвращает правила с фильтрами enabled и category // v1.0
func (h *RulesHandler) GetRules(c *gin.Context) {
	enabledStr := c.Query("enabled")
	category := c.Query("category")

	rules := make([]*models.Rule, 0)
	for _, rule := range h.engine.Rules() {
		if enabledStr != "" {
			if enabled, err := strconv.ParseBool(enabledStr); err == nil && rule.Enabled != enabled {
				continue
			}
		}
		if category != "" && string(rule.Category) != category {
			continue
		}
		rules = append(rules, rule)
	}

	c.JSON(http.StatusOK, gin.H{"rules": rules, "total": len(rules)})
}

// GetRuleByID возвращает правило // v1.0
func (h *RulesHandler) GetRuleByID(c *gin.Context) {
	rule, err := h.engine.Rule(c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// CreateRule создает правило из JSON или YAML тела // v1.0
func (h *RulesHandler) CreateRule(c *gin.Context) {
	rule, err := h.readRule(c)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	created, err := h.engine.CreateRule(c.Request.Context(), rule)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	h.logger.WithRule(created.ID, created.Name).WithField("user", currentUser(c)).Info("Rule created via API")
	c.JSON(http.StatusCreated, created)
}

// UpdateRule заменяет определение правила // v1.0
func (h *RulesHandler) UpdateRule(c *gin.Context) {
	rule, err := h.readRule(c)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	id := c.Param("id")
	if rule.ID != "" && rule.ID != id {
		respondError(c, h.logger, errors.ValidationError("id", "does not match the URL"))
		return
	}
	rule.ID = id

	updated, err := h.engine.UpdateRule(c.Request.Context(), rule)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	h.logger.WithRule(updated.ID, updated.Name).
		WithField("version", updated.Version).
		WithField("user", currentUser(c)).
		Info("Rule updated via API")
	c.JSON(http.StatusOK, updated)
}

// DeleteRule удаляет правило без активных выполнений // v1.0
func (h *RulesHandler) DeleteRule(c *gin.Context) {
	if err := h.engine.DeleteRule(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// EnableRule включает правило // v1.0
func (h *RulesHandler) EnableRule(c *gin.Context) {
	h.setEnabled(c, true)
}

// DisableRule выключает правило // v1.0
func (h *RulesHandler) DisableRule(c *gin.Context) {
	h.setEnabled(c, false)
}

func (h *RulesHandler) setEnabled(c *gin.Context, enabled bool) {
	rule, err := h.engine.SetEnabled(c.Request.Context(), c.Param("id"), enabled)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// TriggerRule запускает правило вручную // v1.0
func (h *RulesHandler) TriggerRule(c *gin.Context) {
	exec, err := h.engine.TriggerManual(c.Request.Context(), c.Param("id"), currentUser(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusAccepted, exec)
}

// GetRuleStats возвращает статистику выполнений правила // v1.0
func (h *RulesHandler) GetRuleStats(c *gin.Context) {
	rule, err := h.engine.Rule(c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rule_id": rule.ID, "version": rule.Version, "stats": rule.Stats})
}

// ValidateRule компилирует правило без сохранения // v1.0
func (h *RulesHandler) ValidateRule(c *gin.Context) {
	rule, err := h.readRule(c)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	compiled, err := dsl.NewCompiler().CompileRule(rule)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"valid": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":  true,
		"plan":   compiled.Plan,
		"fields": compiled.Fields,
	})
}

// readRule читает правило; YAML тело разбирается так же, как файлы правил // v1.0
func (h *RulesHandler) readRule(c *gin.Context) (*models.Rule, error) {
	contentType := c.ContentType()
	if strings.Contains(contentType, "yaml") {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorCodeValidation, "failed to read request body")
		}
		return dsl.ParseRuleYAML(body)
	}

	rule := models.NewRule("", "", models.CategoryMaintenance)
	if err := c.ShouldBindJSON(rule); err != nil {
		return nil, errors.Wrap(err, errors.ErrorCodeRuleParseFailed, "invalid rule JSON")
	}
	return rule, nil
}

// ExportRule возвращает правило в YAML // v1.0
func (h *RulesHandler) ExportRule(c *gin.Context) {
	rule, err := h.engine.Rule(c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	out, err := yaml.Marshal(rule)
	if err != nil {
		respondError(c, h.logger, errors.WrapInternal(err, "failed to encode rule"))
		return
	}
	c.Data(http.StatusOK, "application/yaml; charset=utf-8", out)
}
