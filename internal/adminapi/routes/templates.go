// filename: internal/adminapi/routes/templates.go
package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/autoops/autoops/internal/automation"
	"github.com/autoops/autoops/internal/common/errors"
	"github.com/autoops/autoops/internal/common/logging"
	"github.com/autoops/autoops/internal/models"
)

// TemplatesHandler обработчик заготовок правил // v1.0
type TemplatesHandler struct {
	logger *logging.Logger
	engine *automation.Engine
}

// NewTemplatesHandler создает обработчик заготовок // v1.0
func NewTemplatesHandler(logger *logging.Logger, engine *automation.Engine) *TemplatesHandler {
	return &TemplatesHandler{logger: logger, engine: engine}
}

// GetTemplates возвращает заготовки // v1.0
func (h *TemplatesHandler) GetTemplates(c *gin.Context) {
	templates, err := h.engine.Templates(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if templates == nil {
		templates = []*models.Template{}
	}
	c.JSON(http.StatusOK, gin.H{"templates": templates, "total": len(templates)})
}

// CreateTemplate сохраняет заготовку // v1.0
func (h *TemplatesHandler) CreateTemplate(c *gin.Context) {
	var tpl models.Template
	if err := c.ShouldBindJSON(&tpl); err != nil {
		respondError(c, h.logger, errors.Wrap(err, errors.ErrorCodeValidation, "invalid template JSON"))
		return
	}
	if tpl.ID == "" {
		respondError(c, h.logger, errors.ValidationError("id", "is required"))
		return
	}
	if err := h.engine.SaveTemplate(c.Request.Context(), &tpl); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, tpl)
}

// InstantiateTemplate создает правило из заготовки // v1.0
func (h *TemplatesHandler) InstantiateTemplate(c *gin.Context) {
	var overrides models.TemplateOverrides
	if err := bindJSON(c, &overrides); err != nil {
		respondError(c, h.logger, err)
		return
	}
	rule, err := h.engine.InstantiateTemplate(c.Request.Context(), c.Param("id"), overrides)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	h.logger.WithRule(rule.ID, rule.Name).
		WithField("template_id", c.Param("id")).
		WithField("user", currentUser(c)).
		Info("Rule instantiated from template")
	c.JSON(http.StatusCreated, rule)
}
