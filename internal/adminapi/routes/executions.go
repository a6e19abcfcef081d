// filename: internal/adminapi/routes/executions.go
package routes

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/autoops/autoops/internal/automation"
	"github.com/autoops/autoops/internal/automation/tracker"
	"github.com/autoops/autoops/internal/common/logging"
	"github.com/autoops/autoops/internal/models"
)

// ExecutionsHandler обработчик выполнений и согласований // v1.0
type ExecutionsHandler struct {
	logger *logging.Logger
	engine *automation.Engine
}

// DecisionRequest решение согласующего
type DecisionRequest struct {
	Comment string `json:"comment" validate:"max=1024"`
}

// NewExecutionsHandler создает обработчик выполнений // v1.0
func NewExecutionsHandler(logger *logging.Logger, engine *automation.Engine) *ExecutionsHandler {
	return &ExecutionsHandler{logger: logger, engine: engine}
}

// GetExecutions возвращает выполнения; фильтры rule_id, status (через запятую), limit // v1.0
func (h *ExecutionsHandler) GetExecutions(c *gin.Context) {
	filter := tracker.Filter{
		RuleID: c.Query("rule_id"),
		Limit:  queryLimit(c, 100, 1000),
	}
	if s := c.Query("status"); s != "" {
		for _, status := range strings.Split(s, ",") {
			filter.Statuses = append(filter.Statuses, models.ExecutionStatus(strings.TrimSpace(status)))
		}
	}

	execs, err := h.engine.Executions(c.Request.Context(), filter)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if execs == nil {
		execs = []*models.Execution{}
	}
	c.JSON(http.StatusOK, gin.H{"executions": execs, "total": len(execs)})
}

// GetExecutionByID возвращает выполнение с журналом // v1.0
func (h *ExecutionsHandler) GetExecutionByID(c *gin.Context) {
	exec, err := h.engine.Execution(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// CancelExecution отменяет ожидающее или идущее выполнение // v1.0
func (h *ExecutionsHandler) CancelExecution(c *gin.Context) {
	exec, err := h.engine.Cancel(c.Request.Context(), c.Param("id"), currentUser(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// RollbackExecution запускает откат завершенного выполнения // v1.0
func (h *ExecutionsHandler) RollbackExecution(c *gin.Context) {
	rb, err := h.engine.Rollback(c.Request.Context(), c.Param("id"), currentUser(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusAccepted, rb)
}

// ApproveExecution записывает одобрение пользователя запроса // v1.0
func (h *ExecutionsHandler) ApproveExecution(c *gin.Context) {
	h.decide(c, true)
}

// RejectExecution записывает отказ пользователя запроса // v1.0
func (h *ExecutionsHandler) RejectExecution(c *gin.Context) {
	h.decide(c, false)
}

func (h *ExecutionsHandler) decide(c *gin.Context, approve bool) {
	var req DecisionRequest
	if c.Request.ContentLength > 0 {
		if err := bindJSON(c, &req); err != nil {
			respondError(c, h.logger, err)
			return
		}
	}

	var (
		exec *models.Execution
		err  error
	)
	if approve {
		exec, err = h.engine.Approve(c.Request.Context(), c.Param("id"), currentUser(c), req.Comment)
	} else {
		exec, err = h.engine.Reject(c.Request.Context(), c.Param("id"), currentUser(c), req.Comment)
	}
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// GetStats возвращает статистику движка // v1.0
func (h *ExecutionsHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Stats())
}
