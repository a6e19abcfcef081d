// filename: internal/adminapi/routes/notifications.go
package routes

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/autoops/autoops/internal/common/logging"
	"github.com/autoops/autoops/internal/models"
)

// Notifier отправка уведомлений (локальный сервис или публикация в NATS)
type Notifier interface {
	Notify(ctx context.Context, n *models.Notification) error
}

type notifierStats interface {
	Stats() map[string]interface{}
}

// NotificationsHandler обработчик уведомлений // v1.0
type NotificationsHandler struct {
	logger   *logging.Logger
	notifier Notifier
}

// TestNotificationRequest запрос тестового уведомления
type TestNotificationRequest struct {
	Severity models.Severity `json:"severity" validate:"omitempty,oneof=info warning critical"`
	Title    string          `json:"title" validate:"required,max=256"`
	Message  string          `json:"message"`
	Channels []string        `json:"channels"`
}

// NewNotificationsHandler создает обработчик // v1.0
func NewNotificationsHandler(logger *logging.Logger, notifier Notifier) *NotificationsHandler {
	return &NotificationsHandler{logger: logger, notifier: notifier}
}

// GetStats возвращает статистику каналов; для удаленной отправки только режим // v1.0
func (h *NotificationsHandler) GetStats(c *gin.Context) {
	if s, ok := h.notifier.(notifierStats); ok {
		c.JSON(http.StatusOK, s.Stats())
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": "remote"})
}

// SendTest отправляет тестовое уведомление // v1.0
func (h *NotificationsHandler) SendTest(c *gin.Context) {
	var req TestNotificationRequest
	if err := bindJSON(c, &req); err != nil {
		respondError(c, h.logger, err)
		return
	}
	if req.Severity == "" {
		req.Severity = models.SeverityInfo
	}

	n := models.NewNotification(req.Severity, req.Title, req.Message)
	n.Channels = req.Channels
	n.Payload = map[string]interface{}{"test": true, "user": currentUser(c)}

	if err := h.notifier.Notify(c.Request.Context(), n); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": n.ID})
}
