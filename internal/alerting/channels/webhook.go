// filename: internal/alerting/channels/webhook.go
package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/autoops/autoops/internal/common/logging"
	"github.com/autoops/autoops/internal/models"
)

// Channel канал доставки уведомлений // v1.0
type Channel interface {
	GetType() string
	Send(ctx context.Context, n *models.Notification) error
}

// WebhookChannel канал отправки уведомлений HTTP запросом // v1.0
type WebhookChannel struct {
	config *WebhookConfig
	logger *logging.Logger
	client *http.Client
}

// WebhookConfig конфигурация webhook канала // v1.0
type WebhookConfig struct {
	URL           string            `yaml:"url"`
	Method        string            `yaml:"method"`
	Headers       map[string]string `yaml:"headers"`
	Timeout       time.Duration     `yaml:"timeout"`
	MaxRetries    int               `yaml:"max_retries"`
	RetryDelay    time.Duration     `yaml:"retry_delay"`
	RetryStatuses []int             `yaml:"retry_statuses"`
	Auth          *WebhookAuth      `yaml:"auth"`
}

// WebhookAuth аутентификация webhook // v1.0
type WebhookAuth struct {
	Type     string `yaml:"type"` // basic, bearer, custom
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	Token    string `yaml:"token,omitempty"`
	Header   string `yaml:"header,omitempty"`
}

// WebhookPayload тело запроса webhook // v1.0
type WebhookPayload struct {
	Notification *models.Notification `json:"notification"`
	Timestamp    time.Time            `json:"timestamp"`
	Source       string               `json:"source"`
	Version      string               `json:"version"`
}

// NewWebhookChannel создает webhook канал // v1.0
func NewWebhookChannel(config *WebhookConfig, logger *logging.Logger) *WebhookChannel {
	w := &WebhookChannel{config: config, logger: logger}
	_ = w.ValidateConfig()
	w.client = &http.Client{Timeout: config.Timeout}
	return w
}

// Send отправляет уведомление с повторами // v1.0
func (w *WebhookChannel) Send(ctx context.Context, n *models.Notification) error {
	body, err := json.Marshal(WebhookPayload{
		Notification: n,
		Timestamp:    time.Now(),
		Source:       "autoops",
		Version:      "1.0.0",
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	return retry(ctx, w.config.MaxRetries, w.config.RetryDelay, func(attempt int) error {
		if err := w.sendWebhook(ctx, body); err != nil {
			w.logger.WithField("notification_id", n.ID).
				WithField("attempt", attempt).
				WithError(err).
				Warn("Webhook send attempt failed")
			return err
		}
		w.logger.WithField("notification_id", n.ID).WithField("url", w.config.URL).Debug("Webhook sent")
		return nil
	})
}

func (w *WebhookChannel) sendWebhook(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, w.config.Method, w.config.URL, bytes.NewReader(body))
	if err != nil {
		return permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "AutoOps/1.0.0")
	req.Header.Set("X-AutoOps-Timestamp", time.Now().Format(time.RFC3339))
	for key, value := range w.config.Headers {
		req.Header.Set(key, value)
	}
	w.addAuth(req)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if w.shouldRetry(resp.StatusCode) {
		return fmt.Errorf("webhook returned retryable status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return permanent(fmt.Errorf("webhook returned status %d", resp.StatusCode))
	}
	return nil
}

func (w *WebhookChannel) addAuth(req *http.Request) {
	if w.config.Auth == nil {
		return
	}
	switch w.config.Auth.Type {
	case "basic":
		if w.config.Auth.Username != "" {
			req.SetBasicAuth(w.config.Auth.Username, w.config.Auth.Password)
		}
	case "bearer":
		if w.config.Auth.Token != "" {
			req.Header.Set("Authorization", "Bearer "+w.config.Auth.Token)
		}
	case "custom":
		if w.config.Auth.Header != "" && w.config.Auth.Token != "" {
			req.Header.Set(w.config.Auth.Header, w.config.Auth.Token)
		}
	}
}

func (w *WebhookChannel) shouldRetry(statusCode int) bool {
	if len(w.config.RetryStatuses) > 0 {
		for _, status := range w.config.RetryStatuses {
			if status == statusCode {
				return true
			}
		}
		return false
	}
	return statusCode >= 500 || statusCode == http.StatusRequestTimeout || statusCode == http.StatusTooManyRequests
}

// GetType возвращает тип канала // v1.0
func (w *WebhookChannel) GetType() string {
	return "webhook"
}

// ValidateConfig проверяет конфигурацию и заполняет значения по умолчанию // v1.0
func (w *WebhookChannel) ValidateConfig() error {
	if w.config.Method == "" {
		w.config.Method = http.MethodPost
	}
	if w.config.Timeout == 0 {
		w.config.Timeout = 30 * time.Second
	}
	if w.config.URL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	switch w.config.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return fmt.Errorf("invalid HTTP method: %s", w.config.Method)
	}
	return nil
}
