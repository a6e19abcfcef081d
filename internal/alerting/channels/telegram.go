// filename: internal/alerting/channels/telegram.go
package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/autoops/autoops/internal/common/logging"
	"github.com/autoops/autoops/internal/models"
)

// TelegramChannel канал отправки уведомлений в Telegram // v1.0
type TelegramChannel struct {
	config *TelegramConfig
	logger *logging.Logger
	client *http.Client
}

// TelegramConfig конфигурация Telegram канала // v1.0
type TelegramConfig struct {
	BotToken              string        `yaml:"bot_token"`
	ChatID                string        `yaml:"chat_id"`
	APIURL                string        `yaml:"api_url"`
	ParseMode             string        `yaml:"parse_mode"` // HTML или пусто
	DisableWebPagePreview bool          `yaml:"disable_web_page_preview"`
	Timeout               time.Duration `yaml:"timeout"`
	MaxRetries            int           `yaml:"max_retries"`
	RetryDelay            time.Duration `yaml:"retry_delay"`
}

// TelegramMessage сообщение Bot API // v1.0
type TelegramMessage struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
}

// TelegramResponse ответ Bot API // v1.0
type TelegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
	ErrorCode   int    `json:"error_code,omitempty"`
}

// NewTelegramChannel создает Telegram канал // v1.0
func NewTelegramChannel(config *TelegramConfig, logger *logging.Logger) *TelegramChannel {
	if config.APIURL == "" {
		config.APIURL = "https://api.telegram.org"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	return &TelegramChannel{
		config: config,
		logger: logger,
		client: &http.Client{Timeout: config.Timeout},
	}
}

// Send отправляет уведомление с повторами // v1.0
func (t *TelegramChannel) Send(ctx context.Context, n *models.Notification) error {
	text := t.formatMessage(n)
	return retry(ctx, t.config.MaxRetries, t.config.RetryDelay, func(attempt int) error {
		if err := t.sendMessage(ctx, text); err != nil {
			t.logger.WithField("notification_id", n.ID).
				WithField("attempt", attempt).
				WithError(err).
				Warn("Telegram send attempt failed")
			return err
		}
		return nil
	})
}

func (t *TelegramChannel) formatMessage(n *models.Notification) string {
	esc := func(s string) string { return s }
	bold := func(s string) string { return s }
	if t.config.ParseMode == "HTML" {
		esc = html.EscapeString
		bold = func(s string) string { return "<b>" + s + "</b>" }
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n\n", severityIcon(n.Severity), bold(esc(n.Title)))
	if n.RuleName != "" || n.RuleID != "" {
		fmt.Fprintf(&b, "%s %s\n", bold("Rule:"), esc(firstNonEmpty(n.RuleName, n.RuleID)))
	}
	if n.TargetID != "" {
		fmt.Fprintf(&b, "%s %s\n", bold("Target:"), esc(n.TargetID))
	}
	if n.ExecutionID != "" {
		fmt.Fprintf(&b, "%s %s\n", bold("Execution:"), esc(n.ExecutionID))
	}
	fmt.Fprintf(&b, "%s %s\n", bold("Time:"), n.TS.Format(time.RFC3339))
	if n.Message != "" {
		fmt.Fprintf(&b, "\n%s\n", esc(n.Message))
	}
	return b.String()
}

func severityIcon(s models.Severity) string {
	switch s {
	case models.SeverityCritical:
		return "🔴"
	case models.SeverityWarning:
		return "🟡"
	default:
		return "🔵"
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func (t *TelegramChannel) sendMessage(ctx context.Context, text string) error {
	body, err := json.Marshal(TelegramMessage{
		ChatID:                t.config.ChatID,
		Text:                  text,
		ParseMode:             t.config.ParseMode,
		DisableWebPagePreview: t.config.DisableWebPagePreview,
	})
	if err != nil {
		return permanent(fmt.Errorf("failed to marshal message: %w", err))
	}

	apiURL := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(t.config.APIURL, "/"), t.config.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(body))
	if err != nil {
		return permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	var tr TelegramResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	if !tr.OK {
		err := fmt.Errorf("telegram API error: %s (code: %d)", tr.Description, tr.ErrorCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return permanent(err)
		}
		return err
	}
	return nil
}

// GetType возвращает тип канала // v1.0
func (t *TelegramChannel) GetType() string {
	return "telegram"
}
