// filename: internal/alerting/channels/email.go
package channels

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strings"
	"text/template"
	"time"

	"github.com/autoops/autoops/internal/common/logging"
	"github.com/autoops/autoops/internal/models"
)

// SendMailFunc отправляет готовое письмо; по умолчанию smtp.SendMail
type SendMailFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// EmailChannel канал отправки уведомлений по email // v1.0
type EmailChannel struct {
	config   *EmailConfig
	logger   *logging.Logger
	sendMail SendMailFunc
}

// EmailConfig конфигурация email канала // v1.0
type EmailConfig struct {
	SMTPHost   string        `yaml:"smtp_host"`
	SMTPPort   int           `yaml:"smtp_port"`
	Username   string        `yaml:"username"`
	Password   string        `yaml:"password"`
	From       string        `yaml:"from"`
	To         []string      `yaml:"to"`
	Subject    string        `yaml:"subject"`
	Template   string        `yaml:"template"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	UseTLS     bool          `yaml:"use_tls"`
}

const defaultEmailTemplate = `{{.Title}}

Severity:  {{.Severity}}
{{- if .RuleID}}
Rule:      {{if .RuleName}}{{.RuleName}} ({{.RuleID}}){{else}}{{.RuleID}}{{end}}
{{- end}}
{{- if .TargetID}}
Target:    {{.TargetID}}
{{- end}}
{{- if .ExecutionID}}
Execution: {{.ExecutionID}}
{{- end}}
Time:      {{.TS.Format "2006-01-02T15:04:05Z07:00"}}

{{.Message}}

---
AutoOps automation engine
`

// NewEmailChannel создает email канал // v1.0
func NewEmailChannel(config *EmailConfig, logger *logging.Logger) *EmailChannel {
	return &EmailChannel{config: config, logger: logger, sendMail: smtp.SendMail}
}

// SetSendMail подменяет отправку письма // v1.0
func (e *EmailChannel) SetSendMail(fn SendMailFunc) {
	e.sendMail = fn
}

// Send отправляет уведомление с повторами // v1.0
func (e *EmailChannel) Send(ctx context.Context, n *models.Notification) error {
	msg, err := e.formatMessage(n)
	if err != nil {
		return fmt.Errorf("failed to format email message: %w", err)
	}

	return retry(ctx, e.config.MaxRetries, e.config.RetryDelay, func(attempt int) error {
		if err := e.deliver(msg); err != nil {
			e.logger.WithField("notification_id", n.ID).
				WithField("attempt", attempt).
				WithError(err).
				Warn("Email send attempt failed")
			return err
		}
		e.logger.WithField("notification_id", n.ID).WithField("to", e.config.To).Debug("Email sent")
		return nil
	})
}

func (e *EmailChannel) formatMessage(n *models.Notification) ([]byte, error) {
	subject := e.config.Subject
	if subject == "" {
		subject = fmt.Sprintf("[%s] %s", strings.ToUpper(string(n.Severity)), n.Title)
	} else {
		subject = strings.NewReplacer(
			"{severity}", string(n.Severity),
			"{title}", n.Title,
			"{rule_id}", n.RuleID,
			"{target}", n.TargetID,
		).Replace(subject)
	}

	text := e.config.Template
	if text == "" {
		text = defaultEmailTemplate
	}
	tmpl, err := template.New("email").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse email template: %w", err)
	}
	var body bytes.Buffer
	if err := tmpl.Execute(&body, n); err != nil {
		return nil, fmt.Errorf("failed to execute email template: %w", err)
	}

	var msg bytes.Buffer
	headers := [][2]string{
		{"From", e.config.From},
		{"To", strings.Join(e.config.To, ", ")},
		{"Subject", subject},
		{"MIME-Version", "1.0"},
		{"Content-Type", "text/plain; charset=UTF-8"},
		{"Date", n.TS.Format(time.RFC1123Z)},
	}
	for _, h := range headers {
		fmt.Fprintf(&msg, "%s: %s\r\n", h[0], h[1])
	}
	msg.WriteString("\r\n")
	msg.Write(body.Bytes())
	return msg.Bytes(), nil
}

func (e *EmailChannel) deliver(msg []byte) error {
	addr := fmt.Sprintf("%s:%d", e.config.SMTPHost, e.config.SMTPPort)
	var auth smtp.Auth
	if e.config.Username != "" {
		auth = smtp.PlainAuth("", e.config.Username, e.config.Password, e.config.SMTPHost)
	}
	if !e.config.UseTLS {
		return e.sendMail(addr, auth, e.config.From, e.config.To, msg)
	}

	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: e.config.SMTPHost, MinVersion: tls.VersionTLS12})
	if err != nil {
		return fmt.Errorf("failed to establish TLS connection: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, e.config.SMTPHost)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return permanent(fmt.Errorf("failed to authenticate: %w", err))
		}
	}
	if err := client.Mail(e.config.From); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, to := range e.config.To {
		if err := client.Rcpt(to); err != nil {
			return fmt.Errorf("failed to set recipient %s: %w", to, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to start data transfer: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data transfer: %w", err)
	}
	return client.Quit()
}

// GetType возвращает тип канала // v1.0
func (e *EmailChannel) GetType() string {
	return "email"
}
