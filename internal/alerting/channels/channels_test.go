// filename: internal/alerting/channels/channels_test.go
package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/autoops/autoops/internal/common/logging"
	"github.com/autoops/autoops/internal/models"
)

// createTestNotification создает уведомление о неудачном выполнении
func createTestNotification() *models.Notification {
	n := models.NewNotification(models.SeverityCritical, "Automation rule CPU guard failed", "restart failed on srv-1")
	n.RuleID = "cpu_guard"
	n.RuleName = "CPU guard"
	n.ExecutionID = "exec-42"
	n.TargetID = "srv-1"
	n.TS = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return n
}

func TestWebhookChannel_Send(t *testing.T) {
	var got WebhookPayload
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(&WebhookConfig{
		URL:  srv.URL,
		Auth: &WebhookAuth{Type: "bearer", Token: "s3cret"},
	}, logging.NewDiscardLogger())

	if err := ch.Send(context.Background(), createTestNotification()); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got.Notification == nil || got.Notification.ExecutionID != "exec-42" {
		t.Errorf("payload notification wrong: %+v", got.Notification)
	}
	if got.Source != "autoops" {
		t.Errorf("Source: got %q", got.Source)
	}
	if auth != "Bearer s3cret" {
		t.Errorf("Authorization header: got %q", auth)
	}
}

func TestWebhookChannel_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(&WebhookConfig{URL: srv.URL, MaxRetries: 3}, logging.NewDiscardLogger())
	if err := ch.Send(context.Background(), createTestNotification()); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestWebhookChannel_ClientErrorIsPermanent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(&WebhookConfig{URL: srv.URL, MaxRetries: 5}, logging.NewDiscardLogger())
	err := ch.Send(context.Background(), createTestNotification())
	if err == nil || !strings.Contains(err.Error(), "status 400") {
		t.Fatalf("expected status 400 error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("4xx must not be retried: %d calls", calls)
	}
}

func TestWebhookChannel_ValidateConfig(t *testing.T) {
	ch := NewWebhookChannel(&WebhookConfig{}, logging.NewDiscardLogger())
	if err := ch.ValidateConfig(); err == nil {
		t.Error("empty URL must be rejected")
	}
	ch = NewWebhookChannel(&WebhookConfig{URL: "http://x", Method: "GET"}, logging.NewDiscardLogger())
	if err := ch.ValidateConfig(); err == nil {
		t.Error("GET must be rejected")
	}
}

func TestTelegramChannel_Send(t *testing.T) {
	var msg TelegramMessage
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&msg)
		_ = json.NewEncoder(w).Encode(TelegramResponse{OK: true})
	}))
	defer srv.Close()

	ch := NewTelegramChannel(&TelegramConfig{BotToken: "123:abc", ChatID: "-100", APIURL: srv.URL, ParseMode: "HTML"},
		logging.NewDiscardLogger())
	n := createTestNotification()
	n.Message = "load <95%>"
	if err := ch.Send(context.Background(), n); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if path != "/bot123:abc/sendMessage" {
		t.Errorf("path: got %q", path)
	}
	if msg.ChatID != "-100" || msg.ParseMode != "HTML" {
		t.Errorf("message envelope wrong: %+v", msg)
	}
	for _, want := range []string{"<b>Automation rule CPU guard failed</b>", "srv-1", "exec-42", "load &lt;95%&gt;"} {
		if !strings.Contains(msg.Text, want) {
			t.Errorf("text missing %q:\n%s", want, msg.Text)
		}
	}
}

func TestTelegramChannel_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(TelegramResponse{OK: false, Description: "chat not found", ErrorCode: 400})
	}))
	defer srv.Close()

	ch := NewTelegramChannel(&TelegramConfig{ChatID: "x", APIURL: srv.URL, MaxRetries: 2}, logging.NewDiscardLogger())
	err := ch.Send(context.Background(), createTestNotification())
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("expected API error, got %v", err)
	}
}

func TestEmailChannel_Send(t *testing.T) {
	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
		calls   int
	)
	ch := NewEmailChannel(&EmailConfig{
		SMTPHost:   "smtp.example.com",
		SMTPPort:   587,
		From:       "autoops@example.com",
		To:         []string{"oncall@example.com", "ops@example.com"},
		MaxRetries: 1,
	}, logging.NewDiscardLogger())
	ch.SetSendMail(func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
		calls++
		if calls == 1 {
			return fmt.Errorf("421 try again later")
		}
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		return nil
	})

	if err := ch.Send(context.Background(), createTestNotification()); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected one retry, got %d calls", calls)
	}
	if gotAddr != "smtp.example.com:587" {
		t.Errorf("addr: got %q", gotAddr)
	}
	if len(gotTo) != 2 {
		t.Errorf("recipients: got %v", gotTo)
	}
	for _, want := range []string{
		"Subject: [CRITICAL] Automation rule CPU guard failed",
		"To: oncall@example.com, ops@example.com",
		"Rule:      CPU guard (cpu_guard)",
		"Target:    srv-1",
		"restart failed on srv-1",
	} {
		if !strings.Contains(gotMsg, want) {
			t.Errorf("message missing %q:\n%s", want, gotMsg)
		}
	}
}

func TestEmailChannel_CustomSubjectAndBadTemplate(t *testing.T) {
	var gotMsg string
	ch := NewEmailChannel(&EmailConfig{
		SMTPHost: "smtp.example.com", SMTPPort: 25, From: "a@example.com", To: []string{"b@example.com"},
		Subject: "{severity}: {rule_id} on {target}",
	}, logging.NewDiscardLogger())
	ch.SetSendMail(func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
		gotMsg = string(msg)
		return nil
	})
	if err := ch.Send(context.Background(), createTestNotification()); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !strings.Contains(gotMsg, "Subject: critical: cpu_guard on srv-1") {
		t.Errorf("subject not expanded:\n%s", gotMsg)
	}

	ch.config.Template = "{{.Missing"
	if err := ch.Send(context.Background(), createTestNotification()); err == nil {
		t.Error("broken template must fail")
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := retry(ctx, 3, time.Hour, func(int) error {
		calls++
		return fmt.Errorf("unavailable")
	})
	if err == nil || !strings.Contains(err.Error(), "aborted") {
		t.Fatalf("expected aborted error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected a single attempt, got %d", calls)
	}
}
