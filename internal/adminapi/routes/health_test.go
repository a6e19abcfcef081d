// filename: internal/adminapi/routes/health_test.go
package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/autoops/autoops/internal/common/logging"
)

// createTestContext создает gin контекст для тестов
func createTestContext(t *testing.T) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	return c, w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	return response
}

func TestHealthHandler_HealthCheck(t *testing.T) {
	handler := NewHealthHandler(logging.NewDiscardLogger(), "test")

	c, w := createTestContext(t)
	handler.HealthCheck(c)

	if status := w.Code; status != http.StatusOK {
		t.Errorf("Handler returned wrong status code: got %v want %v", status, http.StatusOK)
	}
	contentType := w.Header().Get("Content-Type")
	if contentType != "application/json; charset=utf-8" {
		t.Errorf("Handler returned wrong content type: got %v", contentType)
	}

	response := decodeBody(t, w)
	if status := response["status"]; status != "healthy" {
		t.Errorf("Response missing or invalid status field: got %v", status)
	}
	if version := response["version"]; version != "test" {
		t.Errorf("Response has wrong version: got %v", version)
	}
	if _, exists := response["timestamp"]; !exists {
		t.Error("Response missing timestamp field")
	}
}

func TestHealthHandler_ReadinessAllReady(t *testing.T) {
	handler := NewHealthHandler(logging.NewDiscardLogger(), "test")
	handler.AddCheck("nats", func(ctx context.Context) error { return nil })
	handler.AddCheck("postgres", func(ctx context.Context) error { return nil })

	c, w := createTestContext(t)
	handler.ReadinessCheck(c)

	if w.Code != http.StatusOK {
		t.Fatalf("Handler returned wrong status code: got %v want %v", w.Code, http.StatusOK)
	}
	response := decodeBody(t, w)
	if ready := response["ready"]; ready != true {
		t.Errorf("Expected ready=true, got %v", ready)
	}
	deps, ok := response["dependencies"].(map[string]interface{})
	if !ok || len(deps) != 2 {
		t.Fatalf("Expected 2 dependencies, got %v", response["dependencies"])
	}
}

func TestHealthHandler_ReadinessFailedDependency(t *testing.T) {
	handler := NewHealthHandler(logging.NewDiscardLogger(), "test")
	handler.AddCheck("nats", func(ctx context.Context) error { return nil })
	handler.AddCheck("redis", func(ctx context.Context) error { return errors.New("connection refused") })

	c, w := createTestContext(t)
	handler.ReadinessCheck(c)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Handler returned wrong status code: got %v want %v", w.Code, http.StatusServiceUnavailable)
	}
	response := decodeBody(t, w)
	deps := response["dependencies"].(map[string]interface{})
	redis := deps["redis"].(map[string]interface{})
	if redis["status"] != "unavailable" || redis["error"] != "connection refused" {
		t.Errorf("Unexpected redis check result: %v", redis)
	}
	nats := deps["nats"].(map[string]interface{})
	if nats["status"] != "ready" {
		t.Errorf("Unexpected nats check result: %v", nats)
	}
}

func TestHealthHandler_LivenessCheck(t *testing.T) {
	handler := NewHealthHandler(logging.NewDiscardLogger(), "test")

	c, w := createTestContext(t)
	handler.LivenessCheck(c)

	if w.Code != http.StatusOK {
		t.Errorf("Handler returned wrong status code: got %v want %v", w.Code, http.StatusOK)
	}
	response := decodeBody(t, w)
	if alive := response["alive"]; alive != true {
		t.Errorf("Response missing alive field: got %v", alive)
	}
}

func TestHealthHandler_Status(t *testing.T) {
	handler := NewHealthHandler(logging.NewDiscardLogger(), "test")
	handler.AddCheck("clickhouse", func(ctx context.Context) error { return errors.New("down") })
	handler.AddStats("engine", func() map[string]interface{} {
		return map[string]interface{}{"rules": 3}
	})

	c, w := createTestContext(t)
	handler.Status(c)

	if w.Code != http.StatusOK {
		t.Errorf("Handler returned wrong status code: got %v want %v", w.Code, http.StatusOK)
	}
	response := decodeBody(t, w)
	if status := response["status"]; status != "degraded" {
		t.Errorf("Expected degraded status, got %v", status)
	}
	components := response["components"].(map[string]interface{})
	engine := components["engine"].(map[string]interface{})
	if engine["rules"] != float64(3) {
		t.Errorf("Unexpected engine stats: %v", engine)
	}
	if _, exists := response["system"]; !exists {
		t.Error("Response missing system field")
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		seconds  int
		expected string
	}{
		{30, "30s"},
		{90, "1m 30s"},
		{3700, "1h 1m"},
	}
	for _, tt := range tests {
		got := formatDuration(time.Duration(tt.seconds) * time.Second)
		if got != tt.expected {
			t.Errorf("formatDuration(%ds) = %q, want %q", tt.seconds, got, tt.expected)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	if got := formatBytes(512); got != "512 B" {
		t.Errorf("formatBytes(512) = %q", got)
	}
	if got := formatBytes(1536); got != "1.5 KB" {
		t.Errorf("formatBytes(1536) = %q", got)
	}
}
