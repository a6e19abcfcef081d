// filename: internal/ingest/server/server_test.go
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoops/autoops/internal/common/config"
	"github.com/autoops/autoops/internal/common/logging"
	"github.com/autoops/autoops/internal/common/nats"
	"github.com/autoops/autoops/internal/models"
)

type capturePublisher struct {
	mu       sync.Mutex
	messages map[string][]interface{}
	err      error
}

func (p *capturePublisher) Publish(subject string, v interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if p.messages == nil {
		p.messages = make(map[string][]interface{})
	}
	p.messages[subject] = append(p.messages[subject], v)
	return nil
}

func (p *capturePublisher) on(subject string) []interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.messages[subject]
}

func testConfig() *config.Config {
	return &config.Config{Ingest: config.IngestConfig{
		Host:         "127.0.0.1",
		Port:         8081,
		MaxBodyBytes: 1 << 20,
		MaxBatch:     3,
	}}
}

func post(router http.Handler, path, contentType, agent, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	if agent != "" {
		req.Header.Set("X-Agent-Id", agent)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func init() {
	gin.SetMode(gin.TestMode)
}

func TestTelemetryBatchPublished(t *testing.T) {
	pub := &capturePublisher{}
	s := NewServer(testConfig(), pub, logging.NewDiscardLogger())

	body := `{"target":"web-1","metrics":{"cpu_usage":91.5}}
{"target":"web-2","metrics":{"cpu_usage":12},"labels":{"agent_id":"other"}}

{"target":"","metrics":{"cpu_usage":1}}
`
	w := post(s.Router(), "/api/v1/telemetry", "application/x-ndjson", "agent-7", body)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp IngestResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.OK)
	assert.Equal(t, 2, resp.Received)
	assert.Equal(t, 1, resp.Rejected)
	require.Len(t, resp.Errors, 1)
	assert.Contains(t, resp.Errors[0], "line 4")

	published := pub.on(nats.SubjectTelemetry)
	require.Len(t, published, 2)
	first := published[0].(*models.TelemetrySample)
	assert.Equal(t, "agent-7", first.Labels["agent_id"])
	assert.False(t, first.TS.IsZero())
	second := published[1].(*models.TelemetrySample)
	assert.Equal(t, "other", second.Labels["agent_id"])

	stats := s.Stats()
	assert.Equal(t, int64(2), stats["samples_published"])
	assert.Equal(t, int64(1), stats["samples_rejected"])
}

func TestTelemetryRejectsBadRequests(t *testing.T) {
	pub := &capturePublisher{}
	s := NewServer(testConfig(), pub, logging.NewDiscardLogger())
	router := s.Router()

	w := post(router, "/api/v1/telemetry", "application/x-ndjson", "", `{"target":"a","metrics":{"x":1}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = post(router, "/api/v1/telemetry", "application/json", "agent", `{"target":"a","metrics":{"x":1}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	line := `{"target":"a","metrics":{"x":1}}` + "\n"
	w = post(router, "/api/v1/telemetry", "application/x-ndjson", "agent", strings.Repeat(line, 4))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, pub.on(nats.SubjectTelemetry))
}

func TestTelemetryBodyTooLarge(t *testing.T) {
	cfg := testConfig()
	cfg.Ingest.MaxBodyBytes = 64
	s := NewServer(cfg, &capturePublisher{}, logging.NewDiscardLogger())

	body := `{"target":"web-1","metrics":{"cpu_usage":91.5,"mem_usage":40,"disk_usage":70}}`
	w := post(s.Router(), "/api/v1/telemetry", "application/x-ndjson", "agent", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestTelemetryPublishFailure(t *testing.T) {
	pub := &capturePublisher{err: errors.New("nats: connection closed")}
	s := NewServer(testConfig(), pub, logging.NewDiscardLogger())

	w := post(s.Router(), "/api/v1/telemetry", "text/plain", "agent", `{"target":"a","metrics":{"x":1}}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestEventsPublished(t *testing.T) {
	pub := &capturePublisher{}
	s := NewServer(testConfig(), pub, logging.NewDiscardLogger())

	w := post(s.Router(), "/api/v1/events", "application/json", "agent-1",
		`[{"subject":"deploy.finished","data":{"service":"api"}},{"target":"db-1"}]`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	events := pub.on(nats.SubjectAutomationEvents)
	require.Len(t, events, 2)
	first := events[0].(*models.AutomationEvent)
	assert.Equal(t, "deploy.finished", first.Subject)
	assert.Equal(t, "agent-1", first.Target)
	second := events[1].(*models.AutomationEvent)
	assert.Equal(t, nats.SubjectAutomationEvents, second.Subject)
	assert.Equal(t, "db-1", second.Target)

	w = post(s.Router(), "/api/v1/events", "application/json", "agent-1", `{"subject":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRateLimitPerAgent(t *testing.T) {
	cfg := testConfig()
	cfg.Ingest.RateLimitPerMinute = 2
	cfg.Ingest.BlockDuration = 30 * time.Second
	s := NewServer(cfg, &capturePublisher{}, logging.NewDiscardLogger())
	router := s.Router()

	body := `{"target":"a","metrics":{"x":1}}`
	for i := 0; i < 2; i++ {
		w := post(router, "/api/v1/telemetry", "application/x-ndjson", "noisy", body)
		require.Equal(t, http.StatusAccepted, w.Code)
	}
	w := post(router, "/api/v1/telemetry", "application/x-ndjson", "noisy", body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))

	w = post(router, "/api/v1/telemetry", "application/x-ndjson", "quiet", body)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestRateLimiterWindowResets(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	l := newRateLimiter(1, 0)
	l.now = func() time.Time { return now }

	ok, _, _ := l.allow("a")
	assert.True(t, ok)
	ok, _, wait := l.allow("a")
	assert.False(t, ok)
	assert.Equal(t, time.Minute, wait)

	now = now.Add(time.Minute)
	ok, remaining, _ := l.allow("a")
	assert.True(t, ok)
	assert.Equal(t, 0, remaining)
}

func TestHealth(t *testing.T) {
	s := NewServer(testConfig(), &capturePublisher{}, logging.NewDiscardLogger())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}
