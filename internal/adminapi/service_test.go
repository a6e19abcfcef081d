// internal/adminapi/service_test.go
package adminapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoops/autoops/internal/adminapi/routes"
	"github.com/autoops/autoops/internal/adminapi/server"
	"github.com/autoops/autoops/internal/automation"
	"github.com/autoops/autoops/internal/automation/dsl"
	"github.com/autoops/autoops/internal/automation/executor"
	"github.com/autoops/autoops/internal/automation/rulestore"
	"github.com/autoops/autoops/internal/automation/state"
	"github.com/autoops/autoops/internal/automation/tracker"
	"github.com/autoops/autoops/internal/common/config"
	"github.com/autoops/autoops/internal/common/logging"
	"github.com/autoops/autoops/internal/configmgmt"
	"github.com/autoops/autoops/internal/models"
)

type sentNotifications struct {
	mu   sync.Mutex
	sent []*models.Notification
}

func (n *sentNotifications) Notify(ctx context.Context, notification *models.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification)
	return nil
}

func (n *sentNotifications) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type apiEnv struct {
	handler  http.Handler
	engine   *automation.Engine
	notifier *sentNotifications
	pushed   chan executor.OperationRequest
	tokens   map[string]string
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	logger := logging.NewDiscardLogger()

	pushed := make(chan executor.OperationRequest, 16)
	backend := executor.BackendFunc(func(ctx context.Context, req executor.OperationRequest) (executor.OperationResult, error) {
		if req.Type == models.ActionUpdateConfig {
			pushed <- req
		}
		return executor.OperationResult{Success: true}, nil
	})

	tr := tracker.New(tracker.NewMemoryRepository(), logger)
	engine := automation.NewEngine(automation.Config{}, automation.Deps{
		Rules:     rulestore.NewMemoryStore(),
		Tracker:   tr,
		Executor:  executor.New(backend, tr, executor.Config{MaxParallelTargets: 2}, logger),
		Evaluator: dsl.NewEvaluator(state.NewMemoryStore(), logger),
	}, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})

	tokens := map[string]string{"alice": "alice-secret", "bob": "bob-secret"}
	var apiTokens []config.APIToken
	for user, token := range tokens {
		hash, err := server.HashToken(token)
		require.NoError(t, err)
		apiTokens = append(apiTokens, config.APIToken{User: user, Hash: hash})
	}

	cfg := &config.Config{Auth: config.AuthConfig{Enabled: true, Tokens: apiTokens}}
	notifier := &sentNotifications{}
	svc := NewService(cfg, Deps{
		Engine:   engine,
		Configs:  configmgmt.NewManager(configmgmt.NewMemoryStore(), backend, logger),
		Notifier: notifier,
		Checks: map[string]routes.CheckFunc{
			"nats": func(ctx context.Context) error { return nil },
		},
		Stats: map[string]func() map[string]interface{}{"engine": engine.Stats},
	}, "test", logger)

	return &apiEnv{handler: svc.Handler(), engine: engine, notifier: notifier, pushed: pushed, tokens: tokens}
}

func (env *apiEnv) do(t *testing.T, user, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+env.tokens[user])
	}
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	var out map[string]interface{}
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w, out
}

func restartRule(id string) map[string]interface{} {
	return map[string]interface{}{
		"id":       id,
		"name":     "Restart " + id,
		"category": "maintenance",
		"actions":  []map[string]interface{}{{"id": "restart", "type": "restart", "order": 1}},
		"targets":  []map[string]interface{}{{"id": "web-1", "kind": "server"}},
	}
}

func TestHealthIsPublicAndRulesNeedToken(t *testing.T) {
	env := newAPIEnv(t)

	w, body := env.do(t, "", http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.NotEmpty(t, w.Header().Get(server.RequestIDHeader))

	w, body = env.do(t, "", http.MethodGet, "/api/v1/rules", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHORIZED", body["error"])

	w, _ = env.do(t, "alice", http.MethodGet, "/api/v1/rules", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, body = env.do(t, "alice", http.MethodGet, "/api/v1/status", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, body["components"], "engine")
}

func TestRuleLifecycleOverAPI(t *testing.T) {
	env := newAPIEnv(t)

	w, body := env.do(t, "alice", http.MethodPost, "/api/v1/rules", restartRule("restart_web"))
	require.Equal(t, http.StatusCreated, w.Code, body)
	assert.Equal(t, "restart_web", body["id"])

	w, body = env.do(t, "alice", http.MethodGet, "/api/v1/rules/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "RULE_NOT_FOUND", body["error"])

	w, body = env.do(t, "alice", http.MethodPost, "/api/v1/rules/restart_web/trigger", nil)
	require.Equal(t, http.StatusAccepted, w.Code, body)
	assert.Equal(t, "alice", body["triggered_by"])
	execID := body["id"].(string)

	require.Eventually(t, func() bool {
		exec, err := env.engine.Execution(context.Background(), execID)
		return err == nil && exec.Status == models.ExecutionCompleted
	}, 2*time.Second, 10*time.Millisecond)

	w, body = env.do(t, "alice", http.MethodGet, "/api/v1/executions?rule_id=restart_web&status=completed", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["total"])

	w, body = env.do(t, "alice", http.MethodPost, "/api/v1/rules/restart_web/disable", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["enabled"])

	w, _ = env.do(t, "alice", http.MethodDelete, "/api/v1/rules/restart_web", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestValidateRuleReportsProblems(t *testing.T) {
	env := newAPIEnv(t)

	rule := restartRule("bad")
	rule["conditions"] = map[string]interface{}{
		"logic":      "and",
		"conditions": []map[string]interface{}{{"id": "c1", "field": "cpu", "operator": "between", "value": 5}},
	}
	w, body := env.do(t, "alice", http.MethodPost, "/api/v1/rules/validate", rule)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["valid"])
	assert.NotEmpty(t, body["error"])

	w, body = env.do(t, "alice", http.MethodPost, "/api/v1/rules/validate", restartRule("good"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["valid"])
}

func TestApprovalOverAPI(t *testing.T) {
	env := newAPIEnv(t)

	rule := restartRule("guarded")
	rule["settings"] = map[string]interface{}{"require_approval": true, "approvers": []string{"alice"}}
	w, body := env.do(t, "alice", http.MethodPost, "/api/v1/rules", rule)
	require.Equal(t, http.StatusCreated, w.Code, body)

	w, body = env.do(t, "bob", http.MethodPost, "/api/v1/rules/guarded/trigger", nil)
	require.Equal(t, http.StatusAccepted, w.Code, body)
	assert.Equal(t, "pending", body["status"])
	execID := body["id"].(string)

	w, body = env.do(t, "bob", http.MethodPost, "/api/v1/executions/"+execID+"/approve", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "APPROVER_NOT_LISTED", body["error"])

	w, body = env.do(t, "alice", http.MethodPost, "/api/v1/executions/"+execID+"/approve",
		map[string]string{"comment": "go ahead"})
	require.Equal(t, http.StatusOK, w.Code, body)
	assert.NotEqual(t, "pending", body["status"])

	w, _ = env.do(t, "alice", http.MethodPost, "/api/v1/executions/"+execID+"/approve", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestConfigChangeOverAPI(t *testing.T) {
	env := newAPIEnv(t)

	w, file := env.do(t, "alice", http.MethodPost, "/api/v1/configs", map[string]string{
		"server_id": "web-1",
		"path":      "/etc/app/app.yaml",
		"format":    "yaml",
		"content":   "debug: false\n",
	})
	require.Equal(t, http.StatusCreated, w.Code, file)
	fileID := file["id"].(string)

	w, body := env.do(t, "alice", http.MethodPost, "/api/v1/compliance/rules", map[string]string{
		"name":    "no-debug",
		"pattern": "debug: true",
		"mode":    "must_not_match",
	})
	require.Equal(t, http.StatusCreated, w.Code, body)
	assert.Equal(t, true, body["enabled"])

	w, body = env.do(t, "alice", http.MethodPost, "/api/v1/configs/"+fileID+"/changes", map[string]interface{}{
		"base_hash": "stale",
		"content":   "debug: true\n",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "CONFIG_HASH_MISMATCH", body["error"])

	w, change := env.do(t, "alice", http.MethodPost, "/api/v1/configs/"+fileID+"/changes", map[string]interface{}{
		"base_hash": file["hash"],
		"content":   "debug: true\n",
		"approvers": []string{"bob"},
	})
	require.Equal(t, http.StatusCreated, w.Code, change)
	changeID := change["id"].(string)

	w, _ = env.do(t, "alice", http.MethodPost, "/api/v1/changes/"+changeID+"/apply", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, body = env.do(t, "bob", http.MethodPost, "/api/v1/changes/"+changeID+"/approve", nil)
	require.Equal(t, http.StatusOK, w.Code, body)
	assert.Equal(t, "approved", body["status"])

	w, body = env.do(t, "alice", http.MethodPost, "/api/v1/changes/"+changeID+"/apply", nil)
	require.Equal(t, http.StatusOK, w.Code, body)
	assert.Equal(t, float64(2), body["version"])

	select {
	case req := <-env.pushed:
		assert.Equal(t, "web-1", req.Target.ID)
	case <-time.After(time.Second):
		t.Fatal("change was not pushed to the server")
	}

	w, body = env.do(t, "alice", http.MethodGet, "/api/v1/compliance/violations?file_id="+fileID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["total"])
}

func TestSendTestNotification(t *testing.T) {
	env := newAPIEnv(t)

	w, _ := env.do(t, "alice", http.MethodPost, "/api/v1/notifications/test", map[string]string{"severity": "loud"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body := env.do(t, "alice", http.MethodPost, "/api/v1/notifications/test", map[string]string{"title": "ping"})
	require.Equal(t, http.StatusAccepted, w.Code, body)
	assert.Equal(t, 1, env.notifier.count())

	w, body = env.do(t, "alice", http.MethodGet, "/api/v1/notifications/stats", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "remote", body["mode"])
}
