// filename: internal/automation/executor/local_backend.go
package executor

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/autoops/autoops/internal/common/errors"
	"github.com/autoops/autoops/internal/common/logging"
	"github.com/autoops/autoops/internal/models"
)

const maxScriptOutput = 4096

// Notifier доставляет уведомления по каналам // v1.0
type Notifier interface {
	Notify(ctx context.Context, n *models.Notification) error
}

// LocalBackend выполняет notify, run_script и health_check внутри процесса движка // v1.0
type LocalBackend struct {
	notifier   Notifier
	scriptsDir string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewLocalBackend создает локальный бэкенд // v1.0
func NewLocalBackend(notifier Notifier, scriptsDir string, logger *logging.Logger) *LocalBackend {
	return &LocalBackend{
		notifier:   notifier,
		scriptsDir: scriptsDir,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// Types возвращает типы действий, которые обслуживает бэкенд // v1.0
func (b *LocalBackend) Types() []models.ActionType {
	return []models.ActionType{models.ActionNotify, models.ActionRunScript, models.ActionHealthCheck}
}

// Execute выполняет операцию // v1.0
func (b *LocalBackend) Execute(ctx context.Context, req OperationRequest) (OperationResult, error) {
	switch req.Type {
	case models.ActionNotify:
		return b.notify(ctx, req)
	case models.ActionRunScript:
		return b.runScript(ctx, req)
	case models.ActionHealthCheck:
		return b.healthCheck(ctx, req)
	}
	return OperationResult{}, errors.New(errors.ErrorCodeUnsupportedAction,
		fmt.Sprintf("local backend does not handle %s", req.Type))
}

func (b *LocalBackend) notify(ctx context.Context, req OperationRequest) (OperationResult, error) {
	if b.notifier == nil {
		return OperationResult{}, errors.New(errors.ErrorCodeBackendUnavailable, "no notifier configured")
	}

	severity := models.Severity(stringParam(req.Params, "severity", string(models.SeverityInfo)))
	title := stringParam(req.Params, "title", fmt.Sprintf("Automation %s on %s", req.RuleID, req.Target.ID))
	message := stringParam(req.Params, "message", "")

	n := models.NewNotification(severity, title, expand(message, req))
	n.RuleID = req.RuleID
	n.ExecutionID = req.ExecutionID
	n.TargetID = req.Target.ID
	n.Channels = stringListParam(req.Params, "channels")

	if err := b.notifier.Notify(ctx, n); err != nil {
		return OperationResult{Success: false, Error: err.Error()}, nil
	}
	return OperationResult{Success: true, Payload: map[string]interface{}{"notification_id": n.ID}}, nil
}

func (b *LocalBackend) runScript(ctx context.Context, req OperationRequest) (OperationResult, error) {
	script := stringParam(req.Params, "script", "")
	if script == "" {
		return OperationResult{Success: false, Error: "run_script requires a script parameter"}, nil
	}
	if b.scriptsDir == "" {
		return OperationResult{}, errors.New(errors.ErrorCodeBackendUnavailable, "scripts directory is not configured")
	}
	if filepath.Base(script) != script || strings.HasPrefix(script, ".") {
		return OperationResult{Success: false, Error: fmt.Sprintf("script %q must be a plain file name", script)}, nil
	}

	path := filepath.Join(b.scriptsDir, script)
	if _, err := os.Stat(path); err != nil {
		return OperationResult{Success: false, Error: fmt.Sprintf("script %s not found", script)}, nil
	}

	args := stringListParam(req.Params, "args")
	for i := range args {
		args[i] = expand(args[i], req)
	}

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = b.scriptsDir
	cmd.Env = append(os.Environ(),
		"AUTOOPS_EXECUTION_ID="+req.ExecutionID,
		"AUTOOPS_RULE_ID="+req.RuleID,
		"AUTOOPS_ACTION_ID="+req.ActionID,
		"AUTOOPS_TARGET_ID="+req.Target.ID,
		"AUTOOPS_TARGET_NAME="+req.Target.Name,
		fmt.Sprintf("AUTOOPS_ATTEMPT=%d", req.Attempt),
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	output := out.String()
	if len(output) > maxScriptOutput {
		output = output[len(output)-maxScriptOutput:]
	}
	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	payload := map[string]interface{}{
		"output":    output,
		"exit_code": exitCode,
	}
	metrics := []models.Metric{{Name: "script_duration", Value: elapsed.Seconds(), Unit: "s", Timestamp: time.Now()}}

	if err != nil {
		b.logger.WithAction(req.ExecutionID, req.ActionID, req.Target.ID).WithError(err).Warn("Script failed")
		return OperationResult{Success: false, Payload: payload, Error: err.Error(), Metrics: metrics}, nil
	}
	return OperationResult{Success: true, Payload: payload, Metrics: metrics}, nil
}

func (b *LocalBackend) healthCheck(ctx context.Context, req OperationRequest) (OperationResult, error) {
	url := expand(stringParam(req.Params, "url", ""), req)
	if url == "" {
		return OperationResult{Success: false, Error: "health_check requires a url parameter"}, nil
	}
	expect := intParam(req.Params, "expect_status", http.StatusOK)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return OperationResult{Success: false, Error: err.Error()}, nil
	}

	start := time.Now()
	resp, err := b.httpClient.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return OperationResult{Success: false, Error: err.Error()}, nil
	}
	defer resp.Body.Close()

	result := OperationResult{
		Success: resp.StatusCode == expect,
		Payload: map[string]interface{}{"status_code": resp.StatusCode},
		Metrics: []models.Metric{{Name: "health_latency", Value: float64(latency.Milliseconds()), Unit: "ms", Timestamp: time.Now()}},
	}
	if !result.Success {
		result.Error = fmt.Sprintf("expected status %d, got %d", expect, resp.StatusCode)
	}
	return result, nil
}

// expand подставляет {target}, {target_name}, {rule} и {execution} // v1.0
func expand(s string, req OperationRequest) string {
	return strings.NewReplacer(
		"{target}", req.Target.ID,
		"{target_name}", req.Target.Name,
		"{rule}", req.RuleID,
		"{execution}", req.ExecutionID,
	).Replace(s)
}

func stringParam(params map[string]interface{}, key, def string) string {
	if v, ok := params[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return def
}

func intParam(params map[string]interface{}, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func stringListParam(params map[string]interface{}, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return strings.Split(v, ",")
	}
	return nil
}
