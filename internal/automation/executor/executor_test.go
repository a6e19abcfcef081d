// filename: internal/automation/executor/executor_test.go
package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoops/autoops/internal/automation/tracker"
	"github.com/autoops/autoops/internal/common/errors"
	"github.com/autoops/autoops/internal/common/logging"
	"github.com/autoops/autoops/internal/models"
)

// scriptedBackend отвечает по заранее заданным функциям и считает вызовы
type scriptedBackend struct {
	mu      sync.Mutex
	calls   map[string]int
	order   []string
	handler func(req OperationRequest, call int) (OperationResult, error)
}

func newScriptedBackend(handler func(req OperationRequest, call int) (OperationResult, error)) *scriptedBackend {
	return &scriptedBackend{calls: make(map[string]int), handler: handler}
}

func (b *scriptedBackend) Execute(ctx context.Context, req OperationRequest) (OperationResult, error) {
	b.mu.Lock()
	b.calls[req.ActionID]++
	call := b.calls[req.ActionID]
	b.order = append(b.order, req.Target.ID+"/"+req.ActionID)
	b.mu.Unlock()
	return b.handler(req, call)
}

func (b *scriptedBackend) Calls(actionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[actionID]
}

func (b *scriptedBackend) Order() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.order...)
}

func succeed(OperationRequest, int) (OperationResult, error) {
	return OperationResult{Success: true}, nil
}

func twoStepRule() *models.Rule {
	rule := models.NewRule("deploy", "Deploy", models.CategoryMaintenance)
	rule.Settings.MaxRetries = 3
	rule.Settings.RetryDelay = 0
	rule.Targets = []models.Target{{ID: "srv-1", Kind: "server"}}
	rule.Actions = []models.Action{
		{ID: "a", Type: models.ActionBackup, Order: 1, RetryOnFailure: true,
			Rollback: &models.Action{ID: "a_undo", Type: models.ActionRunScript}},
		{ID: "b", Type: models.ActionRestart, Order: 2, DependsOn: []string{"a"},
			Rollback: &models.Action{ID: "b_undo", Type: models.ActionRestart}},
	}
	return rule
}

func startExecution(t *testing.T, tr *tracker.Tracker, rule *models.Rule) *models.Execution {
	t.Helper()
	ctx := context.Background()
	exec, err := tr.Create(ctx, rule, models.TriggerManual, "tester")
	require.NoError(t, err)
	exec, err = tr.Transition(ctx, exec.ID, models.ExecutionRunning, "")
	require.NoError(t, err)
	return exec
}

func newTestExecutor(backend Backend, tr *tracker.Tracker, cfg Config) *Executor {
	return New(backend, tr, cfg, logging.NewDiscardLogger())
}

func TestRun_ExhaustedDependencySkipsDependent(t *testing.T) {
	tr := tracker.New(tracker.NewMemoryRepository(), logging.NewDiscardLogger())
	backend := newScriptedBackend(func(req OperationRequest, call int) (OperationResult, error) {
		if req.ActionID == "a" {
			return OperationResult{Success: false, Error: "disk full"}, nil
		}
		return OperationResult{Success: true}, nil
	})
	rule := twoStepRule()
	exec := startExecution(t, tr, rule)

	out := newTestExecutor(backend, tr, Config{}).Run(context.Background(), exec, []string{"a", "b"})

	assert.True(t, out.Failed)
	assert.True(t, out.Exhausted)
	assert.False(t, out.Cancelled)
	assert.Equal(t, models.ExecutionFailed, out.Status())
	assert.Contains(t, out.Error(), "disk full")

	assert.Equal(t, 4, backend.Calls("a"), "one attempt plus three retries")
	assert.Equal(t, 0, backend.Calls("b"))

	got, err := tr.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	a, _ := got.FindAction("a", "srv-1")
	assert.Equal(t, models.UnitFailed, a.Status)
	assert.Equal(t, 4, a.Attempts)
	b, _ := got.FindAction("b", "srv-1")
	assert.Equal(t, models.UnitSkipped, b.Status)
	assert.Nil(t, b.StartedAt)
	target, _ := got.FindTarget("srv-1")
	assert.Equal(t, models.UnitFailed, target.Status)

	// Откат затрагивает только исчерпавшее попытки действие
	rb, err := tr.RequestRollback(context.Background(), exec.ID, "engine")
	require.NoError(t, err)
	require.Len(t, rb.Actions, 1)
	assert.Equal(t, "a_undo", rb.Actions[0].ActionID)
}

func TestRun_NoRetryWithoutFlag(t *testing.T) {
	tr := tracker.New(tracker.NewMemoryRepository(), logging.NewDiscardLogger())
	backend := newScriptedBackend(func(OperationRequest, int) (OperationResult, error) {
		return OperationResult{}, fmt.Errorf("connection refused")
	})
	rule := twoStepRule()
	rule.Actions[0].RetryOnFailure = false
	exec := startExecution(t, tr, rule)

	out := newTestExecutor(backend, tr, Config{}).Run(context.Background(), exec, []string{"a", "b"})

	assert.True(t, out.Failed)
	assert.True(t, out.Exhausted)
	assert.Equal(t, 1, backend.Calls("a"))
}

func TestRun_RetryThenSuccess(t *testing.T) {
	tr := tracker.New(tracker.NewMemoryRepository(), logging.NewDiscardLogger())
	backend := newScriptedBackend(func(req OperationRequest, call int) (OperationResult, error) {
		if req.ActionID == "a" && call < 3 {
			return OperationResult{Success: false, Error: "busy"}, nil
		}
		return OperationResult{Success: true, Payload: map[string]interface{}{"call": call}}, nil
	})
	exec := startExecution(t, tr, twoStepRule())

	out := newTestExecutor(backend, tr, Config{}).Run(context.Background(), exec, []string{"a", "b"})

	assert.False(t, out.Failed)
	assert.Equal(t, models.ExecutionCompleted, out.Status())
	assert.Equal(t, []string{"srv-1/a", "srv-1/a", "srv-1/a", "srv-1/b"}, backend.Order())

	got, _ := tr.Get(context.Background(), exec.ID)
	a, _ := got.FindAction("a", "srv-1")
	assert.Equal(t, models.UnitCompleted, a.Status)
	assert.Equal(t, 3, a.Attempts)
	assert.Equal(t, 3, a.Result["call"])
	assert.NotEmpty(t, got.Metrics)
}

func TestRun_FollowsPlanOrder(t *testing.T) {
	tr := tracker.New(tracker.NewMemoryRepository(), logging.NewDiscardLogger())
	backend := newScriptedBackend(succeed)
	rule := twoStepRule()
	rule.Actions = append(rule.Actions, models.Action{ID: "check", Type: models.ActionHealthCheck, Order: 0})
	exec := startExecution(t, tr, rule)

	out := newTestExecutor(backend, tr, Config{}).Run(context.Background(), exec, []string{"check", "a", "b"})

	assert.False(t, out.Failed)
	assert.Equal(t, []string{"srv-1/check", "srv-1/a", "srv-1/b"}, backend.Order())
}

func TestRun_ActionTimeout(t *testing.T) {
	tr := tracker.New(tracker.NewMemoryRepository(), logging.NewDiscardLogger())
	backend := BackendFunc(func(ctx context.Context, req OperationRequest) (OperationResult, error) {
		<-ctx.Done()
		return OperationResult{}, ctx.Err()
	})
	rule := twoStepRule()
	rule.Actions[0].RetryOnFailure = false
	rule.Actions[0].Timeout = 30 * time.Millisecond
	exec := startExecution(t, tr, rule)

	start := time.Now()
	out := newTestExecutor(backend, tr, Config{}).Run(context.Background(), exec, []string{"a", "b"})

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, out.Failed)
	assert.Contains(t, out.Error(), "timed out")

	got, _ := tr.Get(context.Background(), exec.ID)
	a, _ := got.FindAction("a", "srv-1")
	assert.Equal(t, models.UnitFailed, a.Status)
	assert.Contains(t, a.Error, "timed out")
}

func TestRun_CancelLetsInFlightActionFinish(t *testing.T) {
	tr := tracker.New(tracker.NewMemoryRepository(), logging.NewDiscardLogger())
	started := make(chan struct{})
	backend := BackendFunc(func(ctx context.Context, req OperationRequest) (OperationResult, error) {
		if req.ActionID == "a" {
			close(started)
			time.Sleep(50 * time.Millisecond)
			if ctx.Err() != nil {
				return OperationResult{}, ctx.Err()
			}
		}
		return OperationResult{Success: true}, nil
	})
	rule := twoStepRule()
	rule.Actions[1].DependsOn = nil
	exec := startExecution(t, tr, rule)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	out := newTestExecutor(backend, tr, Config{}).Run(ctx, exec, []string{"a", "b"})

	assert.True(t, out.Cancelled)
	assert.False(t, out.Failed)
	assert.Equal(t, models.ExecutionCancelled, out.Status())

	got, _ := tr.Get(context.Background(), exec.ID)
	a, _ := got.FindAction("a", "srv-1")
	assert.Equal(t, models.UnitCompleted, a.Status, "in-flight action is not interrupted")
	b, _ := got.FindAction("b", "srv-1")
	assert.Equal(t, models.UnitSkipped, b.Status)
}

func TestRun_CancelAbortsRetryWait(t *testing.T) {
	tr := tracker.New(tracker.NewMemoryRepository(), logging.NewDiscardLogger())
	backend := newScriptedBackend(func(OperationRequest, int) (OperationResult, error) {
		return OperationResult{Success: false, Error: "busy"}, nil
	})
	rule := twoStepRule()
	rule.Settings.RetryDelay = time.Hour
	exec := startExecution(t, tr, rule)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	out := newTestExecutor(backend, tr, Config{}).Run(ctx, exec, []string{"a", "b"})

	assert.True(t, out.Failed)
	assert.False(t, out.Exhausted)
	assert.Equal(t, 1, backend.Calls("a"))
	assert.Contains(t, out.Error(), "retry aborted")
}

func TestRun_ParallelTargetLimit(t *testing.T) {
	tr := tracker.New(tracker.NewMemoryRepository(), logging.NewDiscardLogger())
	var current, peak int32
	backend := BackendFunc(func(ctx context.Context, req OperationRequest) (OperationResult, error) {
		n := atomic.AddInt32(&current, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return OperationResult{Success: true}, nil
	})
	rule := twoStepRule()
	rule.Actions = rule.Actions[:1]
	rule.Targets = nil
	for i := 1; i <= 5; i++ {
		rule.Targets = append(rule.Targets, models.Target{ID: fmt.Sprintf("srv-%d", i), Kind: "server"})
	}
	exec := startExecution(t, tr, rule)

	out := newTestExecutor(backend, tr, Config{MaxParallelTargets: 2}).Run(context.Background(), exec, []string{"a"})

	assert.False(t, out.Failed)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))

	got, _ := tr.Get(context.Background(), exec.ID)
	for _, target := range got.Targets {
		assert.Equal(t, models.UnitCompleted, target.Status, target.Target.ID)
	}
}

func TestRun_RollbackExecutionRunsInRecordedOrder(t *testing.T) {
	tr := tracker.New(tracker.NewMemoryRepository(), logging.NewDiscardLogger())
	ctx := context.Background()
	x := newTestExecutor(newScriptedBackend(succeed), tr, Config{})

	exec := startExecution(t, tr, twoStepRule())
	out := x.Run(ctx, exec, []string{"a", "b"})
	require.False(t, out.Failed)
	_, err := tr.Transition(ctx, exec.ID, out.Status(), "")
	require.NoError(t, err)

	rb, err := tr.RequestRollback(ctx, exec.ID, "alice")
	require.NoError(t, err)
	rb, err = tr.Transition(ctx, rb.ID, models.ExecutionRunning, "")
	require.NoError(t, err)

	var rollbackFlags []bool
	backend := newScriptedBackend(func(req OperationRequest, _ int) (OperationResult, error) {
		rollbackFlags = append(rollbackFlags, req.Rollback)
		return OperationResult{Success: true}, nil
	})
	out = newTestExecutor(backend, tr, Config{}).Run(ctx, rb, nil)

	assert.False(t, out.Failed)
	assert.Equal(t, []string{"srv-1/b_undo", "srv-1/a_undo"}, backend.Order())
	assert.Equal(t, []bool{true, true}, rollbackFlags)
}

func TestMux(t *testing.T) {
	local := BackendFunc(func(ctx context.Context, req OperationRequest) (OperationResult, error) {
		return OperationResult{Success: true, Payload: map[string]interface{}{"via": "local"}}, nil
	})
	remote := BackendFunc(func(ctx context.Context, req OperationRequest) (OperationResult, error) {
		return OperationResult{Success: true, Payload: map[string]interface{}{"via": "remote"}}, nil
	})
	ctx := context.Background()

	mux := NewMux(remote).Handle(local, models.ActionNotify, models.ActionRunScript)

	res, err := mux.Execute(ctx, OperationRequest{Type: models.ActionNotify})
	require.NoError(t, err)
	assert.Equal(t, "local", res.Payload["via"])

	res, err = mux.Execute(ctx, OperationRequest{Type: models.ActionRestart})
	require.NoError(t, err)
	assert.Equal(t, "remote", res.Payload["via"])

	_, err = NewMux(nil).Execute(ctx, OperationRequest{Type: models.ActionScale})
	assert.True(t, errors.IsErrorCode(err, errors.ErrorCodeUnsupportedAction))
}

func TestOutcome_Status(t *testing.T) {
	assert.Equal(t, models.ExecutionCompleted, Outcome{}.Status())
	assert.Equal(t, models.ExecutionCancelled, Outcome{Cancelled: true}.Status())
	assert.Equal(t, models.ExecutionFailed, Outcome{Failed: true, Cancelled: true}.Status())
	assert.True(t, strings.Contains(Outcome{Errors: []string{"x", "y"}}.Error(), "x; y"))
}
