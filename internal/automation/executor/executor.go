// filename: internal/automation/executor/executor.go
package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/autoops/autoops/internal/common/errors"
	"github.com/autoops/autoops/internal/common/logging"
	"github.com/autoops/autoops/internal/models"
)

// Recorder фиксирует изменения целей и действий в записи выполнения
type Recorder interface {
	StartAction(ctx context.Context, id, actionID, targetID string) (int, error)
	RecordAttemptFailure(ctx context.Context, id, actionID, targetID, errMsg string, retryIn time.Duration) error
	FinishAction(ctx context.Context, id, actionID, targetID string, status models.UnitStatus, result map[string]interface{}, errMsg string) error
	SkipAction(ctx context.Context, id, actionID, targetID, reason string) error
	UpdateTarget(ctx context.Context, id, targetID string, status models.UnitStatus, errMsg string) error
	AddMetric(ctx context.Context, id string, metric models.Metric) error
}

// Config настройки исполнителя
type Config struct {
	MaxParallelTargets int
	DefaultTimeout     time.Duration
}

// Outcome итог прогона выполнения // v1.0
type Outcome struct {
	Failed    bool
	Cancelled bool
	// Exhausted хотя бы одно действие исчерпало попытки
	Exhausted bool
	Errors    []string
}

// Status переводит итог в финальный статус выполнения // v1.0
func (o Outcome) Status() models.ExecutionStatus {
	switch {
	case o.Failed:
		return models.ExecutionFailed
	case o.Cancelled:
		return models.ExecutionCancelled
	}
	return models.ExecutionCompleted
}

// Error возвращает сводку ошибок // v1.0
func (o Outcome) Error() string {
	return strings.Join(o.Errors, "; ")
}

// Executor выполняет снимок действий по целям // v1.0
type Executor struct {
	backend  Backend
	recorder Recorder
	config   Config
	logger   *logging.Logger
}

// New создает исполнитель // v1.0
func New(backend Backend, recorder Recorder, config Config, logger *logging.Logger) *Executor {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 5 * time.Minute
	}
	return &Executor{
		backend:  backend,
		recorder: recorder,
		config:   config,
		logger:   logger,
	}
}

// Run выполняет действия: цели параллельно, внутри цели по плану. Отмена ctx
// останавливает запуск новых действий; уже запущенные доживают до ответа или таймаута. // v1.0
func (x *Executor) Run(ctx context.Context, exec *models.Execution, plan []string) Outcome {
	actions := make(map[string]models.Action, len(exec.ActionSnapshot))
	for _, a := range exec.ActionSnapshot {
		actions[a.ID] = a
	}

	limit := x.config.MaxParallelTargets
	if limit <= 0 || limit > len(exec.Targets) {
		limit = len(exec.Targets)
	}
	if limit == 0 {
		limit = 1
	}
	sem := make(chan struct{}, limit)

	var (
		mu      sync.Mutex
		outcome Outcome
		wg      sync.WaitGroup
	)

	for _, t := range exec.Targets {
		wg.Add(1)
		go func(target models.Target) {
			defer wg.Done()

			order := targetOrder(exec, target.ID, plan)

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				res := x.skipAll(ctx, exec, target.ID, order, "execution cancelled")
				mu.Lock()
				outcome.merge(res)
				mu.Unlock()
				return
			}

			res := x.runTarget(ctx, exec, target, order, actions)
			mu.Lock()
			outcome.merge(res)
			mu.Unlock()
		}(t.Target)
	}
	wg.Wait()

	return outcome
}

func (o *Outcome) merge(other Outcome) {
	o.Failed = o.Failed || other.Failed
	o.Cancelled = o.Cancelled || other.Cancelled
	o.Exhausted = o.Exhausted || other.Exhausted
	o.Errors = append(o.Errors, other.Errors...)
}

// targetOrder порядок действий цели; у отката порядок задан самой записью // v1.0
func targetOrder(exec *models.Execution, targetID string, plan []string) []string {
	present := make(map[string]bool)
	var declared []string
	for _, unit := range exec.Actions {
		if unit.TargetID == targetID {
			present[unit.ActionID] = true
			declared = append(declared, unit.ActionID)
		}
	}
	if exec.RollbackOf != "" || len(plan) == 0 {
		return declared
	}

	order := make([]string, 0, len(declared))
	for _, id := range plan {
		if present[id] {
			order = append(order, id)
		}
	}
	return order
}

func (x *Executor) runTarget(ctx context.Context, exec *models.Execution, target models.Target, order []string, actions map[string]models.Action) Outcome {
	var res Outcome
	rctx := context.WithoutCancel(ctx)
	log := x.logger.WithExecution(exec.ID, exec.RuleID).WithField("target_id", target.ID)

	x.record(log, x.recorder.UpdateTarget(rctx, exec.ID, target.ID, models.UnitRunning, ""))

	status := make(map[string]models.UnitStatus, len(order))
	for _, actionID := range order {
		action, ok := actions[actionID]
		if !ok {
			status[actionID] = models.UnitSkipped
			x.record(log, x.recorder.SkipAction(rctx, exec.ID, actionID, target.ID, "action missing from snapshot"))
			continue
		}

		if ctx.Err() != nil {
			status[actionID] = models.UnitSkipped
			res.Cancelled = true
			x.record(log, x.recorder.SkipAction(rctx, exec.ID, actionID, target.ID, "execution cancelled"))
			continue
		}

		if dep, ok := unmetDependency(action, status); ok {
			status[actionID] = models.UnitSkipped
			x.record(log, x.recorder.SkipAction(rctx, exec.ID, actionID, target.ID,
				fmt.Sprintf("dependency %s was not completed", dep)))
			continue
		}

		ok, exhausted, errMsg := x.runAction(ctx, exec, action, target)
		if ok {
			status[actionID] = models.UnitCompleted
			continue
		}
		status[actionID] = models.UnitFailed
		res.Failed = true
		res.Exhausted = res.Exhausted || exhausted
		res.Errors = append(res.Errors, fmt.Sprintf("%s on %s: %s", actionID, target.ID, errMsg))
	}

	switch {
	case res.Failed:
		x.record(log, x.recorder.UpdateTarget(rctx, exec.ID, target.ID, models.UnitFailed, "one or more actions failed"))
	case res.Cancelled:
		x.record(log, x.recorder.UpdateTarget(rctx, exec.ID, target.ID, models.UnitSkipped, "execution cancelled"))
	default:
		x.record(log, x.recorder.UpdateTarget(rctx, exec.ID, target.ID, models.UnitCompleted, ""))
	}
	return res
}

func (x *Executor) skipAll(ctx context.Context, exec *models.Execution, targetID string, order []string, reason string) Outcome {
	rctx := context.WithoutCancel(ctx)
	log := x.logger.WithExecution(exec.ID, exec.RuleID).WithField("target_id", targetID)
	for _, actionID := range order {
		x.record(log, x.recorder.SkipAction(rctx, exec.ID, actionID, targetID, reason))
	}
	x.record(log, x.recorder.UpdateTarget(rctx, exec.ID, targetID, models.UnitSkipped, reason))
	return Outcome{Cancelled: true}
}

func unmetDependency(action models.Action, status map[string]models.UnitStatus) (string, bool) {
	for _, dep := range action.DependsOn {
		if status[dep] != models.UnitCompleted {
			return dep, true
		}
	}
	return "", false
}

// runAction выполняет действие с повторами; возвращает успех, признак исчерпания попыток и ошибку // v1.0
func (x *Executor) runAction(ctx context.Context, exec *models.Execution, action models.Action, target models.Target) (bool, bool, string) {
	rctx := context.WithoutCancel(ctx)
	log := x.logger.WithAction(exec.ID, action.ID, target.ID)

	maxAttempts := 1
	if action.RetryOnFailure {
		maxAttempts += exec.Settings.MaxRetries
	}

	var lastErr string
	for {
		attempt, err := x.recorder.StartAction(rctx, exec.ID, action.ID, target.ID)
		if err != nil {
			log.WithError(err).Warn("Action could not be started")
			if lastErr == "" {
				lastErr = err.Error()
			}
			return false, errors.IsErrorCode(err, errors.ErrorCodeActionFailed), lastErr
		}

		started := time.Now()
		result, callErr := x.call(ctx, exec, action, target, attempt)
		elapsed := time.Since(started)

		for _, m := range result.Metrics {
			x.record(log, x.recorder.AddMetric(rctx, exec.ID, m))
		}
		x.record(log, x.recorder.AddMetric(rctx, exec.ID, models.Metric{
			Name:  fmt.Sprintf("%s.%s.duration", target.ID, action.ID),
			Value: elapsed.Seconds(),
			Unit:  "s",
		}))

		if callErr == nil && result.Success {
			x.record(log, x.recorder.FinishAction(rctx, exec.ID, action.ID, target.ID, models.UnitCompleted, result.Payload, ""))
			log.WithField("attempt", attempt).WithField("duration", elapsed).Info("Action completed")
			return true, false, ""
		}

		lastErr = result.Error
		if callErr != nil {
			lastErr = callErr.Error()
		}
		if lastErr == "" {
			lastErr = "operation reported failure"
		}

		if attempt >= maxAttempts {
			x.record(log, x.recorder.FinishAction(rctx, exec.ID, action.ID, target.ID, models.UnitFailed, result.Payload, lastErr))
			log.WithField("attempts", attempt).Warn("Action failed")
			return false, true, lastErr
		}

		delay := exec.Settings.RetryDelay
		x.record(log, x.recorder.RecordAttemptFailure(rctx, exec.ID, action.ID, target.ID, lastErr, delay))
		if err := sleep(ctx, delay); err != nil {
			lastErr += "; retry aborted: execution cancelled"
			x.record(log, x.recorder.FinishAction(rctx, exec.ID, action.ID, target.ID, models.UnitFailed, result.Payload, lastErr))
			return false, false, lastErr
		}
	}
}

// call вызывает бэкенд в отдельной горутине и перестает ждать по таймауту действия // v1.0
func (x *Executor) call(ctx context.Context, exec *models.Execution, action models.Action, target models.Target, attempt int) (OperationResult, error) {
	timeout := action.Timeout
	if timeout <= 0 {
		timeout = x.config.DefaultTimeout
	}

	// Отмена выполнения не прерывает уже начатое действие
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	req := OperationRequest{
		ExecutionID: exec.ID,
		RuleID:      exec.RuleID,
		ActionID:    action.ID,
		Type:        action.Type,
		Target:      target,
		Params:      action.Params,
		Attempt:     attempt,
		Timeout:     timeout,
		Rollback:    exec.RollbackOf != "",
	}

	type reply struct {
		result OperationResult
		err    error
	}
	done := make(chan reply, 1)
	go func() {
		res, err := x.backend.Execute(callCtx, req)
		done <- reply{result: res, err: err}
	}()

	select {
	case r := <-done:
		return r.result, r.err
	case <-callCtx.Done():
		return OperationResult{}, errors.Newf(errors.ErrorCodeActionTimeout,
			"action %s (%s) timed out after %s", action.ID, action.Type, timeout)
	}
}

func (x *Executor) record(log *logrus.Entry, err error) {
	switch {
	case err == nil:
	case errors.IsErrorCode(err, errors.ErrorCodeInvalidTransition):
		// Выполнение уже завершено или отменено трекером
		log.WithError(err).Debug("Progress update ignored")
	default:
		log.WithError(err).Warn("Failed to record execution progress")
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
