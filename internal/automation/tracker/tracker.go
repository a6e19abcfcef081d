// filename: internal/automation/tracker/tracker.go
package tracker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/autoops/autoops/internal/common/errors"
	"github.com/autoops/autoops/internal/common/logging"
	"github.com/autoops/autoops/internal/models"
)

// AnyApprover слот согласования, который может закрыть любой пользователь
const AnyApprover = "*"

// ComponentTracker имя компонента в журнале выполнения
const ComponentTracker = "tracker"

// localTarget цель по умолчанию для правил без явных целей
var localTarget = models.Target{ID: "local", Kind: "engine", Name: "local"}

// transitions допустимые переходы статусов выполнения
var transitions = map[models.ExecutionStatus][]models.ExecutionStatus{
	models.ExecutionPending: {models.ExecutionRunning, models.ExecutionCancelled},
	models.ExecutionRunning: {
		models.ExecutionCompleted, models.ExecutionFailed,
		models.ExecutionCancelled, models.ExecutionRolledBack,
	},
	models.ExecutionCompleted: {models.ExecutionRolledBack},
	models.ExecutionFailed:    {models.ExecutionRolledBack},
	models.ExecutionCancelled: {models.ExecutionRolledBack},
}

// CanTransition проверяет, допустим ли переход статуса // v1.0
func CanTransition(from, to models.ExecutionStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TerminalHook вызывается после перехода в финальный статус; from предыдущий статус
type TerminalHook func(exec *models.Execution, from models.ExecutionStatus)

// TransitionHook вызывается после каждого перехода статуса
type TransitionHook func(exec *models.Execution)

// Tracker владеет записями выполнений и единственный меняет их статус // v1.0
type Tracker struct {
	mu         sync.RWMutex
	executions map[string]*models.Execution
	repo       Repository
	logger     *logging.Logger
	now        func() time.Time

	hooksMu         sync.RWMutex
	terminalHooks   []TerminalHook
	transitionHooks []TransitionHook
}

// New создает трекер поверх репозитория // v1.0
func New(repo Repository, logger *logging.Logger) *Tracker {
	return &Tracker{
		executions: make(map[string]*models.Execution),
		repo:       repo,
		logger:     logger,
		now:        time.Now,
	}
}

// SetClock подменяет источник времени // v1.0
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// OnTerminal регистрирует обработчик финальных переходов // v1.0
func (t *Tracker) OnTerminal(h TerminalHook) {
	t.hooksMu.Lock()
	defer t.hooksMu.Unlock()
	t.terminalHooks = append(t.terminalHooks, h)
}

// OnTransition регистрирует обработчик любых переходов // v1.0
func (t *Tracker) OnTransition(h TransitionHook) {
	t.hooksMu.Lock()
	defer t.hooksMu.Unlock()
	t.transitionHooks = append(t.transitionHooks, h)
}

// Create создает выполнение в статусе pending со снимком действий правила // v1.0
func (t *Tracker) Create(ctx context.Context, rule *models.Rule, trigger models.TriggerKind, triggeredBy string) (*models.Execution, error) {
	t.mu.Lock()
	now := t.now()
	exec := newExecution(rule, trigger, triggeredBy, now)

	if err := t.repo.Save(ctx, exec); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	t.executions[exec.ID] = exec
	out := exec.Clone()
	t.mu.Unlock()

	t.logger.WithExecution(exec.ID, rule.ID).WithField("trigger", trigger).Info("Execution created")
	return out, nil
}

func newExecution(rule *models.Rule, trigger models.TriggerKind, triggeredBy string, now time.Time) *models.Execution {
	exec := &models.Execution{
		ID:             uuid.New().String(),
		RuleID:         rule.ID,
		RuleName:       rule.Name,
		RuleVersion:    rule.Version,
		Status:         models.ExecutionPending,
		Trigger:        trigger,
		TriggeredBy:    triggeredBy,
		CreatedAt:      now,
		ActionSnapshot: models.CloneActions(rule.Actions),
		Settings:       rule.Clone().Settings,
	}

	targets := rule.Targets
	if len(targets) == 0 {
		targets = []models.Target{localTarget}
	}
	for _, target := range targets {
		exec.Targets = append(exec.Targets, models.ExecutionTarget{Target: target, Status: models.UnitPending})
		for _, action := range rule.Actions {
			exec.Actions = append(exec.Actions, models.ExecutionAction{
				ActionID: action.ID,
				TargetID: target.ID,
				Type:     action.Type,
				Status:   models.UnitPending,
			})
		}
	}

	if rule.Settings.RequireApproval {
		approvers := rule.Settings.Approvers
		if len(approvers) == 0 {
			approvers = []string{AnyApprover}
		}
		for _, approver := range approvers {
			exec.Approvals = append(exec.Approvals, models.Approval{
				ID:          uuid.New().String(),
				Approver:    approver,
				Status:      models.ApprovalPending,
				RequestedAt: now,
			})
		}
	}

	appendLog(exec, now, models.LogInfo, ComponentTracker, "", "",
		fmt.Sprintf("Execution created by %s trigger", trigger))
	if len(exec.Approvals) > 0 {
		appendLog(exec, now, models.LogInfo, ComponentTracker, "", "",
			fmt.Sprintf("Awaiting %d approval(s)", len(exec.Approvals)))
	}
	return exec
}

func appendLog(exec *models.Execution, now time.Time, level models.LogLevel, component, targetID, actionID, message string) {
	exec.Logs = append(exec.Logs, models.ExecutionLog{
		Seq:       len(exec.Logs) + 1,
		Timestamp: now,
		Level:     level,
		Component: component,
		TargetID:  targetID,
		ActionID:  actionID,
		Message:   message,
	})
}

// load возвращает живую запись; вызывается под t.mu // v1.0
func (t *Tracker) load(ctx context.Context, id string) (*models.Execution, error) {
	if exec, ok := t.executions[id]; ok {
		return exec, nil
	}
	exec, err := t.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	t.executions[id] = exec
	return exec, nil
}

// mutate применяет fn к копии, сохраняет ее и только затем подменяет живую запись // v1.0
func (t *Tracker) mutate(ctx context.Context, id string, fn func(exec *models.Execution, now time.Time) error) (*models.Execution, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, err := t.load(ctx, id)
	if err != nil {
		return nil, err
	}

	draft := current.Clone()
	if err := fn(draft, t.now()); err != nil {
		return nil, err
	}
	if err := t.repo.Save(ctx, draft); err != nil {
		return nil, err
	}
	t.executions[id] = draft
	return draft.Clone(), nil
}

// Transition меняет статус выполнения по графу переходов // v1.0
func (t *Tracker) Transition(ctx context.Context, id string, to models.ExecutionStatus, reason string) (*models.Execution, error) {
	var from models.ExecutionStatus
	out, err := t.mutate(ctx, id, func(exec *models.Execution, now time.Time) error {
		from = exec.Status
		if !CanTransition(from, to) {
			return errors.InvalidTransition(id, string(from), string(to))
		}
		applyTransition(exec, to, reason, now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	entry := t.logger.WithExecution(id, out.RuleID).WithField("from", from).WithField("to", to)
	if reason != "" {
		entry = entry.WithField("reason", reason)
	}
	entry.Info("Execution status changed")

	t.fireHooks(out, from)
	return out, nil
}

func applyTransition(exec *models.Execution, to models.ExecutionStatus, reason string, now time.Time) {
	from := exec.Status
	exec.Status = to

	if to == models.ExecutionRunning && exec.StartedAt == nil {
		started := now
		exec.StartedAt = &started
	}
	if to.IsTerminal() {
		ended := now
		exec.EndedAt = &ended
		if exec.StartedAt == nil {
			exec.StartedAt = &ended
		}
		if reason != "" && (to == models.ExecutionFailed || to == models.ExecutionCancelled) {
			exec.Error = reason
		}
		skipPendingUnits(exec, now)
	}

	message := fmt.Sprintf("Status changed from %s to %s", from, to)
	if reason != "" {
		message += ": " + reason
	}
	level := models.LogInfo
	if to == models.ExecutionFailed {
		level = models.LogError
	}
	appendLog(exec, now, level, ComponentTracker, "", "", message)
}

// skipPendingUnits помечает не начатые цели и действия пропущенными // v1.0
func skipPendingUnits(exec *models.Execution, now time.Time) {
	for i := range exec.Actions {
		if exec.Actions[i].Status == models.UnitPending {
			exec.Actions[i].Status = models.UnitSkipped
		}
	}
	for i := range exec.Targets {
		if exec.Targets[i].Status == models.UnitPending {
			exec.Targets[i].Status = models.UnitSkipped
			ended := now
			exec.Targets[i].EndedAt = &ended
		}
	}
}

func (t *Tracker) fireHooks(exec *models.Execution, from models.ExecutionStatus) {
	t.hooksMu.RLock()
	transitionHooks := append([]TransitionHook(nil), t.transitionHooks...)
	terminalHooks := append([]TerminalHook(nil), t.terminalHooks...)
	t.hooksMu.RUnlock()

	for _, h := range transitionHooks {
		h(exec.Clone())
	}
	if exec.Status.IsTerminal() {
		for _, h := range terminalHooks {
			h(exec.Clone(), from)
		}
	}
}

// AppendLog дописывает запись в журнал выполнения // v1.0
func (t *Tracker) AppendLog(ctx context.Context, id string, level models.LogLevel, component, targetID, actionID, message string) error {
	_, err := t.mutate(ctx, id, func(exec *models.Execution, now time.Time) error {
		appendLog(exec, now, level, component, targetID, actionID, message)
		return nil
	})
	return err
}

// AddMetric сохраняет метрику, снятую во время выполнения // v1.0
func (t *Tracker) AddMetric(ctx context.Context, id string, metric models.Metric) error {
	_, err := t.mutate(ctx, id, func(exec *models.Execution, now time.Time) error {
		if metric.Timestamp.IsZero() {
			metric.Timestamp = now
		}
		exec.Metrics = append(exec.Metrics, metric)
		return nil
	})
	return err
}

// UpdateTarget меняет статус цели и пишет запись в журнал // v1.0
func (t *Tracker) UpdateTarget(ctx context.Context, id, targetID string, status models.UnitStatus, errMsg string) error {
	_, err := t.mutate(ctx, id, func(exec *models.Execution, now time.Time) error {
		target, ok := exec.FindTarget(targetID)
		if !ok {
			return errors.NotFoundError("target", targetID)
		}
		if target.Status.IsDone() {
			return errors.New(errors.ErrorCodeInvalidTransition,
				fmt.Sprintf("target %s already finished with status %s", targetID, target.Status))
		}

		target.Status = status
		target.Error = errMsg
		stamp := now
		if status == models.UnitRunning && target.StartedAt == nil {
			target.StartedAt = &stamp
		}
		if status.IsDone() {
			target.EndedAt = &stamp
		}

		level := models.LogInfo
		message := fmt.Sprintf("Target %s %s", targetID, status)
		if errMsg != "" {
			message += ": " + errMsg
			level = models.LogError
		}
		appendLog(exec, now, level, "executor", targetID, "", message)
		return nil
	})
	return err
}

// StartAction начинает очередную попытку действия; число попыток не превышает MaxRetries+1 // v1.0
func (t *Tracker) StartAction(ctx context.Context, id, actionID, targetID string) (int, error) {
	var attempt int
	_, err := t.mutate(ctx, id, func(exec *models.Execution, now time.Time) error {
		unit, ok := exec.FindAction(actionID, targetID)
		if !ok {
			return errors.NotFoundError("action", actionID+"@"+targetID)
		}
		if unit.Status.IsDone() {
			return errors.New(errors.ErrorCodeInvalidTransition,
				fmt.Sprintf("action %s on %s already finished with status %s", actionID, targetID, unit.Status))
		}
		if unit.Attempts >= exec.Settings.MaxRetries+1 {
			return errors.New(errors.ErrorCodeActionFailed,
				fmt.Sprintf("action %s on %s exhausted %d retries", actionID, targetID, exec.Settings.MaxRetries))
		}

		unit.Attempts++
		unit.Status = models.UnitRunning
		if unit.StartedAt == nil {
			started := now
			unit.StartedAt = &started
		}
		attempt = unit.Attempts
		appendLog(exec, now, models.LogInfo, "executor", targetID, actionID,
			fmt.Sprintf("Action %s (%s) attempt %d started", actionID, unit.Type, attempt))
		return nil
	})
	return attempt, err
}

// RecordAttemptFailure фиксирует неудачную попытку, после которой будет повтор // v1.0
func (t *Tracker) RecordAttemptFailure(ctx context.Context, id, actionID, targetID, errMsg string, retryIn time.Duration) error {
	_, err := t.mutate(ctx, id, func(exec *models.Execution, now time.Time) error {
		unit, ok := exec.FindAction(actionID, targetID)
		if !ok {
			return errors.NotFoundError("action", actionID+"@"+targetID)
		}
		unit.Error = errMsg
		appendLog(exec, now, models.LogWarn, "executor", targetID, actionID,
			fmt.Sprintf("Action %s attempt %d failed: %s; retrying in %s", actionID, unit.Attempts, errMsg, retryIn))
		return nil
	})
	return err
}

// FinishAction завершает действие со статусом completed или failed // v1.0
func (t *Tracker) FinishAction(ctx context.Context, id, actionID, targetID string, status models.UnitStatus, result map[string]interface{}, errMsg string) error {
	if status != models.UnitCompleted && status != models.UnitFailed {
		return errors.ValidationError("status", "action can only finish as completed or failed")
	}
	_, err := t.mutate(ctx, id, func(exec *models.Execution, now time.Time) error {
		unit, ok := exec.FindAction(actionID, targetID)
		if !ok {
			return errors.NotFoundError("action", actionID+"@"+targetID)
		}
		if unit.Status != models.UnitRunning {
			return errors.New(errors.ErrorCodeInvalidTransition,
				fmt.Sprintf("action %s on %s is %s, not running", actionID, targetID, unit.Status))
		}

		ended := now
		unit.Status = status
		unit.EndedAt = &ended
		unit.Result = result
		unit.Error = errMsg

		if status == models.UnitCompleted {
			appendLog(exec, now, models.LogInfo, "executor", targetID, actionID,
				fmt.Sprintf("Action %s completed after %d attempt(s)", actionID, unit.Attempts))
		} else {
			appendLog(exec, now, models.LogError, "executor", targetID, actionID,
				fmt.Sprintf("Action %s failed after %d attempt(s): %s", actionID, unit.Attempts, errMsg))
		}
		return nil
	})
	return err
}

// SkipAction помечает не начатое действие пропущенным // v1.0
func (t *Tracker) SkipAction(ctx context.Context, id, actionID, targetID, reason string) error {
	_, err := t.mutate(ctx, id, func(exec *models.Execution, now time.Time) error {
		unit, ok := exec.FindAction(actionID, targetID)
		if !ok {
			return errors.NotFoundError("action", actionID+"@"+targetID)
		}
		if unit.Status != models.UnitPending {
			return errors.New(errors.ErrorCodeInvalidTransition,
				fmt.Sprintf("action %s on %s is %s and cannot be skipped", actionID, targetID, unit.Status))
		}
		unit.Status = models.UnitSkipped
		appendLog(exec, now, models.LogWarn, "executor", targetID, actionID,
			fmt.Sprintf("Action %s skipped: %s", actionID, reason))
		return nil
	})
	return err
}

// RecordApproval фиксирует решение согласующего // v1.0
func (t *Tracker) RecordApproval(ctx context.Context, id, approver string, approve bool, comment string) (*models.Execution, error) {
	out, err := t.mutate(ctx, id, func(exec *models.Execution, now time.Time) error {
		if exec.Status != models.ExecutionPending {
			return errors.New(errors.ErrorCodeInvalidTransition,
				fmt.Sprintf("execution %s is %s and does not accept approvals", id, exec.Status))
		}
		if len(exec.Approvals) == 0 {
			return errors.New(errors.ErrorCodeApprovalNotFound,
				fmt.Sprintf("execution %s does not require approval", id))
		}

		slot := findApprovalSlot(exec, approver)
		if slot == nil {
			return errors.New(errors.ErrorCodeApproverNotListed,
				fmt.Sprintf("%s is not an approver of execution %s", approver, id))
		}
		if slot.Status != models.ApprovalPending {
			return errors.New(errors.ErrorCodeApprovalDecided,
				fmt.Sprintf("approval of %s already %s", slot.Approver, slot.Status))
		}

		decided := now
		slot.Status = models.ApprovalRejected
		if approve {
			slot.Status = models.ApprovalApproved
		}
		slot.Approver = approver
		slot.Comment = comment
		slot.DecidedAt = &decided

		message := fmt.Sprintf("Approval %s by %s", slot.Status, approver)
		if comment != "" {
			message += ": " + comment
		}
		appendLog(exec, now, models.LogInfo, "approval", "", "", message)
		return nil
	})
	if err != nil {
		return nil, err
	}

	t.logger.WithExecution(id, out.RuleID).WithField("approver", approver).WithField("approved", approve).Info("Approval recorded")
	return out, nil
}

// findApprovalSlot ищет слот согласующего, затем свободный слот "любой" // v1.0
func findApprovalSlot(exec *models.Execution, approver string) *models.Approval {
	var decided *models.Approval
	for i := range exec.Approvals {
		a := &exec.Approvals[i]
		if a.Approver == approver {
			if a.Status == models.ApprovalPending {
				return a
			}
			decided = a
		}
	}
	if decided != nil {
		return decided
	}
	for i := range exec.Approvals {
		a := &exec.Approvals[i]
		if a.Approver == AnyApprover && a.Status == models.ApprovalPending {
			return a
		}
	}
	return nil
}

// RequestRollback создает связанное выполнение отката завершенных действий в обратном порядке // v1.0
func (t *Tracker) RequestRollback(ctx context.Context, id, triggeredBy string) (*models.Execution, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, err := t.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.RollbackOf != "" {
		return nil, errors.New(errors.ErrorCodeRollbackNotAllowed, "a rollback execution cannot be rolled back")
	}
	if current.RollbackExecutionID != "" {
		return nil, errors.New(errors.ErrorCodeRollbackNotAllowed,
			fmt.Sprintf("execution %s already has rollback %s", id, current.RollbackExecutionID))
	}
	switch current.Status {
	case models.ExecutionRunning, models.ExecutionCompleted, models.ExecutionFailed, models.ExecutionCancelled:
	default:
		return nil, errors.New(errors.ErrorCodeRollbackNotAllowed,
			fmt.Sprintf("execution %s is %s and cannot be rolled back", id, current.Status))
	}

	now := t.now()
	rollback := newRollbackExecution(current, triggeredBy, now)
	if rollback == nil {
		return nil, errors.New(errors.ErrorCodeRollbackNotAllowed,
			fmt.Sprintf("execution %s has no completed actions with a rollback step", id))
	}

	original := current.Clone()
	original.RollbackExecutionID = rollback.ID
	appendLog(original, now, models.LogWarn, ComponentTracker, "", "",
		fmt.Sprintf("Rollback requested as execution %s", rollback.ID))

	if err := t.repo.Save(ctx, rollback); err != nil {
		return nil, err
	}
	if err := t.repo.Save(ctx, original); err != nil {
		return nil, err
	}
	t.executions[rollback.ID] = rollback
	t.executions[original.ID] = original

	t.logger.WithExecution(rollback.ID, rollback.RuleID).WithField("rollback_of", id).Warn("Rollback execution created")
	return rollback.Clone(), nil
}

// newRollbackExecution строит откат завершенных и неудавшихся действий; nil, если откатывать нечего // v1.0
func newRollbackExecution(orig *models.Execution, triggeredBy string, now time.Time) *models.Execution {
	type done struct {
		idx  int
		unit models.ExecutionAction
	}
	var completed []done
	for i, unit := range orig.Actions {
		// Неудавшееся действие могло частично примениться, поэтому тоже откатывается
		if unit.Status == models.UnitCompleted || (unit.Status == models.UnitFailed && unit.Attempts > 0) {
			completed = append(completed, done{idx: i, unit: unit})
		}
	}
	// Обратный порядок завершения
	sort.SliceStable(completed, func(i, j int) bool {
		a, b := completed[i].unit.EndedAt, completed[j].unit.EndedAt
		if a != nil && b != nil && !a.Equal(*b) {
			return a.After(*b)
		}
		return completed[i].idx > completed[j].idx
	})

	snapshot := make(map[string]models.Action)
	for _, a := range orig.ActionSnapshot {
		snapshot[a.ID] = a
	}

	settings := orig.Settings
	settings.RequireApproval = false
	settings.RollbackOnFailure = false
	settings.Approvers = nil

	exec := &models.Execution{
		ID:          uuid.New().String(),
		RuleID:      orig.RuleID,
		RuleName:    orig.RuleName,
		RuleVersion: orig.RuleVersion,
		Status:      models.ExecutionPending,
		Trigger:     models.TriggerRollback,
		TriggeredBy: triggeredBy,
		CreatedAt:   now,
		RollbackOf:  orig.ID,
		Settings:    settings,
	}

	seenAction := make(map[string]bool)
	seenTarget := make(map[string]bool)
	for _, c := range completed {
		action, ok := snapshot[c.unit.ActionID]
		if !ok || action.Rollback == nil {
			continue
		}
		rb := action.Rollback.Clone()
		if rb.ID == "" {
			rb.ID = action.ID + "_rollback"
		}
		rb.DependsOn = nil
		if !seenAction[rb.ID] {
			seenAction[rb.ID] = true
			exec.ActionSnapshot = append(exec.ActionSnapshot, rb)
		}
		exec.Actions = append(exec.Actions, models.ExecutionAction{
			ActionID: rb.ID,
			TargetID: c.unit.TargetID,
			Type:     rb.Type,
			Status:   models.UnitPending,
		})
		if !seenTarget[c.unit.TargetID] {
			seenTarget[c.unit.TargetID] = true
			if target, ok := orig.FindTarget(c.unit.TargetID); ok {
				exec.Targets = append(exec.Targets, models.ExecutionTarget{Target: target.Target, Status: models.UnitPending})
			}
		}
	}
	if len(exec.Actions) == 0 {
		return nil
	}

	appendLog(exec, now, models.LogInfo, ComponentTracker, "", "",
		fmt.Sprintf("Rollback of execution %s: %d step(s)", orig.ID, len(exec.Actions)))
	return exec
}

// Get возвращает копию выполнения // v1.0
func (t *Tracker) Get(ctx context.Context, id string) (*models.Execution, error) {
	t.mu.RLock()
	exec, ok := t.executions[id]
	if ok {
		out := exec.Clone()
		t.mu.RUnlock()
		return out, nil
	}
	t.mu.RUnlock()
	return t.repo.Get(ctx, id)
}

// List возвращает копии выполнений по фильтру // v1.0
func (t *Tracker) List(ctx context.Context, filter Filter) ([]*models.Execution, error) {
	return t.repo.List(ctx, filter)
}

// Active возвращает идентификаторы незавершенных выполнений правила // v1.0
func (t *Tracker) Active(ruleID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var ids []string
	for id, exec := range t.executions {
		if exec.RuleID == ruleID && !exec.Status.IsTerminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// PendingCount возвращает число выполнений в статусе pending // v1.0
func (t *Tracker) PendingCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, exec := range t.executions {
		if exec.Status == models.ExecutionPending {
			n++
		}
	}
	return n
}

// ExpireApprovals отменяет выполнения, чьи согласования ждут дольше timeout // v1.0
func (t *Tracker) ExpireApprovals(ctx context.Context, now time.Time, timeout time.Duration) []string {
	if timeout <= 0 {
		return nil
	}

	t.mu.RLock()
	var candidates []string
	for id, exec := range t.executions {
		if exec.Status != models.ExecutionPending {
			continue
		}
		for _, a := range exec.Approvals {
			if a.Status == models.ApprovalPending && now.Sub(a.RequestedAt) >= timeout {
				candidates = append(candidates, id)
				break
			}
		}
	}
	t.mu.RUnlock()
	sort.Strings(candidates)

	var expired []string
	for _, id := range candidates {
		var from models.ExecutionStatus
		out, err := t.mutate(ctx, id, func(exec *models.Execution, at time.Time) error {
			from = exec.Status
			if exec.Status != models.ExecutionPending {
				return errors.InvalidTransition(id, string(exec.Status), string(models.ExecutionCancelled))
			}
			for i := range exec.Approvals {
				if exec.Approvals[i].Status == models.ApprovalPending {
					exec.Approvals[i].Status = models.ApprovalExpired
				}
			}
			applyTransition(exec, models.ExecutionCancelled, fmt.Sprintf("approval expired after %s", timeout), at)
			return nil
		})
		if err != nil {
			t.logger.WithError(err).WithField("execution_id", id).Debug("Skipping approval expiry")
			continue
		}
		t.logger.WithExecution(id, out.RuleID).Warn("Approval expired, execution cancelled")
		t.fireHooks(out, from)
		expired = append(expired, id)
	}
	return expired
}

// Recover загружает незавершенные выполнения после рестарта; running становятся failed // v1.0
func (t *Tracker) Recover(ctx context.Context) error {
	list, err := t.repo.List(ctx, Filter{Statuses: []models.ExecutionStatus{models.ExecutionPending, models.ExecutionRunning}})
	if err != nil {
		return err
	}

	var interrupted []string
	t.mu.Lock()
	for _, exec := range list {
		t.executions[exec.ID] = exec
		if exec.Status == models.ExecutionRunning {
			interrupted = append(interrupted, exec.ID)
		}
	}
	t.mu.Unlock()

	for _, id := range interrupted {
		if _, err := t.Transition(ctx, id, models.ExecutionFailed, "interrupted by engine restart"); err != nil {
			t.logger.WithError(err).WithField("execution_id", id).Warn("Failed to mark interrupted execution")
		}
	}

	t.logger.WithField("loaded", len(list)).WithField("interrupted", len(interrupted)).Info("Execution tracker recovered")
	return nil
}

// Prune выгружает из памяти финальные выполнения, завершенные раньше before // v1.0
func (t *Tracker) Prune(before time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for id, exec := range t.executions {
		if exec.Status.IsTerminal() && exec.EndedAt != nil && exec.EndedAt.Before(before) {
			delete(t.executions, id)
			n++
		}
	}
	return n
}

// Stats возвращает статистику трекера // v1.0
func (t *Tracker) Stats() map[string]interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()

	byStatus := make(map[models.ExecutionStatus]int)
	for _, exec := range t.executions {
		byStatus[exec.Status]++
	}
	return map[string]interface{}{
		"in_memory": len(t.executions),
		"by_status": byStatus,
	}
}
