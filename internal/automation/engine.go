// filename: internal/automation/engine.go
package automation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/autoops/autoops/internal/automation/dsl"
	"github.com/autoops/autoops/internal/automation/executor"
	"github.com/autoops/autoops/internal/automation/rulestore"
	"github.com/autoops/autoops/internal/automation/scheduler"
	"github.com/autoops/autoops/internal/automation/tracker"
	"github.com/autoops/autoops/internal/common/errors"
	"github.com/autoops/autoops/internal/common/logging"
	"github.com/autoops/autoops/internal/models"
)

// TriggeredByEngine автор выполнений, запущенных самим движком
const TriggeredByEngine = "engine"

// Config конфигурация движка правил // v1.0
type Config struct {
	// MaxPending ограничивает число выполнений в статусе pending; 0 без ограничения
	MaxPending      int
	ApprovalTimeout time.Duration
	Scheduler       scheduler.Config
}

// Deps зависимости движка // v1.0
type Deps struct {
	Rules     rulestore.Store
	Templates rulestore.TemplateStore
	Tracker   *tracker.Tracker
	Executor  *executor.Executor
	Evaluator *dsl.Evaluator
	Notifier  executor.Notifier
	Telemetry *Telemetry
}

// ruleState скомпилированное правило и его статистика; mu сериализует решения по правилу
type ruleState struct {
	mu       sync.Mutex
	compiled *dsl.CompiledRule
	stats    models.RuleStats
}

func (st *ruleState) view() *models.Rule {
	rule := *st.compiled.Rule
	rule.Stats = st.stats
	return rule.Clone()
}

// Engine движок правил автоматизации // v1.0
type Engine struct {
	config    Config
	logger    *logging.Logger
	rulesDB   rulestore.Store
	templates rulestore.TemplateStore
	compiler  *dsl.Compiler
	evaluator *dsl.Evaluator
	tracker   *tracker.Tracker
	executor  *executor.Executor
	scheduler *scheduler.Scheduler
	notifier  executor.Notifier
	telemetry *Telemetry

	mu      sync.RWMutex
	rules   map[string]*ruleState
	cancels map[string]context.CancelFunc
	now     func() time.Time

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	notify sync.WaitGroup
}

// NewEngine создает движок и подписывается на финальные переходы трекера // v1.0
func NewEngine(config Config, deps Deps, logger *logging.Logger) *Engine {
	ctx, stop := context.WithCancel(context.Background())
	if deps.Telemetry == nil {
		deps.Telemetry = NewTelemetry(0)
	}
	if deps.Templates == nil {
		if ts, ok := deps.Rules.(rulestore.TemplateStore); ok {
			deps.Templates = ts
		}
	}

	e := &Engine{
		config:    config,
		logger:    logger,
		rulesDB:   deps.Rules,
		templates: deps.Templates,
		compiler:  dsl.NewCompiler(),
		evaluator: deps.Evaluator,
		tracker:   deps.Tracker,
		executor:  deps.Executor,
		notifier:  deps.Notifier,
		telemetry: deps.Telemetry,
		rules:     make(map[string]*ruleState),
		cancels:   make(map[string]context.CancelFunc),
		now:       time.Now,
		ctx:       ctx,
		stop:      stop,
	}
	e.scheduler = scheduler.New(config.Scheduler, e.handleFire, logger)
	e.tracker.OnTerminal(e.onTerminal)
	return e
}

// SetClock подменяет время для оценки условий // v1.0
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

func (e *Engine) clock() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.now()
}

// Scheduler возвращает планировщик движка // v1.0
func (e *Engine) Scheduler() *scheduler.Scheduler {
	return e.scheduler
}

// Telemetry возвращает кэш телеметрии // v1.0
func (e *Engine) Telemetry() *Telemetry {
	return e.telemetry
}

// Tracker возвращает трекер выполнений // v1.0
func (e *Engine) Tracker() *tracker.Tracker {
	return e.tracker
}

// Restore восстанавливает выполнения и правила из хранилищ после рестарта // v1.0
func (e *Engine) Restore(ctx context.Context) error {
	if err := e.tracker.Recover(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorCodeDBQuery, "failed to recover executions")
	}
	rules, err := e.rulesDB.ListRules(ctx)
	if err != nil {
		return err
	}
	for _, rule := range rules {
		if err := e.install(ctx, rule, false); err != nil {
			e.logger.WithRule(rule.ID, rule.Name).WithError(err).Error("Stored rule rejected")
		}
	}
	e.logger.WithField("rules", len(rules)).Info("Rules restored")
	return nil
}

// LoadRule компилирует правило и ставит его на расписание; невалидное правило отвергается // v1.0
func (e *Engine) LoadRule(ctx context.Context, rule *models.Rule) error {
	return e.install(ctx, rule, true)
}

func (e *Engine) install(ctx context.Context, rule *models.Rule, persist bool) error {
	compiled, err := e.compiler.CompileRule(rule.Clone())
	if err != nil {
		e.logger.WithRule(rule.ID, rule.Name).WithError(err).Warn("Rule rejected")
		return err
	}

	e.mu.Lock()
	st, exists := e.rules[rule.ID]
	if !exists {
		st = &ruleState{}
	}
	e.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()

	previous := st.compiled
	stats := st.stats
	if !exists {
		stats = rule.Stats
	}

	candidate := &ruleState{compiled: compiled, stats: stats}
	if persist {
		if err := e.rulesDB.SaveRule(ctx, candidate.view()); err != nil {
			return err
		}
	}
	if err := e.scheduler.Register(compiled.Rule, compiled.Fields); err != nil {
		return err
	}

	st.compiled = compiled
	st.stats = stats
	if !exists {
		e.mu.Lock()
		e.rules[rule.ID] = st
		e.mu.Unlock()
	}
	if previous != nil && previous.Rule.Version != compiled.Rule.Version {
		e.evaluator.Reset(ctx, rule.ID)
	}

	e.logger.WithRule(rule.ID, rule.Name).
		WithField("version", compiled.Rule.Version).
		WithField("plan", compiled.Plan).
		Info("Rule loaded")
	return nil
}

// CreateRule добавляет новое правило // v1.0
func (e *Engine) CreateRule(ctx context.Context, rule *models.Rule) (*models.Rule, error) {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if e.state(rule.ID) != nil {
		return nil, errors.ConflictError("rule", fmt.Sprintf("rule %s already exists", rule.ID))
	}
	now := e.clock()
	rule.Version = 1
	rule.Stats = models.RuleStats{}
	rule.CreatedAt = now
	rule.UpdatedAt = now
	if err := e.LoadRule(ctx, rule); err != nil {
		return nil, err
	}
	return e.Rule(rule.ID)
}

// UpdateRule заменяет определение правила, увеличивая версию; статистика сохраняется // v1.0
func (e *Engine) UpdateRule(ctx context.Context, rule *models.Rule) (*models.Rule, error) {
	st := e.state(rule.ID)
	if st == nil {
		return nil, errors.RuleNotFound(rule.ID)
	}
	st.mu.Lock()
	current := st.compiled.Rule
	rule.Version = current.Version + 1
	rule.CreatedAt = current.CreatedAt
	st.mu.Unlock()
	rule.UpdatedAt = e.clock()

	if err := e.LoadRule(ctx, rule); err != nil {
		return nil, err
	}
	return e.Rule(rule.ID)
}

// SetEnabled включает или выключает правило; повторный вызов с тем же значением ничего не меняет // v1.0
func (e *Engine) SetEnabled(ctx context.Context, ruleID string, enabled bool) (*models.Rule, error) {
	st := e.state(ruleID)
	if st == nil {
		return nil, errors.RuleNotFound(ruleID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.compiled.Rule.Enabled == enabled {
		return e.withNext(st.view()), nil
	}

	rule := st.compiled.Rule.Clone()
	if enabled {
		rule.Enable()
	} else {
		rule.Disable()
	}
	compiled, err := e.compiler.CompileRule(rule)
	if err != nil {
		return nil, err
	}
	candidate := &ruleState{compiled: compiled, stats: st.stats}
	if err := e.rulesDB.SaveRule(ctx, candidate.view()); err != nil {
		return nil, err
	}
	st.compiled = compiled
	e.scheduler.SetEnabled(ruleID, enabled && rule.Schedule.Enabled)
	// Таймеры длительности начинаются заново, охлаждение сохраняется
	if err := e.evaluator.ResetDurations(ctx, compiled); err != nil {
		e.logger.WithRule(ruleID, rule.Name).WithError(err).Warn("Failed to reset duration timers")
	}

	e.logger.WithRule(ruleID, rule.Name).WithField("enabled", enabled).Info("Rule toggled")
	return e.withNext(st.view()), nil
}

// DeleteRule удаляет правило, если у него нет незавершенных выполнений // v1.0
func (e *Engine) DeleteRule(ctx context.Context, ruleID string) error {
	st := e.state(ruleID)
	if st == nil {
		return errors.RuleNotFound(ruleID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if active := e.tracker.Active(ruleID); len(active) > 0 {
		return errors.New(errors.ErrorCodeRuleInUse,
			fmt.Sprintf("rule %s has %d unfinished execution(s)", ruleID, len(active))).
			AddDetail("executions", active)
	}
	if err := e.rulesDB.DeleteRule(ctx, ruleID); err != nil && !errors.IsErrorCode(err, errors.ErrorCodeRuleNotFound) {
		return err
	}

	e.scheduler.Unregister(ruleID)
	e.compiler.Forget(ruleID)
	e.evaluator.Reset(ctx, ruleID)

	e.mu.Lock()
	delete(e.rules, ruleID)
	e.mu.Unlock()

	e.logger.WithRule(ruleID, st.compiled.Rule.Name).Info("Rule deleted")
	return nil
}

// Rule возвращает копию правила со статистикой и временем следующего запуска // v1.0
func (e *Engine) Rule(ruleID string) (*models.Rule, error) {
	st := e.state(ruleID)
	if st == nil {
		return nil, errors.RuleNotFound(ruleID)
	}
	st.mu.Lock()
	rule := st.view()
	st.mu.Unlock()
	return e.withNext(rule), nil
}

// Rules возвращает все правила по приоритету // v1.0
func (e *Engine) Rules() []*models.Rule {
	e.mu.RLock()
	states := make([]*ruleState, 0, len(e.rules))
	for _, st := range e.rules {
		states = append(states, st)
	}
	e.mu.RUnlock()

	out := make([]*models.Rule, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		out = append(out, e.withNext(st.view()))
		st.mu.Unlock()
	}
	rulestore.SortRules(out)
	return out
}

func (e *Engine) withNext(rule *models.Rule) *models.Rule {
	if next, ok := e.scheduler.NextExecution(rule.ID); ok {
		rule.Stats.NextExecution = &next
	} else {
		rule.Stats.NextExecution = nil
	}
	return rule
}

func (e *Engine) state(ruleID string) *ruleState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rules[ruleID]
}

// Evaluate оценивает правила на снимке; без ruleIDs оцениваются все правила.
// Возвращает созданные выполнения. // v1.0
func (e *Engine) Evaluate(ctx context.Context, snap dsl.Snapshot, trigger models.TriggerKind, ruleIDs ...string) []*models.Execution {
	if len(ruleIDs) == 0 {
		for _, rule := range e.Rules() {
			ruleIDs = append(ruleIDs, rule.ID)
		}
	}

	var created []*models.Execution
	for _, id := range ruleIDs {
		exec, err := e.evaluateRule(ctx, id, snap, trigger)
		if err != nil {
			e.logger.WithField("rule_id", id).WithError(err).Warn("Rule evaluation did not start an execution")
			continue
		}
		if exec != nil {
			created = append(created, exec)
		}
	}
	return created
}

func (e *Engine) evaluateRule(ctx context.Context, ruleID string, snap dsl.Snapshot, trigger models.TriggerKind) (*models.Execution, error) {
	st := e.state(ruleID)
	if st == nil {
		return nil, errors.RuleNotFound(ruleID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	cr := st.compiled
	if !cr.Rule.Enabled {
		return nil, nil
	}

	now := e.clock()
	res := e.evaluator.Evaluate(ctx, cr, snap, now)
	if !res.Satisfied {
		return nil, nil
	}

	log := e.logger.WithRule(cr.Rule.ID, cr.Rule.Name)
	if err := e.admit(cr.Rule); err != nil {
		log.WithError(err).Debug("Rule satisfied but not admitted")
		return nil, nil
	}

	exec, err := e.start(ctx, cr.Rule, trigger, TriggeredByEngine)
	if err != nil {
		return nil, err
	}
	e.evaluator.MarkFired(ctx, cr, res, now)
	log.WithField("execution_id", exec.ID).WithField("matched", res.Matched).Info("Rule fired")
	return exec, nil
}

// admit проверяет политику параллельности и глубину очереди; вызывается под st.mu
func (e *Engine) admit(rule *models.Rule) error {
	if !rule.Settings.AllowConcurrent {
		if active := e.tracker.Active(rule.ID); len(active) > 0 {
			return errors.New(errors.ErrorCodeRuleBusy,
				fmt.Sprintf("rule %s already has execution %s in flight", rule.ID, active[0]))
		}
	}
	if e.config.MaxPending > 0 && e.tracker.PendingCount() >= e.config.MaxPending {
		return errors.New(errors.ErrorCodeQueueFull,
			fmt.Sprintf("%d executions are already pending", e.config.MaxPending))
	}
	return nil
}

// start создает выполнение; без согласования оно сразу запускается // v1.0
func (e *Engine) start(ctx context.Context, rule *models.Rule, trigger models.TriggerKind, by string) (*models.Execution, error) {
	exec, err := e.tracker.Create(ctx, rule, trigger, by)
	if err != nil {
		return nil, err
	}
	if len(exec.Approvals) > 0 {
		e.logger.WithExecution(exec.ID, rule.ID).WithField("approvals", len(exec.Approvals)).Info("Execution awaiting approval")
		return exec, nil
	}
	return e.launch(ctx, exec)
}

// TriggerManual запускает правило в обход условий; согласование по-прежнему требуется // v1.0
func (e *Engine) TriggerManual(ctx context.Context, ruleID, user string) (*models.Execution, error) {
	st := e.state(ruleID)
	if st == nil {
		return nil, errors.RuleNotFound(ruleID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if err := e.admit(st.compiled.Rule); err != nil {
		return nil, err
	}
	return e.start(ctx, st.compiled.Rule, models.TriggerManual, user)
}

// Approve фиксирует согласование; последнее согласование запускает выполнение // v1.0
func (e *Engine) Approve(ctx context.Context, execID, approver, comment string) (*models.Execution, error) {
	exec, err := e.tracker.RecordApproval(ctx, execID, approver, true, comment)
	if err != nil {
		return nil, err
	}
	if !exec.AllApproved() {
		return exec, nil
	}
	return e.launch(ctx, exec)
}

// Reject фиксирует отказ; выполнение отменяется без запуска действий // v1.0
func (e *Engine) Reject(ctx context.Context, execID, approver, comment string) (*models.Execution, error) {
	if _, err := e.tracker.RecordApproval(ctx, execID, approver, false, comment); err != nil {
		return nil, err
	}
	reason := fmt.Sprintf("rejected by %s", approver)
	if comment != "" {
		reason += ": " + comment
	}
	return e.tracker.Transition(ctx, execID, models.ExecutionCancelled, reason)
}

// Cancel отменяет выполнение: ожидающее сразу, идущее после завершения начатых действий // v1.0
func (e *Engine) Cancel(ctx context.Context, execID, user string) (*models.Execution, error) {
	exec, err := e.tracker.Get(ctx, execID)
	if err != nil {
		return nil, err
	}

	switch exec.Status {
	case models.ExecutionPending:
		return e.tracker.Transition(ctx, execID, models.ExecutionCancelled, "cancelled by "+user)
	case models.ExecutionRunning:
		e.mu.RLock()
		cancel, ok := e.cancels[execID]
		e.mu.RUnlock()
		if !ok {
			return e.tracker.Transition(ctx, execID, models.ExecutionCancelled, "cancelled by "+user)
		}
		_ = e.tracker.AppendLog(ctx, execID, models.LogWarn, "engine", "", "", "Cancellation requested by "+user)
		cancel()
		return e.tracker.Get(ctx, execID)
	}
	return nil, errors.InvalidTransition(execID, string(exec.Status), string(models.ExecutionCancelled))
}

// Rollback запускает ручной откат завершенного выполнения // v1.0
func (e *Engine) Rollback(ctx context.Context, execID, user string) (*models.Execution, error) {
	exec, err := e.tracker.Get(ctx, execID)
	if err != nil {
		return nil, err
	}
	if !exec.Status.IsTerminal() || exec.Status == models.ExecutionRolledBack {
		return nil, errors.New(errors.ErrorCodeRollbackNotAllowed,
			fmt.Sprintf("execution %s is %s and cannot be rolled back", execID, exec.Status))
	}

	rb, err := e.tracker.RequestRollback(ctx, execID, user)
	if err != nil {
		return nil, err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		rctx := context.WithoutCancel(ctx)
		status, reason := e.runRollback(rctx, rb)
		if status == models.ExecutionCompleted {
			e.finish(rctx, execID, models.ExecutionRolledBack, "rolled back by "+user)
			return
		}
		_ = e.tracker.AppendLog(rctx, execID, models.LogError, "engine", "", "",
			fmt.Sprintf("Rollback %s %s: %s", rb.ID, status, reason))
	}()
	return rb, nil
}

// launch переводит выполнение в running и запускает исполнителя в отдельной горутине // v1.0
func (e *Engine) launch(ctx context.Context, exec *models.Execution) (*models.Execution, error) {
	plan, err := dsl.PlanActions(exec.ActionSnapshot)
	if err != nil {
		_, _ = e.tracker.Transition(ctx, exec.ID, models.ExecutionCancelled, err.Error())
		return nil, err
	}

	running, err := e.tracker.Transition(ctx, exec.ID, models.ExecutionRunning, "")
	if err != nil {
		return nil, err
	}

	runCtx, cancel := e.executionContext(running)
	e.mu.Lock()
	e.cancels[running.ID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.release(running.ID, cancel)
		e.run(runCtx, running, plan)
	}()
	return running, nil
}

func (e *Engine) executionContext(exec *models.Execution) (context.Context, context.CancelFunc) {
	if exec.Settings.Timeout > 0 {
		return context.WithTimeout(e.ctx, exec.Settings.Timeout)
	}
	return context.WithCancel(e.ctx)
}

func (e *Engine) release(execID string, cancel context.CancelFunc) {
	cancel()
	e.mu.Lock()
	delete(e.cancels, execID)
	e.mu.Unlock()
}

// run выполняет действия и переводит выполнение в финальный статус // v1.0
func (e *Engine) run(ctx context.Context, exec *models.Execution, plan []string) {
	out := e.executor.Run(ctx, exec, plan)

	rctx := context.WithoutCancel(ctx)
	status, reason := e.outcomeStatus(ctx, exec, out)

	if status == models.ExecutionFailed && exec.Settings.RollbackOnFailure && out.Exhausted {
		e.autoRollback(rctx, exec, reason)
		return
	}
	e.finish(rctx, exec.ID, status, reason)
}

func (e *Engine) outcomeStatus(ctx context.Context, exec *models.Execution, out executor.Outcome) (models.ExecutionStatus, string) {
	status, reason := out.Status(), out.Error()
	if ctx.Err() == context.DeadlineExceeded {
		status = models.ExecutionFailed
		timeoutReason := fmt.Sprintf("execution timed out after %s", exec.Settings.Timeout)
		if reason != "" {
			reason = timeoutReason + "; " + reason
		} else {
			reason = timeoutReason
		}
	}
	if status == models.ExecutionCancelled && reason == "" {
		reason = "execution cancelled"
	}
	return status, reason
}

// autoRollback откатывает выполнение, исчерпавшее попытки; исходное становится rolled_back // v1.0
func (e *Engine) autoRollback(ctx context.Context, exec *models.Execution, reason string) {
	log := e.logger.WithExecution(exec.ID, exec.RuleID)

	rb, err := e.tracker.RequestRollback(ctx, exec.ID, TriggeredByEngine)
	if err != nil {
		log.WithError(err).Warn("Automatic rollback not possible")
		e.finish(ctx, exec.ID, models.ExecutionFailed, reason+"; rollback not possible")
		return
	}

	status, rbReason := e.runRollback(ctx, rb)
	if status == models.ExecutionCompleted {
		e.finish(ctx, exec.ID, models.ExecutionRolledBack, reason)
		return
	}
	log.WithField("rollback_execution_id", rb.ID).WithField("rollback_status", status).Error("Automatic rollback did not complete")
	e.finish(ctx, exec.ID, models.ExecutionFailed, fmt.Sprintf("%s; rollback %s: %s", reason, status, rbReason))
}

// runRollback выполняет связанное выполнение отката и возвращает его финальный статус // v1.0
func (e *Engine) runRollback(ctx context.Context, rb *models.Execution) (models.ExecutionStatus, string) {
	running, err := e.tracker.Transition(ctx, rb.ID, models.ExecutionRunning, "")
	if err != nil {
		return models.ExecutionFailed, err.Error()
	}

	runCtx, cancel := e.executionContext(running)
	e.mu.Lock()
	e.cancels[running.ID] = cancel
	e.mu.Unlock()
	defer e.release(running.ID, cancel)

	out := e.executor.Run(runCtx, running, nil)
	status, reason := e.outcomeStatus(runCtx, running, out)
	e.finish(ctx, rb.ID, status, reason)
	return status, reason
}

func (e *Engine) finish(ctx context.Context, execID string, status models.ExecutionStatus, reason string) {
	if _, err := e.tracker.Transition(ctx, execID, status, reason); err != nil {
		entry := e.logger.WithField("execution_id", execID).WithError(err)
		if errors.IsErrorCode(err, errors.ErrorCodeInvalidTransition) {
			entry.Debug("Execution already finalized")
			return
		}
		entry.Error("Failed to finalize execution")
	}
}

// onTerminal обновляет статистику правила и отправляет уведомление о неудаче // v1.0
func (e *Engine) onTerminal(exec *models.Execution, from models.ExecutionStatus) {
	if from.IsTerminal() || exec.RollbackOf != "" {
		return
	}

	// Отклоненные и просроченные ожидающие выполнения не запускались и в статистику не входят
	ran := from != models.ExecutionPending
	if st := e.state(exec.RuleID); st != nil && ran && exec.StartedAt != nil && exec.EndedAt != nil {
		st.mu.Lock()
		st.stats.Record(exec.Status == models.ExecutionCompleted, exec.Duration(), *exec.EndedAt)
		rule := st.view()
		if err := e.rulesDB.SaveRule(context.Background(), rule); err != nil {
			e.logger.WithRule(rule.ID, rule.Name).WithError(err).Warn("Failed to persist rule statistics")
		}
		st.mu.Unlock()
	}

	failed := exec.Status == models.ExecutionFailed || exec.Status == models.ExecutionRolledBack
	if failed && exec.Settings.NotifyOnFailure && e.notifier != nil {
		n := models.ExecutionFailedNotification(exec)
		e.notify.Add(1)
		go func() {
			defer e.notify.Done()
			if err := e.notifier.Notify(context.Background(), n); err != nil {
				e.logger.WithExecution(exec.ID, exec.RuleID).WithError(err).Warn("Failure notification not delivered")
			}
		}()
	}
}

// HandleSample применяет телеметрию и передает событие планировщику // v1.0
func (e *Engine) HandleSample(sample *models.TelemetrySample, subject string) {
	e.telemetry.Apply(sample)
	e.scheduler.Notify(scheduler.Event{
		Subject: subject,
		Target:  sample.Target,
		Metrics: sample.MetricNames(),
	})
}

// HandleEvent передает внешнее событие планировщику // v1.0
func (e *Engine) HandleEvent(ev *models.AutomationEvent) {
	e.scheduler.Notify(scheduler.Event{
		Subject: ev.Subject,
		Target:  ev.Target,
		Data:    ev.Data,
	})
}

// handleFire оценивает правило по срабатыванию планировщика // v1.0
func (e *Engine) handleFire(ctx context.Context, fire scheduler.Fire) {
	focus := ""
	if fire.Event != nil {
		focus = fire.Event.Target
	}
	snap := e.telemetry.Snapshot(focus)
	if fire.Event != nil {
		snap["event"] = map[string]interface{}{
			"subject": fire.Event.Subject,
			"target":  fire.Event.Target,
			"data":    fire.Event.Data,
		}
	}
	e.Evaluate(ctx, snap, fire.Trigger, fire.RuleID)
}

// ExpireApprovals отменяет выполнения с просроченными согласованиями // v1.0
func (e *Engine) ExpireApprovals(ctx context.Context) []string {
	return e.tracker.ExpireApprovals(ctx, e.clock(), e.config.ApprovalTimeout)
}

// InstantiateTemplate создает правило из заготовки // v1.0
func (e *Engine) InstantiateTemplate(ctx context.Context, templateID string, overrides models.TemplateOverrides) (*models.Rule, error) {
	if e.templates == nil {
		return nil, errors.NotFoundError("template", templateID)
	}
	tpl, err := e.templates.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	rule := tpl.Instantiate(overrides, e.clock())
	return e.CreateRule(ctx, rule)
}

// SaveTemplate сохраняет заготовку после проверки ее правила // v1.0
func (e *Engine) SaveTemplate(ctx context.Context, tpl *models.Template) error {
	if e.templates == nil {
		return errors.New(errors.ErrorCodeInternal, "template store is not configured")
	}
	sample := tpl.Rule.Clone()
	if sample.ID == "" {
		sample.ID = tpl.ID
	}
	if sample.Name == "" {
		sample.Name = tpl.Name
	}
	if sample.Category == "" {
		sample.Category = tpl.Category
	}
	if _, err := dsl.NewCompiler().CompileRule(sample); err != nil {
		return err
	}
	if tpl.CreatedAt.IsZero() {
		tpl.CreatedAt = e.clock()
	}
	return e.templates.SaveTemplate(ctx, tpl)
}

// Templates возвращает заготовки // v1.0
func (e *Engine) Templates(ctx context.Context) ([]*models.Template, error) {
	if e.templates == nil {
		return nil, nil
	}
	return e.templates.ListTemplates(ctx)
}

// Execution возвращает копию выполнения // v1.0
func (e *Engine) Execution(ctx context.Context, id string) (*models.Execution, error) {
	return e.tracker.Get(ctx, id)
}

// Executions возвращает выполнения по фильтру // v1.0
func (e *Engine) Executions(ctx context.Context, filter tracker.Filter) ([]*models.Execution, error) {
	return e.tracker.List(ctx, filter)
}

// Stats возвращает статистику движка // v1.0
func (e *Engine) Stats() map[string]interface{} {
	rules := e.Rules()
	enabled := 0
	for _, r := range rules {
		if r.Enabled {
			enabled++
		}
	}
	e.mu.RLock()
	running := len(e.cancels)
	e.mu.RUnlock()

	return map[string]interface{}{
		"rules":           len(rules),
		"enabled_rules":   enabled,
		"running":         running,
		"pending":         e.tracker.PendingCount(),
		"scheduler_pause": e.scheduler.Paused(),
		"tracker":         e.tracker.Stats(),
		"telemetry":       len(e.telemetry.Targets()),
	}
}

// Start запускает цикл планировщика до отмены ctx // v1.0
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.scheduler.Run(ctx)
	}()
}

// Wait ждет завершения всех запущенных выполнений и уведомлений // v1.0
func (e *Engine) Wait() {
	e.wg.Wait()
	e.notify.Wait()
}

// Shutdown отменяет идущие выполнения и ждет их завершения не дольше ctx // v1.0
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stop()
	done := make(chan struct{})
	go func() {
		e.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrorCodeTimeout, "engine shutdown did not finish in time")
	}
}
