// filename: internal/automation/dsl/evaluator.go
package dsl

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/autoops/autoops/internal/automation/state"
	"github.com/autoops/autoops/internal/common/logging"
	"github.com/autoops/autoops/internal/models"
)

// Snapshot плоский снимок состояния: поле -> значение; точечные пути также ищутся во вложенных картах
type Snapshot map[string]interface{}

// Lookup возвращает значение поля и признак его наличия // v1.0
func (s Snapshot) Lookup(path string) (interface{}, bool) {
	if v, ok := s[path]; ok {
		return v, true
	}
	if !strings.Contains(path, ".") {
		return nil, false
	}

	parts := strings.Split(path, ".")
	var current interface{} = map[string]interface{}(s)
	for i := 0; i < len(parts); i++ {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		// Оставшийся хвост пути может быть плоским ключом вложенной карты
		if v, ok := m[strings.Join(parts[i:], ".")]; ok {
			return v, true
		}
		next, ok := m[parts[i]]
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

// Evaluator оценивает дерево условий с учетом длительности и охлаждения // v1.0
type Evaluator struct {
	store  state.Store
	logger *logging.Logger
}

// NewEvaluator создает оценщик поверх хранилища состояния // v1.0
func NewEvaluator(store state.Store, logger *logging.Logger) *Evaluator {
	return &Evaluator{
		store:  store,
		logger: logger,
	}
}

// conditionKey ключ экземпляра условия в хранилище // v1.0
func conditionKey(ruleID, conditionID string) string {
	return ruleID + "/" + conditionID
}

// Evaluate оценивает условия правила; ошибки оценки дают "не выполнено" и не возвращаются // v1.0
func (e *Evaluator) Evaluate(ctx context.Context, cr *CompiledRule, snap Snapshot, now time.Time) Result {
	var res Result
	res.Satisfied = e.evalGroup(ctx, cr, cr.Rule.Conditions, snap, now, &res)
	return res
}

// MarkFired фиксирует запуск выполнения: открывает охлаждение и перевзводит таймеры длительности // v1.0
func (e *Evaluator) MarkFired(ctx context.Context, cr *CompiledRule, res Result, now time.Time) {
	for _, id := range res.Matched {
		cond, ok := findCondition(cr.Rule.Conditions, id)
		if !ok || (cond.Cooldown == 0 && cond.Duration == 0) {
			continue
		}
		key := conditionKey(cr.Rule.ID, id)
		entry, err := e.store.Get(ctx, key)
		if err != nil {
			e.logger.WithRule(cr.Rule.ID, cr.Rule.Name).WithError(err).Warn("Failed to read condition state")
			continue
		}
		if cond.Cooldown > 0 {
			entry.LastFired = now
		}
		if cond.Duration > 0 {
			entry.BecameTrue = now
		}
		if err := e.store.Put(ctx, key, entry); err != nil {
			e.logger.WithRule(cr.Rule.ID, cr.Rule.Name).WithError(err).Warn("Failed to persist condition state")
		}
	}
}

// Reset удаляет состояние всех условий правила // v1.0
func (e *Evaluator) Reset(ctx context.Context, ruleID string) error {
	return e.store.DeletePrefix(ctx, ruleID+"/")
}

// ResetDurations сбрасывает таймеры длительности правила, сохраняя время последнего срабатывания // v1.0
func (e *Evaluator) ResetDurations(ctx context.Context, cr *CompiledRule) error {
	var firstErr error
	cr.Rule.Conditions.Walk(func(cond models.Condition) {
		if cond.Duration == 0 || firstErr != nil {
			return
		}
		key := conditionKey(cr.Rule.ID, cond.ID)
		entry, err := e.store.Get(ctx, key)
		if err != nil {
			firstErr = err
			return
		}
		if entry.BecameTrue.IsZero() {
			return
		}
		entry.BecameTrue = time.Time{}
		firstErr = e.store.Put(ctx, key, entry)
	})
	return firstErr
}

// evalGroup оценивает соседей слева направо с коротким замыканием.
// Пропущенные соседи все равно наблюдаются, чтобы таймеры длительности видели каждый снимок // v1.0
func (e *Evaluator) evalGroup(ctx context.Context, cr *CompiledRule, g models.ConditionGroup, snap Snapshot, now time.Time, res *Result) bool {
	isOr := g.Logic == models.LogicOr
	if len(g.Conditions) == 0 && len(g.Groups) == 0 {
		return !isOr
	}

	for i, cond := range g.Conditions {
		if v := e.evalCondition(ctx, cr, cond, snap, now, res); v == isOr {
			e.observe(ctx, cr, models.ConditionGroup{Conditions: g.Conditions[i+1:], Groups: g.Groups}, snap, now)
			return v
		}
	}
	for i, sub := range g.Groups {
		if v := e.evalGroup(ctx, cr, sub, snap, now, res); v == isOr {
			e.observe(ctx, cr, models.ConditionGroup{Groups: g.Groups[i+1:]}, snap, now)
			return v
		}
	}
	return !isOr
}

// observe обновляет таймеры длительности условий, не влияя на результат оценки // v1.0
func (e *Evaluator) observe(ctx context.Context, cr *CompiledRule, g models.ConditionGroup, snap Snapshot, now time.Time) {
	g.Walk(func(cond models.Condition) {
		if cond.Duration == 0 {
			return
		}
		holds, err := e.predicate(cr, cond, snap)
		holds = holds && err == nil

		key := conditionKey(cr.Rule.ID, cond.ID)
		entry, err := e.store.Get(ctx, key)
		if err != nil {
			return
		}
		switch {
		case !holds && !entry.BecameTrue.IsZero():
			entry.BecameTrue = time.Time{}
		case holds && entry.BecameTrue.IsZero():
			entry.BecameTrue = now
		default:
			return
		}
		if err := e.store.Put(ctx, key, entry); err != nil {
			e.logger.WithRule(cr.Rule.ID, cr.Rule.Name).WithField("condition_id", cond.ID).WithError(err).Warn("Failed to persist condition state")
		}
	})
}

// evalCondition применяет предикат, затем гейт длительности, затем гейт охлаждения // v1.0
func (e *Evaluator) evalCondition(ctx context.Context, cr *CompiledRule, cond models.Condition, snap Snapshot, now time.Time, res *Result) bool {
	entryLog := e.logger.WithRule(cr.Rule.ID, cr.Rule.Name).WithField("condition_id", cond.ID)

	holds, err := e.predicate(cr, cond, snap)
	if err != nil {
		entryLog.WithError(err).Debug("Condition not satisfied: evaluation error")
		holds = false
	}

	if cond.Duration == 0 && cond.Cooldown == 0 {
		if holds {
			res.Matched = append(res.Matched, cond.ID)
		}
		return holds
	}

	key := conditionKey(cr.Rule.ID, cond.ID)
	entry, err := e.store.Get(ctx, key)
	if err != nil {
		entryLog.WithError(err).Warn("Condition state unavailable, treating as not satisfied")
		return false
	}
	before := entry

	defer func() {
		if entry != before {
			if perr := e.store.Put(ctx, key, entry); perr != nil {
				entryLog.WithError(perr).Warn("Failed to persist condition state")
			}
		}
	}()

	if !holds {
		entry.BecameTrue = time.Time{}
		return false
	}

	if cond.Duration > 0 {
		if entry.BecameTrue.IsZero() {
			entry.BecameTrue = now
		}
		if now.Sub(entry.BecameTrue) < cond.Duration {
			res.Holding = append(res.Holding, cond.ID)
			return false
		}
	}

	if cond.Cooldown > 0 && !entry.LastFired.IsZero() && now.Sub(entry.LastFired) < cond.Cooldown {
		res.Cooling = append(res.Cooling, cond.ID)
		return false
	}

	res.Matched = append(res.Matched, cond.ID)
	return true
}

// predicate вычисляет оператор над значением поля // v1.0
func (e *Evaluator) predicate(cr *CompiledRule, cond models.Condition, snap Snapshot) (bool, error) {
	actual, present := snap.Lookup(cond.Field)

	switch cond.Operator {
	case OpExists:
		return present, nil
	case OpIsNull:
		return !present || actual == nil, nil
	case OpIsNotNull:
		return present && actual != nil, nil
	}

	if !present {
		return false, fmt.Errorf("field %q missing from snapshot", cond.Field)
	}
	if actual == nil {
		return false, fmt.Errorf("field %q is null", cond.Field)
	}

	switch cond.Operator {
	case OpGt, OpLt, OpGte, OpLte:
		a, ok := toFloat(actual)
		if !ok {
			return false, fmt.Errorf("field %q is not numeric: %v", cond.Field, actual)
		}
		b, ok := toFloat(cond.Value)
		if !ok {
			return false, fmt.Errorf("comparison value is not numeric: %v", cond.Value)
		}
		switch cond.Operator {
		case OpGt:
			return a > b, nil
		case OpLt:
			return a < b, nil
		case OpGte:
			return a >= b, nil
		default:
			return a <= b, nil
		}
	case OpEq:
		return equalValues(actual, cond.Value), nil
	case OpNe:
		return !equalValues(actual, cond.Value), nil
	case OpContains:
		return containsValue(actual, cond.Value)
	case OpNotContains:
		ok, err := containsValue(actual, cond.Value)
		return !ok && err == nil, err
	case OpIn:
		return inList(actual, cond.Value), nil
	case OpNotIn:
		return !inList(actual, cond.Value), nil
	case OpBetween:
		a, ok := toFloat(actual)
		if !ok {
			return false, fmt.Errorf("field %q is not numeric: %v", cond.Field, actual)
		}
		lo, hi, err := bounds(cond.Value)
		if err != nil {
			return false, err
		}
		return a >= lo && a <= hi, nil
	case OpRegex:
		re := cr.regexps[cond.ID]
		if re == nil {
			var err error
			if re, err = regexp.Compile(fmt.Sprint(cond.Value)); err != nil {
				return false, err
			}
		}
		return re.MatchString(fmt.Sprint(actual)), nil
	}
	return false, fmt.Errorf("unsupported operator %q", cond.Operator)
}

func findCondition(g models.ConditionGroup, id string) (models.Condition, bool) {
	var (
		found models.Condition
		ok    bool
	)
	g.Walk(func(c models.Condition) {
		if !ok && c.ID == id {
			found, ok = c, true
		}
	})
	return found, ok
}

// toFloat приводит числа, json.Number и числовые строки к float64 // v1.0
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// toList приводит значение к списку; строка делится по запятым // v1.0
func toList(v interface{}) []interface{} {
	switch l := v.(type) {
	case nil:
		return nil
	case []interface{}:
		return l
	case []string:
		out := make([]interface{}, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out
	case []float64:
		out := make([]interface{}, len(l))
		for i, f := range l {
			out[i] = f
		}
		return out
	case []int:
		out := make([]interface{}, len(l))
		for i, n := range l {
			out[i] = n
		}
		return out
	case string:
		var out []interface{}
		for _, part := range strings.Split(l, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return []interface{}{v}
}

// bounds возвращает границы between // v1.0
func bounds(v interface{}) (float64, float64, error) {
	list := toList(v)
	if len(list) != 2 {
		return 0, 0, fmt.Errorf("between requires exactly two bounds, got %d", len(list))
	}
	lo, ok1 := toFloat(list[0])
	hi, ok2 := toFloat(list[1])
	if !ok1 || !ok2 {
		return 0, 0, fmt.Errorf("between bounds must be numeric: %v", v)
	}
	return lo, hi, nil
}

// equalValues сравнивает числа численно, остальное по строковому представлению // v1.0
func equalValues(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ba == bb
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// containsValue ищет подстроку в строке или элемент в списке // v1.0
func containsValue(actual, expected interface{}) (bool, error) {
	switch a := actual.(type) {
	case string:
		return strings.Contains(a, fmt.Sprint(expected)), nil
	case []interface{}, []string, []float64, []int:
		for _, item := range toList(a) {
			if equalValues(item, expected) {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("contains is not applicable to %T", actual)
}

// inList проверяет вхождение значения в список // v1.0
func inList(actual, list interface{}) bool {
	for _, item := range toList(list) {
		if equalValues(actual, item) {
			return true
		}
	}
	return false
}
