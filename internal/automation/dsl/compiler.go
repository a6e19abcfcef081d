// filename: internal/automation/dsl/compiler.go
package dsl

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/autoops/autoops/internal/common/errors"
	"github.com/autoops/autoops/internal/models"
)

// Compiler проверяет правила и строит план выполнения действий // v1.0
type Compiler struct {
	mu            sync.Mutex
	compiledRules map[string]*CompiledRule
}

// NewCompiler создает новый компилятор // v1.0
func NewCompiler() *Compiler {
	return &Compiler{
		compiledRules: make(map[string]*CompiledRule),
	}
}

// CompileRule проверяет правило; нарушение инвариантов возвращает RULE_INVALID // v1.0
func (c *Compiler) CompileRule(rule *models.Rule) (*CompiledRule, error) {
	c.mu.Lock()
	if cached, ok := c.compiledRules[rule.ID]; ok && !isRuleChanged(rule, cached.Rule) {
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if err := rule.Validate(); err != nil {
		add("%v", err)
	}
	if err := rule.Schedule.Validate(); err != nil {
		add("schedule: %v", err)
	} else if rule.Schedule.Type == models.ScheduleCron {
		if err := ValidateCron(rule.Schedule.Cron.Expression, rule.Schedule.Cron.Timezone); err != nil {
			add("schedule: %v", err)
		}
	}

	regexps := make(map[string]*regexp.Regexp)
	fields := make([]string, 0)
	seenConditions := make(map[string]bool)
	validateGroup(rule.Conditions, "conditions", func(cond models.Condition, path string) {
		if cond.ID == "" {
			add("%s: condition id is required", path)
		} else if seenConditions[cond.ID] {
			add("%s: duplicate condition id %q", path, cond.ID)
		}
		seenConditions[cond.ID] = true

		if err := validateCondition(cond); err != nil {
			add("%s: %v", path, err)
			return
		}
		if cond.Operator == OpRegex {
			re, err := regexp.Compile(fmt.Sprint(cond.Value))
			if err != nil {
				add("%s: invalid regex: %v", path, err)
				return
			}
			regexps[cond.ID] = re
		}
		fields = append(fields, cond.Field)
	}, add)

	plan, dependents, err := planActions(rule.Actions)
	if err != nil {
		add("%v", err)
	}

	if len(problems) > 0 {
		return nil, errors.New(errors.ErrorCodeRuleInvalid,
			fmt.Sprintf("rule %q rejected: %s", rule.ID, strings.Join(problems, "; "))).
			AddDetail("rule_id", rule.ID).
			AddDetail("problems", problems)
	}

	compiled := &CompiledRule{
		Rule:       rule,
		Plan:       plan,
		Fields:     fields,
		Dependents: dependents,
		regexps:    regexps,
	}

	c.mu.Lock()
	c.compiledRules[rule.ID] = compiled
	c.mu.Unlock()

	return compiled, nil
}

// Forget удаляет правило из кэша // v1.0
func (c *Compiler) Forget(ruleID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.compiledRules, ruleID)
}

// GetCompiledRule возвращает скомпилированное правило из кэша // v1.0
func (c *Compiler) GetCompiledRule(ruleID string) (*CompiledRule, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rule, exists := c.compiledRules[ruleID]
	return rule, exists
}

// validateGroup обходит дерево условий с путем для сообщений об ошибках // v1.0
func validateGroup(g models.ConditionGroup, path string, visit func(models.Condition, string), add func(string, ...interface{})) {
	switch g.Logic {
	case "", models.LogicAnd, models.LogicOr:
	default:
		add("%s: unknown logic %q", path, g.Logic)
	}
	for i, cond := range g.Conditions {
		visit(cond, fmt.Sprintf("%s[%d]", path, i))
	}
	for i, sub := range g.Groups {
		validateGroup(sub, fmt.Sprintf("%s.groups[%d]", path, i), visit, add)
	}
}

// validateCondition проверяет оператор и форму значения // v1.0
func validateCondition(cond models.Condition) error {
	if cond.Field == "" {
		return fmt.Errorf("field is required")
	}
	if _, ok := SupportedOperators[cond.Operator]; !ok {
		return fmt.Errorf("unsupported operator %q", cond.Operator)
	}
	if cond.Duration < 0 || cond.Cooldown < 0 {
		return fmt.Errorf("duration and cooldown must not be negative")
	}
	if unaryOperators[cond.Operator] {
		return nil
	}
	if cond.Value == nil {
		return fmt.Errorf("operator %s requires a value", cond.Operator)
	}

	switch cond.Operator {
	case OpGt, OpLt, OpGte, OpLte:
		if _, ok := toFloat(cond.Value); !ok {
			return fmt.Errorf("operator %s requires a numeric value", cond.Operator)
		}
	case OpBetween:
		lo, hi, err := bounds(cond.Value)
		if err != nil {
			return err
		}
		if lo > hi {
			return fmt.Errorf("between lower bound %v exceeds upper bound %v", lo, hi)
		}
	case OpIn, OpNotIn:
		if len(toList(cond.Value)) == 0 {
			return fmt.Errorf("operator %s requires a non-empty list", cond.Operator)
		}
	}
	return nil
}

// PlanActions возвращает порядок выполнения снимка действий // v1.0
func PlanActions(actions []models.Action) ([]string, error) {
	plan, _, err := planActions(actions)
	return plan, err
}

// planActions проверяет граф зависимостей и возвращает топологический порядок // v1.0
func planActions(actions []models.Action) ([]string, map[string][]string, error) {
	index := make(map[string]int, len(actions))
	for i, a := range actions {
		if a.ID == "" {
			return nil, nil, fmt.Errorf("actions[%d]: action id is required", i)
		}
		if _, dup := index[a.ID]; dup {
			return nil, nil, fmt.Errorf("actions[%d]: duplicate action id %q", i, a.ID)
		}
		if !models.IsValidActionType(a.Type) {
			return nil, nil, fmt.Errorf("action %s: unsupported type %q", a.ID, a.Type)
		}
		if a.Timeout < 0 {
			return nil, nil, fmt.Errorf("action %s: timeout must not be negative", a.ID)
		}
		if a.Rollback != nil && !models.IsValidActionType(a.Rollback.Type) {
			return nil, nil, fmt.Errorf("action %s: unsupported rollback type %q", a.ID, a.Rollback.Type)
		}
		index[a.ID] = i
	}

	inDegree := make(map[string]int, len(actions))
	dependents := make(map[string][]string, len(actions))
	for _, a := range actions {
		inDegree[a.ID] += 0
		for _, dep := range a.DependsOn {
			if dep == a.ID {
				return nil, nil, fmt.Errorf("action %s depends on itself", a.ID)
			}
			if _, ok := index[dep]; !ok {
				return nil, nil, fmt.Errorf("action %s depends on unknown action %q", a.ID, dep)
			}
			inDegree[a.ID]++
			dependents[dep] = append(dependents[dep], a.ID)
		}
	}

	less := func(x, y string) bool {
		ax, ay := actions[index[x]], actions[index[y]]
		if ax.Order != ay.Order {
			return ax.Order < ay.Order
		}
		return index[x] < index[y]
	}

	var ready []string
	for _, a := range actions {
		if inDegree[a.ID] == 0 {
			ready = append(ready, a.ID)
		}
	}

	plan := make([]string, 0, len(actions))
	for len(ready) > 0 {
		sort.SliceStable(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		next := ready[0]
		ready = ready[1:]
		plan = append(plan, next)
		for _, d := range dependents[next] {
			inDegree[d]--
			if inDegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}

	if len(plan) != len(actions) {
		var cyclic []string
		for _, a := range actions {
			if inDegree[a.ID] > 0 {
				cyclic = append(cyclic, a.ID)
			}
		}
		return nil, nil, fmt.Errorf("action dependency cycle among %s", strings.Join(cyclic, ", "))
	}

	return plan, dependents, nil
}

// ValidateCron разбирает cron-выражение с учетом часового пояса // v1.0
func ValidateCron(expression, timezone string) error {
	_, err := ParseCron(expression, timezone)
	return err
}

// ParseCron возвращает расписание robfig/cron для выражения и пояса // v1.0
func ParseCron(expression, timezone string) (cron.Schedule, error) {
	spec := expression
	if timezone != "" && !strings.HasPrefix(spec, "CRON_TZ=") && !strings.HasPrefix(spec, "TZ=") {
		if _, err := time.LoadLocation(timezone); err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", timezone, err)
		}
		spec = "CRON_TZ=" + timezone + " " + spec
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expression, err)
	}
	return sched, nil
}

// isRuleChanged проверяет, изменилось ли правило с момента компиляции // v1.0
func isRuleChanged(newRule, oldRule *models.Rule) bool {
	return newRule != oldRule ||
		newRule.Version != oldRule.Version ||
		!newRule.UpdatedAt.Equal(oldRule.UpdatedAt)
}
