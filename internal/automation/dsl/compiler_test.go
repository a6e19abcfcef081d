// filename: internal/automation/dsl/compiler_test.go
package dsl

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/autoops/autoops/internal/common/errors"
	"github.com/autoops/autoops/internal/models"
)

func newTestRule(id string) *models.Rule {
	rule := models.NewRule(id, "High CPU restart", models.CategoryPerformance)
	rule.Conditions = models.ConditionGroup{
		Logic: models.LogicAnd,
		Conditions: []models.Condition{
			{ID: "cpu", Field: "cpu_usage", Operator: OpGt, Value: 80.0, Duration: 5 * time.Minute},
		},
	}
	rule.Actions = []models.Action{
		{ID: "restart", Type: models.ActionRestart, Order: 1},
	}
	rule.Targets = []models.Target{{ID: "srv-1", Kind: "server", Name: "eu-1"}}
	return rule
}

func TestNewCompiler(t *testing.T) {
	compiler := NewCompiler()
	if compiler == nil {
		t.Fatal("NewCompiler() returned nil")
	}
	if compiler.compiledRules == nil {
		t.Error("compiledRules map not initialized")
	}
}

func TestCompileRule_ValidRule(t *testing.T) {
	compiler := NewCompiler()
	rule := newTestRule("cpu_restart")

	compiled, err := compiler.CompileRule(rule)
	if err != nil {
		t.Fatalf("CompileRule failed: %v", err)
	}
	if compiled.Rule != rule {
		t.Error("Compiled rule does not reference the source rule")
	}
	if !reflect.DeepEqual(compiled.Plan, []string{"restart"}) {
		t.Errorf("Unexpected plan: %v", compiled.Plan)
	}
	if !compiled.ReferencesField("cpu_usage") {
		t.Error("Expected rule to reference cpu_usage")
	}

	cached, ok := compiler.GetCompiledRule("cpu_restart")
	if !ok || cached != compiled {
		t.Error("Compiled rule was not cached")
	}

	again, err := compiler.CompileRule(rule)
	if err != nil || again != compiled {
		t.Error("Expected cached compiled rule for unchanged rule")
	}

	compiler.Forget("cpu_restart")
	if _, ok := compiler.GetCompiledRule("cpu_restart"); ok {
		t.Error("Forget did not remove the rule")
	}
}

func TestCompileRule_PlanOrdering(t *testing.T) {
	compiler := NewCompiler()
	rule := newTestRule("ordering")
	rule.Actions = []models.Action{
		{ID: "notify", Type: models.ActionNotify, Order: 5, DependsOn: []string{"restart"}},
		{ID: "restart", Type: models.ActionRestart, Order: 3, DependsOn: []string{"backup"}},
		{ID: "health", Type: models.ActionHealthCheck, Order: 2},
		{ID: "backup", Type: models.ActionBackup, Order: 1},
	}

	compiled, err := compiler.CompileRule(rule)
	if err != nil {
		t.Fatalf("CompileRule failed: %v", err)
	}

	want := []string{"backup", "health", "restart", "notify"}
	if !reflect.DeepEqual(compiled.Plan, want) {
		t.Errorf("Expected plan %v, got %v", want, compiled.Plan)
	}
	if !reflect.DeepEqual(compiled.Dependents["backup"], []string{"restart"}) {
		t.Errorf("Unexpected dependents of backup: %v", compiled.Dependents["backup"])
	}
}

func TestCompileRule_SameOrderKeepsDeclaration(t *testing.T) {
	compiler := NewCompiler()
	rule := newTestRule("ties")
	rule.Actions = []models.Action{
		{ID: "b", Type: models.ActionNotify},
		{ID: "a", Type: models.ActionNotify},
		{ID: "c", Type: models.ActionNotify},
	}

	compiled, err := compiler.CompileRule(rule)
	if err != nil {
		t.Fatalf("CompileRule failed: %v", err)
	}
	if !reflect.DeepEqual(compiled.Plan, []string{"b", "a", "c"}) {
		t.Errorf("Unexpected plan: %v", compiled.Plan)
	}
}

func TestCompileRule_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *models.Rule)
		wantMsg string
	}{
		{
			name: "dependency cycle",
			mutate: func(r *models.Rule) {
				r.Actions = []models.Action{
					{ID: "a", Type: models.ActionRestart, DependsOn: []string{"b"}},
					{ID: "b", Type: models.ActionRestart, DependsOn: []string{"a"}},
				}
			},
			wantMsg: "cycle",
		},
		{
			name: "unknown dependency",
			mutate: func(r *models.Rule) {
				r.Actions[0].DependsOn = []string{"ghost"}
			},
			wantMsg: "unknown action",
		},
		{
			name: "self dependency",
			mutate: func(r *models.Rule) {
				r.Actions[0].DependsOn = []string{"restart"}
			},
			wantMsg: "depends on itself",
		},
		{
			name: "unsupported operator",
			mutate: func(r *models.Rule) {
				r.Conditions.Conditions[0].Operator = "approximately"
			},
			wantMsg: "unsupported operator",
		},
		{
			name: "non numeric comparison",
			mutate: func(r *models.Rule) {
				r.Conditions.Conditions[0].Value = "high"
			},
			wantMsg: "numeric",
		},
		{
			name: "inverted between",
			mutate: func(r *models.Rule) {
				r.Conditions.Conditions[0].Operator = OpBetween
				r.Conditions.Conditions[0].Value = []interface{}{90, 10}
			},
			wantMsg: "exceeds upper bound",
		},
		{
			name: "bad regex",
			mutate: func(r *models.Rule) {
				r.Conditions.Conditions[0].Operator = OpRegex
				r.Conditions.Conditions[0].Value = "([a-z"
			},
			wantMsg: "invalid regex",
		},
		{
			name: "duplicate condition id",
			mutate: func(r *models.Rule) {
				r.Conditions.Conditions = append(r.Conditions.Conditions, r.Conditions.Conditions[0])
			},
			wantMsg: "duplicate condition id",
		},
		{
			name: "bad cron",
			mutate: func(r *models.Rule) {
				r.Schedule = models.Schedule{Type: models.ScheduleCron, Enabled: true,
					Cron: &models.CronSchedule{Expression: "61 * * * *"}}
			},
			wantMsg: "invalid cron expression",
		},
		{
			name: "bad timezone",
			mutate: func(r *models.Rule) {
				r.Schedule = models.Schedule{Type: models.ScheduleCron, Enabled: true,
					Cron: &models.CronSchedule{Expression: "0 3 * * *", Timezone: "Mars/Olympus"}}
			},
			wantMsg: "invalid timezone",
		},
		{
			name: "unsupported action type",
			mutate: func(r *models.Rule) {
				r.Actions[0].Type = "reboot_universe"
			},
			wantMsg: "unsupported type",
		},
		{
			name:    "no actions",
			mutate:  func(r *models.Rule) { r.Actions = nil },
			wantMsg: "at least one action",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := newTestRule("bad_" + strings.ReplaceAll(tt.name, " ", "_"))
			tt.mutate(rule)

			_, err := NewCompiler().CompileRule(rule)
			if err == nil {
				t.Fatal("Expected compile error")
			}
			if !errors.IsErrorCode(err, errors.ErrorCodeRuleInvalid) {
				t.Errorf("Expected RULE_INVALID, got %v", errors.GetErrorCode(err))
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Expected error to mention %q, got %q", tt.wantMsg, err.Error())
			}
		})
	}
}

func TestParseCron_Timezone(t *testing.T) {
	sched, err := ParseCron("0 3 * * *", "Europe/Berlin")
	if err != nil {
		t.Fatalf("ParseCron failed: %v", err)
	}

	berlin, _ := time.LoadLocation("Europe/Berlin")
	from := time.Date(2024, 1, 10, 12, 0, 0, 0, berlin)
	next := sched.Next(from)
	want := time.Date(2024, 1, 11, 3, 0, 0, 0, berlin)
	if !next.Equal(want) {
		t.Errorf("Expected next run %v, got %v", want, next)
	}
}
