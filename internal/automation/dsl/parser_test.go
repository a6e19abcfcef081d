// filename: internal/automation/dsl/parser_test.go
package dsl

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoops/autoops/internal/common/errors"
	"github.com/autoops/autoops/internal/models"
)

const restartRuleYAML = `
id: high_cpu_restart
name: Restart on sustained CPU
category: performance
enabled: true
priority: 10
conditions:
  logic: and
  conditions:
    - id: cpu
      field: cpu_usage
      operator: gt
      value: 80
      duration: 5m
      cooldown: 30m
    - id: players
      field: players_online
      operator: between
      value: [0, 5]
actions:
  - id: notify
    type: notify
    order: 1
    params:
      message: restarting
  - id: restart
    type: restart
    order: 2
    depends_on: [notify]
    timeout: 2m
    retry_on_failure: true
    rollback:
      id: restart_undo
      type: run_script
      params:
        script: restore.sh
schedule:
  type: interval
  enabled: true
  interval:
    every: 30s
targets:
  - id: srv-1
    kind: server
    name: survival-eu
settings:
  max_retries: 2
  retry_delay: 10s
  rollback_on_failure: true
  notify_on_failure: true
`

func TestParseRuleYAML(t *testing.T) {
	rule, err := ParseRuleYAML([]byte(restartRuleYAML))
	require.NoError(t, err)

	assert.Equal(t, "high_cpu_restart", rule.ID)
	assert.Equal(t, 1, rule.Version)
	assert.Equal(t, models.CategoryPerformance, rule.Category)
	require.Len(t, rule.Conditions.Conditions, 2)
	assert.Equal(t, 5*time.Minute, rule.Conditions.Conditions[0].Duration)
	assert.Equal(t, 30*time.Minute, rule.Conditions.Conditions[0].Cooldown)
	assert.Equal(t, 2*time.Minute, rule.Actions[1].Timeout)
	require.NotNil(t, rule.Actions[1].Rollback)
	assert.Equal(t, models.ActionRunScript, rule.Actions[1].Rollback.Type)
	require.NotNil(t, rule.Schedule.Interval)
	assert.Equal(t, 30*time.Second, rule.Schedule.Interval.Every)
	assert.Equal(t, 10*time.Second, rule.Settings.RetryDelay)

	compiled, err := NewCompiler().CompileRule(rule)
	require.NoError(t, err)
	assert.Equal(t, []string{"notify", "restart"}, compiled.Plan)
}

func TestParseRuleYAML_Defaults(t *testing.T) {
	rule, err := ParseRuleYAML([]byte(`
id: manual_backup
name: Manual backup
category: backup
actions:
  - id: backup
    type: backup
`))
	require.NoError(t, err)

	assert.Equal(t, models.ScheduleManual, rule.Schedule.Type)
	assert.Equal(t, models.LogicAnd, rule.Conditions.Logic)
	assert.False(t, rule.CreatedAt.IsZero())
}

func TestParseRuleYAML_Errors(t *testing.T) {
	_, err := ParseRuleYAML([]byte("id: [unclosed"))
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrorCodeRuleParseFailed))

	_, err = ParseRuleYAML([]byte("id: x\nname: y\nunknown_field: 1\n"))
	require.Error(t, err, "unknown fields are rejected")
}

func TestLoadRulesDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b_restart.yaml"), []byte(restartRuleYAML), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a_backup.yml"), []byte(`
id: nightly_backup
name: Nightly backup
category: backup
schedule:
  type: cron
  enabled: true
  cron:
    expression: "0 3 * * *"
    timezone: UTC
actions:
  - id: backup
    type: backup
`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0644))

	rules, err := LoadRulesDir(dir)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "nightly_backup", rules[0].ID)
	assert.Equal(t, "high_cpu_restart", rules[1].ID)

	_, err = LoadRulesDir(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestParseTemplateYAML(t *testing.T) {
	tpl, err := ParseTemplateYAML([]byte(`
id: tpl_restart
name: Restart template
category: maintenance
rule:
  name: placeholder
  category: maintenance
  actions:
    - id: restart
      type: restart
      params:
        grace: "30s"
`))
	require.NoError(t, err)
	assert.Equal(t, "tpl_restart", tpl.ID)

	rule := tpl.Instantiate(models.TemplateOverrides{
		ID:     "restart_eu",
		Name:   "Restart EU",
		Params: map[string]string{"grace": "60s"},
	}, time.Now())
	assert.Equal(t, "tpl_restart", rule.TemplateID)
	assert.Equal(t, "60s", rule.Actions[0].Params["grace"])

	_, err = ParseTemplateYAML([]byte("name: no id"))
	assert.Error(t, err)
}
