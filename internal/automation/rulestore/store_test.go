// filename: internal/automation/rulestore/store_test.go
package rulestore

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoops/autoops/internal/common/config"
	"github.com/autoops/autoops/internal/common/errors"
	"github.com/autoops/autoops/internal/common/pg"
	"github.com/autoops/autoops/internal/models"
)

func sampleRule(id string, priority int) *models.Rule {
	rule := models.NewRule(id, "Rule "+id, models.CategoryMaintenance)
	rule.Priority = priority
	rule.Actions = []models.Action{{ID: "restart", Type: models.ActionRestart}}
	return rule
}

func exerciseStore(t *testing.T, store interface {
	Store
	TemplateStore
}) {
	ctx := context.Background()

	require.NoError(t, store.SaveRule(ctx, sampleRule("b_rule", 1)))
	require.NoError(t, store.SaveRule(ctx, sampleRule("a_rule", 1)))
	require.NoError(t, store.SaveRule(ctx, sampleRule("z_rule", 9)))

	rules, err := store.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, []string{"z_rule", "a_rule", "b_rule"}, []string{rules[0].ID, rules[1].ID, rules[2].ID})

	got, err := store.GetRule(ctx, "a_rule")
	require.NoError(t, err)
	assert.Equal(t, "Rule a_rule", got.Name)

	require.NoError(t, store.DeleteRule(ctx, "a_rule"))
	_, err = store.GetRule(ctx, "a_rule")
	assert.True(t, errors.IsErrorCode(err, errors.ErrorCodeRuleNotFound))
	assert.True(t, errors.IsErrorCode(store.DeleteRule(ctx, "a_rule"), errors.ErrorCodeRuleNotFound))

	tpl := &models.Template{ID: "restart_on_cpu", Name: "Restart on CPU", Category: models.CategoryPerformance,
		Rule: *sampleRule("", 0)}
	require.NoError(t, store.SaveTemplate(ctx, tpl))
	gotTpl, err := store.GetTemplate(ctx, "restart_on_cpu")
	require.NoError(t, err)
	assert.Equal(t, "Restart on CPU", gotTpl.Name)
	require.Len(t, gotTpl.Rule.Actions, 1)

	templates, err := store.ListTemplates(ctx)
	require.NoError(t, err)
	assert.Len(t, templates, 1)

	_, err = store.GetTemplate(ctx, "missing")
	assert.True(t, errors.IsErrorCode(err, errors.ErrorCodeNotFound))

	for _, id := range []string{"b_rule", "z_rule"} {
		_ = store.DeleteRule(ctx, id)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	rule := sampleRule("r1", 0)
	require.NoError(t, store.SaveRule(ctx, rule))

	rule.Name = "changed"
	got, _ := store.GetRule(ctx, "r1")
	assert.Equal(t, "Rule r1", got.Name)

	got.Actions[0].Type = models.ActionScale
	again, _ := store.GetRule(ctx, "r1")
	assert.Equal(t, models.ActionRestart, again.Actions[0].Type)
}

func TestPostgresStore(t *testing.T) {
	host := os.Getenv("AUTOOPS_TEST_PG_HOST")
	if host == "" {
		t.Skip("AUTOOPS_TEST_PG_HOST not set, skipping PostgreSQL test")
	}
	client, err := pg.NewClient(config.PostgreSQLConfig{
		Host: host, Port: 5432, Database: "autoops", Username: "autoops",
		Password: os.Getenv("AUTOOPS_TEST_PG_PASSWORD"), SSLMode: "disable", MaxOpenConns: 2,
	})
	if err != nil {
		t.Skipf("PostgreSQL not available: %v", err)
	}
	defer client.Close()

	store, err := NewPostgresStore(context.Background(), client)
	require.NoError(t, err)
	exerciseStore(t, store)
}
