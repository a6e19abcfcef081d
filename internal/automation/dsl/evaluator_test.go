// filename: internal/automation/dsl/evaluator_test.go
package dsl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoops/autoops/internal/automation/state"
	"github.com/autoops/autoops/internal/common/logging"
	"github.com/autoops/autoops/internal/models"
)

func compileForTest(t *testing.T, rule *models.Rule) *CompiledRule {
	t.Helper()
	compiled, err := NewCompiler().CompileRule(rule)
	require.NoError(t, err)
	return compiled
}

func newTestEvaluator() (*Evaluator, *state.MemoryStore) {
	store := state.NewMemoryStore()
	return NewEvaluator(store, logging.NewDiscardLogger()), store
}

// runSamples подает снимки каждые step и возвращает моменты срабатывания
func runSamples(ctx context.Context, ev *Evaluator, cr *CompiledRule, start time.Time, total, step time.Duration, snap Snapshot) []time.Duration {
	var fired []time.Duration
	for offset := time.Duration(0); offset <= total; offset += step {
		now := start.Add(offset)
		res := ev.Evaluate(ctx, cr, snap, now)
		if res.Satisfied {
			ev.MarkFired(ctx, cr, res, now)
			fired = append(fired, offset)
		}
	}
	return fired
}

func TestEvaluate_DurationHeld(t *testing.T) {
	ctx := context.Background()
	start := time.Unix(1700000000, 0)
	snap := Snapshot{"cpu_usage": 85.0}

	t.Run("held 310s fires once", func(t *testing.T) {
		ev, _ := newTestEvaluator()
		cr := compileForTest(t, newTestRule("scenario_long"))

		fired := runSamples(ctx, ev, cr, start, 310*time.Second, 10*time.Second, snap)
		assert.Equal(t, []time.Duration{300 * time.Second}, fired)
	})

	t.Run("held 100s never fires", func(t *testing.T) {
		ev, _ := newTestEvaluator()
		cr := compileForTest(t, newTestRule("scenario_short"))

		fired := runSamples(ctx, ev, cr, start, 100*time.Second, 10*time.Second, snap)
		assert.Empty(t, fired)

		res := ev.Evaluate(ctx, cr, snap, start.Add(100*time.Second))
		assert.False(t, res.Satisfied)
		assert.Equal(t, []string{"cpu"}, res.Holding)
	})
}

func TestEvaluate_SingleFalseResetsDuration(t *testing.T) {
	ctx := context.Background()
	ev, store := newTestEvaluator()
	cr := compileForTest(t, newTestRule("reset"))
	start := time.Unix(1700000000, 0)

	hot := Snapshot{"cpu_usage": 95.0}
	cool := Snapshot{"cpu_usage": 40.0}

	assert.False(t, ev.Evaluate(ctx, cr, hot, start).Satisfied)
	assert.False(t, ev.Evaluate(ctx, cr, hot, start.Add(250*time.Second)).Satisfied)
	assert.False(t, ev.Evaluate(ctx, cr, cool, start.Add(260*time.Second)).Satisfied)

	entry, err := store.Get(ctx, "reset/cpu")
	require.NoError(t, err)
	assert.True(t, entry.BecameTrue.IsZero(), "false observation must reset the timer")

	// Отсчет начинается заново с 270s
	assert.False(t, ev.Evaluate(ctx, cr, hot, start.Add(270*time.Second)).Satisfied)
	assert.False(t, ev.Evaluate(ctx, cr, hot, start.Add(400*time.Second)).Satisfied)
	assert.True(t, ev.Evaluate(ctx, cr, hot, start.Add(570*time.Second)).Satisfied)
}

func TestEvaluate_Cooldown(t *testing.T) {
	ctx := context.Background()
	ev, _ := newTestEvaluator()

	rule := newTestRule("cooldown")
	rule.Conditions.Conditions[0] = models.Condition{
		ID: "players", Field: "srv-1.players", Operator: OpLt, Value: 5, Cooldown: 10 * time.Minute,
	}
	cr := compileForTest(t, rule)
	start := time.Unix(1700000000, 0)
	snap := Snapshot{"srv-1.players": 2}

	fired := runSamples(ctx, ev, cr, start, 25*time.Minute, time.Minute, snap)
	assert.Equal(t, []time.Duration{0, 10 * time.Minute, 20 * time.Minute}, fired)

	res := ev.Evaluate(ctx, cr, snap, start.Add(21*time.Minute))
	assert.False(t, res.Satisfied)
	assert.Equal(t, []string{"players"}, res.Cooling)
}

func TestEvaluate_CooldownIndependentOfDuration(t *testing.T) {
	ctx := context.Background()
	ev, store := newTestEvaluator()

	rule := newTestRule("both")
	rule.Conditions.Conditions[0].Cooldown = time.Hour
	cr := compileForTest(t, rule)
	start := time.Unix(1700000000, 0)

	_ = store.Put(ctx, "both/cpu", state.Entry{LastFired: start.Add(-30 * time.Minute)})

	res := ev.Evaluate(ctx, cr, Snapshot{"cpu_usage": 99}, start)
	assert.False(t, res.Satisfied)

	entry, _ := store.Get(ctx, "both/cpu")
	assert.True(t, entry.BecameTrue.Equal(start), "duration timer starts while cooling")
	assert.True(t, entry.LastFired.Equal(start.Add(-30*time.Minute)))
}

func TestEvaluate_LogicAndShortCircuit(t *testing.T) {
	ctx := context.Background()
	ev, store := newTestEvaluator()

	rule := newTestRule("logic")
	rule.Conditions = models.ConditionGroup{
		Logic: models.LogicOr,
		Conditions: []models.Condition{
			{ID: "down", Field: "status", Operator: OpEq, Value: "down"},
		},
		Groups: []models.ConditionGroup{{
			Logic: models.LogicAnd,
			Conditions: []models.Condition{
				{ID: "mem", Field: "memory.used_pct", Operator: OpGte, Value: 90},
				{ID: "swap", Field: "memory.swap_pct", Operator: OpGt, Value: 50, Duration: time.Minute},
			},
		}},
	}
	cr := compileForTest(t, rule)
	now := time.Unix(1700000000, 0)

	res := ev.Evaluate(ctx, cr, Snapshot{"status": "down"}, now)
	assert.True(t, res.Satisfied)
	assert.Equal(t, []string{"down"}, res.Matched)

	// Вложенные карты разрешаются по точечному пути
	nested := Snapshot{
		"status": "up",
		"memory": map[string]interface{}{"used_pct": 95.0, "swap_pct": 70.0},
	}
	res = ev.Evaluate(ctx, cr, nested, now)
	assert.False(t, res.Satisfied)
	assert.Equal(t, []string{"swap"}, res.Holding)

	// "mem" ложно и замыкает группу, но таймер "swap" все равно сбрасывается
	res = ev.Evaluate(ctx, cr, Snapshot{"status": "up", "memory.used_pct": 10, "memory.swap_pct": 0}, now.Add(30*time.Second))
	assert.False(t, res.Satisfied)
	assert.Empty(t, res.Holding)
	entry, _ := store.Get(ctx, "logic/swap")
	assert.True(t, entry.IsZero())

	res = ev.Evaluate(ctx, cr, nested, now.Add(time.Minute))
	assert.False(t, res.Satisfied)
	assert.Equal(t, []string{"swap"}, res.Holding)

	res = ev.Evaluate(ctx, cr, nested, now.Add(2*time.Minute))
	assert.True(t, res.Satisfied)
	assert.ElementsMatch(t, []string{"mem", "swap"}, res.Matched)
}

func TestEvaluate_SkippedSiblingDurationResets(t *testing.T) {
	ctx := context.Background()
	ev, store := newTestEvaluator()

	rule := newTestRule("players_cpu")
	rule.Conditions = models.ConditionGroup{
		Logic: models.LogicAnd,
		Conditions: []models.Condition{
			{ID: "players", Field: "players", Operator: OpGt, Value: 10},
			{ID: "cpu", Field: "cpu_usage", Operator: OpGt, Value: 80.0, Duration: 300 * time.Second},
		},
	}
	cr := compileForTest(t, rule)
	start := time.Unix(1700000000, 0)

	busy := Snapshot{"players": 40, "cpu_usage": 95.0}
	idle := Snapshot{"players": 0, "cpu_usage": 10.0}

	assert.False(t, ev.Evaluate(ctx, cr, busy, start).Satisfied)

	res := ev.Evaluate(ctx, cr, idle, start.Add(200*time.Second))
	assert.False(t, res.Satisfied)
	entry, err := store.Get(ctx, "players_cpu/cpu")
	require.NoError(t, err)
	assert.True(t, entry.BecameTrue.IsZero(), "cpu dropped while players short-circuited the group")

	res = ev.Evaluate(ctx, cr, busy, start.Add(310*time.Second))
	assert.False(t, res.Satisfied)
	assert.Equal(t, []string{"cpu"}, res.Holding)

	res = ev.Evaluate(ctx, cr, busy, start.Add(610*time.Second))
	assert.True(t, res.Satisfied)
}

func TestEvaluate_SkippedSiblingStartsTimer(t *testing.T) {
	ctx := context.Background()
	ev, _ := newTestEvaluator()

	rule := newTestRule("or_cpu")
	rule.Conditions = models.ConditionGroup{
		Logic: models.LogicOr,
		Conditions: []models.Condition{
			{ID: "down", Field: "status", Operator: OpEq, Value: "down"},
			{ID: "cpu", Field: "cpu_usage", Operator: OpGt, Value: 80.0, Duration: time.Minute},
		},
	}
	cr := compileForTest(t, rule)
	start := time.Unix(1700000000, 0)

	res := ev.Evaluate(ctx, cr, Snapshot{"status": "down", "cpu_usage": 90.0}, start)
	assert.True(t, res.Satisfied)
	assert.Equal(t, []string{"down"}, res.Matched)

	// cpu держится с момента start, хотя группа замкнулась на "down"
	res = ev.Evaluate(ctx, cr, Snapshot{"status": "up", "cpu_usage": 90.0}, start.Add(time.Minute))
	assert.True(t, res.Satisfied)
	assert.Equal(t, []string{"cpu"}, res.Matched)
}

func TestEvaluate_EmptyConditions(t *testing.T) {
	ev, _ := newTestEvaluator()
	rule := newTestRule("nightly")
	rule.Conditions = models.ConditionGroup{}
	cr := compileForTest(t, rule)

	res := ev.Evaluate(context.Background(), cr, Snapshot{}, time.Now())
	assert.True(t, res.Satisfied)
}

func TestEvaluate_Operators(t *testing.T) {
	snap := Snapshot{
		"cpu":      75.5,
		"players":  12,
		"region":   "eu-west",
		"version":  "1.20.4",
		"tags":     []interface{}{"modded", "pvp"},
		"nothing":  nil,
		"flag":     true,
		"strnum":   "42",
		"hostname": "mc-eu-03",
	}

	tests := []struct {
		name string
		cond models.Condition
		want bool
	}{
		{"gt", models.Condition{Field: "cpu", Operator: OpGt, Value: 75}, true},
		{"lt", models.Condition{Field: "players", Operator: OpLt, Value: 12}, false},
		{"gte", models.Condition{Field: "players", Operator: OpGte, Value: 12}, true},
		{"lte string number", models.Condition{Field: "strnum", Operator: OpLte, Value: 42}, true},
		{"eq string", models.Condition{Field: "region", Operator: OpEq, Value: "eu-west"}, true},
		{"eq numeric types", models.Condition{Field: "players", Operator: OpEq, Value: 12.0}, true},
		{"eq bool", models.Condition{Field: "flag", Operator: OpEq, Value: true}, true},
		{"ne", models.Condition{Field: "region", Operator: OpNe, Value: "us-east"}, true},
		{"contains substring", models.Condition{Field: "version", Operator: OpContains, Value: "1.20"}, true},
		{"contains list", models.Condition{Field: "tags", Operator: OpContains, Value: "pvp"}, true},
		{"not_contains", models.Condition{Field: "tags", Operator: OpNotContains, Value: "hardcore"}, true},
		{"in list", models.Condition{Field: "region", Operator: OpIn, Value: []interface{}{"eu-west", "eu-north"}}, true},
		{"in csv", models.Condition{Field: "region", Operator: OpIn, Value: "us-east, us-west"}, false},
		{"not_in", models.Condition{Field: "players", Operator: OpNotIn, Value: []interface{}{1, 2, 3}}, true},
		{"between inclusive low", models.Condition{Field: "players", Operator: OpBetween, Value: []interface{}{12, 20}}, true},
		{"between inclusive high", models.Condition{Field: "players", Operator: OpBetween, Value: []interface{}{1, 12}}, true},
		{"between outside", models.Condition{Field: "cpu", Operator: OpBetween, Value: []interface{}{0, 50}}, false},
		{"is_null missing", models.Condition{Field: "absent", Operator: OpIsNull}, true},
		{"is_null nil", models.Condition{Field: "nothing", Operator: OpIsNull}, true},
		{"is_not_null", models.Condition{Field: "region", Operator: OpIsNotNull}, true},
		{"exists nil value", models.Condition{Field: "nothing", Operator: OpExists}, true},
		{"exists missing", models.Condition{Field: "absent", Operator: OpExists}, false},
		{"regex", models.Condition{Field: "hostname", Operator: OpRegex, Value: `^mc-eu-\d+$`}, true},
		{"missing field", models.Condition{Field: "absent", Operator: OpGt, Value: 1}, false},
		{"type mismatch", models.Condition{Field: "region", Operator: OpGt, Value: 1}, false},
		{"contains on number", models.Condition{Field: "players", Operator: OpContains, Value: 1}, false},
		{"not_contains on number", models.Condition{Field: "players", Operator: OpNotContains, Value: 1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, _ := newTestEvaluator()
			rule := newTestRule("ops")
			tt.cond.ID = "c"
			rule.Conditions = models.ConditionGroup{Logic: models.LogicAnd, Conditions: []models.Condition{tt.cond}}
			cr := compileForTest(t, rule)

			res := ev.Evaluate(context.Background(), cr, snap, time.Now())
			assert.Equal(t, tt.want, res.Satisfied)
		})
	}
}

func TestEvaluator_Reset(t *testing.T) {
	ctx := context.Background()
	ev, store := newTestEvaluator()
	cr := compileForTest(t, newTestRule("to_reset"))

	ev.Evaluate(ctx, cr, Snapshot{"cpu_usage": 99}, time.Now())
	require.Equal(t, 1, store.Stats()["entries"])

	require.NoError(t, ev.Reset(ctx, "to_reset"))
	assert.Equal(t, 0, store.Stats()["entries"])
}

func TestEvaluator_ResetDurations(t *testing.T) {
	ctx := context.Background()
	ev, store := newTestEvaluator()

	rule := newTestRule("toggle")
	rule.Conditions.Conditions[0].Cooldown = time.Hour
	cr := compileForTest(t, rule)
	start := time.Unix(1700000000, 0)

	_ = store.Put(ctx, "toggle/cpu", state.Entry{BecameTrue: start, LastFired: start.Add(-time.Minute)})

	require.NoError(t, ev.ResetDurations(ctx, cr))

	entry, err := store.Get(ctx, "toggle/cpu")
	require.NoError(t, err)
	assert.True(t, entry.BecameTrue.IsZero())
	assert.True(t, entry.LastFired.Equal(start.Add(-time.Minute)), "cooldown survives the reset")
}

func TestSnapshot_Lookup(t *testing.T) {
	snap := Snapshot{
		"srv-1.cpu": 50,
		"srv-2": map[string]interface{}{
			"cpu":  70,
			"disk": map[string]interface{}{"root": 91},
		},
	}

	v, ok := snap.Lookup("srv-1.cpu")
	assert.True(t, ok)
	assert.Equal(t, 50, v)

	v, ok = snap.Lookup("srv-2.disk.root")
	assert.True(t, ok)
	assert.Equal(t, 91, v)

	_, ok = snap.Lookup("srv-2.mem")
	assert.False(t, ok)

	_, ok = snap.Lookup("srv-2.cpu.extra")
	assert.False(t, ok)
}
