// filename: internal/automation/scheduler/scheduler_test.go
package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoops/autoops/internal/common/logging"
	"github.com/autoops/autoops/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestScheduler(handler Handler) (*Scheduler, *fakeClock) {
	clock := &fakeClock{now: epoch}
	s := New(Config{TickInterval: 10 * time.Millisecond}, handler, logging.NewDiscardLogger())
	s.SetClock(clock)
	return s, clock
}

func intervalRule(id string, every time.Duration) *models.Rule {
	rule := models.NewRule(id, id, models.CategoryMonitoring)
	rule.Schedule = models.Schedule{Type: models.ScheduleInterval, Enabled: true,
		Interval: &models.IntervalSchedule{Every: every}}
	return rule
}

func cronRule(id, expr, tz string) *models.Rule {
	rule := models.NewRule(id, id, models.CategoryBackup)
	rule.Schedule = models.Schedule{Type: models.ScheduleCron, Enabled: true,
		Cron: &models.CronSchedule{Expression: expr, Timezone: tz}}
	return rule
}

func eventRule(id string, subjects, metrics []string) *models.Rule {
	rule := models.NewRule(id, id, models.CategoryPerformance)
	rule.Schedule = models.Schedule{Type: models.ScheduleEvent, Enabled: true,
		Event: &models.EventSchedule{Subjects: subjects, Metrics: metrics}}
	return rule
}

func TestStep_Interval(t *testing.T) {
	s, _ := newTestScheduler(nil)
	require.NoError(t, s.Register(intervalRule("poll", time.Minute), nil))

	next, ok := s.NextExecution("poll")
	require.True(t, ok)
	assert.Equal(t, epoch.Add(time.Minute), next)

	assert.Empty(t, s.Step(epoch.Add(30*time.Second)))

	fires := s.Step(epoch.Add(time.Minute))
	require.Len(t, fires, 1)
	assert.Equal(t, "poll", fires[0].RuleID)
	assert.Equal(t, models.TriggerSchedule, fires[0].Trigger)

	// Пропущенные периоды дают одно срабатывание
	fires = s.Step(epoch.Add(10 * time.Minute))
	assert.Len(t, fires, 1)
	next, _ = s.NextExecution("poll")
	assert.Equal(t, epoch.Add(11*time.Minute), next)
}

func TestStep_CronWithTimezone(t *testing.T) {
	s, _ := newTestScheduler(nil)
	// 03:00 в Москве это 00:00 UTC
	require.NoError(t, s.Register(cronRule("nightly", "0 3 * * *", "Europe/Moscow"), nil))

	next, ok := s.NextExecution("nightly")
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), next.UTC())

	assert.Empty(t, s.Step(next.Add(-time.Second)))
	require.Len(t, s.Step(next), 1)

	next2, _ := s.NextExecution("nightly")
	assert.Equal(t, next.Add(24*time.Hour).UTC(), next2.UTC())
}

func TestRegister_InvalidCron(t *testing.T) {
	s, _ := newTestScheduler(nil)
	err := s.Register(cronRule("broken", "every day", ""), nil)
	require.Error(t, err)
	_, ok := s.NextExecution("broken")
	assert.False(t, ok)
}

func TestManualRulesNeverFire(t *testing.T) {
	s, _ := newTestScheduler(nil)
	rule := models.NewRule("manual", "manual", models.CategoryMaintenance)
	require.NoError(t, s.Register(rule, []string{"cpu_usage"}))

	assert.Empty(t, s.Step(epoch.Add(24*time.Hour)))
	assert.Empty(t, s.HandleEvent(Event{Metrics: []string{"cpu_usage"}}))
	_, ok := s.NextExecution("manual")
	assert.False(t, ok)
}

func TestSetEnabled_Idempotent(t *testing.T) {
	s, clock := newTestScheduler(nil)
	require.NoError(t, s.Register(intervalRule("poll", time.Minute), nil))

	assert.True(t, s.Disable("poll"))
	assert.True(t, s.Disable("poll"))
	assert.Empty(t, s.Step(epoch.Add(time.Hour)))
	_, ok := s.NextExecution("poll")
	assert.False(t, ok)

	clock.Set(epoch.Add(time.Hour))
	assert.True(t, s.SetEnabled("poll", true))
	assert.True(t, s.SetEnabled("poll", true))
	next, ok := s.NextExecution("poll")
	require.True(t, ok)
	assert.Equal(t, epoch.Add(time.Hour+time.Minute), next)

	assert.False(t, s.SetEnabled("unknown", true))
}

func TestRegister_DisabledRule(t *testing.T) {
	s, _ := newTestScheduler(nil)
	rule := intervalRule("poll", time.Minute)
	rule.Enabled = false
	require.NoError(t, s.Register(rule, nil))
	assert.Empty(t, s.Step(epoch.Add(time.Hour)))

	s.Unregister("poll")
	assert.Empty(t, s.Rules())
}

func TestHandleEvent(t *testing.T) {
	s, _ := newTestScheduler(nil)
	require.NoError(t, s.Register(eventRule("by_subject", []string{"deploy.finished"}, nil), nil))
	require.NoError(t, s.Register(eventRule("by_metric", nil, []string{"memory_usage"}), []string{"cpu_usage"}))
	require.NoError(t, s.Register(eventRule("by_field", []string{"unused"}, nil), []string{"srv-1.cpu_usage"}))

	fires := s.HandleEvent(Event{Subject: "deploy.finished"})
	require.Len(t, fires, 1)
	assert.Equal(t, "by_subject", fires[0].RuleID)
	assert.Equal(t, models.TriggerCondition, fires[0].Trigger)

	fires = s.HandleEvent(Event{Target: "srv-1", Metrics: []string{"cpu_usage"}})
	require.Len(t, fires, 1, "explicit metric list wins over condition fields")
	assert.Equal(t, "by_field", fires[0].RuleID)

	fires = s.HandleEvent(Event{Target: "srv-2", Metrics: []string{"memory_usage", "cpu_usage"}})
	require.Len(t, fires, 2)
	assert.Equal(t, "by_field", fires[0].RuleID)
	assert.Equal(t, "by_metric", fires[1].RuleID)
}

func TestRun_DispatchesTicksAndEvents(t *testing.T) {
	var (
		mu    sync.Mutex
		fired []Fire
	)
	got := make(chan struct{}, 16)
	s, clock := newTestScheduler(func(ctx context.Context, f Fire) {
		mu.Lock()
		fired = append(fired, f)
		mu.Unlock()
		got <- struct{}{}
	})
	require.NoError(t, s.Register(intervalRule("poll", time.Minute), nil))
	require.NoError(t, s.Register(eventRule("deploys", []string{"deploy.finished"}, nil), nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.True(t, s.Notify(Event{Subject: "deploy.finished"}))
	waitFor(t, got)

	clock.Set(epoch.Add(time.Minute))
	waitFor(t, got)

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, fired, 2)
	assert.Equal(t, "deploys", fired[0].RuleID)
	assert.Equal(t, "poll", fired[1].RuleID)
}

func TestPause(t *testing.T) {
	calls := make(chan struct{}, 4)
	s, clock := newTestScheduler(func(ctx context.Context, f Fire) { calls <- struct{}{} })
	require.NoError(t, s.Register(intervalRule("poll", time.Minute), nil))

	s.Pause()
	assert.True(t, s.Paused())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	clock.Set(epoch.Add(time.Minute))
	select {
	case <-calls:
		t.Fatal("paused scheduler must not fire")
	case <-time.After(50 * time.Millisecond):
	}

	s.Resume()
	waitFor(t, calls)
}

func TestNotify_QueueFull(t *testing.T) {
	s := New(Config{EventBuffer: 1}, nil, logging.NewDiscardLogger())
	assert.True(t, s.Notify(Event{Subject: "a"}))
	assert.False(t, s.Notify(Event{Subject: "b"}))
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for scheduler")
	}
}
