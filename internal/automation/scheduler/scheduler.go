// filename: internal/automation/scheduler/scheduler.go
package scheduler

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/autoops/autoops/internal/automation/dsl"
	"github.com/autoops/autoops/internal/common/errors"
	"github.com/autoops/autoops/internal/common/logging"
	"github.com/autoops/autoops/internal/models"
)

// Clock источник времени планировщика
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Event уведомление о событии или свежей телеметрии // v1.0
type Event struct {
	Subject string
	Target  string
	Metrics []string
	Data    map[string]interface{}
}

// Fire решение планировщика оценить правило // v1.0
type Fire struct {
	RuleID  string
	Trigger models.TriggerKind
	At      time.Time
	Event   *Event
}

// Handler получает срабатывания; вызывается из цикла планировщика
type Handler func(ctx context.Context, fire Fire)

// Config настройки планировщика
type Config struct {
	TickInterval time.Duration
	Timezone     string
	EventBuffer  int
}

type entry struct {
	ruleID   string
	schedule models.Schedule
	cron     cron.Schedule
	fields   []string
	enabled  bool
	next     time.Time
}

// Scheduler единый цикл: тики времени и события приходят сообщениями в канал // v1.0
type Scheduler struct {
	mu      sync.Mutex
	entries map[string]*entry

	clock   Clock
	handler Handler
	config  Config
	logger  *logging.Logger

	events chan Event
	paused atomic.Bool
}

// New создает планировщик // v1.0
func New(config Config, handler Handler, logger *logging.Logger) *Scheduler {
	if config.TickInterval <= 0 {
		config.TickInterval = time.Second
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = 1024
	}
	return &Scheduler{
		entries: make(map[string]*entry),
		clock:   realClock{},
		handler: handler,
		config:  config,
		logger:  logger,
		events:  make(chan Event, config.EventBuffer),
	}
}

// SetClock подменяет часы; используется в тестах // v1.0
func (s *Scheduler) SetClock(clock Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

// Register добавляет или заменяет расписание правила // v1.0
func (s *Scheduler) Register(rule *models.Rule, fields []string) error {
	e := &entry{
		ruleID:   rule.ID,
		schedule: rule.Clone().Schedule,
		fields:   append([]string(nil), fields...),
		enabled:  rule.Enabled && rule.Schedule.Enabled,
	}

	if e.schedule.Type == models.ScheduleCron {
		tz := e.schedule.Cron.Timezone
		if tz == "" {
			tz = s.config.Timezone
		}
		sched, err := dsl.ParseCron(e.schedule.Cron.Expression, tz)
		if err != nil {
			return errors.Wrap(err, errors.ErrorCodeRuleInvalid, "invalid cron schedule").AddDetail("rule_id", rule.ID)
		}
		e.cron = sched
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e.enabled {
		e.next = e.nextAfter(s.clock.Now())
	}
	s.entries[rule.ID] = e

	s.logger.WithRule(rule.ID, rule.Name).
		WithField("schedule", e.schedule.Type).
		WithField("enabled", e.enabled).
		Debug("Rule schedule registered")
	return nil
}

// Unregister убирает правило из планировщика // v1.0
func (s *Scheduler) Unregister(ruleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, ruleID)
}

// SetEnabled включает или выключает срабатывания; определение расписания сохраняется // v1.0
func (s *Scheduler) SetEnabled(ruleID string, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[ruleID]
	if !ok {
		return false
	}
	if e.enabled == enabled {
		return true
	}
	e.enabled = enabled
	if enabled {
		e.next = e.nextAfter(s.clock.Now())
	} else {
		e.next = time.Time{}
	}
	return true
}

// Disable останавливает новые срабатывания правила // v1.0
func (s *Scheduler) Disable(ruleID string) bool {
	return s.SetEnabled(ruleID, false)
}

// NextExecution время следующего срабатывания по времени // v1.0
func (s *Scheduler) NextExecution(ruleID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[ruleID]
	if !ok || e.next.IsZero() {
		return time.Time{}, false
	}
	return e.next, true
}

// Pause приостанавливает обработку тиков и событий // v1.0
func (s *Scheduler) Pause() { s.paused.Store(true) }

// Resume возобновляет обработку // v1.0
func (s *Scheduler) Resume() { s.paused.Store(false) }

// Paused сообщает, приостановлен ли планировщик
func (s *Scheduler) Paused() bool { return s.paused.Load() }

// Notify ставит событие в очередь цикла; false, если очередь переполнена // v1.0
func (s *Scheduler) Notify(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	default:
		s.logger.WithField("subject", ev.Subject).Warn("Scheduler event queue is full, event dropped")
		return false
	}
}

// Run крутит цикл до отмены ctx // v1.0
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	s.logger.WithField("tick_interval", s.config.TickInterval).Info("Scheduler started")
	defer s.logger.Info("Scheduler stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.Paused() {
				continue
			}
			s.dispatch(ctx, s.Step(s.now()))
		case ev := <-s.events:
			if s.Paused() {
				s.logger.WithField("subject", ev.Subject).Debug("Scheduler paused, event ignored")
				continue
			}
			s.dispatch(ctx, s.HandleEvent(ev))
		}
	}
}

func (s *Scheduler) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock.Now()
}

func (s *Scheduler) dispatch(ctx context.Context, fires []Fire) {
	if s.handler == nil {
		return
	}
	for _, f := range fires {
		s.handler(ctx, f)
	}
}

// Step возвращает правила, чье время наступило к now, и сдвигает их следующее время.
// Пропущенные периоды не наверстываются: одно срабатывание на шаг. // v1.0
func (s *Scheduler) Step(now time.Time) []Fire {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fires []Fire
	for _, e := range s.entries {
		if !e.enabled || e.next.IsZero() || e.next.After(now) {
			continue
		}
		fires = append(fires, Fire{RuleID: e.ruleID, Trigger: models.TriggerSchedule, At: e.next})
		e.next = e.nextAfter(now)
	}
	sortFires(fires)
	return fires
}

// HandleEvent подбирает правила с событийным расписанием, подходящие под событие // v1.0
func (s *Scheduler) HandleEvent(ev Event) []Fire {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var fires []Fire
	for _, e := range s.entries {
		if !e.enabled || e.schedule.Type != models.ScheduleEvent || e.schedule.Event == nil {
			continue
		}
		if e.matches(ev) {
			evCopy := ev
			fires = append(fires, Fire{RuleID: e.ruleID, Trigger: models.TriggerCondition, At: now, Event: &evCopy})
		}
	}
	sortFires(fires)
	return fires
}

// Rules возвращает идентификаторы зарегистрированных правил // v1.0
func (s *Scheduler) Rules() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortFires(fires []Fire) {
	sort.Slice(fires, func(i, j int) bool { return fires[i].RuleID < fires[j].RuleID })
}

func (e *entry) nextAfter(now time.Time) time.Time {
	switch e.schedule.Type {
	case models.ScheduleCron:
		return e.cron.Next(now)
	case models.ScheduleInterval:
		return now.Add(e.schedule.Interval.Every)
	}
	return time.Time{}
}

// matches: субъект из списка, метрика из списка, либо метрика из условий,
// если список метрик не задан
func (e *entry) matches(ev Event) bool {
	sched := e.schedule.Event
	if ev.Subject != "" {
		for _, subj := range sched.Subjects {
			if subj == ev.Subject {
				return true
			}
		}
	}
	for _, metric := range ev.Metrics {
		if len(sched.Metrics) > 0 {
			for _, m := range sched.Metrics {
				if m == metric {
					return true
				}
			}
			continue
		}
		for _, f := range e.fields {
			if f == metric || (ev.Target != "" && f == ev.Target+"."+metric) || hasSuffix(f, metric) {
				return true
			}
		}
	}
	return false
}

func hasSuffix(path, field string) bool {
	return len(path) > len(field) && path[len(path)-len(field)-1] == '.' && path[len(path)-len(field):] == field
}
