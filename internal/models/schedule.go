// filename: internal/models/schedule.go
package models

import (
	"fmt"
	"time"
)

// ScheduleType дискриминант варианта расписания
type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
	ScheduleEvent    ScheduleType = "event"
	ScheduleManual   ScheduleType = "manual"
)

// Schedule описывает, когда правило оценивается; активен ровно один вариант // v1.0
type Schedule struct {
	Type     ScheduleType      `json:"type" yaml:"type"`
	Enabled  bool              `json:"enabled" yaml:"enabled"`
	Cron     *CronSchedule     `json:"cron,omitempty" yaml:"cron"`
	Interval *IntervalSchedule `json:"interval,omitempty" yaml:"interval"`
	Event    *EventSchedule    `json:"event,omitempty" yaml:"event"`
}

// CronSchedule cron-выражение с часовым поясом
type CronSchedule struct {
	Expression string `json:"expression" yaml:"expression"`
	Timezone   string `json:"timezone,omitempty" yaml:"timezone"`
}

// IntervalSchedule фиксированный интервал
type IntervalSchedule struct {
	Every time.Duration `json:"every" yaml:"every"`
}

// EventSchedule срабатывание по событиям и изменению метрик
type EventSchedule struct {
	Subjects []string `json:"subjects,omitempty" yaml:"subjects"`
	Metrics  []string `json:"metrics,omitempty" yaml:"metrics"`
}

// Validate проверяет, что активен ровно тот вариант, что указан в Type // v1.0
func (s Schedule) Validate() error {
	variants := 0
	if s.Cron != nil {
		variants++
	}
	if s.Interval != nil {
		variants++
	}
	if s.Event != nil {
		variants++
	}

	switch s.Type {
	case ScheduleManual:
		if variants != 0 {
			return fmt.Errorf("manual schedule must not carry cron, interval or event settings")
		}
	case ScheduleCron:
		if s.Cron == nil || variants != 1 {
			return fmt.Errorf("cron schedule requires exactly the cron variant")
		}
		if s.Cron.Expression == "" {
			return fmt.Errorf("cron expression is required")
		}
	case ScheduleInterval:
		if s.Interval == nil || variants != 1 {
			return fmt.Errorf("interval schedule requires exactly the interval variant")
		}
		if s.Interval.Every <= 0 {
			return fmt.Errorf("interval must be positive")
		}
	case ScheduleEvent:
		if s.Event == nil || variants != 1 {
			return fmt.Errorf("event schedule requires exactly the event variant")
		}
		if len(s.Event.Subjects) == 0 && len(s.Event.Metrics) == 0 {
			return fmt.Errorf("event schedule requires at least one subject or metric")
		}
	default:
		return fmt.Errorf("unknown schedule type: %q", s.Type)
	}
	return nil
}

func (s Schedule) clone() Schedule {
	out := Schedule{Type: s.Type, Enabled: s.Enabled}
	if s.Cron != nil {
		c := *s.Cron
		out.Cron = &c
	}
	if s.Interval != nil {
		i := *s.Interval
		out.Interval = &i
	}
	if s.Event != nil {
		out.Event = &EventSchedule{
			Subjects: append([]string(nil), s.Event.Subjects...),
			Metrics:  append([]string(nil), s.Event.Metrics...),
		}
	}
	return out
}
