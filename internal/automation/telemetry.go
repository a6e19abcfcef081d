// filename: internal/automation/telemetry.go
package automation

import (
	"sort"
	"sync"
	"time"

	"github.com/autoops/autoops/internal/automation/dsl"
	"github.com/autoops/autoops/internal/models"
)

type targetMetrics struct {
	ts      time.Time
	metrics map[string]interface{}
	seen    map[string]time.Time
}

// Telemetry последние значения метрик по целям, из которых строится снимок состояния // v1.0
type Telemetry struct {
	mu      sync.RWMutex
	targets map[string]*targetMetrics
	ttl     time.Duration
	now     func() time.Time
}

// NewTelemetry создает кэш телеметрии; ttl <= 0 отключает устаревание // v1.0
func NewTelemetry(ttl time.Duration) *Telemetry {
	return &Telemetry{
		targets: make(map[string]*targetMetrics),
		ttl:     ttl,
		now:     time.Now,
	}
}

// SetClock подменяет источник времени // v1.0
func (t *Telemetry) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// Apply сливает образец с уже известными метриками цели; каждая метрика хранит время своего значения // v1.0
func (t *Telemetry) Apply(sample *models.TelemetrySample) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tm, ok := t.targets[sample.Target]
	if !ok {
		tm = &targetMetrics{metrics: make(map[string]interface{}), seen: make(map[string]time.Time)}
		t.targets[sample.Target] = tm
	}
	ts := sample.TS
	if ts.IsZero() {
		ts = t.now()
	}
	if ts.After(tm.ts) {
		tm.ts = ts
	}
	for k, v := range sample.Metrics {
		// Запоздавший образец не затирает более свежее значение
		if prev, ok := tm.seen[k]; ok && ts.Before(prev) {
			continue
		}
		tm.metrics[k] = v
		tm.seen[k] = ts
	}
}

// Snapshot строит плоский снимок: ключи "цель.метрика" для всех целей и простые
// ключи "метрика" от самой свежей цели. Если focus задан, простые ключи берутся от нее. // v1.0
func (t *Telemetry) Snapshot(focus string) dsl.Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	type fresh struct {
		id string
		tm *targetMetrics
	}
	var live []fresh
	for id, tm := range t.targets {
		if t.ttl > 0 && now.Sub(tm.ts) > t.ttl {
			continue
		}
		live = append(live, fresh{id: id, tm: tm})
	}
	// Старые первыми, чтобы свежие перезаписали простые ключи
	sort.Slice(live, func(i, j int) bool {
		if !live[i].tm.ts.Equal(live[j].tm.ts) {
			return live[i].tm.ts.Before(live[j].tm.ts)
		}
		return live[i].id < live[j].id
	})

	snap := make(dsl.Snapshot)
	var focused *targetMetrics
	for _, f := range live {
		for k, v := range f.tm.metrics {
			snap[f.id+"."+k] = v
			snap[k] = v
		}
		if f.id == focus {
			focused = f.tm
		}
	}
	if focused != nil {
		for k, v := range focused.metrics {
			snap[k] = v
		}
	}
	return snap
}

// Targets возвращает цели, по которым есть данные // v1.0
func (t *Telemetry) Targets() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.targets))
	for id := range t.targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Purge удаляет цели без данных дольше ttl // v1.0
func (t *Telemetry) Purge() int {
	if t.ttl <= 0 {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	n := 0
	for id, tm := range t.targets {
		if now.Sub(tm.ts) > t.ttl {
			delete(t.targets, id)
			n++
		}
	}
	return n
}
