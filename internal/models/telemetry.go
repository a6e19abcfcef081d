// filename: internal/models/telemetry.go
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TelemetrySample набор метрик одной цели на момент времени // v1.0
type TelemetrySample struct {
	Target  string                 `json:"target"`
	TS      time.Time              `json:"ts"`
	Metrics map[string]interface{} `json:"metrics"`
	Labels  map[string]string      `json:"labels,omitempty"`
}

// AutomationEvent внешнее событие, которое может запустить правила // v1.0
type AutomationEvent struct {
	Subject string                 `json:"subject"`
	Target  string                 `json:"target,omitempty"`
	TS      time.Time              `json:"ts"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// NewSampleFromNDJSON разбирает строку NDJSON в образец телеметрии // v1.0
func NewSampleFromNDJSON(line string) (*TelemetrySample, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, fmt.Errorf("empty NDJSON line")
	}

	var sample TelemetrySample
	if err := json.Unmarshal([]byte(line), &sample); err != nil {
		return nil, fmt.Errorf("failed to parse NDJSON: %w", err)
	}

	if err := sample.Validate(); err != nil {
		return nil, err
	}

	if sample.TS.IsZero() {
		sample.TS = time.Now().UTC()
	}

	return &sample, nil
}

// Validate проверяет обязательные поля // v1.0
func (s *TelemetrySample) Validate() error {
	if s.Target == "" {
		return fmt.Errorf("target is required")
	}
	if len(s.Metrics) == 0 {
		return fmt.Errorf("at least one metric is required")
	}
	for name := range s.Metrics {
		if name == "" || strings.ContainsAny(name, " \t") {
			return fmt.Errorf("invalid metric name %q", name)
		}
	}
	return nil
}

// MetricNames возвращает имена метрик образца // v1.0
func (s *TelemetrySample) MetricNames() []string {
	names := make([]string, 0, len(s.Metrics))
	for name := range s.Metrics {
		names = append(names, name)
	}
	return names
}
