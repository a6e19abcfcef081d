// filename: internal/automation/service.go
// AutoOps Automation Service

package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/autoops/autoops/internal/automation/dsl"
	"github.com/autoops/autoops/internal/automation/history"
	"github.com/autoops/autoops/internal/common/errors"
	"github.com/autoops/autoops/internal/common/logging"
	"github.com/autoops/autoops/internal/common/nats"
	"github.com/autoops/autoops/internal/models"
)

// Bus is the part of the NATS client the service needs.
type Bus interface {
	Publish(subject string, v interface{}) error
	Subscribe(subject, queue string, handler nats.Handler) error
}

// ServiceConfig configures the automation service around the engine.
type ServiceConfig struct {
	RulesDir     string
	TemplatesDir string
	// Housekeeping is the interval of approval expiry, telemetry purge and pruning.
	Housekeeping time.Duration
	// Retain keeps finished executions in memory for this long.
	Retain          time.Duration
	ShutdownTimeout time.Duration
}

// ExecutionEvent is published on every execution status change.
type ExecutionEvent struct {
	ExecutionID string                 `json:"execution_id"`
	RuleID      string                 `json:"rule_id"`
	RuleName    string                 `json:"rule_name"`
	Status      models.ExecutionStatus `json:"status"`
	Trigger     models.TriggerKind     `json:"trigger"`
	TriggeredBy string                 `json:"triggered_by,omitempty"`
	RollbackOf  string                 `json:"rollback_of,omitempty"`
	Error       string                 `json:"error,omitempty"`
	TS          time.Time              `json:"ts"`
}

// Service represents the automation service
type Service struct {
	config  ServiceConfig
	engine  *Engine
	bus     Bus
	history *history.Sink
	logger  *logging.Logger
}

// NewService creates a new automation service. history may be nil.
func NewService(cfg ServiceConfig, engine *Engine, bus Bus, sink *history.Sink, logger *logging.Logger) *Service {
	if cfg.Housekeeping <= 0 {
		cfg.Housekeeping = 10 * time.Second
	}
	if cfg.Retain <= 0 {
		cfg.Retain = time.Hour
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	s := &Service{
		config:  cfg,
		engine:  engine,
		bus:     bus,
		history: sink,
		logger:  logger,
	}
	engine.Tracker().OnTransition(s.publishTransition)
	if sink != nil {
		engine.Tracker().OnTerminal(sink.Record)
	}
	return s
}

// Engine returns the wrapped rule engine.
func (s *Service) Engine() *Engine {
	return s.engine
}

// Start restores state, loads rule files, subscribes to telemetry and events and
// blocks until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("Starting automation service")

	if err := s.engine.Restore(ctx); err != nil {
		return err
	}
	if err := s.loadTemplates(ctx); err != nil {
		return err
	}
	if err := s.loadRules(ctx); err != nil {
		return err
	}

	if err := s.bus.Subscribe(nats.SubjectTelemetry, "automation", s.handleTelemetry); err != nil {
		return errors.Wrap(err, errors.ErrorCodeNATSSubscribe, "failed to subscribe to telemetry")
	}
	if err := s.bus.Subscribe(nats.SubjectAutomationEvents, "automation", s.handleEvent); err != nil {
		return errors.Wrap(err, errors.ErrorCodeNATSSubscribe, "failed to subscribe to automation events")
	}

	if s.history != nil {
		s.history.Start(context.Background())
	}
	s.engine.Start(ctx)
	go s.housekeeping(ctx)

	<-ctx.Done()
	s.logger.Info("Context cancelled, stopping automation service")
	return s.stop()
}

func (s *Service) stop() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	err := s.engine.Shutdown(shutdownCtx)
	if err != nil {
		s.logger.WithError(err).Warn("Engine shutdown incomplete")
	}
	if s.history != nil {
		s.history.Stop()
	}
	s.logger.Info("Automation service stopped")
	return err
}

// loadRules installs rule files; a rule already restored from storage keeps its stored version.
func (s *Service) loadRules(ctx context.Context) error {
	if s.config.RulesDir == "" {
		return nil
	}
	rules, err := dsl.LoadRulesDir(s.config.RulesDir)
	if err != nil {
		return errors.Wrap(err, errors.ErrorCodeRuleParseFailed, "failed to load rules directory")
	}

	loaded := 0
	for _, rule := range rules {
		if _, err := s.engine.Rule(rule.ID); err == nil {
			s.logger.WithRule(rule.ID, rule.Name).Debug("Rule already stored, file version ignored")
			continue
		}
		if _, err := s.engine.CreateRule(ctx, rule); err != nil {
			s.logger.WithRule(rule.ID, rule.Name).WithError(err).Error("Failed to load rule file")
			continue
		}
		loaded++
	}
	s.logger.WithField("dir", s.config.RulesDir).WithField("loaded", loaded).Info("Rule files loaded")
	return nil
}

func (s *Service) loadTemplates(ctx context.Context) error {
	if s.config.TemplatesDir == "" {
		return nil
	}
	templates, err := dsl.LoadTemplatesDir(s.config.TemplatesDir)
	if err != nil {
		return errors.Wrap(err, errors.ErrorCodeRuleParseFailed, "failed to load templates directory")
	}
	for _, tpl := range templates {
		if err := s.engine.SaveTemplate(ctx, tpl); err != nil {
			s.logger.WithField("template_id", tpl.ID).WithError(err).Error("Failed to load template")
		}
	}
	return nil
}

// handleTelemetry processes telemetry samples from NATS
func (s *Service) handleTelemetry(data []byte) error {
	var sample models.TelemetrySample
	if err := json.Unmarshal(data, &sample); err != nil {
		s.logger.WithError(err).Warn("Dropping malformed telemetry sample")
		return nil
	}
	if err := sample.Validate(); err != nil {
		s.logger.WithError(err).Warn("Dropping invalid telemetry sample")
		return nil
	}
	if sample.TS.IsZero() {
		sample.TS = time.Now().UTC()
	}
	s.engine.HandleSample(&sample, nats.SubjectTelemetry)
	return nil
}

// handleEvent processes external automation events from NATS
func (s *Service) handleEvent(data []byte) error {
	var ev models.AutomationEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		s.logger.WithError(err).Warn("Dropping malformed automation event")
		return nil
	}
	if ev.Subject == "" {
		ev.Subject = nats.SubjectAutomationEvents
	}
	s.engine.HandleEvent(&ev)
	return nil
}

func (s *Service) publishTransition(exec *models.Execution) {
	ev := ExecutionEvent{
		ExecutionID: exec.ID,
		RuleID:      exec.RuleID,
		RuleName:    exec.RuleName,
		Status:      exec.Status,
		Trigger:     exec.Trigger,
		TriggeredBy: exec.TriggeredBy,
		RollbackOf:  exec.RollbackOf,
		Error:       exec.Error,
		TS:          time.Now().UTC(),
	}
	subject := fmt.Sprintf("%s%s", nats.SubjectExecutionPrefix, exec.Status)
	if err := s.bus.Publish(subject, ev); err != nil {
		s.logger.WithExecution(exec.ID, exec.RuleID).WithError(err).Warn("Failed to publish execution event")
	}
}

func (s *Service) housekeeping(ctx context.Context) {
	ticker := time.NewTicker(s.config.Housekeeping)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Housekeep(ctx)
		}
	}
}

// Housekeep expires stale approvals, purges telemetry and prunes finished executions.
func (s *Service) Housekeep(ctx context.Context) {
	expired := s.engine.ExpireApprovals(ctx)
	purged := s.engine.Telemetry().Purge()
	pruned := s.engine.Tracker().Prune(time.Now().Add(-s.config.Retain))
	if len(expired) > 0 || purged > 0 || pruned > 0 {
		s.logger.WithField("expired_approvals", len(expired)).
			WithField("purged_targets", purged).
			WithField("pruned_executions", pruned).
			Debug("Housekeeping completed")
	}
}

// Stats returns engine and history statistics.
func (s *Service) Stats() map[string]interface{} {
	stats := map[string]interface{}{"engine": s.engine.Stats()}
	if s.history != nil {
		stats["history"] = s.history.GetStats()
	}
	return stats
}
