// filename: internal/alerting/service.go
// AutoOps notification service

package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/autoops/autoops/internal/alerting/channels"
	"github.com/autoops/autoops/internal/common/config"
	"github.com/autoops/autoops/internal/common/errors"
	"github.com/autoops/autoops/internal/common/logging"
	"github.com/autoops/autoops/internal/common/nats"
	"github.com/autoops/autoops/internal/models"
)

// SubjectNotifications carries notifications from the engine to a standalone alerting process.
const SubjectNotifications = "automation.notifications"

// Subscriber is the part of the NATS client the service consumes from.
type Subscriber interface {
	Subscribe(subject, queue string, handler nats.Handler) error
}

// Publisher is the part of the NATS client used to forward notifications.
type Publisher interface {
	Publish(subject string, v interface{}) error
}

// Service delivers notifications through the configured channels.
type Service struct {
	router *Router
	logger *logging.Logger

	mu       sync.RWMutex
	channels map[string]channels.Channel
	stats    map[string]int64
}

// NewService creates a service without channels; use Register or NewServiceFromConfig.
func NewService(router *Router, logger *logging.Logger) *Service {
	return &Service{
		router:   router,
		logger:   logger,
		channels: make(map[string]channels.Channel),
		stats:    make(map[string]int64),
	}
}

// NewServiceFromConfig builds the router and every enabled channel from configuration.
func NewServiceFromConfig(cfg config.AlertingConfig, logger *logging.Logger) *Service {
	svc := NewService(NewRouter(&RouterConfig{
		DefaultChannels: cfg.DefaultChannels,
		SuppressTTL:     cfg.SuppressTTL,
	}, logger), logger)

	if cfg.Email.Enabled {
		svc.Register(channels.NewEmailChannel(&channels.EmailConfig{
			SMTPHost:   cfg.Email.SMTPHost,
			SMTPPort:   cfg.Email.SMTPPort,
			Username:   cfg.Email.Username,
			Password:   cfg.Email.Password,
			From:       cfg.Email.From,
			To:         cfg.Email.To,
			MaxRetries: 2,
		}, logger))
	}
	if cfg.Telegram.Enabled {
		svc.Register(channels.NewTelegramChannel(&channels.TelegramConfig{
			BotToken:   cfg.Telegram.BotToken,
			ChatID:     cfg.Telegram.ChatID,
			APIURL:     cfg.Telegram.APIURL,
			ParseMode:  "HTML",
			MaxRetries: 2,
		}, logger))
	}
	if cfg.Webhook.Enabled {
		svc.Register(channels.NewWebhookChannel(&channels.WebhookConfig{
			URL:        cfg.Webhook.URL,
			Headers:    cfg.Webhook.Headers,
			Timeout:    cfg.Webhook.Timeout,
			MaxRetries: 2,
		}, logger))
	}
	for _, route := range cfg.Routes {
		if err := svc.router.AddRoute(Route{
			ID:          route.ID,
			Name:        route.ID,
			Enabled:     true,
			Priority:    route.Priority,
			Severities:  route.Severities,
			Categories:  route.Categories,
			RuleIDs:     route.RuleIDs,
			Channels:    route.Channels,
			SuppressTTL: route.SuppressTTL,
		}); err != nil {
			logger.WithError(err).Warn("Notification route skipped")
		}
	}
	return svc
}

// Register adds or replaces a channel under its type name.
func (s *Service) Register(ch channels.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[ch.GetType()] = ch
}

// Router exposes the routing table.
func (s *Service) Router() *Router {
	return s.router
}

// Notify delivers n to every resolved channel. Delivery continues past a failing channel;
// the returned error aggregates all failures.
func (s *Service) Notify(ctx context.Context, n *models.Notification) error {
	log := s.logger.WithField("notification_id", n.ID).WithField("rule_id", n.RuleID)

	if s.router.Suppressed(n) {
		s.count("suppressed")
		return nil
	}

	names := s.router.Channels(n)
	if len(names) == 0 {
		log.Warn("No channels configured for notification")
		s.count("unrouted")
		return nil
	}

	var errs []error
	for _, name := range names {
		s.mu.RLock()
		ch, ok := s.channels[name]
		s.mu.RUnlock()
		if !ok {
			errs = append(errs, errors.New(errors.ErrorCodeChannelUnknown, fmt.Sprintf("channel %q is not configured", name)))
			continue
		}
		if err := ch.Send(ctx, n); err != nil {
			log.WithField("channel", name).WithError(err).Error("Failed to deliver notification")
			s.count("failed")
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		s.count("sent")
		log.WithField("channel", name).Info("Notification delivered")
	}

	if agg := errors.AggregateErrors(errors.ErrorCodeNotificationFailed, errs); agg != nil {
		return agg
	}
	return nil
}

func (s *Service) count(key string) {
	s.mu.Lock()
	s.stats[key]++
	s.mu.Unlock()
}

// Start consumes notifications published by engines until ctx is cancelled.
func (s *Service) Start(ctx context.Context, sub Subscriber) error {
	s.logger.Info("Starting alerting service")

	err := sub.Subscribe(SubjectNotifications, "alerting", func(data []byte) error {
		return s.handleNotification(ctx, data)
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorCodeNATSSubscribe, "failed to subscribe to notifications")
	}

	<-ctx.Done()
	s.logger.Info("Alerting service stopped")
	return nil
}

func (s *Service) handleNotification(ctx context.Context, data []byte) error {
	var n models.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		// Malformed payloads are acknowledged; redelivery would not fix them.
		s.logger.WithError(err).Warn("Dropping malformed notification")
		return nil
	}
	if err := s.Notify(ctx, &n); err != nil && !errors.IsErrorCode(err, errors.ErrorCodeChannelUnknown) {
		return err
	}
	return nil
}

// Stats returns delivery counters and the list of channels.
func (s *Service) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.channels))
	for name := range s.channels {
		names = append(names, name)
	}
	sort.Strings(names)

	counters := make(map[string]int64, len(s.stats))
	for k, v := range s.stats {
		counters[k] = v
	}
	return map[string]interface{}{
		"channels": names,
		"counters": counters,
		"router":   s.router.GetRouterStats(),
	}
}

// RemoteNotifier forwards notifications over NATS to a standalone alerting service.
type RemoteNotifier struct {
	pub Publisher
}

// NewRemoteNotifier creates a notifier publishing on SubjectNotifications.
func NewRemoteNotifier(pub Publisher) *RemoteNotifier {
	return &RemoteNotifier{pub: pub}
}

// Notify publishes n; delivery happens in the alerting process.
func (r *RemoteNotifier) Notify(ctx context.Context, n *models.Notification) error {
	if err := r.pub.Publish(SubjectNotifications, n); err != nil {
		return errors.Wrap(err, errors.ErrorCodeNATSPublish, "failed to publish notification")
	}
	return nil
}
