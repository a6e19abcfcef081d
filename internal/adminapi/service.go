// internal/adminapi/service.go
// AutoOps Admin API Service

package adminapi

import (
	"context"
	"net/http"
	"time"

	"github.com/autoops/autoops/internal/adminapi/routes"
	"github.com/autoops/autoops/internal/adminapi/server"
	"github.com/autoops/autoops/internal/automation"
	"github.com/autoops/autoops/internal/common/config"
	"github.com/autoops/autoops/internal/common/logging"
	"github.com/autoops/autoops/internal/configmgmt"
)

// Deps are the components the API exposes. Configs and Notifier are optional.
type Deps struct {
	Engine   *automation.Engine
	Configs  *configmgmt.Manager
	Notifier routes.Notifier
	Checks   map[string]routes.CheckFunc
	Stats    map[string]func() map[string]interface{}
}

// Service represents the admin API service
type Service struct {
	logger *logging.Logger
	server *server.Server
}

// NewService creates a new admin API service
func NewService(cfg *config.Config, deps Deps, version string, logger *logging.Logger) *Service {
	health := routes.NewHealthHandler(logger, version)
	for name, check := range deps.Checks {
		health.AddCheck(name, check)
	}
	for name, stats := range deps.Stats {
		health.AddStats(name, stats)
	}

	handlers := server.Handlers{
		Health:     health,
		Rules:      routes.NewRulesHandler(logger, deps.Engine),
		Executions: routes.NewExecutionsHandler(logger, deps.Engine),
		Templates:  routes.NewTemplatesHandler(logger, deps.Engine),
	}
	if deps.Configs != nil {
		handlers.Configs = routes.NewConfigsHandler(logger, deps.Configs)
	}
	if deps.Notifier != nil {
		handlers.Notifications = routes.NewNotificationsHandler(logger, deps.Notifier)
	}

	opts := server.Options{
		Server: cfg.Server,
		TLS:    cfg.TLS,
		Auth:   cfg.Auth,
		Debug:  cfg.Logging.Level == "debug",
	}
	return &Service{
		logger: logger,
		server: server.NewServer(opts, handlers, logger),
	}
}

// Handler returns the HTTP handler, used by tests.
func (s *Service) Handler() http.Handler {
	return s.server.GetRouter()
}

// Start serves the API until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("Context cancelled, stopping admin API")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.server.Stop(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
