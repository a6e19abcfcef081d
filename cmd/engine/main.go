// filename: cmd/engine/main.go
// AutoOps Automation Engine - Entry Point

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/autoops/autoops/internal/adminapi"
	"github.com/autoops/autoops/internal/adminapi/routes"
	"github.com/autoops/autoops/internal/alerting"
	"github.com/autoops/autoops/internal/automation"
	"github.com/autoops/autoops/internal/automation/dsl"
	"github.com/autoops/autoops/internal/automation/executor"
	"github.com/autoops/autoops/internal/automation/history"
	"github.com/autoops/autoops/internal/automation/rulestore"
	"github.com/autoops/autoops/internal/automation/scheduler"
	"github.com/autoops/autoops/internal/automation/state"
	"github.com/autoops/autoops/internal/automation/tracker"
	"github.com/autoops/autoops/internal/common/ch"
	"github.com/autoops/autoops/internal/common/config"
	"github.com/autoops/autoops/internal/common/logging"
	"github.com/autoops/autoops/internal/common/nats"
	"github.com/autoops/autoops/internal/common/pg"
	"github.com/autoops/autoops/internal/configmgmt"
	"github.com/autoops/autoops/internal/models"
)

var (
	configPath = flag.String("config", "configs/engine.yml", "Path to configuration file")
	version    = "1.0.0"
)

// notifier is what both the local alerting service and the remote forwarder provide.
type notifier interface {
	Notify(ctx context.Context, n *models.Notification) error
}

func main() {
	flag.Parse()

	fmt.Printf("AutoOps Automation Engine v%s\n", version)

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	logger.Info("Starting AutoOps Automation Engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize NATS client
	natsClient, err := nats.NewClient(cfg.NATS, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize NATS client")
	}
	defer natsClient.Close()

	checks := map[string]routes.CheckFunc{
		"nats": func(context.Context) error {
			if !natsClient.IsConnected() {
				return fmt.Errorf("not connected")
			}
			return nil
		},
	}
	stats := map[string]func() map[string]interface{}{
		"nats": natsClient.GetConnectionInfo,
	}

	// Storage: PostgreSQL when enabled, otherwise in-memory
	var (
		rules     rulestore.Store
		templates rulestore.TemplateStore
		execRepo  tracker.Repository
		configs   configmgmt.Store
	)
	if cfg.PostgreSQL.Enabled {
		pgClient, err := pg.NewClient(cfg.PostgreSQL)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to PostgreSQL")
		}
		defer pgClient.Close()

		ruleStore, err := rulestore.NewPostgresStore(ctx, pgClient)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize rule store")
		}
		rules, templates = ruleStore, ruleStore

		if execRepo, err = tracker.NewPostgresRepository(ctx, pgClient); err != nil {
			logger.WithError(err).Fatal("Failed to initialize execution repository")
		}
		if configs, err = configmgmt.NewPostgresStore(ctx, pgClient); err != nil {
			logger.WithError(err).Fatal("Failed to initialize config store")
		}
		checks["postgresql"] = pgClient.Ping
	} else {
		memStore := rulestore.NewMemoryStore()
		rules, templates = memStore, memStore
		execRepo = tracker.NewMemoryRepository()
		configs = configmgmt.NewMemoryStore()
		logger.Warn("PostgreSQL disabled, rules and executions are kept in memory")
	}

	// Condition state: Redis when enabled
	var conditions state.Store = state.NewMemoryStore()
	if cfg.Redis.Enabled {
		redisStore, err := state.NewRedisStore(cfg.Redis)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer redisStore.Close()
		conditions = redisStore
		stats["condition_state"] = redisStore.Stats
	}

	// Notifications: delivered in-process or forwarded to the alerting service
	var notify notifier
	switch cfg.Alerting.Mode {
	case "nats":
		notify = alerting.NewRemoteNotifier(natsClient)
	default:
		alertingService := alerting.NewServiceFromConfig(cfg.Alerting, logger)
		stats["alerting"] = alertingService.Stats
		notify = alertingService
	}

	// Operation backend
	local := executor.NewLocalBackend(notify, cfg.Executor.ScriptsDir, logger)
	var backend executor.Backend = local
	if cfg.Executor.Backend != "local" {
		backend = executor.NewMux(executor.NewNATSBackend(natsClient)).Handle(local, local.Types()...)
	}

	execTracker := tracker.New(execRepo, logger)
	engine := automation.NewEngine(automation.Config{
		MaxPending:      cfg.Engine.MaxPending,
		ApprovalTimeout: cfg.Engine.ApprovalTimeout,
		Scheduler: scheduler.Config{
			TickInterval: cfg.Scheduler.TickInterval,
			Timezone:     cfg.Scheduler.Timezone,
			EventBuffer:  cfg.Scheduler.EventBuffer,
		},
	}, automation.Deps{
		Rules:     rules,
		Templates: templates,
		Tracker:   execTracker,
		Executor: executor.New(backend, execTracker, executor.Config{
			MaxParallelTargets: cfg.Executor.MaxParallelTargets,
			DefaultTimeout:     cfg.Executor.DefaultTimeout,
		}, logger),
		Evaluator: dsl.NewEvaluator(conditions, logger),
		Notifier:  notify,
		Telemetry: automation.NewTelemetry(cfg.Engine.SnapshotTTL),
	}, logger)

	// Execution history in ClickHouse
	var sink *history.Sink
	if cfg.ClickHouse.Enabled {
		chClient, err := ch.NewClient(cfg.ClickHouse)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to ClickHouse")
		}
		defer chClient.Close()

		if err := chClient.EnsureSchema(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to prepare ClickHouse schema")
		}
		sink = history.NewSink(history.Config{}, chClient, logger)
		checks["clickhouse"] = chClient.Ping
	}

	automationService := automation.NewService(automation.ServiceConfig{
		RulesDir:     cfg.Engine.RulesDir,
		TemplatesDir: cfg.Engine.TemplatesDir,
	}, engine, natsClient, sink, logger)
	stats["automation"] = automationService.Stats

	adminService := adminapi.NewService(cfg, adminapi.Deps{
		Engine:   engine,
		Configs:  configmgmt.NewManager(configs, backend, logger),
		Notifier: notify,
		Checks:   checks,
		Stats:    stats,
	}, version, logger)

	errCh := make(chan error, 2)
	go func() {
		errCh <- automationService.Start(ctx)
	}()
	go func() {
		errCh <- adminService.Start(ctx)
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	running := 2
	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("Shutting down AutoOps Automation Engine")
	case err := <-errCh:
		running--
		if err != nil {
			logger.WithError(err).Error("Service error")
		}
	}
	cancel()

	// Both services stop on ctx; wait for them to drain.
	deadline := time.After(45 * time.Second)
	for ; running > 0; running-- {
		select {
		case err := <-errCh:
			if err != nil {
				logger.WithError(err).Warn("Service stopped with error")
			}
		case <-deadline:
			logger.Warn("Shutdown timed out")
			return
		}
	}
	logger.Info("AutoOps Automation Engine stopped")
}
