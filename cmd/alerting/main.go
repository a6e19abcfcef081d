// filename: cmd/alerting/main.go
// AutoOps Alerting Service - Entry Point

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/autoops/autoops/internal/alerting"
	"github.com/autoops/autoops/internal/common/config"
	"github.com/autoops/autoops/internal/common/logging"
	"github.com/autoops/autoops/internal/common/nats"
)

var configPath = flag.String("config", "configs/alerting.yml", "Path to configuration file")

func main() {
	flag.Parse()

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

	logger.Info("Starting AutoOps Alerting Service")

	// Initialize NATS client
	natsCfg := cfg.NATS
	natsCfg.ClientID += "-alerting"
	natsClient, err := nats.NewClient(natsCfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize NATS client")
	}
	defer natsClient.Close()

	// Create alerting service
	alertingService := alerting.NewServiceFromConfig(cfg.Alerting, logger)

	// Start service
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := alertingService.Start(ctx, natsClient); err != nil {
			logger.WithError(err).Error("Alerting service error")
			cancel()
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	logger.Info("Shutting down AutoOps Alerting Service")
	cancel()
	<-done
	logger.WithFields(logging.Fields(alertingService.Stats())).Info("Alerting service stats")
}
