// filename: cmd/ingest/main.go
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

	"github.com/autoops/autoops/internal/common/config"
	"github.com/autoops/autoops/internal/common/logging"
	"github.com/autoops/autoops/internal/common/nats"
	"github.com/autoops/autoops/internal/ingest/server"
)

var (
	configPath = flag.String("config", "configs/ingest.yml", "Path to configuration file")
	version    = "1.0.0"
)

func main() {
	flag.Parse()

	// Выводим версию
	fmt.Printf("AutoOps Ingest Service v%s\n", version)

	// Загружаем конфигурацию
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Инициализируем логгер
	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	logger.Info("Starting AutoOps Ingest Service")

	// Инициализируем NATS клиент
	natsCfg := cfg.NATS
	natsCfg.ClientID += "-ingest"
	natsClient, err := nats.NewClient(natsCfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize NATS client")
	}
	defer natsClient.Close()

	// Создаем HTTP сервер
	srv := server.NewServer(cfg, natsClient, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Ожидаем сигнал завершения
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("Shutting down AutoOps Ingest Service")
	case err := <-errCh:
		if err != nil {
			logger.WithError(err).Fatal("Ingest server failed")
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		logger.WithError(err).Error("Failed to stop server gracefully")
	}

	logger.WithFields(logging.Fields(srv.Stats())).Info("AutoOps Ingest Service stopped")
}
