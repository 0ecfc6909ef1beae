package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ecgmon/config"
	"ecgmon/log"
	"ecgmon/services"

	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.GetInstance().Fatal("Failed to load config", zap.Error(err))
	}

	// Initialize structured logger
	if err := log.Init(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.GetInstance().Fatal("Failed to initialize logger", zap.Error(err))
	}
	logger := log.GetInstance()
	defer logger.Sync()

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		logger.Fatal("Failed to load timezone", zap.String("timezone", cfg.Timezone), zap.Error(err))
	}
	time.Local = loc

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	var store services.Store
	switch cfg.StorageBackend {
	case config.StorageMemory:
		logger.Warn("Using in-memory storage, recordings are lost on restart")
		store = services.NewMemoryStore()
	default:
		firebaseStore, err := services.NewFirebaseStore(ctx, cfg, logger.Named("firebase"))
		if err != nil {
			logger.Fatal("Failed to initialize Firebase store", zap.Error(err))
		}
		store = firebaseStore
	}

	metrics := services.NewMetrics("ecgmon")

	// Initialize alert channels
	var notifiers []services.Notifier
	var telegramService *services.TelegramService
	if cfg.TelegramEnabled() {
		telegramService, err = services.NewTelegramService(cfg, logger.Named("telegram"))
		if err != nil {
			logger.Fatal("Failed to initialize Telegram service", zap.Error(err))
		}
		notifiers = append(notifiers, telegramService)
	}
	if cfg.AlertWebhookURL != "" {
		notifiers = append(notifiers, services.NewWebhookNotifier(logger.Named("webhook"), cfg.AlertWebhookURL))
		logger.Info("Webhook alerts enabled", zap.String("url", cfg.AlertWebhookURL))
	}
	dispatcher := services.NewAlertDispatcher(notifiers, cfg.AlertThrottle, metrics, nil, logger.Named("alerts"))

	opts := []services.Option{services.WithAlertDispatcher(dispatcher)}

	var publisher *services.LiveStatePublisher
	if cfg.RedisAddr != "" {
		publisher = services.NewLiveStatePublisher(cfg, logger.Named("redis"))
		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		if err := publisher.Ping(pingCtx); err != nil {
			logger.Warn("Redis not reachable, live state writes will fail until it is",
				zap.String("addr", cfg.RedisAddr),
				zap.Error(err))
		}
		pingCancel()
		opts = append(opts, services.WithLiveStatePublisher(publisher))
	}

	pipeline, err := services.NewPipeline(cfg, store, metrics, logger.Named("pipeline"), opts...)
	if err != nil {
		logger.Fatal("Failed to build pipeline", zap.Error(err))
	}

	// Initialize transport
	var transport services.Transport
	switch cfg.Transport {
	case config.TransportAMQP:
		transport = services.NewRabbitMQTransport(cfg, pipeline.Route, logger.Named("amqp"))
	default:
		transport = services.NewMQTTTransport(cfg, pipeline.Route, logger.Named("mqtt"))
	}
	pipeline.SetTransport(transport)

	pipelineDone := make(chan struct{})
	go func() {
		pipeline.Run(ctx)
		close(pipelineDone)
	}()

	api := services.NewAPIServer(cfg.HTTPAddr, pipeline, metrics, logger.Named("api"))
	if err := api.Start(ctx); err != nil {
		logger.Fatal("Failed to start HTTP API", zap.Error(err))
	}

	if err := transport.Start(ctx); err != nil {
		logger.Fatal("Failed to start transport", zap.String("transport", cfg.Transport), zap.Error(err))
	}

	if telegramService != nil {
		if err := telegramService.SendStartupMessage(); err != nil {
			logger.Warn("Failed to send startup message", zap.Error(err))
		}
	}

	logger.Info("ECG monitoring service started",
		zap.String("transport", cfg.Transport),
		zap.String("storage", cfg.StorageBackend),
		zap.String("telemetry_topic", cfg.TelemetryTopic),
		zap.String("status_topic", cfg.StatusTopic),
		zap.Int("display_capacity", cfg.DisplayCapacity),
		zap.Duration("flush_interval", cfg.FlushInterval),
		zap.Duration("offline_threshold", cfg.OfflineThreshold),
		zap.Int("notifiers", len(notifiers)),
	)

	// Set up graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Channel to signal when cleanup is complete
	cleanupDone := make(chan bool, 1)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, stopping services")

		// Stop intake first so nothing arrives while recordings are closed
		if err := transport.Close(); err != nil {
			logger.Error("Error closing transport", zap.Error(err))
		}

		cancel()

		select {
		case <-cleanupDone:
			logger.Info("Cleanup completed successfully")
		case <-time.After(10 * time.Second):
			logger.Warn("Cleanup timeout, forcing exit")
		}

		logger.Info("ECG monitoring service stopped")
		os.Exit(0)
	}()

	// Wait for shutdown signal
	<-ctx.Done()

	// Pipeline stops active recordings and drains pending writes
	<-pipelineDone

	logger.Info("Starting cleanup")

	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Error("Error closing Redis client", zap.Error(err))
		}
	}

	if err := store.Close(); err != nil {
		logger.Error("Error closing store", zap.Error(err))
	} else {
		logger.Info("Store closed")
	}

	cleanupDone <- true
}
