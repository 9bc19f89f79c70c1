package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"fleet-control/internal/config"
	"fleet-control/internal/device_client"
	"fleet-control/internal/labeling"
	"fleet-control/internal/orchestrator"
	"fleet-control/internal/registry"
	"fleet-control/internal/repository"
	"fleet-control/internal/samplestore"
	"fleet-control/internal/server"
	"fleet-control/internal/telegram_bot"
	"fleet-control/internal/trainer"
)

func main() {
	// Initialize logger
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	logger.Info("Starting Fleet Control...")

	// Load configuration
	cfg, err := config.LoadConfig("configs/config.yml")
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	// Initialize repository
	db, err := repository.NewSQLiteDB(cfg.Database.Path, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	sampleRepo := repository.NewSampleRepository(db, logger)

	// Sample store with buffered ingestion
	store, err := samplestore.NewStore(
		sampleRepo,
		cfg.Ingest.BufferSize,
		time.Duration(cfg.Ingest.FlushIntervalSeconds)*time.Second,
		logger,
	)
	if err != nil {
		logger.Fatal("Failed to initialize sample store", zap.Error(err))
	}

	// Labeling queue
	queue := labeling.NewQueue(store, logger)

	// Model registry with fleet gateway notifications
	gateway := device_client.NewClient(cfg.Fleet.GatewayURL, logger)
	reg, err := registry.NewRegistry(cfg.Models.Dir, gateway, store, logger)
	if err != nil {
		logger.Fatal("Failed to initialize model registry", zap.Error(err))
	}

	// Retraining orchestrator
	trainerClient := trainer.NewClient(cfg.Trainer.URL)
	orch := orchestrator.New(store, reg, trainerClient, orchestrator.Config{
		MinSamplesForRetraining: cfg.Retraining.MinSamples,
		MinNewSamples:           cfg.Retraining.MinNewSamples,
		MinLabeledRatio:         cfg.Retraining.MinLabeledRatio,
		ValidationSplit:         cfg.Retraining.ValidationSplit,
		MinAccuracyImprovement:  cfg.Retraining.MinAccuracyImprovement,
		MaxTrainingTimeSeconds:  cfg.Retraining.MaxTrainingTimeSeconds,
		Epochs:                  cfg.Retraining.Epochs,
		BatchSize:               cfg.Retraining.BatchSize,
		EarlyStoppingPatience:   cfg.Retraining.EarlyStoppingPatience,
		CheckInterval:           time.Duration(cfg.Retraining.CheckIntervalSeconds) * time.Second,
	}, logger)

	// Optional Telegram notifications for operators
	if cfg.Telegram.Enabled {
		bot, err := telegram_bot.NewBot(cfg.Telegram.BotToken, cfg.Telegram.ChatID, logger)
		if err != nil {
			logger.Warn("Failed to initialize Telegram notifier, continuing without it", zap.Error(err))
		} else {
			orch.OnJobCompleted = bot.NotifyRetrainingCompleted
			orch.OnJobFailed = bot.NotifyRetrainingFailed
			reg.OnDeploymentCompleted = bot.NotifyDeploymentCompleted
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Background loops: buffered flushes and the retraining policy
	go store.Run(ctx)
	go orch.Run(ctx)

	// HTTP API
	srv := server.NewServer(server.Deps{
		Store:             store,
		Queue:             queue,
		Registry:          reg,
		Orch:              orch,
		LabelingBatchSize: cfg.Labeling.DefaultBatchSize,
	}, logger)

	go func() {
		if err := srv.Run(fmt.Sprintf(":%s", cfg.Server.Port)); err != nil {
			logger.Error("Server stopped", zap.Error(err))
			stop()
		}
	}()

	logger.Info("Fleet Control is running", zap.String("port", cfg.Server.Port))

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("Server exited")
}
