package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/aldav99/analystTelegram/pkg/analyzer"
	"github.com/aldav99/analystTelegram/pkg/api"
	"github.com/aldav99/analystTelegram/pkg/config"
	"github.com/aldav99/analystTelegram/pkg/storage"
	"github.com/aldav99/analystTelegram/pkg/telegram"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/config.yml"
	}
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	// Initialize the analysis-run history store when a database is configured.
	var (
		history     *storage.Storage
		runRecorder analyzer.RunRecorder
		historyAPI  api.HistoryStore
	)
	if cfg.Database.URL != "" {
		logger.Info("Applying database migrations...")
		if err := storage.ApplyMigrations(cfg.Database.URL, "./migrations", logger); err != nil {
			logger.Fatal("Failed to apply migrations", zap.Error(err))
		}

		history, err = storage.NewStorage(cfg.Database.URL, logger)
		if err != nil {
			logger.Fatal("Failed to create storage", zap.Error(err))
		}
		defer func() {
			if err := history.Close(); err != nil {
				logger.Error("Error closing database", zap.Error(err))
			}
		}()
		runRecorder = history
		historyAPI = history
	} else {
		logger.Info("No database configured, analysis history disabled")
	}

	// Context for Telegram client and API server
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Initialize Telegram client
	tgClient := telegram.NewClient(&cfg.Telegram, logger)

	// Initialize the analysis service
	service := analyzer.NewService(tgClient, runRecorder, analyzer.ServiceConfig{
		DiscussionLimit:     cfg.Analysis.DiscussionLimit,
		MaxCommentsPerPost:  cfg.Analysis.MaxCommentsPerPost,
		CommentTextLimit:    cfg.Analysis.CommentTextLimit,
		AuthorLookupLimit:   cfg.Analysis.AuthorLookupLimit,
		AuthorLookupTimeout: time.Duration(cfg.Analysis.AuthorLookupTimeoutSeconds) * time.Second,
		CountPolicy:         analyzer.CommentsCountPolicyFromString(cfg.Analysis.CommentsCountPolicy),
	}, logger)

	// Initialize API server. It must be up before authentication completes,
	// since the auth code arrives through it.
	apiServer := api.NewAPIServer(service, tgClient, historyAPI, cfg.Analysis, logger)

	go func() {
		if err := apiServer.Start(cfg.Server.Port); err != nil {
			logger.Fatal("API server failed to start", zap.Error(err))
		}
	}()

	// Run Telegram client and authenticate
	logger.Info("Starting Telegram client...")
	go func() {
		if err := tgClient.Run(ctx, cfg.Telegram.Phone); err != nil && ctx.Err() == nil {
			logger.Fatal("Telegram client failed to run", zap.Error(err))
		}
	}()

	// Wait for authentication to complete
	select {
	case <-tgClient.AuthCompleted:
		logger.Info("Telegram authentication completed")
	case <-ctx.Done():
		logger.Info("Application interrupted during Telegram client startup")
		return
	}

	<-ctx.Done()
	logger.Info("Application stopped")
}
