package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/contentpilot/strategy-backend/internal/clients/openai"
	redisclient "github.com/contentpilot/strategy-backend/internal/clients/redis"
	"github.com/contentpilot/strategy-backend/internal/db"
	"github.com/contentpilot/strategy-backend/internal/handlers"
	"github.com/contentpilot/strategy-backend/internal/logger"
	"github.com/contentpilot/strategy-backend/internal/observability"
	"github.com/contentpilot/strategy-backend/internal/repos"
	"github.com/contentpilot/strategy-backend/internal/server"
	"github.com/contentpilot/strategy-backend/internal/services"
	"github.com/contentpilot/strategy-backend/internal/utils"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Tracing
	ctx := context.Background()
	shutdownOtel := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "strategy-backend",
		Environment: utils.GetEnv("APP_ENV", "development", log),
		Version:     utils.GetEnv("APP_VERSION", "dev", log),
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(shutdownCtx); err != nil {
			log.Warn("Tracing shutdown failed", "error", err)
		}
	}()

	// Database
	dbService, err := db.NewDatabaseService(log)
	if err != nil {
		log.Error("Database init failed", "error", err)
		os.Exit(1)
	}
	if err = dbService.AutoMigrateAll(); err != nil {
		log.Error("Auto migration failed", "error", err)
		os.Exit(1)
	}
	theDB := dbService.DB()

	// Repos
	log.Info("Setting up Repos from main...")
	jobRepo := repos.NewGenerationJobRepo(theDB, log)
	docRepo := repos.NewStrategyDocumentRepo(theDB, log)

	// Clients
	aiClient, err := openai.NewClient(log)
	if err != nil {
		log.Error("Could not init OpenAI client", "error", err)
		os.Exit(1)
	}
	var snapshotCache redisclient.SnapshotCache
	if cache, err := redisclient.NewSnapshotCache(log); err != nil {
		log.Warn("Snapshot cache unavailable, polling hits the database", "error", err)
	} else {
		snapshotCache = cache
		defer cache.Close()
	}

	// Services
	log.Info("Setting up Services from main...")
	genService := services.NewStrategyGenerationService(log, jobRepo, docRepo, aiClient, snapshotCache)
	statusService := services.NewJobStatusService(log, jobRepo, docRepo, snapshotCache)

	genService.StartWorker(ctx)

	// HTTP
	genHandler := handlers.NewGenerationHandler(log, genService, statusService)
	router := server.NewRouter(server.RouterConfig{
		GenerationHandler: genHandler,
	})

	port := utils.GetEnv("PORT", "8080", log)
	log.Info("Starting server", "port", port)
	if err := router.Run(":" + port); err != nil {
		log.Error("Server exited", "error", err)
		os.Exit(1)
	}
}
