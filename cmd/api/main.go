// Command api accepts document uploads, enqueues them for the forensics
// worker and serves job state.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/adverant/nexus/forensics-worker/internal/api"
	"github.com/adverant/nexus/forensics-worker/internal/config"
	"github.com/adverant/nexus/forensics-worker/internal/logging"
	"github.com/adverant/nexus/forensics-worker/internal/processor"
	"github.com/adverant/nexus/forensics-worker/internal/queue"
	"github.com/adverant/nexus/forensics-worker/internal/storage"
)

func main() {
	if err := godotenv.Load(); err != nil {
		logging.NewLogger("main").Info("No .env file found, using system environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logging.NewLogger("main").Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	logger := logging.NewLogger("main")
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		logger.Error("Failed to create upload directory", "dir", cfg.UploadDir, "error", err)
		os.Exit(1)
	}

	store, err := queue.NewRedisStateStore(ctx, cfg.RedisURL, cfg.ResultTTL())
	if err != nil {
		logger.Error("Failed to connect job state store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	submitter, err := queue.NewSubmitter(queue.SubmitterConfig{
		RedisURL:  cfg.RedisURL,
		Store:     store,
		MaxRetry:  cfg.MaxRetries,
		Timeout:   cfg.Timeout(),
		Retention: cfg.ResultTTL(),
	})
	if err != nil {
		logger.Error("Failed to create submitter", "error", err)
		os.Exit(1)
	}
	defer submitter.Close()

	apiCfg := api.Config{
		Submitter:      submitter,
		Jobs:           store,
		JobsHealth:     store,
		UploadDir:      cfg.UploadDir,
		MaxUploadBytes: cfg.MaxUploadBytes,
	}
	switch {
	case cfg.DatabaseURL != "":
		sm, err := storage.NewStorageManager(ctx, cfg.DatabaseURL, cfg.QdrantURL, cfg.QdrantCollection, processor.SignatureSize*processor.SignatureSize)
		if err != nil {
			logger.Error("Failed to initialize storage manager", "error", err)
			os.Exit(1)
		}
		defer sm.Close()
		apiCfg.Archive = sm
	case cfg.ArchiveSQLitePath != "":
		a, err := storage.NewSQLiteArchive(ctx, cfg.ArchiveSQLitePath)
		if err != nil {
			logger.Error("Failed to open SQLite archive", "error", err)
			os.Exit(1)
		}
		defer a.Close()
		apiCfg.Archive = a
	}

	server, err := api.NewServer(apiCfg)
	if err != nil {
		logger.Error("Failed to create API server", "error", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("API listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("API server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API shutdown error", "error", err)
	}
	logger.Info("Shutdown complete")
}
