/**
 * Document Forensics Worker - Main Entry Point
 *
 * Consumes analysis and validation tasks from Redis (asynq) and scores
 * uploaded documents for forgery.
 *
 * Architecture:
 * - asynq consumer, one job per handler invocation
 * - Tesseract OCR + layout consistency, error level analysis
 * - Sliding-window forgery classifier and Grad-CAM explanations served by
 *   a KServe v2 model server
 * - Redis job state store; optional PostgreSQL + Qdrant or SQLite archive
 */

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/adverant/nexus/forensics-worker/internal/config"
	"github.com/adverant/nexus/forensics-worker/internal/entities"
	"github.com/adverant/nexus/forensics-worker/internal/explain"
	"github.com/adverant/nexus/forensics-worker/internal/inference"
	"github.com/adverant/nexus/forensics-worker/internal/logging"
	"github.com/adverant/nexus/forensics-worker/internal/pdfmeta"
	"github.com/adverant/nexus/forensics-worker/internal/processor"
	"github.com/adverant/nexus/forensics-worker/internal/processor/tesseract"
	"github.com/adverant/nexus/forensics-worker/internal/queue"
	"github.com/adverant/nexus/forensics-worker/internal/registry"
	"github.com/adverant/nexus/forensics-worker/internal/storage"
)

// archive is what the worker needs from either storage backend
type archive interface {
	processor.Archive
	queue.JobRecorder
	Close() error
}

func main() {
	// Load environment variables
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

	logger.Info("Forensics worker starting...",
		"workers", cfg.WorkerConcurrency,
		"model_server", cfg.ModelServerURL,
		"model_family", cfg.ModelFamily)

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

	arch, err := openArchive(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize analysis archive", "error", err)
		os.Exit(1)
	}
	if arch != nil {
		defer arch.Close()
	}

	family, err := explain.ParseModelFamily(cfg.ModelFamily)
	if err != nil {
		logger.Error("Invalid model family", "error", err)
		os.Exit(1)
	}
	models := registry.New(registry.Config{
		ModelServerURL: cfg.ModelServerURL,
		Model:          cfg.ClassifierModel,
		Family:         family,
		Window: inference.Config{
			PatchSize: cfg.PatchSize,
			Stride:    cfg.Stride,
			InputSize: cfg.InputSize,
			Norm:      inference.ImageNet,
		},
	})
	if err := models.HealthCheck(ctx); err != nil {
		// jobs fail and retry until the model server comes up
		logger.Warn("Model server not ready yet", "error", err)
	}

	deps := processor.Dependencies{
		OCR:        tesseract.New(tesseract.Config{Language: cfg.TesseractLang}),
		Layout:     processor.NewLayoutAnalyzer(),
		ELA:        processor.NewELACalculator(),
		Rasterizer: processor.NewPdftoppmRasterizer(cfg.PdftoppmPath, cfg.RasterDPI),
		Metadata:   pdfmeta.NewAnalyzer(),
		Detector:   models,
		Explainer:  models,
		Entities:   entities.NewExtractor(models),
	}
	var recorder queue.JobRecorder
	if arch != nil {
		deps.Archive = arch
		recorder = arch
	}

	proc, err := processor.NewDocumentProcessor(processor.ProcessorConfig{
		ExplainThreshold:        cfg.ExplainThreshold,
		ExplanationFailureFatal: cfg.ExplanationFailureFatal,
	}, deps)
	if err != nil {
		logger.Error("Failed to initialize document processor", "error", err)
		os.Exit(1)
	}

	consumer, err := queue.NewConsumer(&queue.ConsumerConfig{
		RedisURL:          cfg.RedisURL,
		Concurrency:       cfg.WorkerConcurrency,
		Processor:         proc,
		Store:             store,
		Recorder:          recorder,
		ProcessingTimeout: cfg.Timeout(),
	})
	if err != nil {
		logger.Error("Failed to initialize queue consumer", "error", err)
		os.Exit(1)
	}
	if err := consumer.Start(); err != nil {
		logger.Error("Failed to start queue consumer", "error", err)
		os.Exit(1)
	}

	logger.Info("Forensics worker is READY",
		"queue", queue.QueueName,
		"timeout", cfg.Timeout(),
		"max_retries", cfg.MaxRetries,
		"archive", arch != nil)

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received signal, initiating graceful shutdown...", "signal", sig.String())

	consumer.Stop()
	logger.Info("Shutdown complete")
}

// openArchive picks PostgreSQL (+ Qdrant) when DATABASE_URL is set, the
// SQLite file when ARCHIVE_SQLITE_PATH is set, and nothing otherwise.
func openArchive(ctx context.Context, cfg *config.Config, logger *logging.Logger) (archive, error) {
	switch {
	case cfg.DatabaseURL != "":
		sm, err := storage.NewStorageManager(ctx, cfg.DatabaseURL, cfg.QdrantURL, cfg.QdrantCollection, processor.SignatureSize*processor.SignatureSize)
		if err != nil {
			return nil, err
		}
		logger.Info("Storage manager initialized", "postgres", true, "qdrant", cfg.QdrantURL != "")
		return sm, nil
	case cfg.ArchiveSQLitePath != "":
		a, err := storage.NewSQLiteArchive(ctx, cfg.ArchiveSQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info("SQLite archive initialized", "path", cfg.ArchiveSQLitePath)
		return a, nil
	}
	return nil, nil
}
