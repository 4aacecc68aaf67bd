/**
 * Queue Consumer for the Forensics Worker
 *
 * Consumes analysis and validation tasks from Redis through asynq. Each
 * handler invocation drives exactly one job; concurrency comes from the
 * asynq server.
 */

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/forensics-worker/internal/entities"
	apperrors "github.com/adverant/nexus/forensics-worker/internal/errors"
	"github.com/adverant/nexus/forensics-worker/internal/jobs"
	"github.com/adverant/nexus/forensics-worker/internal/logging"
	"github.com/adverant/nexus/forensics-worker/internal/processor"
)

// Progress message while two documents are compared
const MsgValidating = "Validating document consistency..."

// DocumentAnalyzer runs one analysis job
type DocumentAnalyzer interface {
	ProcessDocument(ctx context.Context, job *jobs.Job, req *processor.ProcessRequest) (*processor.AnalysisResult, error)
}

// StateReader loads job snapshots
type StateReader interface {
	Get(ctx context.Context, id string) (*jobs.Snapshot, error)
}

// StateStore is both ends of the job state store
type StateStore interface {
	jobs.Sink
	StateReader
}

// Consumer handles job consumption from the Redis queue
type Consumer struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor DocumentAnalyzer
	store     StateStore
	recorder  JobRecorder
	validator *entities.Validator
	config    *ConsumerConfig
	logger    *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL    string
	Concurrency int
	Processor   DocumentAnalyzer
	Store       StateStore
	// Recorder is optional; when set every job state is mirrored to it
	Recorder          JobRecorder
	ProcessingTimeout time.Duration
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("Store is required")
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 5 * time.Minute
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	logger := logging.NewLogger("queue")

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				QueueName: 10,
				"default": 1,
			},
			RetryDelayFunc: retryDelay,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Error("Task processing error",
					"type", task.Type(), "retry", retried, "max_retry", maxRetry, "error", err)
			}),
			Logger: logging.AsynqAdapter{L: logging.NewLogger("asynq")},
		},
	)

	c := newConsumer(cfg, logger)
	c.server = server
	return c, nil
}

func newConsumer(cfg *ConsumerConfig, logger *logging.Logger) *Consumer {
	c := &Consumer{
		mux:       asynq.NewServeMux(),
		processor: cfg.Processor,
		store:     cfg.Store,
		recorder:  cfg.Recorder,
		validator: entities.NewValidator(entities.DefaultThreshold),
		config:    cfg,
		logger:    logger,
	}
	c.mux.HandleFunc(TypeAnalyzeDocument, c.handleAnalyze)
	c.mux.HandleFunc(TypeValidateDocuments, c.handleValidate)
	return c
}

// Start runs the asynq server in the background
func (c *Consumer) Start() error {
	c.logger.Info("Starting queue consumer", "concurrency", c.config.Concurrency, "queue", QueueName)
	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start queue consumer: %w", err)
	}
	return nil
}

// Stop waits for in-flight tasks and stops the server
func (c *Consumer) Stop() {
	c.logger.Info("Stopping queue consumer...")
	c.server.Shutdown()
	c.logger.Info("Queue consumer stopped")
}

// sinkFor returns where the job's snapshots go
func (c *Consumer) sinkFor(filename string) jobs.Sink {
	if c.recorder == nil {
		return c.store
	}
	return fanout{c.store, auditSink{recorder: c.recorder, filename: filename}}
}

func (c *Consumer) handleAnalyze(ctx context.Context, task *asynq.Task) error {
	startTime := time.Now()

	var p AnalyzePayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("failed to unmarshal analyze payload: %v: %w", err, asynq.SkipRetry)
	}
	if p.JobID == "" || p.FilePath == "" {
		return fmt.Errorf("analyze payload missing job ID or file path: %w", asynq.SkipRetry)
	}

	logger := c.logger.With("job_id", p.JobID, "filename", p.Filename)
	if n, ok := asynq.GetRetryCount(ctx); ok && n > 0 {
		logger.Info("Retrying analysis", "attempt", n+1)
	}

	timeout := c.config.ProcessingTimeout
	processCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	job := jobs.New(p.JobID, c.sinkFor(p.Filename))
	result, err := c.processor.ProcessDocument(processCtx, job, &processor.ProcessRequest{
		JobID:    p.JobID,
		FilePath: p.FilePath,
		Filename: p.Filename,
	})

	duration := time.Since(startTime)

	if err != nil {
		if errors.Is(processCtx.Err(), context.DeadlineExceeded) {
			logger.Error("Processing timed out", "duration", duration, "timeout", timeout)
			return fmt.Errorf("processing timeout: %w", apperrors.NewProcessingTimeoutError(p.JobID, timeout, err))
		}
		var perr *apperrors.ProcessingError
		if errors.As(err, &perr) && perr.Code == apperrors.ErrorInvalidInput {
			return fmt.Errorf("document processing failed: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("document processing failed: %w", err)
	}

	logger.Info("Processing completed",
		"duration", duration,
		"classification", result.Classification,
		"final_score", result.FinalScore)
	return nil
}

func (c *Consumer) handleValidate(ctx context.Context, task *asynq.Task) error {
	var p ValidatePayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("failed to unmarshal validate payload: %v: %w", err, asynq.SkipRetry)
	}
	if p.JobID == "" {
		return fmt.Errorf("validate payload missing job ID: %w", asynq.SkipRetry)
	}

	job := jobs.New(p.JobID, c.sinkFor(""))
	if err := job.Start(ctx, MsgValidating); err != nil {
		return err
	}

	out, err := c.validate(ctx, p)
	if err != nil {
		if failErr := job.Fail(ctx, err); failErr != nil {
			c.logger.Warn("Could not mark job failed", "job_id", p.JobID, "error", failErr)
		}
		var perr *apperrors.ProcessingError
		if errors.As(err, &perr) && perr.Code == apperrors.ErrorInvalidInput {
			return fmt.Errorf("validation failed: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("validation failed: %w", err)
	}

	if err := job.Succeed(ctx, out); err != nil {
		return err
	}
	c.logger.Info("Validation completed",
		"job_id", p.JobID,
		"consistency_score", out.Result.ConsistencyScore,
		"is_valid", out.Result.IsValid)
	return nil
}

// validate loads both analyses and compares their entities. Missing or
// failed analyses are invalid input; unfinished ones are retried.
func (c *Consumer) validate(ctx context.Context, p ValidatePayload) (*processor.ValidationTaskResult, error) {
	a, err := c.loadEntities(ctx, p.JobID, p.DocumentA)
	if err != nil {
		return nil, err
	}
	b, err := c.loadEntities(ctx, p.JobID, p.DocumentB)
	if err != nil {
		return nil, err
	}

	return &processor.ValidationTaskResult{
		DocumentA: p.DocumentA,
		DocumentB: p.DocumentB,
		EntitiesA: a,
		EntitiesB: b,
		Result:    c.validator.Validate(a, b),
	}, nil
}

func (c *Consumer) loadEntities(ctx context.Context, jobID, documentID string) (entities.Record, error) {
	snap, err := c.store.Get(ctx, documentID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return entities.Record{}, apperrors.NewInvalidInputError(jobID, fmt.Sprintf("analysis %s not found", documentID))
		}
		return entities.Record{}, err
	}

	switch snap.State {
	case jobs.StateSuccess:
	case jobs.StateFailure:
		return entities.Record{}, apperrors.NewInvalidInputError(jobID, fmt.Sprintf("analysis %s failed: %s", documentID, snap.Error))
	default:
		return entities.Record{}, fmt.Errorf("analysis %s not finished (state %s)", documentID, snap.State)
	}

	var result struct {
		ExtractedEntities *entities.Record `json:"extracted_entities"`
	}
	if err := json.Unmarshal(snap.Result, &result); err != nil || result.ExtractedEntities == nil {
		return entities.Record{}, apperrors.NewInvalidInputError(jobID, fmt.Sprintf("analysis %s has no extracted entities", documentID))
	}
	return *result.ExtractedEntities, nil
}
