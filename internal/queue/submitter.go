package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/forensics-worker/internal/jobs"
)

// Submitter enqueues analysis and validation jobs. The job is visible as
// PENDING in the state store before the task is enqueued.
type Submitter struct {
	client    *asynq.Client
	store     jobs.Sink
	maxRetry  int
	timeout   time.Duration
	retention time.Duration
}

// SubmitterConfig holds submitter configuration
type SubmitterConfig struct {
	RedisURL  string
	Store     jobs.Sink
	MaxRetry  int
	Timeout   time.Duration
	Retention time.Duration
}

// NewSubmitter creates a submitter on the asynq broker at cfg.RedisURL
func NewSubmitter(cfg SubmitterConfig) (*Submitter, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	return &Submitter{
		client:    asynq.NewClient(redisOpt),
		store:     cfg.Store,
		maxRetry:  cfg.MaxRetry,
		timeout:   cfg.Timeout,
		retention: cfg.Retention,
	}, nil
}

// Submit enqueues the file at path for analysis and returns the job ID
func (s *Submitter) Submit(ctx context.Context, path, filename string) (string, error) {
	jobID := uuid.New().String()
	task, err := NewAnalyzeTask(AnalyzePayload{JobID: jobID, FilePath: path, Filename: filename}, s.maxRetry, s.timeout, s.retention)
	if err != nil {
		return "", err
	}
	return jobID, s.enqueue(ctx, jobID, task)
}

// SubmitValidation enqueues a comparison of two finished analyses
func (s *Submitter) SubmitValidation(ctx context.Context, documentA, documentB string) (string, error) {
	jobID := uuid.New().String()
	task, err := NewValidateTask(ValidatePayload{JobID: jobID, DocumentA: documentA, DocumentB: documentB}, s.maxRetry, s.timeout, s.retention)
	if err != nil {
		return "", err
	}
	return jobID, s.enqueue(ctx, jobID, task)
}

func (s *Submitter) enqueue(ctx context.Context, jobID string, task *asynq.Task) error {
	pending := jobs.New(jobID, nil).Snapshot()
	if err := s.store.Publish(ctx, pending); err != nil {
		return fmt.Errorf("failed to record pending job: %w", err)
	}
	if _, err := s.client.EnqueueContext(ctx, task); err != nil {
		err = fmt.Errorf("failed to enqueue job %s: %w", jobID, err)
		// leave a terminal record instead of a job that stays PENDING forever
		_ = jobs.New(jobID, s.store).Fail(ctx, err)
		return err
	}
	return nil
}

// Close closes the broker connection
func (s *Submitter) Close() error {
	return s.client.Close()
}
