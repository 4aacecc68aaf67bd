package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// Task types handled by the worker
const (
	TypeAnalyzeDocument   = "forensics:analyze"
	TypeValidateDocuments = "forensics:validate"
)

// QueueName is the asynq queue the worker consumes with the highest priority
const QueueName = "forensics"

// AnalyzePayload asks the worker to analyze one uploaded file
type AnalyzePayload struct {
	JobID    string `json:"jobId"`
	FilePath string `json:"filePath"`
	Filename string `json:"filename"`
}

// ValidatePayload asks the worker to compare the entities of two finished
// analyses.
type ValidatePayload struct {
	JobID     string `json:"jobId"`
	DocumentA string `json:"documentA"`
	DocumentB string `json:"documentB"`
}

// NewAnalyzeTask builds an analyze task. The asynq task ID is the job ID so
// a job cannot be enqueued twice.
func NewAnalyzeTask(p AnalyzePayload, maxRetry int, timeout, retention time.Duration) (*asynq.Task, error) {
	if p.JobID == "" || p.FilePath == "" {
		return nil, fmt.Errorf("job ID and file path are required")
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal analyze payload: %w", err)
	}
	return asynq.NewTask(TypeAnalyzeDocument, payload, taskOptions(p.JobID, maxRetry, timeout, retention)...), nil
}

// NewValidateTask builds a cross-document validation task
func NewValidateTask(p ValidatePayload, maxRetry int, timeout, retention time.Duration) (*asynq.Task, error) {
	if p.JobID == "" || p.DocumentA == "" || p.DocumentB == "" {
		return nil, fmt.Errorf("job ID and both document IDs are required")
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal validate payload: %w", err)
	}
	return asynq.NewTask(TypeValidateDocuments, payload, taskOptions(p.JobID, maxRetry, timeout, retention)...), nil
}

func taskOptions(jobID string, maxRetry int, timeout, retention time.Duration) []asynq.Option {
	opts := []asynq.Option{
		asynq.Queue(QueueName),
		asynq.TaskID(jobID),
		asynq.MaxRetry(maxRetry),
	}
	// the handler enforces its own deadline; asynq's is a backstop
	if timeout > 0 {
		opts = append(opts, asynq.Timeout(timeout+30*time.Second))
	}
	if retention > 0 {
		opts = append(opts, asynq.Retention(retention))
	}
	return opts
}

// retryDelay is exponential backoff: 5s, 10s, 20s ... capped at 60s
func retryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	if n < 0 {
		n = 0
	}
	if n > 4 {
		return 60 * time.Second
	}
	delay := time.Duration(5*(1<<uint(n))) * time.Second
	if delay > 60*time.Second {
		delay = 60 * time.Second
	}
	return delay
}
