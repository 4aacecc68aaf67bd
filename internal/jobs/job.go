// Package jobs models the lifecycle of one analysis job and publishes every
// state change to a sink that pollers read from.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adverant/nexus/forensics-worker/internal/logging"
)

// State of a job
type State string

const (
	StatePending  State = "PENDING"
	StateProgress State = "PROGRESS"
	StateSuccess  State = "SUCCESS"
	StateFailure  State = "FAILURE"
)

// Terminal reports whether no further transitions are allowed
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailure
}

// terminalPublishTimeout bounds the publish of SUCCESS and FAILURE snapshots
const terminalPublishTimeout = 5 * time.Second

// ErrInvalidTransition is returned when a transition is not allowed from
// the current state.
var ErrInvalidTransition = errors.New("invalid job state transition")

// Snapshot is the externally visible view of a job.
type Snapshot struct {
	ID        string          `json:"id"`
	State     State           `json:"state"`
	Message   string          `json:"message,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Sink receives every snapshot a job publishes.
type Sink interface {
	Publish(ctx context.Context, snap Snapshot) error
}

// Job is a single analysis run. Transitions:
//
//	PENDING  -> PROGRESS (Start)
//	PROGRESS -> PROGRESS (Progress)
//	PROGRESS -> SUCCESS  (Succeed)
//	PENDING | PROGRESS -> FAILURE (Fail)
type Job struct {
	mu      sync.Mutex
	id      string
	state   State
	message string
	result  json.RawMessage
	errMsg  string
	sink    Sink
	logger  *logging.Logger
}

// New creates a PENDING job. sink may be nil.
func New(id string, sink Sink) *Job {
	return &Job{
		id:     id,
		state:  StatePending,
		sink:   sink,
		logger: logging.NewLogger("jobs").With("job_id", id),
	}
}

// ID returns the job identifier
func (j *Job) ID() string { return j.id }

// State returns the current state
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Snapshot returns the current externally visible view
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshotLocked()
}

// Start moves a pending job into PROGRESS.
func (j *Job) Start(ctx context.Context, message string) error {
	return j.transition(ctx, func() error {
		if j.state != StatePending {
			return fmt.Errorf("%w: start from %s", ErrInvalidTransition, j.state)
		}
		j.state = StateProgress
		j.message = message
		return nil
	})
}

// Progress reports a new stage message.
func (j *Job) Progress(ctx context.Context, message string) error {
	return j.transition(ctx, func() error {
		if j.state != StateProgress {
			return fmt.Errorf("%w: progress from %s", ErrInvalidTransition, j.state)
		}
		j.message = message
		return nil
	})
}

// Succeed stores the JSON-encoded result and completes the job.
func (j *Job) Succeed(ctx context.Context, result interface{}) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode job result: %w", err)
	}
	return j.transition(ctx, func() error {
		if j.state != StateProgress {
			return fmt.Errorf("%w: succeed from %s", ErrInvalidTransition, j.state)
		}
		j.state = StateSuccess
		j.message = ""
		j.result = payload
		return nil
	})
}

// Fail records cause as the job error. Only the message is exposed.
func (j *Job) Fail(ctx context.Context, cause error) error {
	return j.transition(ctx, func() error {
		if j.state.Terminal() {
			return fmt.Errorf("%w: fail from %s", ErrInvalidTransition, j.state)
		}
		j.state = StateFailure
		j.message = ""
		j.result = nil
		if cause != nil {
			j.errMsg = cause.Error()
		} else {
			j.errMsg = "unknown error"
		}
		return nil
	})
}

func (j *Job) transition(ctx context.Context, apply func() error) error {
	j.mu.Lock()
	if err := apply(); err != nil {
		j.mu.Unlock()
		return err
	}
	snap := j.snapshotLocked()
	j.mu.Unlock()

	j.logger.Info("Job state changed", "state", snap.State, "message", snap.Message)

	if j.sink == nil {
		return nil
	}
	// Terminal states are published even when ctx already expired, otherwise
	// a timed-out job would stay in PROGRESS for pollers.
	if snap.State.Terminal() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), terminalPublishTimeout)
		defer cancel()
	}
	// A sink outage must not change the outcome of the analysis.
	if err := j.sink.Publish(ctx, snap); err != nil {
		j.logger.Warn("Failed to publish job state", "state", snap.State, "error", err)
	}
	return nil
}

func (j *Job) snapshotLocked() Snapshot {
	return Snapshot{
		ID:        j.id,
		State:     j.state,
		Message:   j.message,
		Result:    j.result,
		Error:     j.errMsg,
		UpdatedAt: time.Now().UTC(),
	}
}
