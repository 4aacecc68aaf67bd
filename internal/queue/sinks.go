package queue

import (
	"context"
	"errors"

	"github.com/adverant/nexus/forensics-worker/internal/jobs"
	"github.com/adverant/nexus/forensics-worker/internal/storage"
)

// JobRecorder mirrors job states into the audit database
type JobRecorder interface {
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error
}

// auditSink records each snapshot as a job row update
type auditSink struct {
	recorder JobRecorder
	filename string
}

func (a auditSink) Publish(ctx context.Context, snap jobs.Snapshot) error {
	return a.recorder.UpdateJobStatus(ctx, &storage.JobUpdate{
		JobID:        snap.ID,
		Filename:     a.filename,
		Status:       string(snap.State),
		Message:      snap.Message,
		ErrorMessage: snap.Error,
	})
}

// fanout publishes to every sink and joins their errors
type fanout []jobs.Sink

func (f fanout) Publish(ctx context.Context, snap jobs.Snapshot) error {
	var errs []error
	for _, s := range f {
		if err := s.Publish(ctx, snap); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
