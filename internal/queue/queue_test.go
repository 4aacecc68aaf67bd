package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/forensics-worker/internal/entities"
	apperrors "github.com/adverant/nexus/forensics-worker/internal/errors"
	"github.com/adverant/nexus/forensics-worker/internal/jobs"
	"github.com/adverant/nexus/forensics-worker/internal/logging"
	"github.com/adverant/nexus/forensics-worker/internal/processor"
	"github.com/adverant/nexus/forensics-worker/internal/scoring"
	"github.com/adverant/nexus/forensics-worker/internal/storage"
)

// memoryStore is an in-process StateStore
type memoryStore struct {
	mu    sync.Mutex
	snaps map[string]jobs.Snapshot
	log   []jobs.State
}

func newMemoryStore() *memoryStore {
	return &memoryStore{snaps: make(map[string]jobs.Snapshot)}
}

func (m *memoryStore) Publish(_ context.Context, snap jobs.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[snap.ID] = snap
	m.log = append(m.log, snap.State)
	return nil
}

func (m *memoryStore) Get(_ context.Context, id string) (*jobs.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return &snap, nil
}

type fakeAnalyzer struct {
	err   error
	block bool
}

func (f *fakeAnalyzer) ProcessDocument(ctx context.Context, job *jobs.Job, req *processor.ProcessRequest) (*processor.AnalysisResult, error) {
	if err := job.Start(ctx, processor.MsgInitializing); err != nil {
		return nil, err
	}
	if f.block {
		<-ctx.Done()
		job.Fail(ctx, ctx.Err())
		return nil, ctx.Err()
	}
	if f.err != nil {
		job.Fail(ctx, f.err)
		return nil, f.err
	}
	res := &processor.AnalysisResult{
		Filename:          req.Filename,
		Classification:    scoring.Authentic,
		ExtractedEntities: entities.Record{PersonName: "Jane Smith", Address: "Boston", Date: "01/02/2020"},
	}
	return res, job.Succeed(ctx, res)
}

type recorder struct {
	updates []*storage.JobUpdate
}

func (r *recorder) UpdateJobStatus(_ context.Context, u *storage.JobUpdate) error {
	r.updates = append(r.updates, u)
	return nil
}

func testConsumer(analyzer DocumentAnalyzer, store StateStore, rec JobRecorder, timeout time.Duration) *Consumer {
	return newConsumer(&ConsumerConfig{
		RedisURL:          "redis://localhost:6379",
		Processor:         analyzer,
		Store:             store,
		Recorder:          rec,
		ProcessingTimeout: timeout,
	}, logging.NewLogger("queue-test"))
}

func analyzeTask(t *testing.T, p AnalyzePayload) *asynq.Task {
	t.Helper()
	task, err := NewAnalyzeTask(p, 3, time.Minute, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return task
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{4, 60 * time.Second},
		{30, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := retryDelay(tt.n, nil, nil); got != tt.want {
			t.Errorf("retryDelay(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestNewTasks(t *testing.T) {
	task := analyzeTask(t, AnalyzePayload{JobID: "j1", FilePath: "/tmp/a.png", Filename: "a.png"})
	if task.Type() != TypeAnalyzeDocument {
		t.Errorf("type = %s", task.Type())
	}
	var p AnalyzePayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil || p.FilePath != "/tmp/a.png" {
		t.Errorf("payload = %+v, err = %v", p, err)
	}

	if _, err := NewAnalyzeTask(AnalyzePayload{JobID: "j1"}, 3, 0, 0); err == nil {
		t.Error("missing file path should be rejected")
	}
	if _, err := NewValidateTask(ValidatePayload{JobID: "v1", DocumentA: "a"}, 3, 0, 0); err == nil {
		t.Error("missing second document should be rejected")
	}
}

func TestHandleAnalyzeSuccess(t *testing.T) {
	store := newMemoryStore()
	rec := &recorder{}
	c := testConsumer(&fakeAnalyzer{}, store, rec, time.Minute)

	err := c.handleAnalyze(context.Background(), analyzeTask(t, AnalyzePayload{JobID: "j1", FilePath: "/tmp/a.png", Filename: "a.png"}))
	if err != nil {
		t.Fatalf("handleAnalyze() error = %v", err)
	}

	snap, _ := store.Get(context.Background(), "j1")
	if snap.State != jobs.StateSuccess {
		t.Errorf("state = %s, want SUCCESS", snap.State)
	}
	if len(rec.updates) != 2 || rec.updates[1].Status != "SUCCESS" || rec.updates[0].Filename != "a.png" {
		t.Errorf("audit updates = %+v", rec.updates)
	}
}

func TestHandleAnalyzeErrors(t *testing.T) {
	ctx := context.Background()

	c := testConsumer(&fakeAnalyzer{err: apperrors.NewInvalidInputError("j2", "missing file")}, newMemoryStore(), nil, time.Minute)
	err := c.handleAnalyze(ctx, analyzeTask(t, AnalyzePayload{JobID: "j2", FilePath: "/nope"}))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("invalid input should skip retry, got %v", err)
	}

	c = testConsumer(&fakeAnalyzer{err: errors.New("ocr down")}, newMemoryStore(), nil, time.Minute)
	err = c.handleAnalyze(ctx, analyzeTask(t, AnalyzePayload{JobID: "j3", FilePath: "/tmp/x.png"}))
	if err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Errorf("stage failure should be retried, got %v", err)
	}

	store := newMemoryStore()
	c = testConsumer(&fakeAnalyzer{block: true}, store, nil, 20*time.Millisecond)
	err = c.handleAnalyze(ctx, analyzeTask(t, AnalyzePayload{JobID: "j4", FilePath: "/tmp/x.png"}))
	var perr *apperrors.ProcessingError
	if !errors.As(err, &perr) || perr.Code != apperrors.ErrorProcessingTimeout {
		t.Errorf("expected timeout error, got %v", err)
	}
	if snap, _ := store.Get(ctx, "j4"); snap.State != jobs.StateFailure {
		t.Errorf("state = %s, want FAILURE", snap.State)
	}

	err = c.handleAnalyze(ctx, asynq.NewTask(TypeAnalyzeDocument, []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("bad payload should skip retry, got %v", err)
	}
}

func TestHandleValidate(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	c := testConsumer(&fakeAnalyzer{}, store, nil, time.Minute)

	for _, id := range []string{"a", "b"} {
		if err := c.handleAnalyze(ctx, analyzeTask(t, AnalyzePayload{JobID: id, FilePath: "/tmp/" + id + ".png"})); err != nil {
			t.Fatal(err)
		}
	}

	task, err := NewValidateTask(ValidatePayload{JobID: "v1", DocumentA: "a", DocumentB: "b"}, 3, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.handleValidate(ctx, task); err != nil {
		t.Fatalf("handleValidate() error = %v", err)
	}

	snap, _ := store.Get(ctx, "v1")
	if snap.State != jobs.StateSuccess {
		t.Fatalf("state = %s, error = %s", snap.State, snap.Error)
	}
	var out processor.ValidationTaskResult
	if err := json.Unmarshal(snap.Result, &out); err != nil {
		t.Fatal(err)
	}
	if out.Result.ConsistencyScore != 100 || !out.Result.IsValid {
		t.Errorf("result = %+v", out.Result)
	}
}

func TestHandleValidateMissingDocument(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	c := testConsumer(&fakeAnalyzer{}, store, nil, time.Minute)

	task, _ := NewValidateTask(ValidatePayload{JobID: "v2", DocumentA: "a", DocumentB: "missing"}, 3, 0, 0)
	err := c.handleValidate(ctx, task)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("missing document should skip retry, got %v", err)
	}
	if snap, _ := store.Get(ctx, "v2"); snap.State != jobs.StateFailure {
		t.Errorf("state = %s, want FAILURE", snap.State)
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	store := newMemoryStore()
	failing := sinkFunc(func(context.Context, jobs.Snapshot) error { return errors.New("db down") })
	err := fanout{failing, store}.Publish(context.Background(), jobs.Snapshot{ID: "x", State: jobs.StatePending})
	if err == nil {
		t.Error("expected joined error")
	}
	if _, getErr := store.Get(context.Background(), "x"); getErr != nil {
		t.Error("later sinks should still receive the snapshot")
	}
}

type sinkFunc func(context.Context, jobs.Snapshot) error

func (f sinkFunc) Publish(ctx context.Context, s jobs.Snapshot) error { return f(ctx, s) }
