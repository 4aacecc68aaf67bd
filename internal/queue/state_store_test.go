package queue

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/forensics-worker/internal/jobs"
)

func TestSnapshotFromHash(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	snap := snapshotFromHash("j1", map[string]string{
		"state":      "SUCCESS",
		"result":     `{"final_score":12.5}`,
		"updated_at": ts.Format(time.RFC3339Nano),
	})
	if snap.State != jobs.StateSuccess || !snap.UpdatedAt.Equal(ts) {
		t.Errorf("snap = %+v", snap)
	}
	var r map[string]float64
	if err := json.Unmarshal(snap.Result, &r); err != nil || r["final_score"] != 12.5 {
		t.Errorf("result = %s", snap.Result)
	}

	empty := snapshotFromHash("j2", map[string]string{"state": "PENDING"})
	if empty.Result != nil {
		t.Error("empty result should stay nil")
	}
}

func TestRedisStateStoreIntegration(t *testing.T) {
	redisURL := os.Getenv("TEST_REDIS_URL")
	if redisURL == "" {
		t.Skipf("TEST_REDIS_URL not set")
	}

	ctx := context.Background()
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		t.Fatal(err)
	}
	client := redis.NewClient(opt)
	prefix := "forensics-test:" + uuid.New().String()
	store := NewRedisStateStoreFromClient(client, prefix, time.Minute)
	defer store.Close()

	if _, err := store.Get(ctx, "absent"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Get(absent) error = %v", err)
	}

	job := jobs.New("job-1", store)
	if err := job.Start(ctx, "Initializing analysis..."); err != nil {
		t.Fatal(err)
	}
	if err := job.Succeed(ctx, map[string]int{"n": 1}); err != nil {
		t.Fatal(err)
	}

	snap, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.State != jobs.StateSuccess || string(snap.Result) != `{"n":1}` {
		t.Errorf("snap = %+v", snap)
	}

	stats, err := store.GetStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats["SUCCESS"] != 1 || stats["PROGRESS"] != 0 {
		t.Errorf("stats = %v", stats)
	}

	ttl, err := client.TTL(ctx, store.jobKey("job-1")).Result()
	if err != nil || ttl <= 0 {
		t.Errorf("terminal job should expire, ttl = %v err = %v", ttl, err)
	}
}
