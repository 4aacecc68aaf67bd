/**
 * Redis Job State Store for the Forensics Worker
 *
 * Clients poll job state from here. Each job is a hash holding its latest
 * snapshot; set membership tracks which state it is in and every change is
 * published on the events channel for streaming.
 */

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/forensics-worker/internal/jobs"
)

// ErrJobNotFound is returned by Get for unknown or expired jobs
var ErrJobNotFound = errors.New("job not found")

// DefaultKeyPrefix namespaces every key the store writes
const DefaultKeyPrefix = "forensics:jobs"

// RedisStateStore persists job snapshots in Redis. It implements jobs.Sink.
type RedisStateStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStateStore connects to redisURL. Terminal snapshots expire after
// ttl; zero keeps them forever.
func NewRedisStateStore(ctx context.Context, redisURL string, ttl time.Duration) (*RedisStateStore, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStateStoreFromClient(client, DefaultKeyPrefix, ttl), nil
}

// NewRedisStateStoreFromClient wraps an existing client
func NewRedisStateStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStateStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStateStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStateStore) jobKey(id string) string { return fmt.Sprintf("%s:%s", s.prefix, id) }

func (s *RedisStateStore) stateSet(state jobs.State) string {
	return fmt.Sprintf("%s:state:%s", s.prefix, state)
}

func (s *RedisStateStore) eventsChannel() string { return s.prefix + ":events" }

var allStates = []jobs.State{jobs.StatePending, jobs.StateProgress, jobs.StateSuccess, jobs.StateFailure}

// Publish stores snap as the job's current state
func (s *RedisStateStore) Publish(ctx context.Context, snap jobs.Snapshot) error {
	if snap.ID == "" {
		return fmt.Errorf("snapshot has no job ID")
	}

	key := s.jobKey(snap.ID)
	fields := map[string]interface{}{
		"state":      string(snap.State),
		"message":    snap.Message,
		"result":     string(snap.Result),
		"error":      snap.Error,
		"updated_at": snap.UpdatedAt.Format(time.RFC3339Nano),
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		for _, st := range allStates {
			if st != snap.State {
				pipe.SRem(ctx, s.stateSet(st), snap.ID)
			}
		}
		pipe.SAdd(ctx, s.stateSet(snap.State), snap.ID)
		if snap.State.Terminal() && s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		} else {
			pipe.Persist(ctx, key)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store job state (job=%s, state=%s): %w", snap.ID, snap.State, err)
	}

	// Publish event for streaming consumers
	event := map[string]interface{}{
		"event":     fmt.Sprintf("job:%s", snap.State),
		"jobId":     snap.ID,
		"message":   snap.Message,
		"timestamp": snap.UpdatedAt.Format(time.RFC3339),
	}
	eventData, _ := json.Marshal(event)
	if err := s.client.Publish(ctx, s.eventsChannel(), eventData).Err(); err != nil {
		return fmt.Errorf("failed to publish job event: %w", err)
	}

	return nil
}

// Get returns the latest snapshot of job id
func (s *RedisStateStore) Get(ctx context.Context, id string) (*jobs.Snapshot, error) {
	values, err := s.client.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read job %s: %w", id, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return snapshotFromHash(id, values), nil
}

func snapshotFromHash(id string, values map[string]string) *jobs.Snapshot {
	snap := &jobs.Snapshot{
		ID:      id,
		State:   jobs.State(values["state"]),
		Message: values["message"],
		Error:   values["error"],
	}
	if r := values["result"]; r != "" {
		snap.Result = json.RawMessage(r)
	}
	if ts, err := time.Parse(time.RFC3339Nano, values["updated_at"]); err == nil {
		snap.UpdatedAt = ts
	}
	return snap
}

// GetStats returns the number of jobs in each state
func (s *RedisStateStore) GetStats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64, len(allStates))
	for _, st := range allStates {
		n, err := s.client.SCard(ctx, s.stateSet(st)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to count %s jobs: %w", st, err)
		}
		stats[string(st)] = n
	}
	return stats, nil
}

// Ping checks Redis connectivity
func (s *RedisStateStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (s *RedisStateStore) Close() error {
	return s.client.Close()
}
