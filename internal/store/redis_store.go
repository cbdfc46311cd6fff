package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/Popie52/feedrank/internal/model"
)

const maxWatchRetries = 5

// RedisJobStore keeps one JSON record per job plus a set of outstanding IDs.
// Dedup is a WATCHed check-and-set on the record key, so it holds across
// processes sharing the Redis instance.
type RedisJobStore struct {
	client    goredis.UniversalClient
	prefix    string
	retention time.Duration
}

func NewRedisJobStore(client goredis.UniversalClient, prefix string, retention time.Duration) *RedisJobStore {
	if retention <= 0 {
		retention = time.Hour
	}
	return &RedisJobStore{client: client, prefix: prefix, retention: retention}
}

func (s *RedisJobStore) keyJob(id string) string { return s.prefix + "job:" + id }
func (s *RedisJobStore) keyOutstanding() string  { return s.prefix + "jobs:outstanding" }

func (s *RedisJobStore) SavePending(ctx context.Context, job *model.Job) (*model.Job, error) {
	rec := job.Clone()
	rec.State = model.StateEnqueued
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal job %s: %w", job.ID, err)
	}

	key := s.keyJob(job.ID)
	var existing *model.Job

	txf := func(tx *goredis.Tx) error {
		existing = nil
		current, err := readJob(ctx, tx, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if current != nil && current.State.Outstanding() {
			existing = current
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			pipe.SAdd(ctx, s.keyOutstanding(), job.ID)
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err = s.client.Watch(ctx, txf, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("save pending %s: %w", job.ID, err)
		}
		if existing != nil {
			return existing, ErrDuplicate
		}
		return nil, nil
	}
	return nil, fmt.Errorf("save pending %s: %w", job.ID, err)
}

func (s *RedisJobStore) Update(ctx context.Context, job *model.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	ok, err := s.client.SetXX(ctx, s.keyJob(job.ID), payload, 0).Result()
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (s *RedisJobStore) Finish(ctx context.Context, job *model.Job) error {
	rec := job.Clone()
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keyJob(job.ID), payload, s.retention)
	pipe.SRem(ctx, s.keyOutstanding(), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("finish job %s: %w", job.ID, err)
	}
	return nil
}

func (s *RedisJobStore) Get(ctx context.Context, jobID string) (*model.Job, error) {
	return readJob(ctx, s.client, s.keyJob(jobID))
}

func (s *RedisJobStore) LoadOutstanding(ctx context.Context) ([]*model.Job, error) {
	ids, err := s.client.SMembers(ctx, s.keyOutstanding()).Result()
	if err != nil {
		return nil, fmt.Errorf("load outstanding: %w", err)
	}

	jobs := make([]*model.Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// index entry outlived its record
			_ = s.client.SRem(ctx, s.keyOutstanding(), id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		if j.State.Outstanding() {
			jobs = append(jobs, j)
		}
	}
	return jobs, nil
}

// RecoverStuck re-checks each candidate under WATCH so a job finishing
// concurrently is left alone.
func (s *RedisJobStore) RecoverStuck(ctx context.Context, cutoff time.Time) ([]*model.Job, error) {
	ids, err := s.client.SMembers(ctx, s.keyOutstanding()).Result()
	if err != nil {
		return nil, fmt.Errorf("recover stuck: %w", err)
	}

	var recovered []*model.Job
	for _, id := range ids {
		key := s.keyJob(id)
		var reset *model.Job
		err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
			reset = nil
			j, err := readJob(ctx, tx, key)
			if err != nil {
				return err
			}
			if j.State != model.StateActive || !j.PickedAt.Before(cutoff) {
				return nil
			}
			j.State = model.StateEnqueued
			payload, err := json.Marshal(j)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.Set(ctx, key, payload, 0)
				return nil
			})
			if err == nil {
				reset = j
			}
			return err
		}, key)
		switch {
		case errors.Is(err, ErrNotFound), errors.Is(err, goredis.TxFailedErr):
			continue
		case err != nil:
			return recovered, fmt.Errorf("recover %s: %w", id, err)
		}
		if reset != nil {
			recovered = append(recovered, reset)
		}
	}
	return recovered, nil
}

// Prune is a no-op: finished records expire through their key TTL.
func (s *RedisJobStore) Prune(context.Context, time.Time) (int, error) {
	return 0, nil
}

type getter interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
}

func readJob(ctx context.Context, c getter, key string) (*model.Job, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	var j model.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return &j, nil
}
