package store

import (
	"context"
	"sync"
	"time"

	"github.com/Popie52/feedrank/internal/model"
)

// MemoryJobStore keeps job state in process. Dedup holds for one process only.
type MemoryJobStore struct {
	mu   sync.Mutex
	jobs map[string]*model.Job
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]*model.Job),
	}
}

func (s *MemoryJobStore) SavePending(_ context.Context, job *model.Job) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.jobs[job.ID]; ok && existing.State.Outstanding() {
		return existing.Clone(), ErrDuplicate
	}
	rec := job.Clone()
	rec.State = model.StateEnqueued
	s.jobs[job.ID] = rec
	return nil, nil
}

func (s *MemoryJobStore) Update(_ context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; !ok {
		return ErrNotFound
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryJobStore) Finish(_ context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := job.Clone()
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now()
	}
	s.jobs[job.ID] = rec
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, jobID string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

func (s *MemoryJobStore) LoadOutstanding(_ context.Context) ([]*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []*model.Job
	for _, j := range s.jobs {
		if j.State.Outstanding() {
			jobs = append(jobs, j.Clone())
		}
	}
	return jobs, nil
}

func (s *MemoryJobStore) RecoverStuck(_ context.Context, cutoff time.Time) ([]*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []*model.Job
	for _, j := range s.jobs {
		if j.State == model.StateActive && j.PickedAt.Before(cutoff) {
			j.State = model.StateEnqueued
			jobs = append(jobs, j.Clone())
		}
	}
	return jobs, nil
}

func (s *MemoryJobStore) Prune(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for id, j := range s.jobs {
		if !j.State.Outstanding() && j.FinishedAt.Before(before) {
			delete(s.jobs, id)
			pruned++
		}
	}
	return pruned, nil
}
