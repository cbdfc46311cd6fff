package schedule

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Popie52/feedrank/internal/model"
)

// Recurring describes one repeating job: fire every Every, enqueue with JobID.
type Recurring struct {
	JobType model.JobType
	Every   time.Duration
	JobID   string
}

// Registry owns the process's recurring timers on a cron runner.
type Registry struct {
	cron    *cron.Cron
	mu      sync.Mutex
	entries map[string]cron.EntryID
	started bool
}

func NewRegistry() *Registry {
	return &Registry{
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
	}
}

// Clear removes every registered schedule.
func (r *Registry) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.entries)
	for id, entryID := range r.entries {
		r.cron.Remove(entryID)
		delete(r.entries, id)
	}
	return n
}

// Register installs fn to run every s.Every, replacing any schedule already
// registered under s.JobID.
func (r *Registry) Register(s Recurring, fn func()) error {
	if s.Every <= 0 {
		return fmt.Errorf("schedule %s: interval must be positive", s.JobID)
	}
	if s.JobID == "" {
		return fmt.Errorf("schedule for %s: job id is required", s.JobType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.entries[s.JobID]; ok {
		r.cron.Remove(prev)
	}
	entryID := r.cron.Schedule(cron.Every(s.Every), cron.FuncJob(fn))
	r.entries[s.JobID] = entryID
	return nil
}

// Entries lists registered job IDs with their next fire time.
func (r *Registry) Entries() map[string]time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]time.Time, len(r.entries))
	for id, entryID := range r.entries {
		out[id] = r.cron.Entry(entryID).Next
	}
	return out
}

func (r *Registry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		r.cron.Start()
		r.started = true
	}
}

// Stop halts the timers and waits for running callbacks to return.
func (r *Registry) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	r.mu.Unlock()

	<-r.cron.Stop().Done()
}
