package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Popie52/feedrank/internal/model"
	"github.com/Popie52/feedrank/internal/queue"
	"github.com/Popie52/feedrank/internal/store"
)

type recordingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
	depth  int
	inflt  int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{counts: map[string]int{}}
}

func (r *recordingMetrics) inc(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[name]++
}

func (r *recordingMetrics) get(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[name]
}

func (r *recordingMetrics) IncJobsSubmitted(string)                  { r.inc("submitted") }
func (r *recordingMetrics) IncJobsDeduplicated(string)               { r.inc("deduplicated") }
func (r *recordingMetrics) IncJobsCompleted(string)                  { r.inc("completed") }
func (r *recordingMetrics) IncJobsFailed(string)                     { r.inc("failed") }
func (r *recordingMetrics) IncJobsDead(string)                       { r.inc("dead") }
func (r *recordingMetrics) IncJobsRetries(string)                    { r.inc("retries") }
func (r *recordingMetrics) ObserveJobDuration(string, time.Duration) {}
func (r *recordingMetrics) IncActiveWorkers()                        {}
func (r *recordingMetrics) DecActiveWorkers()                        {}
func (r *recordingMetrics) IncQueueDepth()                           { r.mu.Lock(); r.depth++; r.mu.Unlock() }
func (r *recordingMetrics) DecQueueDepth()                           { r.mu.Lock(); r.depth--; r.mu.Unlock() }
func (r *recordingMetrics) IncInflight()                             { r.mu.Lock(); r.inflt++; r.mu.Unlock() }
func (r *recordingMetrics) DecInflight()                             { r.mu.Lock(); r.inflt--; r.mu.Unlock() }

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type harness struct {
	queue      *queue.Queue
	store      store.JobStore
	metrics    *recordingMetrics
	dispatcher *Dispatcher
}

func newHarness() *harness {
	return newHarnessWith(store.NewMemoryJobStore())
}

func newHarnessWith(s store.JobStore) *harness {
	h := &harness{
		queue:   queue.NewQueue(),
		store:   s,
		metrics: newRecordingMetrics(),
	}
	h.dispatcher = NewDispatcher(h.queue, h.store, h.metrics, quietLogger(), JobDefaults{
		MaxAttempts: 3,
		Backoff:     model.BackoffPolicy{Base: 10 * time.Millisecond, Max: time.Second},
	})
	return h
}

func (h *harness) pool(handlers map[model.JobType]Handler, cfg PoolConfig) *Pool {
	if cfg.RateLimit == 0 {
		cfg.RateLimit = -1
	}
	return NewPool(h.dispatcher, handlers, cfg, h.metrics, quietLogger())
}

func waitForState(t *testing.T, s store.JobStore, id string, want model.JobState) *model.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if j, err := s.Get(context.Background(), id); err == nil && j.State == want {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	j, err := s.Get(context.Background(), id)
	t.Fatalf("job %s never reached %s, last = %+v, %v", id, want, j, err)
	return nil
}

func TestJobCompletes(t *testing.T) {
	h := newHarness()
	ran := make(chan string, 1)
	p := h.pool(map[model.JobType]Handler{
		model.JobTrendingPosts: func(_ context.Context, job *model.Job) error {
			ran <- job.ID
			return nil
		},
	}, PoolConfig{Concurrency: 2})
	p.Start(context.Background())
	defer p.Close()

	id, err := h.dispatcher.Enqueue(context.Background(), &model.Job{ID: "trending", Type: model.JobTrendingPosts})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	j := waitForState(t, h.store, id, model.StateCompleted)
	if j.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", j.Attempts)
	}
	if <-ran != "trending" {
		t.Fatal("handler saw the wrong job")
	}
	if h.metrics.get("completed") != 1 {
		t.Fatalf("completed = %d", h.metrics.get("completed"))
	}
}

func TestEnqueueSameIDCollapses(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	first, err := h.dispatcher.Enqueue(ctx, &model.Job{ID: "feed-agent-1", Type: model.JobPersonalizedFeed})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	second, err := h.dispatcher.Enqueue(ctx, &model.Job{ID: "feed-agent-1", Type: model.JobPersonalizedFeed})
	if err != nil {
		t.Fatalf("Enqueue duplicate: %v", err)
	}

	if first != second {
		t.Fatalf("duplicate enqueue returned %s, want %s", second, first)
	}
	if h.queue.Len() != 1 {
		t.Fatalf("expected one queued job, got %d", h.queue.Len())
	}
	outstanding, _ := h.store.LoadOutstanding(ctx)
	if len(outstanding) != 1 {
		t.Fatalf("expected one outstanding record, got %d", len(outstanding))
	}
	if h.metrics.get("submitted") != 1 || h.metrics.get("deduplicated") != 1 {
		t.Fatalf("unexpected metrics: %+v", h.metrics.counts)
	}
}

func TestActiveJobBlocksDuplicate(t *testing.T) {
	h := newHarness()
	started := make(chan struct{})
	release := make(chan struct{})
	var calls sync.WaitGroup
	calls.Add(1)

	p := h.pool(map[model.JobType]Handler{
		model.JobPersonalizedFeed: func(context.Context, *model.Job) error {
			close(started)
			<-release
			calls.Done()
			return nil
		},
	}, PoolConfig{Concurrency: 3})
	p.Start(context.Background())
	defer p.Close()

	ctx := context.Background()
	if _, err := h.dispatcher.Enqueue(ctx, &model.Job{ID: "agent-7", Type: model.JobPersonalizedFeed}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-started
	if _, err := h.dispatcher.Enqueue(ctx, &model.Job{ID: "agent-7", Type: model.JobPersonalizedFeed}); err != nil {
		t.Fatalf("Enqueue while active: %v", err)
	}
	if h.queue.Len() != 0 {
		t.Fatal("duplicate of an active job must not be queued")
	}
	close(release)
	calls.Wait()
	waitForState(t, h.store, "agent-7", model.StateCompleted)

	if _, err := h.dispatcher.Enqueue(ctx, &model.Job{ID: "agent-7", Type: model.JobPersonalizedFeed}); err != nil {
		t.Fatalf("Enqueue after completion: %v", err)
	}
	if h.metrics.get("submitted") != 2 {
		t.Fatalf("a new job should be accepted once the first completes, submitted=%d", h.metrics.get("submitted"))
	}
}

func TestAlwaysFailingJobExhaustsAfterTwoRetries(t *testing.T) {
	h := newHarness()

	var (
		mu     sync.Mutex
		starts []time.Time
	)
	p := h.pool(map[model.JobType]Handler{
		model.JobTrendingHashtags: func(context.Context, *model.Job) error {
			mu.Lock()
			starts = append(starts, time.Now())
			mu.Unlock()
			return errors.New("cache unreachable")
		},
	}, PoolConfig{Concurrency: 1})
	p.Start(context.Background())
	defer p.Close()

	if _, err := h.dispatcher.Enqueue(context.Background(), &model.Job{ID: "hashtags", Type: model.JobTrendingHashtags, MaxAttempts: 3}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	j := waitForState(t, h.store, "hashtags", model.StateExhausted)
	if j.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", j.Attempts)
	}
	if j.LastError != "cache unreachable" {
		t.Fatalf("last error = %q", j.LastError)
	}
	if h.metrics.get("retries") != 2 || h.metrics.get("dead") != 1 || h.metrics.get("failed") != 3 {
		t.Fatalf("unexpected metrics: %+v", h.metrics.counts)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(starts) != 3 {
		t.Fatalf("handler ran %d times, want 3", len(starts))
	}
	first, second := starts[1].Sub(starts[0]), starts[2].Sub(starts[1])
	if first < 10*time.Millisecond || second < 20*time.Millisecond {
		t.Fatalf("backoff too short: %s then %s", first, second)
	}
}

func TestPanickingHandlerIsRetried(t *testing.T) {
	h := newHarness()
	var (
		mu    sync.Mutex
		calls int
	)
	p := h.pool(map[model.JobType]Handler{
		model.JobTrendingPosts: func(context.Context, *model.Job) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				panic("nil map")
			}
			return nil
		},
	}, PoolConfig{Concurrency: 1})
	p.Start(context.Background())
	defer p.Close()

	if _, err := h.dispatcher.Enqueue(context.Background(), &model.Job{ID: "p", Type: model.JobTrendingPosts}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	j := waitForState(t, h.store, "p", model.StateCompleted)
	if j.Attempts != 2 {
		t.Fatalf("expected completion on the second attempt, got %d", j.Attempts)
	}
}

func TestUnknownJobTypeExhaustsImmediately(t *testing.T) {
	h := newHarness()
	p := h.pool(map[model.JobType]Handler{}, PoolConfig{Concurrency: 1})
	p.Start(context.Background())
	defer p.Close()

	if _, err := h.dispatcher.Enqueue(context.Background(), &model.Job{ID: "odd", Type: "mystery"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	j := waitForState(t, h.store, "odd", model.StateExhausted)
	if j.Attempts != 1 {
		t.Fatalf("unknown type should not retry, attempts=%d", j.Attempts)
	}
}

func TestCloseTimesOutAndCancelsHandlers(t *testing.T) {
	h := newHarness()
	started := make(chan struct{})
	cancelled := make(chan struct{})
	p := h.pool(map[model.JobType]Handler{
		model.JobTrendingPosts: func(ctx context.Context, _ *model.Job) error {
			close(started)
			<-ctx.Done()
			close(cancelled)
			return ctx.Err()
		},
	}, PoolConfig{Concurrency: 1, ShutdownGrace: 50 * time.Millisecond})
	p.Start(context.Background())

	if _, err := h.dispatcher.Enqueue(context.Background(), &model.Job{ID: "slow", Type: model.JobTrendingPosts}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-started

	if err := p.Close(); !errors.Is(err, ErrShutdownTimeout) {
		t.Fatalf("expected ErrShutdownTimeout, got %v", err)
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("handler context was not cancelled on force close")
	}

	if _, err := h.dispatcher.Enqueue(context.Background(), &model.Job{ID: "late", Type: model.JobTrendingPosts}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

func TestCloseWaitsForInFlightJob(t *testing.T) {
	h := newHarness()
	started := make(chan struct{})
	p := h.pool(map[model.JobType]Handler{
		model.JobTrendingPosts: func(ctx context.Context, _ *model.Job) error {
			close(started)
			time.Sleep(30 * time.Millisecond)
			return ctx.Err()
		},
	}, PoolConfig{Concurrency: 1, ShutdownGrace: time.Second})
	p.Start(context.Background())

	if _, err := h.dispatcher.Enqueue(context.Background(), &model.Job{ID: "short", Type: model.JobTrendingPosts}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-started
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	j, err := h.store.Get(context.Background(), "short")
	if err != nil || j.State != model.StateCompleted {
		t.Fatalf("in-flight job should finish during grace, got %+v, %v", j, err)
	}
}

func TestRestoreRequeuesOutstanding(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	stale := &model.Job{ID: "stale", Type: model.JobTrendingPosts, MaxAttempts: 3, CreatedAt: time.Now(), RunAt: time.Now()}
	if _, err := h.store.SavePending(ctx, stale); err != nil {
		t.Fatalf("SavePending: %v", err)
	}
	stale.State = model.StateActive
	stale.Attempts = 1
	_ = h.store.Update(ctx, stale)

	n, err := h.dispatcher.Restore(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Restore = %d, %v", n, err)
	}
	j, _ := h.store.Get(ctx, "stale")
	if j.State != model.StateEnqueued {
		t.Fatalf("restored job should be enqueued, got %s", j.State)
	}
	if h.queue.Len() != 1 {
		t.Fatalf("expected restored job in queue")
	}
}

func TestEnqueueFillsDefaults(t *testing.T) {
	h := newHarness()
	job := &model.Job{Type: model.JobTrendingPosts}
	id, err := h.dispatcher.Enqueue(context.Background(), job)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if id == "" || job.MaxAttempts != 3 || job.Backoff.Base != 10*time.Millisecond || job.RunAt.IsZero() {
		t.Fatalf("defaults not applied: %+v", job)
	}
	status, err := h.dispatcher.Status(context.Background(), id)
	if err != nil || status.State != model.StateEnqueued {
		t.Fatalf("Status = %+v, %v", status, err)
	}
}

func TestNewLimiter(t *testing.T) {
	l := newLimiter(50, time.Minute)
	if l.Burst() != 1 {
		t.Fatalf("burst = %d, want 1", l.Burst())
	}
	if got := float64(l.Limit()); math.Abs(got-50.0/60.0) > 1e-9 {
		t.Fatalf("limit = %v per second, want %v", got, 50.0/60.0)
	}
	if !newLimiter(0, time.Minute).Allow() {
		t.Fatal("zero rate should mean unlimited")
	}
}

func TestLimiterNeverExceedsLimitInAnyWindow(t *testing.T) {
	l := newLimiter(50, time.Minute)
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	var admitted []time.Time
	for at := t0; at.Before(t0.Add(3 * time.Minute)); at = at.Add(10 * time.Millisecond) {
		if l.AllowN(at, 1) {
			admitted = append(admitted, at)
		}
	}

	for i, start := range admitted {
		inWindow := 0
		for _, at := range admitted[i:] {
			if at.Sub(start) >= time.Minute {
				break
			}
			inWindow++
		}
		if inWindow > 50 {
			t.Fatalf("window starting %v admitted %d starts, want <= 50", start.Sub(t0), inWindow)
		}
	}
	if n := len(admitted); n < 140 {
		t.Fatalf("limiter too strict: %d starts in 3 minutes", n)
	}
}

func TestCloseLeavesQueuedJobsOutstanding(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	future := time.Now().Add(time.Hour)
	if _, err := h.dispatcher.Enqueue(ctx, &model.Job{ID: "later", Type: model.JobTrendingPosts, RunAt: future}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	h.dispatcher.Close()

	if h.queue.Len() != 0 {
		t.Fatalf("expected queue drained on close, got %d", h.queue.Len())
	}
	if h.metrics.depth != 0 {
		t.Fatalf("queue depth gauge = %d, want 0", h.metrics.depth)
	}
	outstanding, err := h.store.LoadOutstanding(ctx)
	if err != nil || len(outstanding) != 1 || outstanding[0].ID != "later" {
		t.Fatalf("expected record kept for restore, got %v, %v", outstanding, err)
	}
}

// flakyStore injects write failures into a memory store.
type flakyStore struct {
	store.JobStore
	mu             sync.Mutex
	finishFailures int
	updateFailures map[string]int
	missing        map[string]bool
}

func newFlakyStore() *flakyStore {
	return &flakyStore{
		JobStore:       store.NewMemoryJobStore(),
		updateFailures: map[string]int{},
		missing:        map[string]bool{},
	}
}

func (f *flakyStore) Finish(ctx context.Context, job *model.Job) error {
	f.mu.Lock()
	if f.finishFailures > 0 {
		f.finishFailures--
		f.mu.Unlock()
		return errors.New("connection reset")
	}
	f.mu.Unlock()
	return f.JobStore.Finish(ctx, job)
}

func (f *flakyStore) Update(ctx context.Context, job *model.Job) error {
	f.mu.Lock()
	if f.missing[job.ID] {
		f.mu.Unlock()
		return store.ErrNotFound
	}
	if f.updateFailures[job.ID] > 0 {
		f.updateFailures[job.ID]--
		f.mu.Unlock()
		return errors.New("i/o timeout")
	}
	f.mu.Unlock()
	return f.JobStore.Update(ctx, job)
}

func (f *flakyStore) setFinishFailures(n int) {
	f.mu.Lock()
	f.finishFailures = n
	f.mu.Unlock()
}

func TestFinishRetriedAfterTransientFailure(t *testing.T) {
	fs := newFlakyStore()
	h := newHarnessWith(fs)
	var runs atomic.Int32
	p := h.pool(map[model.JobType]Handler{
		model.JobTrendingPosts: func(context.Context, *model.Job) error {
			if runs.Add(1) == 1 {
				fs.setFinishFailures(1)
			}
			return nil
		},
	}, PoolConfig{Concurrency: 1})
	p.Start(context.Background())
	defer p.Close()

	ctx := context.Background()
	if _, err := h.dispatcher.Enqueue(ctx, &model.Job{ID: "trending:posts", Type: model.JobTrendingPosts}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitForState(t, fs, "trending:posts", model.StateCompleted)

	// the ID must be free again for the next scheduled run
	if _, err := h.dispatcher.Enqueue(ctx, &model.Job{ID: "trending:posts", Type: model.JobTrendingPosts}); err != nil {
		t.Fatalf("second Enqueue: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if runs.Load() != 2 {
		t.Fatalf("expected the next run to execute, runs = %d, deduplicated = %d", runs.Load(), h.metrics.get("deduplicated"))
	}
}

func TestRecoverStuckReclaimsUnfinishedRecord(t *testing.T) {
	fs := newFlakyStore()
	h := newHarnessWith(fs)
	var runs atomic.Int32
	p := h.pool(map[model.JobType]Handler{
		model.JobTrendingPosts: func(context.Context, *model.Job) error {
			if runs.Add(1) == 1 {
				// outlasts the finish retries
				fs.setFinishFailures(100)
			}
			return nil
		},
	}, PoolConfig{Concurrency: 1})
	p.Start(context.Background())
	defer p.Close()

	ctx := context.Background()
	if _, err := h.dispatcher.Enqueue(ctx, &model.Job{ID: "trending:posts", Type: model.JobTrendingPosts}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitForState(t, fs, "trending:posts", model.StateActive)
	// completed is counted once Complete has given up on the write
	deadline := time.Now().Add(5 * time.Second)
	for h.metrics.get("completed") < 1 {
		if time.Now().After(deadline) {
			t.Fatal("job never left the worker")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if j, _ := fs.Get(ctx, "trending:posts"); j.State != model.StateActive {
		t.Fatalf("record should still be active, got %s", j.State)
	}

	for i := 0; i < 3; i++ {
		_, _ = h.dispatcher.Enqueue(ctx, &model.Job{ID: "trending:posts", Type: model.JobTrendingPosts})
	}
	if h.metrics.get("deduplicated") != 3 || runs.Load() != 1 {
		t.Fatalf("expected enqueues to collapse onto the stuck record")
	}

	fs.setFinishFailures(0)
	n, err := h.dispatcher.RecoverStuck(ctx, time.Now())
	if err != nil || n != 1 {
		t.Fatalf("RecoverStuck = %d, %v", n, err)
	}
	j := waitForState(t, fs, "trending:posts", model.StateCompleted)
	if runs.Load() != 2 || j.Attempts != 2 {
		t.Fatalf("expected a second run after recovery, runs = %d attempts = %d", runs.Load(), j.Attempts)
	}
}

func TestRecoverStuckSkipsJobsRunningHere(t *testing.T) {
	h := newHarness()
	release := make(chan struct{})
	started := make(chan struct{})
	p := h.pool(map[model.JobType]Handler{
		model.JobTrendingPosts: func(context.Context, *model.Job) error {
			close(started)
			<-release
			return nil
		},
	}, PoolConfig{Concurrency: 1})
	p.Start(context.Background())
	defer p.Close()

	ctx := context.Background()
	if _, err := h.dispatcher.Enqueue(ctx, &model.Job{ID: "long", Type: model.JobTrendingPosts}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-started

	n, err := h.dispatcher.RecoverStuck(ctx, time.Now().Add(time.Minute))
	if err != nil || n != 0 {
		t.Fatalf("running job must not be requeued, got %d, %v", n, err)
	}
	if h.queue.Len() != 0 {
		t.Fatalf("queue should stay empty, got %d", h.queue.Len())
	}
	close(release)
	waitForState(t, h.store, "long", model.StateCompleted)
}

func TestRecoverStuckExhaustsSpentJob(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	now := time.Now()

	spent := &model.Job{ID: "spent", Type: model.JobTrendingPosts, MaxAttempts: 3, CreatedAt: now, RunAt: now}
	if _, err := h.store.SavePending(ctx, spent); err != nil {
		t.Fatalf("SavePending: %v", err)
	}
	spent.State, spent.Attempts, spent.PickedAt = model.StateActive, 3, now.Add(-time.Hour)
	if err := h.store.Update(ctx, spent); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if n, err := h.dispatcher.RecoverStuck(ctx, now); err != nil || n != 0 {
		t.Fatalf("RecoverStuck = %d, %v", n, err)
	}
	j, _ := h.store.Get(ctx, "spent")
	if j.State != model.StateExhausted || h.metrics.get("dead") != 1 {
		t.Fatalf("expected spent job exhausted, got %+v", j)
	}
}

func TestMissingRecordDroppedWithoutBlockingQueue(t *testing.T) {
	fs := newFlakyStore()
	fs.missing["lost"] = true
	h := newHarnessWith(fs)
	var lostRuns atomic.Int32
	p := h.pool(map[model.JobType]Handler{
		model.JobTrendingPosts: func(_ context.Context, job *model.Job) error {
			if job.ID == "lost" {
				lostRuns.Add(1)
			}
			return nil
		},
	}, PoolConfig{Concurrency: 1})

	ctx := context.Background()
	if _, err := h.dispatcher.Enqueue(ctx, &model.Job{ID: "lost", Type: model.JobTrendingPosts, Priority: 100}); err != nil {
		t.Fatalf("Enqueue lost: %v", err)
	}
	if _, err := h.dispatcher.Enqueue(ctx, &model.Job{ID: "next", Type: model.JobTrendingPosts}); err != nil {
		t.Fatalf("Enqueue next: %v", err)
	}
	p.Start(ctx)
	defer p.Close()

	waitForState(t, fs, "next", model.StateCompleted)
	if lostRuns.Load() != 0 {
		t.Fatalf("job without a record must not run")
	}
	if h.queue.Len() != 0 {
		t.Fatalf("dropped job should not be requeued, queue has %d", h.queue.Len())
	}
}

func TestActivationFailureDefersJob(t *testing.T) {
	fs := newFlakyStore()
	fs.updateFailures["flaky"] = 2
	h := newHarnessWith(fs)
	var mu sync.Mutex
	var order []string
	p := h.pool(map[model.JobType]Handler{
		model.JobTrendingPosts: func(_ context.Context, job *model.Job) error {
			mu.Lock()
			order = append(order, job.ID)
			mu.Unlock()
			return nil
		},
	}, PoolConfig{Concurrency: 1})

	ctx := context.Background()
	if _, err := h.dispatcher.Enqueue(ctx, &model.Job{ID: "flaky", Type: model.JobTrendingPosts, Priority: 100}); err != nil {
		t.Fatalf("Enqueue flaky: %v", err)
	}
	if _, err := h.dispatcher.Enqueue(ctx, &model.Job{ID: "steady", Type: model.JobTrendingPosts}); err != nil {
		t.Fatalf("Enqueue steady: %v", err)
	}
	p.Start(ctx)
	defer p.Close()

	waitForState(t, fs, "flaky", model.StateCompleted)
	waitForState(t, fs, "steady", model.StateCompleted)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "steady" {
		t.Fatalf("deferred job should yield to due work, order = %v", order)
	}
	j, _ := fs.Get(ctx, "flaky")
	if j.Attempts != 1 {
		t.Fatalf("failed activations must not count attempts, got %d", j.Attempts)
	}
}

func TestConcurrencyCapsRunningHandlers(t *testing.T) {
	h := newHarness()
	release := make(chan struct{})
	var running, peak, started atomic.Int32
	p := h.pool(map[model.JobType]Handler{
		model.JobTrendingPosts: func(context.Context, *model.Job) error {
			started.Add(1)
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			<-release
			running.Add(-1)
			return nil
		},
	}, PoolConfig{Concurrency: 5})
	p.Start(context.Background())
	defer p.Close()

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		if _, err := h.dispatcher.Enqueue(ctx, &model.Job{ID: fmt.Sprint("job-", i), Type: model.JobTrendingPosts}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for started.Load() < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if got := started.Load(); got != 5 {
		t.Fatalf("expected exactly 5 handlers started while blocked, got %d", got)
	}

	close(release)
	for i := 0; i < 6; i++ {
		waitForState(t, h.store, fmt.Sprint("job-", i), model.StateCompleted)
	}
	if peak.Load() != 5 {
		t.Fatalf("peak concurrency = %d, want 5", peak.Load())
	}
}

func TestRateLimitThrottlesJobStarts(t *testing.T) {
	h := newHarness()
	var mu sync.Mutex
	var starts []time.Time
	p := h.pool(map[model.JobType]Handler{
		model.JobTrendingPosts: func(context.Context, *model.Job) error {
			mu.Lock()
			starts = append(starts, time.Now())
			mu.Unlock()
			return nil
		},
	}, PoolConfig{Concurrency: 4, RateLimit: 4, RateWindow: 400 * time.Millisecond})
	p.Start(context.Background())
	defer p.Close()

	ctx := context.Background()
	for i := 0; i < 8; i++ {
		if _, err := h.dispatcher.Enqueue(ctx, &model.Job{ID: fmt.Sprint("rl-", i), Type: model.JobTrendingPosts}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	for i := 0; i < 8; i++ {
		waitForState(t, h.store, fmt.Sprint("rl-", i), model.StateCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })
	// one start per 100ms: eight starts span at least ~700ms
	if span := starts[7].Sub(starts[0]); span < 600*time.Millisecond {
		t.Fatalf("8 starts within %v, limiter not applied", span)
	}
	early := 0
	for _, s := range starts {
		if s.Sub(starts[0]) < 250*time.Millisecond {
			early++
		}
	}
	if early > 3 {
		t.Fatalf("%d starts in the first 250ms, want <= 3", early)
	}
}
