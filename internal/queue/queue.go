package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Popie52/feedrank/internal/model"
)

var ErrClosed = errors.New("queue closed")

// index to track
type jobItem struct {
	job   *model.Job
	index int
}

// actual container; now is fixed before each re-heapify so Less is stable
type priorityQueue struct {
	items []*jobItem
	now   time.Time
}

func (pq *priorityQueue) Len() int { return len(pq.items) }

// Due jobs first, by effective priority; then delayed jobs by run time.
func (pq *priorityQueue) Less(i, j int) bool {
	a, b := pq.items[i].job, pq.items[j].job
	aDue, bDue := !a.RunAt.After(pq.now), !b.RunAt.After(pq.now)
	if aDue != bDue {
		return aDue
	}
	if aDue {
		pa, pb := effectivePriority(a, pq.now), effectivePriority(b, pq.now)
		if pa != pb {
			return pa > pb
		}
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.RunAt.Before(b.RunAt)
}

func (pq *priorityQueue) Swap(i, j int) {
	pq.items[i], pq.items[j] = pq.items[j], pq.items[i]
	pq.items[i].index = i
	pq.items[j].index = j
}

func (pq *priorityQueue) Push(newJob any) {
	item := newJob.(*jobItem)
	item.index = len(pq.items)
	pq.items = append(pq.items, item)
}

func (pq *priorityQueue) Pop() any {
	old := pq.items
	n := len(old)

	item := old[n-1]
	old[n-1] = nil

	pq.items = old[:n-1]
	return item
}

type Queue struct {
	mu     sync.Mutex
	pq     priorityQueue
	wake   chan struct{}
	closed bool
}

// Constructor
func NewQueue() *Queue {
	q := &Queue{wake: make(chan struct{})}
	heap.Init(&q.pq)
	return q
}

func (q *Queue) Push(job *model.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	heap.Push(&q.pq, &jobItem{job: job})
	q.broadcast()
	return nil
}

// Pop blocks until a job is due, ctx is done, or the queue shuts down.
func (q *Queue) Pop(ctx context.Context) (*model.Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}

		var wait time.Duration = -1
		if q.pq.Len() > 0 {
			q.pq.now = time.Now()
			heap.Init(&q.pq) // ages change order; O(n)
			top := q.pq.items[0].job
			if !top.RunAt.After(q.pq.now) {
				item := heap.Pop(&q.pq).(*jobItem)
				q.mu.Unlock()
				return item.job, nil
			}
			wait = top.RunAt.Sub(q.pq.now)
		}
		wake := q.wake
		q.mu.Unlock()

		var (
			timer  *time.Timer
			timerC <-chan time.Time
		)
		if wait >= 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pq.Len()
}

// Drain removes and returns every queued job, due or not.
func (q *Queue) Drain() []*model.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobs := make([]*model.Job, 0, len(q.pq.items))
	for _, it := range q.pq.items {
		jobs = append(jobs, it.job)
	}
	q.pq.items = nil
	return jobs
}

// effective priority: one point per second waited so old work is not starved
func effectivePriority(j *model.Job, now time.Time) int {
	since := j.RunAt
	if since.IsZero() {
		since = j.CreatedAt
	}
	wait := int(now.Sub(since).Seconds())
	return j.Priority + wait
}

func (q *Queue) Shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcast()
}

// caller holds mu
func (q *Queue) broadcast() {
	close(q.wake)
	q.wake = make(chan struct{})
}
