// Package jobs runs pipeline jobs on named worker queues with per-job locks,
// retries and readiness gates.
package jobs

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrAlreadyQueued = errors.New("jobs: already queued")
	ErrQueueStopped  = errors.New("jobs: queue stopped")
)

// Job is one scheduled run of a named pipeline step.
type Job struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Queue      string    `json:"queue"`
	Priority   int       `json:"priority"`
	Attempt    int       `json:"attempt"`
	NotBefore  time.Time `json:"not_before"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Reason     string    `json:"reason,omitempty"`

	seq uint64
}

type QueueStats struct {
	Name    string `json:"name"`
	Workers int    `json:"workers"`
	Depth   int    `json:"depth"`
	Delayed int    `json:"delayed"`
	Running int    `json:"running"`
}

// Queue is a priority queue drained by a fixed worker pool. Jobs with a
// future NotBefore wait on a timer and enter the heap when it fires. At most
// one pending job per name is held.
type Queue struct {
	name    string
	workers int
	handle  func(Job)

	mu       sync.Mutex
	cond     *sync.Cond
	items    jobHeap
	seq      uint64
	pending  map[string]string
	timers   map[string]*time.Timer
	running  int
	started  bool
	stopped  bool
	wg       sync.WaitGroup
	onChange func(QueueStats)
}

func NewQueue(name string, workers int, handle func(Job)) *Queue {
	if workers <= 0 {
		workers = 1
	}
	q := &Queue{
		name:    name,
		workers: workers,
		handle:  handle,
		pending: map[string]string{},
		timers:  map[string]*time.Timer{},
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *Queue) Name() string { return q.name }

// Push queues job, or arms a timer when NotBefore is after now.
func (q *Queue) Push(job Job, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return ErrQueueStopped
	}
	if _, ok := q.pending[job.Name]; ok {
		return ErrAlreadyQueued
	}
	q.pending[job.Name] = job.ID
	q.seq++
	job.seq = q.seq

	if delay := job.NotBefore.Sub(now); delay > 0 {
		q.timers[job.ID] = time.AfterFunc(delay, func() { q.release(job) })
		q.changedLocked()
		return nil
	}
	heap.Push(&q.items, job)
	q.changedLocked()
	q.cond.Signal()
	return nil
}

func (q *Queue) release(job Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.timers[job.ID]; !ok || q.stopped {
		return
	}
	delete(q.timers, job.ID)
	heap.Push(&q.items, job)
	q.changedLocked()
	q.cond.Signal()
}

func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.stopped {
		return
	}
	q.started = true
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work()
	}
}

func (q *Queue) work() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		for !q.stopped && q.items.Len() == 0 {
			q.cond.Wait()
		}
		if q.stopped {
			q.mu.Unlock()
			return
		}
		job := heap.Pop(&q.items).(Job)
		delete(q.pending, job.Name)
		q.running++
		q.changedLocked()
		q.mu.Unlock()

		q.handle(job)

		q.mu.Lock()
		q.running--
		q.changedLocked()
		q.mu.Unlock()
	}
}

// Stop drops queued and delayed jobs, then waits for running ones until ctx
// is done.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	q.items = nil
	q.pending = map[string]string{}
	q.cond.Broadcast()
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statsLocked()
}

// Pending lists queued and delayed jobs by name.
func (q *Queue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.pending))
	for name := range q.pending {
		out = append(out, name)
	}
	return out
}

func (q *Queue) statsLocked() QueueStats {
	return QueueStats{
		Name:    q.name,
		Workers: q.workers,
		Depth:   q.items.Len(),
		Delayed: len(q.timers),
		Running: q.running,
	}
}

func (q *Queue) changedLocked() {
	if q.onChange != nil {
		q.onChange(q.statsLocked())
	}
}

// jobHeap orders by priority desc, then NotBefore, then insertion order.
type jobHeap []Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	if !h[i].NotBefore.Equal(h[j].NotBefore) {
		return h[i].NotBefore.Before(h[j].NotBefore)
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(Job)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
