package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"smartmoney/internal/logger"
	"smartmoney/internal/metrics"
)

var (
	ErrNotReady   = errors.New("jobs: upstream data not ready")
	ErrUnknownJob = errors.New("jobs: unknown job")
)

// Definition describes a pipeline step. Gate, when set, must return an error
// wrapping ErrNotReady while the step's inputs are missing or stale.
type Definition struct {
	Name     string
	Queue    string
	Priority int
	Gate     func(ctx context.Context) error
	Run      func(ctx context.Context) (any, error)
}

// Switches reports whether a job is enabled.
type Switches interface {
	IsEnabled(ctx context.Context, key string, fallback bool) bool
}

type Options struct {
	Queues       map[string]int
	MaxAttempts  int
	RetryBackoff time.Duration
	JobTimeout   time.Duration
	LockTTL      time.Duration
	// SwitchKey maps a job name to its switch key.
	SwitchKey func(name string) string
}

type EnqueueOptions struct {
	Delay         time.Duration
	PriorityBoost int
	Reason        string
}

// RunStatus is the last known outcome of a job.
type RunStatus struct {
	Name       string     `json:"name"`
	Queue      string     `json:"queue"`
	Runs       int        `json:"runs"`
	LastJobID  string     `json:"last_job_id,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastOKAt   *time.Time `json:"last_ok_at,omitempty"`
	Elapsed    string     `json:"elapsed,omitempty"`
	Result     any        `json:"result,omitempty"`
}

type Scheduler struct {
	base     context.Context
	opts     Options
	locker   Locker
	switches Switches
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu      sync.Mutex
	defs    map[string]Definition
	queues  map[string]*Queue
	status  map[string]*RunStatus
	started bool
}

func New(base context.Context, opts Options, locker Locker, switches Switches, log *zap.Logger, m *metrics.Metrics) *Scheduler {
	if base == nil {
		base = context.Background()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if locker == nil {
		locker = NewMemoryLocker()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Minute
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 20 * time.Minute
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = opts.JobTimeout + time.Minute
	}
	s := &Scheduler{
		base:     base,
		opts:     opts,
		locker:   locker,
		switches: switches,
		logger:   log,
		metrics:  m,
		now:      time.Now,
		defs:     map[string]Definition{},
		queues:   map[string]*Queue{},
		status:   map[string]*RunStatus{},
	}
	for name, workers := range opts.Queues {
		s.queues[name] = s.newQueue(name, workers)
	}
	return s
}

func (s *Scheduler) newQueue(name string, workers int) *Queue {
	q := NewQueue(name, workers, s.execute)
	q.onChange = func(st QueueStats) {
		s.metrics.SetQueue(st.Name, st.Depth+st.Delayed, st.Running)
	}
	return q
}

// Register adds a job. A job naming an unconfigured queue gets a
// single-worker queue of that name.
func (s *Scheduler) Register(def Definition) error {
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" || def.Run == nil {
		return fmt.Errorf("jobs: definition needs a name and a run func")
	}
	if def.Queue == "" {
		def.Queue = "default"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.defs[def.Name]; ok {
		return fmt.Errorf("jobs: %s registered twice", def.Name)
	}
	q, ok := s.queues[def.Queue]
	if !ok {
		q = s.newQueue(def.Queue, 1)
		s.queues[def.Queue] = q
		if s.started {
			q.Start()
		}
	}
	s.defs[def.Name] = def
	s.status[def.Name] = &RunStatus{Name: def.Name, Queue: def.Queue}
	return nil
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	for _, q := range s.queues {
		q.Start()
	}
	s.logger.Info("job queues started", zap.Int("queues", len(s.queues)), zap.Int("jobs", len(s.defs)))
}

// Stop halts dispatch and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	queues := make([]*Queue, 0, len(s.queues))
	for _, q := range s.queues {
		queues = append(queues, q)
	}
	s.mu.Unlock()

	var errs []error
	for _, q := range queues {
		if err := q.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("queue %s: %w", q.Name(), err))
		}
	}
	s.logger.Info("job queues stopped")
	return errors.Join(errs...)
}

// Enqueue schedules name on its queue.
func (s *Scheduler) Enqueue(name string, opts EnqueueOptions) (Job, error) {
	s.mu.Lock()
	def, ok := s.defs[name]
	var q *Queue
	if ok {
		q = s.queues[def.Queue]
	}
	s.mu.Unlock()
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	now := s.now()
	job := Job{
		ID:         uuid.NewString(),
		Name:       name,
		Queue:      def.Queue,
		Priority:   def.Priority + opts.PriorityBoost,
		Attempt:    1,
		NotBefore:  now.Add(opts.Delay),
		EnqueuedAt: now,
		Reason:     opts.Reason,
	}
	if err := q.Push(job, now); err != nil {
		return Job{}, err
	}
	s.logger.Debug("job enqueued", zap.String("job", name), zap.String("job_id", job.ID),
		zap.String("reason", opts.Reason), zap.Duration("delay", opts.Delay))
	return job, nil
}

// RunNow executes name synchronously on the caller's goroutine. The lock is
// still taken; force skips the switch and the gate.
func (s *Scheduler) RunNow(ctx context.Context, name string, force bool) (any, error) {
	s.mu.Lock()
	def, ok := s.defs[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	job := Job{ID: uuid.NewString(), Name: name, Queue: def.Queue, Attempt: 1, EnqueuedAt: s.now(), Reason: "manual"}
	if !force {
		if !s.enabled(ctx, name) {
			return nil, fmt.Errorf("jobs: %s is disabled", name)
		}
		if def.Gate != nil {
			if err := def.Gate(ctx); err != nil {
				return nil, err
			}
		}
	}
	return s.runLocked(ctx, def, job)
}

// execute is the queue handler.
func (s *Scheduler) execute(job Job) {
	s.mu.Lock()
	def, ok := s.defs[job.Name]
	s.mu.Unlock()
	if !ok {
		return
	}
	log := logger.Job(s.logger, job.Name, job.ID).With(zap.Int("attempt", job.Attempt))

	if !s.enabled(s.base, job.Name) {
		log.Info("job skipped, switched off")
		s.record(job, metrics.StatusDisabled, 0, nil, nil)
		return
	}

	if def.Gate != nil {
		gateCtx, cancel := context.WithTimeout(context.WithoutCancel(s.base), 30*time.Second)
		err := def.Gate(gateCtx)
		cancel()
		if err != nil {
			log.Info("job not ready", zap.Error(err))
			s.record(job, metrics.StatusNotReady, 0, nil, err)
			s.retry(job, log)
			return
		}
	}

	start := s.now()
	result, err := s.runLocked(s.base, def, job)
	elapsed := s.now().Sub(start)
	switch {
	case errors.Is(err, ErrLocked):
		log.Info("job skipped, previous run still holds the lock")
		s.record(job, metrics.StatusLocked, 0, nil, err)
	case err != nil:
		status := metrics.StatusFailed
		var p *panicError
		if errors.As(err, &p) {
			status = metrics.StatusPanic
		}
		log.Warn("job failed", zap.Duration("elapsed", elapsed), zap.Error(err))
		s.record(job, status, elapsed, result, err)
		s.retry(job, log)
	default:
		log.Info("job ok", zap.Duration("elapsed", elapsed), zap.Any("result", result))
		s.record(job, metrics.StatusOK, elapsed, result, nil)
	}
}

// runLocked holds the job lock around one run. The run context survives
// cancellation of ctx and is bounded by the job timeout.
func (s *Scheduler) runLocked(ctx context.Context, def Definition, job Job) (result any, err error) {
	release, err := s.locker.Acquire(ctx, "job:"+def.Name, s.opts.LockTTL)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.JobTimeout)
	defer func() {
		cancel()
		relCtx, relCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if rerr := release(relCtx); rerr != nil {
			s.logger.Warn("job lock release failed", zap.String("job", def.Name), zap.Error(rerr))
		}
		relCancel()
	}()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked", zap.String("job", def.Name), zap.String("job_id", job.ID),
				zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = &panicError{value: r}
		}
	}()
	return def.Run(runCtx)
}

func (s *Scheduler) retry(job Job, log *zap.Logger) {
	if job.Attempt >= s.opts.MaxAttempts {
		log.Warn("job gave up", zap.Int("max_attempts", s.opts.MaxAttempts))
		return
	}
	s.mu.Lock()
	q := s.queues[job.Queue]
	s.mu.Unlock()
	backoff := s.opts.RetryBackoff * time.Duration(1<<(job.Attempt-1))
	now := s.now()
	next := job
	next.ID = uuid.NewString()
	next.Attempt++
	next.NotBefore = now.Add(backoff)
	next.EnqueuedAt = now
	next.Reason = "retry"
	if err := q.Push(next, now); err != nil {
		log.Info("job retry not queued", zap.Error(err))
		return
	}
	log.Info("job retry scheduled", zap.Duration("backoff", backoff), zap.Int("next_attempt", next.Attempt))
}

func (s *Scheduler) enabled(ctx context.Context, name string) bool {
	if s.switches == nil || s.opts.SwitchKey == nil {
		return true
	}
	return s.switches.IsEnabled(ctx, s.opts.SwitchKey(name), true)
}

func (s *Scheduler) record(job Job, status string, elapsed time.Duration, result any, err error) {
	s.metrics.ObserveJob(job.Name, status, elapsed)
	now := s.now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status[job.Name]
	if st == nil {
		return
	}
	st.LastJobID = job.ID
	st.LastStatus = status
	st.LastRunAt = &now
	st.LastError = ""
	if err != nil {
		st.LastError = err.Error()
	}
	if status == metrics.StatusOK || status == metrics.StatusFailed || status == metrics.StatusPanic {
		st.Runs++
		st.Elapsed = elapsed.Round(time.Millisecond).String()
		st.Result = result
	}
	if status == metrics.StatusOK {
		st.LastOKAt = &now
	}
}

// Jobs lists every registered job with its last run.
func (s *Scheduler) Jobs() []RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RunStatus, 0, len(s.status))
	for _, st := range s.status {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) Queues() []QueueStats {
	s.mu.Lock()
	queues := make([]*Queue, 0, len(s.queues))
	for _, q := range s.queues {
		queues = append(queues, q)
	}
	s.mu.Unlock()
	out := make([]QueueStats, 0, len(queues))
	for _, q := range queues {
		out = append(out, q.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Has reports whether name is registered.
func (s *Scheduler) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.defs[name]
	return ok
}

type panicError struct{ value any }

func (p *panicError) Error() string { return fmt.Sprintf("job panicked: %v", p.value) }
