package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"smartmoney/internal/metrics"
)

type switchStub struct {
	mu  sync.Mutex
	off map[string]bool
}

func (s *switchStub) IsEnabled(_ context.Context, key string, fallback bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.off[key] {
		return false
	}
	return fallback
}

func newTestScheduler(t *testing.T, m *metrics.Metrics, sw Switches) *Scheduler {
	t.Helper()
	s := New(context.Background(), Options{
		Queues:       map[string]int{QueueIngest: 1, QueueAnalysis: 2},
		MaxAttempts:  3,
		RetryBackoff: 10 * time.Millisecond,
		JobTimeout:   time.Second,
		SwitchKey:    func(name string) string { return "feature." + name },
	}, NewMemoryLocker(), sw, zap.NewNop(), m)
	s.Start()
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func lastStatus(s *Scheduler, name string) RunStatus {
	for _, st := range s.Jobs() {
		if st.Name == name {
			return st
		}
	}
	return RunStatus{}
}

func TestScheduler_RunsAndRecords(t *testing.T) {
	m := metrics.New("test")
	s := newTestScheduler(t, m, nil)
	var runs atomic.Int32
	require.NoError(t, s.Register(Definition{Name: "market_sync", Queue: QueueIngest, Run: func(ctx context.Context) (any, error) {
		runs.Add(1)
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		return map[string]int{"upserted": 3}, nil
	}}))

	job, err := s.Enqueue("market_sync", EnqueueOptions{Reason: "test"})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, QueueIngest, job.Queue)

	require.Eventually(t, func() bool { return lastStatus(s, "market_sync").LastStatus == metrics.StatusOK }, 2*time.Second, 5*time.Millisecond)
	st := lastStatus(s, "market_sync")
	assert.Equal(t, 1, st.Runs)
	assert.NotNil(t, st.LastOKAt)
	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobRuns.WithLabelValues("market_sync", metrics.StatusOK)))

	_, err = s.Enqueue("nope", EnqueueOptions{})
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestScheduler_RetriesUntilMaxAttempts(t *testing.T) {
	s := newTestScheduler(t, nil, nil)
	var attempts atomic.Int32
	require.NoError(t, s.Register(Definition{Name: "flaky", Queue: QueueIngest, Run: func(context.Context) (any, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("upstream 503")
		}
		return "ok", nil
	}}))
	_, err := s.Enqueue("flaky", EnqueueOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return lastStatus(s, "flaky").LastStatus == metrics.StatusOK }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, 3, lastStatus(s, "flaky").Runs)

	var failures atomic.Int32
	require.NoError(t, s.Register(Definition{Name: "broken", Queue: QueueIngest, Run: func(context.Context) (any, error) {
		failures.Add(1)
		return nil, errors.New("always")
	}}))
	_, err = s.Enqueue("broken", EnqueueOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return failures.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(3), failures.Load(), "no fourth attempt")
}

func TestScheduler_GateHoldsJobBack(t *testing.T) {
	s := newTestScheduler(t, nil, nil)
	s.opts.MaxAttempts = 50
	var ready atomic.Bool
	var ran atomic.Int32
	require.NoError(t, s.Register(Definition{
		Name:  "smart_discovery",
		Queue: QueueAnalysis,
		Gate: func(context.Context) error {
			if !ready.Load() {
				return ErrNotReady
			}
			return nil
		},
		Run: func(context.Context) (any, error) {
			ran.Add(1)
			return nil, nil
		},
	}))
	_, err := s.Enqueue("smart_discovery", EnqueueOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return lastStatus(s, "smart_discovery").LastStatus == metrics.StatusNotReady }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), ran.Load())

	ready.Store(true)
	require.Eventually(t, func() bool { return ran.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestScheduler_LockedRunIsSkipped(t *testing.T) {
	s := newTestScheduler(t, nil, nil)
	require.NoError(t, s.Register(Definition{Name: "multi_outcome", Queue: QueueAnalysis, Run: func(context.Context) (any, error) {
		return nil, nil
	}}))
	release, err := s.locker.Acquire(context.Background(), "job:multi_outcome", time.Minute)
	require.NoError(t, err)
	defer release(context.Background())

	_, err = s.Enqueue("multi_outcome", EnqueueOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return lastStatus(s, "multi_outcome").LastStatus == metrics.StatusLocked }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, lastStatus(s, "multi_outcome").Runs)

	_, err = s.RunNow(context.Background(), "multi_outcome", true)
	assert.ErrorIs(t, err, ErrLocked)
}

func TestScheduler_PanicIsRecovered(t *testing.T) {
	s := newTestScheduler(t, nil, nil)
	var calls atomic.Int32
	require.NoError(t, s.Register(Definition{Name: "buggy", Queue: QueueAnalysis, Run: func(context.Context) (any, error) {
		calls.Add(1)
		panic("illegal transition")
	}}))
	require.NoError(t, s.Register(Definition{Name: "healthy", Queue: QueueAnalysis, Run: func(context.Context) (any, error) {
		return nil, nil
	}}))

	_, err := s.Enqueue("buggy", EnqueueOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return calls.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, metrics.StatusPanic, lastStatus(s, "buggy").LastStatus)
	assert.Contains(t, lastStatus(s, "buggy").LastError, "illegal transition")

	_, err = s.Enqueue("healthy", EnqueueOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return lastStatus(s, "healthy").LastStatus == metrics.StatusOK }, 2*time.Second, 5*time.Millisecond)

	// the lock was released despite the panic
	_, err = s.RunNow(context.Background(), "healthy", false)
	require.NoError(t, err)
	release, err := s.locker.Acquire(context.Background(), "job:buggy", time.Minute)
	require.NoError(t, err)
	require.NoError(t, release(context.Background()))
}

func TestScheduler_SwitchedOff(t *testing.T) {
	sw := &switchStub{off: map[string]bool{"feature.pinned_refresh": true}}
	s := newTestScheduler(t, nil, sw)
	var ran atomic.Int32
	require.NoError(t, s.Register(Definition{Name: "pinned_refresh", Queue: QueueIngest, Run: func(context.Context) (any, error) {
		ran.Add(1)
		return nil, nil
	}}))
	_, err := s.Enqueue("pinned_refresh", EnqueueOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return lastStatus(s, "pinned_refresh").LastStatus == metrics.StatusDisabled }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), ran.Load())

	_, err = s.RunNow(context.Background(), "pinned_refresh", false)
	assert.Error(t, err)
	_, err = s.RunNow(context.Background(), "pinned_refresh", true)
	require.NoError(t, err)
	assert.Equal(t, int32(1), ran.Load())
}

func TestScheduler_RunSurvivesCallerCancel(t *testing.T) {
	s := newTestScheduler(t, nil, nil)
	require.NoError(t, s.Register(Definition{Name: "score_recompute", Queue: QueueAnalysis, Run: func(ctx context.Context) (any, error) {
		return nil, ctx.Err()
	}}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.RunNow(ctx, "score_recompute", true)
	assert.NoError(t, err)
}

func TestScheduler_RegisterValidation(t *testing.T) {
	s := newTestScheduler(t, nil, nil)
	assert.Error(t, s.Register(Definition{Name: " "}))
	require.NoError(t, s.Register(Definition{Name: "x", Queue: "extra", Run: func(context.Context) (any, error) { return nil, nil }}))
	assert.Error(t, s.Register(Definition{Name: "x", Run: func(context.Context) (any, error) { return nil, nil }}))

	names := []string{}
	for _, q := range s.Queues() {
		names = append(names, q.Name)
	}
	assert.Equal(t, []string{"analysis", "extra", "ingest"}, names)
}
