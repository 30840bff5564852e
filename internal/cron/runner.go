package cronrunner

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Entry is a registered schedule and its next fire time.
type Entry struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev,omitempty"`
}

// Runner fires named functions on six-field (seconds) cron specs in UTC.
type Runner struct {
	cron    *cron.Cron
	logger  *zap.Logger
	baseCtx context.Context

	mu      sync.Mutex
	entries map[string]registered
}

type registered struct {
	id   cron.EntryID
	spec string
}

func New(logger *zap.Logger, baseCtx context.Context) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(time.UTC),
			cron.WithLogger(zapCronLogger{logger}),
			cron.WithChain(cron.Recover(zapCronLogger{logger})),
		),
		logger:  logger,
		baseCtx: baseCtx,
		entries: map[string]registered{},
	}
}

// Add registers fn under name. An empty spec leaves the job unscheduled.
func (r *Runner) Add(name, spec string, fn func(context.Context)) error {
	if spec == "" {
		r.logger.Info("cron job not scheduled", zap.String("job", name))
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("cron: %s already scheduled", name)
	}
	id, err := r.cron.AddFunc(spec, func() { fn(r.baseCtx) })
	if err != nil {
		return fmt.Errorf("cron: schedule %s %q: %w", name, spec, err)
	}
	r.entries[name] = registered{id: id, spec: spec}
	r.logger.Info("cron job scheduled", zap.String("job", name), zap.String("spec", spec))
	return nil
}

func (r *Runner) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for name, reg := range r.entries {
		e := r.cron.Entry(reg.id)
		out = append(out, Entry{Name: name, Spec: reg.spec, Next: e.Next, Prev: e.Prev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Runner) Start() {
	r.logger.Info("cron started")
	r.cron.Start()
}

func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info("cron stopped")
}

// zapCronLogger adapts zap to cron.Logger.
type zapCronLogger struct{ l *zap.Logger }

func (z zapCronLogger) Info(msg string, keysAndValues ...interface{}) {
	z.l.Sugar().Debugw("cron "+msg, keysAndValues...)
}

func (z zapCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	z.l.Sugar().With(zap.Error(err)).Errorw("cron "+msg, keysAndValues...)
}
