package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"smartmoney/internal/config"
	cronrunner "smartmoney/internal/cron"
	"smartmoney/internal/repository"
	"smartmoney/internal/service"
)

// Pipeline job names.
const (
	JobLeaderboardSync = "leaderboard_sync"
	JobMarketSync      = "market_sync"
	JobScoreRecompute  = "score_recompute"
	JobSmartDiscovery  = "smart_discovery"
	JobMultiOutcome    = "multi_outcome"
	JobPinnedRefresh   = "pinned_refresh"

	QueueIngest   = "ingest"
	QueueAnalysis = "analysis"
)

// AllJobs lists pipeline jobs in dependency order.
var AllJobs = []string{
	JobLeaderboardSync,
	JobMarketSync,
	JobScoreRecompute,
	JobSmartDiscovery,
	JobMultiOutcome,
	JobPinnedRefresh,
}

// Services are the pipeline steps a scheduler drives.
type Services struct {
	Ingestion    *service.IngestionService
	Scores       *service.ScoreService
	Discovery    *service.DiscoveryService
	MultiOutcome *service.MultiOutcomeService
	Checkpoints  repository.CheckpointRepository

	Leaderboard service.LeaderboardSyncOptions
	Markets     service.MarketSyncOptions
	GateMaxAge  time.Duration
	Now         func() time.Time
}

// RegisterPipeline registers every pipeline job on s.
func RegisterPipeline(s *Scheduler, svc Services) error {
	defs := []Definition{
		{
			Name:     JobLeaderboardSync,
			Queue:    QueueIngest,
			Priority: 10,
			Run: func(ctx context.Context) (any, error) {
				return svc.Ingestion.SyncLeaderboard(ctx, svc.Leaderboard)
			},
		},
		{
			Name:     JobMarketSync,
			Queue:    QueueIngest,
			Priority: 5,
			Run: func(ctx context.Context) (any, error) {
				return svc.Ingestion.SyncMarkets(ctx, svc.Markets)
			},
		},
		{
			Name:     JobPinnedRefresh,
			Queue:    QueueIngest,
			Priority: 1,
			Run: func(ctx context.Context) (any, error) {
				return svc.Ingestion.RefreshPinnedMarkets(ctx)
			},
		},
		{
			Name:     JobScoreRecompute,
			Queue:    QueueAnalysis,
			Priority: 5,
			Run: func(ctx context.Context) (any, error) {
				return svc.Scores.Recompute(ctx)
			},
		},
		{
			Name:     JobSmartDiscovery,
			Queue:    QueueAnalysis,
			Priority: 3,
			Gate:     svc.gate(service.SourceLeaderboard),
			Run: func(ctx context.Context) (any, error) {
				return svc.Discovery.DiscoverSmartMarkets(ctx)
			},
		},
		{
			Name:     JobMultiOutcome,
			Queue:    QueueAnalysis,
			Priority: 1,
			Gate:     svc.gate(service.SourceDiscovery),
			Run: func(ctx context.Context) (any, error) {
				return svc.MultiOutcome.AnalyzeMultiOutcome(ctx)
			},
		},
	}
	for _, def := range defs {
		if !svc.provides(def.Name) {
			continue
		}
		if err := s.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func (svc Services) provides(name string) bool {
	switch name {
	case JobLeaderboardSync, JobMarketSync, JobPinnedRefresh:
		return svc.Ingestion != nil
	case JobScoreRecompute:
		return svc.Scores != nil
	case JobSmartDiscovery:
		return svc.Discovery != nil
	case JobMultiOutcome:
		return svc.MultiOutcome != nil
	}
	return false
}

// gate opens once source's global checkpoint succeeded within GateMaxAge.
func (svc Services) gate(source string) func(context.Context) error {
	return func(ctx context.Context) error {
		if svc.Checkpoints == nil {
			return nil
		}
		now := time.Now().UTC()
		if svc.Now != nil {
			now = svc.Now().UTC()
		}
		fresh, err := service.CheckpointFresh(ctx, svc.Checkpoints, source, service.KeyGlobal, svc.GateMaxAge, now)
		if err != nil {
			return fmt.Errorf("%w: read %s checkpoint: %v", ErrNotReady, source, err)
		}
		if !fresh {
			return fmt.Errorf("%w: no %s success within %s", ErrNotReady, source, svc.GateMaxAge)
		}
		return nil
	}
}

// Schedule wires each registered job's cron spec to Enqueue.
func Schedule(r *cronrunner.Runner, s *Scheduler, cfg config.CronConfig, log *zap.Logger) error {
	specs := map[string]string{
		JobLeaderboardSync: cfg.LeaderboardSync,
		JobMarketSync:      cfg.MarketSync,
		JobScoreRecompute:  cfg.ScoreRecompute,
		JobSmartDiscovery:  cfg.SmartDiscovery,
		JobMultiOutcome:    cfg.MultiOutcome,
		JobPinnedRefresh:   cfg.PinnedRefresh,
	}
	for _, name := range AllJobs {
		if !s.Has(name) {
			continue
		}
		name := name
		err := r.Add(name, specs[name], func(context.Context) {
			if _, err := s.Enqueue(name, EnqueueOptions{Reason: "cron"}); err != nil {
				if errors.Is(err, ErrAlreadyQueued) {
					log.Debug("cron tick skipped, job already queued", zap.String("job", name))
					return
				}
				log.Warn("cron enqueue failed", zap.String("job", name), zap.Error(err))
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Bootstrap queues the startup burst: both syncs at once (leaderboard first),
// then discovery and analysis after their delays.
func Bootstrap(s *Scheduler, cfg config.StartupConfig, log *zap.Logger) {
	if !cfg.Enabled {
		return
	}
	burst := []struct {
		name string
		opts EnqueueOptions
	}{
		{JobLeaderboardSync, EnqueueOptions{PriorityBoost: 100, Reason: "startup"}},
		{JobMarketSync, EnqueueOptions{Reason: "startup"}},
		{JobSmartDiscovery, EnqueueOptions{Delay: cfg.DiscoveryDelay, Reason: "startup"}},
		{JobMultiOutcome, EnqueueOptions{Delay: cfg.AnalysisDelay, Reason: "startup"}},
	}
	for _, b := range burst {
		if !s.Has(b.name) {
			continue
		}
		job, err := s.Enqueue(b.name, b.opts)
		if err != nil {
			log.Warn("startup enqueue failed", zap.String("job", b.name), zap.Error(err))
			continue
		}
		log.Info("startup job queued", zap.String("job", b.name), zap.String("job_id", job.ID), zap.Time("not_before", job.NotBefore))
	}
}
