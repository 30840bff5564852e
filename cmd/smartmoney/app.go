package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"smartmoney/internal/cache"
	"smartmoney/internal/chain"
	"smartmoney/internal/client/polymarket/clob"
	"smartmoney/internal/client/polymarket/dataapi"
	polymarketgamma "smartmoney/internal/client/polymarket/gamma"
	"smartmoney/internal/config"
	"smartmoney/internal/db"
	"smartmoney/internal/geo"
	"smartmoney/internal/jobs"
	"smartmoney/internal/labeler"
	"smartmoney/internal/logger"
	"smartmoney/internal/metrics"
	"smartmoney/internal/repository"
	gormrepository "smartmoney/internal/repository/gorm"
	"smartmoney/internal/repository/memory"
	"smartmoney/internal/service"
)

// app is the wired process: store, upstream clients, services and scheduler.
type app struct {
	cfg     config.Config
	log     *zap.Logger
	metrics *metrics.Metrics

	store    repository.Repository
	cache    cache.Store
	redis    *redis.Client
	balances *chain.BalanceReader

	settings  *service.SystemSettingsService
	query     *service.QueryService
	scheduler *jobs.Scheduler
	services  jobs.Services

	closers []func()
}

func loadConfig() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath, envOnly)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.Log, cfg.App.Env)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, log, nil
}

func openStore(cfg config.Config, log *zap.Logger) (repository.Repository, func(), error) {
	if strings.EqualFold(cfg.DB.Driver, "memory") {
		log.Warn("using in-memory store, data is lost on exit")
		return memory.New(), func() {}, nil
	}
	conn, err := db.Open(cfg.DB, log)
	if err != nil {
		return nil, nil, fmt.Errorf("db open: %w", err)
	}
	if err := db.SetTimezone(conn, cfg.DB.Timezone); err != nil {
		log.Warn("failed to set timezone", zap.Error(err))
	}
	if err := db.AutoMigrate(conn); err != nil {
		_ = db.Close(conn)
		return nil, nil, fmt.Errorf("auto-migrate: %w", err)
	}
	return gormrepository.New(conn.Gorm), func() { _ = db.Close(conn) }, nil
}

func newApp(ctx context.Context, cfg config.Config, log *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, metrics: metrics.New("smartmoney")}

	store, closeStore, err := openStore(cfg, log)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, closeStore)

	var locker jobs.Locker
	if cfg.Redis.Enabled {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, func() { _ = a.redis.Close() })
		a.cache = cache.Prefixed(cache.NewRedisStore(a.redis), cfg.Redis.Prefix+":cache:")
		locker = jobs.NewRedisLocker(a.redis, cfg.Redis.Prefix)
	} else {
		a.cache = cache.NewMemoryStore()
		locker = jobs.NewMemoryLocker()
	}

	dataset := geo.Empty()
	if cfg.Geo.DatasetPath != "" {
		dataset, err = geo.Load(cfg.Geo.DatasetPath)
		if err != nil {
			log.Warn("geo dataset not loaded, public figures unknown", zap.String("path", cfg.Geo.DatasetPath), zap.Error(err))
			dataset = geo.Empty()
		}
	}

	dataHTTP := &http.Client{Timeout: cfg.DataAPI.Timeout, Transport: a.metrics.Transport("dataapi", nil)}
	dataClient := dataapi.NewClient(dataHTTP, cfg.DataAPI.BaseURL,
		dataapi.WithRateLimit(cfg.DataAPI.RPS, cfg.DataAPI.Burst),
		dataapi.WithMaxRetries(cfg.DataAPI.MaxRetries),
	)
	gammaHTTP := &http.Client{Timeout: cfg.Gamma.Timeout, Transport: a.metrics.Transport("gamma", nil)}
	gammaClient := polymarketgamma.NewClient(gammaHTTP, cfg.Gamma.BaseURL)
	clobHTTP := &http.Client{Timeout: cfg.Clob.Timeout, Transport: a.metrics.Transport("clob", nil)}
	clobClient := clob.NewClient(clobHTTP, cfg.Clob.BaseURL)

	rpcClient, err := chain.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		log.Warn("rpc dial failed, multi-outcome analysis disabled", zap.Error(err))
	} else {
		a.closers = append(a.closers, rpcClient.Close)
		a.balances, err = chain.NewBalanceReader(a.metrics.InstrumentBatchCaller(rpcClient), chain.Config{
			MulticallAddress: cfg.Chain.MulticallAddress,
			CTFAddress:       cfg.Chain.CTFAddress,
			BatchSize:        cfg.Chain.MulticallBatchSize,
			Timeout:          cfg.Chain.Timeout,
			BreakerFailures:  cfg.Chain.BreakerFailures,
			BreakerTimeout:   cfg.Chain.BreakerTimeout,
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("rpc circuit state changed", zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
				a.metrics.BreakerStateChange(name, from, to)
			},
		})
		if err != nil {
			a.close()
			return nil, fmt.Errorf("balance reader: %w", err)
		}
	}

	a.settings = &service.SystemSettingsService{Repo: store, Defaults: service.DefaultFeatureSwitches(jobs.AllJobs...)}
	if err := a.settings.EnsureDefaultSwitches(ctx); err != nil {
		log.Warn("init default job switches failed", zap.Error(err))
	}

	ingestion := &service.IngestionService{
		Repo:             store,
		Leaderboard:      dataClient,
		Gamma:            gammaClient,
		Geo:              dataset,
		Labeler:          &labeler.CategoryLabeler{Logger: log},
		Logger:           log,
		PinnedEventSlugs: cfg.Markets.PinnedEventSlugs,
		StaleAfter:       cfg.Markets.StaleAfter,
		FreshnessWindow:  cfg.Discovery.FreshnessWindow,
	}
	multi := &service.MultiOutcomeService{
		Repo:             store,
		Gamma:            gammaClient,
		Prices:           clobClient,
		Cache:            a.cache,
		Logger:           log,
		MaxEvents:        cfg.Analysis.MaxEvents,
		MaxTraders:       cfg.Analysis.MaxTraders,
		PinnedEventSlugs: cfg.Markets.PinnedEventSlugs,
	}
	if a.balances != nil {
		multi.Balances = a.balances
	} else {
		multi = nil
	}

	a.services = jobs.Services{
		Ingestion: ingestion,
		Scores:    &service.ScoreService{Repo: store, Geo: dataset, Logger: log},
		Discovery: &service.DiscoveryService{
			Repo:             store,
			Positions:        dataClient,
			Markets:          ingestion,
			Cache:            a.cache,
			Logger:           log,
			MaxTraders:       cfg.Discovery.MaxTraders,
			Concurrency:      cfg.Discovery.Concurrency,
			MinPositionValue: cfg.Discovery.MinPositionValue,
			TopTraders:       cfg.Discovery.TopTraders,
			PositionCacheTTL: cfg.Discovery.PositionCacheTTL,
		},
		MultiOutcome: multi,
		Checkpoints:  store,
		Leaderboard: service.LeaderboardSyncOptions{
			Period:     cfg.Leaderboard.Period,
			TotalLimit: cfg.Leaderboard.TotalLimit,
			PageSize:   cfg.Leaderboard.PageSize,
		},
		Markets: service.MarketSyncOptions{
			PageSize: cfg.Markets.PageSize,
			MaxPages: cfg.Markets.MaxPages,
		},
		GateMaxAge: cfg.Jobs.GateMaxAge,
	}
	a.query = &service.QueryService{Repo: store, FreshnessWindow: cfg.Discovery.FreshnessWindow}

	a.scheduler = jobs.New(ctx, jobs.Options{
		Queues:       cfg.Jobs.Queues,
		MaxAttempts:  cfg.Jobs.MaxAttempts,
		RetryBackoff: cfg.Jobs.RetryBackoff,
		JobTimeout:   cfg.Jobs.JobTimeout,
		LockTTL:      cfg.Jobs.LockTTL,
		SwitchKey:    service.FeatureKey,
	}, locker, a.settings, log, a.metrics)
	if err := jobs.RegisterPipeline(a.scheduler, a.services); err != nil {
		a.close()
		return nil, fmt.Errorf("register jobs: %w", err)
	}
	return a, nil
}

func (a *app) breakerState() string {
	if a.balances == nil {
		return "unavailable"
	}
	return a.balances.BreakerState()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
