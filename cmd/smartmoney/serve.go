package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"smartmoney/internal/cache"
	cronrunner "smartmoney/internal/cron"
	"smartmoney/internal/handler"
	"smartmoney/internal/jobs"

	_ "smartmoney/docs"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job scheduler and the HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	cronRunner := cronrunner.New(log, ctx)
	if cfg.Cron.Enabled {
		if err := jobs.Schedule(cronRunner, a.scheduler, cfg.Cron, log); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           newEngine(a, cronRunner),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.scheduler.Start()
	cronRunner.Start()
	jobs.Bootstrap(a.scheduler, cfg.Jobs.Startup, log)

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.Error("http server failed", zap.Error(err))
	}

	grace := cfg.Server.ShutdownTimeout
	if grace <= 0 {
		grace = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	cronRunner.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown failed", zap.Error(err))
	}
	if err := a.scheduler.Stop(shutdownCtx); err != nil {
		log.Warn("jobs still running at shutdown", zap.Error(err))
	}
	log.Info("stopped")
	return nil
}

func newEngine(a *app, cronRunner *cronrunner.Runner) *gin.Engine {
	if strings.EqualFold(a.cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())
	engine.Use(a.metrics.GinMiddleware())

	health := &handler.HealthHandler{Store: a.store, Breaker: a.breakerState}
	if a.redis != nil {
		health.Cache = cache.NewRedisStore(a.redis)
	}
	health.Register(engine)
	(&handler.TraderHandler{Query: a.query}).Register(engine)
	(&handler.SmartMarketHandler{Query: a.query}).Register(engine)
	(&handler.EventHandler{Query: a.query}).Register(engine)
	(&handler.CheckpointHandler{Query: a.query}).Register(engine)
	(&handler.SystemSettingsHandler{Settings: a.settings}).Register(engine)
	(&handler.JobHandler{Scheduler: a.scheduler, Cron: cronRunner, Logger: a.log}).Register(engine)

	engine.GET("/metrics", gin.WrapH(a.metrics.Handler()))
	engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	return engine
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
