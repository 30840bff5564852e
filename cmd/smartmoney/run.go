package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runForce bool

var runCmd = &cobra.Command{
	Use:   "run <job>",
	Short: "Run one pipeline job in the foreground and print its result",
	Long: `Run one pipeline job (leaderboard_sync, market_sync, score_recompute,
smart_discovery, multi_outcome, pinned_refresh) once. The distributed lock is
still taken and jobs.job_timeout bounds the run.`,
	Args: cobra.ExactArgs(1),
	RunE: runJob,
}

func init() {
	runCmd.Flags().BoolVar(&runForce, "force", false, "ignore the job switch and the readiness gate")
}

func runJob(cmd *cobra.Command, args []string) error {
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

	name := args[0]
	started := time.Now()
	result, err := a.scheduler.RunNow(ctx, name, runForce)
	if err != nil {
		log.Error("job failed", zap.String("job", name), zap.Duration("elapsed", time.Since(started)), zap.Error(err))
		return err
	}
	log.Info("job ok", zap.String("job", name), zap.Duration("elapsed", time.Since(started)))
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
