package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/telehealth-booking/internal/app"
	"github.com/hackgods/telehealth-booking/internal/appointment"
	"github.com/hackgods/telehealth-booking/internal/config"
	"github.com/hackgods/telehealth-booking/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("config load error", zap.Error(err))
	}

	log := logger.New(cfg.Env)
	defer func() { _ = log.Sync() }()

	log.Info("reminder-worker starting up",
		zap.String("env", cfg.Env),
		zap.Duration("interval", cfg.WorkerInterval),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initCtx, cancelInit := context.WithTimeout(rootCtx, 30*time.Second)
	c, err := app.NewContainer(initCtx, cfg, log)
	cancelInit()
	if err != nil {
		log.Fatal("startup failed", zap.Error(err))
	}
	defer c.Close()

	// Run once at startup
	runOnce(rootCtx, c.Service, log)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info("shutdown signal received, stopping reminder worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, c.Service, log)
		}
	}
}

func runOnce(ctx context.Context, svc *appointment.Service, log *zap.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	start := time.Now()
	report, err := svc.SendDueReminders(runCtx)
	if err != nil {
		log.Error("reminder run error", zap.Error(err))
		return
	}
	log.Info("reminder run complete",
		zap.Int("day_before", report.DayBefore),
		zap.Int("day_of", report.DayOf),
		zap.Duration("took", time.Since(start)),
	)
}
