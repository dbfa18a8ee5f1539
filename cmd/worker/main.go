package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/clarimed/billscan/internal/config"
	"github.com/clarimed/billscan/internal/ephemeral"
	"github.com/clarimed/billscan/internal/queue"
	"github.com/clarimed/billscan/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	store, err := ephemeral.New(cfg, logger)
	if err != nil {
		log.Fatalf("init intake store: %v", err)
	}
	if err := store.EnsureBucket(ctx); err != nil {
		log.Fatalf("ensure intake bucket: %v", err)
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	scheduler := asynq.NewScheduler(redisOpt, nil)
	task, err := queue.NewSweepTask(queue.SweepPayload{
		GraceSeconds: int64(cfg.SweepGrace.Seconds()),
	})
	if err != nil {
		log.Fatalf("build sweep task: %v", err)
	}
	if _, err := scheduler.Register(fmt.Sprintf("@every %s", cfg.SweepInterval), task); err != nil {
		log.Fatalf("register sweep schedule: %v", err)
	}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 2,
	})
	processor := worker.NewProcessor(store, cfg.SweepGrace, logger)

	go func() {
		<-ctx.Done()
		scheduler.Shutdown()
		server.Shutdown()
	}()

	logger.Info("worker running", "sweep_interval", cfg.SweepInterval.String())
	var g errgroup.Group
	g.Go(func() error { return server.Run(processor.Handler()) })
	g.Go(func() error { return scheduler.Run() })
	if err := g.Wait(); err != nil {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}
