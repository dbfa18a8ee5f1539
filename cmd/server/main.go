package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/clarimed/billscan/internal/admission"
	"github.com/clarimed/billscan/internal/analysis"
	"github.com/clarimed/billscan/internal/api"
	"github.com/clarimed/billscan/internal/config"
	"github.com/clarimed/billscan/internal/database"
	"github.com/clarimed/billscan/internal/ephemeral"
	"github.com/clarimed/billscan/internal/extract"
	"github.com/clarimed/billscan/internal/gemini"
	"github.com/clarimed/billscan/internal/ledger"
	"github.com/clarimed/billscan/internal/payments"
	"github.com/clarimed/billscan/internal/queue"
	"github.com/clarimed/billscan/internal/signing"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}

	store, err := ephemeral.New(cfg, logger)
	if err != nil {
		log.Fatalf("init intake store: %v", err)
	}
	if err := store.EnsureBucket(ctx); err != nil {
		log.Fatalf("ensure intake bucket: %v", err)
	}

	// One sweep right away so a crashed previous instance cannot leave
	// intake blobs behind; the worker schedules the recurring runs.
	queueClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer queueClient.Close()
	if err := queue.EnqueueSweep(ctx, queueClient, queue.SweepPayload{
		GraceSeconds: int64(cfg.SweepGrace.Seconds()),
	}); err != nil {
		logger.Warn("enqueue startup sweep failed", "error", err)
	}

	model, err := gemini.NewClient(ctx, cfg.VertexProjectID, cfg.VertexRegion, cfg.VertexModel)
	if err != nil {
		log.Fatalf("init vertex client: %v", err)
	}
	defer model.Close()

	repo := ledger.NewRepository(pool, cfg.StageTimeout)
	srv := api.New(cfg,
		admission.NewController(repo, logger),
		repo,
		payments.NewReconciler(pool, cfg.StageTimeout, logger),
		extract.New(model, cfg.MaxUploadBytes, cfg.AllowedTypes, cfg.StageTimeout),
		analysis.NewPipeline(model, cfg.StageTimeout, logger),
		api.Blobs(store),
		signing.NewVerifier(cfg.WebhookSecret, config.WebhookMaxSkew),
		logger,
	)

	if err := srv.Run(ctx); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
