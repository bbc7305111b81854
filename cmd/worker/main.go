package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"crossquery.app/conductor/common/id"
	"crossquery.app/conductor/common/llm"
	"crossquery.app/conductor/common/logger"
	"crossquery.app/conductor/common/otel"
	"crossquery.app/conductor/core/config"
	"crossquery.app/conductor/core/db"
	"crossquery.app/conductor/internal/aggregate"
	"crossquery.app/conductor/internal/app"
	"crossquery.app/conductor/internal/availability"
	"crossquery.app/conductor/internal/classify"
	"crossquery.app/conductor/internal/orchestrator"
	"crossquery.app/conductor/internal/queue"
	"crossquery.app/conductor/internal/session"
	"crossquery.app/conductor/internal/worker"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeWorker)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)
	slog.InfoContext(ctx, "conductor worker starting", "env", cfg.Env)

	if err := id.Init(2); err != nil {
		slog.ErrorContext(ctx, "failed to initialize snowflake id generator", "error", err)
		os.Exit(1)
	}

	classifierLLM, err := llm.New(llm.Config{
		APIKey:  cfg.ClassifierLLM.APIKey,
		BaseURL: cfg.ClassifierLLM.BaseURL,
		Model:   cfg.ClassifierLLM.Model,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to build classifier llm client", "error", err)
		os.Exit(1)
	}
	translatorLLM, err := llm.New(llm.Config{
		APIKey:  cfg.TranslatorLLM.APIKey,
		BaseURL: cfg.TranslatorLLM.BaseURL,
		Model:   cfg.TranslatorLLM.Model,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to build translator llm client", "error", err)
		os.Exit(1)
	}

	var analystLLM llm.Client
	if cfg.AnalystLLM.Enabled() {
		analystLLM, err = llm.New(llm.Config{
			APIKey:  cfg.AnalystLLM.APIKey,
			BaseURL: cfg.AnalystLLM.BaseURL,
			Model:   cfg.AnalystLLM.Model,
		})
		if err != nil {
			slog.ErrorContext(ctx, "failed to build analyst llm client", "error", err)
			os.Exit(1)
		}
	}

	backends, err := app.Build(ctx, cfg, translatorLLM)
	if err != nil {
		slog.ErrorContext(ctx, "failed to build backends", "error", err)
		os.Exit(1)
	}
	defer backends.Close()

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	sessions := session.NewPostgresStore(database)
	slog.InfoContext(ctx, "database connected")

	redisOpts, err := redis.ParseURL(cfg.Pipeline.RedisURL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "redis connected", "stream", cfg.Pipeline.RedisStream)

	consumer, err := queue.NewRedisConsumer(redisClient, queue.ConsumerConfig{
		Stream:       cfg.Pipeline.RedisStream,
		Group:        cfg.Pipeline.RedisGroup,
		Consumer:     cfg.Pipeline.RedisConsumer,
		DLQStream:    cfg.Pipeline.RedisDLQStream,
		BatchSize:    10,
		Block:        5 * time.Second,
		MaxAttempts:  cfg.Orchestrator.MaxAttempts,
		RequeueDelay: time.Second,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create consumer", "error", err)
		os.Exit(1)
	}

	prober := availability.NewProber(backends.Adapters, redisClient, 30*time.Second)

	orch := orchestrator.New(
		backends.Registry,
		backends.Adapters,
		classify.New(classifierLLM),
		aggregate.New(analystLLM),
		prober,
		app.ExecOptions(cfg.Orchestrator),
	)

	w := worker.New(consumer, orch, sessions, worker.Config{
		MaxAttempts: cfg.Orchestrator.MaxAttempts,
	})

	reclaimer := worker.NewRedisReclaimer(redisClient, worker.RedisReclaimerConfig{
		Stream:    cfg.Pipeline.RedisStream,
		Group:     cfg.Pipeline.RedisGroup,
		Consumer:  cfg.Pipeline.RedisConsumer + "-reclaimer",
		MinIdle:   5 * time.Minute,
		Interval:  time.Minute,
		BatchSize: 10,
	}, consumer, w.ProcessMessage)

	sweeper := session.NewSweeper(sessions, cfg.Orchestrator.SweepInterval, cfg.Orchestrator.SweepBatchSize)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go prober.Run(runCtx)
	go reclaimer.Run(runCtx)
	go sweeper.Run(runCtx)
	go func() {
		if err := w.Run(runCtx); err != nil && runCtx.Err() == nil {
			slog.ErrorContext(runCtx, "worker stopped with error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down...")

	cancel()
	w.Stop()
	reclaimer.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(shutdownCtx, "shutdown complete")
}
