package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

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
	"crossquery.app/conductor/internal/http/middleware"
	httprouter "crossquery.app/conductor/internal/http/router"
	"crossquery.app/conductor/internal/orchestrator"
	"crossquery.app/conductor/internal/queue"
	"crossquery.app/conductor/internal/session"
)

func main() {
	fmt.Printf("%s\n", banner)
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeServer)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	// OTel must init before logger (logger uses OTel provider in production)
	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	if telemetry != nil {
		slog.InfoContext(ctx, "otel initialized", "endpoint", cfg.OTel.Endpoint)
	} else {
		slog.InfoContext(ctx, "otel disabled (no endpoint configured)")
	}

	slog.InfoContext(ctx, "conductor starting", "env", cfg.Env, "service", cfg.OTel.ServiceName)
	if err := id.Init(1); err != nil {
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
	slog.InfoContext(ctx, "backends built", "sources", len(backends.Registry.List()))

	// Session store: postgres when configured, in-memory otherwise.
	var sessions session.Store = session.NewMemoryStore()
	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.WarnContext(ctx, "database unavailable, sessions are in-memory only", "error", err)
	} else {
		defer database.Close()
		sessions = session.NewPostgresStore(database)
		slog.InfoContext(ctx, "database connected")
	}

	// Redis backs the async query queue and the availability cache.
	var redisClient *redis.Client
	var producer queue.Producer
	if redisOpts, err := redis.ParseURL(cfg.Pipeline.RedisURL); err == nil {
		client := redis.NewClient(redisOpts)
		if err := client.Ping(ctx).Err(); err != nil {
			slog.WarnContext(ctx, "redis unavailable, async queries disabled", "error", err)
		} else {
			redisClient = client
			producer = queue.NewRedisProducer(redisClient, cfg.Pipeline.RedisStream, slog.Default())
			defer producer.Close()
			slog.InfoContext(ctx, "redis connected", "stream", cfg.Pipeline.RedisStream)
		}
	} else {
		slog.WarnContext(ctx, "invalid redis url, async queries disabled", "error", err)
	}

	prober := availability.NewProber(backends.Adapters, redisClient, 30*time.Second)
	proberCtx, stopProber := context.WithCancel(ctx)
	defer stopProber()
	go prober.Run(proberCtx)

	orch := orchestrator.New(
		backends.Registry,
		backends.Adapters,
		classify.New(classifierLLM),
		aggregate.New(analystLLM),
		prober,
		app.ExecOptions(cfg.Orchestrator),
	)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := setupRouter(cfg, httprouter.Deps{
		Orchestrator: orch,
		Registry:     backends.Registry,
		Sessions:     sessions,
		Producer:     producer,
		Prober:       prober,
		SessionTTL:   cfg.Orchestrator.SessionTTL,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Long write timeout: SSE responses stay open for the whole
		// orchestration.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.InfoContext(ctx, "http server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "http server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "http server shutdown error", "error", err)
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(shutdownCtx, "shutdown complete")
}

func setupRouter(cfg config.Config, deps httprouter.Deps) *gin.Engine {
	router := gin.New()

	// Order matters: OTel creates span → Recovery catches panics → Logger logs with trace context
	if cfg.OTel.Enabled() {
		router.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())

	httprouter.SetupRoutes(router, deps)

	return router
}

const banner = `
 ██████╗ ██████╗ ███╗   ██╗██████╗ ██╗   ██╗ ██████╗████████╗ ██████╗ ██████╗
██╔════╝██╔═══██╗████╗  ██║██╔══██╗██║   ██║██╔════╝╚══██╔══╝██╔═══██╗██╔══██╗
██║     ██║   ██║██╔██╗ ██║██║  ██║██║   ██║██║        ██║   ██║   ██║██████╔╝
██║     ██║   ██║██║╚██╗██║██║  ██║██║   ██║██║        ██║   ██║   ██║██╔══██╗
╚██████╗╚██████╔╝██║ ╚████║██████╔╝╚██████╔╝╚██████╗   ██║   ╚██████╔╝██║  ██║
 ╚═════╝ ╚═════╝ ╚═╝  ╚═══╝╚═════╝  ╚═════╝  ╚═════╝   ╚═╝    ╚═════╝ ╚═╝  ╚═╝
`
