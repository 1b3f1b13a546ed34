package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telemyapp/aegis-sessions/internal/api"
	"github.com/telemyapp/aegis-sessions/internal/config"
	"github.com/telemyapp/aegis-sessions/internal/logger"
	"github.com/telemyapp/aegis-sessions/internal/metrics"
	"github.com/telemyapp/aegis-sessions/internal/orchestrator"
	"github.com/telemyapp/aegis-sessions/internal/session"
	"github.com/telemyapp/aegis-sessions/internal/store"
	"github.com/telemyapp/aegis-sessions/internal/telemetry"
	"github.com/telemyapp/aegis-sessions/internal/tracing"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogMode, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := tracing.Init(ctx, log, tracing.Options{
		ServiceName: "aegis-sessions-api",
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		SampleRatio: cfg.OTelSampleRatio,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("connect db", "error", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatal("ping db", "error", err)
	}
	if cfg.MigrateOnStart {
		if err := store.RunMigrations(ctx, pool); err != nil {
			log.Fatal("run migrations", "error", err)
		}
	}

	reg := metrics.Default()
	orch, err := buildOrchestrator(cfg, reg)
	if err != nil {
		log.Fatal("init orchestrator client", "error", err)
	}

	st := store.New(pool)
	sessions := session.NewService(st, orch, log, reg)
	agg := telemetry.NewAggregator(st, log, reg)
	handler := api.NewRouter(log, reg, sessions, agg)

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// create blocks on the orchestrator run call.
		WriteTimeout: cfg.AppSvcRunTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("aegis-sessions listening", "addr", cfg.ListenAddr, "orchestrator", cfg.OrchestratorProvider)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("http server", "error", err)
	}
}

func buildOrchestrator(cfg config.Config, reg *metrics.Registry) (orchestrator.Client, error) {
	switch cfg.OrchestratorProvider {
	case config.ProviderFake:
		return orchestrator.NewFakeClient(), nil
	case config.ProviderHTTP:
		c, err := orchestrator.NewHTTPClient(orchestrator.HTTPClientOptions{
			BaseURL:        cfg.AppSvcURL,
			ConnectTimeout: cfg.AppSvcConnectTimeout,
			OpTimeout:      cfg.AppSvcOpTimeout,
			RunTimeout:     cfg.AppSvcRunTimeout,
			Metrics:        reg,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown orchestrator provider %q", cfg.OrchestratorProvider)
	}
}
