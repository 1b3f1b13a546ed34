package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/telemyapp/aegis-sessions/internal/config"
	"github.com/telemyapp/aegis-sessions/internal/jobs"
	"github.com/telemyapp/aegis-sessions/internal/logger"
	"github.com/telemyapp/aegis-sessions/internal/metrics"
	"github.com/telemyapp/aegis-sessions/internal/store"
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

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("connect db", "error", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatal("ping db", "error", err)
	}

	reg := metrics.Default()
	st := store.New(pool)
	jobs.NewRunner(st, jobs.Options{
		StalePendingAfter: cfg.StalePendingAfter,
		Clock:             clockwork.NewRealClock(),
		Metrics:           reg,
		Logger:            log.With("component", "jobs"),
	}).Start(ctx)

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", reg.Handler().ServeHTTP)
	srv := &http.Server{
		Addr:              cfg.JobsListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("aegis-sessions jobs worker started", "metrics_addr", cfg.JobsListenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("metrics server", "error", err)
	}
	log.Info("aegis-sessions jobs worker stopping")
}
