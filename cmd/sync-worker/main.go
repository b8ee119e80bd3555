package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anontyro/items-tracker/internal/backend"
	"github.com/anontyro/items-tracker/internal/config"
	"github.com/anontyro/items-tracker/internal/metrics"
	"github.com/anontyro/items-tracker/internal/storage"
	"github.com/anontyro/items-tracker/internal/syncer"
	"github.com/anontyro/items-tracker/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	slogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	slogger.Info("sync worker starting",
		"sqlite_path", cfg.Store.SqlitePath,
		"interval", cfg.Worker.PollInterval,
		"batch_limit", cfg.Worker.BatchLimit)

	store, err := storage.Open(cfg.Store.SqlitePath)
	if err != nil {
		slogger.Error("failed to open store", "path", cfg.Store.SqlitePath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	client := backend.New(cfg.Backend.APIBaseURL, cfg.Backend.APIKey,
		backend.WithChunkSize(cfg.Backend.BatchSize),
		backend.WithLogger(slogger))

	m := metrics.New()

	worker := syncer.NewWorker(storage.NewQueueRepository(store), client, slogger, m, syncer.Config{
		PollInterval: cfg.Worker.PollInterval,
		BatchLimit:   cfg.Worker.BatchLimit,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		slogger.Info("shutdown signal received")
		cancel()
	}()

	opsServer := newOpsServer(cfg.Worker.OpsAddr, m)
	go func() {
		slogger.Info("ops listener started", "addr", cfg.Worker.OpsAddr)
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slogger.Error("ops listener failed", "error", err)
		}
	}()

	if err := worker.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slogger.Error("sync worker stopped with error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		slogger.Error("failed to shut down ops listener", "error", err)
	}
}

// newOpsServer exposes liveness and metrics. This is not a data API; the
// pipeline itself has no read surface.
func newOpsServer(addr string, m *metrics.Metrics) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))

	return &http.Server{Addr: addr, Handler: r}
}
