// sync-pending is a one-shot operator tool that flushes eligible sync queue
// entries immediately, optionally scoped to a single run, without waiting
// for the sync worker's next tick.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/anontyro/items-tracker/internal/backend"
	"github.com/anontyro/items-tracker/internal/config"
	"github.com/anontyro/items-tracker/internal/storage"
	"github.com/anontyro/items-tracker/internal/syncer"
	"github.com/anontyro/items-tracker/pkg/logger"
)

func main() {
	var (
		limit  = flag.Int("limit", 50, "Maximum queue entries to process")
		runID  = flag.String("run-id", "", "Only process entries for this run id")
		apiURL = flag.String("api-url", "", "Override the backend API base URL")
		apiKey = flag.String("api-key", "", "Override the backend API key")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	slogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)

	baseURL := cfg.Backend.APIBaseURL
	if *apiURL != "" {
		baseURL = *apiURL
	}
	key := cfg.Backend.APIKey
	if *apiKey != "" {
		key = *apiKey
	}

	store, err := storage.Open(cfg.Store.SqlitePath)
	if err != nil {
		slogger.Error("failed to open store", "path", cfg.Store.SqlitePath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	client := backend.New(baseURL, key,
		backend.WithChunkSize(cfg.Backend.BatchSize),
		backend.WithLogger(slogger))

	worker := syncer.NewWorker(storage.NewQueueRepository(store), client, slogger, nil, syncer.Config{
		BatchLimit: *limit,
		RunID:      *runID,
	})

	processed, err := worker.ProcessBatch(context.Background())
	if err != nil {
		slogger.Error("failed to process queue", "error", err)
		os.Exit(1)
	}

	fmt.Printf("processed %d queue entries\n", processed)
}
