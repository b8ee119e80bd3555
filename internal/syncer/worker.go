// Package syncer is the dispatch side of the durable sync queue: a
// restart-safe worker that repeatedly drains eligible entries and delivers
// them to the ingestion API. All state lives in the store, so a crash loses
// at most the in-flight delivery attempt.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/anontyro/items-tracker/internal/backend"
	"github.com/anontyro/items-tracker/internal/metrics"
	"github.com/anontyro/items-tracker/internal/normalize"
	"github.com/anontyro/items-tracker/internal/storage"
)

// Queue is the slice of the queue repository the worker needs.
type Queue interface {
	FetchEligible(ctx context.Context, now time.Time, limit int, runID string) ([]storage.QueueEntry, error)
	MarkSending(ctx context.Context, id int64) error
	MarkSent(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errMsg string, nextAttemptAt time.Time) error
}

// Sender delivers snapshot batches to the backend.
type Sender interface {
	SendPriceSnapshots(ctx context.Context, snapshots []backend.PriceSnapshot) (backend.IngestSummary, error)
}

type Config struct {
	PollInterval time.Duration
	BatchLimit   int

	// RunID, when set, restricts processing to one run's entries (used by
	// the manual flush tool).
	RunID string
}

type Worker struct {
	queue      Queue
	sender     Sender
	logger     *slog.Logger
	metrics    *metrics.Metrics
	interval   time.Duration
	batchLimit int
	runID      string
}

func NewWorker(queue Queue, sender Sender, logger *slog.Logger, m *metrics.Metrics, cfg Config) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 60 * time.Second
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 50
	}

	return &Worker{
		queue:      queue,
		sender:     sender,
		logger:     logger.With("component", "sync_worker"),
		metrics:    m,
		interval:   cfg.PollInterval,
		batchLimit: cfg.BatchLimit,
		runID:      cfg.RunID,
	}
}

// Start runs the poll loop until ctx is cancelled. Processing errors are
// logged and never stop the loop.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("starting sync worker",
		"interval", w.interval, "batch_limit", w.batchLimit)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Process immediately on start rather than waiting out the first tick.
	if _, err := w.ProcessBatch(ctx); err != nil {
		w.logger.Error("failed to process queue batch on startup", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("sync worker stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.ProcessBatch(ctx); err != nil {
				w.logger.Error("failed to process queue batch", "error", err)
			}
		}
	}
}

// ProcessBatch pulls one bounded batch of eligible entries and processes
// them strictly sequentially, returning how many were picked up.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	entries, err := w.queue.FetchEligible(ctx, time.Now(), w.batchLimit, w.runID)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch eligible queue entries: %w", err)
	}

	if len(entries) == 0 {
		return 0, nil
	}

	w.logger.Info("found eligible sync queue entries", "count", len(entries))

	for _, entry := range entries {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		w.processEntry(ctx, entry)
	}

	return len(entries), nil
}

func (w *Worker) processEntry(ctx context.Context, entry storage.QueueEntry) {
	if err := w.queue.MarkSending(ctx, entry.ID); err != nil {
		w.logger.Error("failed to claim queue entry", "entry_id", entry.ID, "error", err)
		return
	}

	var batch normalize.Batch
	if err := json.Unmarshal(entry.Payload, &batch); err != nil {
		w.fail(ctx, entry, fmt.Errorf("invalid queue payload: %w", err))
		return
	}

	if len(batch.Observations) == 0 {
		w.logger.Info("queue entry has empty payload; marking sent", "entry_id", entry.ID)
		if err := w.queue.MarkSent(ctx, entry.ID); err != nil {
			w.logger.Error("failed to mark empty entry sent", "entry_id", entry.ID, "error", err)
		}
		return
	}

	started := time.Now()
	summary, err := w.sender.SendPriceSnapshots(ctx, backend.ToSnapshots(batch.Observations))
	w.metrics.ObserveSend(time.Since(started))
	if err != nil {
		w.fail(ctx, entry, err)
		return
	}

	if err := w.queue.MarkSent(ctx, entry.ID); err != nil {
		w.logger.Error("failed to mark queue entry sent", "entry_id", entry.ID, "error", err)
		return
	}

	w.metrics.IncEntry("sent")
	w.logger.Info("queue entry delivered",
		"entry_id", entry.ID, "run_id", entry.RunID, "site_id", entry.SiteID,
		"accepted", summary.Accepted, "failed", summary.Failed,
		"total_snapshots", summary.TotalSnapshots)
}

func (w *Worker) fail(ctx context.Context, entry storage.QueueEntry, cause error) {
	nextAttemptAt := time.Now().Add(NextAttemptDelay(entry.Attempts))

	if err := w.queue.MarkFailed(ctx, entry.ID, cause.Error(), nextAttemptAt); err != nil {
		w.logger.Error("failed to mark queue entry failed", "entry_id", entry.ID, "error", err)
		return
	}

	w.metrics.IncEntry("failed")
	w.logger.Error("failed to deliver queue entry; scheduled retry",
		"entry_id", entry.ID, "run_id", entry.RunID, "site_id", entry.SiteID,
		"attempt", entry.Attempts+1, "next_attempt_at", nextAttemptAt, "error", cause)
}
