// Package runner orchestrates one scrape run: for each active site it drives
// the crawler, persists every yielded page, normalizes the resulting
// snapshot, enqueues it for durable delivery and attempts an immediate send.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/anontyro/items-tracker/internal/backend"
	"github.com/anontyro/items-tracker/internal/crawler"
	"github.com/anontyro/items-tracker/internal/extractor"
	"github.com/anontyro/items-tracker/internal/metrics"
	"github.com/anontyro/items-tracker/internal/normalize"
	"github.com/anontyro/items-tracker/internal/sites"
	"github.com/anontyro/items-tracker/internal/storage"
	"github.com/anontyro/items-tracker/internal/syncer"
)

// CrawlFunc starts a crawl of one site and streams its pages. The command
// layer binds this to a browser-backed crawler; tests supply canned pages.
type CrawlFunc func(ctx context.Context, site *sites.Site) <-chan crawler.Page

type Staging interface {
	Append(ctx context.Context, siteID string, rows []extractor.Row, scrapedAt time.Time) error
	LatestSnapshot(ctx context.Context, siteID string) ([]storage.StagedRow, error)
}

type Queue interface {
	Enqueue(ctx context.Context, runID, siteID string, payload []byte) (int64, error)
	MarkSent(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errMsg string, nextAttemptAt time.Time) error
}

type Backend interface {
	SendPriceSnapshots(ctx context.Context, snapshots []backend.PriceSnapshot) (backend.IngestSummary, error)
	SendImages(ctx context.Context, pairs []backend.ImagePair)
	SendRunStatus(ctx context.Context, status backend.RunStatus) error
}

type Options struct {
	// DisablePersistence runs crawl-only dry runs: nothing is staged,
	// enqueued or delivered.
	DisablePersistence bool
}

type Runner struct {
	crawl   CrawlFunc
	staging Staging
	queue   Queue
	backend Backend
	logger  *slog.Logger
	metrics *metrics.Metrics
	opts    Options
}

func New(crawl CrawlFunc, staging Staging, queue Queue, b Backend, logger *slog.Logger, m *metrics.Metrics, opts Options) *Runner {
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		crawl:   crawl,
		staging: staging,
		queue:   queue,
		backend: b,
		logger:  logger.With("component", "runner"),
		metrics: m,
		opts:    opts,
	}
}

// RunAll crawls every given site sequentially. A site's failure never aborts
// the run; each site reports its own status to the backend.
func (r *Runner) RunAll(ctx context.Context, all []sites.Site, filterIDs []string) error {
	targets := filterSites(all, filterIDs)

	r.logger.Info("starting scrape run",
		"site_count", len(all), "target_count", len(targets), "target_ids", siteIDs(targets))

	for i := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.runSite(ctx, &targets[i])
	}

	return nil
}

func (r *Runner) runSite(ctx context.Context, site *sites.Site) {
	startedAt := time.Now()
	runID := fmt.Sprintf("%s-%s", site.ID, uuid.NewString())
	logger := r.logger.With("site_id", site.ID, "run_id", runID)

	logger.Info("starting scrape for site")

	itemCount, runErr := r.scrapeAndSync(ctx, site, runID, startedAt, logger)

	finishedAt := time.Now()
	logger.Info("completed scrape for site",
		"item_count", itemCount, "duration", finishedAt.Sub(startedAt), "error", errMessage(runErr))

	status := backend.RunStatus{
		SiteID:     site.ID,
		Status:     "SUCCESS",
		StartedAt:  startedAt.UTC().Format(time.RFC3339),
		FinishedAt: finishedAt.UTC().Format(time.RFC3339),
		ItemCount:  itemCount,
		RunID:      runID,
	}
	if runErr != nil {
		status.Status = "FAILURE"
		msg := runErr.Error()
		status.ErrorMessage = &msg
	}

	// Best-effort: a run-status outage must not affect the data path.
	if err := r.backend.SendRunStatus(ctx, status); err != nil {
		logger.Warn("failed to report run status", "error", err)
	}
}

// scrapeAndSync returns the number of items crawled plus the error that
// should mark the run failed, if any. Delivery failures are not data loss:
// the enqueued entry stays behind for the sync worker.
func (r *Runner) scrapeAndSync(ctx context.Context, site *sites.Site, runID string, startedAt time.Time, logger *slog.Logger) (int, error) {
	itemCount := 0

	for page := range r.crawl(ctx, site) {
		itemCount += len(page.Rows)
		r.metrics.IncPage(site.ID)
		r.metrics.AddRows(site.ID, len(page.Rows))

		if r.opts.DisablePersistence {
			continue
		}

		// Persist each page before pulling the next so a crash loses at
		// most the in-flight page.
		if err := r.staging.Append(ctx, site.ID, page.Rows, startedAt); err != nil {
			return itemCount, fmt.Errorf("failed to persist scraped page %d: %w", page.Number, err)
		}
	}

	if r.opts.DisablePersistence {
		logger.Info("persistence disabled; skipping staging and delivery", "item_count", itemCount)
		return itemCount, nil
	}

	snapshot, err := r.staging.LatestSnapshot(ctx, site.ID)
	if err != nil {
		return itemCount, fmt.Errorf("failed to read latest snapshot: %w", err)
	}

	observations := normalize.Rows(site, snapshot)

	payload, err := json.Marshal(normalize.Batch{Observations: observations})
	if err != nil {
		return itemCount, fmt.Errorf("failed to serialize batch: %w", err)
	}

	entryID, err := r.queue.Enqueue(ctx, runID, site.ID, payload)
	if err != nil {
		return itemCount, fmt.Errorf("failed to enqueue batch: %w", err)
	}

	logger.Info("enqueued normalized price snapshots for backend sync",
		"entry_id", entryID, "observation_count", len(observations))

	// Immediate delivery attempt; on failure the entry stays queued and the
	// sync worker retries it on schedule.
	started := time.Now()
	summary, err := r.backend.SendPriceSnapshots(ctx, backend.ToSnapshots(observations))
	r.metrics.ObserveSend(time.Since(started))
	if err != nil {
		nextAttemptAt := time.Now().Add(syncer.NextAttemptDelay(0))
		if markErr := r.queue.MarkFailed(ctx, entryID, err.Error(), nextAttemptAt); markErr != nil {
			logger.Error("failed to mark queue entry failed", "entry_id", entryID, "error", markErr)
		}
		r.metrics.IncEntry("failed")
		logger.Error("failed to push snapshots to backend; will retry via queue",
			"entry_id", entryID, "next_attempt_at", nextAttemptAt, "error", err)
		return itemCount, err
	}

	r.backend.SendImages(ctx, backend.ImagePairs(observations))

	if err := r.queue.MarkSent(ctx, entryID); err != nil {
		logger.Error("failed to mark queue entry sent", "entry_id", entryID, "error", err)
		return itemCount, err
	}

	r.metrics.IncEntry("sent")
	logger.Info("pushed normalized price snapshots to backend",
		"entry_id", entryID, "accepted", summary.Accepted, "failed", summary.Failed,
		"total_snapshots", summary.TotalSnapshots)

	return itemCount, nil
}

func filterSites(all []sites.Site, ids []string) []sites.Site {
	if len(ids) == 0 {
		return all
	}

	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	var filtered []sites.Site
	for _, s := range all {
		if _, ok := want[s.ID]; ok {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

func siteIDs(list []sites.Site) []string {
	ids := make([]string, 0, len(list))
	for _, s := range list {
		ids = append(ids, s.ID)
	}
	return ids
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
