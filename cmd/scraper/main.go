package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/anontyro/items-tracker/internal/backend"
	"github.com/anontyro/items-tracker/internal/browser"
	"github.com/anontyro/items-tracker/internal/config"
	"github.com/anontyro/items-tracker/internal/crawler"
	"github.com/anontyro/items-tracker/internal/extractor"
	"github.com/anontyro/items-tracker/internal/metrics"
	"github.com/anontyro/items-tracker/internal/runner"
	"github.com/anontyro/items-tracker/internal/sites"
	"github.com/anontyro/items-tracker/internal/storage"
	"github.com/anontyro/items-tracker/pkg/logger"
)

func main() {
	var (
		siteIDs  = flag.String("sites", "", "Comma-separated site ids to scrape (default: all active sites)")
		dryRun   = flag.Bool("dry-run", false, "Crawl without persisting or delivering anything")
		headless = flag.Bool("headless", true, "Run the browser in headless mode")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	slogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	slogger.Info("scraper service starting", "sites_dir", cfg.Scraper.SitesDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		slogger.Info("shutdown signal received")
		cancel()
	}()

	allSites, err := sites.LoadDir(cfg.Scraper.SitesDir, slogger)
	if err != nil {
		slogger.Error("failed to load site configs", "error", err)
		os.Exit(1)
	}

	activeSites := sites.Active(allSites)
	slogger.Info("loaded site configurations",
		"site_count", len(allSites), "active_count", len(activeSites))

	filterIDs := cfg.Scraper.SiteIDs
	if *siteIDs != "" {
		filterIDs = splitCSV(*siteIDs)
	}

	dryRunMode := *dryRun || cfg.Scraper.DisableSqlite

	var (
		staging runner.Staging
		queue   runner.Queue
	)
	if !dryRunMode {
		store, err := storage.Open(cfg.Store.SqlitePath)
		if err != nil {
			slogger.Error("failed to open staging store", "path", cfg.Store.SqlitePath, "error", err)
			os.Exit(1)
		}
		defer store.Close()

		staging = storage.NewStagingRepository(store)
		queue = storage.NewQueueRepository(store)
	} else {
		slogger.Info("persistence disabled; running crawl-only")
	}

	client := backend.New(cfg.Backend.APIBaseURL, cfg.Backend.APIKey,
		backend.WithChunkSize(cfg.Backend.BatchSize),
		backend.WithLogger(slogger))

	m := metrics.New()

	crawl := newCrawlFunc(cfg, *headless, slogger)
	r := runner.New(crawl, staging, queue, client, slogger, m, runner.Options{
		DisablePersistence: dryRunMode,
	})

	if err := r.RunAll(ctx, activeSites, filterIDs); err != nil {
		slogger.Error("scrape run aborted", "error", err)
		os.Exit(1)
	}

	if cfg.Scraper.ServiceMode {
		slogger.Info("service mode enabled; keeping process alive")
		<-ctx.Done()
		return
	}

	slogger.Info("scrape run completed in one-shot mode")
}

// newCrawlFunc binds a browser-backed crawler to each site. One browsing
// session is created per site and closed once its pages are drained.
func newCrawlFunc(cfg *config.Config, headless bool, slogger *slog.Logger) runner.CrawlFunc {
	return func(ctx context.Context, site *sites.Site) <-chan crawler.Page {
		out := make(chan crawler.Page)

		go func() {
			defer close(out)

			session, err := browser.New(&browser.Options{
				Headless:  headless && cfg.Browser.Headless,
				Timeout:   cfg.Browser.Timeout,
				UserAgent: cfg.Browser.UserAgent,
			})
			if err != nil {
				slogger.Error("failed to start browser session", "site_id", site.ID, "error", err)
				return
			}
			defer session.Close()

			ex := extractor.New(extractor.Options{
				DetailFetcher:      session,
				EnableDetailImages: cfg.Scraper.EnableDetailImages,
			})

			c := crawler.New(session, ex, nil, crawler.Options{
				MaxPages:          cfg.Scraper.MaxPages,
				StartPage:         cfg.Scraper.StartPage,
				MaxNavAttempts:    cfg.Scraper.MaxNavAttempts,
				NavRetryBaseDelay: cfg.Scraper.NavRetryBaseDelay,
				DebugDir:          ".",
			})

			for page := range c.Crawl(ctx, site) {
				select {
				case out <- page:
				case <-ctx.Done():
					return
				}
			}
		}()

		return out
	}
}

func splitCSV(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
