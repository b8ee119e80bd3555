// Package crawler drives paginated navigation across a site's list pages.
// Each iteration navigates a page (with retry), extracts its rows, then
// determines the next page; extracted pages are streamed to the consumer one
// at a time so large catalogs never have to fit in memory.
package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/anontyro/items-tracker/internal/extractor"
	"github.com/anontyro/items-tracker/internal/sites"
)

// Navigator loads a list page and returns its rendered HTML. The browser
// session implements this; tests substitute a canned-HTML fake.
type Navigator interface {
	Load(ctx context.Context, url, waitSelector string) (string, error)
}

// Page is one list page's worth of extracted rows.
type Page struct {
	Number int
	Rows   []extractor.Row
}

type Options struct {
	// MaxPages hard-stops the crawl regardless of remaining pagination
	// links; zero means unlimited.
	MaxPages int

	// StartPage suppresses row emission for earlier pages while still
	// navigating through them, for resuming partway through a catalog.
	StartPage int

	MaxNavAttempts    int
	NavRetryBaseDelay time.Duration

	// DebugDir receives a raw HTML dump of each site's first page for
	// selector troubleshooting. Empty disables the dump.
	DebugDir string
}

type Crawler struct {
	nav    Navigator
	ex     *extractor.Extractor
	logger *slog.Logger
	opts   Options
	sleep  func(context.Context, time.Duration)
}

func New(nav Navigator, ex *extractor.Extractor, logger *slog.Logger, opts Options) *Crawler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.StartPage < 1 {
		opts.StartPage = 1
	}
	if opts.MaxNavAttempts < 1 {
		opts.MaxNavAttempts = 3
	}
	if opts.NavRetryBaseDelay <= 0 {
		opts.NavRetryBaseDelay = 5 * time.Second
	}

	return &Crawler{
		nav:    nav,
		ex:     ex,
		logger: logger.With("component", "crawler"),
		opts:   opts,
		sleep:  sleepContext,
	}
}

// Crawl walks the site's list pages starting at its listing URL and streams
// each page's rows on the returned channel. The channel is closed when
// pagination ends, a navigation failure exhausts its retries, or ctx is
// cancelled; pages already delivered are never retracted.
func (c *Crawler) Crawl(ctx context.Context, site *sites.Site) <-chan Page {
	out := make(chan Page, 1)
	go func() {
		defer close(out)
		c.run(ctx, site, out)
	}()
	return out
}

func (c *Crawler) run(ctx context.Context, site *sites.Site, out chan<- Page) {
	base, err := url.Parse(site.BaseURL)
	if err != nil {
		c.logger.Error("invalid site base URL", "site_id", site.ID, "base_url", site.BaseURL, "error", err)
		return
	}

	visited := make(map[string]struct{})
	currentPage := 1
	nextURL := site.ListPageURL
	derivedTotal := 0

	for nextURL != "" && (c.opts.MaxPages <= 0 || currentPage <= c.opts.MaxPages) {
		if ctx.Err() != nil {
			return
		}

		c.logger.Info("scraping product list page",
			"site_id", site.ID, "page", currentPage, "url", nextURL)

		// Guard against pagination controls that bounce between the same
		// list URLs: a URL seen before ends the crawl instead of looping.
		if _, seen := visited[nextURL]; seen {
			c.logger.Warn("detected previously visited list page URL; stopping pagination to avoid loop",
				"site_id", site.ID, "page", currentPage, "url", nextURL)
			return
		}
		visited[nextURL] = struct{}{}

		pageHTML, err := c.loadWithRetry(ctx, site, nextURL, currentPage)
		if err != nil {
			// Pages already streamed stay delivered; only the rest of the
			// catalog is given up.
			return
		}

		if currentPage == 1 {
			c.dumpDebugHTML(site, pageHTML)
		}

		rows, err := c.ex.ExtractPage(ctx, pageHTML, site)
		if err != nil {
			c.logger.Error("failed to extract products from page",
				"site_id", site.ID, "page", currentPage, "error", err)
			return
		}

		c.logger.Info("found products on page",
			"site_id", site.ID, "page", currentPage, "product_count", len(rows))

		if currentPage >= c.opts.StartPage && len(rows) > 0 {
			select {
			case out <- Page{Number: currentPage, Rows: rows}:
			case <-ctx.Done():
				return
			}
		}

		doc, err := goquery.NewDocumentFromReader(strings.NewReader(pageHTML))
		if err != nil {
			c.logger.Error("failed to parse page for pagination",
				"site_id", site.ID, "page", currentPage, "error", err)
			return
		}

		next := c.nextPageURL(doc, site, base, nextURL, currentPage, &derivedTotal, len(rows))

		// The rate-limit delay is the sole crawl throttle and applies after
		// every page load, including the last one.
		c.sleep(ctx, site.RateLimit())

		if next == "" {
			c.logger.Info("pagination complete", "site_id", site.ID, "pages", currentPage)
			return
		}

		nextURL = next
		currentPage++
	}
}

// nextPageURL determines where pagination goes after currentPage. A derived
// total page count, once computed from the site's total-count element, takes
// priority and steps the page query parameter directly; otherwise the
// pagination links on the page are scanned.
func (c *Crawler) nextPageURL(doc *goquery.Document, site *sites.Site, base *url.URL, currentURL string, currentPage int, derivedTotal *int, rowCount int) string {
	if site.Selectors.TotalCount != "" && *derivedTotal == 0 && rowCount > 0 {
		if pages, ok := derivedPageCount(doc, site.Selectors.TotalCount, rowCount); ok {
			*derivedTotal = pages
			c.logger.Info("derived total pages from product count",
				"site_id", site.ID, "products_per_page", rowCount, "derived_total_pages", pages)
		}
	}

	if *derivedTotal > 0 {
		if currentPage >= *derivedTotal {
			return ""
		}
		if next, err := pageQueryURL(base, currentURL, currentPage+1); err == nil {
			return next
		}
		// URL manipulation failed; fall back to scanning pagination links.
	}

	next, ok := resolveNextLink(doc, site, base, currentPage)
	if !ok {
		return ""
	}
	return next
}

// loadWithRetry attempts a page load up to MaxNavAttempts times with
// exponential backoff. Exhausting the attempts aborts pagination.
func (c *Crawler) loadWithRetry(ctx context.Context, site *sites.Site, pageURL string, pageNum int) (string, error) {
	var lastErr error

	for attempt := 1; attempt <= c.opts.MaxNavAttempts; attempt++ {
		pageHTML, err := c.nav.Load(ctx, pageURL, site.Selectors.ProductList)
		if err == nil {
			return pageHTML, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		if attempt < c.opts.MaxNavAttempts {
			backoff := c.opts.NavRetryBaseDelay * (1 << (attempt - 1))
			c.logger.Warn("navigation failed; will retry after backoff",
				"site_id", site.ID, "page", pageNum, "url", pageURL,
				"attempt", attempt, "max_attempts", c.opts.MaxNavAttempts, "error", err)
			c.sleep(ctx, backoff)
		}
	}

	c.logger.Error("failed to navigate after maximum attempts; giving up on further pages",
		"site_id", site.ID, "page", pageNum, "url", pageURL,
		"max_attempts", c.opts.MaxNavAttempts, "error", lastErr)
	return "", fmt.Errorf("failed after %d attempts: %w", c.opts.MaxNavAttempts, lastErr)
}

func (c *Crawler) dumpDebugHTML(site *sites.Site, pageHTML string) {
	if c.opts.DebugDir == "" {
		return
	}

	path := filepath.Join(c.opts.DebugDir, fmt.Sprintf("debug-%s-page-1.html", site.ID))
	if err := os.WriteFile(path, []byte(pageHTML), 0o644); err != nil {
		c.logger.Warn("failed to write debug HTML dump", "site_id", site.ID, "path", path, "error", err)
		return
	}

	c.logger.Info("wrote debug HTML dump for page", "site_id", site.ID, "path", path)
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
