// Package browser wraps a playwright browsing session. One Session maps to
// one browser context and is reused for every list page of a site; product
// detail pages are opened as short-lived auxiliary pages in the same context.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/playwright-community/playwright-go"
)

type Options struct {
	Headless  bool
	Timeout   time.Duration
	UserAgent string
}

func DefaultOptions() *Options {
	return &Options{
		Headless:  true,
		Timeout:   30 * time.Second,
		UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	}
}

type Session struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	context playwright.BrowserContext
	page    playwright.Page
	timeout time.Duration
	logger  *slog.Logger
}

func New(opts *Options) (*Session, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
	})
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	browserContext, err := browser.NewContext(playwright.BrowserNewContextOptions{
		UserAgent: playwright.String(opts.UserAgent),
	})
	if err != nil {
		browser.Close()
		pw.Stop()
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}

	return &Session{
		pw:      pw,
		browser: browser,
		context: browserContext,
		timeout: opts.Timeout,
		logger:  slog.Default().With("component", "browser"),
	}, nil
}

// Load navigates the session's list page to url and returns the rendered
// page HTML. When waitSelector is non-empty the page waits for it to appear;
// a wait timeout is logged and tolerated, since some sites render the list
// late or not at all on empty result pages.
func (s *Session) Load(ctx context.Context, url, waitSelector string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	page, err := s.listPage()
	if err != nil {
		return "", err
	}

	_, err = page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateNetworkidle,
		Timeout:   playwright.Float(float64(s.timeout.Milliseconds())),
	})
	if err != nil {
		return "", fmt.Errorf("failed to navigate to %s: %w", url, err)
	}

	if waitSelector != "" {
		_, err = page.WaitForSelector(waitSelector, playwright.PageWaitForSelectorOptions{
			Timeout: playwright.Float(10000),
		})
		if err != nil {
			s.logger.Warn("timed out waiting for selector; extracting anyway",
				"url", url, "selector", waitSelector)
		}
	}

	content, err := page.Content()
	if err != nil {
		return "", fmt.Errorf("failed to read page content: %w", err)
	}

	return content, nil
}

// FetchHTML loads an auxiliary page (a product detail page) in the same
// browsing context and returns its HTML. The page is closed before returning.
func (s *Session) FetchHTML(ctx context.Context, url string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	page, err := s.context.NewPage()
	if err != nil {
		return "", fmt.Errorf("failed to create detail page: %w", err)
	}
	defer page.Close()

	_, err = page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(15000),
	})
	if err != nil {
		return "", fmt.Errorf("failed to navigate to %s: %w", url, err)
	}

	content, err := page.Content()
	if err != nil {
		return "", fmt.Errorf("failed to read detail page content: %w", err)
	}

	return content, nil
}

func (s *Session) listPage() (playwright.Page, error) {
	if s.page != nil {
		return s.page, nil
	}

	page, err := s.context.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	page.SetDefaultTimeout(float64(s.timeout.Milliseconds()))

	s.page = page
	return page, nil
}

func (s *Session) Close() error {
	var errs []error

	if s.context != nil {
		if err := s.context.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close context: %w", err))
		}
	}

	if s.browser != nil {
		if err := s.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
	}

	if s.pw != nil {
		if err := s.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}

	return nil
}
