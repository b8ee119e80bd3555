// Package backend is the HTTP client for the downstream ingestion API:
// chunked price-snapshot delivery plus the best-effort image and run-status
// side channels.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const defaultChunkSize = 50

// PriceSnapshot is the wire form of one observation.
type PriceSnapshot struct {
	ProductName  string          `json:"productName"`
	ProductType  string          `json:"productType"`
	SourceName   string          `json:"sourceName"`
	SourceURL    string          `json:"sourceUrl"`
	SKU          *string         `json:"sku,omitempty"`
	Price        float64         `json:"price"`
	CurrencyCode *string         `json:"currencyCode,omitempty"`
	RRP          *float64        `json:"rrp,omitempty"`
	Availability *bool           `json:"availability,omitempty"`
	ScrapedAt    string          `json:"scrapedAt"`
	Raw          RawSnapshotMeta `json:"raw"`
}

// RawSnapshotMeta carries the scrape-time diagnostics alongside a snapshot.
type RawSnapshotMeta struct {
	SiteID           string  `json:"siteId"`
	SourceProductID  *string `json:"sourceProductId,omitempty"`
	PriceText        *string `json:"priceText,omitempty"`
	RRPText          *string `json:"rrpText,omitempty"`
	AvailabilityText *string `json:"availabilityText,omitempty"`
}

type batchRequest struct {
	Snapshots []PriceSnapshot `json:"snapshots"`
}

type batchResponse struct {
	Accepted       *int `json:"accepted"`
	Failed         *int `json:"failed"`
	NewProducts    *int `json:"newProducts"`
	NewSources     *int `json:"newSources"`
	UpdatedSources *int `json:"updatedSources"`
	TotalSnapshots *int `json:"totalSnapshots"`
}

// IngestSummary aggregates the per-chunk responses of one batch send.
type IngestSummary struct {
	TotalSnapshots int `json:"totalSnapshots"`
	Accepted       int `json:"accepted"`
	Failed         int `json:"failed"`
	NewProducts    int `json:"newProducts"`
	NewSources     int `json:"newSources"`
	UpdatedSources int `json:"updatedSources"`
}

// RunStatus reports one site's crawl outcome to the backend.
type RunStatus struct {
	SiteID       string  `json:"siteId"`
	Status       string  `json:"status"`
	StartedAt    string  `json:"startedAt"`
	FinishedAt   string  `json:"finishedAt"`
	ItemCount    int     `json:"itemCount"`
	ErrorMessage *string `json:"errorMessage,omitempty"`
	RunID        string  `json:"runId,omitempty"`
}

type imageRequest struct {
	SourceURL      string `json:"sourceUrl"`
	RemoteImageURL string `json:"remoteImageUrl"`
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	chunkSize  int
	logger     *slog.Logger
}

type Option func(*Client)

// WithChunkSize overrides the number of snapshots sent per request.
func WithChunkSize(size int) Option {
	return func(c *Client) {
		if size > 0 {
			c.chunkSize = size
		}
	}
}

// WithHTTPClient substitutes the underlying HTTP client (used by tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		chunkSize:  defaultChunkSize,
		logger:     slog.Default().With("component", "backend_client"),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// HTTPClient exposes the underlying client so tests can intercept transport.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// SendPriceSnapshots delivers snapshots in fixed-size chunks and aggregates
// the per-chunk results. Any chunk failure aborts the whole send: the queue
// entry is retried in full on the next cycle, so no partial-chunk state is
// ever persisted.
func (c *Client) SendPriceSnapshots(ctx context.Context, snapshots []PriceSnapshot) (IngestSummary, error) {
	var summary IngestSummary
	if len(snapshots) == 0 {
		return summary, nil
	}

	url := c.baseURL + "/v1/price-history/batch"

	for start := 0; start < len(snapshots); start += c.chunkSize {
		end := start + c.chunkSize
		if end > len(snapshots) {
			end = len(snapshots)
		}
		chunk := snapshots[start:end]

		var resp batchResponse
		if err := c.postJSON(ctx, url, batchRequest{Snapshots: chunk}, &resp); err != nil {
			return IngestSummary{}, fmt.Errorf("failed to send snapshot chunk: %w", err)
		}

		summary.TotalSnapshots += intOr(resp.TotalSnapshots, len(chunk))
		summary.Accepted += intOr(resp.Accepted, len(chunk))
		summary.Failed += intOr(resp.Failed, 0)
		summary.NewProducts += intOr(resp.NewProducts, 0)
		summary.NewSources += intOr(resp.NewSources, 0)
		summary.UpdatedSources += intOr(resp.UpdatedSources, 0)
	}

	return summary, nil
}

// SendImages forwards discovered image URLs, one request per unique
// (sourceUrl, imageUrl) pair. Best-effort only: every failure is logged and
// swallowed here so image forwarding can never fail price-history delivery.
func (c *Client) SendImages(ctx context.Context, pairs []ImagePair) {
	url := c.baseURL + "/v1/images/from-scrape"

	seen := make(map[string]struct{})
	for _, pair := range pairs {
		if pair.SourceURL == "" || pair.ImageURL == "" {
			continue
		}

		key := pair.SourceURL + "::" + pair.ImageURL
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		err := c.postJSON(ctx, url, imageRequest{
			SourceURL:      pair.SourceURL,
			RemoteImageURL: pair.ImageURL,
		}, nil)
		if err != nil {
			c.logger.Warn("failed to forward scraped image", "source_url", pair.SourceURL, "error", err)
		}
	}
}

// ImagePair links a product's source URL with its discovered image URL.
type ImagePair struct {
	SourceURL string
	ImageURL  string
}

// SendRunStatus reports a crawl run's outcome. Callers treat this as
// best-effort and log-and-discard the returned error.
func (c *Client) SendRunStatus(ctx context.Context, status RunStatus) error {
	url := c.baseURL + "/v1/admin/scrape-runs"

	if err := c.postJSON(ctx, url, status, nil); err != nil {
		return fmt.Errorf("failed to report run status: %w", err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, url string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d from %s: %s", resp.StatusCode, url, strings.TrimSpace(string(snippet)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

func intOr(v *int, fallback int) int {
	if v != nil {
		return *v
	}
	return fallback
}
