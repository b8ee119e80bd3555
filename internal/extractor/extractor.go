// Package extractor turns a loaded list page into structured product rows
// using a site's declarative selector set. It operates on raw page HTML so
// extraction stays independent of the navigation layer.
package extractor

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/anontyro/items-tracker/internal/sites"
)

// Row is one product observation as extracted from a single list page.
// Pointer fields are nil when the corresponding element or attribute was not
// present; raw text fields are preserved alongside parsed numerics.
type Row struct {
	SiteID           string   `json:"siteId"`
	SourceProductID  *string  `json:"sourceProductId"`
	Name             string   `json:"name"`
	URL              string   `json:"url"`
	Price            *float64 `json:"price"`
	PriceText        *string  `json:"priceText"`
	RRP              *float64 `json:"rrp"`
	RRPText          *string  `json:"rrpText"`
	AvailabilityText *string  `json:"availabilityText"`
	SKU              *string  `json:"sku"`
	ImageURL         *string  `json:"imageUrl"`
}

// DetailImageFetcher loads a product's own page so its image element can be
// read when the list page carries no usable image.
type DetailImageFetcher interface {
	FetchHTML(ctx context.Context, url string) (string, error)
}

type Options struct {
	Logger             *slog.Logger
	DetailFetcher      DetailImageFetcher
	EnableDetailImages bool

	// ImageCacheSize bounds the per-process memo of detail-page image
	// lookups keyed by product URL. Zero uses a default of 512.
	ImageCacheSize int
}

type Extractor struct {
	logger             *slog.Logger
	detail             DetailImageFetcher
	enableDetailImages bool
	imageCache         *lru.Cache[string, string]
}

func New(opts Options) *Extractor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	size := opts.ImageCacheSize
	if size <= 0 {
		size = 512
	}
	cache, _ := lru.New[string, string](size)

	return &Extractor{
		logger:             logger.With("component", "extractor"),
		detail:             opts.DetailFetcher,
		enableDetailImages: opts.EnableDetailImages,
		imageCache:         cache,
	}
}

// ExtractPage produces one Row per node matching the site's list selector,
// in document order. A selector that matches nothing yields zero rows, never
// an error; only unparseable HTML or a bad base URL fail.
func (e *Extractor) ExtractPage(ctx context.Context, pageHTML string, site *sites.Site) ([]Row, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(pageHTML))
	if err != nil {
		return nil, fmt.Errorf("failed to parse page HTML: %w", err)
	}

	base, err := url.Parse(site.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", site.BaseURL, err)
	}

	var rows []Row
	doc.Find(site.Selectors.ProductList).Each(func(_ int, item *goquery.Selection) {
		rows = append(rows, e.extractRow(ctx, item, site, base))
	})

	return rows, nil
}

func (e *Extractor) extractRow(ctx context.Context, item *goquery.Selection, site *sites.Site, base *url.URL) Row {
	row := Row{SiteID: site.ID}

	if id, ok := item.Attr("data-product-id"); ok && id != "" {
		row.SourceProductID = &id
	}

	nameSel := item.Find(site.Selectors.ProductName).First()
	row.Name = strings.TrimSpace(nameSel.Text())
	if href, ok := nameSel.Attr("href"); ok && href != "" {
		row.URL = resolveURL(base, href)
	}

	row.Price, row.PriceText = extractAmount(item, site.Selectors.ProductPrice, "data-now")
	row.RRP, row.RRPText = extractAmount(item, site.Selectors.ProductRrp, "data-was")

	if avail := item.Find(site.Selectors.ProductAvailability).First(); avail.Length() > 0 {
		text := strings.TrimSpace(avail.Text())
		row.AvailabilityText = &text
	}

	if skuSel := item.Find(site.Selectors.ProductSku).First(); skuSel.Length() > 0 {
		if sku, ok := skuSel.Attr("data-sku"); ok && sku != "" {
			row.SKU = &sku
		}
	}

	row.ImageURL = e.extractListImage(item, site, base)

	if detail := e.extractDetailImage(ctx, row.URL, site, base); detail != nil {
		row.ImageURL = detail
	}

	return row
}

// extractAmount reads a numeric value from a preferred attribute, falling
// back to parsing the element's visible text. Both the parsed value and the
// raw text are returned; a missing element yields nil for both.
func extractAmount(item *goquery.Selection, selector, attr string) (*float64, *string) {
	sel := item.Find(selector).First()
	if sel.Length() == 0 {
		return nil, nil
	}

	text := strings.TrimSpace(sel.Text())
	var rawText *string
	if text != "" {
		rawText = &text
	}

	if attrValue, ok := sel.Attr(attr); ok && attrValue != "" {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(attrValue), 64); err == nil {
			return &parsed, rawText
		}
	}

	return ParsePrice(text), rawText
}

func (e *Extractor) extractListImage(item *goquery.Selection, site *sites.Site, base *url.URL) *string {
	if site.Selectors.ProductImageList == "" {
		return nil
	}

	img := item.Find(site.Selectors.ProductImageList).First()
	if img.Length() == 0 {
		return nil
	}

	src := imageSource(img)
	if src == "" {
		return nil
	}

	resolved := resolveURL(base, src)
	return &resolved
}

// extractDetailImage navigates to the product's own page and reads its image
// element. Any per-product failure is logged and ignored so one broken
// product page never aborts extraction of the whole list page.
func (e *Extractor) extractDetailImage(ctx context.Context, productURL string, site *sites.Site, base *url.URL) *string {
	if !e.enableDetailImages || !site.FollowProductPageForImage {
		return nil
	}
	if site.Selectors.ProductImageDetail == "" || e.detail == nil || productURL == "" {
		return nil
	}

	if cached, ok := e.imageCache.Get(productURL); ok {
		return &cached
	}

	html, err := e.detail.FetchHTML(ctx, productURL)
	if err != nil {
		e.logger.Warn("failed to scrape image from product detail page; using list image if available",
			"site_id", site.ID, "url", productURL, "error", err)
		return nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		e.logger.Warn("failed to parse product detail page",
			"site_id", site.ID, "url", productURL, "error", err)
		return nil
	}

	img := doc.Find(site.Selectors.ProductImageDetail).First()
	if img.Length() == 0 {
		return nil
	}

	src := imageSource(img)
	if src == "" {
		return nil
	}

	resolved := resolveURL(base, src)
	e.imageCache.Add(productURL, resolved)
	return &resolved
}

// imageSource prefers the lazy-load attribute over src.
func imageSource(img *goquery.Selection) string {
	if src, ok := img.Attr("data-src"); ok && src != "" {
		return src
	}
	if src, ok := img.Attr("src"); ok && src != "" {
		return src
	}
	return ""
}

func resolveURL(base *url.URL, href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}

	resolved, err := base.Parse(href)
	if err != nil {
		return href
	}
	return resolved.String()
}
