// Package normalize converts raw staged scrape rows into canonical price
// observations. It is a pure transformation: no I/O, deterministic output,
// so it stays independently testable.
package normalize

import (
	"strings"

	"github.com/anontyro/items-tracker/internal/sites"
	"github.com/anontyro/items-tracker/internal/storage"
)

// Observation is one canonical price observation ready for delivery.
// Additional carries the site id, raw scraped texts and any discovered image
// URL as a free-form metadata bag.
type Observation struct {
	ProductName  string         `json:"productName"`
	ProductType  string         `json:"productType"`
	SourceName   string         `json:"sourceName"`
	SourceURL    string         `json:"sourceUrl"`
	SKU          *string        `json:"sku"`
	Price        float64        `json:"price"`
	RRP          *float64       `json:"rrp"`
	Availability *bool          `json:"availability"`
	CurrencyCode *string        `json:"currencyCode"`
	ScrapedAt    string         `json:"scrapedAt"`
	Additional   map[string]any `json:"additional,omitempty"`
}

// Batch is the serialized form of one queue entry's payload.
type Batch struct {
	Observations []Observation `json:"observations"`
}

// Rows normalizes a site's staged rows. Rows missing a price, URL or name
// cannot become observations and are dropped; everything else is carried
// through with availability and currency inferred from the raw texts.
func Rows(site *sites.Site, rows []storage.StagedRow) []Observation {
	var out []Observation

	for _, row := range rows {
		if row.Price == nil || emptyPtr(row.URL) || emptyPtr(row.Name) {
			continue
		}

		additional := map[string]any{
			"siteId":           row.SiteID,
			"sourceProductId":  row.SourceProductID,
			"priceText":        row.PriceText,
			"rrpText":          row.RRPText,
			"availabilityText": row.AvailabilityText,
		}
		if row.ImageURL != nil {
			additional["imageUrl"] = *row.ImageURL
		}

		out = append(out, Observation{
			ProductName:  *row.Name,
			ProductType:  site.ItemType,
			SourceName:   site.Name,
			SourceURL:    *row.URL,
			SKU:          row.SKU,
			Price:        *row.Price,
			RRP:          row.RRP,
			Availability: Availability(row.AvailabilityText),
			CurrencyCode: Currency(row.PriceText, row.RRPText),
			ScrapedAt:    row.ScrapedAt,
			Additional:   additional,
		})
	}

	return out
}

// Availability maps raw availability text onto a tri-state flag: true for
// in-stock wording, false for out-of-stock or restock wording, nil when the
// text gives no signal.
func Availability(text *string) *bool {
	if text == nil || *text == "" {
		return nil
	}

	lowered := strings.ToLower(*text)

	if strings.Contains(lowered, "in stock") {
		return boolPtr(true)
	}

	if strings.Contains(lowered, "out of stock") || strings.Contains(lowered, "restock") {
		return boolPtr(false)
	}

	return nil
}

// Currency infers an ISO 4217 code from the raw price text, falling back to
// the RRP text. Unrecognized text yields nil rather than a guess.
func Currency(priceText, rrpText *string) *string {
	for _, candidate := range []*string{priceText, rrpText} {
		if candidate == nil || *candidate == "" {
			continue
		}

		text := strings.ToLower(strings.TrimSpace(*candidate))

		switch {
		case strings.Contains(text, "£"), strings.Contains(text, "gbp"):
			return strPtr("GBP")
		case strings.Contains(text, "€"), strings.Contains(text, "eur"):
			return strPtr("EUR")
		case strings.Contains(text, "$"), strings.Contains(text, "usd"):
			return strPtr("USD")
		}

		// Text was present but carried no recognizable currency marker;
		// the RRP text doesn't get a say when the price text had content.
		return nil
	}

	return nil
}

func emptyPtr(s *string) bool {
	return s == nil || *s == ""
}

func boolPtr(b bool) *bool { return &b }

func strPtr(s string) *string { return &s }
