// Package sites loads and validates per-site scrape descriptors. Each site
// is described by one JSON document holding its URLs, CSS selectors and
// crawl tuning; the crawler treats a loaded Site as read-only configuration.
package sites

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Selectors names the DOM elements the extractor reads from a list page.
// ProductImageList, ProductImageDetail and TotalCount are optional.
type Selectors struct {
	ProductList         string `json:"productList"`
	ProductName         string `json:"productName"`
	ProductPrice        string `json:"productPrice"`
	ProductAvailability string `json:"productAvailability"`
	ProductRrp          string `json:"productRrp"`
	ProductURL          string `json:"productUrl"`
	ProductSku          string `json:"productSku"`
	ProductImageList    string `json:"productImageList,omitempty"`
	ProductImageDetail  string `json:"productImageDetail,omitempty"`

	// TotalCount points at an element whose text carries the catalog size
	// (e.g. "1169 products"). When set, pagination is driven by a derived
	// page count instead of the site's pagination links.
	TotalCount string `json:"totalCount,omitempty"`
}

// Site is one validated site descriptor.
type Site struct {
	ID                        string    `json:"siteId"`
	Name                      string    `json:"siteName"`
	BaseURL                   string    `json:"baseUrl"`
	ListPageURL               string    `json:"listPageUrl"`
	ItemType                  string    `json:"itemType"`
	Selectors                 Selectors `json:"selectors"`
	RateLimitMs               int       `json:"rateLimitMs"`
	PaginationSelector        string    `json:"paginationSelector,omitempty"`
	FollowProductPageForImage bool      `json:"followProductPageForImage,omitempty"`
	Active                    bool      `json:"isActive"`
}

// RateLimit returns the per-request delay for the site.
func (s *Site) RateLimit() time.Duration {
	return time.Duration(s.RateLimitMs) * time.Millisecond
}

// Validate checks all required fields and reports the first missing one.
func (s *Site) Validate() error {
	required := []struct {
		field string
		value string
	}{
		{"siteId", s.ID},
		{"siteName", s.Name},
		{"baseUrl", s.BaseURL},
		{"listPageUrl", s.ListPageURL},
		{"itemType", s.ItemType},
		{"selectors.productList", s.Selectors.ProductList},
		{"selectors.productName", s.Selectors.ProductName},
		{"selectors.productPrice", s.Selectors.ProductPrice},
		{"selectors.productAvailability", s.Selectors.ProductAvailability},
		{"selectors.productRrp", s.Selectors.ProductRrp},
		{"selectors.productUrl", s.Selectors.ProductURL},
		{"selectors.productSku", s.Selectors.ProductSku},
	}

	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("invalid or missing field '%s' in site config", r.field)
		}
	}

	if s.RateLimitMs <= 0 {
		return fmt.Errorf("invalid or missing numeric field 'rateLimitMs' in site config")
	}

	return nil
}

// LoadDir reads every *.json file under dir into a Site. A malformed file is
// fatal for that file only: it is logged and skipped, the remaining sites
// still load. A missing directory is treated as zero configured sites.
func LoadDir(dir string, logger *slog.Logger) ([]Site, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read sites dir %s: %w", dir, err)
	}

	var sites []Site
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		site, err := loadFile(path)
		if err != nil {
			logger.Error("failed to load site config", "file", path, "error", err)
			continue
		}

		sites = append(sites, *site)
	}

	return sites, nil
}

func loadFile(path string) (*Site, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read site config: %w", err)
	}

	var site Site
	if err := json.Unmarshal(raw, &site); err != nil {
		return nil, fmt.Errorf("failed to parse site config: %w", err)
	}

	if err := site.Validate(); err != nil {
		return nil, err
	}

	return &site, nil
}

// Active filters the given sites down to those marked active.
func Active(all []Site) []Site {
	var active []Site
	for _, s := range all {
		if s.Active {
			active = append(active, s)
		}
	}
	return active
}
