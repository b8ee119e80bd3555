package crawler

import (
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/anontyro/items-tracker/internal/sites"
)

var (
	digitsPattern     = regexp.MustCompile(`^\d+$`)
	totalCountPattern = regexp.MustCompile(`(\d[\d,]*)`)
)

// derivedPageCount reads the site's total-count element (e.g. "1169
// products") and divides by the number of items seen on the current page.
// Some Shopify storefronts expose pagination controls that loop between a
// small set of URLs even though many more pages exist; a derived count lets
// pagination step ?page=N directly instead of trusting those controls.
func derivedPageCount(doc *goquery.Document, selector string, itemsPerPage int) (int, bool) {
	if selector == "" || itemsPerPage <= 0 {
		return 0, false
	}

	sel := doc.Find(selector).First()
	if sel.Length() == 0 {
		return 0, false
	}

	match := totalCountPattern.FindString(sel.Text())
	if match == "" {
		return 0, false
	}

	total, err := strconv.Atoi(strings.ReplaceAll(match, ",", ""))
	if err != nil || total <= 0 {
		return 0, false
	}

	pages := int(math.Ceil(float64(total) / float64(itemsPerPage)))
	if pages <= 0 {
		return 0, false
	}

	return pages, true
}

// resolveNextLink scans the site's pagination links for the page after
// currentPage, in priority order: an explicit data-page attribute equal to
// current+1, then the smallest embedded numeric page parameter greater than
// the current page, then a heuristic "next" link (rel, class, text, aria
// label). Returns the absolute next URL, or false when pagination ends.
func resolveNextLink(doc *goquery.Document, site *sites.Site, base *url.URL, currentPage int) (string, bool) {
	if site.PaginationSelector == "" {
		return "", false
	}

	links := doc.Find(site.PaginationSelector)
	if links.Length() == 0 {
		return "", false
	}

	if href := nextByPageAttr(links, currentPage); href != "" {
		return resolveHref(base, href), true
	}

	if href := nextByNumericParam(links, base, currentPage); href != "" {
		return resolveHref(base, href), true
	}

	if href := nextByHeuristics(links); href != "" {
		return resolveHref(base, href), true
	}

	return "", false
}

func nextByPageAttr(links *goquery.Selection, currentPage int) string {
	want := strconv.Itoa(currentPage + 1)
	var href string

	links.EachWithBreak(func(_ int, link *goquery.Selection) bool {
		if attr, ok := link.Attr("data-page"); ok && attr == want {
			if h, ok := link.Attr("href"); ok && h != "" {
				href = h
			}
			return false
		}
		return true
	})

	return href
}

func nextByNumericParam(links *goquery.Selection, base *url.URL, currentPage int) string {
	bestPage := 0
	bestHref := ""

	links.Each(func(_ int, link *goquery.Selection) {
		href, ok := link.Attr("href")
		if !ok || href == "" {
			return
		}

		pageNum := 0
		if attr, ok := link.Attr("data-page"); ok && digitsPattern.MatchString(attr) {
			pageNum, _ = strconv.Atoi(attr)
		} else if resolved, err := base.Parse(href); err == nil {
			if qp := resolved.Query().Get("page"); digitsPattern.MatchString(qp) {
				pageNum, _ = strconv.Atoi(qp)
			}
		}

		if pageNum > currentPage && (bestPage == 0 || pageNum < bestPage) {
			bestPage = pageNum
			bestHref = href
		}
	})

	return bestHref
}

func nextByHeuristics(links *goquery.Selection) string {
	var href string

	links.EachWithBreak(func(_ int, link *goquery.Selection) bool {
		rel := link.AttrOr("rel", "")
		class := link.AttrOr("class", "")
		text := strings.TrimSpace(link.Text())
		ariaLabel := strings.ToLower(link.AttrOr("aria-label", ""))

		isNext := rel == "next" ||
			strings.Contains(class, "pagination__item--next") ||
			strings.EqualFold(text, "next") ||
			strings.Contains(ariaLabel, "next page")

		if isNext {
			if h, ok := link.Attr("href"); ok && h != "" {
				href = h
			}
			return false
		}
		return true
	})

	return href
}

// pageQueryURL rewrites the current list URL with an explicit page query
// parameter, used when pagination is driven by a derived page count.
func pageQueryURL(base *url.URL, current string, page int) (string, error) {
	u, err := base.Parse(current)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func resolveHref(base *url.URL, href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}

	resolved, err := base.Parse(href)
	if err != nil {
		return href
	}
	return resolved.String()
}
