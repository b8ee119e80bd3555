package backend

import (
	"github.com/anontyro/items-tracker/internal/normalize"
)

// ToSnapshots maps normalized observations onto their wire form.
func ToSnapshots(observations []normalize.Observation) []PriceSnapshot {
	snapshots := make([]PriceSnapshot, 0, len(observations))

	for _, obs := range observations {
		snapshots = append(snapshots, PriceSnapshot{
			ProductName:  obs.ProductName,
			ProductType:  obs.ProductType,
			SourceName:   obs.SourceName,
			SourceURL:    obs.SourceURL,
			SKU:          obs.SKU,
			Price:        obs.Price,
			CurrencyCode: obs.CurrencyCode,
			RRP:          obs.RRP,
			Availability: obs.Availability,
			ScrapedAt:    obs.ScrapedAt,
			Raw: RawSnapshotMeta{
				SiteID:           metaString(obs.Additional, "siteId"),
				SourceProductID:  metaStringPtr(obs.Additional, "sourceProductId"),
				PriceText:        metaStringPtr(obs.Additional, "priceText"),
				RRPText:          metaStringPtr(obs.Additional, "rrpText"),
				AvailabilityText: metaStringPtr(obs.Additional, "availabilityText"),
			},
		})
	}

	return snapshots
}

// ImagePairs collects the (sourceUrl, imageUrl) pairs present in a batch of
// observations. De-duplication happens at send time.
func ImagePairs(observations []normalize.Observation) []ImagePair {
	var pairs []ImagePair

	for _, obs := range observations {
		imageURL := metaString(obs.Additional, "imageUrl")
		if obs.SourceURL == "" || imageURL == "" {
			continue
		}

		pairs = append(pairs, ImagePair{SourceURL: obs.SourceURL, ImageURL: imageURL})
	}

	return pairs
}

// metaString tolerates the metadata bag's loose typing: values arrive as
// string, *string or nothing depending on whether the batch round-tripped
// through JSON.
func metaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}

	switch v := meta[key].(type) {
	case string:
		return v
	case *string:
		if v != nil {
			return *v
		}
	}
	return ""
}

func metaStringPtr(meta map[string]any, key string) *string {
	if s := metaString(meta, key); s != "" {
		return &s
	}
	return nil
}
