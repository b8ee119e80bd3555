package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anontyro/items-tracker/internal/extractor"
)

// StagedRow is one scraped product as persisted in the staging table. The
// structured columns support querying; RawJSON preserves the original row
// for forward-compatible reprocessing.
type StagedRow struct {
	ID               int64
	SiteID           string
	SourceProductID  *string
	Name             *string
	URL              *string
	Price            *float64
	PriceText        *string
	RRP              *float64
	RRPText          *string
	AvailabilityText *string
	SKU              *string
	ImageURL         *string
	RawJSON          string
	ScrapedAt        string
}

// StagingRepository appends raw scrape pages and reads back whole snapshots.
type StagingRepository struct {
	store *Store
}

func NewStagingRepository(store *Store) *StagingRepository {
	return &StagingRepository{store: store}
}

// Append persists one page of rows tagged with the run's scrape timestamp.
// All pages of a run share the same timestamp, which is what makes the
// latest-snapshot read atomic across pages.
func (r *StagingRepository) Append(ctx context.Context, siteID string, rows []extractor.Row, scrapedAt time.Time) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := r.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO scraped_products_raw (
			site_id, source_product_id, name, url,
			price, price_text, rrp, rrp_text,
			availability_text, sku, image_url, raw_json, scraped_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	ts := formatTime(scrapedAt)
	for _, row := range rows {
		rawJSON, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("failed to marshal row: %w", err)
		}

		_, err = stmt.ExecContext(ctx,
			siteID, row.SourceProductID, nullIfEmpty(row.Name), nullIfEmpty(row.URL),
			row.Price, row.PriceText, row.RRP, row.RRPText,
			row.AvailabilityText, row.SKU, row.ImageURL, string(rawJSON), ts,
		)
		if err != nil {
			return fmt.Errorf("failed to insert scraped row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit scraped rows: %w", err)
	}

	return nil
}

// LatestSnapshot returns every row whose timestamp equals the maximum
// recorded for the site: the complete result of the most recent run, never a
// mix of two runs. A site with no rows yields an empty slice.
func (r *StagingRepository) LatestSnapshot(ctx context.Context, siteID string) ([]StagedRow, error) {
	var latest sql.NullString
	err := r.store.db.QueryRowContext(ctx,
		`SELECT MAX(scraped_at) FROM scraped_products_raw WHERE site_id = ?`, siteID,
	).Scan(&latest)
	if err != nil {
		return nil, fmt.Errorf("failed to find latest scrape time: %w", err)
	}

	if !latest.Valid {
		return nil, nil
	}

	rows, err := r.store.db.QueryContext(ctx, `
		SELECT id, site_id, source_product_id, name, url,
		       price, price_text, rrp, rrp_text,
		       availability_text, sku, image_url, raw_json, scraped_at
		FROM scraped_products_raw
		WHERE site_id = ? AND scraped_at = ?
		ORDER BY id ASC`,
		siteID, latest.String)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest snapshot: %w", err)
	}
	defer rows.Close()

	var snapshot []StagedRow
	for rows.Next() {
		var row StagedRow
		err := rows.Scan(
			&row.ID, &row.SiteID, &row.SourceProductID, &row.Name, &row.URL,
			&row.Price, &row.PriceText, &row.RRP, &row.RRPText,
			&row.AvailabilityText, &row.SKU, &row.ImageURL, &row.RawJSON, &row.ScrapedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan staged row: %w", err)
		}
		snapshot = append(snapshot, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshot rows: %w", err)
	}

	return snapshot, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
