package storage

import (
	"context"
	"fmt"
	"time"
)

const (
	// StatusPending marks an entry awaiting its first delivery attempt.
	StatusPending = "pending"
	// StatusSending marks an entry claimed by a dispatch worker.
	StatusSending = "sending"
	// StatusSent marks successful delivery (terminal).
	StatusSent = "sent"
	// StatusFailed marks a failed attempt; the entry re-enters the eligible
	// pool once its next-attempt time passes.
	StatusFailed = "failed"
)

// QueueEntry is one durable unit of delivery work. Entries are never
// deleted; they double as the audit log of delivery attempts.
type QueueEntry struct {
	ID            int64
	RunID         string
	SiteID        string
	Payload       []byte
	Status        string
	Attempts      int
	NextAttemptAt time.Time
	LastError     *string
	TargetEnv     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// QueueRepository persists the sync queue. Backoff policy is deliberately
// not here: callers compute the next-attempt time from the attempt count.
type QueueRepository struct {
	store *Store
}

func NewQueueRepository(store *Store) *QueueRepository {
	return &QueueRepository{store: store}
}

// Enqueue creates a pending entry eligible immediately and returns its id.
func (r *QueueRepository) Enqueue(ctx context.Context, runID, siteID string, payload []byte) (int64, error) {
	now := formatTime(time.Now())

	result, err := r.store.db.ExecContext(ctx, `
		INSERT INTO price_history_sync_queue (
			run_id, site_id, payload_json, status, attempts,
			next_attempt_at, last_error, target_env, created_at, updated_at
		) VALUES (?, ?, ?, ?, 0, ?, NULL, NULL, ?, ?)`,
		runID, siteID, string(payload), StatusPending, now, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue sync batch: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read enqueued id: %w", err)
	}

	return id, nil
}

// FetchEligible returns pending and failed entries whose next-attempt time
// is at or before now, oldest first, up to limit. runID, when non-empty,
// restricts the result to one run.
func (r *QueueRepository) FetchEligible(ctx context.Context, now time.Time, limit int, runID string) ([]QueueEntry, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := `
		SELECT id, run_id, site_id, payload_json, status, attempts,
		       next_attempt_at, last_error, target_env, created_at, updated_at
		FROM price_history_sync_queue
		WHERE status IN (?, ?)
		  AND next_attempt_at <= ?`
	args := []any{StatusPending, StatusFailed, formatTime(now)}

	if runID != "" {
		query += " AND run_id = ?"
		args = append(args, runID)
	}

	query += " ORDER BY id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := r.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch eligible queue entries: %w", err)
	}
	defer rows.Close()

	var entries []QueueEntry
	for rows.Next() {
		var (
			entry         QueueEntry
			payload       string
			nextAttemptAt string
			createdAt     string
			updatedAt     string
		)
		err := rows.Scan(
			&entry.ID, &entry.RunID, &entry.SiteID, &payload, &entry.Status, &entry.Attempts,
			&nextAttemptAt, &entry.LastError, &entry.TargetEnv, &createdAt, &updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}

		entry.Payload = []byte(payload)
		entry.NextAttemptAt = parseTime(nextAttemptAt)
		entry.CreatedAt = parseTime(createdAt)
		entry.UpdatedAt = parseTime(updatedAt)
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue entries: %w", err)
	}

	return entries, nil
}

// MarkSending claims an entry for delivery.
func (r *QueueRepository) MarkSending(ctx context.Context, id int64) error {
	return r.setStatus(ctx, id, StatusSending)
}

// MarkSent records successful delivery; the entry never becomes eligible
// again.
func (r *QueueRepository) MarkSent(ctx context.Context, id int64) error {
	return r.setStatus(ctx, id, StatusSent)
}

// MarkFailed records a delivery failure, increments the attempt counter and
// schedules the next attempt.
func (r *QueueRepository) MarkFailed(ctx context.Context, id int64, errMsg string, nextAttemptAt time.Time) error {
	result, err := r.store.db.ExecContext(ctx, `
		UPDATE price_history_sync_queue
		SET status = ?, attempts = attempts + 1,
		    next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		StatusFailed, formatTime(nextAttemptAt), errMsg, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to mark queue entry failed: %w", err)
	}

	return requireRow(result, id)
}

func (r *QueueRepository) setStatus(ctx context.Context, id int64, status string) error {
	result, err := r.store.db.ExecContext(ctx, `
		UPDATE price_history_sync_queue
		SET status = ?, updated_at = ?
		WHERE id = ?`,
		status, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to mark queue entry %s: %w", status, err)
	}

	return requireRow(result, id)
}

func requireRow(result interface{ RowsAffected() (int64, error) }, id int64) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("queue entry not found: %d", id)
	}
	return nil
}
