package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	"github.com/grantflow/download_manager/internal/download"
)

// QueueRepository persists whole-queue snapshots in SQLite. Each save
// replaces the previous snapshot inside one transaction so a crash never
// leaves a half-written list behind.
type QueueRepository struct {
	db *sql.DB
}

func NewQueueRepository(dbConn *sql.DB) *QueueRepository {
	return &QueueRepository{db: dbConn}
}

func (r *QueueRepository) SaveQueue(ctx context.Context, records []*download.Record) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue`); err != nil {
		return fmt.Errorf("failed to clear previous snapshot: %w", err)
	}

	for pos, rec := range records {
		var deliveredAt any
		if !rec.DeliveredAt.IsZero() {
			deliveredAt = rec.DeliveredAt.Format(time.RFC3339)
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO queue (
				download_id, position, filename, path, params, open_inline,
				progress, status, received_bytes, total_bytes, last_error,
				enqueued_at, delivered_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, pos, rec.Filename, rec.Path, rec.Params.Encode(), rec.OpenInline,
			rec.Progress, string(rec.Status), rec.ReceivedBytes, rec.TotalBytes, rec.LastError,
			rec.EnqueuedAt.Format(time.RFC3339), deliveredAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert record %q: %w", rec.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}

	return nil
}

// LoadQueue restores the visible list in saved order. Any record persisted as
// in-progress belongs to a run that never settled, so it is demoted to paused
// here. The worker loop therefore never observes a stale active transfer.
func (r *QueueRepository) LoadQueue(ctx context.Context) ([]*download.Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT download_id, filename, path, params, open_inline, progress,
			status, received_bytes, total_bytes, last_error, enqueued_at, delivered_at
		FROM queue
		ORDER BY position ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue snapshot: %w", err)
	}
	defer rows.Close()

	var records []*download.Record

	for rows.Next() {
		var (
			rec         download.Record
			params      string
			status      string
			lastError   sql.NullString
			enqueuedAt  sql.NullString
			deliveredAt sql.NullString
		)

		err := rows.Scan(
			&rec.ID, &rec.Filename, &rec.Path, &params, &rec.OpenInline, &rec.Progress,
			&status, &rec.ReceivedBytes, &rec.TotalBytes, &lastError, &enqueuedAt, &deliveredAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}

		if rec.Params, err = url.ParseQuery(params); err != nil {
			return nil, fmt.Errorf("failed to parse params for %q: %w", rec.ID, err)
		}

		rec.Status = download.Status(status)
		if rec.Status == download.StatusInProgress {
			rec.Status = download.StatusPaused
		}

		rec.LastError = lastError.String

		if enqueuedAt.Valid {
			rec.EnqueuedAt, _ = time.Parse(time.RFC3339, enqueuedAt.String)
		}

		if deliveredAt.Valid {
			rec.DeliveredAt, _ = time.Parse(time.RFC3339, deliveredAt.String)
		}

		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue snapshot: %w", err)
	}

	return records, nil
}
