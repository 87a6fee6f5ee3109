package delivery

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/grantflow/download_manager/internal/download"
	"github.com/grantflow/download_manager/internal/logctx"
)

// DeleteExpiredFiles deletes delivered files older than keepDuration based on
// the queue's completed records.
func DeleteExpiredFiles(ctx context.Context, records []*download.Record, saveDir, inlineDir string, keepDuration time.Duration) error {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	for _, rec := range records {
		if rec.Status != download.StatusCompleted || rec.DeliveredAt.IsZero() {
			continue
		}

		if now.Sub(rec.DeliveredAt) <= keepDuration {
			continue
		}

		dir := saveDir
		if rec.OpenInline {
			dir = inlineDir
		}

		filePath := filepath.Join(dir, filepath.Base(rec.Filename))

		if err := os.Remove(filePath); err != nil {
			if os.IsNotExist(err) {
				continue // already deleted
			}

			logger.Error("failed to delete expired file", "file", filePath, "err", err)

			return err
		}

		logger.Info("deleted expired file", "file", filePath, "download_id", rec.ID)
	}

	return nil
}
