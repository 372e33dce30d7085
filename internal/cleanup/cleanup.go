// Package cleanup removes downloaded files once their retention window
// has passed and prunes the matching history rows.
package cleanup

import (
	"context"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Mak5er/Downloader-Bot-sub000/internal/logctx"
	"github.com/Mak5er/Downloader-Bot-sub000/internal/storage"
)

// DeleteExpiredFiles deletes files older than keepDuration based on
// tracked history records. Missing files are skipped.
func DeleteExpiredFiles(ctx context.Context, records []storage.Record, keepDuration time.Duration) error {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	for _, rec := range records {
		info, err := os.Stat(rec.Path)
		if err != nil {
			if os.IsNotExist(err) {
				continue // already deleted
			}

			logger.Error("failed to stat file", "file", rec.Path, "err", err)

			return err
		}

		downloadedAt := rec.CreatedAt
		if downloadedAt.IsZero() {
			downloadedAt = info.ModTime()
		}

		if now.Sub(downloadedAt) > keepDuration {
			if err := os.Remove(rec.Path); err != nil && !os.IsNotExist(err) {
				logger.Error("failed to delete expired file", "file", rec.Path, "err", err)

				return err
			}

			logger.Info("deleted expired file",
				"file", rec.Path,
				"size", humanize.Bytes(uint64(info.Size())),
				"age", now.Sub(downloadedAt).Round(time.Second).String())
		}
	}

	return nil
}

// Sweep deletes expired files and then prunes their history rows.
func Sweep(ctx context.Context, repo storage.HistoryRepository, keepDuration time.Duration, historyLimit int) error {
	records, err := repo.GetDownloads(ctx, historyLimit)
	if err != nil {
		return err
	}

	if err := DeleteExpiredFiles(ctx, records, keepDuration); err != nil {
		return err
	}

	removed, err := repo.Prune(ctx, time.Now().Add(-keepDuration))
	if err != nil {
		return err
	}

	if removed > 0 {
		logctx.LoggerFromContext(ctx).Info("pruned download history", "removed", removed)
	}

	return nil
}
