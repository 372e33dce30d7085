package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/Mak5er/Downloader-Bot-sub000/internal/storage"
)

// HistoryRepository implements storage.HistoryRepository on SQLite.
type HistoryRepository struct {
	db *sql.DB
}

func NewHistoryRepository(db *sql.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

func (r *HistoryRepository) AddDownload(ctx context.Context, rec storage.Record) (int64, error) {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO downloads (url, file_path, source, size_bytes, elapsed_ms, used_multipart, resumed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.URL, rec.Path, rec.Source, rec.Size, rec.Elapsed.Milliseconds(),
		rec.UsedMultipart, rec.Resumed, createdAt.Format(time.RFC3339),
	)
	if err != nil {
		return 0, err
	}

	return res.LastInsertId()
}

// GetDownloads returns the most recent downloads, newest first.
func (r *HistoryRepository) GetDownloads(ctx context.Context, limit int) ([]storage.Record, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, url, file_path, source, size_bytes, elapsed_ms, used_multipart, resumed, created_at
		 FROM downloads
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []storage.Record

	for rows.Next() {
		var (
			rec       storage.Record
			elapsedMS int64
			createdAt string
		)

		if err := rows.Scan(&rec.ID, &rec.URL, &rec.Path, &rec.Source, &rec.Size,
			&elapsedMS, &rec.UsedMultipart, &rec.Resumed, &createdAt); err != nil {
			return nil, err
		}

		rec.Elapsed = time.Duration(elapsedMS) * time.Millisecond

		if rec.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, err
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}

// Prune deletes history rows created before olderThan and reports how
// many were removed.
func (r *HistoryRepository) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM downloads WHERE created_at < ?`,
		olderThan.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}
