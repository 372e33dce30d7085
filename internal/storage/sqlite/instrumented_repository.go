package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/Mak5er/Downloader-Bot-sub000/internal/storage"
	"github.com/Mak5er/Downloader-Bot-sub000/internal/telemetry"
)

// InstrumentedHistoryRepository wraps HistoryRepository with telemetry.
type InstrumentedHistoryRepository struct {
	repo      *HistoryRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedHistoryRepository creates a new instrumented history repository.
func NewInstrumentedHistoryRepository(db *sql.DB, tel *telemetry.Telemetry) *InstrumentedHistoryRepository {
	return &InstrumentedHistoryRepository{
		repo:      NewHistoryRepository(db),
		telemetry: tel,
	}
}

func (r *InstrumentedHistoryRepository) AddDownload(ctx context.Context, rec storage.Record) (int64, error) {
	var id int64

	err := r.telemetry.InstrumentDBOperation(ctx, "add_download", func(ctx context.Context) error {
		var err error
		id, err = r.repo.AddDownload(ctx, rec)

		return err
	})

	return id, err
}

func (r *InstrumentedHistoryRepository) GetDownloads(ctx context.Context, limit int) ([]storage.Record, error) {
	var records []storage.Record

	err := r.telemetry.InstrumentDBOperation(ctx, "get_downloads", func(ctx context.Context) error {
		var err error
		records, err = r.repo.GetDownloads(ctx, limit)

		return err
	})

	return records, err
}

func (r *InstrumentedHistoryRepository) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	var removed int64

	err := r.telemetry.InstrumentDBOperation(ctx, "prune_downloads", func(ctx context.Context) error {
		var err error
		removed, err = r.repo.Prune(ctx, olderThan)

		return err
	})

	return removed, err
}
