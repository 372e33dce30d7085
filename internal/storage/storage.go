package storage

import (
	"context"
	"time"
)

// Record represents one finished download in the history table.
type Record struct {
	ID            int64
	URL           string
	Path          string
	Source        string
	Size          int64
	Elapsed       time.Duration
	UsedMultipart bool
	Resumed       bool
	CreatedAt     time.Time
}

// HistoryRepository persists finished downloads.
type HistoryRepository interface {
	AddDownload(ctx context.Context, rec Record) (int64, error)
	GetDownloads(ctx context.Context, limit int) ([]Record, error)
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}
