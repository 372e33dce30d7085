// Package manager ties the admission queue and the transfer engine
// together: it resolves job priorities, runs transfers through the queue
// and records finished downloads in history, stats and telemetry.
package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Mak5er/Downloader-Bot-sub000/internal/download"
	"github.com/Mak5er/Downloader-Bot-sub000/internal/logctx"
	"github.com/Mak5er/Downloader-Bot-sub000/internal/notifier"
	"github.com/Mak5er/Downloader-Bot-sub000/internal/queue"
	"github.com/Mak5er/Downloader-Bot-sub000/internal/stats"
	"github.com/Mak5er/Downloader-Bot-sub000/internal/storage"
	"github.com/Mak5er/Downloader-Bot-sub000/internal/telemetry"
)

// Submitter admits jobs into the download queue.
type Submitter interface {
	Submit(ctx context.Context, run queue.Runner, opts queue.SubmitOptions) (any, error)
}

// Transferer performs the actual transfer.
type Transferer interface {
	Download(ctx context.Context, req download.Request) (*download.Metrics, error)
}

// Request describes one download submission.
type Request struct {
	URL          string
	Filename     string
	Source       string
	UserID       int64
	Priority     int   // 0 resolves a priority from SizeHint
	SizeHint     int64 // expected size in bytes, 0 when unknown
	MaxSize      int64
	SkipIfExists bool
	Headers      map[string]string
	OnQueued     func(queue.Ticket)
	OnProgress   func(download.Progress)
}

// Manager orchestrates downloads end to end.
type Manager struct {
	queue    Submitter
	engine   Transferer
	history  storage.HistoryRepository
	stats    *stats.Collector
	tel      *telemetry.Telemetry
	notifier notifier.Notifier
}

// New creates a Manager. History, stats, telemetry and notifier are all
// optional; pass nil to disable them.
func New(q Submitter, engine Transferer, history storage.HistoryRepository, collector *stats.Collector, tel *telemetry.Telemetry, notif notifier.Notifier) *Manager {
	return &Manager{
		queue:    q,
		engine:   engine,
		history:  history,
		stats:    collector,
		tel:      tel,
		notifier: notif,
	}
}

// Download submits the transfer through the queue and blocks until it
// completes or is rejected. Admission errors surface unchanged so callers
// can map them to backpressure responses.
func (m *Manager) Download(ctx context.Context, req Request) (*download.Metrics, error) {
	start := time.Now()

	value, err := m.queue.Submit(ctx, func(ctx context.Context) (any, error) {
		return m.engine.Download(ctx, download.Request{
			URL:          req.URL,
			Filename:     req.Filename,
			Headers:      req.Headers,
			SkipIfExists: req.SkipIfExists,
			MaxSize:      req.MaxSize,
			OnProgress:   req.OnProgress,
		})
	}, queue.SubmitOptions{
		Priority: ResolvePriority(req.Priority, req.SizeHint),
		Source:   req.Source,
		UserID:   req.UserID,
		OnQueued: req.OnQueued,
	})
	if err != nil {
		m.recordFailure(ctx, req, err, time.Since(start))

		return nil, err
	}

	metrics, ok := value.(*download.Metrics)
	if !ok {
		return nil, fmt.Errorf("unexpected job result type %T", value)
	}

	m.recordSuccess(ctx, req, metrics)

	return metrics, nil
}

// ResolvePriority keeps an explicit priority and otherwise buckets by the
// expected size: small files jump the line, big ones yield.
func ResolvePriority(priority int, sizeHint int64) int {
	if priority > 0 {
		return priority
	}

	switch {
	case sizeHint <= 0:
		return 40
	case sizeHint <= 25*1024*1024:
		return 10
	case sizeHint <= 120*1024*1024:
		return 25
	default:
		return 50
	}
}

func (m *Manager) recordSuccess(ctx context.Context, req Request, metrics *download.Metrics) {
	if m.tel != nil {
		m.tel.RecordDownload("success", metrics.Size, metrics.Elapsed)
	}

	if m.stats != nil {
		m.stats.RecordDownload(req.Source, metrics.Path, metrics.Size)
	}

	if m.history != nil {
		_, err := m.history.AddDownload(ctx, storage.Record{
			URL:           req.URL,
			Path:          metrics.Path,
			Source:        req.Source,
			Size:          metrics.Size,
			Elapsed:       metrics.Elapsed,
			UsedMultipart: metrics.UsedMultipart,
			Resumed:       metrics.Resumed,
			CreatedAt:     time.Now().UTC(),
		})
		if err != nil {
			logctx.LoggerFromContext(ctx).Error("failed to record download history",
				"url", req.URL, "err", err)
		}
	}
}

func (m *Manager) recordFailure(ctx context.Context, req Request, err error, elapsed time.Duration) {
	status := "error"
	if isAdmissionError(err) {
		status = "rejected"
	}

	if m.tel != nil {
		m.tel.RecordDownload(status, 0, elapsed)
	}

	// Admission rejections are routine backpressure, not failures worth
	// paging about.
	if status == "error" && m.notifier != nil {
		msg := "❌ Download failed: " + req.Filename
		if req.SizeHint > 0 {
			msg += " (" + humanize.Bytes(uint64(req.SizeHint)) + ")"
		}

		if notifyErr := m.notifier.Notify(msg); notifyErr != nil {
			logctx.LoggerFromContext(ctx).Error("failed to send notification",
				"url", req.URL, "err", notifyErr)
		}
	}
}

func isAdmissionError(err error) bool {
	var (
		rateLimited *queue.RateLimitedError
		busy        *queue.BusyError
	)

	return errors.As(err, &rateLimited) || errors.As(err, &busy)
}
