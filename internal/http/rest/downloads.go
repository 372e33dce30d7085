package rest

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Mak5er/Downloader-Bot-sub000/internal/download"
	"github.com/Mak5er/Downloader-Bot-sub000/internal/logctx"
	"github.com/Mak5er/Downloader-Bot-sub000/internal/manager"
	"github.com/Mak5er/Downloader-Bot-sub000/internal/metrics"
	"github.com/Mak5er/Downloader-Bot-sub000/internal/queue"
	"github.com/Mak5er/Downloader-Bot-sub000/internal/stats"
)

const maxRequestBody = 64 * 1024

// Downloader submits a download and blocks until it finishes or is
// rejected by admission control.
type Downloader interface {
	Download(ctx context.Context, req manager.Request) (*download.Metrics, error)
}

// QueueInspector exposes the queue counters served by GET /queue.
type QueueInspector interface {
	Stats() queue.Stats
}

// DownloadHandler serves the download submission and introspection API.
type DownloadHandler struct {
	downloads Downloader
	queue     QueueInspector
	recorder  *metrics.Recorder
	stats     *stats.Collector

	// maxFileSize caps transfers when the request carries no max_size of
	// its own. Zero means unlimited.
	maxFileSize int64
}

// NewDownloadHandler creates a new download API handler.
func NewDownloadHandler(d Downloader, q QueueInspector, recorder *metrics.Recorder, collector *stats.Collector, maxFileSize int64) *DownloadHandler {
	return &DownloadHandler{
		downloads:   d,
		queue:       q,
		recorder:    recorder,
		stats:       collector,
		maxFileSize: maxFileSize,
	}
}

func (h *DownloadHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Post("/downloads", h.submitDownload)
	r.Get("/queue", h.queueStatus)
	r.Get("/stats", h.runtimeStats)

	return r
}

type downloadRequest struct {
	URL          string            `json:"url"`
	Filename     string            `json:"filename"`
	Source       string            `json:"source"`
	UserID       int64             `json:"user_id"`
	Priority     int               `json:"priority"`
	SizeHint     int64             `json:"size_hint"`
	MaxSize      int64             `json:"max_size"`
	SkipIfExists bool              `json:"skip_if_exists"`
	Headers      map[string]string `json:"headers"`
}

type downloadResponse struct {
	Path          string `json:"path"`
	Size          int64  `json:"size"`
	ElapsedMS     int64  `json:"elapsed_ms"`
	UsedMultipart bool   `json:"used_multipart"`
	Resumed       bool   `json:"resumed"`
}

func (h *DownloadHandler) submitDownload(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest

	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if req.URL == "" || req.Filename == "" {
		http.Error(w, "url and filename are required", http.StatusBadRequest)

		return
	}

	maxSize := req.MaxSize
	if maxSize == 0 {
		maxSize = h.maxFileSize
	}

	m, err := h.downloads.Download(r.Context(), manager.Request{
		URL:          req.URL,
		Filename:     req.Filename,
		Source:       req.Source,
		UserID:       req.UserID,
		Priority:     req.Priority,
		SizeHint:     req.SizeHint,
		MaxSize:      maxSize,
		SkipIfExists: req.SkipIfExists,
		Headers:      req.Headers,
	})
	if err != nil {
		h.writeDownloadError(w, r, req.URL, err)

		return
	}

	writeJSON(r.Context(), w, http.StatusCreated, downloadResponse{
		Path:          m.Path,
		Size:          m.Size,
		ElapsedMS:     m.Elapsed.Milliseconds(),
		UsedMultipart: m.UsedMultipart,
		Resumed:       m.Resumed,
	})
}

// writeDownloadError maps admission and transfer failures to status codes
// with generic bodies. The detail is logged, never exposed.
func (h *DownloadHandler) writeDownloadError(w http.ResponseWriter, r *http.Request, url string, err error) {
	logger := logctx.LoggerFromContext(r.Context())

	var (
		rateLimited *queue.RateLimitedError
		busy        *queue.BusyError
		tooLarge    *download.TooLargeError
		transfer    *download.TransferError
	)

	switch {
	case errors.As(err, &rateLimited):
		logger.Warn("download rejected: rate limited", "url", url, "retry_after", rateLimited.RetryAfter.String())

		retryAfter := int(math.Ceil(rateLimited.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
	case errors.As(err, &busy):
		logger.Warn("download rejected: queue busy", "url", url, "position", busy.Position)
		http.Error(w, "service is busy", http.StatusServiceUnavailable)
	case errors.As(err, &tooLarge):
		logger.Warn("download rejected: file too large", "url", url, "size", tooLarge.Size, "limit", tooLarge.Limit)
		http.Error(w, "file too large", http.StatusRequestEntityTooLarge)
	case errors.As(err, &transfer):
		logger.Error("download failed", "url", url, "err", err)
		http.Error(w, "download failed", http.StatusBadGateway)
	default:
		logger.Error("download failed", "url", url, "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

type queueStatusResponse struct {
	Depth         int                         `json:"depth"`
	ActiveWorkers int                         `json:"active_workers"`
	CompletedJobs int64                       `json:"completed_jobs"`
	Global        metrics.Snapshot            `json:"global"`
	Sources       map[string]metrics.Snapshot `json:"sources"`
}

func (h *DownloadHandler) queueStatus(w http.ResponseWriter, r *http.Request) {
	st := h.queue.Stats()

	writeJSON(r.Context(), w, http.StatusOK, queueStatusResponse{
		Depth:         st.Depth,
		ActiveWorkers: st.ActiveWorkers,
		CompletedJobs: st.CompletedJobs,
		Global:        h.recorder.Global(),
		Sources:       h.recorder.Snapshots(),
	})
}

func (h *DownloadHandler) runtimeStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, h.stats.Snapshot())
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to encode response", "err", err)
	}
}
