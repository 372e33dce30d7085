package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mak5er/Downloader-Bot-sub000/internal/download"
	"github.com/Mak5er/Downloader-Bot-sub000/internal/manager"
	"github.com/Mak5er/Downloader-Bot-sub000/internal/metrics"
	"github.com/Mak5er/Downloader-Bot-sub000/internal/queue"
	"github.com/Mak5er/Downloader-Bot-sub000/internal/stats"
)

type stubDownloader struct {
	lastReq manager.Request
	metrics *download.Metrics
	err     error
}

func (s *stubDownloader) Download(_ context.Context, req manager.Request) (*download.Metrics, error) {
	s.lastReq = req

	return s.metrics, s.err
}

type stubQueue struct {
	stats queue.Stats
}

func (s *stubQueue) Stats() queue.Stats { return s.stats }

func newTestHandler(d *stubDownloader) (*DownloadHandler, *metrics.Recorder, *stats.Collector) {
	recorder := metrics.NewRecorder(50)
	collector := stats.NewCollector()
	h := NewDownloadHandler(d, &stubQueue{stats: queue.Stats{Depth: 2, ActiveWorkers: 4, CompletedJobs: 9}}, recorder, collector, 0)

	return h, recorder, collector
}

func postDownload(t *testing.T, h *DownloadHandler, body any) *httptest.ResponseRecorder {
	t.Helper()

	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/downloads", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	return rec
}

func TestSubmitDownloadSuccess(t *testing.T) {
	d := &stubDownloader{metrics: &download.Metrics{
		Path:          "/data/clip.mp4",
		Size:          4096,
		Elapsed:       1200 * time.Millisecond,
		UsedMultipart: true,
	}}

	h, _, _ := newTestHandler(d)

	rec := postDownload(t, h, map[string]any{
		"url":       "https://example.com/clip.mp4",
		"filename":  "clip.mp4",
		"source":    "video",
		"user_id":   7,
		"size_hint": 4096,
	})

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp downloadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "/data/clip.mp4", resp.Path)
	assert.Equal(t, int64(4096), resp.Size)
	assert.Equal(t, int64(1200), resp.ElapsedMS)
	assert.True(t, resp.UsedMultipart)

	assert.Equal(t, "https://example.com/clip.mp4", d.lastReq.URL)
	assert.Equal(t, int64(7), d.lastReq.UserID)
	assert.Equal(t, int64(4096), d.lastReq.SizeHint)
}

func TestSubmitDownloadDefaultMaxSize(t *testing.T) {
	d := &stubDownloader{metrics: &download.Metrics{Path: "/data/x.bin"}}

	recorder := metrics.NewRecorder(50)
	h := NewDownloadHandler(d, &stubQueue{}, recorder, stats.NewCollector(), 5000)

	rec := postDownload(t, h, map[string]any{
		"url":      "https://example.com/x",
		"filename": "x.bin",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, int64(5000), d.lastReq.MaxSize)

	rec = postDownload(t, h, map[string]any{
		"url":      "https://example.com/x",
		"filename": "x.bin",
		"max_size": 1234,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, int64(1234), d.lastReq.MaxSize)
}

func TestSubmitDownloadValidation(t *testing.T) {
	h, _, _ := newTestHandler(&stubDownloader{})

	rec := postDownload(t, h, map[string]any{"url": "https://example.com/x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/downloads", bytes.NewReader([]byte("{not json")))
	raw := httptest.NewRecorder()
	h.Routes().ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestSubmitDownloadErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantHeader map[string]string
	}{
		{
			name:       "rate limited maps to 429 with retry hint",
			err:        &queue.RateLimitedError{RetryAfter: 2500 * time.Millisecond},
			wantStatus: http.StatusTooManyRequests,
			wantHeader: map[string]string{"Retry-After": "3"},
		},
		{
			name:       "busy queue maps to 503",
			err:        &queue.BusyError{Position: 301},
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "oversized file maps to 413",
			err:        &download.TooLargeError{Size: 10, Limit: 5},
			wantStatus: http.StatusRequestEntityTooLarge,
		},
		{
			name:       "transfer failure maps to 502",
			err:        &download.TransferError{URL: "https://example.com/x", Err: assert.AnError},
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "unknown error maps to 500",
			err:        assert.AnError,
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, _ := newTestHandler(&stubDownloader{err: tt.err})

			rec := postDownload(t, h, map[string]any{
				"url":      "https://example.com/x",
				"filename": "x.bin",
			})

			assert.Equal(t, tt.wantStatus, rec.Code)

			for k, v := range tt.wantHeader {
				assert.Equal(t, v, rec.Header().Get(k))
			}

			// Bodies stay generic: no URL or internal detail leaks.
			assert.NotContains(t, rec.Body.String(), "example.com")
		})
	}
}

func TestQueueStatusEndpoint(t *testing.T) {
	h, recorder, _ := newTestHandler(&stubDownloader{})

	recorder.Record("video", 100*time.Millisecond, 2*time.Second)
	recorder.Record("video", 200*time.Millisecond, 4*time.Second)

	req := httptest.NewRequest(http.MethodGet, "/queue", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp queueStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.Equal(t, 2, resp.Depth)
	assert.Equal(t, 4, resp.ActiveWorkers)
	assert.Equal(t, int64(9), resp.CompletedJobs)
	assert.Equal(t, 2, resp.Global.Count)
	require.Contains(t, resp.Sources, "video")
	assert.Equal(t, 2, resp.Sources["video"].Count)
}

func TestRuntimeStatsEndpoint(t *testing.T) {
	h, _, collector := newTestHandler(&stubDownloader{})

	collector.RecordDownload("video", "/data/a.mp4", 1000)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var snap stats.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))

	assert.Equal(t, int64(1), snap.TotalDownloads)
	assert.Equal(t, int64(1000), snap.TotalBytes)
	require.Contains(t, snap.BySource, "video")
}
