// Package stats keeps lightweight runtime counters about finished
// downloads, classified by media kind and grouped by source.
package stats

import (
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	videoExtensions = map[string]struct{}{
		".mp4": {}, ".mkv": {}, ".mov": {}, ".webm": {}, ".avi": {}, ".m4v": {},
	}
	audioExtensions = map[string]struct{}{
		".mp3": {}, ".m4a": {}, ".aac": {}, ".wav": {}, ".ogg": {}, ".opus": {}, ".flac": {},
	}
)

// SourceStats aggregates downloads of a single source.
type SourceStats struct {
	Count int64 `json:"count"`
	Bytes int64 `json:"bytes"`
}

// Snapshot is a point-in-time copy of the collector's counters.
type Snapshot struct {
	UptimeSeconds  float64                `json:"uptime_seconds"`
	TotalDownloads int64                  `json:"total_downloads"`
	TotalVideos    int64                  `json:"total_videos"`
	TotalAudio     int64                  `json:"total_audio"`
	TotalOther     int64                  `json:"total_other"`
	TotalBytes     int64                  `json:"total_bytes"`
	BySource       map[string]SourceStats `json:"by_source"`
}

// Collector accumulates download counters. Safe for concurrent use.
type Collector struct {
	mu        sync.Mutex
	startedAt time.Time

	totalDownloads int64
	totalVideos    int64
	totalAudio     int64
	totalOther     int64
	totalBytes     int64
	bySource       map[string]SourceStats
}

func NewCollector() *Collector {
	return &Collector{
		startedAt: time.Now(),
		bySource:  make(map[string]SourceStats),
	}
}

// RecordDownload counts one finished download. The media kind is derived
// from the file extension first and the source name second.
func (c *Collector) RecordDownload(source, path string, size int64) {
	src := strings.ToLower(strings.TrimSpace(source))
	if src == "" {
		src = "unknown"
	}

	if size < 0 {
		size = 0
	}

	kind := classify(src, path)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalDownloads++
	c.totalBytes += size

	switch kind {
	case "video":
		c.totalVideos++
	case "audio":
		c.totalAudio++
	default:
		c.totalOther++
	}

	bucket := c.bySource[src]
	bucket.Count++
	bucket.Bytes += size
	c.bySource[src] = bucket
}

// Snapshot returns a copy of the current counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	bySource := make(map[string]SourceStats, len(c.bySource))
	for k, v := range c.bySource {
		bySource[k] = v
	}

	return Snapshot{
		UptimeSeconds:  time.Since(c.startedAt).Seconds(),
		TotalDownloads: c.totalDownloads,
		TotalVideos:    c.totalVideos,
		TotalAudio:     c.totalAudio,
		TotalOther:     c.totalOther,
		TotalBytes:     c.totalBytes,
		BySource:       bySource,
	}
}

func classify(src, path string) string {
	ext := strings.ToLower(filepath.Ext(path))

	if _, ok := videoExtensions[ext]; ok || strings.Contains(src, "video") {
		return "video"
	}

	if _, ok := audioExtensions[ext]; ok || strings.Contains(src, "audio") || strings.Contains(src, "mp3") {
		return "audio"
	}

	return "other"
}
