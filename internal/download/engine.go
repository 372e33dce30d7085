package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/Mak5er/Downloader-Bot-sub000/internal/logctx"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// ProbePolicy decides what happens when the HEAD probe exhausts its
// retries.
type ProbePolicy string

const (
	// ProbeDegrade falls back to size 0 and no range support, disabling
	// resume and multipart for this transfer but never failing it outright.
	ProbeDegrade ProbePolicy = "degrade"

	// ProbeFail aborts the transfer when the probe cannot complete.
	ProbeFail ProbePolicy = "fail"
)

// Config holds the transfer-engine knobs.
type Config struct {
	ChunkSize          int64
	MultipartThreshold int64
	MaxFetchers        int
	HeadTimeout        time.Duration
	StreamTimeout      time.Duration
	MaxRetries         int
	RetryBackoff       time.Duration
	AllowResume        bool
	TempSuffix         string
	OnProbeFailure     ProbePolicy
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:          1 << 20,
		MultipartThreshold: 12 << 20,
		MaxFetchers:        6,
		HeadTimeout:        8 * time.Second,
		StreamTimeout:      60 * time.Second,
		MaxRetries:         3,
		RetryBackoff:       750 * time.Millisecond,
		AllowResume:        true,
		TempSuffix:         ".part",
		OnProbeFailure:     ProbeDegrade,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()

	if c.ChunkSize <= 0 {
		c.ChunkSize = def.ChunkSize
	}

	if c.MultipartThreshold <= 0 {
		c.MultipartThreshold = def.MultipartThreshold
	}

	if c.MaxFetchers <= 0 {
		c.MaxFetchers = def.MaxFetchers
	}

	if c.HeadTimeout <= 0 {
		c.HeadTimeout = def.HeadTimeout
	}

	if c.StreamTimeout <= 0 {
		c.StreamTimeout = def.StreamTimeout
	}

	if c.MaxRetries < 0 {
		c.MaxRetries = def.MaxRetries
	}

	if c.RetryBackoff <= 0 {
		c.RetryBackoff = def.RetryBackoff
	}

	if c.TempSuffix == "" {
		c.TempSuffix = def.TempSuffix
	}

	if c.OnProbeFailure == "" {
		c.OnProbeFailure = ProbeDegrade
	}
}

// Request describes one transfer.
type Request struct {
	URL      string
	Filename string // Relative to the engine's output dir
	Headers  map[string]string

	// SkipIfExists short-circuits when the final file is already present.
	SkipIfExists bool

	// MaxSize aborts the transfer with TooLargeError as soon as the
	// declared or accumulated size exceeds it. Zero means unlimited.
	MaxSize int64

	// OnProgress, when set, receives throttled progress snapshots on a
	// dedicated goroutine; it never runs on the transfer's I/O path.
	OnProgress func(Progress)
}

// Metrics describes a completed transfer.
type Metrics struct {
	URL           string        `json:"url"`
	Path          string        `json:"path"`
	Size          int64         `json:"size"`
	Elapsed       time.Duration `json:"elapsed"`
	UsedMultipart bool          `json:"used_multipart"`
	Resumed       bool          `json:"resumed"`
}

// Engine executes resilient HTTP transfers into a managed output
// directory. It owns a single connection pool sized to its range-fetcher
// parallelism, shared by every transfer it runs.
type Engine struct {
	outputDir      string
	cfg            Config
	defaultHeaders map[string]string
	client         *http.Client
}

// NewEngine builds an engine writing under outputDir. defaultHeaders are
// applied to every request and may be overridden per transfer.
func NewEngine(outputDir string, cfg Config, defaultHeaders map[string]string) *Engine {
	cfg.applyDefaults()

	transport := &http.Transport{
		MaxIdleConns:          cfg.MaxFetchers * 4,
		MaxIdleConnsPerHost:   cfg.MaxFetchers * 2,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: cfg.StreamTimeout,
		DisableCompression:    true,
	}

	headers := make(map[string]string, len(defaultHeaders))
	for k, v := range defaultHeaders {
		headers[k] = v
	}

	return &Engine{
		outputDir:      outputDir,
		cfg:            cfg,
		defaultHeaders: headers,
		client: &http.Client{
			Transport: otelhttp.NewTransport(transport),
		},
	}
}

// Download streams req.URL to outputDir/req.Filename. On failure every
// partial artifact is removed before the error is returned, so a later
// SkipIfExists check never observes a corrupt partial as complete.
func (e *Engine) Download(ctx context.Context, req Request) (*Metrics, error) {
	logger := logctx.LoggerFromContext(ctx)

	if req.URL == "" {
		return nil, fmt.Errorf("download: empty url")
	}

	target, err := e.targetPath(req.Filename)
	if err != nil {
		return nil, err
	}

	tmp := target + e.cfg.TempSuffix

	if req.SkipIfExists {
		if fi, statErr := os.Stat(target); statErr == nil {
			logger.Debug("download skipped, file already exists",
				"url", req.URL, "path", target, "size", fi.Size())

			return &Metrics{URL: req.URL, Path: target, Size: fi.Size()}, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(target), dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create target directory: %w", err)
	}

	headers := e.mergeHeaders(req.Headers)
	start := time.Now()

	total, supportsRange, err := e.probe(ctx, req.URL, headers)
	if err != nil {
		return nil, &TransferError{URL: req.URL, Err: err}
	}

	if req.MaxSize > 0 && total > req.MaxSize {
		return nil, &TooLargeError{Size: total, Limit: req.MaxSize}
	}

	_, explicitRange := headers["Range"]

	resumed := false

	var existing int64

	if e.cfg.AllowResume && supportsRange && !explicitRange {
		if fi, statErr := os.Stat(tmp); statErr == nil && fi.Size() > 0 {
			existing = fi.Size()
			resumed = true

			logger.Debug("resuming partial download",
				"url", req.URL, "path", tmp, "resume_from", existing, "total", total)
		}
	}

	useMultipart := supportsRange && total >= e.cfg.MultipartThreshold && !explicitRange && !resumed

	prog := newTracker(total, req.OnProgress)
	if existing > 0 {
		prog.add(existing)
	}

	if useMultipart {
		err = e.multipart(ctx, req.URL, tmp, total, headers, prog)
	} else {
		err = e.singleStream(ctx, req.URL, tmp, headers, resumed, req.MaxSize, prog)
	}

	if err == nil {
		err = os.Rename(tmp, target)
	}

	if err != nil {
		prog.abort()
		e.cleanupPartial(ctx, tmp, target)

		var tooLarge *TooLargeError
		if errors.As(err, &tooLarge) {
			logger.Warn("download aborted, size cap exceeded",
				"url", req.URL, "size", tooLarge.Size, "limit", tooLarge.Limit)

			return nil, tooLarge
		}

		logger.Error("download failed", "url", req.URL, "path", target, "err", err)

		return nil, &TransferError{URL: req.URL, Err: err}
	}

	// The filesystem is authoritative for the final size, not the headers.
	fi, statErr := os.Stat(target)
	if statErr != nil {
		prog.abort()
		e.cleanupPartial(ctx, tmp, target)

		return nil, &TransferError{URL: req.URL, Err: statErr}
	}

	prog.finish(fi.Size())

	elapsed := time.Since(start)
	logger.Info("download finished",
		"url", req.URL,
		"path", target,
		"size", humanize.Bytes(uint64(fi.Size())),
		"elapsed", elapsed.String(),
		"multipart", useMultipart,
		"resumed", resumed,
	)

	return &Metrics{
		URL:           req.URL,
		Path:          target,
		Size:          fi.Size(),
		Elapsed:       elapsed,
		UsedMultipart: useMultipart,
		Resumed:       resumed,
	}, nil
}

// probe issues a retried HEAD request to discover the declared size and
// range support. Exhausted retries follow the configured policy.
func (e *Engine) probe(ctx context.Context, url string, headers map[string]string) (int64, bool, error) {
	logger := logctx.LoggerFromContext(ctx)

	var lastErr error

	for attempt := 1; attempt <= e.cfg.MaxRetries+1; attempt++ {
		size, supportsRange, err := e.probeOnce(ctx, url, headers)
		if err == nil {
			logger.Debug("probe successful", "url", url, "size", size, "supports_range", supportsRange)

			return size, supportsRange, nil
		}

		lastErr = err

		if ctx.Err() != nil {
			break
		}

		if attempt <= e.cfg.MaxRetries {
			logger.Debug("probe retry", "url", url, "attempt", attempt, "err", err)
			e.sleepBackoff(ctx, attempt)
		}
	}

	if e.cfg.OnProbeFailure == ProbeFail {
		return 0, false, fmt.Errorf("probe failed: %w", lastErr)
	}

	logger.Warn("probe failed, falling back to conservative download", "url", url, "err", lastErr)

	return 0, false, nil
}

func (e *Engine) probeOnce(ctx context.Context, url string, headers map[string]string) (int64, bool, error) {
	headCtx, cancel := context.WithTimeout(ctx, e.cfg.HeadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(headCtx, http.MethodHead, url, nil)
	if err != nil {
		return 0, false, err
	}

	applyHeaders(req, headers)

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return 0, false, fmt.Errorf("unexpected probe status: %s", resp.Status)
	}

	var size int64
	if raw := resp.Header.Get("Content-Length"); raw != "" {
		if parsed, parseErr := strconv.ParseInt(raw, 10, 64); parseErr == nil && parsed > 0 {
			size = parsed
		}
	}

	supportsRange := strings.Contains(strings.ToLower(resp.Header.Get("Accept-Ranges")), "bytes")

	return size, supportsRange, nil
}

// singleStream fetches the whole file sequentially, retrying whole
// attempts with linear backoff. When resuming, the offset is re-derived
// from the temp file at every attempt so completed bytes are never
// refetched.
func (e *Engine) singleStream(ctx context.Context, url, tmp string, headers map[string]string, resumed bool, maxSize int64, prog *tracker) error {
	logger := logctx.LoggerFromContext(ctx)

	for attempt := 1; ; attempt++ {
		err := e.singleAttempt(ctx, url, tmp, headers, resumed, maxSize, prog)
		if err == nil {
			return nil
		}

		var tooLarge *TooLargeError
		if errors.As(err, &tooLarge) || ctx.Err() != nil || attempt > e.cfg.MaxRetries {
			return err
		}

		logger.Warn("sequential download retry", "url", url, "attempt", attempt, "err", err)
		e.sleepBackoff(ctx, attempt)
	}
}

func (e *Engine) singleAttempt(ctx context.Context, url, tmp string, headers map[string]string, resumed bool, maxSize int64, prog *tracker) error {
	attemptHeaders := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		attemptHeaders[k] = v
	}

	var offset int64

	if resumed {
		if fi, err := os.Stat(tmp); err == nil {
			offset = fi.Size()
		}

		attemptHeaders["Range"] = fmt.Sprintf("bytes=%d-", offset)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	applyHeaders(req, attemptHeaders)

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if offset > 0 {
			// The server ignored our range: restart from scratch.
			prog.add(-offset)

			offset = 0
		}
	case http.StatusPartialContent:
	default:
		return fmt.Errorf("unexpected status: %s", resp.Status)
	}

	if resp.ContentLength > 0 {
		declared := offset + resp.ContentLength
		prog.setTotal(declared)

		if maxSize > 0 && declared > maxSize {
			return &TooLargeError{Size: declared, Limit: maxSize}
		}
	}

	flags := os.O_WRONLY | os.O_CREATE
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	out, err := os.OpenFile(tmp, flags, filePerm)
	if err != nil {
		return err
	}
	defer out.Close()

	buf := make([]byte, e.cfg.ChunkSize)
	tw := &trackingWriter{w: out, prog: prog, limit: maxSize}

	if _, err := io.CopyBuffer(tw, resp.Body, buf); err != nil {
		return err
	}

	return out.Close()
}

// multipart pre-allocates the temp file and fetches disjoint byte ranges
// concurrently. The shared file handle is safe without locking because
// every fetcher writes at its own offsets.
func (e *Engine) multipart(ctx context.Context, url, tmp string, total int64, headers map[string]string, prog *tracker) error {
	ranges := splitRanges(total, e.cfg.MultipartThreshold, e.cfg.MaxFetchers)

	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, filePerm)
	if err != nil {
		return err
	}

	if err := f.Truncate(total); err != nil {
		f.Close()

		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	limit := e.cfg.MaxFetchers
	if len(ranges) < limit {
		limit = len(ranges)
	}

	g.SetLimit(limit)

	for _, br := range ranges {
		g.Go(func() error {
			return e.fetchRange(gctx, url, f, br, headers, prog)
		})
	}

	err = g.Wait()
	closeErr := f.Close()

	if err != nil {
		return err
	}

	return closeErr
}

type byteRange struct {
	start int64
	end   int64 // inclusive
}

// splitRanges divides [0,total) into disjoint ranges sized
// max(threshold, ceil(total/(2*fetchers))).
func splitRanges(total, threshold int64, fetchers int) []byteRange {
	if total <= 0 {
		return []byteRange{{start: 0, end: 0}}
	}

	if fetchers < 1 {
		fetchers = 1
	}

	partSize := (total + int64(fetchers*2) - 1) / int64(fetchers*2)
	if partSize < threshold {
		partSize = threshold
	}

	var ranges []byteRange

	for start := int64(0); start < total; start += partSize {
		end := start + partSize - 1
		if end > total-1 {
			end = total - 1
		}

		ranges = append(ranges, byteRange{start: start, end: end})
	}

	return ranges
}

func (e *Engine) fetchRange(ctx context.Context, url string, f *os.File, br byteRange, headers map[string]string, prog *tracker) error {
	logger := logctx.LoggerFromContext(ctx)

	for attempt := 1; ; attempt++ {
		written, err := e.fetchRangeAttempt(ctx, url, f, br, headers, prog)
		if err == nil {
			return nil
		}

		// The next attempt rewrites the range from its start, so back the
		// progress counter out of the bytes this attempt produced.
		if written > 0 {
			prog.add(-written)
		}

		if ctx.Err() != nil || attempt > e.cfg.MaxRetries {
			return fmt.Errorf("range %d-%d: %w", br.start, br.end, err)
		}

		logger.Debug("range fetch retry",
			"url", url, "range_start", br.start, "range_end", br.end, "attempt", attempt, "err", err)
		e.sleepBackoff(ctx, attempt)
	}
}

func (e *Engine) fetchRangeAttempt(ctx context.Context, url string, f *os.File, br byteRange, headers map[string]string, prog *tracker) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	applyHeaders(req, headers)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", br.start, br.end))

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		return 0, fmt.Errorf("unexpected status: %s", resp.Status)
	}

	buf := make([]byte, e.cfg.ChunkSize)
	tw := &trackingWriter{w: &sectionWriter{f: f, off: br.start}, prog: prog}

	written, err := io.CopyBuffer(tw, resp.Body, buf)
	if err != nil {
		return written, err
	}

	return written, nil
}

func (e *Engine) targetPath(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("download: empty filename")
	}

	target := filepath.Join(e.outputDir, filepath.Clean("/"+name))

	base := filepath.Clean(e.outputDir) + string(os.PathSeparator)
	if !strings.HasPrefix(target, base) {
		return "", fmt.Errorf("download: filename escapes output dir: %s", name)
	}

	return target, nil
}

func (e *Engine) mergeHeaders(extra map[string]string) map[string]string {
	merged := make(map[string]string, len(e.defaultHeaders)+len(extra))

	for k, v := range e.defaultHeaders {
		merged[k] = v
	}

	for k, v := range extra {
		merged[k] = v
	}

	return merged
}

func (e *Engine) cleanupPartial(ctx context.Context, paths ...string) {
	logger := logctx.LoggerFromContext(ctx)

	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Debug("failed to remove partial file", "path", path, "err", err)
		}
	}
}

// sleepBackoff waits retryBackoff*attempt (linear), or less when ctx ends.
func (e *Engine) sleepBackoff(ctx context.Context, attempt int) {
	timer := time.NewTimer(e.cfg.RetryBackoff * time.Duration(attempt))
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func applyHeaders(req *http.Request, headers map[string]string) {
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}

// trackingWriter counts written bytes into the progress tracker and
// enforces the accumulated size cap.
type trackingWriter struct {
	w     io.Writer
	prog  *tracker
	limit int64
}

func (tw *trackingWriter) Write(p []byte) (int, error) {
	n, err := tw.w.Write(p)
	if n > 0 {
		tw.prog.add(int64(n))

		if tw.limit > 0 && tw.prog.count() > tw.limit {
			return n, &TooLargeError{Size: tw.prog.count(), Limit: tw.limit}
		}
	}

	return n, err
}

// sectionWriter writes sequentially starting at a fixed offset of the
// shared file.
type sectionWriter struct {
	f   *os.File
	off int64
}

func (sw *sectionWriter) Write(p []byte) (int, error) {
	n, err := sw.f.WriteAt(p, sw.off)
	sw.off += int64(n)

	return n, err
}
