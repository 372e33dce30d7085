package queue

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mak5er/Downloader-Bot-sub000/internal/logctx"
	"github.com/Mak5er/Downloader-Bot-sub000/internal/metrics"
	"github.com/Mak5er/Downloader-Bot-sub000/internal/telemetry"
)

const (
	// sentinelPriority sorts after any real job so a scale-down sentinel
	// only fires once the work ahead of it has drained.
	sentinelPriority = math.MaxInt32

	// logEveryNJobs controls how often a global metrics snapshot is logged.
	logEveryNJobs = 25
)

// Runner is a deferred unit of work. The context it receives is the queue's
// base context, which outlives the submitting caller.
type Runner func(ctx context.Context) (any, error)

// Ticket is a best-effort snapshot handed to the OnQueued callback right
// after a job is admitted.
type Ticket struct {
	Position      int `json:"position"`
	QueueSize     int `json:"queue_size"`
	ActiveWorkers int `json:"active_workers"`
}

// SubmitOptions parameterise one Submit call.
type SubmitOptions struct {
	// Priority orders waiting jobs; lower values are served first.
	Priority int

	// Source tags the job for metrics grouping. Empty becomes "generic".
	Source string

	// UserID enables per-user fairness limits. Zero means anonymous and
	// exempt from rate limiting and pending caps.
	UserID int64

	// OnQueued, when set, receives a queue position ticket after admission.
	OnQueued func(Ticket)
}

// Config holds the queue and worker-pool knobs.
type Config struct {
	MinWorkers        int
	MaxWorkers        int
	MaxQueueSize      int
	PerUserRateLimit  int
	PerUserWindow     time.Duration
	PerUserMaxPending int

	// ScaleCooldown and ScaleDownIdle tune the autoscaler. They default to
	// 8s and 40s; tests compress them.
	ScaleCooldown time.Duration
	ScaleDownIdle time.Duration
}

func (c *Config) normalize() error {
	if c.MinWorkers < 1 {
		return fmt.Errorf("queue: min workers must be >= 1, got %d", c.MinWorkers)
	}

	if c.MaxWorkers < c.MinWorkers {
		return fmt.Errorf("queue: max workers must be >= min workers, got %d < %d", c.MaxWorkers, c.MinWorkers)
	}

	if c.PerUserMaxPending < 1 {
		return fmt.Errorf("queue: per-user max pending must be >= 1, got %d", c.PerUserMaxPending)
	}

	if c.ScaleCooldown <= 0 {
		c.ScaleCooldown = 8 * time.Second
	}

	if c.ScaleDownIdle <= 0 {
		c.ScaleDownIdle = 40 * time.Second
	}

	return nil
}

// Stats is an observability snapshot of the pool.
type Stats struct {
	Depth         int   `json:"depth"`
	ActiveWorkers int   `json:"active_workers"`
	CompletedJobs int64 `json:"completed_jobs"`
}

type result struct {
	value any
	err   error
}

type job struct {
	priority  int
	order     uint64
	createdAt time.Time
	source    string
	userID    int64
	run       Runner
	done      chan result
	stop      bool
}

// Queue is an admission-controlled priority queue with an elastic worker
// pool. Construct it with New at process start and tear it down with
// Shutdown; there is no implicit global instance.
type Queue struct {
	cfg      Config
	recorder *metrics.Recorder
	tel      *telemetry.Telemetry
	baseCtx  context.Context

	mu           sync.Mutex
	cond         *sync.Cond
	jobs         jobHeap
	seq          uint64
	userRecent   map[int64][]time.Time
	userPending  map[int64]int
	lastNonEmpty time.Time

	// scaleMu is the structural lock: it guards worker-count changes and
	// the scaling cooldown, never per-job enqueue/dequeue.
	scaleMu   sync.Mutex
	lastScale time.Time

	active    atomic.Int32
	completed atomic.Int64
	wg        sync.WaitGroup
}

// New builds the queue, starts MinWorkers workers and returns it. The
// context is handed to runners and should stay alive until Shutdown.
// The telemetry handle may be nil.
func New(ctx context.Context, cfg Config, recorder *metrics.Recorder, tel *telemetry.Telemetry) (*Queue, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	if recorder == nil {
		recorder = metrics.NewRecorder(0)
	}

	q := &Queue{
		cfg:          cfg,
		recorder:     recorder,
		tel:          tel,
		baseCtx:      ctx,
		userRecent:   make(map[int64][]time.Time),
		userPending:  make(map[int64]int),
		lastNonEmpty: time.Now(),
	}
	q.cond = sync.NewCond(&q.mu)

	q.scaleMu.Lock()
	for i := 0; i < cfg.MinWorkers; i++ {
		q.spawnWorkerLocked()
	}
	q.scaleMu.Unlock()

	logctx.LoggerFromContext(ctx).Info("download queue started",
		"workers", cfg.MinWorkers,
		"max_workers", cfg.MaxWorkers,
		"queue_cap", cfg.MaxQueueSize,
	)

	return q, nil
}

// Submit admits a job and blocks until a worker resolves it. Admission
// failures surface synchronously as *BusyError or *RateLimitedError before
// any job state is created. Cancelling ctx unblocks the caller with
// ctx.Err(), but the job keeps running server-side.
func (q *Queue) Submit(ctx context.Context, run Runner, opts SubmitOptions) (any, error) {
	if run == nil {
		return nil, fmt.Errorf("queue: nil runner")
	}

	source := opts.Source
	if source == "" {
		source = "generic"
	}

	q.mu.Lock()

	if q.cfg.MaxQueueSize > 0 && q.jobs.Len() >= q.cfg.MaxQueueSize {
		position := q.jobs.Len() + 1
		q.mu.Unlock()

		return nil, &BusyError{Position: position}
	}

	if opts.UserID != 0 {
		if err := q.admitUserLocked(opts.UserID); err != nil {
			q.mu.Unlock()

			return nil, err
		}
	}

	q.seq++
	j := &job{
		priority:  opts.Priority,
		order:     q.seq,
		createdAt: time.Now(),
		source:    source,
		userID:    opts.UserID,
		run:       run,
		done:      make(chan result, 1),
	}

	heap.Push(&q.jobs, j)
	q.lastNonEmpty = time.Now()
	ticket := Ticket{
		Position:      q.jobs.Len(),
		QueueSize:     q.jobs.Len(),
		ActiveWorkers: int(q.active.Load()),
	}
	q.cond.Signal()
	q.mu.Unlock()

	q.maybeScale()

	if opts.OnQueued != nil {
		q.notifyQueued(opts, ticket)
	}

	select {
	case res := <-j.done:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// notifyQueued invokes the ticket callback without letting a panicking
// collaborator take the queue down.
func (q *Queue) notifyQueued(opts SubmitOptions, ticket Ticket) {
	defer func() {
		if r := recover(); r != nil {
			logctx.LoggerFromContext(q.baseCtx).Debug("on_queued callback panicked",
				"source", opts.Source,
				"user_id", opts.UserID,
				"panic", r,
			)
		}
	}()

	opts.OnQueued(ticket)
}

// admitUserLocked enforces the rolling rate window and the pending cap for
// one user. The timestamp is recorded whenever the rate check passes;
// the pending count is incremented only on full admission.
func (q *Queue) admitUserLocked(userID int64) error {
	now := time.Now()

	recent := q.userRecent[userID]
	for len(recent) > 0 && now.Sub(recent[0]) > q.cfg.PerUserWindow {
		recent = recent[1:]
	}

	if q.cfg.PerUserRateLimit > 0 && len(recent) >= q.cfg.PerUserRateLimit {
		retryAfter := q.cfg.PerUserWindow - now.Sub(recent[0])
		if retryAfter < 0 {
			retryAfter = 0
		}

		q.userRecent[userID] = recent

		return &RateLimitedError{RetryAfter: retryAfter}
	}

	// The timestamp counts against the window as soon as the rate check
	// passes, even when the pending cap rejects the submission below.
	q.userRecent[userID] = append(recent, now)

	if q.userPending[userID] >= q.cfg.PerUserMaxPending {
		return &BusyError{Position: q.userPending[userID] + 1}
	}

	q.userPending[userID]++

	return nil
}

func (q *Queue) releaseUser(userID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	remaining := q.userPending[userID] - 1
	if remaining <= 0 {
		delete(q.userPending, userID)

		return
	}

	q.userPending[userID] = remaining
}

// Stats reports the current depth, worker count and completed-job total.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	depth := q.jobs.Len()
	q.mu.Unlock()

	return Stats{
		Depth:         depth,
		ActiveWorkers: int(q.active.Load()),
		CompletedJobs: q.completed.Load(),
	}
}

// ActiveWorkers returns the number of live workers.
func (q *Queue) ActiveWorkers() int {
	return int(q.active.Load())
}

// Depth returns the number of waiting jobs.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.jobs.Len()
}

// Shutdown enqueues one stop sentinel per live worker and waits for the
// pool to drain, bounded by ctx.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.scaleMu.Lock()
	n := int(q.active.Load())

	q.mu.Lock()
	for i := 0; i < n; i++ {
		q.pushSentinelLocked()
	}
	q.cond.Broadcast()
	q.mu.Unlock()
	q.scaleMu.Unlock()

	done := make(chan struct{})

	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) pushSentinelLocked() {
	q.seq++
	heap.Push(&q.jobs, &job{
		priority:  sentinelPriority,
		order:     q.seq,
		createdAt: time.Now(),
		source:    "system",
		stop:      true,
	})
	q.cond.Signal()
}

func (q *Queue) spawnWorkerLocked() {
	q.active.Add(1)
	q.wg.Add(1)

	go q.workerLoop()
}

func (q *Queue) workerLoop() {
	defer q.wg.Done()
	defer q.active.Add(-1)

	for {
		q.mu.Lock()
		for q.jobs.Len() == 0 {
			q.cond.Wait()
		}

		j := heap.Pop(&q.jobs).(*job)
		q.mu.Unlock()

		if j.stop {
			return
		}

		started := time.Now()
		queueWait := started.Sub(j.createdAt)

		q.runJob(j)

		processing := time.Since(started)

		if j.userID != 0 {
			q.releaseUser(j.userID)
		}

		q.recorder.Record(j.source, queueWait, processing)
		q.afterJob(j, queueWait, processing)
		q.maybeScale()
	}
}

// runJob executes the runner and resolves the job's future. Failures and
// panics are attached to the future, never allowed to kill the worker.
func (q *Queue) runJob(j *job) {
	defer func() {
		if r := recover(); r != nil {
			j.done <- result{err: fmt.Errorf("job panicked: %v", r)}
		}
	}()

	value, err := j.run(q.baseCtx)
	j.done <- result{value: value, err: err}
}

func (q *Queue) afterJob(j *job, queueWait, processing time.Duration) {
	if q.tel != nil {
		q.tel.RecordJob(j.source, queueWait, processing)
	}

	total := q.completed.Add(1)
	if total%logEveryNJobs != 0 {
		return
	}

	snap := q.recorder.Global()
	logctx.LoggerFromContext(q.baseCtx).Info("queue metrics",
		"jobs", total,
		"workers", q.active.Load(),
		"depth", q.Depth(),
		"queue_wait_p50_ms", snap.QueueWaitP50ms,
		"queue_wait_p95_ms", snap.QueueWaitP95ms,
		"processing_p50_ms", snap.ProcessingP50ms,
		"processing_p95_ms", snap.ProcessingP95ms,
	)
}

// maybeScale applies the single-step scaling policy. It is rate limited by
// the cooldown and serialised by the structural lock.
func (q *Queue) maybeScale() {
	q.scaleMu.Lock()
	defer q.scaleMu.Unlock()

	now := time.Now()
	if now.Sub(q.lastScale) < q.cfg.ScaleCooldown {
		return
	}

	current := int(q.active.Load())
	if current == 0 {
		q.spawnWorkerLocked()
		q.lastScale = now

		return
	}

	q.mu.Lock()
	depth := q.jobs.Len()
	idleFor := now.Sub(q.lastNonEmpty)
	q.mu.Unlock()

	waitP95 := q.recorder.Global().QueueWaitP95ms / 1000.0

	if current < q.cfg.MaxWorkers && (depth > current*2 || waitP95 > 2.0) {
		q.spawnWorkerLocked()
		q.lastScale = now

		logctx.LoggerFromContext(q.baseCtx).Info("queue scaled up",
			"workers", q.active.Load(),
			"depth", depth,
			"queue_wait_p95_s", waitP95,
		)

		return
	}

	if current > q.cfg.MinWorkers && depth == 0 && waitP95 < 0.25 && idleFor > q.cfg.ScaleDownIdle {
		q.mu.Lock()
		q.pushSentinelLocked()
		q.mu.Unlock()
		q.lastScale = now

		logctx.LoggerFromContext(q.baseCtx).Info("queue scale down requested",
			"workers", current-1,
		)
	}
}

// jobHeap orders jobs by (priority, order) ascending.
type jobHeap []*job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}

	return h[i].order < h[j].order
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) {
	*h = append(*h, x.(*job))
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]

	return item
}
