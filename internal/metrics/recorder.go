package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

const defaultWindow = 300

// Snapshot carries the order statistics for one source tag (or for all
// sources combined). Percentile values are in milliseconds.
type Snapshot struct {
	Count           int     `json:"count"`
	QueueWaitP50ms  float64 `json:"queue_wait_p50_ms"`
	QueueWaitP95ms  float64 `json:"queue_wait_p95_ms"`
	ProcessingP50ms float64 `json:"processing_p50_ms"`
	ProcessingP95ms float64 `json:"processing_p95_ms"`
}

// Recorder keeps bounded sliding windows of queue-wait and processing
// samples per source tag. The windows are fixed-capacity rings: once full,
// every new sample evicts the oldest one.
type Recorder struct {
	mu         sync.Mutex
	window     int
	queueWait  map[string]*ring
	processing map[string]*ring
}

// NewRecorder creates a Recorder that keeps up to window samples per ring.
// A non-positive window falls back to 300 samples.
func NewRecorder(window int) *Recorder {
	if window <= 0 {
		window = defaultWindow
	}

	return &Recorder{
		window:     window,
		queueWait:  make(map[string]*ring),
		processing: make(map[string]*ring),
	}
}

// Record appends one completed job's queue-wait and processing durations
// under the given source tag. An empty source is bucketed as "generic".
func (r *Recorder) Record(source string, queueWait, processing time.Duration) {
	if source == "" {
		source = "generic"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.ringLocked(r.queueWait, source).push(queueWait.Seconds())
	r.ringLocked(r.processing, source).push(processing.Seconds())
}

// Snapshot returns the percentiles for a single source tag.
func (r *Recorder) Snapshot(source string) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	return buildSnapshot(r.queueWait[source].values(), r.processing[source].values())
}

// Snapshots returns a snapshot per known source tag.
func (r *Recorder) Snapshots() map[string]Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Snapshot, len(r.processing))

	for source := range r.processing {
		out[source] = buildSnapshot(r.queueWait[source].values(), r.processing[source].values())
	}

	for source := range r.queueWait {
		if _, ok := out[source]; !ok {
			out[source] = buildSnapshot(r.queueWait[source].values(), r.processing[source].values())
		}
	}

	return out
}

// Global returns a snapshot aggregated across every source tag. The scaling
// policy keys off its queue-wait p95.
func (r *Recorder) Global() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	var waiting, processing []float64

	for _, rg := range r.queueWait {
		waiting = append(waiting, rg.values()...)
	}

	for _, rg := range r.processing {
		processing = append(processing, rg.values()...)
	}

	return buildSnapshot(waiting, processing)
}

func (r *Recorder) ringLocked(m map[string]*ring, source string) *ring {
	rg, ok := m[source]
	if !ok {
		rg = &ring{buf: make([]float64, r.window)}
		m[source] = rg
	}

	return rg
}

func buildSnapshot(waiting, processing []float64) Snapshot {
	count := len(processing)
	if len(waiting) > count {
		count = len(waiting)
	}

	return Snapshot{
		Count:           count,
		QueueWaitP50ms:  Percentile(waiting, 0.50) * 1000.0,
		QueueWaitP95ms:  Percentile(waiting, 0.95) * 1000.0,
		ProcessingP50ms: Percentile(processing, 0.50) * 1000.0,
		ProcessingP95ms: Percentile(processing, 0.95) * 1000.0,
	}
}

// Percentile returns the q-th order statistic of values using
// round(q*(n-1)) nearest-rank indexing. Empty input yields 0; a single
// sample is its own p50 and p95.
func Percentile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}

	if len(values) == 1 {
		return values[0]
	}

	ordered := make([]float64, len(values))
	copy(ordered, values)
	sort.Float64s(ordered)

	idx := int(math.Round(q * float64(len(ordered)-1)))
	if idx < 0 {
		idx = 0
	}

	if idx > len(ordered)-1 {
		idx = len(ordered) - 1
	}

	return ordered[idx]
}

// ring is a fixed-capacity float64 ring buffer.
type ring struct {
	buf  []float64
	next int
	size int
}

func (r *ring) push(v float64) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)

	if r.size < len(r.buf) {
		r.size++
	}
}

// values returns the buffered samples, oldest first. A nil ring yields nil.
func (r *ring) values() []float64 {
	if r == nil || r.size == 0 {
		return nil
	}

	out := make([]float64, 0, r.size)

	start := r.next - r.size
	if start < 0 {
		start += len(r.buf)
	}

	for i := 0; i < r.size; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}

	return out
}
