package download

import (
	"sync"
	"sync/atomic"
	"time"
)

// progressInterval is the minimum spacing between non-forced emissions.
const progressInterval = 800 * time.Millisecond

// Progress is a transient snapshot of one running transfer.
type Progress struct {
	Downloaded int64         `json:"downloaded"`
	Total      int64         `json:"total"`
	Elapsed    time.Duration `json:"elapsed"`
	SpeedBps   float64       `json:"speed_bps"`
	ETASeconds float64       `json:"eta_seconds"`
	Done       bool          `json:"done"`
}

// tracker fans progress snapshots from the blocking I/O path to a single
// consumer goroutine over a bounded channel. Producers never block: when
// the channel is full the snapshot is dropped, the final one excepted.
type tracker struct {
	total      atomic.Int64
	downloaded atomic.Int64
	lastEmit   atomic.Int64 // unix nanos of the last emission
	start      time.Time

	ch        chan Progress
	closeOnce sync.Once
	drained   chan struct{}
}

func newTracker(total int64, sink func(Progress)) *tracker {
	t := &tracker{
		start:   time.Now(),
		drained: make(chan struct{}),
	}
	t.total.Store(total)

	if sink == nil {
		close(t.drained)

		return t
	}

	t.ch = make(chan Progress, 8)

	go func() {
		defer close(t.drained)

		for p := range t.ch {
			sink(p)
		}
	}()

	return t
}

// add records n freshly written bytes and maybe emits a throttled snapshot.
func (t *tracker) add(n int64) {
	t.downloaded.Add(n)
	t.emit()
}

// setTotal updates the best-known total once a response reveals it.
func (t *tracker) setTotal(total int64) {
	if total > 0 {
		t.total.Store(total)
	}
}

func (t *tracker) count() int64 {
	return t.downloaded.Load()
}

func (t *tracker) emit() {
	if t.ch == nil {
		return
	}

	now := time.Now().UnixNano()

	last := t.lastEmit.Load()
	if now-last < int64(progressInterval) {
		return
	}

	// Lost the race with another producer: its emission stands in for ours.
	if !t.lastEmit.CompareAndSwap(last, now) {
		return
	}

	select {
	case t.ch <- t.snapshot(false):
	default:
	}
}

func (t *tracker) snapshot(done bool) Progress {
	elapsed := time.Since(t.start)
	downloaded := t.downloaded.Load()
	total := t.total.Load()

	var speed float64
	if elapsed > 0 {
		speed = float64(downloaded) / elapsed.Seconds()
	}

	var eta float64
	if speed > 0 && total > 0 && total > downloaded {
		eta = float64(total-downloaded) / speed
	}

	return Progress{
		Downloaded: downloaded,
		Total:      total,
		Elapsed:    elapsed,
		SpeedBps:   speed,
		ETASeconds: eta,
		Done:       done,
	}
}

// finish emits a final forced snapshot and waits for the consumer to drain.
// The size argument is the authoritative on-disk size.
func (t *tracker) finish(size int64) {
	if size >= 0 {
		t.downloaded.Store(size)

		if size > t.total.Load() {
			t.total.Store(size)
		}
	}

	t.close(true)
}

// abort stops the consumer without a completion snapshot.
func (t *tracker) abort() {
	t.close(false)
}

func (t *tracker) close(final bool) {
	t.closeOnce.Do(func() {
		if t.ch != nil {
			if final {
				t.ch <- t.snapshot(true)
			}

			close(t.ch)
		}
	})

	<-t.drained
}
