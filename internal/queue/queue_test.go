package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mak5er/Downloader-Bot-sub000/internal/metrics"
)

func newTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()

	q, err := New(context.Background(), cfg, metrics.NewRecorder(50), nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		require.NoError(t, q.Shutdown(ctx))
	})

	return q
}

func TestSubmitRespectsPriorityForWaitingJobs(t *testing.T) {
	q := newTestQueue(t, Config{
		MinWorkers:        1,
		MaxWorkers:        1,
		MaxQueueSize:      50,
		PerUserRateLimit:  20,
		PerUserWindow:     30 * time.Second,
		PerUserMaxPending: 10,
	})

	var (
		mu    sync.Mutex
		order []string
	)

	record := func(name string, delay time.Duration) Runner {
		return func(context.Context) (any, error) {
			time.Sleep(delay)
			mu.Lock()
			order = append(order, name)
			mu.Unlock()

			return name, nil
		}
	}

	var wg sync.WaitGroup

	submit := func(name string, priority int, delay time.Duration, userID int64) {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := q.Submit(context.Background(), record(name, delay), SubmitOptions{
				Priority: priority,
				Source:   "test",
				UserID:   userID,
			})
			assert.NoError(t, err)
		}()
	}

	// The first job occupies the single worker; the remaining two wait and
	// must dequeue in priority order regardless of arrival order.
	submit("first", 20, 50*time.Millisecond, 1)
	time.Sleep(10 * time.Millisecond)
	submit("low", 60, 0, 2)
	time.Sleep(5 * time.Millisecond)
	submit("high", 10, 0, 3)

	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "high", "low"}, order)
}

func TestSubmitRateLimitPerUser(t *testing.T) {
	q := newTestQueue(t, Config{
		MinWorkers:        1,
		MaxWorkers:        1,
		MaxQueueSize:      50,
		PerUserRateLimit:  2,
		PerUserWindow:     30 * time.Second,
		PerUserMaxPending: 5,
	})

	release := make(chan struct{})
	hold := func(context.Context) (any, error) {
		<-release

		return "ok", nil
	}

	var wg sync.WaitGroup

	for i := 0; i < 2; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := q.Submit(context.Background(), hold, SubmitOptions{Priority: 20, Source: "test", UserID: 99})
			assert.NoError(t, err)
		}()
	}

	// Give the two admitted submissions time to record their window entries.
	time.Sleep(20 * time.Millisecond)

	_, err := q.Submit(context.Background(), hold, SubmitOptions{Priority: 20, Source: "test", UserID: 99})

	var rateLimited *RateLimitedError
	require.ErrorAs(t, err, &rateLimited)
	assert.Greater(t, rateLimited.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, rateLimited.RetryAfter, 30*time.Second)

	close(release)
	wg.Wait()
}

func TestSubmitPendingCapPerUser(t *testing.T) {
	q := newTestQueue(t, Config{
		MinWorkers:        1,
		MaxWorkers:        1,
		MaxQueueSize:      50,
		PerUserRateLimit:  20,
		PerUserWindow:     30 * time.Second,
		PerUserMaxPending: 1,
	})

	release := make(chan struct{})

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		_, err := q.Submit(context.Background(), func(context.Context) (any, error) {
			<-release

			return "ok", nil
		}, SubmitOptions{Priority: 20, Source: "test", UserID: 5})
		assert.NoError(t, err)
	}()

	time.Sleep(20 * time.Millisecond)

	_, err := q.Submit(context.Background(), func(context.Context) (any, error) {
		return nil, nil
	}, SubmitOptions{Priority: 20, Source: "test", UserID: 5})

	var busy *BusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, 2, busy.Position)

	close(release)
	wg.Wait()

	// The slot is released exactly once: a later submission is admitted.
	_, err = q.Submit(context.Background(), func(context.Context) (any, error) {
		return "ok", nil
	}, SubmitOptions{Priority: 20, Source: "test", UserID: 5})
	assert.NoError(t, err)
}

func TestBusyRejectionCountsTowardRateWindow(t *testing.T) {
	q := newTestQueue(t, Config{
		MinWorkers:        1,
		MaxWorkers:        1,
		MaxQueueSize:      50,
		PerUserRateLimit:  2,
		PerUserWindow:     30 * time.Second,
		PerUserMaxPending: 1,
	})

	release := make(chan struct{})

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		_, err := q.Submit(context.Background(), func(context.Context) (any, error) {
			<-release

			return "ok", nil
		}, SubmitOptions{Priority: 20, Source: "test", UserID: 9})
		assert.NoError(t, err)
	}()

	time.Sleep(20 * time.Millisecond)

	// The pending cap rejects this one, but it still consumes a window slot.
	_, err := q.Submit(context.Background(), func(context.Context) (any, error) {
		return nil, nil
	}, SubmitOptions{Priority: 20, Source: "test", UserID: 9})

	var busy *BusyError
	require.ErrorAs(t, err, &busy)

	// Window now holds two entries, so the rate check fires before the cap.
	_, err = q.Submit(context.Background(), func(context.Context) (any, error) {
		return nil, nil
	}, SubmitOptions{Priority: 20, Source: "test", UserID: 9})

	var rateLimited *RateLimitedError
	require.ErrorAs(t, err, &rateLimited)
	assert.Greater(t, rateLimited.RetryAfter, time.Duration(0))

	close(release)
	wg.Wait()
}

func TestSubmitQueueFullBackpressure(t *testing.T) {
	q := newTestQueue(t, Config{
		MinWorkers:        1,
		MaxWorkers:        1,
		MaxQueueSize:      1,
		PerUserRateLimit:  100,
		PerUserWindow:     time.Second,
		PerUserMaxPending: 100,
	})

	release := make(chan struct{})

	var wg sync.WaitGroup

	// One job occupies the worker, one fills the queue slot.
	for i := 0; i < 2; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := q.Submit(context.Background(), func(context.Context) (any, error) {
				<-release

				return nil, nil
			}, SubmitOptions{Priority: 20, Source: "test"})
			assert.NoError(t, err)
		}()

		time.Sleep(20 * time.Millisecond)
	}

	_, err := q.Submit(context.Background(), func(context.Context) (any, error) {
		return nil, nil
	}, SubmitOptions{Priority: 20, Source: "test"})

	var busy *BusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, 2, busy.Position)

	close(release)
	wg.Wait()
}

func TestSubmitPropagatesRunnerError(t *testing.T) {
	q := newTestQueue(t, Config{
		MinWorkers:        1,
		MaxWorkers:        2,
		MaxQueueSize:      50,
		PerUserRateLimit:  20,
		PerUserWindow:     time.Second,
		PerUserMaxPending: 5,
	})

	boom := errors.New("boom")

	_, err := q.Submit(context.Background(), func(context.Context) (any, error) {
		return nil, boom
	}, SubmitOptions{Priority: 20, Source: "test", UserID: 7})
	assert.ErrorIs(t, err, boom)

	// A panicking runner resolves the future and leaves the worker alive.
	_, err = q.Submit(context.Background(), func(context.Context) (any, error) {
		panic("kaboom")
	}, SubmitOptions{Priority: 20, Source: "test", UserID: 7})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	value, err := q.Submit(context.Background(), func(context.Context) (any, error) {
		return 42, nil
	}, SubmitOptions{Priority: 20, Source: "test", UserID: 7})
	require.NoError(t, err)
	assert.Equal(t, 42, value)
}

func TestSubmitOnQueuedTicket(t *testing.T) {
	q := newTestQueue(t, Config{
		MinWorkers:        1,
		MaxWorkers:        1,
		MaxQueueSize:      50,
		PerUserRateLimit:  20,
		PerUserWindow:     time.Second,
		PerUserMaxPending: 5,
	})

	var ticket Ticket

	_, err := q.Submit(context.Background(), func(context.Context) (any, error) {
		return nil, nil
	}, SubmitOptions{
		Priority: 20,
		Source:   "test",
		OnQueued: func(t Ticket) { ticket = t },
	})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, ticket.Position, 1)
	assert.Equal(t, 1, ticket.ActiveWorkers)
}

func TestWorkerCountStaysWithinBounds(t *testing.T) {
	q := newTestQueue(t, Config{
		MinWorkers:        1,
		MaxWorkers:        3,
		MaxQueueSize:      200,
		PerUserRateLimit:  1000,
		PerUserWindow:     time.Second,
		PerUserMaxPending: 1000,
		ScaleCooldown:     time.Millisecond,
		ScaleDownIdle:     30 * time.Millisecond,
	})

	var wg sync.WaitGroup

	// Load spike: enough slow jobs to trip depth > 2*workers repeatedly.
	for i := 0; i < 40; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := q.Submit(context.Background(), func(context.Context) (any, error) {
				time.Sleep(5 * time.Millisecond)

				return nil, nil
			}, SubmitOptions{Priority: 20, Source: "burst"})
			assert.NoError(t, err)
		}()
	}

	deadline := time.After(10 * time.Second)
	spiked := make(chan struct{})

	go func() {
		wg.Wait()
		close(spiked)
	}()

	for {
		workers := q.ActiveWorkers()
		assert.GreaterOrEqual(t, workers, 1)
		assert.LessOrEqual(t, workers, 3)

		select {
		case <-spiked:
			assert.GreaterOrEqual(t, q.ActiveWorkers(), 1)

			return
		case <-deadline:
			t.Fatal("burst did not drain in time")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestIdleQueueScalesBackDown(t *testing.T) {
	q := newTestQueue(t, Config{
		MinWorkers:        1,
		MaxWorkers:        4,
		MaxQueueSize:      200,
		PerUserRateLimit:  1000,
		PerUserWindow:     time.Second,
		PerUserMaxPending: 1000,
		ScaleCooldown:     time.Millisecond,
		ScaleDownIdle:     20 * time.Millisecond,
	})

	var wg sync.WaitGroup

	for i := 0; i < 30; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, _ = q.Submit(context.Background(), func(context.Context) (any, error) {
				time.Sleep(2 * time.Millisecond)

				return nil, nil
			}, SubmitOptions{Priority: 20, Source: "burst"})
		}()
	}

	// The burst must push the pool above its floor before the idle phase.
	assert.Eventually(t, func() bool {
		return q.ActiveWorkers() > 1
	}, 5*time.Second, time.Millisecond)

	wg.Wait()

	// The policy is only re-evaluated on submissions and completions, so
	// keep trickling jobs whose own runtime exceeds the idle threshold:
	// by the time each one completes the queue has been empty long enough
	// for a scale-down sentinel to be enqueued.
	assert.Eventually(t, func() bool {
		_, err := q.Submit(context.Background(), func(context.Context) (any, error) {
			time.Sleep(30 * time.Millisecond)

			return nil, nil
		}, SubmitOptions{Priority: 20, Source: "tick"})

		return err == nil && q.ActiveWorkers() == 1
	}, 10*time.Second, 10*time.Millisecond)
}

func TestShutdownDrainsQueuedJobs(t *testing.T) {
	q, err := New(context.Background(), Config{
		MinWorkers:        2,
		MaxWorkers:        2,
		MaxQueueSize:      50,
		PerUserRateLimit:  100,
		PerUserWindow:     time.Second,
		PerUserMaxPending: 50,
	}, metrics.NewRecorder(50), nil)
	require.NoError(t, err)

	var completed struct {
		sync.Mutex
		n int
	}

	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := q.Submit(context.Background(), func(context.Context) (any, error) {
				time.Sleep(time.Millisecond)
				completed.Lock()
				completed.n++
				completed.Unlock()

				return nil, nil
			}, SubmitOptions{Priority: 20, Source: "test"})
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, q.Shutdown(ctx))

	completed.Lock()
	defer completed.Unlock()
	assert.Equal(t, 10, completed.n)
	assert.Equal(t, 0, q.ActiveWorkers())
}
