package queue

import (
	"fmt"
	"time"
)

// RateLimitedError is returned when a user exceeded their rolling
// submission window. It is recoverable: the caller can retry after
// RetryAfter has elapsed.
type RateLimitedError struct {
	RetryAfter time.Duration // How long until the oldest in-window entry expires
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %.1fs", e.RetryAfter.Seconds())
}

// BusyError is returned when the queue is saturated, either globally
// (backlog cap reached) or for one user (pending cap reached). Position is
// the slot the rejected job would have occupied.
type BusyError struct {
	Position int
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("queue is full, position %d", e.Position)
}
