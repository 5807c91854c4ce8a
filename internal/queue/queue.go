// Package queue is the durable holding area for attendance events that
// have not yet been confirmed by the central system. Entries are
// ordered, idempotent on event id, and never dropped by the queue
// itself; only an explicit operator purge removes terminal errors.
package queue

import (
	"context"
	"errors"
	"time"

	"scangate/internal/event"
)

// ErrNotFound indicates an id with no queue entry.
var ErrNotFound = errors.New("queue entry not found")

// Entry wraps a not-yet-confirmed event with its retry bookkeeping.
type Entry struct {
	Event         event.AttendanceEvent `json:"event"`
	AttemptCount  int                   `json:"attempt_count"`
	LastError     string                `json:"last_error,omitempty"`
	NextAttemptAt time.Time             `json:"next_attempt_at"`
	Seq           uint64                `json:"seq"`
}

// Counts summarizes the queue by lifecycle status.
type Counts struct {
	Pending int `json:"pending"`
	Syncing int `json:"syncing"`
	Error   int `json:"error"`
}

// Queue is the abstraction over different backends.
type Queue interface {
	// Enqueue appends an event with status pending. Idempotent on the
	// event id: re-enqueuing an id already present is a no-op and
	// returns false.
	Enqueue(ctx context.Context, evt event.AttendanceEvent) (bool, error)
	// Drain returns pending entries in enqueue order, oldest first,
	// excluding entries whose backoff deadline is after now.
	Drain(ctx context.Context, now time.Time) ([]Entry, error)
	// MarkSyncing flags an entry as being submitted.
	MarkSyncing(ctx context.Context, id string) error
	// MarkConfirmed removes a confirmed entry from the queue.
	MarkConfirmed(ctx context.Context, id string) error
	// MarkTransient records a retryable failure: attempt count is
	// incremented and the entry reverts to pending with an exponential
	// backoff deadline, or becomes terminal error once the configured
	// max attempts is exhausted.
	MarkTransient(ctx context.Context, id, reason string, now time.Time) error
	// MarkRejected records a permanent remote rejection: the entry is
	// kept with terminal status error and is never retried.
	MarkRejected(ctx context.Context, id, reason string) error
	// ResetSyncing reverts every syncing entry to pending. Called on
	// abort so no entry leaks in a stuck state.
	ResetSyncing(ctx context.Context) (int, error)
	Counts(ctx context.Context) (Counts, error)
	// Errors returns terminal entries for operator display.
	Errors(ctx context.Context) ([]Entry, error)
	// PurgeErrors removes terminal entries. Operator action only.
	PurgeErrors(ctx context.Context) (int, error)
}

// Policy controls retry exhaustion and backoff growth, shared by both
// backends.
type Policy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// DefaultPolicy matches the station defaults: five attempts, backoff
// doubling from two seconds up to two minutes.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, BackoffBase: 2 * time.Second, BackoffCap: 2 * time.Minute}
}

func (p Policy) normalize() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = 2 * time.Second
	}
	if p.BackoffCap <= 0 {
		p.BackoffCap = 2 * time.Minute
	}
	return p
}

// backoff returns the delay before the given attempt is retried.
func (p Policy) backoff(attempt int) time.Duration {
	d := p.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.BackoffCap {
			return p.BackoffCap
		}
	}
	if d > p.BackoffCap {
		return p.BackoffCap
	}
	return d
}
