// Package syncengine drains the offline queue against the central
// system. One run is active at a time; concurrent triggers coalesce so
// per-subject event order is preserved.
package syncengine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"scangate/internal/connectivity"
	"scangate/internal/event"
	"scangate/internal/metrics"
	"scangate/internal/notify"
	"scangate/internal/queue"
	"scangate/internal/remote"
)

// ErrAlreadyRunning is returned when a sync is requested while one is
// active. The active run covers the request.
var ErrAlreadyRunning = errors.New("sync run already active")

// Remote is the slice of the central-system client the engine needs.
type Remote interface {
	SubmitScan(ctx context.Context, qrToken, actorID string, mode event.Mode, eventID string, occurredAt time.Time) (*remote.ScanResult, error)
	MarkAbsent(ctx context.Context, actorID, groupID, date string) (*remote.AbsenceCounts, error)
}

// Connectivity is the reachability signal consumed by the run loop.
type Connectivity interface {
	Online() bool
	Subscribe() <-chan connectivity.Change
}

// History receives confirmed events for the local audit log. May be a
// no-op when the station runs without postgres.
type History interface {
	RecordConfirmed(ctx context.Context, evt event.AttendanceEvent) error
}

// Stats summarizes one sync run.
type Stats struct {
	Drained   int `json:"drained"`
	Confirmed int `json:"confirmed"`
	Rejected  int `json:"rejected"`
	Transient int `json:"transient"`
}

// Engine owns the pending → syncing → {confirmed|pending|error} state
// machine for queue entries.
type Engine struct {
	q        queue.Queue
	remote   Remote
	conn     Connectivity
	hist     History
	notifier notify.Notifier
	log      *zap.Logger

	submitTimeout time.Duration
	interval      time.Duration
	reseed        func(ctx context.Context) error
	now           func() time.Time

	token chan struct{}
	force chan struct{}
}

// Option tweaks engine construction.
type Option func(*Engine)

// WithReseed installs a callback run when the uplink comes back, used
// to replace the local day projection with the central system's view
// before draining.
func WithReseed(fn func(ctx context.Context) error) Option {
	return func(e *Engine) { e.reseed = fn }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithHistory installs the confirmed-event audit sink.
func WithHistory(h History) Option {
	return func(e *Engine) { e.hist = h }
}

func New(q queue.Queue, rem Remote, conn Connectivity, notifier notify.Notifier, submitTimeout, interval time.Duration, log *zap.Logger, opts ...Option) *Engine {
	if submitTimeout <= 0 {
		submitTimeout = 10 * time.Second
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	e := &Engine{
		q:             q,
		remote:        rem,
		conn:          conn,
		notifier:      notifier,
		log:           log,
		submitTimeout: submitTimeout,
		interval:      interval,
		now:           func() time.Time { return time.Now().UTC() },
		token:         make(chan struct{}, 1),
		force:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run reacts to connectivity transitions, force triggers and the
// periodic tick until ctx is cancelled. It runs concurrently with scan
// processing and never blocks it.
func (e *Engine) Run(ctx context.Context) {
	changes := e.conn.Subscribe()
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ch := <-changes:
			if ch.Online {
				metrics.UplinkOnline.Set(1)
				if e.reseed != nil {
					if err := e.reseed(ctx); err != nil {
						e.log.Warn("projection reseed failed", zap.Error(err))
					}
				}
				e.runOnce(ctx)
			} else {
				metrics.UplinkOnline.Set(0)
			}
		case <-e.force:
			e.runOnce(ctx)
		case <-ticker.C:
			if !e.conn.Online() {
				continue
			}
			counts, err := e.q.Counts(ctx)
			if err != nil {
				e.log.Warn("queue counts failed", zap.Error(err))
				continue
			}
			if counts.Pending > 0 {
				e.runOnce(ctx)
			}
		}
	}
}

// TriggerSync requests a run without waiting for it. Triggers arriving
// while a run is active coalesce into at most one follow-up run.
func (e *Engine) TriggerSync() {
	select {
	case e.force <- struct{}{}:
	default:
	}
}

// SyncNow performs a run synchronously, for the operator's force-sync.
func (e *Engine) SyncNow(ctx context.Context) (Stats, error) {
	return e.syncOnce(ctx)
}

func (e *Engine) runOnce(ctx context.Context) {
	stats, err := e.syncOnce(ctx)
	switch {
	case errors.Is(err, ErrAlreadyRunning):
	case err != nil:
		e.log.Warn("sync run failed", zap.Error(err))
	default:
		e.log.Info("sync run finished",
			zap.Int("drained", stats.Drained),
			zap.Int("confirmed", stats.Confirmed),
			zap.Int("rejected", stats.Rejected),
			zap.Int("transient", stats.Transient),
		)
	}
}

// syncOnce holds the run token for the duration of one drain. Every
// per-entry failure is captured into that entry's status; the loop
// itself never errors out mid-queue.
func (e *Engine) syncOnce(ctx context.Context) (Stats, error) {
	select {
	case e.token <- struct{}{}:
	default:
		return Stats{}, ErrAlreadyRunning
	}
	defer func() { <-e.token }()

	var stats Stats
	defer func() {
		if ctx.Err() == nil {
			return
		}
		// Aborted mid-run: nothing may stay stuck in syncing.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if n, err := e.q.ResetSyncing(rctx); err != nil {
			e.log.Error("reset of in-flight entries failed", zap.Error(err))
		} else if n > 0 {
			e.log.Info("sync aborted, entries reverted to pending", zap.Int("entries", n))
		}
	}()

	entries, err := e.q.Drain(ctx, e.now())
	if err != nil {
		return stats, err
	}
	stats.Drained = len(entries)

	// Transient failure for a subject halts that subject's remaining
	// entries this run so alternation order survives; other subjects
	// continue. Absent markers batch into one mark-absent call per
	// group and date.
	halted := make(map[string]bool)
	markedGroups := make(map[string]bool)

	for _, ent := range entries {
		if ctx.Err() != nil {
			break
		}
		evt := ent.Event
		if halted[evt.SubjectID] {
			continue
		}
		if err := e.q.MarkSyncing(ctx, evt.ID); err != nil {
			e.log.Warn("mark syncing failed", zap.String("event_id", evt.ID), zap.Error(err))
			continue
		}
		err := e.submit(ctx, evt, markedGroups)
		switch {
		case err == nil:
			if err := e.q.MarkConfirmed(ctx, evt.ID); err != nil {
				e.log.Error("mark confirmed failed", zap.String("event_id", evt.ID), zap.Error(err))
				continue
			}
			stats.Confirmed++
			metrics.SyncAttempts.WithLabelValues("confirmed").Inc()
			evt.SyncStatus = event.StatusConfirmed
			if e.hist != nil {
				if herr := e.hist.RecordConfirmed(ctx, evt); herr != nil {
					e.log.Warn("audit record failed", zap.String("event_id", evt.ID), zap.Error(herr))
				}
			}
		case ctx.Err() != nil:
			// Abort, not a verdict; the deferred reset reverts the
			// in-flight entry.
		case remote.IsRejection(err):
			reason := remote.RejectionReason(err)
			if qerr := e.q.MarkRejected(ctx, evt.ID, reason); qerr != nil {
				e.log.Error("mark rejected failed", zap.String("event_id", evt.ID), zap.Error(qerr))
			}
			stats.Rejected++
			metrics.SyncAttempts.WithLabelValues("rejected").Inc()
			e.notifier.EventRejected(ctx, evt, reason)
		default:
			if qerr := e.q.MarkTransient(ctx, evt.ID, err.Error(), e.now()); qerr != nil {
				e.log.Error("mark transient failed", zap.String("event_id", evt.ID), zap.Error(qerr))
			}
			halted[evt.SubjectID] = true
			stats.Transient++
			metrics.SyncAttempts.WithLabelValues("transient").Inc()
			e.log.Warn("submission failed, will retry",
				zap.String("event_id", evt.ID),
				zap.String("subject_id", evt.SubjectID),
				zap.Int("attempt", ent.AttemptCount+1),
				zap.Error(err),
			)
		}
	}

	if counts, err := e.q.Counts(context.WithoutCancel(ctx)); err == nil {
		metrics.SetQueueCounts(counts.Pending, counts.Syncing, counts.Error)
	}
	metrics.SyncRuns.Inc()
	return stats, ctx.Err()
}

func (e *Engine) submit(ctx context.Context, evt event.AttendanceEvent, markedGroups map[string]bool) error {
	sctx, cancel := context.WithTimeout(ctx, e.submitTimeout)
	defer cancel()

	if evt.Type == event.TypeAbsentMarker {
		key := evt.GroupID + "|" + evt.Day()
		if markedGroups[key] {
			return nil
		}
		if _, err := e.remote.MarkAbsent(sctx, evt.ActorID, evt.GroupID, evt.Day()); err != nil {
			return err
		}
		markedGroups[key] = true
		return nil
	}

	// Replay with the forced mode matching the recorded type so the
	// central system re-validates the alternation; another device may
	// have raced while this station was offline.
	mode := event.ModeForcedEntry
	if evt.Type == event.TypeExit {
		mode = event.ModeForcedExit
	}
	token := evt.QRToken
	if token == "" {
		token = evt.SubjectID
	}
	_, err := e.remote.SubmitScan(sctx, token, evt.ActorID, mode, evt.ID, evt.OccurredAt)
	return err
}
