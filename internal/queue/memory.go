package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"scangate/internal/event"
)

// Memory is a mutex-guarded in-process queue for dev and tests. It
// honors the same lifecycle as the redis backend but does not survive
// restarts.
type Memory struct {
	policy Policy

	mu      sync.Mutex
	entries map[string]*Entry
	nextSeq uint64
}

func NewMemory(policy Policy) *Memory {
	return &Memory{policy: policy.normalize(), entries: make(map[string]*Entry)}
}

func (q *Memory) Enqueue(_ context.Context, evt event.AttendanceEvent) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[evt.ID]; ok {
		return false, nil
	}
	evt.SyncStatus = event.StatusPending
	q.entries[evt.ID] = &Entry{Event: evt, Seq: q.nextSeq}
	q.nextSeq++
	return true, nil
}

func (q *Memory) Drain(_ context.Context, now time.Time) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Entry
	for _, ent := range q.entries {
		if ent.Event.SyncStatus == event.StatusPending && !ent.NextAttemptAt.After(now) {
			out = append(out, *ent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (q *Memory) MarkSyncing(_ context.Context, id string) error {
	return q.setStatus(id, event.StatusSyncing)
}

func (q *Memory) MarkConfirmed(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[id]; !ok {
		return ErrNotFound
	}
	delete(q.entries, id)
	return nil
}

func (q *Memory) MarkTransient(_ context.Context, id, reason string, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	ent, ok := q.entries[id]
	if !ok {
		return ErrNotFound
	}
	ent.AttemptCount++
	ent.LastError = reason
	if ent.AttemptCount >= q.policy.MaxAttempts {
		ent.Event.SyncStatus = event.StatusError
		return nil
	}
	ent.Event.SyncStatus = event.StatusPending
	ent.NextAttemptAt = now.Add(q.policy.backoff(ent.AttemptCount))
	return nil
}

func (q *Memory) MarkRejected(_ context.Context, id, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	ent, ok := q.entries[id]
	if !ok {
		return ErrNotFound
	}
	ent.LastError = reason
	ent.Event.SyncStatus = event.StatusError
	return nil
}

func (q *Memory) ResetSyncing(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, ent := range q.entries {
		if ent.Event.SyncStatus == event.StatusSyncing {
			ent.Event.SyncStatus = event.StatusPending
			n++
		}
	}
	return n, nil
}

func (q *Memory) Counts(_ context.Context) (Counts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var c Counts
	for _, ent := range q.entries {
		switch ent.Event.SyncStatus {
		case event.StatusPending:
			c.Pending++
		case event.StatusSyncing:
			c.Syncing++
		case event.StatusError:
			c.Error++
		}
	}
	return c, nil
}

func (q *Memory) Errors(_ context.Context) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Entry
	for _, ent := range q.entries {
		if ent.Event.SyncStatus == event.StatusError {
			out = append(out, *ent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (q *Memory) PurgeErrors(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for id, ent := range q.entries {
		if ent.Event.SyncStatus == event.StatusError {
			delete(q.entries, id)
			n++
		}
	}
	return n, nil
}

func (q *Memory) setStatus(id string, status event.SyncStatus) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	ent, ok := q.entries[id]
	if !ok {
		return ErrNotFound
	}
	ent.Event.SyncStatus = status
	return nil
}
