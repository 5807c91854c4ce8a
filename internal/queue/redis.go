package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"scangate/internal/event"
)

// Redis is the durable backend: entries survive process restarts on
// the station's local redis. An id list keeps enqueue order, one key
// per entry holds the JSON-encoded Entry.
type Redis struct {
	client *redis.Client
	policy Policy
	prefix string
}

// NewRedis builds a queue under the given key prefix, defaulting to
// "scangate:queue".
func NewRedis(client *redis.Client, prefix string, policy Policy) *Redis {
	if prefix == "" {
		prefix = "scangate:queue"
	}
	return &Redis{client: client, policy: policy.normalize(), prefix: prefix}
}

func (q *Redis) orderKey() string { return q.prefix + ":order" }

func (q *Redis) seqKey() string { return q.prefix + ":seq" }

func (q *Redis) entryKey(id string) string { return q.prefix + ":entry:" + id }

// enqueueScript writes the entry and its position in the order list in
// one atomic step, so a crash can never leave an entry the drain walk
// would miss. SETNX gives idempotency on the event id: a retried scan
// from a crashed process must not double-queue.
var enqueueScript = redis.NewScript(`
if redis.call("SETNX", KEYS[1], ARGV[1]) == 1 then
	redis.call("RPUSH", KEYS[2], ARGV[2])
	return 1
end
return 0
`)

func (q *Redis) Enqueue(ctx context.Context, evt event.AttendanceEvent) (bool, error) {
	evt.SyncStatus = event.StatusPending
	seq, err := q.client.Incr(ctx, q.seqKey()).Result()
	if err != nil {
		return false, err
	}
	ent := Entry{Event: evt, Seq: uint64(seq)}
	raw, err := json.Marshal(ent)
	if err != nil {
		return false, err
	}
	created, err := enqueueScript.Run(ctx, q.client,
		[]string{q.entryKey(evt.ID), q.orderKey()}, raw, evt.ID).Int()
	if err != nil {
		return false, err
	}
	return created == 1, nil
}

func (q *Redis) Drain(ctx context.Context, now time.Time) ([]Entry, error) {
	ids, err := q.client.LRange(ctx, q.orderKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, id := range ids {
		ent, err := q.load(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if ent.Event.SyncStatus == event.StatusPending && !ent.NextAttemptAt.After(now) {
			out = append(out, *ent)
		}
	}
	return out, nil
}

func (q *Redis) MarkSyncing(ctx context.Context, id string) error {
	return q.update(ctx, id, func(ent *Entry) {
		ent.Event.SyncStatus = event.StatusSyncing
	})
}

func (q *Redis) MarkConfirmed(ctx context.Context, id string) error {
	n, err := q.client.Del(ctx, q.entryKey(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return q.client.LRem(ctx, q.orderKey(), 1, id).Err()
}

func (q *Redis) MarkTransient(ctx context.Context, id, reason string, now time.Time) error {
	return q.update(ctx, id, func(ent *Entry) {
		ent.AttemptCount++
		ent.LastError = reason
		if ent.AttemptCount >= q.policy.MaxAttempts {
			ent.Event.SyncStatus = event.StatusError
			return
		}
		ent.Event.SyncStatus = event.StatusPending
		ent.NextAttemptAt = now.Add(q.policy.backoff(ent.AttemptCount))
	})
}

func (q *Redis) MarkRejected(ctx context.Context, id, reason string) error {
	return q.update(ctx, id, func(ent *Entry) {
		ent.LastError = reason
		ent.Event.SyncStatus = event.StatusError
	})
}

func (q *Redis) ResetSyncing(ctx context.Context) (int, error) {
	entries, err := q.all(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ent := range entries {
		if ent.Event.SyncStatus != event.StatusSyncing {
			continue
		}
		if err := q.update(ctx, ent.Event.ID, func(e *Entry) {
			e.Event.SyncStatus = event.StatusPending
		}); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (q *Redis) Counts(ctx context.Context) (Counts, error) {
	entries, err := q.all(ctx)
	if err != nil {
		return Counts{}, err
	}
	var c Counts
	for _, ent := range entries {
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

func (q *Redis) Errors(ctx context.Context) ([]Entry, error) {
	entries, err := q.all(ctx)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, ent := range entries {
		if ent.Event.SyncStatus == event.StatusError {
			out = append(out, ent)
		}
	}
	return out, nil
}

func (q *Redis) PurgeErrors(ctx context.Context) (int, error) {
	entries, err := q.all(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ent := range entries {
		if ent.Event.SyncStatus != event.StatusError {
			continue
		}
		if err := q.client.Del(ctx, q.entryKey(ent.Event.ID)).Err(); err != nil {
			return n, err
		}
		if err := q.client.LRem(ctx, q.orderKey(), 1, ent.Event.ID).Err(); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (q *Redis) load(ctx context.Context, id string) (*Entry, error) {
	raw, err := q.client.Get(ctx, q.entryKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var ent Entry
	if err := json.Unmarshal([]byte(raw), &ent); err != nil {
		return nil, err
	}
	return &ent, nil
}

func (q *Redis) update(ctx context.Context, id string, fn func(*Entry)) error {
	ent, err := q.load(ctx, id)
	if err != nil {
		return err
	}
	fn(ent)
	raw, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	return q.client.Set(ctx, q.entryKey(id), raw, 0).Err()
}

func (q *Redis) all(ctx context.Context) ([]Entry, error) {
	ids, err := q.client.LRange(ctx, q.orderKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, id := range ids {
		ent, err := q.load(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, *ent)
	}
	return out, nil
}
