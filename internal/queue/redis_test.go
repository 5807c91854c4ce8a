package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"scangate/internal/event"
)

func newTestRedis(t *testing.T, policy Policy) *Redis {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis(client, "scangate:queue", policy)
}

func TestRedisEnqueueIsDrainableImmediately(t *testing.T) {
	q := newTestRedis(t, DefaultPolicy())
	ctx := context.Background()
	evt := testEvent("s1")

	created, err := q.Enqueue(ctx, evt)
	if err != nil || !created {
		t.Fatalf("enqueue: created=%v err=%v", created, err)
	}
	// The entry and its order-list slot are written in one step: an
	// enqueued event is always visible to the drain walk.
	entries, err := q.Drain(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Event.ID != evt.ID {
		t.Fatalf("enqueued entry must drain, got %+v", entries)
	}
}

func TestRedisEnqueueIsIdempotent(t *testing.T) {
	q := newTestRedis(t, DefaultPolicy())
	ctx := context.Background()
	evt := testEvent("s1")

	if created, err := q.Enqueue(ctx, evt); err != nil || !created {
		t.Fatalf("first enqueue: created=%v err=%v", created, err)
	}
	// A crashed process retries the same event id.
	created, err := q.Enqueue(ctx, evt)
	if err != nil {
		t.Fatalf("retried enqueue: %v", err)
	}
	if created {
		t.Error("re-enqueuing the same id must be a no-op")
	}
	entries, err := q.Drain(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("retry must not duplicate the entry, drained %d", len(entries))
	}
	counts, err := q.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Pending != 1 {
		t.Errorf("expected exactly one pending entry, got %+v", counts)
	}
}

func TestRedisDrainPreservesEnqueueOrder(t *testing.T) {
	q := newTestRedis(t, DefaultPolicy())
	ctx := context.Background()
	a1, b1, a2 := testEvent("A"), testEvent("B"), testEvent("A")
	a2.Type = event.TypeExit
	for _, evt := range []event.AttendanceEvent{a1, b1, a2} {
		if _, err := q.Enqueue(ctx, evt); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := q.Drain(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	wantIDs := []string{a1.ID, b1.ID, a2.ID}
	for i, ent := range entries {
		if ent.Event.ID != wantIDs[i] {
			t.Errorf("position %d: expected %s, got %s", i, wantIDs[i], ent.Event.ID)
		}
	}
}

func TestRedisLifecycleMatchesMemory(t *testing.T) {
	q := newTestRedis(t, Policy{MaxAttempts: 2, BackoffBase: 10 * time.Second, BackoffCap: time.Minute})
	ctx := context.Background()
	evt := testEvent("s1")
	if _, err := q.Enqueue(ctx, evt); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	if err := q.MarkSyncing(ctx, evt.ID); err != nil {
		t.Fatal(err)
	}
	if err := q.MarkTransient(ctx, evt.ID, "timeout", now); err != nil {
		t.Fatal(err)
	}
	entries, err := q.Drain(ctx, now.Add(5*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("entry should be backing off, drained %d", len(entries))
	}
	entries, err = q.Drain(ctx, now.Add(11*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].AttemptCount != 1 {
		t.Fatalf("expected due entry with attemptCount=1, got %+v", entries)
	}

	if err := q.MarkTransient(ctx, evt.ID, "timeout again", now); err != nil {
		t.Fatal(err)
	}
	counts, err := q.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Error != 1 {
		t.Errorf("expected terminal error after max attempts, got %+v", counts)
	}
	if n, err := q.PurgeErrors(ctx); err != nil || n != 1 {
		t.Fatalf("purge: n=%d err=%v", n, err)
	}
	counts, err = q.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts != (Counts{}) {
		t.Errorf("queue should be empty after purge, got %+v", counts)
	}
}

func TestRedisMarkConfirmedRemoves(t *testing.T) {
	q := newTestRedis(t, DefaultPolicy())
	ctx := context.Background()
	evt := testEvent("s1")
	if _, err := q.Enqueue(ctx, evt); err != nil {
		t.Fatal(err)
	}
	if err := q.MarkConfirmed(ctx, evt.ID); err != nil {
		t.Fatal(err)
	}
	counts, err := q.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts != (Counts{}) {
		t.Errorf("queue should be empty, got %+v", counts)
	}
	// The order list must not keep a dangling id either.
	entries, err := q.Drain(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("confirmed entry must not drain, got %+v", entries)
	}
}
