package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis, *testClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg := NewRegistry(rdb, "test")
	reg.now = clock.Now
	return NewQueue(rdb, reg, "work", time.Minute), mr, clock
}

func TestEnqueueCreatesQueuedRecord(t *testing.T) {
	q, mr, _ := newTestQueue(t)
	ctx := context.Background()

	env, err := q.Enqueue(ctx, "memory_processing", map[string]string{"memory_id": "m1"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if env.ID == "" {
		t.Fatal("expected generated id")
	}

	rec, err := q.Registry().Get(ctx, env.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != StatusQueued {
		t.Errorf("status = %s, want QUEUED", rec.Status)
	}
	if rec.Type != "memory_processing" {
		t.Errorf("type = %q", rec.Type)
	}
	if rec.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", rec.Attempts)
	}

	if !mr.Exists("test:job:" + env.ID) {
		t.Error("expected job hash under prefixed key")
	}
	n, err := q.Len(ctx)
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 1 {
		t.Errorf("Len = %d, want 1", n)
	}
}

func TestEnqueueRequiresType(t *testing.T) {
	q, _, _ := newTestQueue(t)
	if _, err := q.Enqueue(context.Background(), "", nil); err == nil {
		t.Fatal("expected error for empty type")
	}
}

func TestEnqueueRejectsInvalidRawPayload(t *testing.T) {
	q, _, _ := newTestQueue(t)
	if _, err := q.Enqueue(context.Background(), "x", json.RawMessage(`{broken`)); err == nil {
		t.Fatal("expected error for invalid JSON payload")
	}
}

func TestDequeueFIFO(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		env, err := q.Enqueue(ctx, "t", map[string]int{"n": i})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		ids = append(ids, env.ID)
	}

	for i, want := range ids {
		d, err := q.Dequeue(ctx, false, 0)
		if err != nil {
			t.Fatalf("Dequeue %d: %v", i, err)
		}
		if d == nil {
			t.Fatalf("Dequeue %d: got nil", i)
		}
		if d.ID != want {
			t.Errorf("Dequeue %d = %s, want %s", i, d.ID, want)
		}
		var p map[string]int
		if err := json.Unmarshal(d.Payload, &p); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if p["n"] != i {
			t.Errorf("payload n = %d, want %d", p["n"], i)
		}
	}

	inflight, _ := q.InFlight(ctx)
	if inflight != 3 {
		t.Errorf("InFlight = %d, want 3", inflight)
	}
}

func TestDequeueEmptyNonBlocking(t *testing.T) {
	q, _, _ := newTestQueue(t)

	start := time.Now()
	d, err := q.Dequeue(context.Background(), false, 10*time.Second)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if d != nil {
		t.Fatalf("expected nil delivery, got %+v", d)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("non-blocking dequeue took %v", elapsed)
	}
}

func TestDequeueBlockingTimesOut(t *testing.T) {
	q, _, _ := newTestQueue(t)

	d, err := q.Dequeue(context.Background(), true, time.Second)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if d != nil {
		t.Fatalf("expected nil delivery after timeout, got %+v", d)
	}
}

func TestDequeueBlockingReceivesLateEnqueue(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	done := make(chan *Delivery, 1)
	go func() {
		d, err := q.Dequeue(ctx, true, 5*time.Second)
		if err != nil {
			t.Errorf("Dequeue: %v", err)
		}
		done <- d
	}()

	time.Sleep(100 * time.Millisecond)
	env, err := q.Enqueue(ctx, "t", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case d := <-done:
		if d == nil || d.ID != env.ID {
			t.Fatalf("got %+v, want job %s", d, env.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("blocking dequeue did not return")
	}
}

func TestAckRemovesDelivery(t *testing.T) {
	q, mr, _ := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "t", nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	d, err := q.Dequeue(ctx, false, 0)
	if err != nil || d == nil {
		t.Fatalf("Dequeue: %v, %v", d, err)
	}
	if _, err := mr.ZScore("test:queue:work:leases", d.raw); err != nil {
		t.Fatalf("expected lease after dequeue: %v", err)
	}

	if err := d.Ack(ctx); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	n, _ := q.InFlight(ctx)
	if n != 0 {
		t.Errorf("InFlight after ack = %d, want 0", n)
	}
	if _, err := mr.ZScore("test:queue:work:leases", d.raw); err == nil {
		t.Error("lease should be removed on ack")
	}
}

func TestListRecentNewestFirst(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	// The clock is frozen, so ordering relies on strictly increasing creation times.
	var ids []string
	for i := 0; i < 5; i++ {
		env, err := q.Enqueue(ctx, "t", nil)
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		ids = append(ids, env.ID)
	}

	recs, err := q.Registry().ListRecent(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(recs) != 5 {
		t.Fatalf("got %d records, want 5", len(recs))
	}
	for i, rec := range recs {
		if rec.ID != ids[len(ids)-1-i] {
			t.Errorf("recs[%d] = %s, want %s", i, rec.ID, ids[len(ids)-1-i])
		}
		if i > 0 && !rec.CreatedAt.Before(recs[i-1].CreatedAt) {
			t.Errorf("created_at not strictly decreasing at %d: %v >= %v", i, rec.CreatedAt, recs[i-1].CreatedAt)
		}
	}

	page, err := q.Registry().ListRecent(ctx, 2, 1)
	if err != nil {
		t.Fatalf("ListRecent page: %v", err)
	}
	if len(page) != 2 || page[0].ID != ids[3] || page[1].ID != ids[2] {
		t.Errorf("unexpected page: %+v", page)
	}

	empty, err := q.Registry().ListRecent(ctx, 0, 0)
	if err != nil || len(empty) != 0 {
		t.Errorf("ListRecent(0) = %v, %v", empty, err)
	}

	n, err := q.Registry().Count(ctx)
	if err != nil || n != 5 {
		t.Errorf("Count = %d, %v", n, err)
	}
}

func TestTransitionStateMachine(t *testing.T) {
	q, _, clock := newTestQueue(t)
	reg := q.Registry()
	ctx := context.Background()

	env, err := q.Enqueue(ctx, "t", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := reg.Transition(ctx, env.ID, StatusSucceeded, nil, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("QUEUED->SUCCEEDED: got %v, want ErrInvalidTransition", err)
	}

	clock.Advance(time.Second)
	if err := reg.Transition(ctx, env.ID, StatusRunning, nil, ""); err != nil {
		t.Fatalf("QUEUED->RUNNING: %v", err)
	}
	if err := reg.Transition(ctx, env.ID, StatusRunning, nil, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("RUNNING->RUNNING: got %v, want ErrInvalidTransition", err)
	}

	clock.Advance(time.Second)
	if err := reg.Transition(ctx, env.ID, StatusSucceeded, map[string]int{"position": 7}, ""); err != nil {
		t.Fatalf("RUNNING->SUCCEEDED: %v", err)
	}
	if err := reg.Transition(ctx, env.ID, StatusRunning, nil, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("SUCCEEDED->RUNNING: got %v, want ErrInvalidTransition", err)
	}

	rec, err := reg.Get(ctx, env.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != StatusSucceeded {
		t.Errorf("status = %s", rec.Status)
	}
	if rec.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", rec.Attempts)
	}
	if rec.StartedAt == nil || rec.FinishedAt == nil {
		t.Fatalf("expected started_at and finished_at, got %+v", rec)
	}
	if !rec.FinishedAt.After(*rec.StartedAt) {
		t.Errorf("finished_at %v not after started_at %v", rec.FinishedAt, rec.StartedAt)
	}
	if string(rec.Result) != `{"position":7}` {
		t.Errorf("result = %s", rec.Result)
	}
}

func TestTransitionFailedStoresError(t *testing.T) {
	q, _, _ := newTestQueue(t)
	reg := q.Registry()
	ctx := context.Background()

	env, _ := q.Enqueue(ctx, "t", nil)
	if err := reg.Transition(ctx, env.ID, StatusRunning, nil, ""); err != nil {
		t.Fatalf("RUNNING: %v", err)
	}
	if err := reg.Transition(ctx, env.ID, StatusFailed, nil, "boom"); err != nil {
		t.Fatalf("FAILED: %v", err)
	}
	rec, _ := reg.Get(ctx, env.ID)
	if rec.Status != StatusFailed || rec.Error != "boom" {
		t.Errorf("got status %s error %q", rec.Status, rec.Error)
	}
}

func TestTransitionUnknownJob(t *testing.T) {
	q, _, _ := newTestQueue(t)
	err := q.Registry().Transition(context.Background(), "missing", StatusRunning, nil, "")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
	if _, err := q.Registry().Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get: got %v, want ErrNotFound", err)
	}
}

func TestRequeueExpiredRedeliversRunningJob(t *testing.T) {
	q, _, clock := newTestQueue(t)
	reg := q.Registry()
	ctx := context.Background()

	env, _ := q.Enqueue(ctx, "t", nil)
	other, _ := q.Enqueue(ctx, "t", nil)

	d, err := q.Dequeue(ctx, false, 0)
	if err != nil || d == nil || d.ID != env.ID {
		t.Fatalf("Dequeue: %v, %v", d, err)
	}
	if err := reg.Transition(ctx, d.ID, StatusRunning, nil, ""); err != nil {
		t.Fatalf("RUNNING: %v", err)
	}

	n, err := q.RequeueExpired(ctx)
	if err != nil {
		t.Fatalf("RequeueExpired: %v", err)
	}
	if n != 0 {
		t.Fatalf("requeued %d before lease expiry", n)
	}

	clock.Advance(2 * time.Minute)
	n, err = q.RequeueExpired(ctx)
	if err != nil {
		t.Fatalf("RequeueExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("requeued %d, want 1", n)
	}

	rec, _ := reg.Get(ctx, env.ID)
	if rec.Status != StatusQueued {
		t.Errorf("status after requeue = %s, want QUEUED", rec.Status)
	}
	if rec.StartedAt != nil {
		t.Errorf("started_at should be cleared, got %v", rec.StartedAt)
	}

	// The redelivered job goes ahead of jobs still waiting.
	again, err := q.Dequeue(ctx, false, 0)
	if err != nil || again == nil {
		t.Fatalf("Dequeue: %v, %v", again, err)
	}
	if again.ID != env.ID {
		t.Errorf("redelivered %s, want %s (other %s)", again.ID, env.ID, other.ID)
	}
	if err := reg.Transition(ctx, again.ID, StatusRunning, nil, ""); err != nil {
		t.Fatalf("RUNNING again: %v", err)
	}
	rec, _ = reg.Get(ctx, env.ID)
	if rec.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", rec.Attempts)
	}
}

func TestRequeueExpiredAcksTerminalJob(t *testing.T) {
	q, _, clock := newTestQueue(t)
	reg := q.Registry()
	ctx := context.Background()

	env, _ := q.Enqueue(ctx, "t", nil)
	d, _ := q.Dequeue(ctx, false, 0)
	_ = reg.Transition(ctx, env.ID, StatusRunning, nil, "")
	_ = reg.Transition(ctx, env.ID, StatusSucceeded, nil, "")

	clock.Advance(2 * time.Minute)
	n, err := q.RequeueExpired(ctx)
	if err != nil {
		t.Fatalf("RequeueExpired: %v", err)
	}
	if n != 0 {
		t.Errorf("requeued %d terminal jobs", n)
	}
	inflight, _ := q.InFlight(ctx)
	queued, _ := q.Len(ctx)
	if inflight != 0 || queued != 0 {
		t.Errorf("inflight=%d queued=%d, want 0/0 (delivery %s)", inflight, queued, d.ID)
	}
}

func TestRequeueExpiredLeasesUnleasedDelivery(t *testing.T) {
	q, mr, clock := newTestQueue(t)
	ctx := context.Background()

	raw := `{"id":"j1","type":"t","payload":{}}`
	mr.Lpush("test:queue:work:processing", raw)

	n, err := q.RequeueExpired(ctx)
	if err != nil {
		t.Fatalf("RequeueExpired: %v", err)
	}
	if n != 0 {
		t.Errorf("requeued %d, want 0 on first sight", n)
	}
	score, err := mr.ZScore("test:queue:work:leases", raw)
	if err != nil {
		t.Fatalf("expected lease: %v", err)
	}
	want := clock.Now().Add(time.Minute).UnixMilli()
	if int64(score) != want {
		t.Errorf("lease = %v, want %d", score, want)
	}
}

func TestRunningSince(t *testing.T) {
	q, _, clock := newTestQueue(t)
	reg := q.Registry()
	ctx := context.Background()

	old, _ := q.Enqueue(ctx, "t", nil)
	_ = reg.Transition(ctx, old.ID, StatusRunning, nil, "")
	clock.Advance(time.Hour)
	fresh, _ := q.Enqueue(ctx, "t", nil)
	_ = reg.Transition(ctx, fresh.ID, StatusRunning, nil, "")

	stuck, err := reg.RunningSince(ctx, clock.Now().Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("RunningSince: %v", err)
	}
	if len(stuck) != 1 || stuck[0].ID != old.ID {
		t.Fatalf("got %+v, want only %s", stuck, old.ID)
	}

	_ = reg.Transition(ctx, old.ID, StatusFailed, nil, "timeout")
	stuck, _ = reg.RunningSince(ctx, clock.Now())
	if len(stuck) != 1 || stuck[0].ID != fresh.ID {
		t.Fatalf("after fail got %+v, want only %s", stuck, fresh.ID)
	}
}

func TestStoreUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	q := NewQueue(rdb, NewRegistry(rdb, ""), "", 0)
	mr.Close()

	ctx := context.Background()
	if _, err := q.Enqueue(ctx, "t", nil); !errors.Is(err, ErrQueueUnavailable) {
		t.Errorf("Enqueue: got %v, want ErrQueueUnavailable", err)
	}
	if _, err := q.Dequeue(ctx, false, 0); !errors.Is(err, ErrQueueUnavailable) {
		t.Errorf("Dequeue: got %v, want ErrQueueUnavailable", err)
	}
	if _, err := q.Registry().Get(ctx, "x"); !errors.Is(err, ErrQueueUnavailable) {
		t.Errorf("Get: got %v, want ErrQueueUnavailable", err)
	}
}

func TestNewQueueDefaultVisibility(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	q := NewQueue(rdb, NewRegistry(rdb, ""), "", 0)
	if q.visibility != DefaultVisibility {
		t.Errorf("visibility = %s, want %s", q.visibility, DefaultVisibility)
	}
	if q = NewQueue(rdb, NewRegistry(rdb, ""), "", time.Minute); q.visibility != time.Minute {
		t.Errorf("explicit visibility = %s, want 1m", q.visibility)
	}
}
