package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// requeueScript moves one expired delivery back to the pop end of the queue.
// It returns 0 when the delivery was acked concurrently.
//
// KEYS[1] processing list, KEYS[2] leases set, KEYS[3] queue list.
// ARGV[1] raw envelope.
var requeueScript = redis.NewScript(`
local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
if removed == 0 then
  return 0
end
redis.call('RPUSH', KEYS[3], ARGV[1])
return 1
`)

// minBlock is the shortest wait Redis accepts for a blocking pop.
const minBlock = time.Second

// Queue is a FIFO of envelopes with visibility-timeout redelivery. Envelopes
// are pushed on the left and popped from the right into a processing list;
// a popped envelope stays there until acked, and one whose lease expires is
// put back by RequeueExpired.
type Queue struct {
	rdb        redis.UniversalClient
	reg        *Registry
	name       string
	visibility time.Duration
	logger     *slog.Logger
}

// DefaultVisibility is the lease a dequeued envelope holds before it is
// redelivered. It outlasts the worker's default job timeout.
const DefaultVisibility = 15 * time.Minute

// NewQueue creates a named queue whose status records live in reg.
// If visibility is <= 0, it defaults to DefaultVisibility.
func NewQueue(rdb redis.UniversalClient, reg *Registry, name string, visibility time.Duration) *Queue {
	if name == "" {
		name = "default"
	}
	if visibility <= 0 {
		visibility = DefaultVisibility
	}
	return &Queue{
		rdb:        rdb,
		reg:        reg,
		name:       name,
		visibility: visibility,
		logger:     slog.Default().With("queue", name),
	}
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Registry returns the status registry backing the queue.
func (q *Queue) Registry() *Registry {
	return q.reg
}

// Enqueue creates a QUEUED status record and pushes a new envelope in one
// transaction. payload is encoded as JSON.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any) (Envelope, error) {
	if jobType == "" {
		return Envelope{}, errors.New("job type is required")
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return Envelope{}, err
	}
	env := Envelope{ID: uuid.New().String(), Type: jobType, Payload: raw}
	b, err := json.Marshal(env)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding envelope: %w", err)
	}

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		q.reg.queueCreate(ctx, pipe, env.ID, env.Type)
		pipe.LPush(ctx, q.reg.keys.queue(q.name), b)
		return nil
	})
	if err != nil {
		return Envelope{}, unavailable("enqueueing job", err)
	}
	return env, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage(`{}`), nil
		}
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return p, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return b, nil
}

// Delivery is an envelope handed to one consumer. It stays invisible to other
// consumers until acked or until its lease expires.
type Delivery struct {
	Envelope
	raw string
	q   *Queue
}

// Ack removes the delivery from the processing list.
func (d *Delivery) Ack(ctx context.Context) error {
	_, err := d.q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, d.q.reg.keys.processing(d.q.name), 1, d.raw)
		pipe.ZRem(ctx, d.q.reg.keys.leases(d.q.name), d.raw)
		return nil
	})
	if err != nil {
		return unavailable("acking job", err)
	}
	return nil
}

// Dequeue pops the oldest envelope. With block set it waits up to timeout
// (at least one second) for one to arrive. It returns nil, nil when the
// queue is empty or the wait timed out.
func (q *Queue) Dequeue(ctx context.Context, block bool, timeout time.Duration) (*Delivery, error) {
	src, dst := q.reg.keys.queue(q.name), q.reg.keys.processing(q.name)

	var raw string
	var err error
	if block {
		if timeout < minBlock {
			timeout = minBlock
		}
		raw, err = q.rdb.BLMove(ctx, src, dst, "RIGHT", "LEFT", timeout).Result()
	} else {
		raw, err = q.rdb.LMove(ctx, src, dst, "RIGHT", "LEFT").Result()
	}
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, unavailable("dequeueing job", err)
	}

	d := &Delivery{raw: raw, q: q}
	if err := json.Unmarshal([]byte(raw), &d.Envelope); err != nil {
		// An undecodable envelope can never be processed; drop it.
		if ackErr := d.Ack(ctx); ackErr != nil {
			q.logger.Error("dropping malformed envelope", "error", ackErr)
		}
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}

	deadline := q.reg.now().Add(q.visibility)
	if err := q.rdb.ZAdd(ctx, q.reg.keys.leases(q.name), redis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: raw,
	}).Err(); err != nil {
		// The reaper leases unleased deliveries on first sight, so the
		// envelope is not lost.
		q.logger.Warn("writing lease failed", "job_id", d.ID, "error", err)
	}
	return d, nil
}

// Len returns the number of envelopes waiting. The count is advisory.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.reg.keys.queue(q.name)).Result()
	if err != nil {
		return 0, unavailable("reading queue length", err)
	}
	return n, nil
}

// InFlight returns the number of envelopes delivered and not yet acked.
func (q *Queue) InFlight(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.reg.keys.processing(q.name)).Result()
	if err != nil {
		return 0, unavailable("reading in-flight count", err)
	}
	return n, nil
}

// RequeueExpired puts deliveries whose lease has expired back on the queue so
// they are popped next. A RUNNING job is reset to QUEUED first; a job that
// already reached a terminal status is acked instead. Deliveries found
// without a lease get a fresh one. It returns the number requeued.
func (q *Queue) RequeueExpired(ctx context.Context) (int, error) {
	k := q.reg.keys
	items, err := q.rdb.LRange(ctx, k.processing(q.name), 0, -1).Result()
	if err != nil {
		return 0, unavailable("listing in-flight jobs", err)
	}

	now := q.reg.now()
	requeued := 0
	for _, raw := range items {
		score, err := q.rdb.ZScore(ctx, k.leases(q.name), raw).Result()
		if errors.Is(err, redis.Nil) {
			deadline := now.Add(q.visibility)
			if err := q.rdb.ZAddNX(ctx, k.leases(q.name), redis.Z{
				Score:  float64(deadline.UnixMilli()),
				Member: raw,
			}).Err(); err != nil {
				return requeued, unavailable("leasing job", err)
			}
			continue
		}
		if err != nil {
			return requeued, unavailable("reading lease", err)
		}
		if int64(score) > now.UnixMilli() {
			continue
		}

		d := &Delivery{raw: raw, q: q}
		if err := json.Unmarshal([]byte(raw), &d.Envelope); err != nil {
			q.logger.Error("dropping malformed envelope", "error", err)
			if err := d.Ack(ctx); err != nil {
				return requeued, err
			}
			continue
		}

		rec, err := q.reg.Get(ctx, d.ID)
		switch {
		case errors.Is(err, ErrNotFound):
			q.logger.Warn("dropping delivery without status record", "job_id", d.ID)
			if err := d.Ack(ctx); err != nil {
				return requeued, err
			}
			continue
		case err != nil:
			return requeued, err
		case rec.Status.Terminal():
			if err := d.Ack(ctx); err != nil {
				return requeued, err
			}
			continue
		case rec.Status == StatusRunning:
			err := q.reg.Transition(ctx, d.ID, StatusQueued, nil, "")
			if errors.Is(err, ErrInvalidTransition) {
				// Finished between Get and Transition; the worker acks it.
				continue
			}
			if err != nil {
				return requeued, err
			}
		}

		moved, err := requeueScript.Run(ctx, q.rdb,
			[]string{k.processing(q.name), k.leases(q.name), k.queue(q.name)}, raw,
		).Int()
		if err != nil {
			return requeued, unavailable("requeueing job", err)
		}
		if moved == 1 {
			requeued++
			q.logger.Info("lease expired, job requeued", "job_id", d.ID, "job_type", d.Type, "attempts", rec.Attempts)
		}
	}
	return requeued, nil
}
