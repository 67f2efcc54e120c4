package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// transitionScript applies one status change atomically. It returns
// {0, previous} on success, {1, ""} when the job does not exist and
// {2, current} when the change is not allowed from the current status.
//
// KEYS[1] job hash, KEYS[2] running set.
// ARGV[1] target status, ARGV[2] timestamp, ARGV[3] timestamp ms,
// ARGV[4] result JSON, ARGV[5] error text.
var transitionScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then
  return {1, ''}
end
local to = ARGV[1]
local ok = (cur == 'QUEUED' and to == 'RUNNING')
  or (cur == 'RUNNING' and (to == 'SUCCEEDED' or to == 'FAILED' or to == 'QUEUED'))
if not ok then
  return {2, cur}
end
redis.call('HSET', KEYS[1], 'status', to, 'updated_at', ARGV[2])
local id = redis.call('HGET', KEYS[1], 'id')
if to == 'RUNNING' then
  redis.call('HSET', KEYS[1], 'started_at', ARGV[2])
  redis.call('HINCRBY', KEYS[1], 'attempts', 1)
  redis.call('ZADD', KEYS[2], ARGV[3], id)
else
  redis.call('ZREM', KEYS[2], id)
end
if to == 'QUEUED' then
  redis.call('HDEL', KEYS[1], 'started_at')
elseif to == 'SUCCEEDED' or to == 'FAILED' then
  redis.call('HSET', KEYS[1], 'finished_at', ARGV[2])
  if ARGV[4] ~= '' then
    redis.call('HSET', KEYS[1], 'result', ARGV[4])
  end
  if ARGV[5] ~= '' then
    redis.call('HSET', KEYS[1], 'error', ARGV[5])
  end
end
return {0, cur}
`)

const timeLayout = time.RFC3339Nano

// Registry stores job status records. Records are never deleted.
type Registry struct {
	rdb  redis.UniversalClient
	keys keys

	mu       sync.Mutex
	lastTime time.Time
	now      func() time.Time
}

// NewRegistry creates a Registry using the given key prefix.
// If prefix is empty, it defaults to "eye".
func NewRegistry(rdb redis.UniversalClient, prefix string) *Registry {
	if prefix == "" {
		prefix = "eye"
	}
	return &Registry{
		rdb:  rdb,
		keys: keys{prefix: prefix},
		now:  time.Now,
	}
}

// createdAt returns a creation time strictly after every previous one handed
// out by this registry, so recent-job ordering never has ties.
func (r *Registry) createdAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.now().UTC().Truncate(time.Microsecond)
	if !t.After(r.lastTime) {
		t = r.lastTime.Add(time.Microsecond)
	}
	r.lastTime = t
	return t
}

func (r *Registry) queueCreate(ctx context.Context, pipe redis.Pipeliner, id, jobType string) {
	t := r.createdAt()
	ts := t.Format(timeLayout)
	pipe.HSet(ctx, r.keys.job(id),
		"id", id,
		"type", jobType,
		"status", string(StatusQueued),
		"created_at", ts,
		"updated_at", ts,
		"attempts", 0,
	)
	pipe.ZAdd(ctx, r.keys.recent(), redis.Z{Score: float64(t.UnixMicro()), Member: id})
}

// Create writes a QUEUED record for id.
func (r *Registry) Create(ctx context.Context, id, jobType string) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		r.queueCreate(ctx, pipe, id, jobType)
		return nil
	})
	if err != nil {
		return unavailable("creating job record", err)
	}
	return nil
}

// Transition moves job id to status. result is stored as JSON and errMsg as
// text, both only on terminal statuses.
func (r *Registry) Transition(ctx context.Context, id string, status Status, result any, errMsg string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}
	var resultJSON string
	if result != nil && status.Terminal() {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encoding job result: %w", err)
		}
		resultJSON = string(b)
	}

	now := r.now().UTC()
	res, err := transitionScript.Run(ctx, r.rdb,
		[]string{r.keys.job(id), r.keys.running()},
		string(status), now.Format(timeLayout), now.UnixMilli(), resultJSON, errMsg,
	).Slice()
	if err != nil {
		return unavailable("transitioning job", err)
	}
	if len(res) != 2 {
		return fmt.Errorf("transitioning job %s: unexpected script reply %v", id, res)
	}
	code, _ := res[0].(int64)
	cur, _ := res[1].(string)
	switch code {
	case 0:
		return nil
	case 1:
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	default:
		return fmt.Errorf("%w: job %s %s -> %s", ErrInvalidTransition, id, cur, status)
	}
}

// Get returns the record for id.
func (r *Registry) Get(ctx context.Context, id string) (Record, error) {
	fields, err := r.rdb.HGetAll(ctx, r.keys.job(id)).Result()
	if err != nil {
		return Record{}, unavailable("reading job record", err)
	}
	if len(fields) == 0 {
		return Record{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return parseRecord(fields)
}

// ListRecent returns records newest first.
func (r *Registry) ListRecent(ctx context.Context, limit, offset int) ([]Record, error) {
	if limit <= 0 {
		return []Record{}, nil
	}
	if offset < 0 {
		offset = 0
	}
	ids, err := r.rdb.ZRevRange(ctx, r.keys.recent(), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, unavailable("listing recent jobs", err)
	}
	return r.getMany(ctx, ids)
}

// Count returns the number of records ever created.
func (r *Registry) Count(ctx context.Context) (int64, error) {
	n, err := r.rdb.ZCard(ctx, r.keys.recent()).Result()
	if err != nil {
		return 0, unavailable("counting jobs", err)
	}
	return n, nil
}

// RunningSince returns RUNNING records that started at or before cutoff,
// oldest first.
func (r *Registry) RunningSince(ctx context.Context, cutoff time.Time) ([]Record, error) {
	ids, err := r.rdb.ZRangeByScore(ctx, r.keys.running(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, unavailable("listing running jobs", err)
	}
	return r.getMany(ctx, ids)
}

func (r *Registry) getMany(ctx context.Context, ids []string) ([]Record, error) {
	if len(ids) == 0 {
		return []Record{}, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, r.keys.job(id))
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("reading job records", err)
	}

	out := make([]Record, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		rec, err := parseRecord(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func parseRecord(f map[string]string) (Record, error) {
	rec := Record{
		ID:     f["id"],
		Type:   f["type"],
		Status: Status(f["status"]),
		Error:  f["error"],
	}
	var err error
	if rec.CreatedAt, err = time.Parse(timeLayout, f["created_at"]); err != nil {
		return Record{}, fmt.Errorf("parsing created_at of job %s: %w", rec.ID, err)
	}
	if rec.UpdatedAt, err = time.Parse(timeLayout, f["updated_at"]); err != nil {
		return Record{}, fmt.Errorf("parsing updated_at of job %s: %w", rec.ID, err)
	}
	if rec.StartedAt, err = parseOptionalTime(f["started_at"]); err != nil {
		return Record{}, fmt.Errorf("parsing started_at of job %s: %w", rec.ID, err)
	}
	if rec.FinishedAt, err = parseOptionalTime(f["finished_at"]); err != nil {
		return Record{}, fmt.Errorf("parsing finished_at of job %s: %w", rec.ID, err)
	}
	if s := f["attempts"]; s != "" {
		if rec.Attempts, err = strconv.Atoi(s); err != nil {
			return Record{}, fmt.Errorf("parsing attempts of job %s: %w", rec.ID, err)
		}
	}
	if s := f["result"]; s != "" {
		rec.Result = json.RawMessage(s)
	}
	return rec, nil
}

func parseOptionalTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrQueueUnavailable, op, err)
}
