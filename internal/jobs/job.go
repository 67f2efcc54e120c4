// Package jobs implements the job queue and the job status registry on top of
// Redis.
//
// Key layout, for prefix p and queue name q:
//
//	p:job:{id}               hash    status record
//	p:jobs:recent            zset    job ids scored by creation time (µs)
//	p:jobs:running           zset    RUNNING job ids scored by start time (ms)
//	p:queue:q                list    pending envelopes, pushed left, popped right
//	p:queue:q:processing     list    envelopes handed to a worker and not yet acked
//	p:queue:q:leases         zset    processing envelopes scored by visibility deadline (ms)
package jobs

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no status record exists for a job id.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned for a status change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrQueueUnavailable wraps failures talking to the backing store.
	ErrQueueUnavailable = errors.New("queue unavailable")
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// Envelope is the unit of work stored on the queue. It is immutable once enqueued.
type Envelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Record is the queryable lifecycle record of one job.
type Record struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Status     Status          `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Attempts   int             `json:"attempts"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

type keys struct {
	prefix string
}

func (k keys) job(id string) string          { return k.prefix + ":job:" + id }
func (k keys) recent() string                { return k.prefix + ":jobs:recent" }
func (k keys) running() string               { return k.prefix + ":jobs:running" }
func (k keys) queue(name string) string      { return k.prefix + ":queue:" + name }
func (k keys) processing(name string) string { return k.queue(name) + ":processing" }
func (k keys) leases(name string) string     { return k.queue(name) + ":leases" }
