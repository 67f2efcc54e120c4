package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Job is what a handler receives for one delivery.
type Job struct {
	ID      string
	Type    string
	Payload json.RawMessage
}

// Handler processes one job. The returned result is stored as JSON on the
// job record when the job succeeds.
type Handler interface {
	Handle(ctx context.Context, job Job) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) (any, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, job Job) (any, error) {
	return f(ctx, job)
}

// Typed adapts a handler that takes a decoded payload of type P.
func Typed[P any](fn func(ctx context.Context, jobID string, payload P) (any, error)) Handler {
	return HandlerFunc(func(ctx context.Context, job Job) (any, error) {
		var p P
		if len(job.Payload) > 0 {
			if err := json.Unmarshal(job.Payload, &p); err != nil {
				return nil, fmt.Errorf("parsing %s payload: %w", job.Type, err)
			}
		}
		return fn(ctx, job.ID, p)
	})
}

// Mux dispatches jobs to handlers by type. It is populated at startup.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]Handler)}
}

// Register binds jobType to h, replacing any earlier binding.
func (m *Mux) Register(jobType string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[jobType] = h
}

// Types returns the registered job types in sorted order.
func (m *Mux) Types() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	types := make([]string, 0, len(m.handlers))
	for t := range m.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Handle dispatches job to the handler registered for its type.
func (m *Mux) Handle(ctx context.Context, job Job) (any, error) {
	m.mu.RLock()
	h, ok := m.handlers[job.Type]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no handler registered for job type %q", job.Type)
	}
	return h.Handle(ctx, job)
}
