package api

import (
	"encoding/json"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/eyemem/internal/jobs"
)

// EnqueueRequest is the body of POST /v1/jobs.
type EnqueueRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// JobList is a page of job records, newest first.
type JobList struct {
	Jobs   []jobs.Record `json:"jobs"`
	Total  int64         `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// QueueStats describes the queue at one moment. Counts are advisory.
type QueueStats struct {
	Name     string `json:"name"`
	Waiting  int64  `json:"waiting"`
	InFlight int64  `json:"in_flight"`
}

func handleEnqueue(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req EnqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		req.Type = strings.TrimSpace(req.Type)
		if req.Type == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "type is required")
			return
		}
		if len(deps.JobTypes) > 0 && !slices.Contains(deps.JobTypes, req.Type) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown job type %q", req.Type)
			return
		}

		var payload any
		if len(req.Payload) > 0 {
			payload = req.Payload
		}
		env, err := deps.Queue.Enqueue(r.Context(), req.Type, payload)
		if err != nil {
			serviceError(w, "enqueue", err)
			return
		}
		deps.Metrics.JobEnqueued(env.Type)

		writeJSON(w, http.StatusAccepted, map[string]string{"id": env.ID})
	}
}

func handleListJobs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		records, err := deps.Jobs.ListRecent(r.Context(), limit, offset)
		if err != nil {
			serviceError(w, "jobs", err)
			return
		}
		total, err := deps.Jobs.Count(r.Context())
		if err != nil {
			serviceError(w, "jobs", err)
			return
		}

		writeJSON(w, http.StatusOK, JobList{Jobs: records, Total: total, Limit: limit, Offset: offset})
	}
}

func handleGetJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := deps.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, "job", err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func handleQueueStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		waiting, err := deps.Queue.Len(r.Context())
		if err != nil {
			serviceError(w, "queue", err)
			return
		}
		inFlight, err := deps.Queue.InFlight(r.Context())
		if err != nil {
			serviceError(w, "queue", err)
			return
		}
		deps.Metrics.SetQueueDepth(waiting, inFlight)

		writeJSON(w, http.StatusOK, QueueStats{Name: deps.Queue.Name(), Waiting: waiting, InFlight: inFlight})
	}
}

func handleAudit(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Audit == nil {
			httpError(w, http.StatusNotImplemented, "api_error", "audit not configured")
			return
		}
		rep, err := deps.Audit.Run(r.Context())
		if err != nil {
			serviceError(w, "audit", err)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	}
}
