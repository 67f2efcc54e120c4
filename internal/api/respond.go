package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/kalambet/eyemem/internal/jobs"
	"github.com/kalambet/eyemem/internal/memory"
	"github.com/kalambet/eyemem/internal/retrieval"
	"github.com/kalambet/eyemem/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

// serviceError maps domain errors onto HTTP status codes.
func serviceError(w http.ResponseWriter, what string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, jobs.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%s not found", what)
	case errors.Is(err, memory.ErrImageTooLarge):
		httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "%v", err)
	case errors.Is(err, memory.ErrInvalidImage), errors.Is(err, retrieval.ErrEmptyQuery):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, retrieval.ErrChatFailed):
		slog.Error("chat model failed", "what", what, "error", err)
		httpError(w, http.StatusBadGateway, "upstream_error", "%v", err)
	case errors.Is(err, jobs.ErrQueueUnavailable):
		slog.Error("queue unavailable", "what", what, "error", err)
		httpError(w, http.StatusServiceUnavailable, "unavailable", "job queue unavailable")
	default:
		slog.Error("request failed", "what", what, "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "%s: %v", what, err)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
