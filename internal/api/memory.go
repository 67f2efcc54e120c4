package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/eyemem/internal/memory"
	"github.com/kalambet/eyemem/internal/retrieval"
	"github.com/kalambet/eyemem/internal/storage"
)

const maxSearchLimit = 50

// MemoryResponse is a memory as returned to clients.
type MemoryResponse struct {
	storage.Memory
	ImageURL        string   `json:"image_url"`
	SimilarityScore *float32 `json:"similarity_score,omitempty"`
}

// SearchRequest is the body of POST /v1/memory/search.
type SearchRequest struct {
	Query          string     `json:"query"`
	Limit          int        `json:"limit"`
	IncludePrivate bool       `json:"include_private"`
	FilterTags     []string   `json:"filter_tags"`
	DateFrom       *time.Time `json:"date_from"`
	DateTo         *time.Time `json:"date_to"`
}

// SearchResponse is returned by POST /v1/memory/search.
type SearchResponse struct {
	Memories   []MemoryResponse `json:"memories"`
	TotalFound int              `json:"total_found"`
	Query      string           `json:"query"`
}

// ChatRequest is the JSON body of POST /v1/memory/chat-with-memories. A
// form field named message is accepted as well.
type ChatRequest struct {
	Message string `json:"message"`
}

// ChatMemory is one memory that informed a chat answer.
type ChatMemory struct {
	ID          string  `json:"id"`
	Description string  `json:"description"`
	ImageURL    string  `json:"image_url"`
	Similarity  float32 `json:"similarity"`
}

// ChatResponse is returned by POST /v1/memory/chat-with-memories.
type ChatResponse struct {
	Message          string       `json:"message"`
	RelevantMemories []ChatMemory `json:"relevant_memories"`
	Context          string       `json:"context"`
}

// UpdateRequest is the body of PATCH /v1/memory/memories/{id}.
type UpdateRequest struct {
	UserTags   *[]string `json:"user_tags"`
	UserNotes  *string   `json:"user_notes"`
	IsPrivate  *bool     `json:"is_private"`
	IsFavorite *bool     `json:"is_favorite"`
}

func toResponse(m storage.Memory) MemoryResponse {
	return MemoryResponse{Memory: m, ImageURL: "/v1/memory/image/" + m.ImageUUID}
}

func handleUpload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, deps.MaxUploadSize+maxRequestBodySize)
		defer r.Body.Close()

		if err := r.ParseMultipartForm(32 << 20); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
				httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "upload exceeds %d bytes", deps.MaxUploadSize)
				return
			}
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart form: %v", err)
			return
		}
		defer r.MultipartForm.RemoveAll()

		file, header, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "file is required")
			return
		}
		defer file.Close()

		if ct := header.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "image/") && ct != "application/octet-stream" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "file must be an image")
			return
		}
		data, err := io.ReadAll(file)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading file: %v", err)
			return
		}

		private, _ := strconv.ParseBool(r.FormValue("is_private"))
		res, err := deps.Memories.Upload(r.Context(), memory.UploadRequest{
			UserID:    userID(r),
			Filename:  header.Filename,
			Data:      data,
			UserTags:  splitTags(r.FormValue("user_tags")),
			UserNotes: r.FormValue("user_notes"),
			IsPrivate: private,
		})
		if err != nil {
			serviceError(w, "upload", err)
			return
		}

		writeJSON(w, http.StatusOK, res)
	}
}

func splitTags(s string) []string {
	tags := []string{}
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req SearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Limit > maxSearchLimit {
			req.Limit = maxSearchLimit
		}

		results, err := deps.Search.Search(r.Context(), retrieval.Query{
			UserID:         userID(r),
			Text:           req.Query,
			Limit:          req.Limit,
			IncludePrivate: req.IncludePrivate,
			Tags:           req.FilterTags,
			From:           req.DateFrom,
			To:             req.DateTo,
		})
		if err != nil {
			serviceError(w, "search", err)
			return
		}

		out := make([]MemoryResponse, len(results))
		for i, res := range results {
			score := res.Score
			out[i] = toResponse(res.Memory)
			out[i].SimilarityScore = &score
		}
		writeJSON(w, http.StatusOK, SearchResponse{Memories: out, TotalFound: len(out), Query: req.Query})
	}
}

func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Chat == nil {
			httpError(w, http.StatusNotImplemented, "unavailable", "chat is not configured")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ChatRequest
		if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
		} else {
			req.Message = r.FormValue("message")
		}

		answer, err := deps.Chat.Chat(r.Context(), userID(r), req.Message)
		if err != nil {
			serviceError(w, "chat", err)
			return
		}
		writeJSON(w, http.StatusOK, toChatResponse(answer))
	}
}

func toChatResponse(a retrieval.ChatAnswer) ChatResponse {
	out := ChatResponse{Message: a.Message, Context: a.Context, RelevantMemories: make([]ChatMemory, len(a.Memories))}
	for i, r := range a.Memories {
		out.RelevantMemories[i] = ChatMemory{
			ID:          r.Memory.ID,
			Description: r.Memory.AIDescription,
			ImageURL:    toResponse(r.Memory).ImageURL,
			Similarity:  r.Score,
		}
	}
	return out
}

func handleListMemories(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 50, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		list, err := deps.Memories.List(r.Context(), userID(r), limit, offset)
		if err != nil {
			serviceError(w, "memories", err)
			return
		}
		out := make([]MemoryResponse, len(list))
		for i, m := range list {
			out[i] = toResponse(m)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetMemory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := deps.Memories.Get(r.Context(), userID(r), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, "memory", err)
			return
		}
		writeJSON(w, http.StatusOK, toResponse(m))
	}
}

func handleUpdateMemory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req UpdateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		m, err := deps.Memories.Update(r.Context(), userID(r), chi.URLParam(r, "id"), storage.MemoryUpdate{
			UserTags:   req.UserTags,
			UserNotes:  req.UserNotes,
			IsPrivate:  req.IsPrivate,
			IsFavorite: req.IsFavorite,
		})
		if err != nil {
			serviceError(w, "memory", err)
			return
		}
		writeJSON(w, http.StatusOK, toResponse(m))
	}
}

func handleDeleteMemory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Memories.Delete(r.Context(), userID(r), chi.URLParam(r, "id")); err != nil {
			serviceError(w, "memory", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleImage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, contentType, err := deps.Memories.Image(r.Context(), chi.URLParam(r, "uuid"))
		if err != nil {
			serviceError(w, "image", err)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("Cache-Control", "private, max-age=3600")
		w.Write(data)
	}
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Memories.Stats(r.Context(), userID(r))
		if err != nil {
			serviceError(w, "stats", err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleMemoryJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Memories.JobProgress(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, "job", err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}
