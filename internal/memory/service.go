// Package memory implements image memories: upload, the asynchronous
// processing pipeline and the user-facing record operations.
package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/google/uuid"

	// Decoders for every accepted upload format.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/kalambet/eyemem/internal/blob"
	"github.com/kalambet/eyemem/internal/jobs"
	"github.com/kalambet/eyemem/internal/metrics"
	"github.com/kalambet/eyemem/internal/storage"
)

// JobType is the job type handled by Processor.
const JobType = "memory_processing"

// DefaultMaxImageSize is the upload limit when none is configured.
const DefaultMaxImageSize = 10 << 20

var (
	// ErrInvalidImage is returned for uploads that are not a decodable image
	// in an accepted format.
	ErrInvalidImage = errors.New("invalid image")
	// ErrImageTooLarge is returned for uploads over the size limit.
	ErrImageTooLarge = errors.New("image too large")
)

var supportedFormats = map[string]bool{
	"jpeg": true,
	"png":  true,
	"gif":  true,
	"bmp":  true,
	"tiff": true,
	"webp": true,
}

// Store is the subset of the record store the service uses.
type Store interface {
	CreateMemory(ctx context.Context, m storage.Memory) error
	GetMemoryForUser(ctx context.Context, userID, id string) (storage.Memory, error)
	GetMemoryByImageUUID(ctx context.Context, imageUUID string) (storage.Memory, error)
	ListMemories(ctx context.Context, userID string, limit, offset int) ([]storage.Memory, error)
	UpdateMemory(ctx context.Context, userID, id string, u storage.MemoryUpdate) (storage.Memory, error)
	DeleteMemory(ctx context.Context, userID, id string) error
	FailProcessing(ctx context.Context, id, reason string) error
	Stats(ctx context.Context, userID string) (storage.MemoryStats, error)
}

// Enqueuer submits jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload any) (jobs.Envelope, error)
}

// JobReader reads job status records.
type JobReader interface {
	Get(ctx context.Context, id string) (jobs.Record, error)
}

// ProcessingPayload is the payload of a memory_processing job.
type ProcessingPayload struct {
	MemoryID  string `json:"memory_id"`
	ImageUUID string `json:"image_uuid"`
	// ImageData carries small images inline so the worker can skip the blob
	// fetch. Empty means read the blob.
	ImageData []byte   `json:"image_data,omitempty"`
	UserTags  []string `json:"user_tags,omitempty"`
	UserNotes string   `json:"user_notes,omitempty"`
}

// UploadRequest is one image upload.
type UploadRequest struct {
	UserID    string
	Filename  string
	Data      []byte
	UserTags  []string
	UserNotes string
	IsPrivate bool
}

// UploadResult is returned as soon as the upload is queued.
type UploadResult struct {
	MemoryID  string `json:"memory_id"`
	ImageUUID string `json:"image_uuid"`
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

// JobStatus is the memory-flavoured view of a job record.
type JobStatus struct {
	JobID       string     `json:"job_id"`
	Status      string     `json:"status"`
	Progress    int        `json:"progress"`
	Message     string     `json:"message"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Options configures a Service.
type Options struct {
	MaxImageSize int64
	// InlineMaxBytes is the largest image copied into the job payload.
	InlineMaxBytes int
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

// Service implements the memory operations behind the API.
type Service struct {
	store  Store
	blobs  blob.Store
	queue  Enqueuer
	jobs   JobReader
	opts   Options
	logger *slog.Logger
}

// NewService creates a Service.
func NewService(store Store, blobs blob.Store, queue Enqueuer, jobs JobReader, opts Options) *Service {
	if opts.MaxImageSize <= 0 {
		opts.MaxImageSize = DefaultMaxImageSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, blobs: blobs, queue: queue, jobs: jobs, opts: opts, logger: logger}
}

// Upload validates the image, stores it, creates a pending record and
// enqueues processing. Processing happens asynchronously.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (UploadResult, error) {
	if req.UserID == "" {
		return UploadResult{}, errors.New("user id is required")
	}
	if int64(len(req.Data)) > s.opts.MaxImageSize {
		return UploadResult{}, fmt.Errorf("%w: %d bytes exceeds the %d byte limit", ErrImageTooLarge, len(req.Data), s.opts.MaxImageSize)
	}
	format, err := detectFormat(req.Data)
	if err != nil {
		return UploadResult{}, err
	}

	memoryID := uuid.NewString()
	imageUUID := uuid.NewString()
	contentType := "image/" + format
	key := fmt.Sprintf("memories/%s/%s.%s", req.UserID, imageUUID, format)

	if err := s.blobs.Put(ctx, key, req.Data, contentType); err != nil {
		return UploadResult{}, fmt.Errorf("storing image: %w", err)
	}

	tags := req.UserTags
	if tags == nil {
		tags = []string{}
	}
	err = s.store.CreateMemory(ctx, storage.Memory{
		ID:               memoryID,
		UserID:           req.UserID,
		ImageUUID:        imageUUID,
		BlobRef:          key,
		OriginalFilename: req.Filename,
		ContentType:      contentType,
		FileSize:         int64(len(req.Data)),
		ProcessingStatus: storage.StatusPending,
		UserTags:         tags,
		UserNotes:        req.UserNotes,
		IsPrivate:        req.IsPrivate,
	})
	if err != nil {
		if derr := s.blobs.Delete(ctx, key); derr != nil {
			s.logger.Warn("removing image after failed insert", "key", key, "error", derr)
		}
		return UploadResult{}, fmt.Errorf("creating memory record: %w", err)
	}

	payload := ProcessingPayload{
		MemoryID:  memoryID,
		ImageUUID: imageUUID,
		UserTags:  tags,
		UserNotes: req.UserNotes,
	}
	if len(req.Data) <= s.opts.InlineMaxBytes {
		payload.ImageData = req.Data
	}
	env, err := s.queue.Enqueue(ctx, JobType, payload)
	if err != nil {
		if ferr := s.store.FailProcessing(context.WithoutCancel(ctx), memoryID, "enqueue failed: "+err.Error()); ferr != nil {
			s.logger.Error("marking memory failed after enqueue error", "memory_id", memoryID, "error", ferr)
		}
		return UploadResult{}, fmt.Errorf("enqueueing processing: %w", err)
	}
	s.opts.Metrics.JobEnqueued(JobType)

	s.logger.Info("memory uploaded", "memory_id", memoryID, "job_id", env.ID, "bytes", len(req.Data), "format", format)
	return UploadResult{
		MemoryID:  memoryID,
		ImageUUID: imageUUID,
		JobID:     env.ID,
		Status:    "queued",
		Message:   fmt.Sprintf("Memory uploaded successfully and queued for processing (Job ID: %s)", env.ID),
	}, nil
}

func detectFormat(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty upload", ErrInvalidImage)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if !supportedFormats[format] {
		return "", fmt.Errorf("%w: unsupported format %s", ErrInvalidImage, format)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return "", fmt.Errorf("%w: empty dimensions", ErrInvalidImage)
	}
	return format, nil
}

// Get returns one of the user's memories.
func (s *Service) Get(ctx context.Context, userID, id string) (storage.Memory, error) {
	return s.store.GetMemoryForUser(ctx, userID, id)
}

// List returns the user's memories, newest first.
func (s *Service) List(ctx context.Context, userID string, limit, offset int) ([]storage.Memory, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListMemories(ctx, userID, limit, offset)
}

// Image returns the stored image and its content type.
func (s *Service) Image(ctx context.Context, imageUUID string) ([]byte, string, error) {
	m, err := s.store.GetMemoryByImageUUID(ctx, imageUUID)
	if err != nil {
		return nil, "", err
	}
	data, err := s.blobs.Get(ctx, m.BlobRef)
	if err != nil {
		return nil, "", fmt.Errorf("reading image %s: %w", imageUUID, err)
	}
	return data, m.ContentType, nil
}

// Update applies user edits.
func (s *Service) Update(ctx context.Context, userID, id string, u storage.MemoryUpdate) (storage.Memory, error) {
	return s.store.UpdateMemory(ctx, userID, id, u)
}

// Delete removes the record and its image. The vector stays in the index;
// search drops it because no record owns the position any more.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	m, err := s.store.GetMemoryForUser(ctx, userID, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteMemory(ctx, userID, id); err != nil {
		return err
	}
	if err := s.blobs.Delete(ctx, m.BlobRef); err != nil {
		s.logger.Warn("deleting image blob", "memory_id", id, "key", m.BlobRef, "error", err)
	}
	s.logger.Info("memory deleted", "memory_id", id)
	return nil
}

// Stats summarizes the user's memories.
func (s *Service) Stats(ctx context.Context, userID string) (storage.MemoryStats, error) {
	return s.store.Stats(ctx, userID)
}

// JobProgress reports a processing job with a coarse progress figure.
func (s *Service) JobProgress(ctx context.Context, jobID string) (JobStatus, error) {
	rec, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return JobStatus{}, err
	}
	st := JobStatus{
		JobID:       rec.ID,
		CreatedAt:   rec.CreatedAt,
		CompletedAt: rec.FinishedAt,
		Error:       rec.Error,
	}
	switch rec.Status {
	case jobs.StatusQueued:
		st.Status, st.Progress = "queued", 10
	case jobs.StatusRunning:
		st.Status, st.Progress = "processing", 50
	case jobs.StatusSucceeded:
		st.Status, st.Progress = "completed", 100
	case jobs.StatusFailed:
		st.Status, st.Progress = "failed", 0
	default:
		st.Status = string(rec.Status)
	}
	st.Message = "Job " + st.Status
	return st, nil
}
