package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrVectorAssigned is returned when a memory already owns an index position.
// vector_index_id is written once and never reassigned.
var ErrVectorAssigned = errors.New("vector index id already assigned")

// ProcessingStatus is the lifecycle state of a memory record.
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

// Memory is one uploaded image and everything the pipeline learned about it.
type Memory struct {
	ID                 string           `json:"id"`
	UserID             string           `json:"user_id"`
	ImageUUID          string           `json:"image_uuid"`
	BlobRef            string           `json:"blob_ref"`
	OriginalFilename   string           `json:"original_filename,omitempty"`
	ContentType        string           `json:"content_type,omitempty"`
	FileSize           int64            `json:"file_size"`
	ProcessingStatus   ProcessingStatus `json:"processing_status"`
	ProcessingError    string           `json:"processing_error,omitempty"`
	ProcessedAt        *time.Time       `json:"processed_at,omitempty"`
	AIDescription      string           `json:"ai_description,omitempty"`
	EmbeddingModel     string           `json:"embedding_model,omitempty"`
	EmbeddingDimension int              `json:"embedding_dimension,omitempty"`
	VectorIndexID      *int             `json:"vector_index_id,omitempty"`
	UserTags           []string         `json:"user_tags"`
	UserNotes          string           `json:"user_notes,omitempty"`
	IsPrivate          bool             `json:"is_private"`
	IsFavorite         bool             `json:"is_favorite"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// Completion carries the results written when processing succeeds.
type Completion struct {
	Description        string
	EmbeddingModel     string
	EmbeddingDimension int
	VectorIndexID      int
	ProcessedAt        time.Time
}

// MemoryUpdate holds user-editable fields. Nil fields are left unchanged.
type MemoryUpdate struct {
	UserTags   *[]string
	UserNotes  *string
	IsPrivate  *bool
	IsFavorite *bool
}

// MemoryStats summarizes one user's memories.
type MemoryStats struct {
	TotalMemories       int   `json:"total_memories"`
	TotalSizeBytes      int64 `json:"total_size_bytes"`
	ProcessingPending   int   `json:"processing_pending"`
	ProcessingActive    int   `json:"processing_active"`
	ProcessingCompleted int   `json:"processing_completed"`
	ProcessingFailed    int   `json:"processing_failed"`
}
