// Package engine abstracts the inference backend that describes images and
// embeds text.
package engine

import "context"

// Engine abstracts an inference backend (Ollama or any OpenAI-compatible
// server). The memory pipeline and search depend on this interface instead of
// a concrete client.
type Engine interface {
	// Chat sends messages to the given model and returns the assistant's response.
	// Messages may carry images for vision models. When jsonSchema is non-nil,
	// structured JSON output is requested.
	Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error)

	// Embed returns the embedding vector for the given text using the specified model.
	Embed(ctx context.Context, model string, text string) ([]float32, error)

	// IsRunning reports whether the inference backend is reachable.
	IsRunning(ctx context.Context) bool

	// ListModels returns the names of all available models.
	ListModels(ctx context.Context) ([]string, error)

	// HasModel reports whether the given model name is available.
	HasModel(ctx context.Context, name string) bool

	// PullModel downloads a model. The optional callback receives progress updates.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}
