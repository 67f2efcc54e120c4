package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OllamaEngine talks to an Ollama server over its HTTP API.
type OllamaEngine struct {
	baseURL    string
	httpClient *http.Client
}

// NewOllamaEngine creates an OllamaEngine backed by an Ollama server at baseURL.
// Requests are bounded by their context only; vision calls on CPU can take minutes.
func NewOllamaEngine(baseURL string) *OllamaEngine {
	return &OllamaEngine{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   *Schema         `json:"format,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
}

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// ollamaPullLine is one line of the streamed /api/pull response. A failed pull
// ends with a line carrying only Error.
type ollamaPullLine struct {
	PullProgress
	Error string `json:"error,omitempty"`
}

// Chat sends messages to model. Attached images are base64 encoded as Ollama
// expects; a non-nil jsonSchema is passed as the structured output format.
func (e *OllamaEngine) Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error) {
	req := ollamaChatRequest{Model: model, Format: jsonSchema}
	for _, m := range messages {
		om := ollamaMessage{Role: m.Role, Content: m.Content}
		for _, img := range m.Images {
			om.Images = append(om.Images, base64.StdEncoding.EncodeToString(img))
		}
		req.Messages = append(req.Messages, om)
	}

	var resp ollamaChatResponse
	if err := e.call(ctx, http.MethodPost, "/api/chat", req, &resp); err != nil {
		return "", fmt.Errorf("chat with %s: %w", model, err)
	}
	return resp.Message.Content, nil
}

func (e *OllamaEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	var resp ollamaEmbedResponse
	if err := e.call(ctx, http.MethodPost, "/api/embed", ollamaEmbedRequest{Model: model, Input: text}, &resp); err != nil {
		return nil, fmt.Errorf("embed with %s: %w", model, err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("embed with %s: no embeddings returned", model)
	}
	return resp.Embeddings[0], nil
}

func (e *OllamaEngine) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return e.call(ctx, http.MethodGet, "/api/tags", nil, nil) == nil
}

func (e *OllamaEngine) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var tags ollamaTagsResponse
	if err := e.call(ctx, http.MethodGet, "/api/tags", nil, &tags); err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// HasModel matches name with or without a tag, so "llava" finds "llava:latest".
func (e *OllamaEngine) HasModel(ctx context.Context, name string) bool {
	models, err := e.ListModels(ctx)
	if err != nil {
		return false
	}
	for _, m := range models {
		if m == name || strings.HasPrefix(m, name+":") {
			return true
		}
	}
	return false
}

// PullModel streams a model download, reporting each progress line to
// onProgress when it is non-nil.
func (e *OllamaEngine) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	resp, err := e.send(ctx, http.MethodPost, "/api/pull", map[string]any{"name": name, "stream": true})
	if err != nil {
		return fmt.Errorf("pulling %s: %w", name, err)
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	for {
		var line ollamaPullLine
		err := dec.Decode(&line)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("pulling %s: reading progress: %w", name, err)
		}
		if line.Error != "" {
			return fmt.Errorf("pulling %s: %s", name, line.Error)
		}
		if onProgress != nil {
			onProgress(line.PullProgress)
		}
	}
}

// call sends body as JSON and decodes the response into out when out is non-nil.
func (e *OllamaEngine) call(ctx context.Context, method, path string, body, out any) error {
	resp, err := e.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// send performs the request and turns non-200 replies into errors carrying
// Ollama's own message. The caller closes the body on success.
func (e *OllamaEngine) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer resp.Body.Close()

	var apiErr struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
		return nil, fmt.Errorf("ollama: %s (status %d)", apiErr.Error, resp.StatusCode)
	}
	return nil, fmt.Errorf("ollama: unexpected status %d", resp.StatusCode)
}
