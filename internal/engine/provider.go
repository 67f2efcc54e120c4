package engine

import "fmt"

// Provider names accepted by New.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// Config selects and configures a backend.
type Config struct {
	Provider string
	BaseURL  string
	APIKey   string
}

// New returns the backend named by cfg.Provider. An empty provider selects Ollama.
func New(cfg Config) (Engine, error) {
	switch cfg.Provider {
	case "", ProviderOllama:
		return NewOllamaEngine(cfg.BaseURL), nil
	case ProviderOpenAI:
		return NewOpenAIEngine(cfg.BaseURL, cfg.APIKey), nil
	default:
		return nil, fmt.Errorf("unknown engine provider %q", cfg.Provider)
	}
}
