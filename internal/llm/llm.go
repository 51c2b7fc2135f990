package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pavelanni/studycoach/internal/config"
)

// systemPrompt frames every study-plan request.
const systemPrompt = "You are an expert educational advisor specializing in personalized study plans."

// defaultTimeout bounds a single provider call. Large plans take a while.
const defaultTimeout = 3 * time.Minute

// Provider is one text-generation backend. Implementations report retryable
// failures as *TransientError and everything else as plain errors.
type Provider interface {
	Name() string
	Generate(ctx context.Context, prompt string) (string, error)
}

// NewProvider creates the provider selected by cfg.
func NewProvider(ctx context.Context, cfg config.LLM) (Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	model := cfg.Model
	if model == "" {
		model = config.DefaultModel(cfg.Provider)
	}
	httpClient := &http.Client{Timeout: defaultTimeout}

	switch cfg.Provider {
	case config.ProviderOpenAI:
		return NewOpenAI(cfg.BaseURL, cfg.APIKey, model, cfg.MaxTokens, httpClient), nil
	case config.ProviderAnthropic:
		return NewAnthropic(cfg.BaseURL, cfg.APIKey, model, cfg.MaxTokens, httpClient), nil
	case config.ProviderGemini:
		return NewGemini(ctx, cfg.BaseURL, cfg.APIKey, model, cfg.MaxTokens, httpClient)
	default:
		return nil, &config.ConfigurationError{Problems: map[string]string{
			"provider": fmt.Sprintf("unsupported provider %q", cfg.Provider),
		}}
	}
}
