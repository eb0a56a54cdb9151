// Package llms implements the LLM gateway: one streaming abstraction
// (model.LLM) over the four wire dialects strand speaks — Anthropic
// Messages, OpenAI-compatible chat completions, Google Gemini SSE and
// Ollama NDJSON — plus the provider registry and token estimation.
//
// Dialect clients talk raw wire through the shared retrying HTTP client;
// no provider SDKs, so retry, cancellation and streaming behave uniformly
// across providers.
package llms

import (
	"fmt"
	"time"

	"github.com/kadirpekel/strand/pkg/httpclient"
	"github.com/kadirpekel/strand/pkg/model"
	"github.com/kadirpekel/strand/pkg/registry"
)

// APIType selects the wire dialect a provider speaks.
type APIType string

const (
	APITypeAnthropic APIType = "anthropic"
	APITypeOpenAI    APIType = "openai-compatible"
	APITypeGoogle    APIType = "google"
	APITypeOllama    APIType = "ollama"
)

// ProviderDefinition is metadata-only: it names a provider and how to
// reach it. Credentials are resolved separately.
type ProviderDefinition struct {
	ID           string  `yaml:"id" json:"id"`
	DisplayName  string  `yaml:"display_name" json:"display_name"`
	APIType      APIType `yaml:"api_type" json:"api_type"`
	BaseURL      string  `yaml:"base_url" json:"base_url"`
	DefaultModel string  `yaml:"default_model" json:"default_model"`
}

// Registry holds the static provider definitions plus any user-defined
// extensions from config.
type Registry struct {
	base *registry.BaseRegistry[ProviderDefinition]
}

// NewRegistry returns a registry seeded with the built-in providers.
func NewRegistry() *Registry {
	r := &Registry{base: registry.NewBaseRegistry[ProviderDefinition]()}
	for _, def := range []ProviderDefinition{
		{ID: "anthropic", DisplayName: "Anthropic", APIType: APITypeAnthropic,
			BaseURL: "https://api.anthropic.com", DefaultModel: "claude-sonnet-4-20250514"},
		{ID: "openai", DisplayName: "OpenAI", APIType: APITypeOpenAI,
			BaseURL: "https://api.openai.com/v1", DefaultModel: "gpt-4o"},
		{ID: "google", DisplayName: "Google Gemini", APIType: APITypeGoogle,
			BaseURL: "https://generativelanguage.googleapis.com", DefaultModel: "gemini-2.0-flash"},
		{ID: "ollama", DisplayName: "Ollama", APIType: APITypeOllama,
			BaseURL: "http://localhost:11434", DefaultModel: "llama3.2"},
	} {
		_ = r.base.Register(def.ID, def)
	}
	return r
}

// Register adds a user-defined provider. An empty APIType with a BaseURL
// defaults to openai-compatible, matching Resolve.
func (r *Registry) Register(def ProviderDefinition) error {
	if def.ID == "" {
		return fmt.Errorf("provider id cannot be empty")
	}
	if def.APIType == "" {
		if def.BaseURL == "" {
			return fmt.Errorf("provider %q: api_type or base_url required", def.ID)
		}
		def.APIType = APITypeOpenAI
	}
	switch def.APIType {
	case APITypeAnthropic, APITypeOpenAI, APITypeGoogle, APITypeOllama:
	default:
		return fmt.Errorf("provider %q: unknown api_type %q", def.ID, def.APIType)
	}
	return r.base.Register(def.ID, def)
}

// Resolve is the single resolution function for provider ids. Unknown
// ids carrying a baseURL resolve to an ad-hoc openai-compatible
// definition; unknown ids without one are an error.
func (r *Registry) Resolve(id, baseURL string) (ProviderDefinition, error) {
	if def, ok := r.base.Get(id); ok {
		if baseURL != "" {
			def.BaseURL = baseURL
		}
		return def, nil
	}
	if baseURL != "" {
		return ProviderDefinition{
			ID:          id,
			DisplayName: id,
			APIType:     APITypeOpenAI,
			BaseURL:     baseURL,
		}, nil
	}
	return ProviderDefinition{}, fmt.Errorf("unknown provider %q and no base_url to fall back on", id)
}

// IDs lists registered provider ids in registration order.
func (r *Registry) IDs() []string {
	return r.base.Names()
}

// ClientConfig carries everything a dialect client needs beyond the
// provider definition.
type ClientConfig struct {
	Model  string
	APIKey string

	// Retry knobs forwarded to the shared HTTP client; zero values take
	// the httpclient defaults.
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryWindow      time.Duration
	RetryMaxAttempts int

	// OnRetry observes each scheduled retry, letting the caller surface
	// retry attempts as stream events.
	OnRetry httpclient.OnRetry
}

func (c ClientConfig) httpClient() *httpclient.Client {
	var opts []httpclient.Option
	if c.RetryBaseDelay > 0 {
		opts = append(opts, httpclient.WithBaseDelay(c.RetryBaseDelay))
	}
	if c.RetryMaxDelay > 0 {
		opts = append(opts, httpclient.WithMaxDelay(c.RetryMaxDelay))
	}
	if c.RetryWindow > 0 {
		opts = append(opts, httpclient.WithRetryWindow(c.RetryWindow))
	}
	if c.RetryMaxAttempts > 0 {
		opts = append(opts, httpclient.WithMaxAttempts(c.RetryMaxAttempts))
	}
	if c.OnRetry != nil {
		opts = append(opts, httpclient.WithOnRetry(c.OnRetry))
	}
	return httpclient.New(opts...)
}

// NewClient builds the dialect client for a resolved provider.
func NewClient(def ProviderDefinition, cfg ClientConfig) (model.LLM, error) {
	if cfg.Model == "" {
		cfg.Model = def.DefaultModel
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("provider %q: no model configured and no default", def.ID)
	}
	switch def.APIType {
	case APITypeAnthropic:
		return NewAnthropicClient(def.BaseURL, cfg), nil
	case APITypeOpenAI:
		return NewOpenAIClient(def.BaseURL, cfg), nil
	case APITypeGoogle:
		return NewGeminiClient(def.BaseURL, cfg), nil
	case APITypeOllama:
		return NewOllamaClient(def.BaseURL, cfg), nil
	default:
		return nil, fmt.Errorf("unsupported api_type %q", def.APIType)
	}
}
