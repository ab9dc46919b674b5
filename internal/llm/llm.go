// Package llm talks to chat-completion language models.
package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/TobiSchelling/trizwire/internal/logging"
)

// Message roles.
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// System builds a system message.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User builds a user message.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Provider is the interface for LLM providers.
type Provider interface {
	Chat(ctx context.Context, messages []Message, temperature float64) (string, error)
	IsConfigured() bool
}

// ErrNotConfigured is returned when a provider lacks credentials.
var ErrNotConfigured = errors.New("llm provider not configured")

// APIError is a non-2xx answer from a model endpoint.
type APIError struct {
	Provider string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	return fmt.Sprintf("%s API returned %d: %s", e.Provider, e.Status, body)
}

const defaultTimeout = 120 * time.Second

// OllamaProvider is a local Ollama LLM provider.
type OllamaProvider struct {
	Model   string
	BaseURL string
	client  *resty.Client
}

// NewOllamaProvider creates a new Ollama provider.
func NewOllamaProvider(model, baseURL string) *OllamaProvider {
	return &OllamaProvider{
		Model:   model,
		BaseURL: strings.TrimRight(baseURL, "/"),
		client:  resty.New().SetTimeout(defaultTimeout),
	}
}

// IsConfigured checks if Ollama is running and the model is available.
func (o *OllamaProvider) IsConfigured() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	res, err := o.client.R().SetContext(ctx).SetResult(&tags).Get(o.BaseURL + "/api/tags")
	if err != nil || res.IsError() {
		return false
	}

	modelBase := strings.SplitN(o.Model, ":", 2)[0]
	for _, m := range tags.Models {
		if strings.Contains(m.Name, modelBase) {
			return true
		}
	}
	return false
}

// Chat sends messages to Ollama and returns the reply.
func (o *OllamaProvider) Chat(ctx context.Context, messages []Message, temperature float64) (string, error) {
	body := map[string]any{
		"model":    o.Model,
		"messages": messages,
		"stream":   false,
		"options": map[string]any{
			"temperature": temperature,
		},
	}

	var result struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	res, err := o.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post(o.BaseURL + "/api/chat")
	if err != nil {
		return "", errors.Wrap(err, "ollama request")
	}
	if res.IsError() {
		return "", &APIError{Provider: "ollama", Status: res.StatusCode(), Body: res.String()}
	}
	return result.Message.Content, nil
}

// OpenAIProvider speaks the OpenAI chat-completions protocol. DeepSeek and
// other compatible services only differ in BaseURL.
type OpenAIProvider struct {
	Name      string
	Model     string
	BaseURL   string
	APIKey    string
	MaxTokens int
	client    *resty.Client
}

// NewOpenAIProvider creates a provider reading its key from apiKeyEnv.
func NewOpenAIProvider(name, model, baseURL, apiKeyEnv string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		Name:    name,
		Model:   model,
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  os.Getenv(apiKeyEnv),
		client:  resty.New().SetTimeout(defaultTimeout),
	}
}

// IsConfigured checks if the API key is set.
func (o *OpenAIProvider) IsConfigured() bool {
	return o.APIKey != ""
}

// Chat sends messages and returns the first choice.
func (o *OpenAIProvider) Chat(ctx context.Context, messages []Message, temperature float64) (string, error) {
	if o.APIKey == "" {
		return "", errors.Wrapf(ErrNotConfigured, "%s API key", o.Name)
	}

	body := map[string]any{
		"model":       o.Model,
		"messages":    messages,
		"temperature": temperature,
	}
	if o.MaxTokens > 0 {
		body["max_tokens"] = o.MaxTokens
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	res, err := o.client.R().
		SetContext(ctx).
		SetAuthToken(o.APIKey).
		SetBody(body).
		SetResult(&result).
		Post(o.BaseURL + "/chat/completions")
	if err != nil {
		return "", errors.Wrapf(err, "%s request", o.Name)
	}
	if res.IsError() {
		return "", &APIError{Provider: o.Name, Status: res.StatusCode(), Body: res.String()}
	}
	if len(result.Choices) == 0 {
		return "", errors.Newf("no choices in %s response", o.Name)
	}
	return result.Choices[0].Message.Content, nil
}

// Settings selects and configures one provider.
type Settings struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url"`
	APIKeyEnv   string  `yaml:"api_key_env"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	// RequestsPerMinute paces calls; zero disables pacing.
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
}

// CreateProvider builds the provider named in s. It returns nil when the
// provider cannot be used.
func CreateProvider(s Settings, logger *zap.SugaredLogger) Provider {
	log := logging.OrNop(logger)
	switch strings.ToLower(s.Provider) {
	case "ollama":
		p := NewOllamaProvider(s.Model, s.BaseURL)
		if p.IsConfigured() {
			log.Infow("Using Ollama", "model", s.Model)
			return p
		}
		log.Warnw("Ollama not available", "base_url", s.BaseURL, "model", s.Model)
		return nil
	default:
		name := strings.ToLower(s.Provider)
		if name == "" {
			name = "openai"
		}
		p := NewOpenAIProvider(name, s.Model, s.BaseURL, s.APIKeyEnv)
		p.MaxTokens = s.MaxTokens
		if p.IsConfigured() {
			log.Infow("Using chat-completions provider", "provider", name, "model", s.Model)
			return p
		}
		log.Warnw("No API key for provider", "provider", name, "env", s.APIKeyEnv)
		return nil
	}
}
