package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/liushuangls/go-anthropic/v2"
	openai "github.com/sashabaranov/go-openai"
)

// Provider IDs accepted in configuration.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
)

// Config selects and parameterizes a provider.
type Config struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	// BaseURL overrides the endpoint (OpenAI-compatible gateways,
	// remote Ollama).
	BaseURL string `yaml:"base_url,omitempty"`
	APIKey  string `yaml:"-"`
}

// New builds the configured provider.
func New(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case ProviderAnthropic:
		return newAnthropic(cfg), nil
	case ProviderOpenAI:
		return newOpenAI(cfg), nil
	case ProviderOllama:
		return newOllama(cfg), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// ---------------------------------------------------------------------------
// Anthropic
// ---------------------------------------------------------------------------

type anthropicProvider struct {
	client *anthropic.Client
	model  string
}

func newAnthropic(cfg Config) *anthropicProvider {
	var opts []anthropic.ClientOption
	if cfg.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = string(anthropic.ModelClaude3Dot5SonnetLatest)
	}
	return &anthropicProvider{
		client: anthropic.NewClient(cfg.APIKey, opts...),
		model:  model,
	}
}

func (p *anthropicProvider) Name() string { return ProviderAnthropic }

func (p *anthropicProvider) Translate(ctx context.Context, batch []Request) ([]string, error) {
	resp, err := p.client.CreateMessages(ctx, anthropic.MessagesRequest{
		Model:  anthropic.Model(p.model),
		System: systemPrompt,
		Messages: []anthropic.Message{
			anthropic.NewUserTextMessage(buildPrompt(batch)),
		},
		MaxTokens: 8192,
	})
	if err != nil {
		return nil, classifyAnthropic(err)
	}
	if len(resp.Content) == 0 {
		return nil, fatal(ProviderAnthropic, errors.New("empty response"))
	}
	return parseResponse(ProviderAnthropic, resp.Content[0].GetText(), len(batch))
}

func classifyAnthropic(err error) error {
	var apiErr *anthropic.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.IsRateLimitErr():
			return rateLimited(ProviderAnthropic, err)
		case apiErr.IsOverloadedErr():
			return rateLimited(ProviderAnthropic, err)
		}
		return fatal(ProviderAnthropic, err)
	}
	return fatal(ProviderAnthropic, err)
}

// ---------------------------------------------------------------------------
// OpenAI-compatible
// ---------------------------------------------------------------------------

type openaiProvider struct {
	client *openai.Client
	model  string
}

func newOpenAI(cfg Config) *openaiProvider {
	conf := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		conf.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4o
	}
	return &openaiProvider{client: openai.NewClientWithConfig(conf), model: model}
}

func (p *openaiProvider) Name() string { return ProviderOpenAI }

func (p *openaiProvider) Translate(ctx context.Context, batch []Request) ([]string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildPrompt(batch)},
		},
	})
	if err != nil {
		return nil, classifyOpenAI(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fatal(ProviderOpenAI, errors.New("no choices in response"))
	}
	return parseResponse(ProviderOpenAI, resp.Choices[0].Message.Content, len(batch))
}

func classifyOpenAI(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusTooManyRequests:
			if strings.Contains(strings.ToLower(apiErr.Message), "quota") {
				return quotaExceeded(ProviderOpenAI, err)
			}
			return rateLimited(ProviderOpenAI, err)
		case http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return timedOut(ProviderOpenAI, err)
		}
		return fatal(ProviderOpenAI, err)
	}
	return fatal(ProviderOpenAI, err)
}

// ---------------------------------------------------------------------------
// Ollama (local, plain HTTP, no SDK)
// ---------------------------------------------------------------------------

type ollamaProvider struct {
	baseURL string
	model   string
	client  *http.Client
}

func newOllama(cfg Config) *ollamaProvider {
	base := cfg.BaseURL
	if base == "" {
		base = "http://localhost:11434"
	}
	model := cfg.Model
	if model == "" {
		model = "llama3.2"
	}
	return &ollamaProvider{
		baseURL: strings.TrimRight(base, "/"),
		model:   model,
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

func (p *ollamaProvider) Name() string { return ProviderOllama }

type ollamaRequest struct {
	Model  string `json:"model"`
	System string `json:"system"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

func (p *ollamaProvider) Translate(ctx context.Context, batch []Request) ([]string, error) {
	body, err := json.Marshal(ollamaRequest{
		Model:  p.model,
		System: systemPrompt,
		Prompt: buildPrompt(batch),
	})
	if err != nil {
		return nil, fatal(ProviderOllama, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fatal(ProviderOllama, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, timedOut(ProviderOllama, err)
		}
		return nil, fatal(ProviderOllama, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fatal(ProviderOllama, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, rateLimited(ProviderOllama, fmt.Errorf("status 429: %s", respBody))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fatal(ProviderOllama,
			fmt.Errorf("status %d: %s", resp.StatusCode, respBody))
	}

	var out ollamaResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fatal(ProviderOllama, err)
	}
	if out.Error != "" {
		return nil, fatal(ProviderOllama, errors.New(out.Error))
	}
	return parseResponse(ProviderOllama, out.Response, len(batch))
}
