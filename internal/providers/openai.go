package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAIProvider implements Provider for OpenAI-compatible APIs
// (OpenAI, Groq, OpenRouter, DeepSeek, vLLM, etc.)
type OpenAIProvider struct {
	name         string
	apiKey       string
	apiBase      string
	defaultModel string
	models       map[string]struct{}
	client       *http.Client
}

// NewOpenAIProvider creates a provider against an OpenAI-compatible endpoint.
// models lists the ids the provider serves; an empty list accepts any id.
func NewOpenAIProvider(name, apiKey, apiBase, defaultModel string, models []string) *OpenAIProvider {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	apiBase = strings.TrimRight(apiBase, "/")

	known := make(map[string]struct{}, len(models))
	for _, m := range models {
		known[m] = struct{}{}
	}

	return &OpenAIProvider{
		name:         name,
		apiKey:       apiKey,
		apiBase:      apiBase,
		defaultModel: defaultModel,
		models:       known,
		client:       &http.Client{Timeout: 120 * time.Second},
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

// HasModel reports whether the model id is served by this provider.
func (p *OpenAIProvider) HasModel(model string) bool {
	if len(p.models) == 0 {
		return true
	}
	_, ok := p.models[model]
	return ok
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Model string `json:"model"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	msgs := make([]openAIMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openAIMessage{Role: m.Role, Content: m.Content})
	}

	payload, err := json.Marshal(openAIRequest{
		Model:       model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s: status %d: %s", p.name, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var oai openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&oai); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", p.name, err)
	}
	if oai.Error != nil {
		return nil, fmt.Errorf("%s: %s", p.name, oai.Error.Message)
	}
	if len(oai.Choices) == 0 {
		return nil, fmt.Errorf("%s: empty choices", p.name)
	}

	return &ChatResponse{
		Content:      oai.Choices[0].Message.Content,
		InputTokens:  oai.Usage.PromptTokens,
		OutputTokens: oai.Usage.CompletionTokens,
		Model:        oai.Model,
	}, nil
}
