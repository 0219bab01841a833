package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"genesis/internal/config"
	"genesis/internal/models"
	"genesis/internal/provider"
)

const (
	contentTypeJSON = "application/json"
	contentTypeSSE  = "text/event-stream"
	userAgent       = "genesis/0.1"
)

// Provider implements the Provider interface for OpenAI-compatible chat APIs such as DeepSeek.
// Reasoning models report their trace in a reasoning_content field next to content.
type Provider struct {
	name    string
	apiKey  string
	headers map[string]string
	client  *http.Client
	models  []models.Model
	chatURL string
	limiter *provider.Limiter
}

// New creates a new OpenAI-compatible provider.
func New(name string, cfg config.ProviderConfig, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	return &Provider{
		name:    name,
		apiKey:  cfg.APIKey,
		headers: cfg.Headers,
		client:  client,
		models:  provider.CatalogFromConfig(name, cfg),
		chatURL: baseURL + "/chat/completions",
		limiter: provider.NewLimiter(name, cfg.MaxConcurrent),
	}, nil
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) ListModels(ctx context.Context) ([]models.Model, error) {
	result := make([]models.Model, len(p.models))
	copy(result, p.models)
	return result, nil
}

func (p *Provider) Chat(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error) {
	release, err := p.limiter.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	timer := provider.StartTimer()
	payload, err := buildChatPayload(req, false)
	if err != nil {
		return nil, err
	}

	httpReq, err := p.newRequest(ctx, payload, contentTypeJSON)
	if err != nil {
		return nil, err
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, provider.TransportError(p.name, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return nil, provider.ParseAPIError(p.name, httpResp)
	}

	var providerResp chatResponse
	if err := decodeJSON(httpResp.Body, &providerResp); err != nil {
		return nil, err
	}

	resp, err := providerResp.toUnified(req.Model)
	if err != nil {
		return nil, err
	}
	timer.MarkFirst()
	timer.Stamp(&resp.Usage)
	return resp, nil
}

func (p *Provider) Stream(ctx context.Context, req models.ChatRequest, emit provider.Emitter) error {
	release, err := p.limiter.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	timer := provider.StartTimer()
	payload, err := buildChatPayload(req, true)
	if err != nil {
		return err
	}

	httpReq, err := p.newRequest(ctx, payload, contentTypeSSE)
	if err != nil {
		return err
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return provider.TransportError(p.name, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return provider.ParseAPIError(p.name, httpResp)
	}

	var (
		stats    = models.UsageStats{Model: req.Model}
		produced bool
		reader   = provider.NewSSEReader(httpResp.Body)
	)

	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return provider.TransportError(p.name, err)
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(event.Data), &chunk); err != nil {
			return fmt.Errorf("%s: decode stream chunk: %w", p.name, err)
		}
		if chunk.Error != nil {
			return &provider.Error{Provider: p.name, Message: chunk.Error.Message, Body: event.Data}
		}
		if chunk.Model != "" {
			stats.Model = chunk.Model
		}
		if chunk.Usage != nil {
			chunk.Usage.apply(&stats)
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.ReasoningContent != "" {
				timer.MarkFirst()
				produced = true
				if err := emit(models.ThinkingEvent(choice.Delta.ReasoningContent)); err != nil {
					return err
				}
			}
			if choice.Delta.Content != "" {
				timer.MarkFirst()
				produced = true
				if err := emit(models.TextEvent(choice.Delta.Content)); err != nil {
					return err
				}
			}
		}
	}

	if !produced {
		return fmt.Errorf("%s: %w", p.name, provider.ErrEmptyResponse)
	}

	timer.Stamp(&stats)
	return emit(models.MetaEvent(stats))
}

func (p *Provider) newRequest(ctx context.Context, payload any, accept string) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.chatURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

type chatPayload struct {
	Model         string          `json:"model"`
	Messages      []openAIMessage `json:"messages"`
	Stream        bool            `json:"stream"`
	StreamOptions *streamOptions  `json:"stream_options,omitempty"`
	MaxTokens     *int            `json:"max_tokens,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	Stop          []string        `json:"stop,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role             string `json:"role"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

func buildChatPayload(req models.ChatRequest, stream bool) (chatPayload, error) {
	if len(req.Messages) == 0 {
		return chatPayload{}, errors.New("chat request requires at least one message")
	}

	messages := make([]openAIMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, openAIMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	payload := chatPayload{
		Model:       req.Model,
		Messages:    messages,
		Stream:      stream,
		Temperature: req.Temperature,
	}
	if stream {
		payload.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	if v, ok := provider.ExtractInt(req.Options, provider.OptionMaxTokens); ok && v > 0 {
		payload.MaxTokens = &v
	}
	if v, ok := provider.ExtractFloat(req.Options, provider.OptionTopP); ok {
		payload.TopP = &v
	}
	if stop, ok := provider.ExtractStringSlice(req.Options, provider.OptionStop); ok {
		payload.Stop = stop
	}

	return payload, nil
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *usageBlock  `json:"usage,omitempty"`
}

type chatChoice struct {
	Index        int           `json:"index"`
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type usageBlock struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u usageBlock) apply(stats *models.UsageStats) {
	stats.PromptTokens = u.PromptTokens
	stats.CompletionTokens = u.CompletionTokens
	stats.TotalTokens = u.TotalTokens
	if stats.TotalTokens == 0 {
		stats.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	stats.Reported = true
}

func (r chatResponse) toUnified(requestedModel string) (*models.ChatResponse, error) {
	if len(r.Choices) == 0 {
		return nil, errors.New("openai response did not include choices")
	}

	choice := r.Choices[0]
	if choice.Message.Content == "" && choice.Message.ReasoningContent == "" {
		return nil, provider.ErrEmptyResponse
	}

	resp := &models.ChatResponse{
		Text:     choice.Message.Content,
		Thinking: choice.Message.ReasoningContent,
		Usage:    models.UsageStats{Model: requestedModel},
	}
	if r.Model != "" {
		resp.Usage.Model = r.Model
	}
	if r.Usage != nil {
		r.Usage.apply(&resp.Usage)
	}
	return resp, nil
}

type streamChunk struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []streamChoice `json:"choices"`
	Usage   *usageBlock    `json:"usage,omitempty"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type streamChoice struct {
	Index        int         `json:"index"`
	Delta        streamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type streamDelta struct {
	Role             string `json:"role,omitempty"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content"`
}

func decodeJSON(reader io.Reader, target any) error {
	decoder := json.NewDecoder(reader)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("decode provider response: %w", err)
	}
	return nil
}
