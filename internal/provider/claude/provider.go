package claude

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
	apiVersion      = "2023-06-01"

	// minThinkingBudget is the smallest extended-thinking budget the Messages API accepts.
	minThinkingBudget = 1024
)

// Provider implements Anthropic Claude API interactions.
type Provider struct {
	name      string
	apiKey    string
	headers   map[string]string
	client    *http.Client
	models    []models.Model
	messages  string
	maxTokens int
	limiter   *provider.Limiter
}

// New constructs a Claude provider instance.
func New(name string, cfg config.ProviderConfig, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}
	if cfg.MaxTokens <= 0 {
		return nil, errors.New("claude provider requires a positive max_tokens value")
	}

	return &Provider{
		name:      name,
		apiKey:    cfg.APIKey,
		headers:   cfg.Headers,
		client:    client,
		models:    provider.CatalogFromConfig(name, cfg),
		messages:  baseURL + "/v1/messages",
		maxTokens: cfg.MaxTokens,
		limiter:   provider.NewLimiter(name, cfg.MaxConcurrent),
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
	payload, err := buildMessagePayload(req, p.maxTokens, false)
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

	var providerResp messageResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&providerResp); err != nil {
		return nil, fmt.Errorf("decode provider response: %w", err)
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
	payload, err := buildMessagePayload(req, p.maxTokens, true)
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
		stats     = models.UsageStats{Model: req.Model}
		produced  bool
		sawOutput bool
		reader    = provider.NewSSEReader(httpResp.Body)
	)

read:
	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return provider.TransportError(p.name, err)
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(event.Data), &ev); err != nil {
			return fmt.Errorf("%s: decode stream event: %w", p.name, err)
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				if ev.Message.Model != "" {
					stats.Model = ev.Message.Model
				}
				stats.PromptTokens = ev.Message.Usage.InputTokens
			}
		case "content_block_delta":
			if ev.Delta == nil {
				continue
			}
			var out models.StreamEvent
			switch ev.Delta.Type {
			case "thinking_delta":
				out = models.ThinkingEvent(ev.Delta.Thinking)
			case "text_delta":
				out = models.TextEvent(ev.Delta.Text)
			default:
				continue
			}
			if out.Token == "" {
				continue
			}
			timer.MarkFirst()
			produced = true
			if err := emit(out); err != nil {
				return err
			}
		case "message_delta":
			if ev.Usage != nil {
				stats.CompletionTokens = ev.Usage.OutputTokens
				sawOutput = true
			}
		case "message_stop":
			break read
		case "error":
			apiErr := &provider.Error{Provider: p.name, Body: event.Data}
			if ev.Error != nil {
				apiErr.Message = fmt.Sprintf("%s: %s", ev.Error.Type, ev.Error.Message)
			}
			return apiErr
		}
	}

	if !produced {
		return fmt.Errorf("%s: %w", p.name, provider.ErrEmptyResponse)
	}

	if sawOutput {
		stats.TotalTokens = stats.PromptTokens + stats.CompletionTokens
		stats.Reported = true
	}
	timer.Stamp(&stats)
	return emit(models.MetaEvent(stats))
}

func (p *Provider) newRequest(ctx context.Context, payload any, accept string) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.messages, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

type messagePayload struct {
	Model         string          `json:"model"`
	Messages      []message       `json:"messages"`
	System        string          `json:"system,omitempty"`
	MaxTokens     int             `json:"max_tokens"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Thinking      *thinkingConfig `json:"thinking,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
}

type thinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
}

func buildMessagePayload(req models.ChatRequest, defaultMaxTokens int, stream bool) (messagePayload, error) {
	messages := make([]message, 0, len(req.Messages))
	var systemParts []string

	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleSystem:
			if strings.TrimSpace(msg.Content) != "" {
				systemParts = append(systemParts, msg.Content)
			}
		case models.RoleUser, models.RoleAssistant:
			messages = append(messages, message{
				Role: msg.Role,
				Content: []contentBlock{
					{Type: "text", Text: msg.Content},
				},
			})
		default:
			return messagePayload{}, fmt.Errorf("claude provider does not support role %q", msg.Role)
		}
	}

	if len(messages) == 0 {
		return messagePayload{}, errors.New("claude request requires at least one user message")
	}
	if messages[0].Role != models.RoleUser {
		return messagePayload{}, errors.New("claude conversation must start with a user message")
	}

	maxTokens := defaultMaxTokens
	if v, ok := provider.ExtractInt(req.Options, provider.OptionMaxTokens); ok && v > 0 {
		maxTokens = v
	}

	payload := messagePayload{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}

	if len(systemParts) > 0 {
		payload.System = strings.Join(systemParts, "\n\n")
	}
	if v, ok := provider.ExtractFloat(req.Options, provider.OptionTopP); ok {
		payload.TopP = &v
	}
	if stops, ok := provider.ExtractStringSlice(req.Options, provider.OptionStop); ok {
		payload.StopSequences = stops
	}
	if thinking, ok := req.Options[models.OptionThinking].(bool); ok && thinking && maxTokens > minThinkingBudget {
		budget := maxTokens / 2
		if budget < minThinkingBudget {
			budget = minThinkingBudget
		}
		payload.Thinking = &thinkingConfig{Type: "enabled", BudgetTokens: budget}
		// Extended thinking rejects a custom temperature.
		payload.Temperature = nil
	}

	return payload, nil
}

type messageResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	Usage      usageBlock     `json:"usage"`
	StopReason string         `json:"stop_reason"`
}

type usageBlock struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (r messageResponse) toUnified(requestedModel string) (*models.ChatResponse, error) {
	var text, thinking strings.Builder
	for _, block := range r.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "thinking":
			thinking.WriteString(block.Thinking)
		}
	}
	if text.Len() == 0 && thinking.Len() == 0 {
		return nil, provider.ErrEmptyResponse
	}

	model := r.Model
	if model == "" {
		model = requestedModel
	}

	return &models.ChatResponse{
		Text:     text.String(),
		Thinking: thinking.String(),
		Usage: models.UsageStats{
			PromptTokens:     r.Usage.InputTokens,
			CompletionTokens: r.Usage.OutputTokens,
			TotalTokens:      r.Usage.InputTokens + r.Usage.OutputTokens,
			Reported:         true,
			Model:            model,
		},
	}, nil
}

type streamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Model string     `json:"model"`
		Usage usageBlock `json:"usage"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		Thinking string `json:"thinking"`
	} `json:"delta,omitempty"`
	Usage *usageBlock `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}
