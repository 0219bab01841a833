package gemini

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
	apiKeyHeader    = "x-goog-api-key"

	roleModel = "model"
)

// Provider implements the Google Gemini generateContent API.
type Provider struct {
	name    string
	apiKey  string
	baseURL string
	headers map[string]string
	client  *http.Client
	models  []models.Model
	limiter *provider.Limiter
}

// New constructs a Gemini provider instance.
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
		baseURL: baseURL,
		headers: cfg.Headers,
		client:  client,
		models:  provider.CatalogFromConfig(name, cfg),
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
	payload, err := buildPayload(req)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", p.baseURL, req.Model)
	httpReq, err := p.newRequest(ctx, url, payload, contentTypeJSON)
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

	var providerResp generateResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&providerResp); err != nil {
		return nil, fmt.Errorf("decode provider response: %w", err)
	}
	if err := providerResp.blocked(p.name); err != nil {
		return nil, err
	}

	text, thinking := providerResp.split()
	if text == "" && thinking == "" {
		return nil, fmt.Errorf("%s: %w", p.name, provider.ErrEmptyResponse)
	}

	resp := &models.ChatResponse{
		Text:     text,
		Thinking: thinking,
		Usage:    models.UsageStats{Model: req.Model},
	}
	providerResp.applyUsage(&resp.Usage)
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
	payload, err := buildPayload(req)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", p.baseURL, req.Model)
	httpReq, err := p.newRequest(ctx, url, payload, contentTypeSSE)
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

		var chunk generateResponse
		if err := json.Unmarshal([]byte(event.Data), &chunk); err != nil {
			return fmt.Errorf("%s: decode stream chunk: %w", p.name, err)
		}
		if chunk.Error != nil {
			return &provider.Error{Provider: p.name, Status: chunk.Error.Code, Message: chunk.Error.Message, Body: event.Data}
		}
		if err := chunk.blocked(p.name); err != nil {
			return err
		}
		chunk.applyUsage(&stats)

		// Each chunk carries only the newly generated parts.
		for _, part := range chunk.parts() {
			if part.Text == "" {
				continue
			}
			timer.MarkFirst()
			produced = true
			ev := models.TextEvent(part.Text)
			if part.Thought {
				ev = models.ThinkingEvent(part.Text)
			}
			if err := emit(ev); err != nil {
				return err
			}
		}
	}

	if !produced {
		return fmt.Errorf("%s: %w", p.name, provider.ErrEmptyResponse)
	}

	timer.Stamp(&stats)
	return emit(models.MetaEvent(stats))
}

func (p *Provider) newRequest(ctx context.Context, url string, payload any, accept string) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(apiKeyHeader, p.apiKey)

	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

type generatePayload struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text    string `json:"text,omitempty"`
	Thought bool   `json:"thought,omitempty"`
}

type generationConfig struct {
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	MaxOutputTokens *int            `json:"maxOutputTokens,omitempty"`
	StopSequences   []string        `json:"stopSequences,omitempty"`
	ThinkingConfig  *thinkingConfig `json:"thinkingConfig,omitempty"`
}

type thinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts"`
}

func buildPayload(req models.ChatRequest) (generatePayload, error) {
	var (
		contents []content
		system   *content
	)

	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleSystem:
			system = &content{Parts: []part{{Text: msg.Content}}}
		case models.RoleAssistant:
			contents = append(contents, content{Role: roleModel, Parts: []part{{Text: msg.Content}}})
		case models.RoleUser:
			contents = append(contents, content{Role: models.RoleUser, Parts: []part{{Text: msg.Content}}})
		default:
			return generatePayload{}, fmt.Errorf("gemini provider does not support role %q", msg.Role)
		}
	}

	if len(contents) == 0 {
		return generatePayload{}, errors.New("gemini request requires at least one user message")
	}

	payload := generatePayload{
		Contents:          contents,
		SystemInstruction: system,
	}

	cfg := generationConfig{Temperature: req.Temperature}
	if v, ok := provider.ExtractInt(req.Options, provider.OptionMaxTokens); ok && v > 0 {
		cfg.MaxOutputTokens = &v
	}
	if v, ok := provider.ExtractFloat(req.Options, provider.OptionTopP); ok {
		cfg.TopP = &v
	}
	if stop, ok := provider.ExtractStringSlice(req.Options, provider.OptionStop); ok {
		cfg.StopSequences = stop
	}
	if thinking, ok := req.Options[models.OptionThinking].(bool); ok && thinking {
		cfg.ThinkingConfig = &thinkingConfig{IncludeThoughts: true}
	}
	if cfg.Temperature != nil || cfg.TopP != nil || cfg.MaxOutputTokens != nil || len(cfg.StopSequences) > 0 || cfg.ThinkingConfig != nil {
		payload.GenerationConfig = &cfg
	}

	return payload, nil
}

type generateResponse struct {
	Candidates     []candidate     `json:"candidates"`
	UsageMetadata  *usageMetadata  `json:"usageMetadata,omitempty"`
	PromptFeedback *promptFeedback `json:"promptFeedback,omitempty"`
	ModelVersion   string          `json:"modelVersion,omitempty"`
	Error          *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

type candidate struct {
	Content      *content `json:"content,omitempty"`
	FinishReason string   `json:"finishReason,omitempty"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	ThoughtsTokenCount   int `json:"thoughtsTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type promptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

func (r generateResponse) parts() []part {
	if len(r.Candidates) == 0 || r.Candidates[0].Content == nil {
		return nil
	}
	return r.Candidates[0].Content.Parts
}

func (r generateResponse) split() (text, thinking string) {
	var textBuf, thinkingBuf strings.Builder
	for _, part := range r.parts() {
		if part.Thought {
			thinkingBuf.WriteString(part.Text)
		} else {
			textBuf.WriteString(part.Text)
		}
	}
	return textBuf.String(), thinkingBuf.String()
}

func (r generateResponse) blocked(providerName string) error {
	if r.PromptFeedback == nil || r.PromptFeedback.BlockReason == "" {
		return nil
	}
	return &provider.Error{
		Provider: providerName,
		Message:  "prompt blocked: " + r.PromptFeedback.BlockReason,
	}
}

func (r generateResponse) applyUsage(stats *models.UsageStats) {
	if r.ModelVersion != "" {
		stats.Model = r.ModelVersion
	}
	if r.UsageMetadata == nil {
		return
	}
	u := r.UsageMetadata
	stats.PromptTokens = u.PromptTokenCount
	stats.CompletionTokens = u.CandidatesTokenCount
	stats.TotalTokens = u.TotalTokenCount
	if stats.TotalTokens == 0 {
		stats.TotalTokens = u.PromptTokenCount + u.CandidatesTokenCount + u.ThoughtsTokenCount
	}
	stats.Reported = true
}
