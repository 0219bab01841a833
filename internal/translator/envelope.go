package translator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"genesis/internal/models"
)

// Client-facing validation messages.
const (
	MsgNoPrompt          = "No prompt provided."
	MsgMissingRequestID  = "requestId is required."
	MsgMissingModel      = "model is required."
	MsgInvalidJSON       = "Invalid JSON payload."
	MsgInvalidRequestID  = "requestId must be a string or a number."
	MsgRequestCancelled  = "request cancelled"
	MsgDuplicateRequest  = "a request with this requestId is already in flight"
	MsgInternal          = "Internal server error."
	MsgNoUsageStatistics = "Provider did not report usage statistics; tokensReceived is a local count."
)

var (
	errInvalidRole    = errors.New("invalid role")
	errInvalidContent = errors.New("invalid message content")
)

var allowedRoles = map[string]struct{}{
	models.RoleSystem:    {},
	models.RoleUser:      {},
	models.RoleAssistant: {},
}

// ValidationError reports a malformed inbound message. RequestID is whatever correlation id
// could be recovered from the payload.
type ValidationError struct {
	RequestID RequestID
	Message   string
	Err       error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// RequestID is the caller's correlation token. It is echoed back exactly as received, so
// numeric and string ids round-trip unchanged.
type RequestID struct {
	raw json.RawMessage
}

// UnknownRequestID tags replies to messages whose id could not be recovered.
var UnknownRequestID = RequestID{raw: json.RawMessage(`"unknown"`)}

// NewRequestID builds a string correlation id.
func NewRequestID(id string) RequestID {
	raw, _ := json.Marshal(id)
	return RequestID{raw: raw}
}

// IsZero reports whether no id was supplied.
func (id RequestID) IsZero() bool {
	return len(id.raw) == 0
}

// Key returns a stable map key for the id. The string "1" and the number 1 are distinct.
func (id RequestID) Key() string {
	return string(id.raw)
}

// String renders the id for logs.
func (id RequestID) String() string {
	var s string
	if err := json.Unmarshal(id.raw, &s); err == nil {
		return s
	}
	return string(id.raw)
}

func (id RequestID) MarshalJSON() ([]byte, error) {
	if id.IsZero() {
		return UnknownRequestID.raw, nil
	}
	return id.raw, nil
}

func (id *RequestID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		id.raw = nil
		return nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		if strings.TrimSpace(s) == "" {
			id.raw = nil
			return nil
		}
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		if err := json.Unmarshal(trimmed, &n); err != nil {
			return err
		}
	default:
		return errors.New(MsgInvalidRequestID)
	}
	id.raw = append(json.RawMessage(nil), trimmed...)
	return nil
}

// ChatRequest is one inbound envelope on the chat socket.
type ChatRequest struct {
	RequestID    RequestID
	Model        string
	SystemPrompt string
	Messages     []models.Message
	Prompt       string
	Stream       bool
	Temperature  *float64
	MaxTokens    *int
	Cancel       bool

	hasMessages bool
}

// UnmarshalJSON decodes the envelope. Field-level validation happens in Validate so the
// correlation id survives a bad payload.
func (r *ChatRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		RequestID         RequestID       `json:"requestId"`
		Model             string          `json:"model"`
		SystemPrompt      *string         `json:"systemPrompt"`
		SystemPromptSnake *string         `json:"system_prompt"`
		Messages          json.RawMessage `json:"messages"`
		Prompt            string          `json:"prompt"`
		Stream            bool            `json:"stream"`
		Temperature       *float64        `json:"temperature"`
		MaxTokens         *int            `json:"max_tokens"`
		Cancel            bool            `json:"cancel"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode chat request: %w", err)
	}

	r.RequestID = raw.RequestID
	r.Model = strings.TrimSpace(raw.Model)
	switch {
	case raw.SystemPrompt != nil:
		r.SystemPrompt = *raw.SystemPrompt
	case raw.SystemPromptSnake != nil:
		r.SystemPrompt = *raw.SystemPromptSnake
	}
	r.Prompt = raw.Prompt
	r.Stream = raw.Stream
	r.Temperature = raw.Temperature
	r.MaxTokens = raw.MaxTokens
	r.Cancel = raw.Cancel

	trimmed := bytes.TrimSpace(raw.Messages)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	var messages []ChatMessage
	if err := json.Unmarshal(trimmed, &messages); err != nil {
		return err
	}
	r.hasMessages = true
	r.Messages = make([]models.Message, 0, len(messages))
	for _, m := range messages {
		r.Messages = append(r.Messages, models.Message{Role: m.Role, Content: m.Content})
	}
	return nil
}

// Validate checks required fields. requireID is false for REST callers, which have no
// correlation id.
func (r *ChatRequest) Validate(requireID bool) error {
	if requireID && r.RequestID.IsZero() {
		return &ValidationError{RequestID: UnknownRequestID, Message: MsgMissingRequestID}
	}
	if r.Cancel {
		return nil
	}
	if r.Model == "" {
		return &ValidationError{RequestID: r.RequestID, Message: MsgMissingModel}
	}
	if (!r.hasMessages || len(r.Messages) == 0) && strings.TrimSpace(r.Prompt) == "" {
		return &ValidationError{RequestID: r.RequestID, Message: MsgNoPrompt}
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return &ValidationError{RequestID: r.RequestID, Message: fmt.Sprintf("temperature %.2f must be within [0, 2].", *r.Temperature)}
	}
	return nil
}

// DecodeChatRequest parses and validates one socket message. The returned *ValidationError
// always carries the best correlation id available.
func DecodeChatRequest(data []byte) (ChatRequest, error) {
	var req ChatRequest
	if err := json.Unmarshal(data, &req); err != nil {
		id := recoverRequestID(data)
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return ChatRequest{}, &ValidationError{RequestID: id, Message: MsgInvalidJSON, Err: err}
		}
		return ChatRequest{}, &ValidationError{RequestID: id, Message: validationMessage(err), Err: err}
	}
	if err := req.Validate(true); err != nil {
		return ChatRequest{}, err
	}
	return req, nil
}

func validationMessage(err error) string {
	switch {
	case errors.Is(err, errInvalidRole), errors.Is(err, errInvalidContent):
		return "Invalid messages: " + err.Error()
	case strings.Contains(err.Error(), MsgInvalidRequestID):
		return MsgInvalidRequestID
	default:
		return MsgInvalidJSON
	}
}

func recoverRequestID(data []byte) RequestID {
	var probe struct {
		RequestID json.RawMessage `json:"requestId"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return UnknownRequestID
	}
	var id RequestID
	if err := id.UnmarshalJSON(probe.RequestID); err != nil || id.IsZero() {
		return UnknownRequestID
	}
	return id
}

// ChatMessage captures a single history entry. Content may be a string or an array of
// text segments.
type ChatMessage struct {
	Role    string
	Content string
}

// UnmarshalJSON supports string and array-of-text content formats.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	content, err := extractMessageContent(raw.Content)
	if err != nil {
		return err
	}

	m.Role = strings.ToLower(strings.TrimSpace(raw.Role))
	m.Content = content

	if _, ok := allowedRoles[m.Role]; !ok {
		return fmt.Errorf("%w: %q", errInvalidRole, raw.Role)
	}
	return nil
}

func extractMessageContent(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", nil
	}

	var text string
	if err := json.Unmarshal(trimmed, &text); err == nil {
		return text, nil
	}

	var segments []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(trimmed, &segments); err == nil {
		var builder strings.Builder
		for _, segment := range segments {
			if segment.Type != "text" {
				return "", fmt.Errorf("%w: segment type %q not supported", errInvalidContent, segment.Type)
			}
			builder.WriteString(segment.Text)
		}
		return builder.String(), nil
	}

	return "", fmt.Errorf("%w: unsupported content structure", errInvalidContent)
}

// Reply is one outbound envelope. Exactly one of the payload groups is set.
type Reply struct {
	RequestID  RequestID `json:"requestId"`
	Text       string    `json:"text,omitempty"`
	Thinking   string    `json:"thinking,omitempty"`
	TokenCount int       `json:"tokenCount,omitempty"`
	Meta       *Meta     `json:"meta,omitempty"`
	Error      string    `json:"error,omitempty"`
	Details    string    `json:"details,omitempty"`
}

// Meta is the terminal usage summary of a request.
type Meta struct {
	TokensSent     *int     `json:"tokensSent"`
	TokensReceived int      `json:"tokensReceived"`
	Warning        string   `json:"warning,omitempty"`
	Latency        *float64 `json:"latency,omitempty"`
	TTFB           *float64 `json:"ttfb,omitempty"`
	Model          string   `json:"model,omitempty"`
}

// IsTerminal reports whether the reply ends its request.
func (r Reply) IsTerminal() bool {
	return r.Meta != nil || r.Error != ""
}

// TextReply carries one text delta and the running local token count.
func TextReply(id RequestID, token string, count int) Reply {
	return Reply{RequestID: id, Text: token, TokenCount: count}
}

// ThinkingReply carries one reasoning-trace delta.
func ThinkingReply(id RequestID, token string) Reply {
	return Reply{RequestID: id, Thinking: token}
}

// MetaReply carries the terminal usage summary.
func MetaReply(id RequestID, meta Meta) Reply {
	return Reply{RequestID: id, Meta: &meta}
}

// ErrorReply carries a terminal failure.
func ErrorReply(id RequestID, message, details string) Reply {
	if id.IsZero() {
		id = UnknownRequestID
	}
	return Reply{RequestID: id, Error: message, Details: details}
}

// MetaFromUsage builds the wire summary from provider usage. Reported counts are used as-is.
func MetaFromUsage(stats models.UsageStats) Meta {
	sent := stats.PromptTokens
	meta := Meta{
		TokensSent:     &sent,
		TokensReceived: stats.CompletionTokens,
		Model:          stats.Model,
	}
	if stats.LatencySeconds > 0 {
		latency := stats.LatencySeconds
		meta.Latency = &latency
	}
	if stats.TimeToFirstTokenSeconds != nil {
		ttfb := *stats.TimeToFirstTokenSeconds
		meta.TTFB = &ttfb
	}
	return meta
}
