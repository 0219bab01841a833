package models

// Roles accepted in a conversation history.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// OptionThinking is set in ChatRequest.Options when the caller wants the reasoning trace streamed.
const OptionThinking = "thinking"

// Message represents a single conversational message in the unified schema.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the canonical representation of a chat completion handed to a provider.
// Messages are already normalized: at most one system message, always first.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Stream      bool
	Temperature *float64
	Options     map[string]any
}

// ChatResponse captures a blocking provider response in the unified schema.
type ChatResponse struct {
	Text     string
	Thinking string
	Usage    UsageStats
}

// UsageStats records token accounting and latency for one completion.
type UsageStats struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	// Reported is false when the vendor never sent token counts.
	Reported bool

	LatencySeconds          float64
	TimeToFirstTokenSeconds *float64
	Model                   string
}

// StreamEventKind tags the payload carried by a StreamEvent.
type StreamEventKind int

const (
	EventText StreamEventKind = iota + 1
	EventThinking
	EventMeta
	EventError
)

func (k StreamEventKind) String() string {
	switch k {
	case EventText:
		return "text"
	case EventThinking:
		return "thinking"
	case EventMeta:
		return "meta"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// StreamEvent is one element of a provider stream. Exactly one payload is set, selected by Kind.
type StreamEvent struct {
	Kind  StreamEventKind
	Token string
	Meta  *UsageStats
	Err   string
}

// TextEvent builds a text delta event.
func TextEvent(token string) StreamEvent {
	return StreamEvent{Kind: EventText, Token: token}
}

// ThinkingEvent builds a reasoning-trace delta event.
func ThinkingEvent(token string) StreamEvent {
	return StreamEvent{Kind: EventThinking, Token: token}
}

// MetaEvent builds the terminal usage event.
func MetaEvent(stats UsageStats) StreamEvent {
	return StreamEvent{Kind: EventMeta, Meta: &stats}
}

// Model identifies a known model with catalog metadata.
type Model struct {
	ID                 string   `json:"id"`
	Provider           string   `json:"provider"`
	DisplayName        string   `json:"display_name"`
	DefaultTemperature *float64 `json:"temperature_default,omitempty"`
	SupportsThinking   bool     `json:"supports_thinking"`
}
