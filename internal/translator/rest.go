package translator

import (
	"encoding/json"
	"time"

	"genesis/internal/models"
)

// ChatHTTPResponse is the body of a successful POST /chat.
type ChatHTTPResponse struct {
	Text     string `json:"text"`
	Thinking string `json:"thinking,omitempty"`
	Meta     Meta   `json:"meta"`
}

// ModelCard describes one catalog entry on GET /models.
type ModelCard struct {
	ID                 string   `json:"id"`
	Provider           string   `json:"provider"`
	DisplayName        string   `json:"display_name"`
	TemperatureDefault *float64 `json:"temperature_default,omitempty"`
	SupportsThinking   bool     `json:"supports_thinking"`
}

// ModelCards converts catalog entries to their wire form.
func ModelCards(list []models.Model) []ModelCard {
	out := make([]ModelCard, 0, len(list))
	for _, m := range list {
		out = append(out, ModelCard{
			ID:                 m.ID,
			Provider:           m.Provider,
			DisplayName:        m.DisplayName,
			TemperatureDefault: m.DefaultTemperature,
			SupportsThinking:   m.SupportsThinking,
		})
	}
	return out
}

// Transcript is a saved conversation as stored by POST /save_chat.
type Transcript struct {
	Messages     []models.Message `json:"messages"`
	SystemPrompt string           `json:"system_prompt,omitempty"`
	Temperature  *float64         `json:"temperature,omitempty"`
	Model        string           `json:"model,omitempty"`
	SavedAt      time.Time        `json:"saved_at"`
}

// SaveChatRequest is the body of POST /save_chat. An empty filename is replaced with a
// timestamped default.
type SaveChatRequest struct {
	Filename     string           `json:"filename"`
	Messages     []models.Message `json:"messages"`
	SystemPrompt string           `json:"system_prompt"`
	Temperature  *float64         `json:"temperature"`
	Model        string           `json:"model"`
}

// LoadChatRequest is the body of POST /load_chat.
type LoadChatRequest struct {
	Filename string `json:"filename"`
}

// DefaultChatName names a transcript saved without an explicit filename.
func DefaultChatName(now time.Time) string {
	return "chat_" + now.Format("20060102_150405")
}

// StatusResponse is the generic acknowledgement body used by REST and relay endpoints.
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// SaveChatResponse acknowledges a saved transcript with the name it was stored under.
type SaveChatResponse struct {
	Status   string `json:"status"`
	Filename string `json:"filename"`
}

// ChatListResponse is the body of GET /chats.
type ChatListResponse struct {
	Chats []string `json:"chats"`
}

// FrontendRequest is one message on the frontend relay socket.
type FrontendRequest struct {
	Text *string `json:"text"`
}

// WorkerRelay is what registered workers receive for each frontend request.
type WorkerRelay struct {
	RequestFromFrontend string `json:"request_from_frontend"`
}

// DefaultChatTemperature fills a loaded chat file that was saved without a temperature.
const DefaultChatTemperature = 0.7

// FileSaveRequest is the body of POST /files/:type/save. FileType must repeat the path's type.
// Content is a JSON object for chats and a JSON string for documents and prompts.
type FileSaveRequest struct {
	Filename string          `json:"filename"`
	FileType string          `json:"file_type"`
	Content  json.RawMessage `json:"content"`
}

// ChatFile is the stored form of a chat saved through /files/chat/save.
type ChatFile struct {
	Messages     json.RawMessage `json:"messages"`
	SystemPrompt *string         `json:"system_prompt"`
	Temperature  *float64        `json:"temperature"`
}

// FileSaveResponse acknowledges a saved file.
type FileSaveResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Filename string `json:"filename"`
}

// FileLoadRequest is the body of POST /files/:type/load.
type FileLoadRequest struct {
	Filename string `json:"filename"`
}

// TextFileResponse returns a loaded document or prompt.
type TextFileResponse struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// ChatFileResponse returns a loaded chat with missing fields defaulted.
type ChatFileResponse struct {
	Filename     string          `json:"filename"`
	Messages     json.RawMessage `json:"messages"`
	SystemPrompt string          `json:"system_prompt"`
	Temperature  float64         `json:"temperature"`
}

// FileListResponse is the body of GET /files/:type/list.
type FileListResponse struct {
	Files []string `json:"files"`
}

// DirectoryEntry is one item of a directory listing.
type DirectoryEntry struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Path string `json:"path"`
}

// DirectoryListing is the body of GET /directory/:type/list.
type DirectoryListing struct {
	CurrentPath string           `json:"current_path"`
	Items       []DirectoryEntry `json:"items"`
}

// MessageResponse carries a single human-readable outcome.
type MessageResponse struct {
	Message string `json:"message"`
}
