package chat

import (
	"errors"
	"strings"

	"genesis/internal/models"
)

// ErrNoMessages indicates nothing but a system prompt survived normalization.
var ErrNoMessages = errors.New("no user or assistant messages")

const mergeSeparator = "\n\n"

// Normalize builds the provider-ready history: exactly one system message first, blank
// messages dropped, consecutive same-role messages merged, and prompt appended as the newest
// user turn.
//
// The system message is the last one found in history, else systemPrompt, else fallback.
func Normalize(history []models.Message, systemPrompt, prompt, fallback string) ([]models.Message, error) {
	system := ""
	turns := make([]models.Message, 0, len(history)+1)

	for _, msg := range history {
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		if msg.Role == models.RoleSystem {
			system = msg.Content
			continue
		}
		turns = appendMerged(turns, msg)
	}

	if strings.TrimSpace(prompt) != "" {
		turns = appendMerged(turns, models.Message{Role: models.RoleUser, Content: prompt})
	}

	if len(turns) == 0 {
		return nil, ErrNoMessages
	}

	if strings.TrimSpace(system) == "" {
		system = systemPrompt
	}
	if strings.TrimSpace(system) == "" {
		system = fallback
	}

	out := make([]models.Message, 0, len(turns)+1)
	if strings.TrimSpace(system) != "" {
		out = append(out, models.Message{Role: models.RoleSystem, Content: system})
	}
	return append(out, turns...), nil
}

func appendMerged(turns []models.Message, msg models.Message) []models.Message {
	if n := len(turns); n > 0 && turns[n-1].Role == msg.Role {
		turns[n-1].Content += mergeSeparator + msg.Content
		return turns
	}
	return append(turns, msg)
}
