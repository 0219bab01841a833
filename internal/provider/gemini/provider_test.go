package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"genesis/internal/config"
	"genesis/internal/models"
	"genesis/internal/provider"
)

func writeSSE(w http.ResponseWriter, data string) {
	fmt.Fprintf(w, "data: %s\r\n\r\n", data)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

func newTestProvider(t *testing.T, url string) *Provider {
	t.Helper()
	p, err := New("gemini", config.ProviderConfig{
		APIKey:        "g-key",
		BaseURL:       url + "/v1beta/",
		MaxConcurrent: 1,
		Models:        []config.ModelConfig{{ID: "gemini-2.0-flash", DisplayName: "Gemini Flash"}},
	}, http.DefaultClient)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return p
}

func TestListModelsUsesDisplayName(t *testing.T) {
	list, err := newTestProvider(t, "http://example.invalid").ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels returned error: %v", err)
	}
	if len(list) != 1 || list[0].DisplayName != "Gemini Flash" || list[0].Provider != "gemini" {
		t.Fatalf("unexpected catalog %+v", list)
	}
}

func TestStreamMapsRolesAndParts(t *testing.T) {
	var payload generatePayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/gemini-2.0-flash:streamGenerateContent" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("alt") != "sse" {
			t.Errorf("expected alt=sse, got %q", r.URL.RawQuery)
		}
		if got := r.Header.Get("x-goog-api-key"); got != "g-key" {
			t.Errorf("unexpected api key header %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"pondering","thought":true}]}}]}`)
		writeSSE(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"Hel"}]}}]}`)
		writeSSE(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"lo"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":2,"totalTokenCount":7},"modelVersion":"gemini-2.0-flash-001"}`)
	}))
	defer server.Close()

	var events []models.StreamEvent
	err := newTestProvider(t, server.URL).Stream(context.Background(), models.ChatRequest{
		Model: "gemini-2.0-flash",
		Messages: []models.Message{
			{Role: models.RoleSystem, Content: "be brief"},
			{Role: models.RoleUser, Content: "hi"},
			{Role: models.RoleAssistant, Content: "hello"},
			{Role: models.RoleUser, Content: "again"},
		},
		Options: map[string]any{models.OptionThinking: true},
	}, func(ev models.StreamEvent) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream returned error: %v", err)
	}

	if payload.SystemInstruction == nil || payload.SystemInstruction.Parts[0].Text != "be brief" {
		t.Fatalf("expected system instruction, got %+v", payload.SystemInstruction)
	}
	if len(payload.Contents) != 3 || payload.Contents[1].Role != "model" {
		t.Fatalf("unexpected contents %+v", payload.Contents)
	}
	if payload.GenerationConfig == nil || payload.GenerationConfig.ThinkingConfig == nil {
		t.Fatalf("expected thinking config, got %+v", payload.GenerationConfig)
	}

	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d: %+v", len(events), events)
	}
	if events[0].Kind != models.EventThinking || events[0].Token != "pondering" {
		t.Fatalf("unexpected first event %+v", events[0])
	}
	if events[1].Token+events[2].Token != "Hello" {
		t.Fatalf("unexpected text %q%q", events[1].Token, events[2].Token)
	}
	meta := events[3].Meta
	if events[3].Kind != models.EventMeta || !meta.Reported || meta.CompletionTokens != 2 || meta.Model != "gemini-2.0-flash-001" {
		t.Fatalf("unexpected meta %+v", events[3])
	}
}

func TestStreamBlockedPrompt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(w, `{"promptFeedback":{"blockReason":"SAFETY"}}`)
	}))
	defer server.Close()

	err := newTestProvider(t, server.URL).Stream(context.Background(), models.ChatRequest{
		Model:    "gemini-2.0-flash",
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	}, func(models.StreamEvent) error { return nil })

	var apiErr *provider.Error
	if !errors.As(err, &apiErr) || apiErr.Message != "prompt blocked: SAFETY" {
		t.Fatalf("expected blocked prompt error, got %v", err)
	}
}

func TestStreamEmptyIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(w, `{"candidates":[{"finishReason":"STOP"}]}`)
	}))
	defer server.Close()

	err := newTestProvider(t, server.URL).Stream(context.Background(), models.ChatRequest{
		Model:    "gemini-2.0-flash",
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	}, func(models.StreamEvent) error { return nil })
	if !errors.Is(err, provider.ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestChatSplitsThoughts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/gemini-2.0-flash:generateContent" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"why","thought":true},{"text":"because"}]}}]}`))
	}))
	defer server.Close()

	resp, err := newTestProvider(t, server.URL).Chat(context.Background(), models.ChatRequest{
		Model:    "gemini-2.0-flash",
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}
	if resp.Text != "because" || resp.Thinking != "why" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Usage.Reported {
		t.Fatal("expected usage to be unreported without usageMetadata")
	}
}

func TestChatRejectsUnknownRole(t *testing.T) {
	_, err := newTestProvider(t, "http://example.invalid").Chat(context.Background(), models.ChatRequest{
		Model:    "gemini-2.0-flash",
		Messages: []models.Message{{Role: "tool", Content: "x"}},
	})
	if err == nil {
		t.Fatal("expected error for unsupported role")
	}
}
