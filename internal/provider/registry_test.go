package provider

import (
	"context"
	"errors"
	"testing"

	"genesis/internal/models"
)

type stubProvider struct {
	name   string
	models []models.Model
}

func (s stubProvider) Name() string { return s.name }

func (s stubProvider) ListModels(context.Context) ([]models.Model, error) { return s.models, nil }

func (s stubProvider) Chat(context.Context, models.ChatRequest) (*models.ChatResponse, error) {
	return nil, ErrUnsupportedOperation
}

func (s stubProvider) Stream(context.Context, models.ChatRequest, Emitter) error {
	return ErrUnsupportedOperation
}

func TestRegistryLookup(t *testing.T) {
	registry := NewRegistry()
	deepseek := stubProvider{name: "deepseek", models: []models.Model{{ID: "deepseek-chat", Provider: "deepseek"}}}
	gemini := stubProvider{name: "gemini", models: []models.Model{{ID: "gemini-2.0-flash", Provider: "gemini"}}}

	if err := registry.RegisterProvider(context.Background(), deepseek, map[string]string{"ds": "deepseek-chat"}, []string{"deepseek-"}); err != nil {
		t.Fatalf("register deepseek: %v", err)
	}
	if err := registry.RegisterProvider(context.Background(), gemini, nil, []string{"gemini-", "gemini-2.5-"}); err != nil {
		t.Fatalf("register gemini: %v", err)
	}

	cases := []struct {
		model    string
		provider string
	}{
		{"deepseek-chat", "deepseek"},
		{"ds", "deepseek"},
		{"deepseek-reasoner", "deepseek"},
		{"gemini-2.5-pro", "gemini"},
	}
	for _, tc := range cases {
		model, p, err := registry.LookupModel(tc.model)
		if err != nil {
			t.Fatalf("lookup %q: %v", tc.model, err)
		}
		if p.Name() != tc.provider || model.Provider != tc.provider {
			t.Fatalf("lookup %q: expected provider %s, got %s", tc.model, tc.provider, p.Name())
		}
	}

	if _, _, err := registry.LookupModel("not-a-model"); !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
	if _, _, err := registry.LookupModel(""); !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel for empty id, got %v", err)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	registry := NewRegistry()
	first := stubProvider{name: "a", models: []models.Model{{ID: "m"}}}
	second := stubProvider{name: "b", models: []models.Model{{ID: "m"}}}

	if err := registry.RegisterProvider(context.Background(), first, nil, nil); err != nil {
		t.Fatalf("register first: %v", err)
	}
	if err := registry.RegisterProvider(context.Background(), second, nil, nil); !errors.Is(err, ErrDuplicateModel) {
		t.Fatalf("expected ErrDuplicateModel, got %v", err)
	}
	if err := registry.RegisterProvider(context.Background(), first, nil, nil); err == nil {
		t.Fatal("expected error registering the same provider twice")
	}
}

func TestRegistryModelsFilter(t *testing.T) {
	registry := NewRegistry()
	_ = registry.RegisterProvider(context.Background(), stubProvider{name: "a", models: []models.Model{{ID: "a1", Provider: "a"}, {ID: "a2", Provider: "a"}}}, map[string]string{"alias": "a1"}, nil)
	_ = registry.RegisterProvider(context.Background(), stubProvider{name: "b", models: []models.Model{{ID: "b1", Provider: "b"}}}, nil, nil)

	if all := registry.Models(""); len(all) != 3 || all[0].ID != "a1" || all[2].ID != "b1" {
		t.Fatalf("unexpected catalog %+v", all)
	}
	if onlyB := registry.Models("b"); len(onlyB) != 1 || onlyB[0].ID != "b1" {
		t.Fatalf("unexpected filtered catalog %+v", onlyB)
	}
}
