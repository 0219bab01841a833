package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"genesis/internal/models"
)

// ErrUnknownModel indicates the requested model is not registered.
var ErrUnknownModel = errors.New("unknown model")

// ErrDuplicateModel indicates an attempt to register the same model twice.
var ErrDuplicateModel = errors.New("model already registered")

// ErrUnsupportedOperation indicates the provider cannot fulfill the requested action.
var ErrUnsupportedOperation = errors.New("unsupported provider operation")

// ErrEmptyResponse indicates a provider finished without generating any content.
var ErrEmptyResponse = errors.New("no response was generated")

// Emitter receives stream events from a provider in generation order.
// A non-nil return means the consumer is gone and the provider must stop.
type Emitter func(models.StreamEvent) error

// Provider defines the behaviour required to serve unified chat requests.
//
// Stream blocks until the completion finishes, emitting thinking events before the text they
// explain, text events in generation order and exactly one meta event last. A stream that ends
// without any text or thinking must return ErrEmptyResponse instead of a meta event.
type Provider interface {
	Name() string
	ListModels(ctx context.Context) ([]models.Model, error)
	Chat(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error)
	Stream(ctx context.Context, req models.ChatRequest, emit Emitter) error
}

type modelEntry struct {
	model    models.Model
	provider Provider
}

type prefixEntry struct {
	prefix   string
	provider Provider
}

// Registry maintains a static mapping of model IDs and ID prefixes to providers.
type Registry struct {
	mu       sync.RWMutex
	models   map[string]modelEntry
	prefixes []prefixEntry
	byName   map[string]Provider
	order    []string
}

// NewRegistry constructs an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		models: make(map[string]modelEntry),
		byName: make(map[string]Provider),
	}
}

// RegisterProvider adds the provider and its models to the registry, wiring optional
// aliases and model-ID prefixes.
func (r *Registry) RegisterProvider(ctx context.Context, p Provider, aliases map[string]string, prefixes []string) error {
	if p == nil {
		return errors.New("provider must not be nil")
	}

	modelsList, err := p.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list models for provider %q: %w", p.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[p.Name()]; exists {
		return fmt.Errorf("provider %q already registered", p.Name())
	}
	r.byName[p.Name()] = p

	for _, model := range modelsList {
		if _, exists := r.models[model.ID]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateModel, model.ID)
		}

		r.models[model.ID] = modelEntry{
			model:    model,
			provider: p,
		}
		r.order = append(r.order, model.ID)
	}

	for alias, target := range aliases {
		if _, exists := r.models[alias]; exists {
			return fmt.Errorf("alias %q conflicts with existing model", alias)
		}

		targetEntry, ok := r.models[target]
		if !ok {
			return fmt.Errorf("alias %q references unknown model %q", alias, target)
		}

		r.models[alias] = targetEntry
	}

	for _, prefix := range prefixes {
		for _, existing := range r.prefixes {
			if existing.prefix == prefix {
				return fmt.Errorf("prefix %q already registered by provider %q", prefix, existing.provider.Name())
			}
		}
		r.prefixes = append(r.prefixes, prefixEntry{prefix: prefix, provider: p})
	}
	// Longest prefix wins.
	sort.SliceStable(r.prefixes, func(i, j int) bool {
		return len(r.prefixes[i].prefix) > len(r.prefixes[j].prefix)
	})

	return nil
}

// LookupModel returns the provider and metadata for a given model ID. Exact IDs and aliases
// are matched first, then registered prefixes.
func (r *Registry) LookupModel(modelID string) (models.Model, Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry, ok := r.models[modelID]; ok {
		return entry.model, entry.provider, nil
	}

	if modelID != "" {
		for _, entry := range r.prefixes {
			if strings.HasPrefix(modelID, entry.prefix) {
				return models.Model{ID: modelID, Provider: entry.provider.Name(), DisplayName: modelID}, entry.provider, nil
			}
		}
	}

	return models.Model{}, nil, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
}

// Models lists registered catalog entries in registration order, optionally filtered by
// provider name. Aliases are not listed.
func (r *Registry) Models(providerName string) []models.Model {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Model, 0, len(r.order))
	for _, id := range r.order {
		entry := r.models[id]
		if providerName != "" && entry.model.Provider != providerName {
			continue
		}
		out = append(out, entry.model)
	}
	return out
}
