package router

import (
	"context"
	"fmt"

	"genesis/internal/bridge"
	"genesis/internal/models"
	"genesis/internal/provider"
)

// Router dispatches unified requests to the appropriate provider.
type Router struct {
	registry  *provider.Registry
	queueSize int
}

// New constructs a router backed by the provided registry. queueSize bounds each stream's
// event queue.
func New(registry *provider.Registry, queueSize int) *Router {
	return &Router{
		registry:  registry,
		queueSize: queueSize,
	}
}

// Resolve looks up catalog metadata and the serving provider for a model ID.
func (r *Router) Resolve(model string) (models.Model, provider.Provider, error) {
	return r.registry.LookupModel(model)
}

// Models lists the catalog, optionally filtered by provider.
func (r *Router) Models(providerName string) []models.Model {
	return r.registry.Models(providerName)
}

// Chat routes a blocking chat completion request to the configured provider.
func (r *Router) Chat(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, models.Model, error) {
	modelInfo, providerImpl, err := r.registry.LookupModel(req.Model)
	if err != nil {
		return nil, models.Model{}, err
	}

	resp, err := providerImpl.Chat(ctx, sanitise(req, modelInfo))
	if err != nil {
		return nil, models.Model{}, fmt.Errorf("provider %s chat request: %w", providerImpl.Name(), err)
	}
	return resp, modelInfo, nil
}

// Stream starts a streaming completion on the configured provider. The caller owns the
// returned stream and must Close it.
func (r *Router) Stream(ctx context.Context, req models.ChatRequest) (*bridge.Stream, models.Model, error) {
	modelInfo, providerImpl, err := r.registry.LookupModel(req.Model)
	if err != nil {
		return nil, models.Model{}, err
	}

	sanitisedReq := sanitise(req, modelInfo)
	stream := bridge.Open(ctx, r.queueSize, func(ctx context.Context, emit provider.Emitter) error {
		if err := providerImpl.Stream(ctx, sanitisedReq, emit); err != nil {
			return fmt.Errorf("provider %s stream request: %w", providerImpl.Name(), err)
		}
		return nil
	})
	return stream, modelInfo, nil
}

func sanitise(req models.ChatRequest, modelInfo models.Model) models.ChatRequest {
	out := req
	out.Model = modelInfo.ID
	out.Messages = append([]models.Message(nil), req.Messages...)
	out.Options = cloneOptions(req.Options)
	if out.Temperature == nil && modelInfo.DefaultTemperature != nil {
		t := *modelInfo.DefaultTemperature
		out.Temperature = &t
	}
	return out
}

func cloneOptions(options map[string]any) map[string]any {
	if len(options) == 0 {
		return nil
	}
	out := make(map[string]any, len(options))
	for k, v := range options {
		out[k] = v
	}
	return out
}
