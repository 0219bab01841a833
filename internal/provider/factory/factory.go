package factory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"genesis/internal/config"
	"genesis/internal/provider"
	claudeProvider "genesis/internal/provider/claude"
	geminiProvider "genesis/internal/provider/gemini"
	openaiProvider "genesis/internal/provider/openai"
)

const (
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

type constructor func(name string, cfg config.ProviderConfig, client *http.Client) (provider.Provider, error)

// builders is the static registration table. Order fixes registration order and therefore the
// order of GET /models.
var builders = []struct {
	name  string
	build constructor
}{
	{"deepseek", func(name string, cfg config.ProviderConfig, client *http.Client) (provider.Provider, error) {
		return openaiProvider.New(name, cfg, client)
	}},
	{"gemini", func(name string, cfg config.ProviderConfig, client *http.Client) (provider.Provider, error) {
		return geminiProvider.New(name, cfg, client)
	}},
	{"claude", func(name string, cfg config.ProviderConfig, client *http.Client) (provider.Provider, error) {
		return claudeProvider.New(name, cfg, client)
	}},
}

// RegisterConfiguredProviders constructs providers from configuration and stores them in the registry.
func RegisterConfiguredProviders(ctx context.Context, cfg config.Config, registry *provider.Registry) error {
	if registry == nil {
		return errors.New("registry must not be nil")
	}

	configured := cfg.Providers.Configured()
	for _, b := range builders {
		providerCfg, ok := configured[b.name]
		if !ok {
			continue
		}

		client := newHTTPClient(providerCfg.Timeout)
		p, err := b.build(b.name, *providerCfg, client)
		if err != nil {
			return fmt.Errorf("initialise %s provider: %w", b.name, err)
		}
		if err := registry.RegisterProvider(ctx, p, providerCfg.Aliases, providerCfg.Prefixes); err != nil {
			return fmt.Errorf("register %s provider: %w", b.name, err)
		}
	}

	return nil
}

// newHTTPClient builds a client for one provider. timeout bounds a whole call including a
// streamed body, so it must cover the longest expected generation.
func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
