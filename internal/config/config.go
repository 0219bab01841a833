package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	storeBackendFile  = "file"
	storeBackendRedis = "redis"

	defaultLogLevel            = "info"
	defaultMaxMessageBytes     = 1 << 20 // 1 MiB
	defaultQueueSize           = 64
	defaultTolerance           = 5
	defaultSystemPrompt        = "You are a helpful assistant."
	defaultMaxConcurrent       = 2
	defaultProviderTimeout     = 120 * time.Second
	defaultRedisPrefix         = "genesis:"
	defaultClaudeMaxTokens     = 4096
	providerNameDeepSeek       = "deepseek"
	providerNameGemini         = "gemini"
	providerNameClaude         = "claude"
	envReferenceMissingMessage = "environment variable %s referenced by config is not set"
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Stream    StreamConfig    `yaml:"stream"`
	Store     StoreConfig     `yaml:"store"`
	Providers ProvidersConfig `yaml:"providers"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	LogLevel        string   `yaml:"log_level"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	MaxMessageBytes int64    `yaml:"max_message_bytes"`
}

// StreamConfig tunes the per-request streaming pipeline.
type StreamConfig struct {
	QueueSize int `yaml:"queue_size"`
	// DiscrepancyTolerance is nil only when unset; an explicit 0 flags any difference.
	DiscrepancyTolerance *int   `yaml:"discrepancy_tolerance"`
	DefaultSystemPrompt  string `yaml:"default_system_prompt"`
}

// StoreConfig selects the file store backend and lays out one area per file kind.
type StoreConfig struct {
	Backend   string      `yaml:"backend"`
	Chats     KindConfig  `yaml:"chats"`
	Documents KindConfig  `yaml:"documents"`
	Prompts   KindConfig  `yaml:"prompts"`
	Redis     RedisConfig `yaml:"redis"`
}

// KindConfig places one file kind. Dir is used by the file backend only.
type KindConfig struct {
	Dir       string `yaml:"dir"`
	Extension string `yaml:"extension"`
}

// Kinds returns the kind areas keyed by kind name.
func (c StoreConfig) Kinds() map[string]KindConfig {
	return map[string]KindConfig{
		"chat":     c.Chats,
		"document": c.Documents,
		"prompt":   c.Prompts,
	}
}

// RedisConfig holds connection details for the Redis transcript store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// ProvidersConfig catalogues configured upstream providers.
type ProvidersConfig struct {
	DeepSeek *ProviderConfig `yaml:"deepseek"`
	Gemini   *ProviderConfig `yaml:"gemini"`
	Claude   *ProviderConfig `yaml:"claude"`
}

// ProviderConfig captures authentication and routing info for a provider.
type ProviderConfig struct {
	APIKey        string            `yaml:"api_key"`
	BaseURL       string            `yaml:"base_url"`
	MaxConcurrent int               `yaml:"max_concurrent"`
	Timeout       time.Duration     `yaml:"timeout"`
	MaxTokens     int               `yaml:"max_tokens"`
	Models        []ModelConfig     `yaml:"models"`
	Prefixes      []string          `yaml:"prefixes"`
	Headers       Headers           `yaml:"headers"`
	Aliases       map[string]string `yaml:"aliases"`
}

// Headers contains additional HTTP headers to send with a provider request.
type Headers map[string]string

// ModelConfig describes a model exposed by a provider.
type ModelConfig struct {
	ID                 string   `yaml:"id"`
	DisplayName        string   `yaml:"display_name"`
	TemperatureDefault *float64 `yaml:"temperature_default"`
	SupportsThinking   bool     `yaml:"supports_thinking"`
}

// LoadEnv loads KEY=VALUE pairs from an env file into the process environment.
// A missing file is not an error; variables already set are left untouched.
func LoadEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

// Load reads YAML configuration from disk, expands ${VAR} references and validates the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config file %q: %w", absPath, err)
	}
	return cfg, nil
}

// Parse decodes raw YAML, applies defaults and validates.
func Parse(data []byte) (Config, error) {
	expanded, err := expandEnv(string(data))
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func expandEnv(raw string) (string, error) {
	var missing []string
	expanded := os.Expand(raw, func(key string) string {
		if key == "$" {
			return "$"
		}
		value, ok := os.LookupEnv(key)
		if !ok {
			missing = append(missing, key)
		}
		return value
	})
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", fmt.Errorf(envReferenceMissingMessage, strings.Join(missing, ", "))
	}
	return expanded, nil
}

func (c *Config) applyDefaults() {
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = defaultLogLevel
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxMessageBytes == 0 {
		c.Server.MaxMessageBytes = defaultMaxMessageBytes
	}

	if c.Stream.QueueSize == 0 {
		c.Stream.QueueSize = defaultQueueSize
	}
	if c.Stream.DiscrepancyTolerance == nil {
		tolerance := defaultTolerance
		c.Stream.DiscrepancyTolerance = &tolerance
	}
	if strings.TrimSpace(c.Stream.DefaultSystemPrompt) == "" {
		c.Stream.DefaultSystemPrompt = defaultSystemPrompt
	}

	if c.Store.Backend == "" {
		c.Store.Backend = storeBackendFile
	}
	applyKindDefaults(&c.Store.Chats, "user-data/chats", ".json")
	applyKindDefaults(&c.Store.Documents, "user-data/documents", ".md")
	applyKindDefaults(&c.Store.Prompts, "user-data/prompts", ".txt")
	if c.Store.Redis.Prefix == "" {
		c.Store.Redis.Prefix = defaultRedisPrefix
	}

	for name, provider := range c.Providers.Configured() {
		if provider.MaxConcurrent == 0 {
			provider.MaxConcurrent = defaultMaxConcurrent
		}
		if provider.Timeout == 0 {
			provider.Timeout = defaultProviderTimeout
		}
		if name == providerNameClaude && provider.MaxTokens == 0 {
			provider.MaxTokens = defaultClaudeMaxTokens
		}
	}
}

// Configured returns the providers present in the configuration keyed by name.
func (p ProvidersConfig) Configured() map[string]*ProviderConfig {
	out := make(map[string]*ProviderConfig, 3)
	if p.DeepSeek != nil {
		out[providerNameDeepSeek] = p.DeepSeek
	}
	if p.Gemini != nil {
		out[providerNameGemini] = p.Gemini
	}
	if p.Claude != nil {
		out[providerNameClaude] = p.Claude
	}
	return out
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	switch strings.ToLower(c.Server.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("server.log_level %q must be one of debug, info, warn, error", c.Server.LogLevel)
	}
	if c.Server.MaxMessageBytes < 0 {
		return errors.New("server.max_message_bytes must not be negative")
	}

	if c.Stream.QueueSize < 0 {
		return errors.New("stream.queue_size must not be negative")
	}
	if c.Stream.DiscrepancyTolerance != nil && *c.Stream.DiscrepancyTolerance < 0 {
		return errors.New("stream.discrepancy_tolerance must not be negative")
	}

	if err := validateStore(c.Store); err != nil {
		return err
	}

	providers := c.Providers.Configured()
	if len(providers) == 0 {
		return errors.New("at least one provider must be configured")
	}

	prefixOwners := make(map[string]string)
	for name, provider := range providers {
		if err := validateProvider(name, *provider); err != nil {
			return err
		}
		for _, prefix := range provider.Prefixes {
			if owner, exists := prefixOwners[prefix]; exists {
				return fmt.Errorf("provider %s: prefix %q already claimed by provider %s", name, prefix, owner)
			}
			prefixOwners[prefix] = name
		}
	}

	return nil
}

func applyKindDefaults(kind *KindConfig, dir, ext string) {
	if kind.Dir == "" {
		kind.Dir = dir
	}
	if kind.Extension == "" {
		kind.Extension = ext
	}
}

func validateStore(store StoreConfig) error {
	for name, kind := range store.Kinds() {
		if !strings.HasPrefix(kind.Extension, ".") {
			return fmt.Errorf("store %s extension %q must start with a dot", name, kind.Extension)
		}
	}

	switch store.Backend {
	case storeBackendFile:
		seen := make(map[string]string)
		for name, kind := range store.Kinds() {
			if strings.TrimSpace(kind.Dir) == "" {
				return fmt.Errorf("store %s dir must be provided for the file backend", name)
			}
			dir := filepath.Clean(kind.Dir)
			if other, ok := seen[dir]; ok {
				return fmt.Errorf("store %s and %s must not share directory %q", other, name, kind.Dir)
			}
			seen[dir] = name
		}
	case storeBackendRedis:
		if strings.TrimSpace(store.Redis.Addr) == "" {
			return errors.New("store.redis.addr must be provided for the redis backend")
		}
	default:
		return fmt.Errorf("store.backend %q must be one of %q or %q", store.Backend, storeBackendFile, storeBackendRedis)
	}
	return nil
}

func validateProvider(name string, provider ProviderConfig) error {
	if strings.TrimSpace(provider.APIKey) == "" {
		return fmt.Errorf("provider %s: api_key must be provided", name)
	}
	if strings.TrimSpace(provider.BaseURL) == "" {
		return fmt.Errorf("provider %s: base_url must be provided", name)
	}
	if len(provider.Models) == 0 {
		return fmt.Errorf("provider %s: at least one model must be configured", name)
	}
	if provider.MaxConcurrent < 0 {
		return fmt.Errorf("provider %s: max_concurrent must not be negative", name)
	}
	if provider.Timeout < 0 {
		return fmt.Errorf("provider %s: timeout must not be negative", name)
	}

	ids := make(map[string]struct{}, len(provider.Models))
	for _, model := range provider.Models {
		if strings.TrimSpace(model.ID) == "" {
			return fmt.Errorf("provider %s: model id must not be empty", name)
		}
		if _, dup := ids[model.ID]; dup {
			return fmt.Errorf("provider %s: model %q listed twice", name, model.ID)
		}
		ids[model.ID] = struct{}{}
		if t := model.TemperatureDefault; t != nil && (*t < 0 || *t > 2) {
			return fmt.Errorf("provider %s: model %q temperature_default %.2f must be within [0, 2]", name, model.ID, *t)
		}
	}

	for _, prefix := range provider.Prefixes {
		if strings.TrimSpace(prefix) == "" {
			return fmt.Errorf("provider %s: prefix must not be empty", name)
		}
	}

	for headerKey := range provider.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("provider %s: header %q is not a valid canonical HTTP header", name, headerKey)
		}
	}

	for alias, target := range provider.Aliases {
		if strings.TrimSpace(alias) == "" {
			return fmt.Errorf("provider %s: alias name must not be empty", name)
		}
		if strings.TrimSpace(target) == "" {
			return fmt.Errorf("provider %s: alias %q target must not be empty", name, alias)
		}
	}

	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
