package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config aggregates the service configuration.
type Config struct {
	Server  ServerConfig
	Models  ModelConfig
	Copilot CopilotConfig
	Ollama  OllamaConfig
	OpenAI  OpenAIConfig
	Ark     ArkConfig
}

// Load reads the configuration from environment variables.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	openAI, err := loadOpenAIConfig()
	if err != nil {
		return nil, err
	}

	ark, err := loadArkConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:  server,
		Models:  loadModelConfig(),
		Copilot: CopilotConfig{AccessToken: strings.TrimSpace(os.Getenv("GITHUB_ACCESS_TOKEN"))},
		Ollama:  OllamaConfig{BaseURL: getEnvOrDefault("OLLAMA_BASE_URL", "http://localhost:11434")},
		OpenAI:  openAI,
		Ark:     ark,
	}, nil
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr string
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// Allow passing ":8080" or "127.0.0.1:8080" directly.
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// ModelConfig selects the active models as "provider::model" references.
type ModelConfig struct {
	ChatModel             string
	InlineCompletionModel string
	EmbeddingModel        string
}

func loadModelConfig() ModelConfig {
	return ModelConfig{
		ChatModel:             getEnvOrDefault("CHAT_MODEL", "github-copilot::gpt-4o"),
		InlineCompletionModel: getEnvOrDefault("INLINE_COMPLETION_MODEL", "github-copilot::copilot-codex"),
		EmbeddingModel:        strings.TrimSpace(os.Getenv("EMBEDDING_MODEL")),
	}
}

// CopilotConfig carries an optional pre-provisioned access token that skips
// the device-authorization flow.
type CopilotConfig struct {
	AccessToken string
}

// OllamaConfig points at a local model daemon.
type OllamaConfig struct {
	BaseURL string
}

// OpenAIConfig describes an OpenAI-compatible endpoint.
type OpenAIConfig struct {
	BaseURL       string
	APIKey        string
	ChatModel     string
	ContextWindow int
}

func loadOpenAIConfig() (OpenAIConfig, error) {
	window, err := parseOptionalIntEnv("OPENAI_COMPAT_CONTEXT_WINDOW")
	if err != nil {
		return OpenAIConfig{}, err
	}

	cfg := OpenAIConfig{
		BaseURL:   strings.TrimSpace(os.Getenv("OPENAI_COMPAT_BASE_URL")),
		APIKey:    strings.TrimSpace(os.Getenv("OPENAI_COMPAT_API_KEY")),
		ChatModel: strings.TrimSpace(os.Getenv("OPENAI_COMPAT_CHAT_MODEL")),
	}
	if window != nil {
		cfg.ContextWindow = *window
	}
	return cfg, nil
}

// ArkConfig describes the Volcengine Ark endpoint.
type ArkConfig struct {
	APIKey        string
	Model         string
	BaseURL       string
	Region        string
	ContextWindow int
}

// Enabled reports whether the required credentials are present.
func (c ArkConfig) Enabled() bool {
	return c.APIKey != "" && c.Model != ""
}

func loadArkConfig() (ArkConfig, error) {
	window, err := parseOptionalIntEnv("ARK_CONTEXT_WINDOW")
	if err != nil {
		return ArkConfig{}, err
	}

	cfg := ArkConfig{
		APIKey:  strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		Model:   strings.TrimSpace(os.Getenv("ARK_MODEL")),
		BaseURL: getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:  getEnvOrDefault("ARK_REGION", "cn-beijing"),
	}
	if window != nil {
		cfg.ContextWindow = *window
	}
	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
