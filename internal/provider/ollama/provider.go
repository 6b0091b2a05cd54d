package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/zhouzirui/nbchat/backend/internal/model/ai"
)

// ProviderID is reserved at registration time for this built-in provider.
const ProviderID = "ollama"

const defaultContextWindow = 4096

// Provider serves models from a local Ollama daemon. The catalog is empty
// until RefreshModels has talked to the daemon.
type Provider struct {
	baseURL    string
	httpClient *http.Client

	chat   []ai.ChatModel
	inline []ai.InlineCompletionModel
	embed  []ai.EmbeddingModel
}

// NewProvider points at an Ollama daemon, http://localhost:11434 by default.
func NewProvider(baseURL string, client *http.Client) *Provider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	return &Provider{baseURL: strings.TrimRight(baseURL, "/"), httpClient: client}
}

func (p *Provider) ID() string   { return ProviderID }
func (p *Provider) Name() string { return "Ollama" }

func (p *Provider) ChatModels() []ai.ChatModel                         { return p.chat }
func (p *Provider) InlineCompletionModels() []ai.InlineCompletionModel { return p.inline }
func (p *Provider) EmbeddingModels() []ai.EmbeddingModel               { return p.embed }

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

type showResponse struct {
	Details struct {
		Family   string   `json:"family"`
		Families []string `json:"families"`
	} `json:"details"`
	ModelInfo map[string]any `json:"model_info"`
}

// RefreshModels rebuilds the catalog from the daemon's installed models.
// Embedding architectures go to the embedding catalog, everything else is a
// chat model; models from a known fill-in-the-middle family additionally
// serve inline completions. A daemon that is down leaves the catalog empty.
func (p *Provider) RefreshModels(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama: list models: %w", err)
	}
	defer resp.Body.Close()

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return fmt.Errorf("ollama: decode model list: %w", err)
	}

	var chatModels []ai.ChatModel
	var inlineModels []ai.InlineCompletionModel
	var embedModels []ai.EmbeddingModel

	for _, m := range tags.Models {
		info, err := p.showModel(ctx, m.Name)
		if err != nil {
			log.Printf("[ollama] skipping model %s: %v", m.Name, err)
			continue
		}

		window := contextWindowFromInfo(info.ModelInfo)
		if isEmbeddingFamily(info.Details.Family, info.Details.Families) {
			embedModels = append(embedModels, &embeddingModel{provider: p, name: m.Name, contextWindow: window})
			continue
		}

		chatModels = append(chatModels, &chatModel{provider: p, name: m.Name, contextWindow: window})
		if _, ok := fimTemplateFor(m.Name); ok {
			inlineModels = append(inlineModels, &inlineModel{provider: p, name: m.Name, contextWindow: window})
		}
	}

	p.chat = chatModels
	p.inline = inlineModels
	p.embed = embedModels
	log.Printf("[ollama] discovered %d chat, %d inline, %d embedding models", len(chatModels), len(inlineModels), len(embedModels))
	return nil
}

func (p *Provider) showModel(ctx context.Context, name string) (*showResponse, error) {
	payload, _ := json.Marshal(map[string]string{"model": name})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/show", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var show showResponse
	if err := json.NewDecoder(resp.Body).Decode(&show); err != nil {
		return nil, err
	}
	return &show, nil
}

func isEmbeddingFamily(family string, families []string) bool {
	for _, f := range append([]string{family}, families...) {
		switch f {
		case "bert", "nomic-bert":
			return true
		}
	}
	return false
}

// contextWindowFromInfo finds the architecture-prefixed context_length key,
// e.g. "llama.context_length".
func contextWindowFromInfo(info map[string]any) int {
	for key, value := range info {
		if !strings.HasSuffix(key, ".context_length") {
			continue
		}
		if n, ok := value.(float64); ok && n > 0 {
			return int(n)
		}
	}
	return defaultContextWindow
}

func (p *Provider) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return p.httpClient.Do(req)
}
