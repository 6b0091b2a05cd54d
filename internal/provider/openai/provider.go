package openai

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
	"github.com/zhouzirui/nbchat/backend/internal/model/chat"
	"github.com/zhouzirui/nbchat/backend/pkg/utils"
)

// ProviderID is reserved at registration time for this built-in provider.
const ProviderID = "openai-compatible"

// Config points the provider at any chat-completions compatible endpoint.
type Config struct {
	BaseURL       string
	APIKey        string
	ChatModelID   string
	ContextWindow int
}

// Provider serves a single configured model from an OpenAI-compatible server.
type Provider struct {
	cfg        Config
	httpClient *http.Client
	chat       []ai.ChatModel
	inline     []ai.InlineCompletionModel
}

// NewProvider builds the provider; a zero ContextWindow defaults to 128000.
func NewProvider(cfg Config, client *http.Client) *Provider {
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	if cfg.ContextWindow == 0 {
		cfg.ContextWindow = 128000
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	p := &Provider{cfg: cfg, httpClient: client}
	if cfg.BaseURL != "" && cfg.ChatModelID != "" {
		model := &chatModel{provider: p}
		p.chat = []ai.ChatModel{model}
		p.inline = []ai.InlineCompletionModel{&inlineModel{chat: model}}
	}
	return p
}

func (p *Provider) ID() string   { return ProviderID }
func (p *Provider) Name() string { return "OpenAI Compatible" }

func (p *Provider) ChatModels() []ai.ChatModel                         { return p.chat }
func (p *Provider) InlineCompletionModels() []ai.InlineCompletionModel { return p.inline }
func (p *Provider) EmbeddingModels() []ai.EmbeddingModel               { return nil }

type chatModel struct {
	provider *Provider
}

func (m *chatModel) ID() string         { return m.provider.cfg.ChatModelID }
func (m *chatModel) Name() string       { return m.provider.cfg.ChatModelID }
func (m *chatModel) ContextWindow() int { return m.provider.cfg.ContextWindow }

// Completions calls {base}/chat/completions, streaming SSE deltas through the
// emitter when one is supplied.
func (m *chatModel) Completions(ctx context.Context, messages []chat.Message, tools []map[string]any, emitter ai.Emitter, cancel *ai.CancelToken, opts ai.CompletionOptions) (*ai.CompletionResponse, error) {
	cfg := m.provider.cfg

	payload := map[string]any{
		"model":    cfg.ChatModelID,
		"messages": messages,
		"stream":   emitter != nil,
	}
	if len(tools) > 0 {
		payload["tools"] = tools
	}
	if opts.ToolChoice != "" {
		payload["tool_choice"] = opts.ToolChoice
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	resp, err := m.provider.httpClient.Do(req)
	if err != nil {
		if emitter != nil {
			emitter.Stream(ai.MarkdownData{Content: "Failed to reach the model server. Please check the configured base URL."})
			emitter.Finish()
		}
		return nil, fmt.Errorf("openai: completions request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if emitter != nil {
			emitter.Stream(ai.MarkdownData{Content: fmt.Sprintf("The model server returned an error (HTTP %d).", resp.StatusCode)})
			emitter.Finish()
		}
		return nil, fmt.Errorf("openai: completions status %d", resp.StatusCode)
	}

	if emitter == nil {
		var out ai.CompletionResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("openai: decode completions: %w", err)
		}
		return &out, nil
	}

	err = utils.ScanSSE(resp.Body, func(data string) error {
		if cancel != nil && cancel.Cancelled() {
			return errCancelled
		}
		if data == utils.SSEDone {
			return nil
		}
		var delta map[string]any
		if err := json.Unmarshal([]byte(data), &delta); err != nil {
			log.Printf("[openai] skipping malformed stream chunk: %v", err)
			return nil
		}
		emitter.Stream(ai.RawData{Payload: delta})
		return nil
	})
	emitter.Finish()
	if err != nil && err != errCancelled {
		return nil, fmt.Errorf("openai: stream: %w", err)
	}
	return &ai.CompletionResponse{}, nil
}

var errCancelled = fmt.Errorf("cancelled")

type inlineModel struct {
	chat *chatModel
}

func (m *inlineModel) ID() string         { return m.chat.ID() }
func (m *inlineModel) Name() string       { return m.chat.Name() }
func (m *inlineModel) ContextWindow() int { return m.chat.ContextWindow() }

const inlineSystemPrompt = "You are a code completion assistant. Complete the code between the prefix and the suffix. Respond with only the inserted code, no explanations and no code fences."

// InlineCompletions reuses the chat model with an instruction prompt, since
// compatible servers rarely expose a dedicated infilling endpoint.
func (m *inlineModel) InlineCompletions(ctx context.Context, prefix, suffix, language, filename string, cc *ai.CompletionContext, cancel *ai.CancelToken) string {
	if cancel != nil && cancel.Cancelled() {
		return ""
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Language: %s\nFile: %s\n", language, filename)
	if cc != nil {
		for _, item := range cc.Items {
			if item.Content == "" {
				continue
			}
			fmt.Fprintf(&sb, "Related snippet from %s:\n%s\n", item.FilePath, item.Content)
		}
	}
	fmt.Fprintf(&sb, "Prefix:\n%s\nSuffix:\n%s", prefix, suffix)

	messages := []chat.Message{
		chat.SystemMessage(inlineSystemPrompt),
		chat.UserMessage(sb.String()),
	}
	resp, err := m.chat.Completions(ctx, messages, nil, nil, cancel, ai.CompletionOptions{})
	if err != nil {
		log.Printf("[openai] inline completion failed: %v", err)
		return ""
	}
	if cancel != nil && cancel.Cancelled() {
		return ""
	}

	out := resp.Content()
	out = strings.TrimPrefix(out, "```"+language+"\n")
	out = strings.TrimPrefix(out, "```\n")
	out = strings.TrimSuffix(out, "```")
	return strings.TrimRight(out, "\n")
}
