package copilot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/zhouzirui/nbchat/backend/internal/model/ai"
	"github.com/zhouzirui/nbchat/backend/internal/model/chat"
	"github.com/zhouzirui/nbchat/backend/pkg/utils"
)

// ProviderID is reserved at registration time for this built-in provider.
const ProviderID = "github-copilot"

// Provider exposes the hosted chat and inline-completion models behind a
// device-authorized session.
type Provider struct {
	auth       *AuthSession
	httpClient *http.Client
	chat       []ai.ChatModel
	inline     []ai.InlineCompletionModel
}

// NewProvider wires the model catalog onto an auth session.
func NewProvider(auth *AuthSession) *Provider {
	p := &Provider{auth: auth, httpClient: auth.httpClient}
	p.chat = []ai.ChatModel{
		&chatModel{provider: p, id: "gpt-4o", name: "GPT-4o", contextWindow: 128000},
		&chatModel{provider: p, id: "gpt-4o-mini", name: "GPT-4o mini", contextWindow: 128000},
	}
	p.inline = []ai.InlineCompletionModel{
		&inlineModel{provider: p, id: "copilot-codex", name: "Copilot Codex"},
	}
	return p
}

func (p *Provider) ID() string   { return ProviderID }
func (p *Provider) Name() string { return "GitHub Copilot" }

func (p *Provider) ChatModels() []ai.ChatModel                         { return p.chat }
func (p *Provider) InlineCompletionModels() []ai.InlineCompletionModel { return p.inline }
func (p *Provider) EmbeddingModels() []ai.EmbeddingModel               { return nil }

// Auth exposes the session for the login endpoints.
func (p *Provider) Auth() *AuthSession { return p.auth }

type chatModel struct {
	provider      *Provider
	id            string
	name          string
	contextWindow int
}

func (m *chatModel) ID() string         { return m.id }
func (m *chatModel) Name() string       { return m.name }
func (m *chatModel) ContextWindow() int { return m.contextWindow }

type completionsPayload struct {
	Model       string           `json:"model"`
	Messages    []chat.Message   `json:"messages"`
	Tools       []map[string]any `json:"tools,omitempty"`
	ToolChoice  string           `json:"tool_choice,omitempty"`
	MaxTokens   int              `json:"max_tokens"`
	Temperature float64          `json:"temperature"`
	TopP        float64          `json:"top_p"`
	N           int              `json:"n"`
	Stream      bool             `json:"stream"`
}

// Completions calls the hosted chat endpoint. With a non-nil emitter the
// response streams as raw deltas through it; otherwise the full response is
// returned for the caller to inspect tool calls.
func (m *chatModel) Completions(ctx context.Context, messages []chat.Message, tools []map[string]any, emitter ai.Emitter, cancel *ai.CancelToken, opts ai.CompletionOptions) (*ai.CompletionResponse, error) {
	if _, ok := m.provider.auth.BearerToken(); !ok {
		return nil, fmt.Errorf("copilot: not logged in")
	}

	payload := completionsPayload{
		Model:       m.id,
		Messages:    messages,
		Tools:       tools,
		ToolChoice:  opts.ToolChoice,
		MaxTokens:   4096,
		Temperature: 0,
		TopP:        1,
		N:           1,
		Stream:      emitter != nil,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("copilot: marshal request: %w", err)
	}

	url := m.provider.auth.APIEndpoint() + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header = m.provider.auth.headers()

	resp, err := m.provider.httpClient.Do(req)
	if err != nil {
		if emitter != nil {
			emitter.Stream(ai.MarkdownData{Content: "Failed to reach the model service. Please check your connection and try again."})
			emitter.Finish()
		}
		return nil, fmt.Errorf("copilot: completions request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if emitter != nil {
			emitter.Stream(ai.MarkdownData{Content: fmt.Sprintf("The model service returned an error (HTTP %d).", resp.StatusCode)})
			emitter.Finish()
		}
		return nil, fmt.Errorf("copilot: completions status %d", resp.StatusCode)
	}

	if emitter == nil {
		var out ai.CompletionResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("copilot: decode completions: %w", err)
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
			log.Printf("[copilot] skipping malformed stream chunk: %v", err)
			return nil
		}
		emitter.Stream(ai.RawData{Payload: delta})
		return nil
	})
	emitter.Finish()
	if err != nil && err != errCancelled {
		return nil, fmt.Errorf("copilot: stream: %w", err)
	}
	return &ai.CompletionResponse{}, nil
}

var errCancelled = fmt.Errorf("cancelled")

type inlineModel struct {
	provider *Provider
	id       string
	name     string
}

func (m *inlineModel) ID() string         { return m.id }
func (m *inlineModel) Name() string       { return m.name }
func (m *inlineModel) ContextWindow() int { return 8192 }

// InlineCompletions calls the completion proxy. Errors degrade to an empty
// suggestion so the editor never surfaces a failure mid-typing.
func (m *inlineModel) InlineCompletions(ctx context.Context, prefix, suffix, language, filename string, cc *ai.CompletionContext, cancel *ai.CancelToken) string {
	if _, ok := m.provider.auth.BearerToken(); !ok {
		return ""
	}

	prompt := buildInlinePrompt(prefix, language, filename, cc)
	payload, err := json.Marshal(map[string]any{
		"prompt":      prompt,
		"suffix":      suffix,
		"max_tokens":  1000,
		"temperature": 0,
		"top_p":       1,
		"n":           1,
		"stop":        []string{"\n\n"},
		"stream":      true,
		"extra":       map[string]any{"language": language},
	})
	if err != nil {
		return ""
	}

	url := m.provider.auth.ProxyEndpoint() + "/v1/engines/copilot-codex/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return ""
	}
	req.Header = m.provider.auth.headers()

	resp, err := m.provider.httpClient.Do(req)
	if err != nil {
		log.Printf("[copilot] inline completion request failed: %v", err)
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}

	var sb strings.Builder
	err = utils.ScanSSE(resp.Body, func(data string) error {
		if cancel != nil && cancel.Cancelled() {
			return errCancelled
		}
		if data == utils.SSEDone {
			return nil
		}
		var chunk struct {
			Choices []struct {
				Text string `json:"text"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil
		}
		for _, c := range chunk.Choices {
			sb.WriteString(c.Text)
		}
		return nil
	})
	if err == errCancelled {
		return ""
	}
	if err != nil {
		log.Printf("[copilot] inline completion stream failed: %v", err)
		return ""
	}
	return sb.String()
}

// buildInlinePrompt prefixes the editor context as comments, the way the
// completion engine expects to see neighboring snippets.
func buildInlinePrompt(prefix, language, filename string, cc *ai.CompletionContext) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Path: %s\n", filename)
	if language != "" {
		fmt.Fprintf(&sb, "# Language: %s\n", language)
	}
	if cc != nil {
		for _, item := range cc.Items {
			if item.Content == "" {
				continue
			}
			fmt.Fprintf(&sb, "# Compare this snippet from %s:\n", item.FilePath)
			for _, line := range strings.Split(item.Content, "\n") {
				sb.WriteString("# " + line + "\n")
			}
		}
	}
	sb.WriteString(prefix)
	return sb.String()
}
