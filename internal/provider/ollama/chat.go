package ollama

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/zhouzirui/nbchat/backend/internal/model/ai"
	"github.com/zhouzirui/nbchat/backend/internal/model/chat"
)

type chatModel struct {
	provider      *Provider
	name          string
	contextWindow int
}

func (m *chatModel) ID() string         { return m.name }
func (m *chatModel) Name() string       { return m.name }
func (m *chatModel) ContextWindow() int { return m.contextWindow }

// ollamaMessage is the daemon's message shape; tool-call arguments arrive as
// a JSON object rather than an encoded string.
type ollamaMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	ToolCalls []struct {
		Function struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		} `json:"function"`
	} `json:"tool_calls,omitempty"`
}

type chatChunk struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

func toChatMessage(msg ollamaMessage) chat.Message {
	out := chat.Message{Role: msg.Role, Content: msg.Content}
	for i, tc := range msg.ToolCalls {
		args, _ := json.Marshal(tc.Function.Arguments)
		out.ToolCalls = append(out.ToolCalls, chat.ToolCall{
			ID:   fmt.Sprintf("call_%d", i),
			Type: "function",
			Function: chat.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: string(args),
			},
		})
	}
	return out
}

// Completions calls /api/chat. The daemon streams newline-delimited JSON;
// each chunk is normalized to a delta payload before hitting the emitter.
func (m *chatModel) Completions(ctx context.Context, messages []chat.Message, tools []map[string]any, emitter ai.Emitter, cancel *ai.CancelToken, opts ai.CompletionOptions) (*ai.CompletionResponse, error) {
	payload := map[string]any{
		"model":    m.name,
		"messages": messages,
		"stream":   emitter != nil,
	}
	if len(tools) > 0 {
		payload["tools"] = tools
	}

	resp, err := m.provider.post(ctx, "/api/chat", payload)
	if err != nil {
		if emitter != nil {
			emitter.Stream(ai.MarkdownData{Content: "Failed to reach the Ollama daemon. Is it running?"})
			emitter.Finish()
		}
		return nil, fmt.Errorf("ollama: chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if emitter != nil {
			emitter.Stream(ai.MarkdownData{Content: fmt.Sprintf("Ollama returned an error (HTTP %d).", resp.StatusCode)})
			emitter.Finish()
		}
		return nil, fmt.Errorf("ollama: chat status %d", resp.StatusCode)
	}

	if emitter == nil {
		var chunk chatChunk
		if err := json.NewDecoder(resp.Body).Decode(&chunk); err != nil {
			return nil, fmt.Errorf("ollama: decode chat response: %w", err)
		}
		return &ai.CompletionResponse{
			Choices: []ai.CompletionChoice{{Message: toChatMessage(chunk.Message)}},
		}, nil
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if cancel != nil && cancel.Cancelled() {
			break
		}
		var chunk chatChunk
		if err := json.Unmarshal(scanner.Bytes(), &chunk); err != nil {
			log.Printf("[ollama] skipping malformed chat chunk: %v", err)
			continue
		}
		if chunk.Message.Content != "" {
			emitter.Stream(ai.RawData{Payload: map[string]any{
				"choices": []any{map[string]any{
					"delta": map[string]any{"content": chunk.Message.Content},
				}},
			}})
		}
		if chunk.Done {
			break
		}
	}
	emitter.Finish()
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ollama: chat stream: %w", err)
	}
	return &ai.CompletionResponse{}, nil
}
