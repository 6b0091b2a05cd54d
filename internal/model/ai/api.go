package ai

import (
	"context"

	"github.com/zhouzirui/nbchat/backend/internal/model/chat"
)

// ModelKind selects which catalog of a provider a model reference resolves
// against.
type ModelKind string

const (
	ModelKindChat             ModelKind = "chat"
	ModelKindInlineCompletion ModelKind = "inline-completion"
	ModelKindEmbedding        ModelKind = "embedding"
)

// ChatCommand describes a slash command a participant advertises to clients.
type ChatCommand struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ChatRequest is a parsed chat request handed to a participant. Command and
// Prompt are rewritten by the dispatcher before delegation; the participant id
// itself is only used for routing.
type ChatRequest struct {
	Prompt      string
	Command     string
	History     []chat.Message
	Host        Host
	CancelToken *CancelToken
}

// HandlerOptions tweak how a participant drives the model for one request.
type HandlerOptions struct {
	SystemPrompt string
	ToolChoice   string
	ToolContext  map[string]any
}

// Participant is a named handler of chat prompts, addressable as "@id" in the
// prompt. Registered exactly once; implementations must be safe for concurrent
// use across sessions.
type Participant interface {
	ID() string
	Name() string
	Description() string
	Commands() []ChatCommand
	Tools() []Tool
	// AllowedContextProviders lists context provider ids this participant
	// accepts. The wildcard "*" allows all.
	AllowedContextProviders() []string
	HandleChatRequest(ctx context.Context, req *ChatRequest, emitter Emitter, opts HandlerOptions) error
}

// Tool is a model-invocable function declared by a participant.
type Tool interface {
	Name() string
	Title() string
	Description() string
	// Schema returns the JSON-schema function declaration sent to the model.
	Schema() map[string]any
	HandleToolCall(ctx context.Context, req *ChatRequest, emitter Emitter, toolContext map[string]any, args map[string]any) (map[string]any, error)
}

// CompletionOptions carry per-call model options.
type CompletionOptions struct {
	ToolChoice string
}

// CompletionResponse is the materialized result of a non-streaming chat call.
type CompletionResponse struct {
	Choices []CompletionChoice `json:"choices"`
}

// CompletionChoice wraps one candidate message.
type CompletionChoice struct {
	Message chat.Message `json:"message"`
}

// Content returns the first choice's content, or "" when absent.
func (r *CompletionResponse) Content() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// ToolCalls returns the tool invocations requested by the first choice.
func (r *CompletionResponse) ToolCalls() []chat.ToolCall {
	if r == nil || len(r.Choices) == 0 {
		return nil
	}
	return r.Choices[0].Message.ToolCalls
}

// ChatModel is a conversational model. When emitter is non-nil the call
// streams all output through it (including the terminal Finish) and returns a
// nil response; otherwise the materialized response is returned. A transport
// failure during a streaming call is surfaced as a terminal error fragment on
// the emitter, during a non-streaming call as the returned error.
type ChatModel interface {
	ID() string
	Name() string
	ContextWindow() int
	Completions(ctx context.Context, messages []chat.Message, tools []map[string]any, emitter Emitter, cancel *CancelToken, opts CompletionOptions) (*CompletionResponse, error)
}

// InlineCompletionModel produces code completions between a prefix and a
// suffix. Implementations log and return "" on transport errors, they never
// let a failure escape.
type InlineCompletionModel interface {
	ID() string
	Name() string
	ContextWindow() int
	InlineCompletions(ctx context.Context, prefix, suffix, language, filename string, cc *CompletionContext, cancel *CancelToken) string
}

// EmbeddingModel maps input texts to embedding vectors.
type EmbeddingModel interface {
	ID() string
	Name() string
	ContextWindow() int
	Embeddings(ctx context.Context, inputs []string) ([][]float64, error)
}

// LLMProvider is a named source of models, each addressable as
// "providerId::modelId".
type LLMProvider interface {
	ID() string
	Name() string
	ChatModels() []ChatModel
	InlineCompletionModels() []InlineCompletionModel
	EmbeddingModels() []EmbeddingModel
}

// ContextRequestType distinguishes why completion context is being gathered.
type ContextRequestType string

const (
	ContextRequestChat             ContextRequestType = "chat"
	ContextRequestInlineCompletion ContextRequestType = "inline-completion"
)

// ContextRequest asks registered context providers for prompt material.
type ContextRequest struct {
	Type        ContextRequestType
	Prefix      string
	Suffix      string
	Language    string
	Filename    string
	Participant Participant
	CancelToken *CancelToken
}

// ContextItem is one piece of retrieved material injected into a model prompt.
type ContextItem struct {
	Content   string `json:"content"`
	FilePath  string `json:"filePath,omitempty"`
	StartLine int    `json:"startLine,omitempty"`
	EndLine   int    `json:"endLine,omitempty"`
}

// CompletionContext aggregates context items in provider registration order.
type CompletionContext struct {
	Items []ContextItem
}

// ContextProvider supplies completion context items on request.
type ContextProvider interface {
	ID() string
	HandleCompletionContextRequest(ctx context.Context, req *ContextRequest) (*CompletionContext, error)
}

// Host is the surface participants use to reach configured models and
// aggregated context without depending on the registry implementation.
type Host interface {
	ChatModel() ChatModel
	InlineCompletionModel() InlineCompletionModel
	EmbeddingModel() EmbeddingModel
	CompletionContext(ctx context.Context, req *ContextRequest) *CompletionContext
}
