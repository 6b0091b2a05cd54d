package ark

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"

	arkmodel "github.com/cloudwego/eino-ext/components/model/ark"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/getkin/kin-openapi/openapi3"

	"github.com/zhouzirui/nbchat/backend/internal/model/ai"
	"github.com/zhouzirui/nbchat/backend/internal/model/chat"
)

// ProviderID identifies the Volcengine Ark provider.
const ProviderID = "ark"

// Config selects the Ark endpoint model to expose.
type Config struct {
	APIKey        string
	Model         string
	BaseURL       string
	Region        string
	ContextWindow int
}

// Provider exposes a single Ark chat model through the eino client.
type Provider struct {
	cfg  Config
	chat []ai.ChatModel
}

// NewProvider builds the eino client. An empty APIKey or Model yields an
// empty catalog so the provider can always be registered.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.ContextWindow == 0 {
		cfg.ContextWindow = 32768
	}
	p := &Provider{cfg: cfg}
	if cfg.APIKey == "" || cfg.Model == "" {
		return p, nil
	}

	client, err := arkmodel.NewChatModel(ctx, clientConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("ark: create chat model: %w", err)
	}
	p.chat = []ai.ChatModel{&chatModel{cfg: cfg, client: client, bind: newBoundClient(cfg)}}
	return p, nil
}

func clientConfig(cfg Config) *arkmodel.ChatModelConfig {
	return &arkmodel.ChatModelConfig{
		BaseURL: cfg.BaseURL,
		Region:  cfg.Region,
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
	}
}

// newBoundClient builds tool-bound clients on demand. BindTools mutates the
// client it is called on, so tool-bearing requests get a fresh client rather
// than rebinding the shared one under concurrent use.
func newBoundClient(cfg Config) func(ctx context.Context, infos []*schema.ToolInfo) (einomodel.ChatModel, error) {
	return func(ctx context.Context, infos []*schema.ToolInfo) (einomodel.ChatModel, error) {
		client, err := arkmodel.NewChatModel(ctx, clientConfig(cfg))
		if err != nil {
			return nil, err
		}
		if err := client.BindTools(infos); err != nil {
			return nil, err
		}
		return client, nil
	}
}

func (p *Provider) ID() string   { return ProviderID }
func (p *Provider) Name() string { return "Volcengine Ark" }

func (p *Provider) ChatModels() []ai.ChatModel                         { return p.chat }
func (p *Provider) InlineCompletionModels() []ai.InlineCompletionModel { return nil }
func (p *Provider) EmbeddingModels() []ai.EmbeddingModel               { return nil }

type chatModel struct {
	cfg    Config
	client einomodel.ChatModel
	bind   func(ctx context.Context, infos []*schema.ToolInfo) (einomodel.ChatModel, error)
}

func (m *chatModel) ID() string         { return m.cfg.Model }
func (m *chatModel) Name() string       { return m.cfg.Model }
func (m *chatModel) ContextWindow() int { return m.cfg.ContextWindow }

func toSchemaMessages(messages []chat.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(messages))
	for _, msg := range messages {
		converted := &schema.Message{
			Role:       schema.RoleType(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			converted.ToolCalls = append(converted.ToolCalls, schema.ToolCall{
				ID:   tc.ID,
				Type: tc.Type,
				Function: schema.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		out = append(out, converted)
	}
	return out
}

func fromSchemaMessage(msg *schema.Message) chat.Message {
	out := chat.Message{Role: string(msg.Role), Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, chat.ToolCall{
			ID:   tc.ID,
			Type: tc.Type,
			Function: chat.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return out
}

// toToolInfos converts function declarations into eino tool bindings.
func toToolInfos(tools []map[string]any) ([]*schema.ToolInfo, error) {
	infos := make([]*schema.ToolInfo, 0, len(tools))
	for _, tool := range tools {
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		desc, _ := fn["description"].(string)

		raw, err := json.Marshal(fn["parameters"])
		if err != nil {
			return nil, fmt.Errorf("marshal parameters of %s: %w", name, err)
		}
		var params openapi3.Schema
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, fmt.Errorf("parse parameters of %s: %w", name, err)
		}

		infos = append(infos, &schema.ToolInfo{
			Name:        name,
			Desc:        desc,
			ParamsOneOf: schema.NewParamsOneOfByOpenAPIV3(&params),
		})
	}
	return infos, nil
}

func (m *chatModel) Completions(ctx context.Context, messages []chat.Message, tools []map[string]any, emitter ai.Emitter, cancel *ai.CancelToken, opts ai.CompletionOptions) (*ai.CompletionResponse, error) {
	client := m.client
	if len(tools) > 0 {
		infos, err := toToolInfos(tools)
		if err != nil {
			return nil, fmt.Errorf("ark: %w", err)
		}
		bound, err := m.bind(ctx, infos)
		if err != nil {
			return nil, fmt.Errorf("ark: bind tools: %w", err)
		}
		client = bound
	}

	einoMessages := toSchemaMessages(messages)

	if emitter == nil {
		msg, err := client.Generate(ctx, einoMessages)
		if err != nil {
			return nil, fmt.Errorf("ark: generate: %w", err)
		}
		return &ai.CompletionResponse{
			Choices: []ai.CompletionChoice{{Message: fromSchemaMessage(msg)}},
		}, nil
	}

	stream, err := client.Stream(ctx, einoMessages)
	if err != nil {
		emitter.Stream(ai.MarkdownData{Content: "Failed to reach the Ark endpoint. Please check your credentials."})
		emitter.Finish()
		return nil, fmt.Errorf("ark: stream: %w", err)
	}
	defer stream.Close()

	for {
		if cancel != nil && cancel.Cancelled() {
			break
		}
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Printf("[ark] stream recv failed: %v", err)
			break
		}
		if chunk.Content == "" {
			continue
		}
		emitter.Stream(ai.RawData{Payload: map[string]any{
			"choices": []any{map[string]any{
				"delta": map[string]any{"content": chunk.Content},
			}},
		}})
	}
	emitter.Finish()
	return &ai.CompletionResponse{}, nil
}
