package ark

import (
	"context"
	"sync"
	"testing"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/nbchat/backend/internal/model/ai"
	"github.com/zhouzirui/nbchat/backend/internal/model/chat"
)

type fakeEinoClient struct {
	reply *schema.Message

	mu        sync.Mutex
	generates int
	binds     int
}

func (f *fakeEinoClient) Generate(ctx context.Context, in []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	f.mu.Lock()
	f.generates++
	f.mu.Unlock()
	return f.reply, nil
}

func (f *fakeEinoClient) Stream(ctx context.Context, in []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	sr, sw := schema.Pipe[*schema.Message](1)
	sw.Close()
	return sr, nil
}

func (f *fakeEinoClient) BindTools(tools []*schema.ToolInfo) error {
	f.mu.Lock()
	f.binds++
	f.mu.Unlock()
	return nil
}

func TestProviderWithoutCredentialsHasEmptyCatalog(t *testing.T) {
	provider, err := NewProvider(context.Background(), Config{})
	require.NoError(t, err)
	require.Empty(t, provider.ChatModels())
}

func TestMessageConversionRoundTrip(t *testing.T) {
	in := []chat.Message{
		chat.SystemMessage("be helpful"),
		chat.UserMessage("hi"),
		{
			Role: chat.RoleAssistant,
			ToolCalls: []chat.ToolCall{{
				ID:   "call-1",
				Type: "function",
				Function: chat.FunctionCall{
					Name:      "add_code_cell_to_notebook",
					Arguments: `{"code_cell_source":"x = 1"}`,
				},
			}},
		},
		{Role: chat.RoleTool, Content: `{"result":"ok"}`, ToolCallID: "call-1"},
	}

	converted := toSchemaMessages(in)
	require.Len(t, converted, 4)
	require.Equal(t, schema.System, converted[0].Role)
	require.Equal(t, "call-1", converted[2].ToolCalls[0].ID)
	require.Equal(t, "call-1", converted[3].ToolCallID)

	back := fromSchemaMessage(converted[2])
	require.Equal(t, in[2].ToolCalls, back.ToolCalls)
}

func TestToolBindingLeavesSharedClientUntouched(t *testing.T) {
	shared := &fakeEinoClient{reply: &schema.Message{Role: schema.Assistant, Content: "plain"}}
	bound := &fakeEinoClient{reply: &schema.Message{Role: schema.Assistant, Content: "with tools"}}

	var boundInfos []*schema.ToolInfo
	m := &chatModel{
		cfg:    Config{Model: "test-model", ContextWindow: 32768},
		client: shared,
		bind: func(ctx context.Context, infos []*schema.ToolInfo) (einomodel.ChatModel, error) {
			boundInfos = infos
			return bound, nil
		},
	}

	tools := []map[string]any{{
		"type": "function",
		"function": map[string]any{
			"name":       "add_code_cell_to_notebook",
			"parameters": map[string]any{"type": "object"},
		},
	}}

	resp, err := m.Completions(context.Background(), []chat.Message{chat.UserMessage("hi")}, tools, nil, nil, ai.CompletionOptions{})
	require.NoError(t, err)
	require.Equal(t, "with tools", resp.Choices[0].Message.Content)
	require.Len(t, boundInfos, 1)
	require.Equal(t, 0, shared.binds)
	require.Equal(t, 0, shared.generates)
	require.Equal(t, 1, bound.generates)

	// Tool-free requests keep going through the shared client.
	resp, err = m.Completions(context.Background(), []chat.Message{chat.UserMessage("hi")}, nil, nil, nil, ai.CompletionOptions{})
	require.NoError(t, err)
	require.Equal(t, "plain", resp.Choices[0].Message.Content)
	require.Equal(t, 1, shared.generates)
}

func TestToToolInfos(t *testing.T) {
	infos, err := toToolInfos([]map[string]any{{
		"type": "function",
		"function": map[string]any{
			"name":        "add_code_cell_to_notebook",
			"description": "Adds a code cell.",
			"parameters": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"code_cell_source": map[string]any{"type": "string"},
				},
				"required": []string{"code_cell_source"},
			},
		},
	}})
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, "add_code_cell_to_notebook", infos[0].Name)
	require.NotNil(t, infos[0].ParamsOneOf)
}
